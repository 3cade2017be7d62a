// Package registry implements the process-wide, mutex-guarded task registry
// described in spec §9's design notes: the replanner and external inspectors
// need to look up a running task's context by id, and a task's registration
// is tied to the orchestrator run that owns it.
//
// Grounded on the teacher's internal/jobs.MemoryStore (sync.RWMutex-guarded
// map keyed by id, Create/Get/List/Cancel), narrowed to live *taskctx.Context
// handles rather than cloned value snapshots: callers need to act on the
// actual running task (abort it, read its live workflow), not a point-in-time
// copy.
package registry

import (
	"sort"
	"sync"

	"github.com/taskmesh/taskmesh/internal/taskctx"
)

// Registry holds every task currently known to the process, keyed by task id.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*taskctx.Context
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tasks: make(map[string]*taskctx.Context)}
}

// Register adds task under its own TaskID, overwriting any existing entry
// with the same id. The orchestrator calls this at the start of run() and
// Unregister once the run completes.
func (r *Registry) Register(task *taskctx.Context) {
	if task == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.TaskID] = task
}

// Unregister removes a task id. Safe to call on an id that was never
// registered or was already removed.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
}

// Get looks up a task by id.
func (r *Registry) Get(taskID string) (*taskctx.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	return task, ok
}

// TaskIDs returns every registered task id, sorted for deterministic
// inspection/listing output.
func (r *Registry) TaskIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Default is the process-wide registry instance. The orchestrator registers
// into and unregisters from Default around each run() unless a caller wires
// a dedicated Registry instead (tests typically use New() to avoid cross-test
// interference through the shared global).
var Default = New()
