// Package taskctx implements TaskContext: the per-task state a run carries
// from orchestrator entry to result — configuration, the chain, the
// cooperative abort/pause controller, the registered agents, and the
// task-scoped variable map.
//
// Grounded on the teacher's context-carrying pattern in internal/agent/loop.go
// (LoopConfig + a long-lived run state struct) and internal/agent/errors.go's
// ErrContextCancelled, generalized from a single chat session to a task that
// owns many agent executions.
package taskctx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/chain"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

// pausePollInterval is how often checkAborted re-checks a paused task. Spec
// §9 ("Pause/resume as busy-wait") calls this acceptable so long as it is
// short; the teacher's own polling loops (e.g. scheduler backoff) use a
// similar order of magnitude.
const pausePollInterval = 100 * time.Millisecond

// Config is the subset of EkoConfig (spec §6) a TaskContext needs to carry
// alongside the workflow; the full configuration type lives in
// internal/taskconfig and is threaded through at orchestrator construction.
type Config struct {
	MaxReactNum int
	MaxTokens   int
}

func (c Config) sanitized() Config {
	if c.MaxReactNum <= 0 {
		c.MaxReactNum = 30
	}
	return c
}

// Context is the per-task state described in spec §3's TaskContext entry.
// The struct name is Context rather than TaskContext to avoid the stutter
// of taskctx.TaskContext at call sites; callers import the package and use
// taskctx.Context.
type Context struct {
	TaskID string
	ChatID string
	Config Config

	Chain    *chain.TaskChain
	Workflow *workflow.Workflow

	mu         sync.Mutex
	paused     bool
	variables  map[string]any
	agentIDs   map[string]bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	log *slog.Logger
}

// ErrAborted is the cause recorded on the context when abort() is called.
var ErrAborted = &abortedError{}

type abortedError struct{ reason string }

func (e *abortedError) Error() string {
	if e.reason == "" {
		return "task aborted"
	}
	return "task aborted: " + e.reason
}

// New constructs a TaskContext, its execution chain, and its abort
// controller. Lifecycle: created at orchestrator run entry; destroyed (its
// context cancelled) when a result is produced or a failure propagates.
func New(parent context.Context, taskID, chatID, taskPrompt string, cfg Config, log *slog.Logger) *Context {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Context{
		TaskID:    taskID,
		ChatID:    chatID,
		Config:    cfg.sanitized(),
		Chain:     chain.New(taskPrompt),
		variables: make(map[string]any),
		agentIDs:  make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With("task_id", taskID),
	}
}

// Context returns the task's cancellation context, decorated onto every LLM
// call and tool execute() per spec §4.2 ("abort() cancels the controller,
// which propagates to streaming LLM reads and tool execute functions").
func (c *Context) Context() context.Context { return c.ctx }

// Logger returns the task-scoped logger.
func (c *Context) Logger() *slog.Logger { return c.log }

// Abort cancels the task's controller with the given reason. Idempotent.
func (c *Context) Abort(reason string) {
	c.cancel(&abortedError{reason: reason})
}

// Aborted reports whether the controller has been cancelled.
func (c *Context) Aborted() bool {
	return c.ctx.Err() != nil
}

// Pause sets the cooperative pause flag. Per spec §4.2, pause affects only
// *new* suspension points; in-flight LLM reads and tool executes are not
// torn down.
func (c *Context) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume clears the pause flag.
func (c *Context) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *Context) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// CheckAborted blocks cooperatively (polling at pausePollInterval) while the
// task is paused, then reports whether the controller has fired. If
// throwOnAbort is true and the controller is aborted, it returns the
// abort cause as an error; otherwise it returns (true, nil) on abort.
func (c *Context) CheckAborted(throwOnAbort bool) (aborted bool, err error) {
	for c.isPaused() {
		select {
		case <-c.ctx.Done():
			return c.reportAbort(throwOnAbort)
		case <-time.After(pausePollInterval):
		}
	}
	if c.ctx.Err() != nil {
		return c.reportAbort(throwOnAbort)
	}
	return false, nil
}

func (c *Context) reportAbort(throwOnAbort bool) (bool, error) {
	if throwOnAbort {
		return true, context.Cause(c.ctx)
	}
	return true, nil
}

// SetVariable writes a task-scoped variable. Writes are last-writer-wins
// (spec §3, §5): no transactions, no compare-and-swap.
func (c *Context) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Variable reads a task-scoped variable.
func (c *Context) Variable(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[key]
	return v, ok
}

// Variables returns a shallow copy of the task-scoped variable map, used to
// render prior agents' outputs into a dependent agent's system prompt.
func (c *Context) Variables() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// RegisterAgent records that an agent id has been dispatched by the
// scheduler, for the chain-integrity property (§8: exactly one AgentChain
// per agent that started).
func (c *Context) RegisterAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentIDs[agentID] = true
}

// RegisteredAgents returns the set of dispatched agent ids.
func (c *Context) RegisteredAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.agentIDs))
	for id := range c.agentIDs {
		out = append(out, id)
	}
	return out
}

// SetWorkflow attaches the planned (or replanned) workflow to the context.
func (c *Context) SetWorkflow(wf *workflow.Workflow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workflow = wf
}

// CurrentWorkflow returns the context's workflow under the same lock used by
// SetWorkflow, so a concurrent replan splice is never read half-written.
func (c *Context) CurrentWorkflow() *workflow.Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Workflow
}
