// Package chain implements the execution chain: the hierarchical record of a
// task's run (task -> agent executions -> tool calls) that is the sole
// source of truth for what a task did. Every mutation to a leaf node emits a
// single "update" event to the owning TaskChain's listeners.
//
// Grounded on the teacher's internal/agent/trace.go (JSONL trace writer) and
// internal/agent/event_emitter.go (monotonic sequence + typed emit methods),
// generalized from a flat per-run event log to a three-level owned tree that
// callers can also read back synchronously (the planner/scheduler render
// chain state into prompts, not just stream it).
package chain

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

// EventType enumerates the kinds of update the chain emits. Listeners receive
// every update on the chain's writer goroutine; they must not block.
type EventType string

const (
	EventAgentAdded  EventType = "agent_added"
	EventToolAdded   EventType = "tool_added"
	EventToolParams  EventType = "tool_params"
	EventToolResult  EventType = "tool_result"
	EventAgentResult EventType = "agent_result"
	EventPlanResult  EventType = "plan_result"
)

// Event is the payload delivered to every TaskChain listener on each mutation.
type Event struct {
	Type      EventType
	Seq       uint64
	Time      time.Time
	TaskID    string
	AgentID   string // empty for task-level events
	ToolCallID string // empty unless Type is tool-scoped
}

// Listener receives chain events synchronously on the writer thread. Per
// spec §4.1, implementations must be non-blocking or delegate to their own
// scheduler; the chain does not protect against a slow listener.
type Listener func(Event)

// ToolChain is the leaf trace of a single tool invocation.
type ToolChain struct {
	mu sync.RWMutex

	ToolName   string
	ToolCallID string

	// Request is a deep copy of the LLM request snapshot taken at tool-call
	// creation time (§3: "request is captured by value... so that subsequent
	// message mutations do not retroactively alter the trace").
	Request []models.ToolCall

	Params     json.RawMessage
	ToolResult *models.ToolResult

	CreatedAt time.Time
}

func (tc *ToolChain) setParams(params json.RawMessage) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.Params = params
}

func (tc *ToolChain) setResult(result models.ToolResult) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	r := result
	tc.ToolResult = &r
}

// Snapshot returns a value copy of the tool chain's current state, safe to
// read concurrently with further mutation.
func (tc *ToolChain) Snapshot() ToolChain {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := ToolChain{
		ToolName:   tc.ToolName,
		ToolCallID: tc.ToolCallID,
		Request:    append([]models.ToolCall(nil), tc.Request...),
		Params:     tc.Params,
		CreatedAt:  tc.CreatedAt,
	}
	if tc.ToolResult != nil {
		r := *tc.ToolResult
		out.ToolResult = &r
	}
	return out
}

// AgentChain is the execution trace of a single workflow agent.
type AgentChain struct {
	mu sync.RWMutex

	WorkflowAgent workflow.WorkflowAgent
	AgentRequest  []models.ToolCall // reserved: populated by the ReAct loop on turn start
	AgentResult   *string

	tools       []*ToolChain
	seenCallIDs map[string]int

	parent *TaskChain
}

// AddTool creates a ToolChain under this agent, deep-copying the supplied
// request snapshot, and emits tool_added. toolCallId collisions (a provider
// reusing ids within the same agent run) are disambiguated by suffixing a
// monotonic counter, per spec §3's uniqueness invariant and §9's open
// question on provider id collisions.
func (ac *AgentChain) AddTool(toolName, toolCallID string, requestSnapshot []models.ToolCall) *ToolChain {
	ac.mu.Lock()
	if ac.seenCallIDs == nil {
		ac.seenCallIDs = make(map[string]int)
	}
	n := ac.seenCallIDs[toolCallID]
	ac.seenCallIDs[toolCallID] = n + 1
	id := toolCallID
	if n > 0 {
		id = fmt.Sprintf("%s#%d", toolCallID, n)
	}

	tc := &ToolChain{
		ToolName:   toolName,
		ToolCallID: id,
		Request:    append([]models.ToolCall(nil), requestSnapshot...),
		CreatedAt:  time.Now(),
	}
	ac.tools = append(ac.tools, tc)
	ac.mu.Unlock()

	ac.parent.emit(Event{Type: EventToolAdded, AgentID: ac.WorkflowAgent.ID, ToolCallID: id})
	return tc
}

// SetParams records the resolved arguments for a tool call and emits tool_params.
func (ac *AgentChain) SetParams(tc *ToolChain, params json.RawMessage) {
	tc.setParams(params)
	ac.parent.emit(Event{Type: EventToolParams, AgentID: ac.WorkflowAgent.ID, ToolCallID: tc.ToolCallID})
}

// SetResult records a tool's outcome and emits tool_result.
func (ac *AgentChain) SetResult(tc *ToolChain, result models.ToolResult) {
	tc.setResult(result)
	ac.parent.emit(Event{Type: EventToolResult, AgentID: ac.WorkflowAgent.ID, ToolCallID: tc.ToolCallID})
}

// SetAgentResult records the agent's final output text and emits agent_result.
func (ac *AgentChain) SetAgentResult(text string) {
	ac.mu.Lock()
	ac.AgentResult = &text
	ac.mu.Unlock()
	ac.parent.emit(Event{Type: EventAgentResult, AgentID: ac.WorkflowAgent.ID})
}

// Tools returns a snapshot slice of this agent's tool chains, in call order.
func (ac *AgentChain) Tools() []*ToolChain {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return append([]*ToolChain(nil), ac.tools...)
}

// Result returns the agent's recorded result text, if any, and whether it was set.
func (ac *AgentChain) Result() (string, bool) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	if ac.AgentResult == nil {
		return "", false
	}
	return *ac.AgentResult, true
}

// PlanRequest/PlanResult hold the raw prompt and the XML document exchanged
// with the planner, persisted on the TaskChain when saveHistory=true (§4.6
// step 7).
type PlanRequest struct {
	Messages []string
}

type PlanResult struct {
	XML     string
	AgentID string // unused at task level; kept for symmetry with PlanRequest
}

// TaskChain is the root of a task's execution trace: the task prompt, the
// planner's request/response, and the ordered list of agent executions.
type TaskChain struct {
	mu sync.RWMutex

	ID         string
	TaskPrompt string

	PlanRequest *PlanRequest
	PlanResult  *PlanResult

	agents []*AgentChain

	listeners   map[int]Listener
	nextListener int
	sequence    uint64
}

// New creates a TaskChain for the given task prompt, grounded on the
// teacher's newTaskChain-equivalent constructor pattern.
func New(taskPrompt string) *TaskChain {
	return &TaskChain{
		ID:         uuid.NewString(),
		TaskPrompt: taskPrompt,
		listeners:  make(map[int]Listener),
	}
}

// AddAgent creates an AgentChain owned by this TaskChain and emits agent_added.
func (tc *TaskChain) AddAgent(agent workflow.WorkflowAgent) *AgentChain {
	ac := &AgentChain{WorkflowAgent: agent, parent: tc}
	tc.mu.Lock()
	tc.agents = append(tc.agents, ac)
	tc.mu.Unlock()
	tc.emit(Event{Type: EventAgentAdded, AgentID: agent.ID})
	return ac
}

// SetPlan records the planner's request/response snapshot and emits plan_result.
func (tc *TaskChain) SetPlan(req PlanRequest, res PlanResult) {
	tc.mu.Lock()
	tc.PlanRequest = &req
	tc.PlanResult = &res
	tc.mu.Unlock()
	tc.emit(Event{Type: EventPlanResult})
}

// Agents returns a snapshot slice of this task's agent chains, in the order
// they were dispatched.
func (tc *TaskChain) Agents() []*AgentChain {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return append([]*AgentChain(nil), tc.agents...)
}

// AgentByID returns the agent chain for the given workflow agent id, if present.
func (tc *TaskChain) AgentByID(id string) (*AgentChain, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	for _, ac := range tc.agents {
		if ac.WorkflowAgent.ID == id {
			return ac, true
		}
	}
	return nil, false
}

// Subscribe registers a listener and returns an unsubscribe function. Events
// are delivered synchronously, in emission order, on whatever goroutine
// triggered the mutation (§4.1: "invoked synchronously on the writer
// thread").
func (tc *TaskChain) Subscribe(l Listener) (unsubscribe func()) {
	tc.mu.Lock()
	id := tc.nextListener
	tc.nextListener++
	tc.listeners[id] = l
	tc.mu.Unlock()

	return func() {
		tc.mu.Lock()
		delete(tc.listeners, id)
		tc.mu.Unlock()
	}
}

func (tc *TaskChain) emit(e Event) {
	e.Seq = atomic.AddUint64(&tc.sequence, 1)
	e.Time = time.Now()
	e.TaskID = tc.ID

	tc.mu.RLock()
	listeners := make([]Listener, 0, len(tc.listeners))
	for _, l := range tc.listeners {
		listeners = append(listeners, l)
	}
	tc.mu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}
