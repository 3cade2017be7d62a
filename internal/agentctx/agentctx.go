// Package agentctx implements AgentContext: the per-agent-execution state
// derived from a TaskContext — the current workflow agent, private
// variables, the consecutive tool-error counter, conversation messages, and
// the agent's owned chain entry.
//
// Grounded on the teacher's per-run session state in internal/agent/loop.go
// (LoopState carrying messages + iteration counters), narrowed from a
// long-lived chat session to a single scheduled agent execution that is
// created when the scheduler dispatches it and discarded when the ReAct
// loop returns.
package agentctx

import (
	"sync"

	"github.com/taskmesh/taskmesh/internal/chain"
	"github.com/taskmesh/taskmesh/internal/taskctx"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

// Message is one entry in an agent's conversation history. Role follows the
// conventional chat roles; ToolCalls/ToolResults are populated for
// assistant/tool turns respectively.
type Message struct {
	Role        string
	Text        string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// Context is the per-agent-execution state described in spec §3's
// AgentContext entry. TaskContext is a non-owning back-reference; AgentChain
// is owned by the TaskChain (created via TaskChain.AddAgent), not by this
// struct.
type Context struct {
	Task  *taskctx.Context // non-owning back-reference
	Agent workflow.WorkflowAgent
	Chain *chain.AgentChain

	mu                   sync.Mutex
	variables            map[string]any
	consecutiveErrorCount int
	messages             []Message
}

// New creates an AgentContext for a just-dispatched workflow agent, adding
// its AgentChain entry to the task's chain.
func New(task *taskctx.Context, agent workflow.WorkflowAgent) *Context {
	task.RegisterAgent(agent.ID)
	return &Context{
		Task:      task,
		Agent:     agent,
		Chain:     task.Chain.AddAgent(agent),
		variables: make(map[string]any),
	}
}

// SetVariable writes an agent-private variable (e.g. a forEach loop counter,
// the last URL visited). Distinct from the task-scoped variable map.
func (c *Context) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Variable reads an agent-private variable.
func (c *Context) Variable(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[key]
	return v, ok
}

// AppendMessage appends to the conversation history. Per spec §8's
// message-history monotonicity property, messages are only ever appended at
// the tail, never rewritten or removed.
func (c *Context) AppendMessage(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

// Messages returns a snapshot slice of the conversation history so far.
func (c *Context) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// RecordToolError increments the consecutive-error counter and returns the
// new value; RecordToolSuccess resets it to zero. The ReAct loop terminates
// an agent once this reaches 3 (spec §4.5 termination condition (b), §8
// scenario 6).
func (c *Context) RecordToolError() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrorCount++
	return c.consecutiveErrorCount
}

func (c *Context) RecordToolSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrorCount = 0
}

// ConsecutiveErrorCount returns the current count without mutating it.
func (c *Context) ConsecutiveErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrorCount
}
