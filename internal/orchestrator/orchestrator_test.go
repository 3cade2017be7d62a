package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/agentctx"
	"github.com/taskmesh/taskmesh/internal/llmadapter"
	"github.com/taskmesh/taskmesh/internal/toolkit"
	"github.com/taskmesh/taskmesh/internal/usage"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// fakeAgentProvider always answers with a plain text turn, never calling a
// tool, so the agent terminates on spec §4.5's no_tool_calls condition
// immediately after planning dispatches it.
type fakeAgentProvider struct{ text string }

func (p *fakeAgentProvider) Name() string { return "fake" }

func (p *fakeAgentProvider) Stream(ctx context.Context, req llmadapter.Request) (<-chan llmadapter.Chunk, error) {
	ch := make(chan llmadapter.Chunk, 2)
	ch <- llmadapter.Chunk{Text: p.text, InputTokens: 12, OutputTokens: 4}
	ch <- llmadapter.Chunk{Done: true, FinishReason: llmadapter.FinishStop}
	close(ch)
	return ch, nil
}

func singleAgentPlanXML() string {
	return `<root><name>Demo</name><thought>solo</thought><agents>` +
		`<agent name="Solo" id="x1" dependsOn=""><task>reply</task><nodes></nodes></agent>` +
		`</agents></root>`
}

// planThenAgentProvider answers the planner's first call with a workflow
// document, then answers every subsequent call (the dispatched agent's ReAct
// turns) with a plain text reply.
type planThenAgentProvider struct {
	planXML  string
	reply    string
	planDone bool
}

func (p *planThenAgentProvider) Name() string { return "plan-then-agent" }

func (p *planThenAgentProvider) Stream(ctx context.Context, req llmadapter.Request) (<-chan llmadapter.Chunk, error) {
	ch := make(chan llmadapter.Chunk, 2)
	if !p.planDone {
		p.planDone = true
		ch <- llmadapter.Chunk{Text: p.planXML}
	} else {
		ch <- llmadapter.Chunk{Text: p.reply}
	}
	ch <- llmadapter.Chunk{Done: true, FinishReason: llmadapter.FinishStop}
	close(ch)
	return ch, nil
}

func TestRun_SingleAgentPlanHappyPath(t *testing.T) {
	provider := &planThenAgentProvider{planXML: singleAgentPlanXML(), reply: "all done"}
	pool := llmadapter.NewPool([]llmadapter.Provider{provider}, llmadapter.PoolConfig{})
	reg := toolkit.NewRegistry()

	o := New(Config{Pool: pool, Registry: reg})

	var messages []StreamMessage
	result, err := o.Run(context.Background(), "t1", "chat1", "reply to the user", func(m StreamMessage) {
		messages = append(messages, m)
	})
	require.NoError(t, err)
	require.Equal(t, "all done", result.Text)
	require.NotNil(t, result.Workflow)
	require.Len(t, result.Workflow.Agents, 1)

	var sawFinish bool
	for _, m := range messages {
		if m.Type == "finish" {
			sawFinish = true
		}
	}
	require.True(t, sawFinish)
}

func TestRunWithSingleAgent_BypassesPlanning(t *testing.T) {
	provider := &fakeAgentProvider{text: "handled directly"}
	pool := llmadapter.NewPool([]llmadapter.Provider{provider}, llmadapter.PoolConfig{})
	reg := toolkit.NewRegistry()

	o := New(Config{Pool: pool, Registry: reg})

	result, err := o.RunWithSingleAgent(context.Background(), "t2", "chat1", "Greeter", "say hi", nil)
	require.NoError(t, err)
	require.Equal(t, "handled directly", result.Text)
	require.Len(t, result.Workflow.Agents, 1)
	require.Equal(t, "Greeter", result.Workflow.Agents[0].Name)
}

// blockingTool waits on a channel before returning, giving the test time to
// abort the task mid-tool-call (spec §8 scenario: "abort fires while a tool
// call is in flight").
type blockingTool struct {
	release chan struct{}
}

func (b *blockingTool) Name() string               { return "wait_tool" }
func (b *blockingTool) Description() string        { return "blocks until released" }
func (b *blockingTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (b *blockingTool) NoPlan() bool                { return false }
func (b *blockingTool) Execute(ctx context.Context, args json.RawMessage, agentCtx *agentctx.Context, call models.ToolCall) (models.ToolResult, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return models.TextResult(call.ID, "released"), nil
}

type toolCallThenWaitProvider struct {
	planXML string
	sentTool bool
	planDone bool
}

func (p *toolCallThenWaitProvider) Name() string { return "tool-call" }

func (p *toolCallThenWaitProvider) Stream(ctx context.Context, req llmadapter.Request) (<-chan llmadapter.Chunk, error) {
	ch := make(chan llmadapter.Chunk, 2)
	if !p.planDone {
		p.planDone = true
		ch <- llmadapter.Chunk{Text: p.planXML}
		ch <- llmadapter.Chunk{Done: true, FinishReason: llmadapter.FinishStop}
		close(ch)
		return ch, nil
	}
	if !p.sentTool {
		p.sentTool = true
		ch <- llmadapter.Chunk{ToolCall: &models.ToolCall{ID: "c1", Name: "wait_tool", Input: json.RawMessage(`{}`)}}
		ch <- llmadapter.Chunk{Done: true, FinishReason: llmadapter.FinishToolCalls}
		close(ch)
		return ch, nil
	}
	ch <- llmadapter.Chunk{Text: "finished after wait"}
	ch <- llmadapter.Chunk{Done: true, FinishReason: llmadapter.FinishStop}
	close(ch)
	return ch, nil
}

func TestRun_AbortDuringToolCallTerminatesTask(t *testing.T) {
	provider := &toolCallThenWaitProvider{planXML: singleAgentPlanXML()}
	pool := llmadapter.NewPool([]llmadapter.Provider{provider}, llmadapter.PoolConfig{})
	reg := toolkit.NewRegistry()
	tool := &blockingTool{release: make(chan struct{})}
	reg.Register(tool)

	o := New(Config{Pool: pool, Registry: reg})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := o.Run(ctx, "t3", "chat1", "do something slow", nil)
	require.NoError(t, err)
	require.Equal(t, "Aborted", result.Text)
}

func TestRunWithSingleAgent_TracksTokenUsage(t *testing.T) {
	provider := &fakeAgentProvider{text: "handled directly"}
	pool := llmadapter.NewPool([]llmadapter.Provider{provider}, llmadapter.PoolConfig{})
	reg := toolkit.NewRegistry()
	tracker := usage.NewTracker(usage.DefaultTrackerConfig())

	o := New(Config{Pool: pool, Registry: reg, Tracker: tracker})

	result, err := o.RunWithSingleAgent(context.Background(), "t4", "chat1", "Greeter", "say hi", nil)
	require.NoError(t, err)
	require.Equal(t, 12, result.Usage.InputTokens)
	require.Equal(t, 4, result.Usage.OutputTokens)

	totals := tracker.GetUserTotals("chat1")
	require.NotNil(t, totals)
	require.Equal(t, int64(12), totals.InputTokens)
	require.Equal(t, int64(4), totals.OutputTokens)
}
