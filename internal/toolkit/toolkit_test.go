package toolkit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/agentctx"
	"github.com/taskmesh/taskmesh/internal/taskctx"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

type echoTool struct {
	params json.RawMessage
	delay  func()
}

func (e *echoTool) Name() string               { return "echo" }
func (e *echoTool) Description() string        { return "echoes its input" }
func (e *echoTool) Parameters() json.RawMessage { return e.params }
func (e *echoTool) NoPlan() bool                { return false }
func (e *echoTool) Execute(ctx context.Context, args json.RawMessage, agentCtx *agentctx.Context, call models.ToolCall) (models.ToolResult, error) {
	if e.delay != nil {
		e.delay()
	}
	return models.TextResult(call.ID, string(args)), nil
}

func newEchoSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"msg": {"type": "string"}},
		"required": ["msg"]
	}`)
}

func newAgentCtx(t *testing.T) *agentctx.Context {
	t.Helper()
	task := taskctx.New(context.Background(), "t1", "chat1", "do it", taskctx.Config{}, nil)
	return agentctx.New(task, workflow.WorkflowAgent{ID: "t1-01"})
}

func TestResolveArgs_StructuredObject(t *testing.T) {
	out, err := ResolveArgs(json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"hi"}`, string(out))
}

func TestResolveArgs_JSONEncodedString(t *testing.T) {
	out, err := ResolveArgs(json.RawMessage(`"{\"msg\":\"hi\"}"`))
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"hi"}`, string(out))
}

func TestResolveArgs_EmptyStringBecomesEmptyObject(t *testing.T) {
	out, err := ResolveArgs(json.RawMessage(`""`))
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(out))
}

func TestResolveArgs_EmptyRawBecomesEmptyObject(t *testing.T) {
	out, err := ResolveArgs(nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(out))
}

func TestResolveArgs_Garbage(t *testing.T) {
	_, err := ResolveArgs(json.RawMessage(`not json`))
	require.Error(t, err)
}

func TestDispatcher_ValidCall_Succeeds(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{params: newEchoSchema()})
	d := NewDispatcher(reg)
	ac := newAgentCtx(t)

	results := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"msg":"hi"}`)},
	}, ac, false)

	require.Len(t, results, 1)
	require.False(t, results[0].Result.IsError)
	require.JSONEq(t, `{"msg":"hi"}`, results[0].Result.Text())
}

func TestDispatcher_UnknownTool_ReturnsErrorResult(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg)
	ac := newAgentCtx(t)

	results := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "call_1", Name: "missing", Input: json.RawMessage(`{}`)},
	}, ac, false)

	require.True(t, results[0].Result.IsError)
	require.Contains(t, results[0].Result.Text(), "tool not found")
}

func TestDispatcher_SchemaViolation_ReturnsArgInvalid(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{params: newEchoSchema()})
	d := NewDispatcher(reg)
	ac := newAgentCtx(t)

	results := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)},
	}, ac, false)

	require.True(t, results[0].Result.IsError)
}

func TestDispatcher_PreservesOrderAcrossParallelExecution(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{params: newEchoSchema()})
	d := NewDispatcher(reg)
	ac := newAgentCtx(t)

	calls := []models.ToolCall{
		{ID: "c1", Name: "echo", Input: json.RawMessage(`{"msg":"1"}`)},
		{ID: "c2", Name: "echo", Input: json.RawMessage(`{"msg":"2"}`)},
		{ID: "c3", Name: "echo", Input: json.RawMessage(`{"msg":"3"}`)},
	}
	results := d.Dispatch(context.Background(), calls, ac, true)
	ordered := ToOrderedResults(results)
	require.Len(t, ordered, 3)
	require.JSONEq(t, `{"msg":"1"}`, ordered[0].Text())
	require.JSONEq(t, `{"msg":"2"}`, ordered[1].Text())
	require.JSONEq(t, `{"msg":"3"}`, ordered[2].Text())
}

func TestDispatcher_SerialToolForcesSequentialBatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{params: newEchoSchema()})
	d := NewDispatcher(reg)
	d.SerialTools = map[string]bool{"echo": true}
	ac := newAgentCtx(t)

	results := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "echo", Input: json.RawMessage(`{"msg":"1"}`)},
		{ID: "c2", Name: "echo", Input: json.RawMessage(`{"msg":"2"}`)},
	}, ac, true)
	require.Len(t, results, 2)
}

func TestDispatcher_PanicRecoveredAsErrorResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{params: newEchoSchema(), delay: func() { panic("boom") }})
	d := NewDispatcher(reg)
	ac := newAgentCtx(t)

	results := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"msg":"hi"}`)},
	}, ac, false)

	require.True(t, results[0].Result.IsError)
	require.Contains(t, results[0].Result.Text(), "panicked")
}

func TestRegistry_Planable_ExcludesNoPlanTools(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{params: newEchoSchema()})
	reg.Register(&noPlanTool{})

	names := []string{}
	for _, tl := range reg.Planable() {
		names = append(names, tl.Name())
	}
	require.Equal(t, []string{"echo"}, names)
}

type noPlanTool struct{}

func (n *noPlanTool) Name() string               { return "internal_only" }
func (n *noPlanTool) Description() string        { return "" }
func (n *noPlanTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (n *noPlanTool) NoPlan() bool                { return true }
func (n *noPlanTool) Execute(ctx context.Context, args json.RawMessage, agentCtx *agentctx.Context, call models.ToolCall) (models.ToolResult, error) {
	return models.TextResult(call.ID, ""), nil
}
