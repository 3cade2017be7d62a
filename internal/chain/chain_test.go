package chain

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

func TestTaskChain_AddAgentAndTool_EmitsUpdates(t *testing.T) {
	tc := New("do the thing")

	var mu sync.Mutex
	var events []Event
	unsubscribe := tc.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	defer unsubscribe()

	ac := tc.AddAgent(workflow.WorkflowAgent{ID: "t1-01", Name: "File"})
	toolChain := ac.AddTool("file_write", "call_1", []models.ToolCall{{ID: "call_1", Name: "file_write"}})
	ac.SetParams(toolChain, []byte(`{"path":"/tmp/a.txt","content":"hello"}`))
	ac.SetResult(toolChain, models.TextResult("call_1", "ok"))
	ac.SetAgentResult("done")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 5)
	require.Equal(t, EventAgentAdded, events[0].Type)
	require.Equal(t, EventToolAdded, events[1].Type)
	require.Equal(t, EventToolParams, events[2].Type)
	require.Equal(t, EventToolResult, events[3].Type)
	require.Equal(t, EventAgentResult, events[4].Type)

	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	result, ok := ac.Result()
	require.True(t, ok)
	require.Equal(t, "done", result)

	tools := ac.Tools()
	require.Len(t, tools, 1)
	snap := tools[0].Snapshot()
	require.Equal(t, "call_1", snap.ToolCallID)
	require.False(t, snap.ToolResult.IsError)
}

func TestAgentChain_AddTool_DisambiguatesDuplicateCallIDs(t *testing.T) {
	tc := New("x")
	ac := tc.AddAgent(workflow.WorkflowAgent{ID: "t1-01"})

	first := ac.AddTool("file_write", "call_1", nil)
	second := ac.AddTool("file_write", "call_1", nil)

	require.Equal(t, "call_1", first.ToolCallID)
	require.Equal(t, "call_1#1", second.ToolCallID)
}

func TestToolChain_Request_IsDeepCopiedAtCreation(t *testing.T) {
	tc := New("x")
	ac := tc.AddAgent(workflow.WorkflowAgent{ID: "t1-01"})

	req := []models.ToolCall{{ID: "call_1", Name: "file_write"}}
	toolChain := ac.AddTool("file_write", "call_1", req)

	req[0].Name = "mutated"

	snap := toolChain.Snapshot()
	require.Equal(t, "file_write", snap.Request[0].Name)
}

func TestTaskChain_Unsubscribe_StopsDelivery(t *testing.T) {
	tc := New("x")
	count := 0
	unsubscribe := tc.Subscribe(func(e Event) { count++ })
	tc.AddAgent(workflow.WorkflowAgent{ID: "t1-01"})
	unsubscribe()
	tc.AddAgent(workflow.WorkflowAgent{ID: "t1-02"})
	require.Equal(t, 1, count)
}

func TestTaskChain_AgentByID(t *testing.T) {
	tc := New("x")
	tc.AddAgent(workflow.WorkflowAgent{ID: "t1-01"})
	tc.AddAgent(workflow.WorkflowAgent{ID: "t1-02"})

	ac, ok := tc.AgentByID("t1-02")
	require.True(t, ok)
	require.Equal(t, "t1-02", ac.WorkflowAgent.ID)

	_, ok = tc.AgentByID("missing")
	require.False(t, ok)
}

func TestTaskChain_SetPlan(t *testing.T) {
	tc := New("x")
	tc.SetPlan(PlanRequest{Messages: []string{"hi"}}, PlanResult{XML: "<root/>"})
	require.NotNil(t, tc.PlanRequest)
	require.NotNil(t, tc.PlanResult)
	require.Equal(t, "<root/>", tc.PlanResult.XML)
}
