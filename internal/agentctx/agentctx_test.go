package agentctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/taskctx"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

func newTask(t *testing.T) *taskctx.Context {
	t.Helper()
	return taskctx.New(context.Background(), "t1", "chat1", "do it", taskctx.Config{}, nil)
}

func TestNew_RegistersAgentAndAddsChain(t *testing.T) {
	task := newTask(t)
	ac := New(task, workflow.WorkflowAgent{ID: "t1-01", Name: "File"})

	require.Contains(t, task.RegisteredAgents(), "t1-01")
	require.Equal(t, "t1-01", ac.Chain.WorkflowAgent.ID)
}

func TestMessages_AppendOnlyAtTail(t *testing.T) {
	task := newTask(t)
	ac := New(task, workflow.WorkflowAgent{ID: "t1-01"})

	ac.AppendMessage(Message{Role: "user", Text: "go"})
	ac.AppendMessage(Message{Role: "assistant", Text: "ok"})

	msgs := ac.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "assistant", msgs[1].Role)
}

func TestConsecutiveErrorCount_ResetsOnSuccess(t *testing.T) {
	task := newTask(t)
	ac := New(task, workflow.WorkflowAgent{ID: "t1-01"})

	require.Equal(t, 1, ac.RecordToolError())
	require.Equal(t, 2, ac.RecordToolError())
	ac.RecordToolSuccess()
	require.Equal(t, 0, ac.ConsecutiveErrorCount())
	require.Equal(t, 1, ac.RecordToolError())
}

func TestVariables_ArePrivateToTheAgent(t *testing.T) {
	task := newTask(t)
	ac := New(task, workflow.WorkflowAgent{ID: "t1-01"})

	ac.SetVariable("loopIndex", 3)
	v, ok := ac.Variable("loopIndex")
	require.True(t, ok)
	require.Equal(t, 3, v)

	_, ok = task.Variable("loopIndex")
	require.False(t, ok)
}
