package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/workflow"
)

func linearWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Agents: []workflow.WorkflowAgent{
			{ID: "a1"},
			{ID: "a2", DependsOn: []string{"a1"}},
			{ID: "a3", DependsOn: []string{"a1"}},
			{ID: "a4", DependsOn: []string{"a2", "a3"}},
		},
	}
}

func recordingRunner(order *[]string, mu *sync.Mutex) Runner {
	return func(ctx context.Context, a workflow.WorkflowAgent) error {
		mu.Lock()
		*order = append(*order, a.ID)
		mu.Unlock()
		return nil
	}
}

func TestRun_RespectsLevelDependencies(t *testing.T) {
	var order []string
	var mu sync.Mutex
	s := New(recordingRunner(&order, &mu), Config{})

	result, err := s.Run(context.Background(), linearWorkflow())
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	require.Less(t, pos["a1"], pos["a2"])
	require.Less(t, pos["a1"], pos["a3"])
	require.Less(t, pos["a2"], pos["a4"])
	require.Less(t, pos["a3"], pos["a4"])
}

func TestLevel_DetectsCycle(t *testing.T) {
	wf := &workflow.Workflow{Agents: []workflow.WorkflowAgent{
		{ID: "a1", DependsOn: []string{"a2"}},
		{ID: "a2", DependsOn: []string{"a1"}},
	}}
	// Validate() would already reject this (dependsOn must reference an
	// earlier agent), so construct the cycle past that check by bypassing
	// Validate and exercising level() directly, since a provider/model bug
	// could in principle emit an id->id cycle that a future format may not
	// always catch upstream.
	_, err := level(wf.Agents)
	require.Error(t, err)
}

func TestRunLevel_CapsConcurrency(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	runner := func(ctx context.Context, a workflow.WorkflowAgent) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}
	s := New(runner, Config{MaxConcurrentAgents: 2})

	agents := []workflow.WorkflowAgent{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}, {ID: "a4"}}
	_, err := s.runLevel(context.Background(), agents)
	require.NoError(t, err)
	require.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(2))
}

func TestRun_StopOnFirstFailureHaltsLaterLevels(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	runner := func(ctx context.Context, a workflow.WorkflowAgent) error {
		mu.Lock()
		ran = append(ran, a.ID)
		mu.Unlock()
		if a.ID == "a1" {
			return errors.New("boom")
		}
		return nil
	}
	s := New(runner, Config{Policy: PolicyStopOnFirstFailure})

	result, err := s.Run(context.Background(), linearWorkflow())
	require.NoError(t, err)
	require.True(t, result.Stopped)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a1"}, ran)
}

func TestRun_BestEffortContinuesPastFailure(t *testing.T) {
	runner := func(ctx context.Context, a workflow.WorkflowAgent) error {
		if a.ID == "a1" {
			return errors.New("boom")
		}
		return nil
	}
	s := New(runner, Config{Policy: PolicyBestEffort})

	result, err := s.Run(context.Background(), linearWorkflow())
	require.NoError(t, err)
	require.False(t, result.Stopped)
	require.Len(t, result.Outcomes, 4)
}

func TestRun_RetryPolicyRetriesFailedAgent(t *testing.T) {
	var attempts int32
	runner := func(ctx context.Context, a workflow.WorkflowAgent) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}
	s := New(runner, Config{Policy: PolicyRetry, MaxRetries: 3})

	wf := &workflow.Workflow{Agents: []workflow.WorkflowAgent{{ID: "solo"}}}
	result, err := s.Run(context.Background(), wf)
	require.NoError(t, err)
	require.Nil(t, result.Outcomes[0].Err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRun_UnknownDependencyFailsBuild(t *testing.T) {
	wf := &workflow.Workflow{Agents: []workflow.WorkflowAgent{
		{ID: "a1", DependsOn: []string{"ghost"}},
	}}
	s := New(func(ctx context.Context, a workflow.WorkflowAgent) error { return nil }, Config{})

	_, err := s.Run(context.Background(), wf)
	require.Error(t, err)
}

func TestRun_RestartsFromModifiedWorkflow(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	var spliced int32

	wf := &workflow.Workflow{Agents: []workflow.WorkflowAgent{
		{ID: "a1"},
		{ID: "a2", DependsOn: []string{"a1"}},
	}}

	runner := func(ctx context.Context, a workflow.WorkflowAgent) error {
		mu.Lock()
		ran = append(ran, a.ID)
		mu.Unlock()
		if a.ID == "a1" && atomic.CompareAndSwapInt32(&spliced, 0, 1) {
			wf.Agents = append(wf.Agents, workflow.WorkflowAgent{ID: "a3", DependsOn: []string{"a1"}})
			wf.Modified = true
		}
		return nil
	}
	s := New(runner, Config{})

	result, err := s.Run(context.Background(), wf)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, ran, "a1")
	require.Contains(t, ran, "a2")
	require.Contains(t, ran, "a3")
	require.Len(t, result.Outcomes, 3)
}
