// Package scheduler turns a planned Workflow into a schedule of concurrent
// agent executions: build a DAG from each agent's dependsOn edges, level it
// topologically, and run each level with a per-level concurrency cap (spec
// §4.8).
//
// Grounded on the teacher's internal/agent/tool_exec.go ExecuteConcurrently
// (index-preserving concurrent dispatch with a concurrency cap and
// per-worker timeout), generalized one layer up from "concurrent tool
// calls within one turn" to "concurrent agent executions within one DAG
// level", and adopting golang.org/x/sync/errgroup's SetLimit as the
// ecosystem equivalent of the teacher's hand-rolled channel semaphore
// (kadirpekel-hector's go.mod pulls in x/sync directly for this purpose).
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/backoff"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

// FailurePolicy controls what happens to the rest of a level/workflow once
// one agent in a level fails (spec §4.8's "post-level failure policy").
type FailurePolicy string

const (
	// PolicyStopOnFirstFailure is the default: once any agent in a level
	// fails, no further levels are started.
	PolicyStopOnFirstFailure FailurePolicy = "stop_on_first_failure"
	// PolicyBestEffort runs every level to completion regardless of
	// per-agent failures, and reports every failure at the end.
	PolicyBestEffort FailurePolicy = "best_effort"
	// PolicyRetry retries a failed agent execution up to Config.MaxRetries
	// times before treating it as failed.
	PolicyRetry FailurePolicy = "retry"
)

// Config controls scheduling behavior.
type Config struct {
	// MaxConcurrentAgents caps concurrent executions within a single DAG
	// level. 0 means "no cap beyond the level's own size" (spec §4.8
	// default).
	MaxConcurrentAgents int
	Policy              FailurePolicy
	MaxRetries          int

	// RetryBackoff controls the delay between PolicyRetry attempts. The zero
	// value sanitizes to backoff.DefaultPolicy().
	RetryBackoff backoff.BackoffPolicy
}

func (c Config) sanitized() Config {
	if c.Policy == "" {
		c.Policy = PolicyStopOnFirstFailure
	}
	if c.Policy == PolicyRetry && c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.RetryBackoff == (backoff.BackoffPolicy{}) {
		c.RetryBackoff = backoff.DefaultPolicy()
	}
	return c
}

// Runner executes a single scheduled agent and reports whether it
// succeeded. Implementations typically wrap a react.Loop run.
type Runner func(ctx context.Context, agent workflow.WorkflowAgent) error

// AgentOutcome records the result of scheduling one agent.
type AgentOutcome struct {
	AgentID string
	Err     error
}

// Result is the outcome of running an entire workflow to completion or to
// the point a stop-on-first-failure policy halted it.
type Result struct {
	Outcomes []AgentOutcome
	Stopped  bool // true if PolicyStopOnFirstFailure halted before all levels ran
}

// Scheduler drives level-by-level concurrent execution of a workflow's
// agents.
type Scheduler struct {
	Config Config
	Runner Runner

	// CheckAborted, if set, is consulted before starting each agent (spec
	// §4.8's "abort/pause check before starting each agent").
	CheckAborted func() (bool, error)
}

// New builds a Scheduler with sanitized defaults.
func New(run Runner, cfg Config) *Scheduler {
	return &Scheduler{Runner: run, Config: cfg.sanitized()}
}

// level computes the DAG's topological levels via Kahn's algorithm: level 0
// is every agent with no dependencies, level N+1 is every agent whose
// dependencies are all satisfied by levels <= N. A dependency cycle (no
// agent can ever reach in-degree zero) is a hard build-time failure (spec
// §4.8: "a cycle in dependsOn is a build-time failure, not a runtime one").
func level(agents []workflow.WorkflowAgent) ([][]workflow.WorkflowAgent, error) {
	indexByID := make(map[string]int, len(agents))
	for i, a := range agents {
		indexByID[a.ID] = i
	}

	inDegree := make([]int, len(agents))
	dependents := make([][]int, len(agents))
	for i, a := range agents {
		for _, dep := range a.DependsOn {
			depIdx, ok := indexByID[dep]
			if !ok {
				return nil, fmt.Errorf("scheduler: agent %q depends on unknown agent %q", a.ID, dep)
			}
			inDegree[i]++
			dependents[depIdx] = append(dependents[depIdx], i)
		}
	}

	var levels [][]workflow.WorkflowAgent
	remaining := len(agents)
	visited := make([]bool, len(agents))

	for remaining > 0 {
		var frontier []int
		for i := range agents {
			if !visited[i] && inDegree[i] == 0 {
				frontier = append(frontier, i)
			}
		}
		if len(frontier) == 0 {
			return nil, fmt.Errorf("scheduler: dependency cycle detected among remaining agents")
		}

		sort.Ints(frontier)
		var lvl []workflow.WorkflowAgent
		for _, i := range frontier {
			visited[i] = true
			lvl = append(lvl, agents[i])
			remaining--
		}
		for _, i := range frontier {
			for _, dep := range dependents[i] {
				inDegree[dep]--
			}
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

// Run schedules wf's agents level by level, restarting from the first
// not-yet-started agent whenever wf.Modified becomes true between levels
// (spec §4.8: a mid-task replan truncates and re-appends the suffix, and
// the scheduler must pick up the new agents rather than the stale plan it
// started with).
func (s *Scheduler) Run(ctx context.Context, wf *workflow.Workflow) (Result, error) {
	started := make(map[string]bool, len(wf.Agents))
	var outcomes []AgentOutcome

	for {
		levels, err := level(wf.Agents)
		if err != nil {
			return Result{Outcomes: outcomes}, err
		}

		wf.Modified = false
		stopped := false

	levelLoop:
		for _, lvl := range levels {
			pending := make([]workflow.WorkflowAgent, 0, len(lvl))
			for _, a := range lvl {
				if !started[a.ID] {
					pending = append(pending, a)
				}
			}
			if len(pending) == 0 {
				continue
			}

			for _, a := range pending {
				started[a.ID] = true
			}

			levelOutcomes, err := s.runLevel(ctx, pending)
			outcomes = append(outcomes, levelOutcomes...)
			if err != nil {
				return Result{Outcomes: outcomes}, err
			}

			if s.Config.Policy == PolicyStopOnFirstFailure {
				for _, o := range levelOutcomes {
					if o.Err != nil {
						stopped = true
						break levelLoop
					}
				}
			}

			if wf.Modified {
				break levelLoop
			}
		}

		if stopped {
			return Result{Outcomes: outcomes, Stopped: true}, nil
		}
		if !wf.Modified {
			return Result{Outcomes: outcomes}, nil
		}
		// wf.Modified was set mid-level by a concurrent replan splice;
		// loop back and recompute levels over the updated agent list.
	}
}

// runLevel executes one DAG level's agents concurrently, capped at
// Config.MaxConcurrentAgents (0 meaning "the level's own size").
func (s *Scheduler) runLevel(ctx context.Context, agents []workflow.WorkflowAgent) ([]AgentOutcome, error) {
	outcomes := make([]AgentOutcome, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	limit := s.Config.MaxConcurrentAgents
	if limit <= 0 {
		limit = len(agents)
	}
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, a := range agents {
		i, a := i, a
		g.Go(func() error {
			if s.CheckAborted != nil {
				if aborted, err := s.CheckAborted(); aborted {
					outcomes[i] = AgentOutcome{AgentID: a.ID, Err: err}
					return nil
				}
			}
			outcomes[i] = AgentOutcome{AgentID: a.ID, Err: s.runOne(gctx, a)}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// runOne invokes the Runner, applying the retry policy if configured. Under
// PolicyRetry, attempts are spaced with exponential backoff rather than
// retried back-to-back, so a transient provider/tool outage gets a chance
// to clear before the next attempt.
func (s *Scheduler) runOne(ctx context.Context, a workflow.WorkflowAgent) error {
	if s.Config.Policy != PolicyRetry {
		return s.Runner(ctx, a)
	}
	result, err := backoff.RetryWithBackoff(ctx, s.Config.RetryBackoff, s.Config.MaxRetries,
		func(attempt int) (struct{}, error) {
			return struct{}{}, s.Runner(ctx, a)
		})
	if err != nil {
		if result.LastError != nil {
			return result.LastError
		}
		return err
	}
	return nil
}
