// Package orchestrator wires the whole task-execution pipeline together:
// TaskContext/TaskChain construction, planning, scheduling, and per-agent
// ReAct execution, emitting the AgentStreamMessage-shaped events described
// in spec §6.
//
// Grounded on the teacher's internal/agent/runtime.go top-level Run
// entrypoint (construct state, stream a run_started event, drive the loop,
// stream run_finished), narrowed from one long chat run to one planned,
// multi-agent workflow run.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/agentctx"
	"github.com/taskmesh/taskmesh/internal/chain"
	"github.com/taskmesh/taskmesh/internal/llmadapter"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/planner"
	"github.com/taskmesh/taskmesh/internal/react"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/replanner"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/taskctx"
	"github.com/taskmesh/taskmesh/internal/toolkit"
	usagepkg "github.com/taskmesh/taskmesh/internal/usage"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
)

// StreamMessage mirrors spec §6's AgentStreamMessage union, narrowed to the
// fields the orchestrator itself populates; react.Event and planner.StreamEvent
// carry the rest and are wrapped into one of these at the call site.
type StreamMessage struct {
	StreamType string // always "agent"
	ChatID     string
	TaskID     string
	AgentName  string
	NodeID     int

	Type     string // "workflow" | "text" | "thinking" | "tool_streaming" | "tool_use" | "tool_result" | "error" | "finish"
	Workflow *workflow.Workflow
	Text     string

	// ToolCallID, ToolName, and ArgsDelta carry react.Event's tool_use and
	// tool_streaming payload: ArgsDelta is one incremental argument-JSON
	// fragment of an in-progress tool call, ToolCallID/ToolName identify
	// which call it belongs to.
	ToolCallID string
	ToolName   string
	ArgsDelta  string
	Result     *models.ToolResult

	Err error
}

// Callback receives every stream message the orchestrator produces.
type Callback func(StreamMessage)

// Usage aggregates token accounting across every agent run in a task.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the orchestrator's top-level return value.
type Result struct {
	Text     string
	Usage    Usage
	Workflow *workflow.Workflow
	Chain    *chain.TaskChain
}

// Config bundles everything the orchestrator needs to run a task, mirroring
// spec §6's EkoConfig.
type Config struct {
	Pool         *llmadapter.Pool // default LLM pool, used for agent execution
	PlanPool     *llmadapter.Pool // planning/replanning/judging pool; defaults to Pool
	Registry     *toolkit.Registry
	Tasks        *registry.Registry // process-wide task lookup; defaults to registry.Default
	Agents       []planner.AgentDescriptor
	MaxReactNum  int
	MaxTokens    int
	SchedulerCfg scheduler.Config

	// Tracker optionally records each agent's token usage for
	// cross-task aggregation (spec §6's usage accounting). Nil disables
	// recording; the lightweight per-run Usage total is always populated
	// on Result regardless of whether a Tracker is configured.
	Tracker *usagepkg.Tracker

	// Metrics, Logger, Tracer, and Events are optional observability hooks.
	// All are nil-safe; an unset field simply disables that signal.
	Metrics *observability.Metrics
	Logger  *observability.Logger
	Tracer  *observability.Tracer
	Events  *observability.EventRecorder

	// EnableReplan turns on the mid-task Judge/Rewrite hooks (spec §4.7).
	// Off by default since the judge itself costs an LLM call per check.
	EnableReplan             bool
	ProgressCheckEveryNTurns int
}

// Orchestrator drives full task runs: plan, schedule, execute.
type Orchestrator struct {
	cfg Config
}

// New builds an Orchestrator from the given config.
func New(cfg Config) *Orchestrator {
	if cfg.PlanPool == nil {
		cfg.PlanPool = cfg.Pool
	}
	if cfg.Tasks == nil {
		cfg.Tasks = registry.Default
	}
	if cfg.Metrics != nil {
		if cfg.Pool != nil {
			cfg.Pool.Metrics = cfg.Metrics
		}
		if cfg.PlanPool != nil {
			cfg.PlanPool.Metrics = cfg.Metrics
		}
	}
	if cfg.Tracer != nil {
		if cfg.Pool != nil {
			cfg.Pool.Tracer = cfg.Tracer
		}
		if cfg.PlanPool != nil {
			cfg.PlanPool.Tracer = cfg.Tracer
		}
	}
	return &Orchestrator{cfg: cfg}
}

// beginRun opens the observability surface for one task run: a trace span,
// a "run start" timeline event, and a start-of-run log line. The returned
// finish func closes all three and must be deferred by the caller.
func (o *Orchestrator) beginRun(ctx context.Context, task *taskctx.Context) (context.Context, func(err error)) {
	start := time.Now()
	var span trace.Span
	if o.cfg.Tracer != nil {
		ctx, span = o.cfg.Tracer.Start(ctx, "task.run", observability.SpanOptions{Kind: trace.SpanKindInternal})
	}
	if o.cfg.Events != nil {
		_ = o.cfg.Events.RecordRunStart(ctx, task.TaskID, map[string]interface{}{"chat_id": task.ChatID})
	}
	if o.cfg.Logger != nil {
		o.cfg.Logger.Info(ctx, "task run started", "task_id", task.TaskID, "chat_id", task.ChatID)
	}
	return ctx, func(err error) {
		duration := time.Since(start)
		if o.cfg.Metrics != nil {
			status := "success"
			if err != nil {
				status = "failed"
				o.cfg.Metrics.RecordError("orchestrator", "run_failed")
			}
			o.cfg.Metrics.RecordRunAttempt(status)
		}
		if o.cfg.Events != nil {
			_ = o.cfg.Events.RecordRunEnd(ctx, duration, err)
		}
		if o.cfg.Logger != nil {
			if err != nil {
				o.cfg.Logger.Error(ctx, "task run failed", "task_id", task.TaskID, "duration_ms", duration.Milliseconds(), "error", err)
			} else {
				o.cfg.Logger.Info(ctx, "task run finished", "task_id", task.TaskID, "duration_ms", duration.Milliseconds())
			}
		}
		if span != nil {
			if err != nil {
				o.cfg.Tracer.RecordError(span, err)
			}
			span.End()
		}
	}
}

// Run implements spec §4.9's top-level run operation: construct task state,
// stream workflow_start, plan, schedule, aggregate, and return.
func (o *Orchestrator) Run(ctx context.Context, taskID, chatID, taskPrompt string, emit Callback) (Result, error) {
	if emit == nil {
		emit = func(StreamMessage) {}
	}

	task := taskctx.New(ctx, taskID, chatID, taskPrompt,
		taskctx.Config{MaxReactNum: o.cfg.MaxReactNum, MaxTokens: o.cfg.MaxTokens}, nil)
	o.cfg.Tasks.Register(task)
	defer o.cfg.Tasks.Unregister(task.TaskID)

	runCtx, finishRun := o.beginRun(ctx, task)
	var runErr error
	defer func() { finishRun(runErr) }()

	p := planner.New(o.cfg.PlanPool)
	wf, err := p.Plan(runCtx, task.Chain, task.TaskID, taskPrompt, o.cfg.Agents, time.Now(), true, func(e planner.StreamEvent) {
		emit(StreamMessage{StreamType: "agent", ChatID: chatID, TaskID: task.TaskID, Type: "workflow", Workflow: e.Workflow})
	})
	if err != nil {
		emit(StreamMessage{StreamType: "agent", ChatID: chatID, TaskID: task.TaskID, Type: "error", Err: err})
		runErr = err
		return Result{}, err
	}
	task.SetWorkflow(wf)

	usage := &Usage{}
	result, err := o.schedule(runCtx, task, wf, emit, usage)
	if err != nil {
		runErr = err
		return Result{}, err
	}

	emit(StreamMessage{StreamType: "agent", ChatID: chatID, TaskID: task.TaskID, Type: "finish", Text: result})
	return Result{Text: result, Usage: *usage, Workflow: wf, Chain: task.Chain}, nil
}

// RunWithSingleAgent bypasses planning entirely and runs one named agent
// directly against the task prompt (spec §4.9's alternate entry point, used
// when the caller already knows which single agent should handle the
// request).
func (o *Orchestrator) RunWithSingleAgent(ctx context.Context, taskID, chatID, agentName, taskPrompt string, emit Callback) (Result, error) {
	if emit == nil {
		emit = func(StreamMessage) {}
	}

	task := taskctx.New(ctx, taskID, chatID, taskPrompt,
		taskctx.Config{MaxReactNum: o.cfg.MaxReactNum, MaxTokens: o.cfg.MaxTokens}, nil)
	o.cfg.Tasks.Register(task)
	defer o.cfg.Tasks.Unregister(task.TaskID)

	runCtx, finishRun := o.beginRun(ctx, task)
	var runErr error
	defer func() { finishRun(runErr) }()

	wf := &workflow.Workflow{
		TaskID: task.TaskID,
		Agents: []workflow.WorkflowAgent{{
			ID:   workflow.AgentID(task.TaskID, 0),
			Name: agentName,
			Task: taskPrompt,
		}},
	}
	task.SetWorkflow(wf)

	usage := &Usage{}
	result, err := o.schedule(runCtx, task, wf, emit, usage)
	if err != nil {
		runErr = err
		return Result{}, err
	}
	emit(StreamMessage{StreamType: "agent", ChatID: chatID, TaskID: task.TaskID, Type: "finish", Text: result})
	return Result{Text: result, Usage: *usage, Workflow: wf, Chain: task.Chain}, nil
}

// schedule runs wf's agents via the scheduler, using a react.Loop per agent,
// and returns the final agent's result text (the scheduler runs agents in
// dependency order; the last-completed level's sole/last agent's text is
// the task's overall result, per spec §4.9's aggregation rule).
func (o *Orchestrator) schedule(ctx context.Context, task *taskctx.Context, wf *workflow.Workflow, emit Callback, usage *Usage) (string, error) {
	dispatcher := toolkit.NewDispatcher(o.cfg.Registry)
	dispatcher.Metrics = o.cfg.Metrics
	dispatcher.Events = o.cfg.Events
	dispatcher.Tracer = o.cfg.Tracer

	var mu sync.Mutex
	var lastResult string
	runner := func(ctx context.Context, agent workflow.WorkflowAgent) error {
		agentCtx := agentctx.New(task, agent)
		loop := react.New(o.cfg.Pool, dispatcher, react.Config{
			MaxTurns:                 task.Config.MaxReactNum,
			MaxOutputTokens:          task.Config.MaxTokens,
			ProgressCheckEveryNTurns: o.cfg.ProgressCheckEveryNTurns,
		})

		if o.cfg.EnableReplan {
			judge := replanner.NewJudge(o.cfg.PlanPool)
			rewrite := replanner.NewRewrite(planner.New(o.cfg.PlanPool))
			loop.Replan = func(turn int, ac *agentctx.Context) bool {
				return judge.ShouldReplan(ctx, ac)
			}
			loop.OnReplanTriggered = func(turn int, ac *agentctx.Context) {
				updated, err := rewrite.Replan(ctx, wf, agent.ID, task.TaskID, "continue the task with a revised plan", o.cfg.Agents, true, func(e planner.StreamEvent) {
					emit(StreamMessage{StreamType: "agent", ChatID: task.ChatID, TaskID: task.TaskID, Type: "workflow", Workflow: e.Workflow})
				})
				if err == nil {
					task.SetWorkflow(updated)
				}
			}
		}

		res := loop.Run(ctx, agentCtx, func() (bool, error) { return task.CheckAborted(false) }, func(e react.Event) {
			emit(StreamMessage{
				StreamType: "agent",
				ChatID:     task.ChatID,
				TaskID:     task.TaskID,
				AgentName:  agent.Name,
				NodeID:     e.NodeID,
				Type:       e.Type,
				Text:       e.Text,
				ToolCallID: e.ToolCallID,
				ToolName:   e.ToolName,
				ArgsDelta:  e.ArgsDelta,
				Result:     e.Result,
				Err:        e.Err,
			})
		})
		mu.Lock()
		usage.InputTokens += res.InputTokens
		usage.OutputTokens += res.OutputTokens
		mu.Unlock()

		if o.cfg.Tracker != nil {
			o.cfg.Tracker.Record(usagepkg.Record{
				ID:        fmt.Sprintf("%s/%s", task.TaskID, agent.ID),
				Provider:  "pool",
				Model:     agent.Name,
				UserID:    task.ChatID,
				ChannelID: task.ChatID,
				Usage: usagepkg.Usage{
					InputTokens:  int64(res.InputTokens),
					OutputTokens: int64(res.OutputTokens),
				},
				Timestamp: time.Now(),
			})
		}

		if res.Err != nil {
			return res.Err
		}
		mu.Lock()
		lastResult = res.Text
		mu.Unlock()
		return nil
	}

	sched := scheduler.New(runner, o.cfg.SchedulerCfg)
	sched.CheckAborted = func() (bool, error) { return task.CheckAborted(false) }

	result, err := sched.Run(ctx, wf)
	if err != nil {
		return "", fmt.Errorf("orchestrator: schedule failed: %w", err)
	}
	if result.Stopped {
		return lastResult, fmt.Errorf("orchestrator: task stopped after an agent failure")
	}
	return lastResult, nil
}
