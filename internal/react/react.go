// Package react drives a single agent's Reason-Act loop: stream an LLM
// turn, dispatch any returned tool calls, append results, and repeat until
// one of the termination conditions in spec §4.5 fires.
//
// Grounded on the teacher's internal/agent/loop.go AgenticLoop.Run state
// machine (PhaseInit -> PhaseStream -> PhaseExecuteTools -> PhaseContinue),
// narrowed from a long-lived chat session (session/msg, persisted history)
// to one scheduled workflow agent whose messages live on its AgentContext.
package react

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/agentctx"
	"github.com/taskmesh/taskmesh/internal/llmadapter"
	"github.com/taskmesh/taskmesh/internal/toolkit"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Event mirrors one AgentStreamMessage variant from spec §6, narrowed to
// the fields the ReAct loop itself produces (workflow/error/finish are
// emitted by other components).
type Event struct {
	Type       string // "text" | "thinking" | "tool_streaming" | "tool_use" | "tool_result" | "finish" | "error"
	AgentID    string
	NodeID     int
	Text       string
	ToolCallID string
	ToolName   string
	ArgsDelta  string
	Result     *models.ToolResult
	Err        error
	Final      bool
}

// Callback receives ReAct loop events as they occur; delivery is
// synchronous with respect to the agent producing them (spec §5's
// "Callback invocations are synchronous w.r.t. the agent that emits them").
type Callback func(Event)

// Config controls one agent's loop.
type Config struct {
	MaxTurns              int
	Temperature           float64
	MaxOutputTokens       int
	CanParallelToolCalls  bool

	// ProgressCheckEveryNTurns triggers the optional progress/loop-detection
	// hook (spec §4.5 step 8). 0 disables it.
	ProgressCheckEveryNTurns int
}

func (c Config) sanitized() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 30
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	return c
}

// TerminationReason records why the loop stopped, for the agent result
// summary and for the scheduler/orchestrator's success aggregation.
type TerminationReason string

const (
	TerminationNoToolCalls       TerminationReason = "no_tool_calls"
	TerminationConsecutiveErrors TerminationReason = "consecutive_errors"
	TerminationAborted           TerminationReason = "aborted"
	TerminationTurnLimit         TerminationReason = "turn_limit"
)

// Result is the outcome of running an agent to completion.
type Result struct {
	Text         string
	Reason       TerminationReason
	TurnCount    int
	Err          error
	InputTokens  int
	OutputTokens int
}

// ProgressJudge is the optional meta-LLM hook from spec §4.5 step 8: given
// the agent's messages so far, it returns a short progress summary injected
// as the next user message. A nil ProgressJudge disables the hook
// regardless of Config.ProgressCheckEveryNTurns.
type ProgressJudge func(ctx context.Context, agentCtx *agentctx.Context) (string, error)

// ReplanTrigger is the optional mid-task replan hook from spec §4.5 step 9:
// invoked after each turn, it reports whether the agent should pause and
// consult the replanner.
type ReplanTrigger func(turn int, agentCtx *agentctx.Context) bool

// Loop runs the Reason-Act cycle for one agent.
type Loop struct {
	Pool       *llmadapter.Pool
	Dispatcher *toolkit.Dispatcher
	Config     Config

	Progress ProgressJudge
	Replan   ReplanTrigger
	// OnReplanTriggered is invoked when Replan fires; callers wire this to
	// the replanner and are responsible for splicing the resulting workflow
	// back onto the TaskContext. The loop itself does not know about
	// workflows — keeping it degenerate-testable against bare LLM pools.
	OnReplanTriggered func(turn int, agentCtx *agentctx.Context)
}

// New builds a Loop with sanitized defaults.
func New(pool *llmadapter.Pool, dispatcher *toolkit.Dispatcher, cfg Config) *Loop {
	return &Loop{Pool: pool, Dispatcher: dispatcher, Config: cfg.sanitized()}
}

// Run drives the loop to completion, per spec §4.5's numbered steps and
// §4.5's four termination conditions. taskCtx's abort/pause state is
// consulted at step 1 of every turn (spec §4.2 suspension point (a) is the
// LLM stream read that follows).
func (l *Loop) Run(ctx context.Context, agentCtx *agentctx.Context, checkAborted func() (bool, error), emit Callback) Result {
	if emit == nil {
		emit = func(Event) {}
	}

	var totalInputTokens, totalOutputTokens int
	for turn := 1; turn <= l.Config.MaxTurns; turn++ {
		if aborted, err := checkAborted(); aborted {
			reason := "Aborted"
			if err != nil {
				reason = fmt.Sprintf("Aborted: %v", err)
			}
			agentCtx.Chain.SetAgentResult(reason)
			emit(Event{Type: "finish", AgentID: agentCtx.Agent.ID, Final: true, Text: reason})
			return Result{Text: reason, Reason: TerminationAborted, TurnCount: turn - 1, InputTokens: totalInputTokens, OutputTokens: totalOutputTokens}
		}

		text, toolCalls, finish, inputTokens, outputTokens, err := l.streamTurn(ctx, agentCtx, emit)
		totalInputTokens += inputTokens
		totalOutputTokens += outputTokens
		if err != nil {
			if llmadapter.Classify(err) == llmadapter.ErrorAborted {
				agentCtx.Chain.SetAgentResult("Aborted")
				emit(Event{Type: "finish", AgentID: agentCtx.Agent.ID, Final: true, Text: "Aborted"})
				return Result{Reason: TerminationAborted, TurnCount: turn - 1, Err: err, InputTokens: totalInputTokens, OutputTokens: totalOutputTokens}
			}
			summary := fmt.Sprintf("agent failed: %v", err)
			agentCtx.Chain.SetAgentResult(summary)
			emit(Event{Type: "error", AgentID: agentCtx.Agent.ID, Err: err})
			emit(Event{Type: "finish", AgentID: agentCtx.Agent.ID, Final: true, Text: summary})
			return Result{Text: summary, Reason: TerminationConsecutiveErrors, TurnCount: turn, Err: err, InputTokens: totalInputTokens, OutputTokens: totalOutputTokens}
		}

		agentCtx.AppendMessage(agentctx.Message{Role: "assistant", Text: text, ToolCalls: toolCalls})
		_ = finish

		if len(toolCalls) == 0 {
			agentCtx.Chain.SetAgentResult(text)
			emit(Event{Type: "finish", AgentID: agentCtx.Agent.ID, Final: true, Text: text})
			return Result{Text: text, Reason: TerminationNoToolCalls, TurnCount: turn, InputTokens: totalInputTokens, OutputTokens: totalOutputTokens}
		}

		results := l.Dispatcher.Dispatch(ctx, toolCalls, agentCtx, l.Config.CanParallelToolCalls)
		ordered := toolkit.ToOrderedResults(results)
		for _, r := range ordered {
			r := r
			emit(Event{Type: "tool_result", AgentID: agentCtx.Agent.ID, ToolCallID: r.ToolCallID, Result: &r})
		}
		agentCtx.AppendMessage(agentctx.Message{Role: "tool", ToolResults: ordered})

		allErrored := true
		for _, r := range ordered {
			if !r.IsError {
				allErrored = false
				break
			}
		}
		if allErrored {
			count := agentCtx.RecordToolError()
			if count >= 3 {
				summary := "all tool calls failed for 3 consecutive turns"
				agentCtx.Chain.SetAgentResult(summary)
				emit(Event{Type: "finish", AgentID: agentCtx.Agent.ID, Final: true, Text: summary})
				return Result{Text: summary, Reason: TerminationConsecutiveErrors, TurnCount: turn, InputTokens: totalInputTokens, OutputTokens: totalOutputTokens}
			}
		} else {
			agentCtx.RecordToolSuccess()
		}

		if l.Progress != nil && l.Config.ProgressCheckEveryNTurns > 0 && turn%l.Config.ProgressCheckEveryNTurns == 0 {
			if summary, err := l.Progress(ctx, agentCtx); err == nil && summary != "" {
				agentCtx.AppendMessage(agentctx.Message{Role: "user", Text: summary})
			}
		}

		if l.Replan != nil && l.Replan(turn, agentCtx) && l.OnReplanTriggered != nil {
			l.OnReplanTriggered(turn, agentCtx)
		}
	}

	summary := "turn limit reached without a final answer"
	agentCtx.Chain.SetAgentResult(summary)
	emit(Event{Type: "finish", AgentID: agentCtx.Agent.ID, Final: true, Text: summary})
	return Result{Text: summary, Reason: TerminationTurnLimit, TurnCount: l.Config.MaxTurns, InputTokens: totalInputTokens, OutputTokens: totalOutputTokens}
}

// streamTurn issues one LLM turn and accumulates its chunks, streaming
// deltas through emit as they arrive (spec §4.5 step 3).
func (l *Loop) streamTurn(ctx context.Context, agentCtx *agentctx.Context, emit Callback) (string, []models.ToolCall, llmadapter.FinishReason, int, int, error) {
	req := l.buildRequest(agentCtx)

	ch, err := l.Pool.Stream(ctx, req)
	if err != nil {
		return "", nil, "", 0, 0, err
	}

	var text string
	var toolCalls []models.ToolCall
	var finish llmadapter.FinishReason
	var inputTokens, outputTokens int
	for chunk := range ch {
		if chunk.Err != nil {
			return text, toolCalls, finish, inputTokens, outputTokens, chunk.Err
		}
		if chunk.Thinking != "" {
			emit(Event{Type: "thinking", AgentID: agentCtx.Agent.ID, Text: chunk.Thinking})
		}
		if chunk.Text != "" {
			text += chunk.Text
			emit(Event{Type: "text", AgentID: agentCtx.Agent.ID, Text: chunk.Text})
		}
		if chunk.ToolCallDelta != nil {
			emit(Event{
				Type:       "tool_streaming",
				AgentID:    agentCtx.Agent.ID,
				ToolCallID: chunk.ToolCallDelta.ID,
				ToolName:   chunk.ToolCallDelta.Name,
				ArgsDelta:  chunk.ToolCallDelta.ArgsFragment,
			})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
			emit(Event{Type: "tool_use", AgentID: agentCtx.Agent.ID, ToolCallID: chunk.ToolCall.ID, ToolName: chunk.ToolCall.Name})
		}
		inputTokens += chunk.InputTokens
		outputTokens += chunk.OutputTokens
		if chunk.Done {
			finish = chunk.FinishReason
		}
	}
	return text, toolCalls, finish, inputTokens, outputTokens, nil
}

func (l *Loop) buildRequest(agentCtx *agentctx.Context) llmadapter.Request {
	messages := make([]llmadapter.Message, 0, len(agentCtx.Messages()))
	for _, m := range agentCtx.Messages() {
		messages = append(messages, llmadapter.Message{
			Role:        m.Role,
			Content:     m.Text,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}

	var tools []llmadapter.ToolSpec
	if l.Dispatcher != nil && l.Dispatcher.Registry != nil {
		for _, t := range l.Dispatcher.Registry.Planable() {
			tools = append(tools, llmadapter.ToolSpec{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			})
		}
	}

	temp := l.Config.Temperature
	return llmadapter.Request{
		Messages:        messages,
		Tools:           tools,
		MaxOutputTokens: l.Config.MaxOutputTokens,
		Temperature:     &temp,
	}
}

