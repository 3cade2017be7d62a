// Package llmadapter provides a uniform streaming call surface over
// heterogeneous LLM providers, with retry across a configured provider pool.
//
// Grounded on the teacher's internal/agent/provider_types.go (LLMProvider,
// CompletionRequest/CompletionChunk) and internal/agent/providers/base.go
// (BaseProvider.Retry's linear backoff), generalized from "one provider, one
// retry loop" to "an ordered pool of providers, each retried before moving
// to the next" the way internal/agent/failover.go's FailoverOrchestrator
// tries providers in sequence. Per-provider retry delay is computed by
// internal/backoff's exponential-with-jitter policy rather than a
// hand-rolled doubling loop.
package llmadapter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/backoff"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Message is one turn in the conversation sent to the provider.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSpec describes one callable tool as surfaced to the provider's
// function-calling surface (spec §6: "Provider-supplied function-tool
// schema uses JSON Schema").
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolChoice constrains which tool (if any) the provider must call. Used by
// the replanner's judge step to force a schema-bound decision (spec §4.7,
// §9 "meta-LLM for progress/replan judgment").
type ToolChoice struct {
	Tool string
	Name string
}

// Request is the uniform call contract described in spec §4.3.
type Request struct {
	Messages        []Message
	System          string
	Tools           []ToolSpec
	ToolChoice      *ToolChoice
	Temperature     *float64
	TopP            *float64
	TopK            *int
	MaxOutputTokens int
	StopSequences   []string
}

// FinishReason enumerates how a stream ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

// ToolCallDelta carries one incremental fragment of a tool call's arguments
// as it streams in, before the call is complete enough to dispatch (spec
// §6's "tool_streaming" AgentStreamMessage variant). ID is the provider's
// tool call ID once known (providers may only supply it on the first
// fragment); Name is the tool name, also only guaranteed on the first
// fragment.
type ToolCallDelta struct {
	ID           string
	Name         string
	ArgsFragment string
}

// Chunk is one element of a streamed response.
type Chunk struct {
	Text          string
	ToolCall      *models.ToolCall
	ToolCallDelta *ToolCallDelta
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	Done          bool
	FinishReason  FinishReason
	InputTokens   int
	OutputTokens  int
	Err           error
}

// Provider is the external LLM backend surface (spec §6's "LLM provider
// interface"): doGenerate/doStream collapse here into a single streaming
// method, since every consumer in this module reads a stream (a
// non-streaming call is just "drain the channel").
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// ErrorKind classifies a provider error for retry decisions (spec §4.3:
// "Retries are forbidden on: abort, content-filter finish reason, hard auth
// failures. Retries are required on: network errors, 5xx, parse errors,
// empty streams.").
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorAborted
	ErrorContentFilter
	ErrorAuth
	ErrorNetwork
	ErrorServer
	ErrorParse
	ErrorEmptyStream
)

// ProviderError wraps an error from a Provider with its classified kind.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string { return e.Provider + ": " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

func (k ErrorKind) retryable() bool {
	switch k {
	case ErrorAborted, ErrorContentFilter, ErrorAuth:
		return false
	case ErrorNetwork, ErrorServer, ErrorParse, ErrorEmptyStream:
		return true
	default:
		return true
	}
}

// Classify inspects err (optionally wrapped in a *ProviderError already) and
// returns its ErrorKind. Context cancellation always classifies as
// ErrorAborted so an in-flight abort() never triggers a pointless retry.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorAborted
	}
	return ErrorUnknown
}

// PoolConfig controls the pool's per-provider retry behavior.
type PoolConfig struct {
	MaxAttemptsPerProvider int
	Backoff                time.Duration
	MaxBackoff             time.Duration
}

func (c PoolConfig) sanitized() PoolConfig {
	if c.MaxAttemptsPerProvider <= 0 {
		c.MaxAttemptsPerProvider = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Pool tries a configured, ordered list of providers, retrying transient
// failures within each provider before moving to the next (spec §4.3: "A
// request may be routed to any of N configured providers in a pool; the
// adapter must try providers in declared order").
type Pool struct {
	providers []Provider
	cfg       PoolConfig

	// Metrics, if set, records per-provider request counts, latency, and
	// token usage (spec §6's LLM request accounting).
	Metrics *observability.Metrics

	// Tracer, if set, opens a span around each provider's stream for
	// distributed-tracing visibility into LLM call latency.
	Tracer *observability.Tracer
}

// NewPool builds a provider pool tried in the given order.
func NewPool(providers []Provider, cfg PoolConfig) *Pool {
	return &Pool{providers: providers, cfg: cfg.sanitized()}
}

// ErrNoProvider is returned when a Pool has no providers configured.
var ErrNoProvider = errors.New("llmadapter: no provider configured")

// Stream attempts each provider in order, retrying per-provider transient
// failures with exponential backoff capped at MaxBackoff, and returns the
// first successful provider's stream. ctx is expected to already carry the
// task's abort signal (spec §4.3: "Each request is decorated with the
// task's abort signal").
func (p *Pool) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if len(p.providers) == 0 {
		return nil, ErrNoProvider
	}

	var lastErr error
	for _, provider := range p.providers {
		streamCtx := ctx
		var span trace.Span
		if p.Tracer != nil {
			streamCtx, span = p.Tracer.TraceLLMRequest(ctx, provider.Name(), "")
		}

		ch, err := p.streamWithRetry(streamCtx, provider, req)
		if err == nil {
			return p.instrument(provider.Name(), ch, span), nil
		}
		if span != nil {
			p.Tracer.RecordError(span, err)
			span.End()
		}
		lastErr = err
		if p.Metrics != nil {
			p.Metrics.RecordLLMRequest(provider.Name(), "", "error", 0, 0, 0)
			p.Metrics.RecordError("llm", provider.Name())
		}
		if Classify(err) == ErrorAborted {
			return nil, err
		}
	}
	return nil, lastErr
}

// instrument wraps ch so that, once fully drained, one RecordLLMRequest call
// reports the provider's total latency and token usage (spec §6's per-request
// LLM accounting), the context window span is closed, and its tokens are
// recorded against the context-window histogram.
func (p *Pool) instrument(provider string, ch <-chan Chunk, span trace.Span) <-chan Chunk {
	if p.Metrics == nil && span == nil {
		return ch
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		if span != nil {
			defer span.End()
		}
		start := time.Now()
		var inputTokens, outputTokens int
		status := "success"
		for c := range ch {
			inputTokens += c.InputTokens
			outputTokens += c.OutputTokens
			if c.Err != nil {
				status = "error"
				if span != nil {
					p.Tracer.RecordError(span, c.Err)
				}
			}
			out <- c
		}
		if p.Metrics != nil {
			p.Metrics.RecordLLMRequest(provider, "", status, time.Since(start).Seconds(), inputTokens, outputTokens)
			p.Metrics.RecordContextWindow(provider, "", inputTokens+outputTokens)
			if status == "error" {
				p.Metrics.RecordError("llm", provider)
			}
		}
	}()
	return out
}

func (p *Pool) streamWithRetry(ctx context.Context, provider Provider, req Request) (<-chan Chunk, error) {
	policy := backoff.BackoffPolicy{
		InitialMs: float64(p.cfg.Backoff.Milliseconds()),
		MaxMs:     float64(p.cfg.MaxBackoff.Milliseconds()),
		Factor:    2,
		Jitter:    0.1,
	}
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttemptsPerProvider; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, err := provider.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = &ProviderError{Provider: provider.Name(), Kind: Classify(err), Err: err}
		if !Classify(lastErr).retryable() {
			return nil, lastErr
		}
		if attempt >= p.cfg.MaxAttemptsPerProvider {
			break
		}
		if err := backoff.SleepWithBackoff(ctx, policy, attempt); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Drain collects a full stream into its constituent text and tool calls,
// for callers (the planner, the replanner's judge) that don't need
// incremental delivery.
func Drain(ch <-chan Chunk) (text string, toolCalls []models.ToolCall, finish FinishReason, err error) {
	for c := range ch {
		if c.Err != nil {
			return text, toolCalls, finish, c.Err
		}
		text += c.Text
		if c.ToolCall != nil {
			toolCalls = append(toolCalls, *c.ToolCall)
		}
		if c.Done {
			finish = c.FinishReason
		}
	}
	return text, toolCalls, finish, nil
}
