// Package toolkit resolves a tool by name, validates its arguments against a
// JSON-Schema draft-07 document, invokes it under an agent context, and
// normalizes its result — spec §4.4's "Tool registry & dispatcher".
//
// Grounded on the teacher's internal/agent/tool_registry.go (name
// resolution, size limits) and internal/agent/tool_exec.go /
// internal/agent/executor.go (concurrent execution, per-call timeout,
// retry, AsJSON's flexible argument coercion), with JSON-Schema validation
// added via santhosh-tekuri/jsonschema/v5 the way pkg/pluginsdk/validation.go
// validates plugin config against a manifest schema.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/agentctx"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Tool is the external tool surface described in spec §6: a name, a
// description, a JSON-Schema draft-07 parameter document, and an execute
// function that runs under the calling agent's context.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage, agentCtx *agentctx.Context, call models.ToolCall) (models.ToolResult, error)

	// NoPlan reports whether the planner should omit this tool from the set
	// it offers the LLM when constructing a plan (spec §3: "Tool... optional
	// noPlan flag").
	NoPlan() bool
}

// Tool name/argument size limits, carried forward from the teacher's
// tool_registry.go constants to guard against resource exhaustion from a
// misbehaving provider.
const (
	MaxToolNameLength  = 256
	MaxToolParamsBytes = 10 << 20
)

// Registry holds the effective tool set for an agent (built-in ∪ provided ∪
// MCP-discovered), keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool of the same name. Per
// spec §3, tool names must be unique within an agent's effective tool set;
// the registry enforces "last registration wins" rather than rejecting, the
// same permissive choice the teacher's ToolRegistry.Register makes.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Planable returns every registered tool whose NoPlan flag is false, the
// set the planner is allowed to offer the LLM.
func (r *Registry) Planable() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if !t.NoPlan() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// All returns every registered tool regardless of NoPlan, used by callers
// building a filtered registry (e.g. taskconfig.Config.BuildRegistry's
// policy pass) that need to see the full candidate set before deciding
// which tools the effective registry should expose.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) compiledSchema(t Tool) (*jsonschema.Schema, error) {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if s, ok := r.schemas[t.Name()]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(t.Name()+".schema.json", string(t.Parameters()))
	if err != nil {
		return nil, err
	}
	r.schemas[t.Name()] = s
	return s, nil
}

// DefaultSerialTools is the default per-agent "serial list" (spec §4.4):
// tools in this set never run concurrently with other calls in the same
// batch, regardless of the agent's canParallelToolCalls setting.
var DefaultSerialTools = map[string]bool{
	"human_interaction":  true,
	"variable_storage":   true,
	"foreach_counter":    true,
}

// ArgError is the ToolArgInvalid failure mode from spec §7: argument
// parsing or schema validation failed before the tool itself ran.
type ArgError struct {
	ToolName string
	Cause    error
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.ToolName, e.Cause)
}
func (e *ArgError) Unwrap() error { return e.Cause }

// ResolveArgs implements spec §9's "tool argument parsing from either JSON
// string or structured map" strategy: attempt the structured path first
// (raw is already a JSON object/array); if raw unmarshals to a Go string,
// re-parse that string as JSON, treating an empty string as "{}".
func ResolveArgs(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytesTrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("{}"), nil
	}

	var asString string
	if err := json.Unmarshal(trimmed, &asString); err == nil {
		if asString == "" {
			return json.RawMessage("{}"), nil
		}
		var probe any
		if err := json.Unmarshal([]byte(asString), &probe); err != nil {
			return nil, fmt.Errorf("string argument is not valid JSON: %w", err)
		}
		return json.RawMessage(asString), nil
	}

	var probe any
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("arguments are neither a JSON value nor a JSON string: %w", err)
	}
	return trimmed, nil
}

func bytesTrimSpace(b json.RawMessage) json.RawMessage {
	i, j := 0, len(b)
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

// Validate resolves and schema-validates a tool call's raw arguments,
// returning the canonical JSON to hand to Execute.
func (r *Registry) Validate(t Tool, raw json.RawMessage) (json.RawMessage, error) {
	args, err := ResolveArgs(raw)
	if err != nil {
		return nil, &ArgError{ToolName: t.Name(), Cause: err}
	}

	schema, err := r.compiledSchema(t)
	if err != nil {
		return nil, &ArgError{ToolName: t.Name(), Cause: fmt.Errorf("compile schema: %w", err)}
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, &ArgError{ToolName: t.Name(), Cause: err}
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, &ArgError{ToolName: t.Name(), Cause: err}
	}
	return args, nil
}

// DispatchResult is one tool call's outcome, paired with its originating
// index so parallel execution can restore emission order (spec §8's
// deterministic-tool-ordering property).
type DispatchResult struct {
	Index  int
	Call   models.ToolCall
	Result models.ToolResult
}

// Dispatcher executes one turn's tool calls against a Registry under an
// AgentContext, honoring the serial-tool-list and parallel-call rules from
// spec §4.4.
type Dispatcher struct {
	Registry    *Registry
	SerialTools map[string]bool
	Timeout     time.Duration

	// Metrics and Events are optional observability hooks recording every
	// tool execution (spec §7's tool-execution outcomes). Both are nil-safe;
	// leaving them unset disables recording entirely.
	Metrics *observability.Metrics
	Events  *observability.EventRecorder
	Tracer  *observability.Tracer
}

// NewDispatcher builds a Dispatcher with the default serial-tool list and a
// 30s per-call timeout, mirroring DefaultToolExecConfig's PerToolTimeout.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		Registry:    registry,
		SerialTools: DefaultSerialTools,
		Timeout:     30 * time.Second,
	}
}

// Dispatch runs the given tool calls. If canParallelToolCalls is false, or
// any call names a serial tool, the whole batch runs sequentially in call
// order; otherwise calls run concurrently with results restored to call
// order (spec §4.4, §8).
func (d *Dispatcher) Dispatch(ctx context.Context, calls []models.ToolCall, agentCtx *agentctx.Context, canParallelToolCalls bool) []DispatchResult {
	results := make([]DispatchResult, len(calls))

	if !canParallelToolCalls || d.anySerial(calls) {
		for i, c := range calls {
			results[i] = d.dispatchOne(ctx, i, c, agentCtx)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			results[idx] = d.dispatchOne(ctx, idx, call, agentCtx)
		}(i, c)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) anySerial(calls []models.ToolCall) bool {
	for _, c := range calls {
		if d.SerialTools[c.Name] {
			return true
		}
	}
	return false
}

// dispatchOne runs one tool call end to end per spec §4.4 steps 1-7:
// resolve the tool, create a ToolChain entry with the deep-copied request
// snapshot, validate+set params, invoke execute, record the result. A
// panicking or erroring Execute never propagates: it is captured as an
// isError ToolResult (step 7: "do not re-throw").
func (d *Dispatcher) dispatchOne(ctx context.Context, idx int, call models.ToolCall, agentCtx *agentctx.Context) DispatchResult {
	toolChain := agentCtx.Chain.AddTool(call.Name, call.ID, []models.ToolCall{call})

	t, ok := d.Registry.Get(call.Name)
	if !ok {
		result := models.ErrorResult(call.ID, "tool not found: "+call.Name)
		agentCtx.Chain.SetResult(toolChain, result)
		return DispatchResult{Index: idx, Call: call, Result: result}
	}
	if len(call.Name) > MaxToolNameLength {
		result := models.ErrorResult(call.ID, "tool name exceeds maximum length")
		agentCtx.Chain.SetResult(toolChain, result)
		return DispatchResult{Index: idx, Call: call, Result: result}
	}
	if len(call.Input) > MaxToolParamsBytes {
		result := models.ErrorResult(call.ID, "tool arguments exceed maximum size")
		agentCtx.Chain.SetResult(toolChain, result)
		return DispatchResult{Index: idx, Call: call, Result: result}
	}

	args, err := d.Registry.Validate(t, call.Input)
	if err != nil {
		result := models.ErrorResult(call.ID, err.Error())
		agentCtx.Chain.SetParams(toolChain, call.Input)
		agentCtx.Chain.SetResult(toolChain, result)
		return DispatchResult{Index: idx, Call: call, Result: result}
	}
	agentCtx.Chain.SetParams(toolChain, args)

	result := d.execute(ctx, t, args, agentCtx, call)
	agentCtx.Chain.SetResult(toolChain, result)
	return DispatchResult{Index: idx, Call: call, Result: result}
}

func (d *Dispatcher) execute(ctx context.Context, t Tool, args json.RawMessage, agentCtx *agentctx.Context, call models.ToolCall) (result models.ToolResult) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if d.Tracer != nil {
		var span trace.Span
		toolCtx, span = d.Tracer.TraceToolExecution(toolCtx, t.Name())
		defer span.End()
	}
	if d.Events != nil {
		d.Events.RecordToolStart(toolCtx, t.Name(), args)
	}

	defer func() {
		if r := recover(); r != nil {
			result = models.ErrorResult(call.ID, fmt.Sprintf("tool panicked: %v", r))
		}
		duration := time.Since(start)
		status := "success"
		if result.IsError {
			status = "error"
		}
		if d.Metrics != nil {
			d.Metrics.RecordToolExecution(t.Name(), status, duration.Seconds())
			if result.IsError {
				d.Metrics.RecordError("tool", t.Name())
			}
		}
		if d.Events != nil {
			var recErr error
			if result.IsError {
				recErr = fmt.Errorf("%s", result.Text())
			}
			d.Events.RecordToolEnd(toolCtx, t.Name(), duration, nil, recErr)
		}
	}()

	res, err := t.Execute(toolCtx, args, agentCtx, call)
	if err != nil {
		return models.ErrorResult(call.ID, err.Error())
	}
	if res.ToolCallID == "" {
		res.ToolCallID = call.ID
	}
	return res
}

// ToOrderedResults sorts a Dispatch call's results back into call order
// (parallel execution can complete out of order; spec §8 requires the
// resulting tool message to preserve emission order regardless).
func ToOrderedResults(results []DispatchResult) []models.ToolResult {
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	out := make([]models.ToolResult, len(results))
	for i, r := range results {
		out[i] = r.Result
	}
	return out
}
