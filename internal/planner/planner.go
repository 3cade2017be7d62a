// Package planner turns a natural-language task prompt into a Workflow by
// streaming an XML plan from the configured planning LLM pool, per spec
// §4.6. It owns agent-id assignment/renumbering and persists the
// plan request/response on the task's chain.
//
// Grounded on the teacher's internal/agent/loop.go streaming-accumulation
// pattern (read a channel of chunks, build up a result incrementally) and
// internal/agent/providers/base.go's Retry (linear backoff), applied here
// to the planner's own "retry up to 3 times on stream error" rule (§4.6
// step 8) rather than to provider failover, which llmadapter.Pool already
// owns.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/chain"
	"github.com/taskmesh/taskmesh/internal/llmadapter"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

// AgentDescriptor is a registered agent's planning-visible profile: its
// name, a natural-language description, and the names of the tools it may
// be assigned in a plan (spec §4.6 step 1).
type AgentDescriptor struct {
	Name         string
	Description  string
	ToolNames    []string
}

// StreamEvent is emitted for each accumulated XML prefix while planning,
// carrying a partial (streamDone=false) or final (streamDone=true) workflow
// (spec §4.6 step 4, §9's tolerant-parser design note).
type StreamEvent struct {
	Workflow   *workflow.Workflow
	StreamDone bool
}

// Callback receives planner stream events.
type Callback func(StreamEvent)

const (
	maxOutputTokens = 8192
	temperature     = 0.7
	maxAttempts     = 3
	retryDelay      = time.Second
)

// Planner drives the plan/replan operations against a pool dedicated to
// planning/replanning/judging (spec §6's planLlms).
type Planner struct {
	Pool *llmadapter.Pool
}

// New builds a Planner over the given pool.
func New(pool *llmadapter.Pool) *Planner {
	return &Planner{Pool: pool}
}

func systemPrompt(agents []AgentDescriptor) string {
	s := "You are a task planner. Produce a workflow as XML using the following agents:\n"
	for _, a := range agents {
		s += fmt.Sprintf("- %s: %s (tools: %v)\n", a.Name, a.Description, a.ToolNames)
	}
	s += "Emit <root><name/><thought/><agents>...</agents></root>."
	return s
}

func userPrompt(taskPrompt string, datetime time.Time) string {
	return fmt.Sprintf("Task: %s\nCurrent time: %s", taskPrompt, datetime.Format(time.RFC3339))
}

// Plan implements spec §4.6's plan operation.
func (p *Planner) Plan(ctx context.Context, taskChain *chain.TaskChain, taskID, taskPrompt string, agents []AgentDescriptor, datetime time.Time, saveHistory bool, emit Callback) (*workflow.Workflow, error) {
	sys := systemPrompt(agents)
	usr := userPrompt(taskPrompt, datetime)
	messages := []llmadapter.Message{{Role: "user", Content: usr}}

	wf, xml, err := p.streamWithRetry(ctx, taskID, sys, messages, emit)
	if err != nil {
		return nil, err
	}
	wf = renumberAgents(wf, taskID)
	if err := wf.Validate(); err != nil {
		return nil, &workflow.MalformedError{Cause: err}
	}

	if saveHistory {
		taskChain.SetPlan(
			chain.PlanRequest{Messages: []string{sys, usr}},
			chain.PlanResult{XML: xml},
		)
	}
	return wf, nil
}

// Replan implements spec §4.6's replan operation: re-invoke the planner with
// the existing planning conversation plus the new instruction, or degenerate
// to Plan if no prior plan exists.
func (p *Planner) Replan(ctx context.Context, taskChain *chain.TaskChain, taskID, newInstruction string, agents []AgentDescriptor, datetime time.Time, saveHistory bool, emit Callback) (*workflow.Workflow, error) {
	if taskChain.PlanRequest == nil || taskChain.PlanResult == nil {
		return p.Plan(ctx, taskChain, taskID, newInstruction, agents, datetime, saveHistory, emit)
	}

	messages := make([]llmadapter.Message, 0, len(taskChain.PlanRequest.Messages)+2)
	for _, m := range taskChain.PlanRequest.Messages {
		messages = append(messages, llmadapter.Message{Role: "user", Content: m})
	}
	messages = append(messages, llmadapter.Message{Role: "assistant", Content: taskChain.PlanResult.XML})
	messages = append(messages, llmadapter.Message{Role: "user", Content: newInstruction})

	wf, xml, err := p.streamWithRetry(ctx, taskID, "", messages, emit)
	if err != nil {
		return nil, err
	}
	wf = renumberAgents(wf, taskID)
	if err := wf.Validate(); err != nil {
		return nil, &workflow.MalformedError{Cause: err}
	}
	if saveHistory {
		taskChain.SetPlan(
			chain.PlanRequest{Messages: append(taskChain.PlanRequest.Messages, newInstruction)},
			chain.PlanResult{XML: xml},
		)
	}
	return wf, nil
}

// streamWithRetry streams the plan XML, emitting intermediate partial
// workflows, and retries the whole stream up to maxAttempts times on
// transient stream error with retryDelay between attempts (spec §4.6
// step 8).
func (p *Planner) streamWithRetry(ctx context.Context, taskID, system string, messages []llmadapter.Message, emit Callback) (*workflow.Workflow, string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		wf, xml, err := p.streamOnce(ctx, taskID, system, messages, emit)
		if err == nil {
			return wf, xml, nil
		}
		lastErr = err
		if llmadapter.Classify(err) == llmadapter.ErrorAborted {
			return nil, "", err
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, "", fmt.Errorf("planner: stream failed after %d attempts: %w", maxAttempts, lastErr)
}

func (p *Planner) streamOnce(ctx context.Context, taskID, system string, messages []llmadapter.Message, emit Callback) (*workflow.Workflow, string, error) {
	temp := temperature
	req := llmadapter.Request{
		Messages:        messages,
		System:          system,
		MaxOutputTokens: maxOutputTokens,
		Temperature:     &temp,
	}

	ch, err := p.Pool.Stream(ctx, req)
	if err != nil {
		return nil, "", err
	}

	var accumulated string
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, "", chunk.Err
		}
		accumulated += chunk.Text
		if !chunk.Done {
			if partial, perr := workflow.ParseStreamPrefix(taskID, accumulated); perr == nil && emit != nil {
				emit(StreamEvent{Workflow: partial, StreamDone: false})
			}
			continue
		}
		final, ferr := workflow.ParseFinal(taskID, accumulated)
		if ferr != nil {
			return nil, accumulated, ferr
		}
		if emit != nil {
			emit(StreamEvent{Workflow: final, StreamDone: true})
		}
		return final, accumulated, nil
	}
	return nil, accumulated, fmt.Errorf("planner: stream ended without a done chunk")
}

// renumberAgents assigns the stable "<taskID>-<NN>" id to every agent in
// declared order and rewrites dependsOn references from whatever id the
// model emitted to the renumbered id (spec §4.6 step 6).
func renumberAgents(wf *workflow.Workflow, taskID string) *workflow.Workflow {
	if wf == nil {
		return wf
	}
	idMap := make(map[string]string, len(wf.Agents))
	for i, a := range wf.Agents {
		idMap[a.ID] = workflow.AgentID(taskID, i)
	}
	for i := range wf.Agents {
		wf.Agents[i].ID = idMap[wf.Agents[i].ID]
		renamed := make([]string, 0, len(wf.Agents[i].DependsOn))
		for _, dep := range wf.Agents[i].DependsOn {
			if newID, ok := idMap[dep]; ok {
				renamed = append(renamed, newID)
			} else {
				renamed = append(renamed, dep)
			}
		}
		wf.Agents[i].DependsOn = renamed
		wf.Agents[i].XML = []byte(workflow.Serialize(wf.Agents[i]))
	}
	wf.TaskID = taskID
	return wf
}
