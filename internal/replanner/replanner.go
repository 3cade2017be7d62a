// Package replanner implements the mid-task replan machinery from spec
// §4.7: a cheap Judge that asks the planning LLM whether the remaining
// workflow still makes sense, and a Rewrite step that re-plans the
// not-yet-executed suffix and splices it onto the surviving prefix.
//
// Grounded on the teacher's internal/agent/provider_types.go Tool-call
// forcing pattern (a single named tool the model must call, carrying a
// small JSON payload) and internal/agent/loop.go's mid-loop decision
// points, generalized from "should this chat loop continue" to "should
// this workflow's remaining agents be re-planned".
package replanner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/agentctx"
	"github.com/taskmesh/taskmesh/internal/chain"
	"github.com/taskmesh/taskmesh/internal/llmadapter"
	"github.com/taskmesh/taskmesh/internal/planner"
	"github.com/taskmesh/taskmesh/pkg/workflow"
)

const checkTaskStatusTool = "check_task_status"

var checkTaskStatusSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"thinking": {"type": "string"},
		"replan": {"type": "boolean"}
	},
	"required": ["thinking", "replan"]
}`)

// Judge asks the planning LLM a forced, schema-bound yes/no question about
// whether the task should be re-planned (spec §4.7 Judge).
type Judge struct {
	Pool *llmadapter.Pool
}

// NewJudge builds a Judge over the planning pool.
func NewJudge(pool *llmadapter.Pool) *Judge {
	return &Judge{Pool: pool}
}

type checkTaskStatusArgs struct {
	Thinking string `json:"thinking"`
	Replan   bool   `json:"replan"`
}

// ShouldReplan forces a check_task_status tool call against the agent's
// current message history and returns its verdict. Any error (stream
// failure, malformed args, no tool call returned) is treated as "do not
// replan" — the Judge is an optimization, not a correctness requirement,
// and must never itself abort a running agent.
func (j *Judge) ShouldReplan(ctx context.Context, agentCtx *agentctx.Context) bool {
	messages := make([]llmadapter.Message, 0, len(agentCtx.Messages())+1)
	for _, m := range agentCtx.Messages() {
		messages = append(messages, llmadapter.Message{
			Role:        m.Role,
			Content:     m.Text,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	messages = append(messages, llmadapter.Message{
		Role:    "user",
		Content: "Given the progress so far, decide whether the remaining plan should be replaced.",
	})

	req := llmadapter.Request{
		Messages: messages,
		Tools: []llmadapter.ToolSpec{{
			Name:        checkTaskStatusTool,
			Description: "Report whether the remaining workflow should be re-planned.",
			Parameters:  checkTaskStatusSchema,
		}},
		ToolChoice: &llmadapter.ToolChoice{Tool: "tool", Name: checkTaskStatusTool},
	}

	ch, err := j.Pool.Stream(ctx, req)
	if err != nil {
		return false
	}
	_, toolCalls, _, err := llmadapter.Drain(ch)
	if err != nil {
		return false
	}
	for _, call := range toolCalls {
		if call.Name != checkTaskStatusTool {
			continue
		}
		var args checkTaskStatusArgs
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return false
		}
		return args.Replan
	}
	return false
}

// Rewrite re-plans the not-yet-executed suffix of a workflow and splices it
// onto the surviving prefix (spec §4.7 Rewrite).
type Rewrite struct {
	Planner *planner.Planner
}

// NewRewrite builds a Rewrite step over the given planner.
func NewRewrite(p *planner.Planner) *Rewrite {
	return &Rewrite{Planner: p}
}

// Replan re-plans everything after currentAgentID (the currently executing
// agent itself survives untouched) and splices the result onto wf in place,
// following the 5 steps of spec §4.7:
//  1. truncate workflow.agents to include agents through the current one
//  2. ask the planner for a fresh sub-plan for the remaining work
//  3. assign new agent ids starting at len(prefix)
//  4. rewrite dependsOn so the first new agent depends on the last
//     surviving prefix agent, and later new agents are shifted accordingly
//  5. append the new agents and set workflow.Modified = true
func (r *Rewrite) Replan(ctx context.Context, wf *workflow.Workflow, currentAgentID, taskID, newInstruction string, agents []planner.AgentDescriptor, saveHistory bool, emit planner.Callback) (*workflow.Workflow, error) {
	idx := wf.IndexOf(currentAgentID)
	if idx < 0 {
		return nil, fmt.Errorf("replanner: agent %q not found in workflow", currentAgentID)
	}

	prefix := append([]workflow.WorkflowAgent(nil), wf.Agents[:idx+1]...)

	// The suffix re-plan runs against its own scratch TaskChain: its
	// planRequest/planResult are not the task's authoritative plan history,
	// so they are not written onto the caller's TaskChain here. Callers that
	// want the replan recorded do so explicitly with the returned workflow.
	sub, err := r.Planner.Plan(ctx, chain.New(newInstruction), taskID, newInstruction, agents, time.Now(), saveHistory, emit)
	if err != nil {
		return nil, err
	}

	var lastPrefixID string
	if len(prefix) > 0 {
		lastPrefixID = prefix[len(prefix)-1].ID
	}

	idMap := make(map[string]string, len(sub.Agents))
	for i, a := range sub.Agents {
		idMap[a.ID] = workflow.AgentID(taskID, len(prefix)+i)
	}

	spliced := make([]workflow.WorkflowAgent, 0, len(prefix)+len(sub.Agents))
	spliced = append(spliced, prefix...)
	for i, a := range sub.Agents {
		a.ID = idMap[sub.Agents[i].ID]
		renamed := make([]string, 0, len(a.DependsOn))
		for _, dep := range a.DependsOn {
			if newID, ok := idMap[dep]; ok {
				renamed = append(renamed, newID)
			}
		}
		if len(renamed) == 0 && lastPrefixID != "" {
			renamed = []string{lastPrefixID}
		}
		a.DependsOn = renamed
		a.XML = []byte(workflow.Serialize(a))
		spliced = append(spliced, a)
	}

	wf.Agents = spliced
	wf.Modified = true

	if err := wf.Validate(); err != nil {
		return nil, &workflow.MalformedError{Cause: err}
	}
	return wf, nil
}
