// Package workflow holds the plan produced by the planner: a named tree of
// agents, each carrying its own node plan, plus the XML encoding the planner
// streams and the scheduler/chain read back.
package workflow

import "fmt"

// NodeStatus is the execution status of a single node within an agent's plan.
type NodeStatus string

const (
	NodeTodo NodeStatus = "todo"
	NodeDone NodeStatus = "done"
)

// NodeKind distinguishes the shapes a planner node can take.
type NodeKind string

const (
	NodeStep         NodeKind = "step"
	NodeForEach      NodeKind = "forEach"
	NodeWatch        NodeKind = "watch"
	NodeHumanInteract NodeKind = "humanInteract"
)

// Node is one entry in an agent's node tree. Node ids are dense, pre-order,
// and start at 1 within a single agent; they are rewritten whenever the node
// tree is mutated (replan splice, status update).
type Node struct {
	ID     int        `xml:"id,attr"`
	Kind   NodeKind   `xml:"-"`
	Text   string     `xml:",chardata"`
	Input  string     `xml:"input,attr,omitempty"`
	Output string     `xml:"output,attr,omitempty"`
	Status NodeStatus `xml:"status,attr,omitempty"`

	// Items is populated for NodeForEach: a literal comma list or a
	// "$varName" reference into the task/agent variable map.
	Items string `xml:"items,attr,omitempty"`

	// Event/Loop are populated for NodeWatch.
	Event string `xml:"event,attr,omitempty"`
	Loop  bool   `xml:"-"`

	// Children holds the nested plan for forEach/watch-trigger sections.
	Children []Node `xml:"-"`

	// Attrs carries any attribute the planner's prompt emits that this
	// struct doesn't name explicitly (§6: "the core must accept arbitrary
	// extra attributes and pass them through").
	Attrs map[string]string `xml:"-"`
}

// WorkflowAgent is one node in the workflow's agent sequence.
type WorkflowAgent struct {
	ID    string `xml:"id,attr"`
	Name  string `xml:"name,attr"`
	Task  string `xml:"task"`
	Nodes []Node `xml:"-"`

	// DependsOn references only earlier agents' ids within the same workflow.
	DependsOn []string `xml:"-"`

	// XML is the canonical serialized form of this agent's <agent> element,
	// captured at parse time so the round-trip law (§8) holds without
	// re-deriving it from Nodes on every read.
	XML []byte `xml:"-"`
}

// Workflow is the planner's output: a named, agent-ordered tree. It is
// immutable after planning except for in-place suffix replacement by the
// replanner, which also flips Modified to true.
type Workflow struct {
	TaskID     string
	Name       string
	Thought    string
	TaskPrompt string
	Agents     []WorkflowAgent
	Modified   bool

	// Partial is true for workflows streamed mid-parse (stream_done=false);
	// only a workflow with Partial=false is authoritative (§4.6 step 5,
	// §9 "streaming XML parsing").
	Partial bool
}

// AgentByID returns the agent with the given id, or false if absent.
func (w *Workflow) AgentByID(id string) (*WorkflowAgent, bool) {
	for i := range w.Agents {
		if w.Agents[i].ID == id {
			return &w.Agents[i], true
		}
	}
	return nil, false
}

// IndexOf returns the index of the agent with the given id, or -1.
func (w *Workflow) IndexOf(id string) int {
	for i := range w.Agents {
		if w.Agents[i].ID == id {
			return i
		}
	}
	return -1
}

// Validate checks the invariants from spec §3: unique agent ids, dependsOn
// referencing only earlier agents, unique node ids per agent.
func (w *Workflow) Validate() error {
	seen := make(map[string]int, len(w.Agents))
	for i, a := range w.Agents {
		if a.ID == "" {
			return fmt.Errorf("workflow: agent at index %d has empty id", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("workflow: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = i
		for _, dep := range a.DependsOn {
			depIdx, ok := seen[dep]
			if !ok {
				return fmt.Errorf("workflow: agent %q depends on unknown or later agent %q", a.ID, dep)
			}
			if depIdx >= i {
				return fmt.Errorf("workflow: agent %q depends on non-earlier agent %q", a.ID, dep)
			}
		}
		if err := validateNodeIDs(a.Nodes); err != nil {
			return fmt.Errorf("workflow: agent %q: %w", a.ID, err)
		}
	}
	return nil
}

func validateNodeIDs(nodes []Node) error {
	seen := make(map[int]bool)
	var walk func([]Node) error
	walk = func(ns []Node) error {
		for _, n := range ns {
			if seen[n.ID] {
				return fmt.Errorf("duplicate node id %d", n.ID)
			}
			seen[n.ID] = true
			if err := walk(n.Children); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(nodes)
}

// AgentID formats the stable, zero-padded agent id used by the planner and
// replanner: "<taskID>-<NN>" (§4.6 step 6).
func AgentID(taskID string, index int) string {
	return fmt.Sprintf("%s-%02d", taskID, index+1)
}
