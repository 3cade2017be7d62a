// Package taskconfig loads the top-level configuration that wires an
// Orchestrator together: the named LLM pool, which pools back planning vs.
// agent execution, the planning-visible agent roster, and the ReAct loop's
// turn/token ceilings.
//
// Uses the same recursive $include-resolving, json5-or-yaml,
// KnownFields(true) loader shape as the wider config-loading package this
// was narrowed from (see loader.go), reduced from a full gateway's
// channels/sessions/database surface down to the fields an orchestrator
// actually consumes.
package taskconfig

import (
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/llmadapter"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/planner"
	"github.com/taskmesh/taskmesh/internal/tools/policy"
)

// LLMEntry describes one named entry in the llms pool. Only the OpenAI-
// compatible wire protocol is implemented (internal/llmadapter.OpenAIProvider
// speaks it and is used against any OpenAI-compatible base_url, including
// local and self-hosted gateways).
type LLMEntry struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// MaxAttempts, Backoff, and MaxBackoff configure the pool's per-provider
	// retry behavior (internal/llmadapter.PoolConfig) when this entry is the
	// sole provider in a named slot. When an llms slot resolves to more than
	// one entry, only the first entry's retry settings apply to the pool and
	// later entries serve purely as ordered fallbacks.
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// AgentEntry describes one planning-visible agent (spec §4.6's AgentDescriptor,
// as config data rather than code).
type AgentEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
}

// Config is the orchestrator's full startup configuration.
type Config struct {
	// LLMs maps a name to its provider entry. Must contain "default".
	LLMs map[string]LLMEntry `yaml:"llms"`

	// PlanLLMs names which LLMs entries to use for planning/replanning/the
	// replan judge. Defaults to ["default"].
	PlanLLMs []string `yaml:"plan_llms"`

	// ChatLLMs names which LLMs entries dispatched agents use for their ReAct
	// turns. Defaults to ["default"].
	ChatLLMs []string `yaml:"chat_llms"`

	Agents []AgentEntry `yaml:"agents"`

	MaxReactNum int `yaml:"max_react_num"`
	MaxTokens   int `yaml:"max_tokens"`

	// Tools configures the native exec/filesystem tool set and the policy
	// gating which tools (native and bridged MCP) end up in the registry
	// BuildRegistry returns.
	Tools ToolsConfig `yaml:"tools"`

	// MCP configures the bridged external tool servers from spec §6.
	// Disabled (Enabled: false) by default.
	MCP mcp.Config `yaml:"mcp"`
}

// ToolsConfig controls the native tool set's workspace scoping and the
// policy.Resolver used to decide which tools (native and MCP-bridged)
// BuildRegistry exposes.
type ToolsConfig struct {
	Workspace    string `yaml:"workspace"`
	MaxReadBytes int    `yaml:"max_read_bytes"`

	// Policy gates the effective tool set. Defaults to the "coding" profile
	// (filesystem + exec + any bridged MCP tools) when unset.
	Policy *policy.Policy `yaml:"policy"`
}

// sanitized fills in spec-mandated defaults without mutating the receiver.
func (c Config) sanitized() Config {
	if len(c.PlanLLMs) == 0 {
		c.PlanLLMs = []string{"default"}
	}
	if len(c.ChatLLMs) == 0 {
		c.ChatLLMs = []string{"default"}
	}
	if c.MaxReactNum <= 0 {
		c.MaxReactNum = 30
	}
	return c
}

// Validate checks invariants Load cannot express through struct tags alone:
// a "default" llms entry must exist, and every name referenced by plan_llms
// or chat_llms must resolve to a declared llms entry.
func (c Config) Validate() error {
	if _, ok := c.LLMs["default"]; !ok {
		return fmt.Errorf("taskconfig: llms must declare a \"default\" entry")
	}
	for _, name := range append(append([]string{}, c.PlanLLMs...), c.ChatLLMs...) {
		if _, ok := c.LLMs[name]; !ok {
			return fmt.Errorf("taskconfig: llms has no entry named %q", name)
		}
	}
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("taskconfig: agents[%d] is missing a name", i)
		}
	}
	return nil
}

// Pool builds an llmadapter.Pool over the given names, tried in declared
// order (spec §4.3's provider fallback chain): plan_llms or chat_llms may
// each name more than one llms entry, and the pool falls back through them
// in sequence.
func (c Config) Pool(names []string) (*llmadapter.Pool, error) {
	if len(names) == 0 {
		names = []string{"default"}
	}
	providers := make([]llmadapter.Provider, 0, len(names))
	for _, name := range names {
		e, ok := c.LLMs[name]
		if !ok {
			return nil, fmt.Errorf("taskconfig: llms has no entry named %q", name)
		}
		providers = append(providers, llmadapter.NewOpenAIProvider(e.APIKey, e.BaseURL, e.Model))
	}
	first := c.LLMs[names[0]]
	return llmadapter.NewPool(providers, llmadapter.PoolConfig{
		MaxAttemptsPerProvider: first.MaxAttempts,
		Backoff:                first.Backoff,
		MaxBackoff:             first.MaxBackoff,
	}), nil
}

// PlanPool builds the pool backing planning, replanning, and the replan
// judge from plan_llms.
func (c Config) PlanPool() (*llmadapter.Pool, error) {
	return c.Pool(c.PlanLLMs)
}

// ChatPool builds the pool backing dispatched agents' ReAct turns from
// chat_llms.
func (c Config) ChatPool() (*llmadapter.Pool, error) {
	return c.Pool(c.ChatLLMs)
}

// AgentDescriptors converts the configured agent roster into the shape the
// planner consumes.
func (c Config) AgentDescriptors() []planner.AgentDescriptor {
	out := make([]planner.AgentDescriptor, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, planner.AgentDescriptor{
			Name:        a.Name,
			Description: a.Description,
			ToolNames:   a.Tools,
		})
	}
	return out
}
