package taskconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_FillsDefaultsAndValidates(t *testing.T) {
	path := writeConfig(t, `
llms:
  default:
    api_key: sk-test
    base_url: https://api.openai.com/v1
    model: gpt-4o-mini
agents:
  - name: Researcher
    description: gathers background information
    tools: ["web_search"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"default"}, cfg.PlanLLMs)
	require.Equal(t, []string{"default"}, cfg.ChatLLMs)
	require.Equal(t, 30, cfg.MaxReactNum)
	require.Len(t, cfg.Agents, 1)
}

func TestLoad_RejectsMissingDefaultLLM(t *testing.T) {
	path := writeConfig(t, `
llms:
  secondary:
    api_key: sk-test
    model: gpt-4o-mini
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "default")
}

func TestLoad_RejectsPlanLLMsReferencingUnknownEntry(t *testing.T) {
	path := writeConfig(t, `
llms:
  default:
    api_key: sk-test
    model: gpt-4o-mini
plan_llms: ["ghost"]
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
llms:
  default:
    api_key: sk-test
    model: gpt-4o-mini
bogus_field: true
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ResolvesIncludeDirective(t *testing.T) {
	dir := t.TempDir()
	agentsPath := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(agentsPath, []byte(`
agents:
  - name: Writer
    description: drafts the final answer
`), 0o644))

	mainPath := filepath.Join(dir, "main.yaml")
	require.NoError(t, os.WriteFile(mainPath, []byte(`
$include: agents.yaml
llms:
  default:
    api_key: sk-test
    model: gpt-4o-mini
`), 0o644))

	cfg, err := Load(mainPath)
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 1)
	require.Equal(t, "Writer", cfg.Agents[0].Name)
}

func TestPool_BuildsFallbackChainFromNamedEntries(t *testing.T) {
	cfg := Config{
		LLMs: map[string]LLMEntry{
			"default":  {APIKey: "sk-a", Model: "gpt-4o-mini"},
			"fallback": {APIKey: "sk-b", Model: "gpt-4o"},
		},
		PlanLLMs: []string{"default", "fallback"},
	}.sanitized()
	require.NoError(t, cfg.Validate())

	pool, err := cfg.PlanPool()
	require.NoError(t, err)
	require.NotNil(t, pool)
}

func TestAgentDescriptors_ConvertsConfiguredRoster(t *testing.T) {
	cfg := Config{
		LLMs: map[string]LLMEntry{"default": {Model: "gpt-4o-mini"}},
		Agents: []AgentEntry{
			{Name: "Researcher", Description: "gathers info", Tools: []string{"web_search"}},
		},
	}

	descs := cfg.AgentDescriptors()
	require.Len(t, descs, 1)
	require.Equal(t, "Researcher", descs[0].Name)
	require.Equal(t, []string{"web_search"}, descs[0].ToolNames)
}
