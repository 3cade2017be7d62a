package taskconfig

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/tools/exec"
	"github.com/taskmesh/taskmesh/internal/tools/files"
	"github.com/taskmesh/taskmesh/internal/tools/policy"
	"github.com/taskmesh/taskmesh/internal/toolkit"
)

// BuildRegistry constructs the effective tool set for a run (spec §6): the
// native exec and filesystem tools scoped to Tools.Workspace, plus any
// bridged MCP tools from enabled servers, filtered through Tools.Policy.
//
// Building proceeds in two passes rather than registering straight into the
// final registry: every candidate tool (native and MCP-bridged) is first
// registered into a scratch registry so the MCP bridge can tell the
// resolver about each server's tools and aliases (mcp.RegisterToolsWithRegistrar),
// then the resolver's Decide is consulted per candidate to build the
// registry callers actually get back.
//
// The returned *mcp.Manager is nil when MCP is disabled; otherwise the
// caller owns its lifecycle and must call Stop when the run ends. events,
// if non-nil, is attached to the manager so server connect/disconnect
// events land on the same timeline as the rest of a run.
func (c Config) BuildRegistry(ctx context.Context, logger *slog.Logger, events *observability.EventRecorder) (*toolkit.Registry, *mcp.Manager, error) {
	resolver := policy.NewResolver()
	for alias, canonical := range policy.ToolAliases {
		resolver.RegisterAlias(alias, canonical)
	}

	pol := c.Tools.Policy
	if pol == nil {
		pol = policy.GetProfilePolicy(string(policy.ProfileCoding))
	}

	workspace := c.Tools.Workspace
	if workspace == "" {
		workspace = "."
	}
	filesCfg := files.Config{Workspace: workspace, MaxReadBytes: c.Tools.MaxReadBytes}
	execMgr := exec.NewManager(workspace)

	scratch := toolkit.NewRegistry()
	for _, t := range []toolkit.Tool{
		exec.NewExecTool("exec", execMgr),
		exec.NewProcessTool(execMgr),
		files.NewReadTool(filesCfg),
		files.NewWriteTool(filesCfg),
		files.NewEditTool(filesCfg),
		files.NewApplyPatchTool(filesCfg),
	} {
		scratch.Register(t)
	}

	var mgr *mcp.Manager
	if c.MCP.Enabled {
		mgr = mcp.NewManager(&c.MCP, logger)
		mgr.Events = events
		if err := mgr.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("taskconfig: start mcp manager: %w", err)
		}
		mcp.RegisterToolsWithRegistrar(scratch, mgr, resolver)
	}

	registry := toolkit.NewRegistry()
	for _, t := range scratch.All() {
		if resolver.IsAllowed(pol, t.Name()) {
			registry.Register(t)
		}
	}
	return registry, mgr, nil
}
