// Package main provides the CLI entry point for taskmesh, the planned
// multi-agent task orchestrator described in the package-level docs under
// internal/orchestrator.
//
// # Basic Usage
//
// Run a task against a planned workflow:
//
//	taskmesh run --config taskmesh.yaml "summarize README.md"
//
// List the tools a config would expose to agents:
//
//	taskmesh tools --config taskmesh.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/internal/taskconfig"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "taskmesh",
		Short:        "taskmesh - planned multi-agent task orchestrator",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd(), buildToolsCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	var configPath string
	var agentOnly string
	var chatID string
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Plan and run a task, streaming agent events to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := args[0]
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := taskconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			runLogger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})
			events := observability.NewEventRecorder(observability.NewMemoryEventStore(0), runLogger)

			registry, mgr, err := cfg.BuildRegistry(ctx, slog.Default(), events)
			if err != nil {
				return fmt.Errorf("build tool registry: %w", err)
			}
			if mgr != nil {
				defer func() { _ = mgr.Stop() }()
			}

			pool, err := cfg.ChatPool()
			if err != nil {
				return fmt.Errorf("build chat pool: %w", err)
			}
			planPool, err := cfg.PlanPool()
			if err != nil {
				return fmt.Errorf("build plan pool: %w", err)
			}

			orch := orchestrator.New(orchestrator.Config{
				Pool:        pool,
				PlanPool:    planPool,
				Registry:    registry,
				Agents:      cfg.AgentDescriptors(),
				MaxReactNum: cfg.MaxReactNum,
				MaxTokens:   cfg.MaxTokens,
				Logger:      runLogger,
				Events:      events,
			})

			out := cmd.OutOrStdout()
			taskID := uuid.NewString()
			emit := func(msg orchestrator.StreamMessage) {
				line, err := json.Marshal(map[string]any{
					"type":         msg.Type,
					"agent":        msg.AgentName,
					"text":         msg.Text,
					"tool_call_id": msg.ToolCallID,
					"tool_name":    msg.ToolName,
					"args_delta":   msg.ArgsDelta,
				})
				if err != nil {
					return
				}
				fmt.Fprintln(out, string(line))
			}

			var result orchestrator.Result
			if strings.TrimSpace(agentOnly) != "" {
				result, err = orch.RunWithSingleAgent(ctx, taskID, chatID, agentOnly, prompt, emit)
			} else {
				result, err = orch.Run(ctx, taskID, chatID, prompt, emit)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, result.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskmesh.yaml", "path to the taskconfig YAML/JSON5 file")
	cmd.Flags().StringVar(&agentOnly, "agent", "", "bypass planning and run this single agent directly")
	cmd.Flags().StringVar(&chatID, "chat-id", "cli", "chat id attached to the emitted stream events")
	return cmd
}

func buildToolsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools a config's policy exposes to agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := taskconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			registry, mgr, err := cfg.BuildRegistry(ctx, slog.Default(), nil)
			if err != nil {
				return fmt.Errorf("build tool registry: %w", err)
			}
			if mgr != nil {
				defer func() { _ = mgr.Stop() }()
			}

			out := cmd.OutOrStdout()
			for _, t := range registry.All() {
				fmt.Fprintf(out, "%s\t%s\n", t.Name(), t.Description())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taskmesh.yaml", "path to the taskconfig YAML/JSON5 file")
	return cmd
}
