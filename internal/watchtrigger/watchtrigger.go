// Package watchtrigger backs the `<watch event="fs|cron" loop="...">` node
// kind (spec §3's WorkflowAgent node kinds, spec §9's "Watch node: a reactive
// sub-plan that fires on an external event") with two concrete external-event
// sources an agent can block on via a tool call: a filesystem change (fsnotify)
// and a cron schedule tick (robfig/cron/v3).
//
// The node tree itself is prompt content the agent reasons over, not
// something the orchestrator walks structurally (see internal/react's
// package doc): a <watch> node tells the planning LLM to call this package's
// Tool, inspect whether it fired, and decide from its own "loop" instruction
// whether to call it again. Grounded on the teacher's internal/skills.Manager
// watch loop (fsnotify.Watcher, debounced refresh, context-cancellable).
package watchtrigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/taskmesh/taskmesh/internal/agentctx"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Trigger waits for exactly one occurrence of an external event.
type Trigger interface {
	Wait(ctx context.Context) error
}

// FSTrigger fires the first time Path changes (create, write, remove, or
// rename), debounced so a burst of writes collapses into a single fire.
type FSTrigger struct {
	Path     string
	Debounce time.Duration
}

// Wait blocks until a qualifying filesystem event arrives under Path, ctx is
// cancelled, or the watcher itself errors.
func (t *FSTrigger) Wait(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watchtrigger: creating fs watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(t.Path); err != nil {
		return fmt.Errorf("watchtrigger: watching %q: %w", t.Path, err)
	}

	debounce := t.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var timer *time.Timer
	fired := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watchtrigger: watcher closed for %q", t.Path)
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fired <- struct{}{}:
				default:
				}
			})
		case werr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watchtrigger: watcher closed for %q", t.Path)
			}
			return fmt.Errorf("watchtrigger: fs watch error on %q: %w", t.Path, werr)
		case <-fired:
			return nil
		}
	}
}

// CronTrigger fires at the next tick of a standard five-field cron schedule.
type CronTrigger struct {
	Schedule string
}

// Wait blocks until the schedule's next tick or ctx is cancelled.
func (t *CronTrigger) Wait(ctx context.Context) error {
	sched, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return fmt.Errorf("watchtrigger: parsing cron schedule %q: %w", t.Schedule, err)
	}

	now := time.Now()
	next := sched.Next(now)
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Args is the JSON shape a <watch> node's planner-emitted tool call supplies.
type Args struct {
	Event    string `json:"event"`              // "fs" | "cron"
	Path     string `json:"path,omitempty"`      // required for event="fs"
	Schedule string `json:"schedule,omitempty"`  // required for event="cron"
}

// ParamsSchema is the JSON-Schema draft-07 document describing Args.
var ParamsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"event": {"type": "string", "enum": ["fs", "cron"]},
		"path": {"type": "string"},
		"schedule": {"type": "string"}
	},
	"required": ["event"]
}`)

// Tool implements toolkit.Tool, waiting once for whichever event kind the
// caller names and reporting whether it fired before the context ended.
type Tool struct{}

// New returns a watch Tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string               { return "watch" }
func (t *Tool) Description() string        { return "blocks until a filesystem change or cron tick fires, then returns" }
func (t *Tool) Parameters() json.RawMessage { return ParamsSchema }
func (t *Tool) NoPlan() bool                { return false }

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage, agentCtx *agentctx.Context, call models.ToolCall) (models.ToolResult, error) {
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return models.ErrorResult(call.ID, fmt.Sprintf("watch: invalid arguments: %v", err)), nil
	}

	var trig Trigger
	switch args.Event {
	case "fs":
		if args.Path == "" {
			return models.ErrorResult(call.ID, "watch: event=\"fs\" requires path"), nil
		}
		trig = &FSTrigger{Path: args.Path}
	case "cron":
		if args.Schedule == "" {
			return models.ErrorResult(call.ID, "watch: event=\"cron\" requires schedule"), nil
		}
		trig = &CronTrigger{Schedule: args.Schedule}
	default:
		return models.ErrorResult(call.ID, fmt.Sprintf("watch: unknown event kind %q", args.Event)), nil
	}

	if err := trig.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return models.TextResult(call.ID, "watch: cancelled before firing"), nil
		}
		return models.ErrorResult(call.ID, err.Error()), nil
	}
	return models.TextResult(call.ID, fmt.Sprintf("watch: %s event fired", args.Event)), nil
}
