// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor is the orchestrator's step/plan/dispatch cycle: it
// feeds the Planner's tool calls to a per-run Dispatcher, checkpoints
// progress, persists and fans out log lines, and classifies a run's
// terminal state. Engine-internal errors are caught and fed back into the
// conversation rather than aborting the run (§4.13); only a complete/
// fail/cancel sentinel or an unrecoverable error ends the loop.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/runengine/internal/engine/checkpoint"
	"github.com/tombee/runengine/internal/engine/config"
	"github.com/tombee/runengine/internal/engine/dispatcher"
	"github.com/tombee/runengine/internal/engine/eventbus"
	"github.com/tombee/runengine/internal/engine/executor"
	"github.com/tombee/runengine/internal/engine/policy"
	"github.com/tombee/runengine/internal/engine/resilience"
	"github.com/tombee/runengine/internal/engine/runstore"
	"github.com/tombee/runengine/internal/engine/sandbox"
	"github.com/tombee/runengine/internal/engine/store"
)

// maxStepsWithoutSentinel guards against a misbehaving Planner looping
// forever without ever calling complete/fail/cancel.
const maxStepsWithoutSentinel = 500

// ExecutorFactory returns a configured executor adapter for a vendor. The
// adapter is used as is: its calls do not pass through a resilience.Caller
// or circuit breaker.
type ExecutorFactory func(vendor executor.Vendor) *executor.Adapter

// Supervisor owns run creation and the per-run orchestration loop.
type Supervisor struct {
	db          *store.Store
	bus         *eventbus.Bus
	runs        *runstore.RunStore
	cfg         config.Config
	planner     Planner
	execFactory ExecutorFactory
	logger      *slog.Logger

	checkpoints map[string]*checkpoint.Manager
	breakers    map[string]*resilience.Breaker
}

// Deps bundles a Supervisor's collaborators.
type Deps struct {
	DB          *store.Store
	Bus         *eventbus.Bus
	Runs        *runstore.RunStore
	Config      config.Config
	Planner     Planner
	ExecFactory ExecutorFactory
	Logger      *slog.Logger
}

// New builds a Supervisor.
func New(d Deps) *Supervisor {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		db:          d.DB,
		bus:         d.Bus,
		runs:        d.Runs,
		cfg:         d.Config,
		planner:     d.Planner,
		execFactory: d.ExecFactory,
		logger:      logger,
		checkpoints: make(map[string]*checkpoint.Manager),
		breakers:    make(map[string]*resilience.Breaker),
	}
}

// Launch implements httpapi.Launcher: creates the run row, starts its
// supervisor loop in the background, and returns immediately with the new
// run id.
func (sv *Supervisor) Launch(ctx context.Context, p runstore.CreateParams) (string, error) {
	runCtx, cancel := context.WithTimeout(context.Background(), sv.agentTimeout())
	id, err := sv.runs.Create(ctx, p, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	cm := checkpoint.NewManager(sv.db, checkpoint.ManagerConfig{RunID: id})
	sv.checkpoints[id] = cm

	go sv.runLoop(runCtx, id, p)
	return id, nil
}

func (sv *Supervisor) agentTimeout() time.Duration {
	if sv.cfg.AgentTimeout > 0 {
		return sv.cfg.AgentTimeout
	}
	return 30 * time.Minute
}

// runLoop drives one run from creation to a terminal state.
func (sv *Supervisor) runLoop(ctx context.Context, runID string, p runstore.CreateParams) {
	defer func() {
		if cm, ok := sv.checkpoints[runID]; ok {
			_ = cm.Stop(context.Background())
		}
	}()

	sb, err := sandbox.New(p.RepoPath)
	if err != nil {
		sv.finalizeFailed(runID, fmt.Errorf("construct sandbox: %w", err))
		return
	}
	pol, err := policy.New(policy.Config{Allowlist: sv.cfg.CommandAllowlist, Rule: sv.cfg.CommandRule})
	if err != nil {
		sv.finalizeFailed(runID, fmt.Errorf("construct command policy: %w", err))
		return
	}

	disp := dispatcher.New(runID, sb.Root(), sb, pol, sv.execFactory)

	history := []Turn{
		{Role: "system", Content: "You are the supervising planner for a coding run."},
		{Role: "user", Content: p.UserGoal},
	}

	sv.logEvent(ctx, runID, "info", "supervisor", "run started", nil)

	for step := 0; step < maxStepsWithoutSentinel; step++ {
		select {
		case <-ctx.Done():
			sv.handleInterrupted(runID, ctx.Err())
			return
		default:
		}

		call, err := sv.planner.Plan(ctx, history)
		if err != nil {
			sv.logEvent(ctx, runID, "error", "supervisor", fmt.Sprintf("planner error: %v", err), nil)
			history = append(history, Turn{Role: "tool", Tool: "planner", Content: fmt.Sprintf("error: %v", err)})
			continue
		}

		sv.checkpointStep(runID, history, call.Name)

		result, sentinel := disp.Execute(ctx, call.Name, call.Args)
		sv.recordStep(ctx, runID, call, result)
		history = append(history, Turn{Role: "assistant", Content: fmt.Sprintf("call %s", call.Name)}, toolTurn(call.Name, result))

		if sentinel != nil {
			sv.handleSentinel(ctx, runID, sentinel)
			return
		}
	}

	sv.finalizeFailed(runID, fmt.Errorf("run %s exceeded %d steps without a terminal sentinel", runID, maxStepsWithoutSentinel))
}

func toolTurn(name string, r dispatcher.Result) Turn {
	if r.Success {
		data, _ := json.Marshal(r.Result)
		return Turn{Role: "tool", Tool: name, Content: string(data)}
	}
	return Turn{Role: "tool", Tool: name, Content: "error: " + r.Error}
}

func (sv *Supervisor) recordStep(ctx context.Context, runID string, call ToolCall, result dispatcher.Result) {
	level := "info"
	msg := fmt.Sprintf("tool %s succeeded", call.Name)
	if !result.Success {
		level = "warn"
		msg = fmt.Sprintf("tool %s failed: %s", call.Name, result.Error)
	}
	sv.logEvent(ctx, runID, level, "supervisor", msg, nil)

	argsJSON, _ := json.Marshal(call.Args)
	_ = sv.db.AppendMessage(ctx, store.ConversationMessage{RunID: runID, Role: "tool_call", Content: fmt.Sprintf("%s %s", call.Name, argsJSON)})
}

func (sv *Supervisor) checkpointStep(runID string, history []Turn, phase string) {
	cm, ok := sv.checkpoints[runID]
	if !ok {
		return
	}
	state, _ := json.Marshal(history)
	cm.Update(string(state), phase)
}

// logEvent persists a log row first (the authoritative monotone id) then
// fans it out over the event bus with that same id, per §4.4.
func (sv *Supervisor) logEvent(ctx context.Context, runID, level, source, message string, metadata map[string]any) {
	var metaJSON string
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			metaJSON = string(b)
		}
	}
	id, err := sv.db.InsertLog(ctx, store.LogEntry{RunID: runID, Level: level, Source: source, Message: message, Metadata: metaJSON})
	if err != nil {
		sv.logger.Warn("persist log failed; continuing without durability", "run_id", runID, "error", err)
		sv.bus.Publish(runID, level, source, message, metaJSON)
		return
	}
	sv.bus.PublishWithID(id, runID, level, source, message, metaJSON)
}

func (sv *Supervisor) handleSentinel(ctx context.Context, runID string, s *dispatcher.Sentinel) {
	switch s.Kind {
	case "complete":
		sv.logEvent(ctx, runID, "info", "supervisor", "run completed", nil)
		if _, err := sv.runs.Finalize(ctx, runID, s.Summary, ""); err != nil {
			sv.logger.Error("finalize completed run", "run_id", runID, "error", err)
		}
	case "fail":
		sv.logEvent(ctx, runID, "error", "supervisor", "run failed: "+s.Reason, nil)
		if _, err := sv.runs.Finalize(ctx, runID, "", s.Reason); err != nil {
			sv.logger.Error("finalize failed run", "run_id", runID, "error", err)
		}
	case "cancel":
		sv.logEvent(ctx, runID, "warn", "supervisor", "run cancelled: "+s.Reason, nil)
		if _, err := sv.runs.Finalize(ctx, runID, "", "cancelled: "+s.Reason); err != nil {
			sv.logger.Error("finalize cancelled run", "run_id", runID, "error", err)
		}
	}
	if cm, ok := sv.checkpoints[runID]; ok {
		_ = cm.Cleanup(context.Background())
		delete(sv.checkpoints, runID)
	}
}

func (sv *Supervisor) finalizeFailed(runID string, err error) {
	sv.logger.Error("run failed", "run_id", runID, "error", err)
	if _, ferr := sv.runs.Finalize(context.Background(), runID, "", err.Error()); ferr != nil {
		sv.logger.Error("finalize failed run", "run_id", runID, "error", ferr)
	}
}

func (sv *Supervisor) handleInterrupted(runID string, cause error) {
	sv.logger.Warn("run context ended without a sentinel", "run_id", runID, "cause", cause)
	if cm, ok := sv.checkpoints[runID]; ok {
		_ = cm.Stop(context.Background())
	}
}

// Shutdown stops every live checkpoint manager, used during graceful
// server shutdown.
func (sv *Supervisor) Shutdown(ctx context.Context) {
	for id, cm := range sv.checkpoints {
		_ = cm.Stop(ctx)
		delete(sv.checkpoints, id)
	}
}

// Checkpoints exposes the live checkpoint-manager map for the HTTP front
// door's shutdown sequence.
func (sv *Supervisor) Checkpoints() map[string]*checkpoint.Manager {
	return sv.checkpoints
}

// RunsSnapshot looks up a run's current derived snapshot.
func (sv *Supervisor) RunsSnapshot(runID string) (runstore.Snapshot, error) {
	return sv.runs.Get(context.Background(), runID)
}
