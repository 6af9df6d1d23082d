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

// Package dispatcher executes the supervisor's fixed tool vocabulary:
// file I/O, command execution, worker spawn/wait/cancel/status, and the
// run-control sentinels complete/fail/cancel.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/runengine/internal/engine/executor"
	"github.com/tombee/runengine/internal/engine/policy"
	"github.com/tombee/runengine/internal/engine/sandbox"
	"github.com/tombee/runengine/internal/engine/workerpool"
)

// Result is what every dispatched tool call returns to the supervisor
// loop.
type Result struct {
	Success bool
	Result  map[string]any
	Error   string
}

// Sentinel is a run-control outcome observed by the supervisor loop:
// complete, fail, or cancel.
type Sentinel struct {
	Kind    string // "complete", "fail", or "cancel"
	Summary string
	Reason  string
}

// mapMutexTimeout bounds how long a tool call may wait to acquire the
// dispatcher's task-map lock before surfacing a deadlock as an error
// rather than hanging the supervisor loop forever.
const mapMutexTimeout = 30 * time.Second

// timeoutMutex is a channel-backed mutex supporting a bounded-wait Lock.
type timeoutMutex chan struct{}

func newTimeoutMutex() timeoutMutex {
	m := make(timeoutMutex, 1)
	m <- struct{}{}
	return m
}

func (m timeoutMutex) Lock(ctx context.Context) error {
	select {
	case <-m:
		return nil
	case <-time.After(mapMutexTimeout):
		return fmt.Errorf("acquire dispatcher lock: timed out after %s", mapMutexTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m timeoutMutex) Unlock() {
	m <- struct{}{}
}

// Dispatcher routes one supervisor run's tool calls.
type Dispatcher struct {
	runID       string
	repoRoot    string
	sandbox     *sandbox.Sandbox
	policy      *policy.Policy
	pool        *workerpool.Pool
	execFn      func(vendor executor.Vendor) *executor.Adapter
	cancelPending bool
	mapMu       timeoutMutex
}

// New builds a Dispatcher for one run, rooted at repoRoot.
func New(runID, repoRoot string, sb *sandbox.Sandbox, pol *policy.Policy, execFor func(executor.Vendor) *executor.Adapter) *Dispatcher {
	d := &Dispatcher{
		runID:    runID,
		repoRoot: repoRoot,
		sandbox:  sb,
		policy:   pol,
		execFn:   execFor,
		mapMu:    newTimeoutMutex(),
	}
	d.pool = workerpool.New(d.runWorker)
	return d
}

func (d *Dispatcher) runWorker(ctx context.Context, order executor.WorkOrder, onOutput func(string)) (executor.WorkReport, error) {
	vendor := order.Vendor
	if vendor == "" {
		vendor = executor.VendorA
	}
	adapter := d.execFn(vendor)
	return adapter.Execute(ctx, order, executor.ExecuteOptions{
		Cwd: d.repoRoot,
		OnMessage: func(m executor.Message) {
			if m.Kind == executor.MessageText && m.Text != "" {
				onOutput(m.Text)
			}
		},
	})
}

// Execute routes a single named tool call. It returns a non-nil *Sentinel
// when name is complete/fail/cancel, signaling the supervisor loop to
// exit the run. Arguments are checked against the tool's declared schema
// before the call is routed; a missing required argument or a type
// mismatch is returned as that tool's own {success:false, error} rather
// than flowing a zero-value default into the handler.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any) (Result, *Sentinel) {
	if err := validateArgs(name, args); err != nil {
		return errResult(err), nil
	}

	switch name {
	case "read_file":
		return d.readFile(args), nil
	case "edit_file":
		return d.editFile(args), nil
	case "list_files":
		return d.listFiles(args), nil
	case "run_command":
		return d.runCommand(ctx, args), nil
	case "spawn_workers":
		return d.spawnWorkers(ctx, args), nil
	case "spawn_workers_async":
		return d.spawnWorkersAsync(ctx, args), nil
	case "wait_workers":
		return d.waitWorkers(ctx, args), nil
	case "get_worker_status":
		return d.getWorkerStatus(ctx, args), nil
	case "get_task_output":
		return d.getTaskOutput(ctx, args), nil
	case "cancel_worker":
		return d.cancelWorker(ctx, args), nil
	case "complete":
		return Result{Success: true}, &Sentinel{Kind: "complete", Summary: stringArg(args, "summary")}
	case "fail":
		return Result{Success: true}, &Sentinel{Kind: "fail", Reason: stringArg(args, "reason")}
	case "cancel":
		d.cancelAll(ctx)
		return Result{Success: true}, &Sentinel{Kind: "cancel", Reason: stringArg(args, "reason")}
	default:
		return Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}
}

func (d *Dispatcher) cancelAll(ctx context.Context) {
	if err := d.mapMu.Lock(ctx); err != nil {
		return
	}
	d.cancelPending = true
	d.mapMu.Unlock()
	d.pool.CancelAll()
}

func errResult(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

