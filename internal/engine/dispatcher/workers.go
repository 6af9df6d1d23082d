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

package dispatcher

import (
	"context"
	"fmt"

	"github.com/tombee/runengine/internal/engine/executor"
	"github.com/tombee/runengine/internal/engine/workerpool"
)

func (d *Dispatcher) taskFromArg(task map[string]any) executor.WorkOrder {
	vendor := executor.VendorA
	if v := stringArg(task, "vendor"); v == string(executor.VendorB) {
		vendor = executor.VendorB
	}
	order := executor.WorkOrder{
		TaskKind:  stringArg(task, "task_kind"),
		Objective: stringArg(task, "objective"),
		RunID:     d.runID,
		Vendor:    vendor,
	}
	if raw, ok := task["acceptance_criteria"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				order.AcceptanceCriteria = append(order.AcceptanceCriteria, s)
			}
		}
	}
	return order
}

// spawnWorkers is the synchronous variant: it blocks until every spawned
// task completes.
func (d *Dispatcher) spawnWorkers(ctx context.Context, args map[string]any) Result {
	if err := d.mapMu.Lock(ctx); err != nil {
		return errResult(err)
	}
	pending := d.cancelPending
	d.mapMu.Unlock()
	if pending {
		return errResult(fmt.Errorf("spawn_workers: run is in cancel-pending state"))
	}

	tasksArg, _ := args["tasks"].([]any)
	var taskIDs []string
	for _, t := range tasksArg {
		taskMap, _ := t.(map[string]any)
		order := d.taskFromArg(taskMap)
		taskIDs = append(taskIDs, d.pool.Spawn(ctx, d.runID, order))
	}

	results, err := d.pool.Wait(ctx, taskIDs)
	if err != nil {
		return errResult(fmt.Errorf("spawn_workers: %w", err))
	}

	out := make([]map[string]any, len(results))
	for i, t := range results {
		out[i] = taskSummary(t)
	}
	return Result{Success: true, Result: map[string]any{"results": out}}
}

// spawnWorkersAsync records each task and returns immediately with only
// the assigned task ids.
func (d *Dispatcher) spawnWorkersAsync(ctx context.Context, args map[string]any) Result {
	if err := d.mapMu.Lock(ctx); err != nil {
		return errResult(err)
	}
	pending := d.cancelPending
	d.mapMu.Unlock()
	if pending {
		return errResult(fmt.Errorf("spawn_workers_async: run is in cancel-pending state"))
	}

	tasksArg, _ := args["tasks"].([]any)
	var taskIDs []string
	for _, t := range tasksArg {
		taskMap, _ := t.(map[string]any)
		order := d.taskFromArg(taskMap)
		taskIDs = append(taskIDs, d.pool.Spawn(ctx, d.runID, order))
	}

	return Result{Success: true, Result: map[string]any{"task_ids": taskIDs}}
}

func (d *Dispatcher) waitWorkers(ctx context.Context, args map[string]any) Result {
	taskIDs := stringSliceArg(args, "task_ids")
	if _, ok := args["task_ids"]; !ok {
		taskIDs = d.pool.RunningIDs()
	}
	results, err := d.pool.Wait(ctx, taskIDs)
	if err != nil {
		return errResult(fmt.Errorf("wait_workers: %w", err))
	}
	out := make([]map[string]any, len(results))
	for i, t := range results {
		out[i] = taskSummary(t)
	}
	return Result{Success: true, Result: map[string]any{"results": out}}
}

func (d *Dispatcher) getWorkerStatus(ctx context.Context, args map[string]any) Result {
	taskIDs := stringSliceArg(args, "task_ids")
	out := make(map[string]any, len(taskIDs))
	for _, id := range taskIDs {
		status, err := d.pool.Status(id)
		if err != nil {
			out[id] = map[string]any{"error": err.Error()}
			continue
		}
		out[id] = string(status)
	}
	return Result{Success: true, Result: map[string]any{"statuses": out}}
}

func (d *Dispatcher) getTaskOutput(ctx context.Context, args map[string]any) Result {
	taskID := stringArg(args, "task_id")
	tail := intArg(args, "tail_lines", 50)

	lines, err := d.pool.Output(taskID)
	if err != nil {
		return errResult(fmt.Errorf("get_task_output: %w", err))
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return Result{Success: true, Result: map[string]any{"output": lines}}
}

func (d *Dispatcher) cancelWorker(ctx context.Context, args map[string]any) Result {
	taskID := stringArg(args, "task_id")
	if err := d.pool.Cancel(taskID); err != nil {
		return errResult(fmt.Errorf("cancel_worker: %w", err))
	}
	return Result{Success: true}
}

func taskSummary(t *workerpool.Task) map[string]any {
	if t == nil {
		return map[string]any{"error": "unknown task"}
	}
	summary := map[string]any{
		"task_id": t.ID,
		"status":  string(t.Status),
		"success": t.Status == workerpool.StatusCompleted,
	}
	if t.Result != nil {
		summary["summary"] = t.Result.Summary
	}
	if t.Err != "" {
		summary["error"] = t.Err
	}
	return summary
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
