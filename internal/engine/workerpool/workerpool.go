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

// Package workerpool tracks asynchronous executor invocations keyed by
// task id: spawn, await, cancel, status, and bounded per-task output.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/runengine/internal/engine/executor"
	engineerrors "github.com/tombee/runengine/pkg/errors"
)

// Status is an AsyncTask's lifecycle state (I3: running transitions to
// exactly one terminal state, never reverses).
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	defaultOutputRingCap   = 1000
	outputRingTrimFactor   = 1.2
	defaultCompletedCap    = 100
)

// Task is one spawned unit of work wrapping an executor invocation.
type Task struct {
	ID          string
	RunID       string
	WorkOrder   executor.WorkOrder
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *executor.WorkReport
	Err         string

	cancel     context.CancelFunc
	outputRing []string
	mu         sync.Mutex
}

// AppendOutput adds a line to the task's bounded output ring, trimming to
// the configured cap once the ring grows past outputRingTrimFactor× cap.
func (t *Task) AppendOutput(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outputRing = append(t.outputRing, line)
	if float64(len(t.outputRing)) > float64(defaultOutputRingCap)*outputRingTrimFactor {
		excess := len(t.outputRing) - defaultOutputRingCap
		t.outputRing = t.outputRing[excess:]
	}
}

// Output returns a snapshot of the task's buffered output lines.
func (t *Task) Output() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.outputRing))
	copy(out, t.outputRing)
	return out
}

// Pool is the in-memory task map for one running supervisor.
type Pool struct {
	mu           sync.Mutex
	tasks        map[string]*Task
	completedIDs []string
	exec         func(ctx context.Context, order executor.WorkOrder, onOutput func(string)) (executor.WorkReport, error)
}

// New builds a Pool. execFn performs the actual executor invocation; it is
// injected so the pool itself stays free of vendor-specific wiring.
func New(execFn func(ctx context.Context, order executor.WorkOrder, onOutput func(string)) (executor.WorkReport, error)) *Pool {
	return &Pool{
		tasks: make(map[string]*Task),
		exec:  execFn,
	}
}

// Spawn starts order asynchronously and returns the new task's id
// immediately.
func (p *Pool) Spawn(ctx context.Context, runID string, order executor.WorkOrder) string {
	taskID := uuid.New().String()
	taskCtx, cancel := context.WithCancel(ctx)

	task := &Task{
		ID:        taskID,
		RunID:     runID,
		WorkOrder: order,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	p.mu.Lock()
	p.tasks[taskID] = task
	p.mu.Unlock()

	go p.run(taskCtx, task)

	return taskID
}

func (p *Pool) run(ctx context.Context, task *Task) {
	report, err := p.exec(ctx, task.WorkOrder, task.AppendOutput)

	p.mu.Lock()
	defer p.mu.Unlock()

	if task.Status != StatusRunning {
		return
	}

	switch {
	case ctx.Err() != nil && err != nil:
		task.Status = StatusCancelled
	case err != nil:
		task.Status = StatusFailed
		task.Err = err.Error()
	case report.Status == executor.StatusFailed:
		task.Status = StatusFailed
		if report.Error != nil {
			task.Err = report.Error.Message
		}
		task.Result = &report
	default:
		task.Status = StatusCompleted
		task.Result = &report
	}
	task.CompletedAt = time.Now()
	p.retainCompletedLocked(task.ID)
}

// retainCompletedLocked evicts the oldest completed/failed/cancelled task
// beyond defaultCompletedCap. Caller must hold p.mu.
func (p *Pool) retainCompletedLocked(taskID string) {
	p.completedIDs = append(p.completedIDs, taskID)
	if len(p.completedIDs) <= defaultCompletedCap {
		return
	}
	evictID := p.completedIDs[0]
	p.completedIDs = p.completedIDs[1:]
	delete(p.tasks, evictID)
}

// Status returns a task's current status, or an error if unknown.
func (p *Pool) Status(taskID string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("task %s: %w", taskID, &engineerrors.NotFoundError{Resource: "task", ID: taskID})
	}
	return task.Status, nil
}

// Output returns a task's buffered output lines.
func (p *Pool) Output(taskID string) ([]string, error) {
	p.mu.Lock()
	task, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, &engineerrors.NotFoundError{Resource: "task", ID: taskID})
	}
	return task.Output(), nil
}

// Cancel requests cancellation of a running task. It marks the task
// Cancelled synchronously under the map lock (the cancel_worker tool
// contract is "fire the token, mark cancelled, do not wait" — the task's
// own goroutine may still be unwinding, but a status query issued right
// after Cancel returns must never observe a stale "running"). It is a
// no-op if the task is already in a terminal state.
func (p *Pool) Cancel(taskID string) error {
	p.mu.Lock()
	task, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, &engineerrors.NotFoundError{Resource: "task", ID: taskID})
	}
	wasRunning := task.Status == StatusRunning
	if wasRunning {
		task.Status = StatusCancelled
		task.CompletedAt = time.Now()
		p.retainCompletedLocked(task.ID)
	}
	p.mu.Unlock()
	if wasRunning {
		task.cancel()
	}
	return nil
}

// RunningIDs returns the ids of every task still in StatusRunning, for
// wait_workers calls that omit an explicit task id list.
func (p *Pool) RunningIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, t := range p.tasks {
		if t.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// CancelAll fires the cancel token of every currently running task and
// marks each Cancelled synchronously, used when a run is cancelled
// outright (P5).
func (p *Pool) CancelAll() {
	p.mu.Lock()
	var running []*Task
	for _, t := range p.tasks {
		if t.Status == StatusRunning {
			t.Status = StatusCancelled
			t.CompletedAt = time.Now()
			p.retainCompletedLocked(t.ID)
			running = append(running, t)
		}
	}
	p.mu.Unlock()
	for _, t := range running {
		t.cancel()
	}
}

// Wait blocks until every named task reaches a terminal state or ctx is
// cancelled, then returns their results (nil entries for any unknown id).
func (p *Pool) Wait(ctx context.Context, taskIDs []string) ([]*Task, error) {
	results := make([]*Task, len(taskIDs))
	for {
		allDone := true
		for i, id := range taskIDs {
			p.mu.Lock()
			task, ok := p.tasks[id]
			if ok {
				results[i] = task
				if task.Status == StatusRunning {
					allDone = false
				}
			}
			p.mu.Unlock()
		}
		if allDone {
			return results, nil
		}
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
