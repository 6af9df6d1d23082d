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

// Package runstore is C9: the in-memory view of running runs layered over
// the durable SQLite record, deriving status purely from persisted fields
// plus liveness rather than storing a status column (Open Question 1 in
// DESIGN.md).
package runstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/runengine/internal/engine/store"
	engineerrors "github.com/tombee/runengine/pkg/errors"
)

// Status is the derived run status per §3: completed iff FinalReport is
// set, else failed iff Error is set, else running iff a live future
// exists, else interrupted.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
)

// liveRun tracks a run with an in-flight supervisor loop.
type liveRun struct {
	projectID string
	userGoal  string
	repoPath  string
	mode      string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Snapshot is a Run plus its derived status, returned from Get/List.
type Snapshot struct {
	store.Run
	Status Status
	Cost   store.RunCost
}

// RunStore is the process-wide registry of live and persisted runs.
type RunStore struct {
	db *store.Store

	mu   sync.Mutex
	live map[string]*liveRun
}

// New builds a RunStore backed by db.
func New(db *store.Store) *RunStore {
	return &RunStore{db: db, live: make(map[string]*liveRun)}
}

// CreateParams describes a new run request.
type CreateParams struct {
	ProjectID     string
	UserGoal      string
	RepoPath      string
	Mode          string
	CorrelationID string
}

// Create inserts the placeholder run row and registers it as live,
// returning the new run id. cancel is the supervisor loop's cancellation
// function, invoked by Cancel.
func (rs *RunStore) Create(ctx context.Context, p CreateParams, cancel context.CancelFunc) (string, error) {
	id := uuid.New().String()
	r := store.Run{
		ID:            id,
		ProjectID:     p.ProjectID,
		UserGoal:      p.UserGoal,
		RepoPath:      p.RepoPath,
		Mode:          p.Mode,
		CorrelationID: p.CorrelationID,
	}
	if err := rs.db.InsertRun(ctx, r); err != nil {
		return "", err
	}

	rs.mu.Lock()
	rs.live[id] = &liveRun{
		projectID: p.ProjectID,
		userGoal:  p.UserGoal,
		repoPath:  p.RepoPath,
		mode:      p.Mode,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	rs.mu.Unlock()
	return id, nil
}

// UpdateProgress persists a progress blob for a still-live run.
func (rs *RunStore) UpdateProgress(ctx context.Context, runID, progress string) error {
	return rs.db.UpdateProgress(ctx, runID, progress)
}

// Finalize writes the run's terminal state (first writer wins, I5) and
// clears it from the live table regardless of whether this call actually
// won the race, since either way the run is no longer in flight.
func (rs *RunStore) Finalize(ctx context.Context, runID, finalReport, runErr string) (bool, error) {
	won, err := rs.db.FinalizeRun(ctx, runID, finalReport, runErr)
	rs.unregister(runID)
	return won, err
}

// MarkFailed is Finalize with an empty final report, used when the
// supervisor loop exits via an unrecoverable engine error rather than an
// explicit fail() tool call.
func (rs *RunStore) MarkFailed(ctx context.Context, runID string, err error) error {
	_, ferr := rs.Finalize(ctx, runID, "", err.Error())
	return ferr
}

// Cancel fires the live run's cancellation function, if it is still live.
// It does not itself finalize the run; the supervisor loop observes the
// cancelled context and calls Finalize.
func (rs *RunStore) Cancel(runID string) bool {
	rs.mu.Lock()
	lr, ok := rs.live[runID]
	rs.mu.Unlock()
	if !ok {
		return false
	}
	lr.cancel()
	return true
}

func (rs *RunStore) unregister(runID string) {
	rs.mu.Lock()
	delete(rs.live, runID)
	rs.mu.Unlock()
}

func (rs *RunStore) isLive(runID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.live[runID]
	return ok
}

// LiveRunIDs returns every run id with a live supervisor loop, used for
// the boot-time interrupted-run scan (only ever empty at boot, since
// nothing is live yet, but kept general for tests).
func (rs *RunStore) LiveRunIDs() map[string]struct{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string]struct{}, len(rs.live))
	for id := range rs.live {
		out[id] = struct{}{}
	}
	return out
}

// DeriveStatus computes a Run's status from its persisted fields plus
// liveness, per §3's derivation rule.
func DeriveStatus(r store.Run, live bool) Status {
	switch {
	case r.FinalReport != "":
		return StatusCompleted
	case r.Error != "":
		return StatusFailed
	case live:
		return StatusRunning
	default:
		return StatusInterrupted
	}
}

func (rs *RunStore) snapshot(ctx context.Context, r store.Run) Snapshot {
	cost, _ := rs.db.RunCostAggregate(ctx, r.ID)
	return Snapshot{Run: r, Status: DeriveStatus(r, rs.isLive(r.ID)), Cost: cost}
}

// Get returns a single run's snapshot.
func (rs *RunStore) Get(ctx context.Context, runID string) (Snapshot, error) {
	r, err := rs.db.GetRun(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	return rs.snapshot(ctx, r), nil
}

// List returns up to the 100 most recently created persisted runs (only
// projectID's when it is non-empty), newest first, each with its status
// derived from its persisted fields plus liveness. Live runs appear through
// their placeholder rows; the live table is not merged in separately, so a
// live run older than the 100 most recent rows is not included.
func (rs *RunStore) List(ctx context.Context, projectID string) ([]Snapshot, error) {
	rows, err := rs.db.ListRuns(ctx, projectID, 100)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, rs.snapshot(ctx, r))
	}
	return out, nil
}

// Delete removes a run's persisted state. It refuses to delete a run that
// is still live (InvalidRunStateError); cancel it first.
func (rs *RunStore) Delete(ctx context.Context, runID string) error {
	if rs.isLive(runID) {
		return &engineerrors.InvalidRunStateError{RunID: runID, State: "running", Operation: "delete"}
	}
	return rs.db.DeleteRun(ctx, runID)
}

// ReclassifyInterrupted marks every run that has no terminal state and no
// live entry as interrupted by setting its error; for runs that also have a
// checkpoint the message names the last checkpoint phase. Called once at
// process startup, before any run is live.
func (rs *RunStore) ReclassifyInterrupted(ctx context.Context) ([]string, error) {
	withCheckpoints, err := rs.db.RunsWithCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("reclassify interrupted runs: %w", err)
	}
	checkpointed := make(map[string]struct{}, len(withCheckpoints))
	for _, id := range withCheckpoints {
		checkpointed[id] = struct{}{}
	}

	interrupted, err := rs.db.MarkInterrupted(ctx, rs.LiveRunIDs())
	if err != nil {
		return nil, err
	}

	for _, id := range interrupted {
		if _, ok := checkpointed[id]; !ok {
			continue
		}
		cp, found, err := rs.db.LatestCheckpoint(ctx, id)
		if err != nil || !found {
			continue
		}
		_ = rs.reclassifyWithPhase(ctx, id, cp.Phase)
	}
	return interrupted, nil
}

// reclassifyWithPhase overwrites the generic interrupted message written by
// store.MarkInterrupted with one naming the last checkpoint phase, per
// §4.3's startup contract ("last phase: <phase>").
func (rs *RunStore) reclassifyWithPhase(ctx context.Context, runID, phase string) error {
	r, err := rs.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Error == "" {
		return nil
	}
	msg := fmt.Sprintf("interrupted (server restart), last phase: %s", phase)
	return rs.db.OverwriteInterruptedError(ctx, runID, msg)
}
