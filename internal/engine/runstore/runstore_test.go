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

package runstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runengine/internal/engine/runstore"
	"github.com/tombee/runengine/internal/engine/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunStore_CreateIsRunningThenFinalizeIsCompleted(t *testing.T) {
	db := openStore(t)
	rs := runstore.New(db)
	ctx := context.Background()

	id, err := rs.Create(ctx, runstore.CreateParams{UserGoal: "goal", RepoPath: "/repo", Mode: "implementation"}, func() {})
	require.NoError(t, err)

	snap, err := rs.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusRunning, snap.Status)

	won, err := rs.Finalize(ctx, id, "all done", "")
	require.NoError(t, err)
	require.True(t, won)

	snap, err = rs.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusCompleted, snap.Status)
}

func TestRunStore_FinalizeFirstWriterWins(t *testing.T) {
	db := openStore(t)
	rs := runstore.New(db)
	ctx := context.Background()

	id, err := rs.Create(ctx, runstore.CreateParams{UserGoal: "g", RepoPath: "/r", Mode: "spec"}, func() {})
	require.NoError(t, err)

	won1, err := rs.Finalize(ctx, id, "first report", "")
	require.NoError(t, err)
	require.True(t, won1)

	won2, err := rs.Finalize(ctx, id, "", "second error")
	require.NoError(t, err)
	require.False(t, won2)

	snap, err := rs.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "first report", snap.FinalReport)
	require.Empty(t, snap.Error)
}

func TestRunStore_NoLiveEntryIsInterrupted(t *testing.T) {
	db := openStore(t)
	rs := runstore.New(db)
	ctx := context.Background()

	require.NoError(t, db.InsertRun(ctx, store.Run{ID: "orphan", UserGoal: "g", RepoPath: "/r", Mode: "spec"}))

	snap, err := rs.Get(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, runstore.StatusInterrupted, snap.Status)
}

func TestRunStore_CancelFiresLiveCancelFunc(t *testing.T) {
	db := openStore(t)
	rs := runstore.New(db)
	ctx := context.Background()

	fired := false
	id, err := rs.Create(ctx, runstore.CreateParams{UserGoal: "g", RepoPath: "/r", Mode: "spec"}, func() { fired = true })
	require.NoError(t, err)

	require.True(t, rs.Cancel(id))
	require.True(t, fired)
	require.False(t, rs.Cancel("no-such-run"))
}

func TestRunStore_DeleteRefusesLiveRun(t *testing.T) {
	db := openStore(t)
	rs := runstore.New(db)
	ctx := context.Background()

	id, err := rs.Create(ctx, runstore.CreateParams{UserGoal: "g", RepoPath: "/r", Mode: "spec"}, func() {})
	require.NoError(t, err)

	err = rs.Delete(ctx, id)
	require.Error(t, err)

	_, err = rs.Finalize(ctx, id, "done", "")
	require.NoError(t, err)
	require.NoError(t, rs.Delete(ctx, id))
}

// TestRunStore_ReclassifyInterrupted is P8: a run row with a checkpoint and
// no terminal field gets an error set and a derived failed/interrupted
// status after startup reclassification.
func TestRunStore_ReclassifyInterrupted(t *testing.T) {
	db := openStore(t)
	rs := runstore.New(db)
	ctx := context.Background()

	require.NoError(t, db.InsertRun(ctx, store.Run{ID: "r1", UserGoal: "g", RepoPath: "/r", Mode: "spec"}))
	_, err := db.InsertCheckpoint(ctx, store.Checkpoint{RunID: "r1", Phase: "planning", State: "{}"})
	require.NoError(t, err)

	ids, err := rs.ReclassifyInterrupted(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "r1")

	snap, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotEmpty(t, snap.Error)
	require.Contains(t, snap.Error, "planning")
	require.Equal(t, runstore.StatusFailed, snap.Status)
}

func TestRunStore_ListMergesLiveAndPersisted(t *testing.T) {
	db := openStore(t)
	rs := runstore.New(db)
	ctx := context.Background()

	id1, err := rs.Create(ctx, runstore.CreateParams{ProjectID: "p1", UserGoal: "a", RepoPath: "/r", Mode: "spec"}, func() {})
	require.NoError(t, err)
	_, err = rs.Finalize(ctx, id1, "done", "")
	require.NoError(t, err)

	id2, err := rs.Create(ctx, runstore.CreateParams{ProjectID: "p1", UserGoal: "b", RepoPath: "/r", Mode: "spec"}, func() {})
	require.NoError(t, err)

	snaps, err := rs.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	byID := map[string]runstore.Status{}
	for _, s := range snaps {
		byID[s.ID] = s.Status
	}
	require.Equal(t, runstore.StatusCompleted, byID[id1])
	require.Equal(t, runstore.StatusRunning, byID[id2])
}
