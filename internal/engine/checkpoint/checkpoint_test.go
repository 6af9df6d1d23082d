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

package checkpoint_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runengine/internal/engine/checkpoint"
	"github.com/tombee/runengine/internal/engine/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestManager_SaveNowPersists(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRun(ctx, store.Run{ID: "r1", UserGoal: "g", RepoPath: "/r", Mode: "spec"}))

	m := checkpoint.NewManager(db, checkpoint.ManagerConfig{RunID: "r1", Interval: time.Hour})
	m.Update(`{"foo":"bar"}`, "planning")
	require.NoError(t, m.SaveNow(ctx))

	cp, found, err := checkpoint.Load(ctx, db, "r1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "planning", cp.Phase)
	require.Equal(t, `{"foo":"bar"}`, cp.State)

	require.NoError(t, m.Stop(ctx))
}

func TestManager_SaveNowIsNoopWhenClean(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRun(ctx, store.Run{ID: "r1", UserGoal: "g", RepoPath: "/r", Mode: "spec"}))

	m := checkpoint.NewManager(db, checkpoint.ManagerConfig{RunID: "r1", Interval: time.Hour})
	require.NoError(t, m.SaveNow(ctx))

	_, found, err := checkpoint.Load(ctx, db, "r1")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, m.Stop(ctx))
}

func TestManager_StopWritesFinalCheckpoint(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRun(ctx, store.Run{ID: "r1", UserGoal: "g", RepoPath: "/r", Mode: "spec"}))

	m := checkpoint.NewManager(db, checkpoint.ManagerConfig{RunID: "r1", Interval: time.Hour})
	m.Update(`{"x":1}`, "execution")
	require.NoError(t, m.Stop(ctx))

	cp, found, err := checkpoint.Load(ctx, db, "r1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "execution", cp.Phase)

	// Stop is idempotent.
	require.NoError(t, m.Stop(ctx))
}

func TestManager_CleanupDeletesCheckpoints(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRun(ctx, store.Run{ID: "r1", UserGoal: "g", RepoPath: "/r", Mode: "spec"}))

	m := checkpoint.NewManager(db, checkpoint.ManagerConfig{RunID: "r1", Interval: time.Hour})
	m.Update(`{}`, "planning")
	require.NoError(t, m.SaveNow(ctx))
	require.NoError(t, m.Cleanup(ctx))

	_, found, err := checkpoint.Load(ctx, db, "r1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestManager_PeriodicFlush(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRun(ctx, store.Run{ID: "r1", UserGoal: "g", RepoPath: "/r", Mode: "spec"}))

	m := checkpoint.NewManager(db, checkpoint.ManagerConfig{RunID: "r1", Interval: 20 * time.Millisecond})
	m.Update(`{"tick":1}`, "planning")

	require.Eventually(t, func() bool {
		_, found, err := checkpoint.Load(ctx, db, "r1")
		return err == nil && found
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop(ctx))
}

func TestListInterrupted(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRun(ctx, store.Run{ID: "r1", UserGoal: "g", RepoPath: "/r", Mode: "spec"}))
	_, err := db.InsertCheckpoint(ctx, store.Checkpoint{RunID: "r1", Phase: "planning", State: "{}"})
	require.NoError(t, err)

	ids, err := checkpoint.ListInterrupted(ctx, db)
	require.NoError(t, err)
	require.Contains(t, ids, "r1")
}
