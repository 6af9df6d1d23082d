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

package supervisor_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runengine/internal/engine/config"
	"github.com/tombee/runengine/internal/engine/eventbus"
	"github.com/tombee/runengine/internal/engine/executor"
	"github.com/tombee/runengine/internal/engine/runstore"
	"github.com/tombee/runengine/internal/engine/store"
	"github.com/tombee/runengine/internal/engine/supervisor"
)

func newTestSupervisor(t *testing.T, planner supervisor.Planner) (*supervisor.Supervisor, string) {
	t.Helper()
	repoRoot := t.TempDir()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runs := runstore.New(db)
	sv := supervisor.New(supervisor.Deps{
		DB:      db,
		Bus:     eventbus.New(),
		Runs:    runs,
		Config:  config.Default(),
		Planner: planner,
		ExecFactory: func(vendor executor.Vendor) *executor.Adapter {
			return executor.New(vendor, "true", "test-model")
		},
	})
	return sv, repoRoot
}

// scriptedPlanner replays a fixed sequence of tool calls, one per Plan call.
func scriptedPlanner(calls []supervisor.ToolCall) supervisor.Planner {
	var i int64
	return supervisor.PlannerFunc(func(ctx context.Context, history []supervisor.Turn) (supervisor.ToolCall, error) {
		idx := atomic.AddInt64(&i, 1) - 1
		if int(idx) >= len(calls) {
			return supervisor.ToolCall{Name: "complete", Args: map[string]any{"summary": "done"}}, nil
		}
		return calls[idx], nil
	})
}

func TestSupervisor_RunCompletesOnCompleteSentinel(t *testing.T) {
	planner := scriptedPlanner([]supervisor.ToolCall{
		{Name: "complete", Args: map[string]any{"summary": "all done"}},
	})
	sv, repoRoot := newTestSupervisor(t, planner)

	id, err := sv.Launch(context.Background(), runstore.CreateParams{
		UserGoal: "do the thing", RepoPath: repoRoot, Mode: "implementation",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := sv.RunsSnapshot(id)
		return err == nil && snap.Status == runstore.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_RunFailsOnFailSentinel(t *testing.T) {
	planner := scriptedPlanner([]supervisor.ToolCall{
		{Name: "fail", Args: map[string]any{"reason": "could not proceed"}},
	})
	sv, repoRoot := newTestSupervisor(t, planner)

	id, err := sv.Launch(context.Background(), runstore.CreateParams{
		UserGoal: "do the thing", RepoPath: repoRoot, Mode: "implementation",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := sv.RunsSnapshot(id)
		return err == nil && snap.Status == runstore.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_CheckpointCleanedUpAfterCompletion(t *testing.T) {
	planner := scriptedPlanner([]supervisor.ToolCall{
		{Name: "complete", Args: map[string]any{"summary": "all done"}},
	})
	sv, repoRoot := newTestSupervisor(t, planner)

	id, err := sv.Launch(context.Background(), runstore.CreateParams{
		UserGoal: "do the thing", RepoPath: repoRoot, Mode: "implementation",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, stillTracked := sv.Checkpoints()[id]
		return !stillTracked
	}, 2*time.Second, 10*time.Millisecond)
}
