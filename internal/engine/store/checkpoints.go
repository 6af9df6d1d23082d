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

package store

import (
	"context"
	"fmt"
	"time"
)

// Checkpoint is an opaque snapshot of supervisor state for one run/phase.
type Checkpoint struct {
	ID        int64
	RunID     string
	Phase     string
	State     string
	CreatedAt time.Time
}

// defaultCheckpointRetention is how many checkpoints are kept per run
// before older ones are pruned.
const defaultCheckpointRetention = 5

// InsertCheckpoint records a new checkpoint and prunes older ones beyond
// the retention count for that run.
func (s *Store) InsertCheckpoint(ctx context.Context, c Checkpoint) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, phase, state, created_at) VALUES (?, ?, ?, ?)`,
		c.RunID, c.Phase, c.State, nowRFC3339())
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint for run %s: %w", c.RunID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := s.pruneCheckpoints(ctx, c.RunID, defaultCheckpointRetention); err != nil {
		return id, fmt.Errorf("prune checkpoints for run %s: %w", c.RunID, err)
	}
	return id, nil
}

func (s *Store) pruneCheckpoints(ctx context.Context, runID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE run_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC LIMIT ?
		)`, runID, runID, keep)
	return err
}

// LatestCheckpoint returns the most recent checkpoint for a run, if any.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, phase, state, created_at FROM checkpoints
		WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`, runID)
	var c Checkpoint
	var created string
	if err := row.Scan(&c.ID, &c.RunID, &c.Phase, &c.State, &created); err != nil {
		return Checkpoint{}, false, nil
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return c, true, nil
}

// DeleteCheckpoints removes every checkpoint recorded for a run, used on
// normal completion when crash-recovery state is no longer needed.
func (s *Store) DeleteCheckpoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete checkpoints for run %s: %w", runID, err)
	}
	return nil
}

// RunsWithCheckpoints lists distinct run ids that have at least one
// checkpoint, used by the boot-time interrupted-run scan.
func (s *Store) RunsWithCheckpoints(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("list runs with checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
