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
)

// OrphanedRunIDs returns distinct run_ids with log rows but no matching
// runs row, the result of an abrupt restart before the run row was
// inserted or after the run row was purged.
func (s *Store) OrphanedRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT rl.run_id FROM run_logs rl
		LEFT JOIN runs r ON r.id = rl.run_id
		WHERE r.id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list orphaned run ids: %w", err)
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

// DeleteOrphanedLogs removes every run_logs row for runID, used when a
// client discards an orphaned session.
func (s *Store) DeleteOrphanedLogs(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_logs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete orphaned logs for run %s: %w", runID, err)
	}
	return nil
}
