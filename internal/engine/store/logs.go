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

// LogEntry is a single persisted log line. ID is assigned by SQLite's
// AUTOINCREMENT, which is strictly increasing across the whole table,
// satisfying the global log-ID monotonicity requirement.
type LogEntry struct {
	ID        int64
	RunID     string
	Timestamp time.Time
	Level     string
	Source    string
	Message   string
	Metadata  string
}

// InsertLog appends a log entry and returns its assigned id.
func (s *Store) InsertLog(ctx context.Context, e LogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, timestamp, level, source, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, nowRFC3339(), e.Level, e.Source, e.Message, nullableString(e.Metadata))
	if err != nil {
		return 0, fmt.Errorf("insert log for run %s: %w", e.RunID, err)
	}
	return res.LastInsertId()
}

// LogsSince returns up to limit log entries for runID with id > sinceID,
// ordered by id ascending. sinceID of 0 returns from the beginning.
func (s *Store) LogsSince(ctx context.Context, runID string, sinceID int64, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, timestamp, level, source, message, COALESCE(metadata, '')
		FROM run_logs WHERE run_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		runID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("logs since %d for run %s: %w", sinceID, runID, err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.RunID, &ts, &e.Level, &e.Source, &e.Message, &e.Metadata); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneLogsOlderThan deletes persisted log rows older than cutoff, used to
// bound table growth independently of the in-memory ring's TTL eviction.
func (s *Store) PruneLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_logs WHERE timestamp < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	return res.RowsAffected()
}
