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
	"database/sql"
	"fmt"
	"time"

	engineerrors "github.com/tombee/runengine/pkg/errors"
)

// Run is the persisted record for one orchestration run. Status is never
// stored directly; callers derive it from FinalReport/Error/liveness per the
// rules in the runstore package.
type Run struct {
	ID            string
	ProjectID     string
	UserGoal      string
	RepoPath      string
	Mode          string
	FinalReport   string
	Error         string
	Progress      string
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InsertRun creates the placeholder row for a new run. CreatedAt/UpdatedAt
// are set to now.
func (s *Store) InsertRun(ctx context.Context, r Run) error {
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, user_goal, repo_path, mode, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullableString(r.ProjectID), r.UserGoal, r.RepoPath, r.Mode, nullableString(r.CorrelationID), now, now)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun fetches a single run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(project_id, ''), user_goal, repo_path, mode,
		       COALESCE(final_report, ''), COALESCE(error, ''), COALESCE(progress, ''),
		       COALESCE(correlation_id, ''), created_at, updated_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Run{}, fmt.Errorf("run %s: %w", id, &engineerrors.NotFoundError{Resource: "run", ID: id})
		}
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns runs ordered newest-first, optionally filtered by
// project id (empty string means all projects).
func (s *Store) ListRuns(ctx context.Context, projectID string, limit int) ([]Run, error) {
	var rows *sql.Rows
	var err error
	if projectID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, COALESCE(project_id, ''), user_goal, repo_path, mode,
			       COALESCE(final_report, ''), COALESCE(error, ''), COALESCE(progress, ''),
			       COALESCE(correlation_id, ''), created_at, updated_at
			FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, COALESCE(project_id, ''), user_goal, repo_path, mode,
			       COALESCE(final_report, ''), COALESCE(error, ''), COALESCE(progress, ''),
			       COALESCE(correlation_id, ''), created_at, updated_at
			FROM runs WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateProgress persists an opaque progress blob and bumps updated_at. It
// does not touch FinalReport/Error.
func (s *Store) UpdateProgress(ctx context.Context, runID, progress string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, nowRFC3339(), runID)
	if err != nil {
		return fmt.Errorf("update progress for run %s: %w", runID, err)
	}
	return nil
}

// FinalizeRun writes a terminal state (final_report XOR error). It is a
// no-op if the run already has a terminal state, implementing "first writer
// wins" (I5).
func (s *Store) FinalizeRun(ctx context.Context, runID, finalReport, runErr string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET final_report = ?, error = ?, updated_at = ?
		WHERE id = ? AND final_report IS NULL AND error IS NULL`,
		nullableString(finalReport), nullableString(runErr), nowRFC3339(), runID)
	if err != nil {
		return false, fmt.Errorf("finalize run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize run %s: %w", runID, err)
	}
	return n > 0, nil
}

// MarkInterrupted sets an error on runs that have neither final_report nor
// error and are not present in liveRunIDs, called once at startup.
func (s *Store) MarkInterrupted(ctx context.Context, liveRunIDs map[string]struct{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs WHERE final_report IS NULL AND error IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("scan for interrupted runs: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan interrupted run id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var interrupted []string
	for _, id := range candidates {
		if _, live := liveRunIDs[id]; live {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE runs SET error = ?, updated_at = ? WHERE id = ? AND final_report IS NULL AND error IS NULL`,
			"interrupted: process restarted while run was active", nowRFC3339(), id); err != nil {
			return nil, fmt.Errorf("mark run %s interrupted: %w", id, err)
		}
		interrupted = append(interrupted, id)
	}
	return interrupted, nil
}

// OverwriteInterruptedError replaces an already-set interrupted error
// message with a more specific one (naming the last checkpoint phase).
// Unlike FinalizeRun this does not require the field to be null first,
// since it is only ever called immediately after MarkInterrupted set it.
func (s *Store) OverwriteInterruptedError(ctx context.Context, runID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET error = ?, updated_at = ? WHERE id = ?`,
		message, nowRFC3339(), runID)
	if err != nil {
		return fmt.Errorf("overwrite interrupted error for run %s: %w", runID, err)
	}
	return nil
}

// DeleteRun removes a run and its dependent rows (logs, checkpoints,
// conversation messages, cost metrics).
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM run_logs WHERE run_id = ?`,
		`DELETE FROM checkpoints WHERE run_id = ?`,
		`DELETE FROM conversation_messages WHERE run_id = ?`,
		`DELETE FROM conversations WHERE run_id = ?`,
		`DELETE FROM cost_metrics WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, runID); err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var created, updated string
	if err := row.Scan(&r.ID, &r.ProjectID, &r.UserGoal, &r.RepoPath, &r.Mode,
		&r.FinalReport, &r.Error, &r.Progress, &r.CorrelationID, &created, &updated); err != nil {
		return Run{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
