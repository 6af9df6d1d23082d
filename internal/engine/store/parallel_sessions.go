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

	engineerrors "github.com/tombee/runengine/pkg/errors"
)

// ParallelSessions is the single-row optimistic-locked snapshot of the
// parallel-session panel: an opaque JSON array plus a monotone version.
type ParallelSessions struct {
	SessionsJSON string
	Version      int64
}

// GetParallelSessions returns the current snapshot.
func (s *Store) GetParallelSessions(ctx context.Context) (ParallelSessions, error) {
	row := s.db.QueryRowContext(ctx, `SELECT sessions, version FROM parallel_sessions WHERE id = 1`)
	var p ParallelSessions
	if err := row.Scan(&p.SessionsJSON, &p.Version); err != nil {
		return ParallelSessions{}, fmt.Errorf("get parallel sessions: %w", err)
	}
	return p, nil
}

// PutParallelSessions writes a new snapshot if expectedVersion matches the
// stored version, incrementing the version. A mismatch returns
// ConflictError so the HTTP layer can surface 409.
func (s *Store) PutParallelSessions(ctx context.Context, sessionsJSON string, expectedVersion int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE parallel_sessions SET sessions = ?, version = version + 1
		WHERE id = 1 AND version = ?`, sessionsJSON, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("put parallel sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("put parallel sessions: %w", err)
	}
	if n == 0 {
		current, getErr := s.GetParallelSessions(ctx)
		actual := expectedVersion
		if getErr == nil {
			actual = current.Version
		}
		return 0, &engineerrors.ConflictError{
			Resource:        "parallel_sessions",
			ExpectedVersion: expectedVersion,
			ActualVersion:   actual,
		}
	}
	return expectedVersion + 1, nil
}
