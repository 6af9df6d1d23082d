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

// GetShellTabs returns the current shell-tabs blob, or "[]" if never set.
func (s *Store) GetShellTabs(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT tabs FROM shell_tabs WHERE id = 1`)
	var tabs string
	if err := row.Scan(&tabs); err != nil {
		return "[]", nil
	}
	return tabs, nil
}

// PutShellTabs overwrites the shell-tabs blob, last-write-wins (no version
// check, unlike parallel_sessions).
func (s *Store) PutShellTabs(ctx context.Context, tabsJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shell_tabs (id, tabs, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tabs = excluded.tabs, updated_at = excluded.updated_at`,
		tabsJSON, nowRFC3339())
	if err != nil {
		return fmt.Errorf("put shell tabs: %w", err)
	}
	return nil
}
