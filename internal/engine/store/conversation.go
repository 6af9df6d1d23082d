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
	"encoding/json"
	"fmt"
)

// ConversationMessage is one append-only turn in a run's chat/spec-mode
// conversation, keyed by (run_id, seq).
type ConversationMessage struct {
	RunID          string
	Seq            int64
	ConversationID string
	Role           string
	Content        string
}

// AppendMessage inserts the next message for a run, assigning seq as
// max(seq)+1 for that run_id.
func (s *Store) AppendMessage(ctx context.Context, m ConversationMessage) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE run_id = ?`, m.RunID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("compute next seq for run %s: %w", m.RunID, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (run_id, seq, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.RunID, seq, nullableString(m.ConversationID), m.Role, m.Content, nowRFC3339())
	if err != nil {
		return fmt.Errorf("append message for run %s: %w", m.RunID, err)
	}
	return nil
}

// Messages returns the normalized conversation for a run in seq order. If
// no rows exist there but a legacy JSON blob does, it migrates the blob
// into normalized rows on the way out.
func (s *Store) Messages(ctx context.Context, runID string) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, COALESCE(conversation_id, ''), role, content
		FROM conversation_messages WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("messages for run %s: %w", runID, err)
	}
	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.RunID, &m.Seq, &m.ConversationID, &m.Role, &m.Content); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}

	return s.migrateLegacyConversation(ctx, runID)
}

// legacyMessage mirrors the shape of the JSON blob previously stored in the
// conversations table, before messages were normalized into rows.
type legacyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Store) migrateLegacyConversation(ctx context.Context, runID string) ([]ConversationMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT messages FROM conversations WHERE run_id = ?`, runID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		return nil, nil
	}

	var legacy []legacyMessage
	if err := json.Unmarshal([]byte(blob), &legacy); err != nil {
		return nil, fmt.Errorf("parse legacy conversation blob for run %s: %w", runID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("migrate legacy conversation for run %s: %w", runID, err)
	}
	defer tx.Rollback()

	out := make([]ConversationMessage, 0, len(legacy))
	for i, lm := range legacy {
		seq := int64(i + 1)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_messages (run_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`, runID, seq, lm.Role, lm.Content, nowRFC3339()); err != nil {
			return nil, fmt.Errorf("migrate legacy message %d for run %s: %w", seq, runID, err)
		}
		out = append(out, ConversationMessage{RunID: runID, Seq: seq, Role: lm.Role, Content: lm.Content})
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE run_id = ?`, runID); err != nil {
		return nil, fmt.Errorf("clear legacy conversation for run %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit legacy conversation migration for run %s: %w", runID, err)
	}
	return out, nil
}
