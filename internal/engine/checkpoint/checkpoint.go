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

// Package checkpoint is C10: periodic and on-demand snapshots of supervisor
// state, keyed by run and phase, persisted to the SQLite checkpoints table
// rather than the teacher's per-run JSON file (internal/controller/checkpoint).
// Pruning to the most recent 5 checkpoints per run happens inside
// store.InsertCheckpoint; this package owns only the timer and the
// in-memory last-known state.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/runengine/internal/engine/store"
)

// DefaultInterval is the background save cadence absent an override.
const DefaultInterval = 30 * time.Second

// Manager owns one run's periodic checkpointing. It is not safe to share
// across runs; the Manager map in the supervisor holds one per live run.
type Manager struct {
	db       *store.Store
	runID    string
	interval time.Duration

	mu       sync.Mutex
	phase    string
	state    string
	dirty    bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ManagerConfig configures a new per-run Manager.
type ManagerConfig struct {
	RunID    string
	Interval time.Duration // zero means DefaultInterval
}

// NewManager starts a background timer that flushes the most recent
// update() to SQLite every Interval, skipping the write if nothing
// changed since the last flush.
func NewManager(db *store.Store, cfg ManagerConfig) *Manager {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Manager{
		db:       db,
		runID:    cfg.RunID,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.doneCh)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = m.flush(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Update replaces the in-memory snapshot that the next periodic or
// explicit save will persist. An empty phase leaves the current phase
// name unchanged.
func (m *Manager) Update(state string, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	if phase != "" {
		m.phase = phase
	}
	m.dirty = true
}

// SaveNow forces an immediate write of the current in-memory snapshot,
// bypassing the timer.
func (m *Manager) SaveNow(ctx context.Context) error {
	return m.flush(ctx)
}

func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	phase, state := m.phase, m.state
	m.dirty = false
	m.mu.Unlock()

	if _, err := m.db.InsertCheckpoint(ctx, store.Checkpoint{RunID: m.runID, Phase: phase, State: state}); err != nil {
		return fmt.Errorf("checkpoint run %s: %w", m.runID, err)
	}
	return nil
}

// Stop writes a final checkpoint (if anything changed since the last
// flush) and halts the background timer. Safe to call more than once.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
		err = m.flush(ctx)
	})
	return err
}

// Cleanup stops the manager then deletes every checkpoint recorded for
// its run, used when a run reaches a normal terminal state and no
// crash-recovery snapshot is needed any longer.
func (m *Manager) Cleanup(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	return m.db.DeleteCheckpoints(ctx, m.runID)
}

// Load returns the most recent checkpoint for runID, if any exists.
func Load(ctx context.Context, db *store.Store, runID string) (store.Checkpoint, bool, error) {
	return db.LatestCheckpoint(ctx, runID)
}

// ListInterrupted returns run ids that have at least one checkpoint, the
// same store.RunsWithCheckpoints query that runstore.ReclassifyInterrupted
// runs at boot.
func ListInterrupted(ctx context.Context, db *store.Store) ([]string, error) {
	return db.RunsWithCheckpoints(ctx)
}
