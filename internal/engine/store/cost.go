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

// CostMetric records one executor invocation's token/cost contribution to
// a run, aggregated at read time into RunCost (SPEC_FULL.md §3.1's
// supplemented Run.cost field).
type CostMetric struct {
	RunID             string
	PromptTokens      int64
	CompletionTokens  int64
	USDEstimate       float64
}

// RunCost is the aggregate cost across every CostMetric recorded for a run.
type RunCost struct {
	PromptTokens     int64
	CompletionTokens int64
	USDEstimate      float64
}

// InsertCostMetric appends one cost-metric row for a run.
func (s *Store) InsertCostMetric(ctx context.Context, m CostMetric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_metrics (run_id, prompt_tokens, completion_tokens, usd_estimate, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.RunID, m.PromptTokens, m.CompletionTokens, m.USDEstimate, nowRFC3339())
	if err != nil {
		return fmt.Errorf("insert cost metric for run %s: %w", m.RunID, err)
	}
	return nil
}

// RunCostAggregate sums every CostMetric recorded for a run.
func (s *Store) RunCostAggregate(ctx context.Context, runID string) (RunCost, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(usd_estimate), 0)
		FROM cost_metrics WHERE run_id = ?`, runID)
	var c RunCost
	if err := row.Scan(&c.PromptTokens, &c.CompletionTokens, &c.USDEstimate); err != nil {
		return RunCost{}, fmt.Errorf("aggregate cost for run %s: %w", runID, err)
	}
	return c, nil
}
