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

package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/tombee/runengine/internal/engine/policy"
	engineerrors "github.com/tombee/runengine/pkg/errors"
)

// CallConfig configures the resilient caller's retry and timeout behavior.
type CallConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent float64
	CallTimeout   time.Duration
}

// DefaultCallConfig matches C5's defaults: base 1s, max 30s, 0-25% jitter,
// 30s per-call timeout (LLM callers should override to 60s).
func DefaultCallConfig() CallConfig {
	return CallConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		JitterPercent: 0.25,
		CallTimeout:   30 * time.Second,
	}
}

// Caller wraps calls to a single named service with a breaker and retry
// policy.
type Caller struct {
	service string
	breaker *Breaker
	cfg     CallConfig
}

// NewCaller builds a Caller for service, using breaker for circuit state and
// cfg for retry/timeout behavior.
func NewCaller(service string, breaker *Breaker, cfg CallConfig) *Caller {
	return &Caller{service: service, breaker: breaker, cfg: cfg}
}

// Fn is a unit of work accepting a per-call context composed from the
// caller's external context plus the per-call timeout.
type Fn func(ctx context.Context) (any, error)

// Call invokes fn with retry and circuit-breaker protection. It returns
// ServiceUnavailableError immediately if the breaker is open.
func (c *Caller) Call(ctx context.Context, fn Fn) (any, error) {
	if !c.breaker.Allow() {
		return nil, &engineerrors.ServiceUnavailableError{Service: c.service, RetryAfter: c.cfg.BaseDelay}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		}
		result, err := fn(callCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			c.breaker.RecordSuccess()
			return result, nil
		}

		lastErr = err
		c.breaker.RecordFailure(err.Error())

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !isRetryable(err, attempt, c.cfg.MaxRetries) {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Caller) backoff(attempt int) time.Duration {
	base := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(c.cfg.MaxDelay) {
		base = float64(c.cfg.MaxDelay)
	}
	if c.cfg.JitterPercent > 0 {
		base += base * c.cfg.JitterPercent * rand.Float64()
	}
	return time.Duration(base)
}

// isRetryable classifies err via policy.ClassifyError: transient always
// retries, permanent never retries, unknown retries for at most half of
// maxRetries.
func isRetryable(err error, attempt, maxRetries int) bool {
	switch policy.ClassifyError(err.Error()) {
	case policy.ErrorPermanent:
		return false
	case policy.ErrorTransient:
		return true
	default:
		return attempt < maxRetries/2
	}
}
