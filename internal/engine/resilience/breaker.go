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

// Package resilience provides a per-service circuit breaker and a resilient
// caller that retries with jittered exponential backoff while honoring
// cancellation.
package resilience

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig configures a Breaker's thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of failures inside Window that opens
	// the circuit.
	FailureThreshold int
	// Window is the sliding window over which FailureThreshold is counted.
	Window time.Duration
	// IdenticalMessageThreshold opens the circuit on this many consecutive
	// identical error messages, regardless of Window.
	IdenticalMessageThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig matches C5's defaults: 5 failures/60s or 3 identical
// messages consecutively; 30s recovery.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:          5,
		Window:                    60 * time.Second,
		IdenticalMessageThreshold: 3,
		RecoveryTimeout:           30 * time.Second,
	}
}

type failureRecord struct {
	at  time.Time
	msg string
}

// Breaker is a single per-service three-state circuit breaker.
type Breaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	state  State
	opened time.Time
	recent []failureRecord
}

// NewBreaker constructs a Breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed, transitioning open → half-open
// once the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.opened) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess closes the circuit and clears failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.recent = nil
}

// RecordFailure records a failure with its message and opens the circuit if
// the threshold conditions are met. A failure while half-open reopens
// immediately.
func (b *Breaker) RecordFailure(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.state == StateHalfOpen {
		b.open(now)
		return
	}

	b.recent = append(b.recent, failureRecord{at: now, msg: msg})
	cutoff := now.Add(-b.cfg.Window)
	kept := b.recent[:0]
	for _, r := range b.recent {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	b.recent = kept

	if len(b.recent) >= b.cfg.FailureThreshold {
		b.open(now)
		return
	}

	if b.cfg.IdenticalMessageThreshold > 0 && len(b.recent) >= b.cfg.IdenticalMessageThreshold {
		tail := b.recent[len(b.recent)-b.cfg.IdenticalMessageThreshold:]
		allSame := true
		for _, r := range tail {
			if r.msg != msg {
				allSame = false
				break
			}
		}
		if allSame {
			b.open(now)
		}
	}
}

func (b *Breaker) open(at time.Time) {
	b.state = StateOpen
	b.opened = at
}

// Registry is a map of named breakers, one per downstream service.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry that lazily creates a Breaker per
// service name using cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = NewBreaker(r.cfg)
		r.breakers[service] = b
	}
	return b
}
