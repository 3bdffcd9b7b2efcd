// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package router implements the Provider Router: per-endpoint circuit
// breakers, load-balancing strategies, and exponential-backoff retry
// with failover across a model's route table. Grounded on
// orchestrator/llm/sdk/retry.go's CircuitBreaker (three states,
// failure-threshold-opens, reset-timeout-to-half-open) and
// RetryWithBackoff (exponential backoff with jitter), generalized from
// a single endpoint to a routed set of endpoints.
package router

import (
	"sync"
	"time"
)

// CircuitState is the three-state circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards a single endpoint. Grounded directly on
// orchestrator/llm/sdk/retry.go's CircuitBreaker; generalized to accept
// an injectable clock so request pipelines stay deterministic in tests.
type CircuitBreaker struct {
	mu              sync.Mutex
	failures        int
	threshold       int
	resetTimeout    time.Duration
	lastFailureTime time.Time
	state           CircuitState
	now             func() time.Time
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{threshold: threshold, resetTimeout: resetTimeout, state: CircuitClosed, now: now}
}

// Allow reports whether a request may be sent to this endpoint right
// now, transitioning open → half-open when the reset timeout elapses.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailureTime = cb.now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
