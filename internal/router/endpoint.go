// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package router

import (
	"math/rand"
	"sync"
	"time"

	"github.com/policygate/gateway/internal/provider"
)

// Endpoint is one entry in a model's route table.
type Endpoint struct {
	URL        string
	Weight     int
	Priority   int
	Adapter    provider.Adapter
	Credential provider.Credential

	mu        sync.Mutex
	breaker   *CircuitBreaker
	avgLatency time.Duration
	samples    int
}

// NewEndpoint builds a route-table entry. failureThreshold and
// resetTimeout configure its circuit breaker (defaults: 5 failures,
// 60s reset, per spec).
func NewEndpoint(url string, weight, priority int, adapter provider.Adapter, cred provider.Credential, failureThreshold int, resetTimeout time.Duration, now func() time.Time) *Endpoint {
	return &Endpoint{
		URL: url, Weight: weight, Priority: priority, Adapter: adapter, Credential: cred,
		breaker: NewCircuitBreaker(failureThreshold, resetTimeout, now),
	}
}

func (e *Endpoint) Available() bool { return e.breaker.Allow() }

func (e *Endpoint) RecordSuccess(latency time.Duration) {
	e.breaker.RecordSuccess()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples++
	e.avgLatency = (e.avgLatency*time.Duration(e.samples-1) + latency) / time.Duration(e.samples)
}

func (e *Endpoint) RecordFailure() { e.breaker.RecordFailure() }

func (e *Endpoint) AverageLatency() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgLatency, e.samples > 0
}

// Strategy picks one endpoint from a candidate set.
type Strategy func(candidates []*Endpoint, rng *rand.Rand) *Endpoint

// StrategyByName resolves one of the four configured strategy names to a
// Strategy value, defaulting to WeightedRandom for an unrecognized name.
// round_robin gets its own counter closed over by the returned Strategy,
// since RoundRobin needs state to hold across calls.
func StrategyByName(name string) Strategy {
	switch name {
	case "round_robin":
		counter := 0
		return RoundRobin(&counter)
	case "least_latency":
		return LeastLatency
	case "random":
		return Random
	default:
		return WeightedRandom
	}
}

// RoundRobin cycles through candidates using the caller-held counter.
func RoundRobin(counter *int) Strategy {
	return func(candidates []*Endpoint, _ *rand.Rand) *Endpoint {
		if len(candidates) == 0 {
			return nil
		}
		idx := *counter % len(candidates)
		*counter++
		return candidates[idx]
	}
}

// WeightedRandom picks proportionally to Endpoint.Weight.
func WeightedRandom(candidates []*Endpoint, rng *rand.Rand) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	total := 0
	for _, e := range candidates {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	pick := rng.Intn(total)
	for _, e := range candidates {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		if pick < w {
			return e
		}
		pick -= w
	}
	return candidates[len(candidates)-1]
}

// LeastLatency picks the endpoint with the lowest rolling-average
// latency, falling back to the first healthy endpoint with no samples.
func LeastLatency(candidates []*Endpoint, _ *rand.Rand) *Endpoint {
	var best *Endpoint
	var bestLatency time.Duration
	var fallback *Endpoint

	for _, e := range candidates {
		avg, ok := e.AverageLatency()
		if !ok {
			if fallback == nil {
				fallback = e
			}
			continue
		}
		if best == nil || avg < bestLatency {
			best = e
			bestLatency = avg
		}
	}
	if best != nil {
		return best
	}
	return fallback
}

// Random picks uniformly at random.
func Random(candidates []*Endpoint, rng *rand.Rand) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rng.Intn(len(candidates))]
}
