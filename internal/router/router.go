// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package router

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/policygate/gateway/internal/gatewayerr"
	"github.com/policygate/gateway/internal/provider"
)

// RetryConfig configures the exponential-backoff-with-jitter retry
// policy. Grounded directly on orchestrator/llm/sdk/retry.go's
// RetryConfig and RetryWithBackoff: base/backoff-factor/max-backoff and
// a ±jitter fraction applied to each computed delay.
type RetryConfig struct {
	MaxAttempts    int
	Base           time.Duration
	ExponentialBase float64
	MaxDelay       time.Duration
	Jitter         float64 // fraction, e.g. 0.5 for ±50%
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Base: time.Second, ExponentialBase: 2.0, MaxDelay: 30 * time.Second, Jitter: 0.5}
}

func (c RetryConfig) delay(attempt int, rng *rand.Rand) time.Duration {
	backoff := float64(c.Base) * pow(c.ExponentialBase, float64(attempt))
	if time.Duration(backoff) > c.MaxDelay {
		backoff = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		delta := backoff * c.Jitter
		backoff += (rng.Float64()*2 - 1) * delta
		if backoff < 0 {
			backoff = 0
		}
	}
	return time.Duration(backoff)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// Router dispatches a canonical chat request against a model's route
// table, applying a load-balancing strategy, per-endpoint circuit
// breakers, and retry-with-failover.
type Router struct {
	strategy Strategy
	retry    RetryConfig
	rng      *rand.Rand
	now      func() time.Time
}

type Option func(*Router)

func WithStrategy(s Strategy) Option         { return func(r *Router) { r.strategy = s } }
func WithRetryConfig(c RetryConfig) Option   { return func(r *Router) { r.retry = c } }
func WithClock(now func() time.Time) Option  { return func(r *Router) { r.now = now } }
func WithRand(rng *rand.Rand) Option         { return func(r *Router) { r.rng = rng } }

func NewRouter(opts ...Option) *Router {
	r := &Router{strategy: WeightedRandom, retry: DefaultRetryConfig(), rng: rand.New(rand.NewSource(1)), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chat tries endpoints from table in the configured strategy's order,
// retrying with exponential backoff and excluding failed endpoints from
// the current request, until an attempt succeeds, the retry budget is
// spent (even if untried endpoints remain), or no endpoint's breaker
// admits a request.
func (r *Router) Chat(ctx context.Context, table []*Endpoint, req provider.ChatRequest) (provider.ChatResponse, error) {
	return r.do(ctx, table, func(ctx context.Context, ep *Endpoint) (provider.ChatResponse, error) {
		return ep.Adapter.Chat(ctx, ep.Credential, req)
	})
}

// ChatStream is the streaming counterpart of Chat.
func (r *Router) ChatStream(ctx context.Context, table []*Endpoint, req provider.ChatRequest, handler provider.StreamHandler) (provider.ChatResponse, error) {
	return r.do(ctx, table, func(ctx context.Context, ep *Endpoint) (provider.ChatResponse, error) {
		return ep.Adapter.ChatStream(ctx, ep.Credential, req, handler)
	})
}

func (r *Router) do(ctx context.Context, table []*Endpoint, call func(context.Context, *Endpoint) (provider.ChatResponse, error)) (provider.ChatResponse, error) {
	if len(table) == 0 {
		return provider.ChatResponse{}, gatewayerr.New(gatewayerr.UpstreamFailed, "no endpoints configured for this model")
	}

	excluded := make(map[*Endpoint]bool)
	var errs []string

	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		candidates := healthyCandidates(table, excluded)
		if len(candidates) == 0 {
			// every endpoint has been tried this request; if retries
			// remain, clear the exclusion set so recovered endpoints
			// can be tried again.
			excluded = make(map[*Endpoint]bool)
			candidates = healthyCandidates(table, excluded)
		}
		if len(candidates) == 0 {
			break // every endpoint's circuit breaker is open
		}

		ep := r.strategy(candidates, r.rng)
		if ep == nil {
			break
		}

		start := r.now()
		resp, err := call(ctx, ep)
		if err == nil {
			ep.RecordSuccess(r.now().Sub(start))
			return resp, nil
		}

		ep.RecordFailure()
		excluded[ep] = true
		errs = append(errs, fmt.Sprintf("%s: %v", ep.URL, err))

		if attempt < r.retry.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return provider.ChatResponse{}, ctx.Err()
			case <-time.After(r.retry.delay(attempt, r.rng)):
			}
		}
	}

	return provider.ChatResponse{}, gatewayerr.New(gatewayerr.UpstreamFailed,
		fmt.Sprintf("all endpoints failed after %d attempt(s): %s", len(errs), strings.Join(errs, "; ")))
}

func healthyCandidates(table []*Endpoint, excluded map[*Endpoint]bool) []*Endpoint {
	var out []*Endpoint
	for _, ep := range table {
		if excluded[ep] {
			continue
		}
		if ep.Available() {
			out = append(out, ep)
		}
	}
	return out
}
