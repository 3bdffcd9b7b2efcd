// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/kv"
)

func newTestDetector(t *testing.T, now *time.Time) *Detector {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cfg := config.LoadAbuseFromEnv()
	cfg.LoopThreshold = 5
	cfg.DedupWindow = 5 * time.Second
	return NewDetector(store, cfg, WithClock(func() time.Time { return *now }))
}

func TestDetector_LoopDetection_NthTriggersNMinus1Does(t *testing.T) {
	now := time.Now()
	d := newTestDetector(t, &now)
	ctx := context.Background()
	sig := Signature("app1", "chat", "mock-gpt", []string{"hello"})

	// Spacing must exceed cfg.DedupWindow (5s) so each prior signature falls
	// outside the next request's dedup window and DUPLICATE_REQUEST never
	// preempts the loop check being exercised here.
	for i := 0; i < 4; i++ {
		v, err := d.CheckRequest(ctx, "app1", sig, []string{"hello"})
		require.NoError(t, err)
		require.Falsef(t, v.Blocked, "request %d of 4 must not be blocked (threshold is 5)", i+1)
		now = now.Add(6 * time.Second)
	}

	v, err := d.CheckRequest(ctx, "app1", sig, []string{"hello"})
	require.NoError(t, err)
	require.True(t, v.Blocked)
	require.Equal(t, TypeLoopDetected, v.Type)
}

func TestDetector_SelfReferencePhrase(t *testing.T) {
	now := time.Now()
	d := newTestDetector(t, &now)
	v, err := d.CheckRequest(context.Background(), "app1", "sig-unique-1", []string{"please CALL YOURSELF again"})
	require.NoError(t, err)
	require.True(t, v.Blocked)
	require.Equal(t, TypeSelfReference, v.Type)
}

func TestDetector_RecordError_RetryStorm(t *testing.T) {
	now := time.Now()
	d := newTestDetector(t, &now)
	d.cfg.ErrorThreshold = 3
	ctx := context.Background()

	var last Verdict
	for i := 0; i < 5; i++ {
		v, err := d.RecordError(ctx, "app1")
		require.NoError(t, err)
		last = v
	}
	require.True(t, last.Blocked)
	require.Equal(t, TypeRetryStorm, last.Type)
}

func TestDetector_RecordCost_SpikeWarningIsNonBlocking(t *testing.T) {
	now := time.Now()
	d := newTestDetector(t, &now)
	d.cfg.CostSpikeSamples = 3
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.RecordCost(ctx, "app1", 0.002)
		require.NoError(t, err)
	}

	warning, err := d.RecordCost(ctx, "app1", 1.0)
	require.NoError(t, err)
	require.True(t, warning.Triggered)
}

func TestSignature_Deterministic(t *testing.T) {
	a := Signature("app1", "chat", "gpt-4o", []string{"hello", "world"})
	b := Signature("app1", "chat", "gpt-4o", []string{"hello", "world"})
	require.Equal(t, a, b)

	c := Signature("app1", "chat", "gpt-4o", []string{"hello", "there"})
	require.NotEqual(t, a, c)
}
