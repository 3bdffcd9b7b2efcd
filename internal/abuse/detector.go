// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package abuse implements the Abuse Detector: loop/duplicate/rate-spike/
// retry-storm/cost-spike detection with cooldowns, backed by the KV Store
// port. Structurally grounded on the Redis sliding-window rate limiter
// this gateway's detector descends from (sorted sets scored by timestamp,
// pipelined prune-then-count-then-add).
package abuse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/kv"
)

// BlockType is the classification of an abuse block.
type BlockType string

const (
	TypeSuspiciousPattern BlockType = "SUSPICIOUS_PATTERN"
	TypeLoopDetected      BlockType = "LOOP_DETECTED"
	TypeDuplicateRequest  BlockType = "DUPLICATE_REQUEST"
	TypeRateSpike         BlockType = "RATE_SPIKE"
	TypeSelfReference     BlockType = "SELF_REFERENCE"
	TypeRetryStorm        BlockType = "RETRY_STORM"
)

// Verdict is the result of check_request.
type Verdict struct {
	Blocked        bool
	Type           BlockType
	Reason         string
	CooldownSeconds int
	Details        map[string]any
}

// CostWarning is the non-blocking result of record_cost.
type CostWarning struct {
	Triggered bool
	Reason    string
}

var selfReferencePhrases = []string{
	"ignore this api",
	"call yourself",
	"recurse into this endpoint",
	"invoke this same request",
}

// Detector is the Abuse Detector. Clock is injectable for deterministic tests.
type Detector struct {
	store kv.Store
	cfg   config.Abuse
	now   func() time.Time
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func NewDetector(store kv.Store, cfg config.Abuse, opts ...Option) *Detector {
	d := &Detector{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Signature computes the deterministic request signature: a hash of
// (app, feature, model, normalized messages). Identical inputs always
// produce identical signatures, independent of any map ordering upstream.
func Signature(appID, feature, model string, messages []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", appID, feature, model)
	for _, m := range messages {
		fmt.Fprintf(h, "|%s", m)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Detector) key(prefix, appID string) string { return prefix + ":" + appID }

// CheckRequest runs the ordered check sequence from §4.3, short-circuiting
// on the first block.
func (d *Detector) CheckRequest(ctx context.Context, appID, signature string, messages []string) (Verdict, error) {
	now := d.now()

	blockedKey := d.key("abuse:blocked", appID)
	if until, ok, err := d.store.Get(ctx, blockedKey); err != nil {
		return Verdict{}, err
	} else if ok {
		untilUnix, _ := strconv.ParseInt(until, 10, 64)
		if time.Unix(untilUnix, 0).After(now) {
			return Verdict{Blocked: true, Type: TypeSuspiciousPattern, Reason: "app is in cooldown from a prior abuse block"}, nil
		}
	}

	sigKey := d.key("abuse:signatures", appID) + ":" + signature
	if err := d.pruneWindow(ctx, sigKey, now, d.cfg.LoopWindow); err != nil {
		return Verdict{}, err
	}
	sigCount, err := d.store.ZCard(ctx, sigKey)
	if err != nil {
		return Verdict{}, err
	}
	if sigCount+1 >= int64(d.cfg.LoopThreshold) {
		d.applyCooldown(ctx, appID, now, d.cfg.LoopCooldown)
		return Verdict{Blocked: true, Type: TypeLoopDetected,
			Reason:          fmt.Sprintf("identical request signature seen %d times in %s", sigCount+1, d.cfg.LoopWindow),
			CooldownSeconds: int(d.cfg.LoopCooldown.Seconds())}, d.recordSignature(ctx, sigKey, now)
	}

	dedupMin := float64(now.Add(-d.cfg.DedupWindow).UnixNano())
	dedupCount, err := d.store.ZCount(ctx, sigKey, dedupMin, math.Inf(1))
	if err != nil {
		return Verdict{}, err
	}
	if dedupCount > 0 {
		return Verdict{Blocked: true, Type: TypeDuplicateRequest,
			Reason:          "identical request seen within the dedup window",
			CooldownSeconds: int(d.cfg.DedupCooldown.Seconds())}, d.recordSignature(ctx, sigKey, now)
	}
	if err := d.recordSignature(ctx, sigKey, now); err != nil {
		return Verdict{}, err
	}

	reqKey := d.key("abuse:requests", appID)
	if err := d.pruneWindow(ctx, reqKey, now, d.cfg.BaselineWindow); err != nil {
		return Verdict{}, err
	}
	if err := d.store.ZAdd(ctx, reqKey, kv.ZMember{Score: float64(now.UnixNano()), Member: strconv.FormatInt(now.UnixNano(), 10)}); err != nil {
		return Verdict{}, err
	}
	d.store.Expire(ctx, reqKey, d.cfg.BaselineWindow)

	recentCount, err := d.store.ZCount(ctx, reqKey, float64(now.Add(-time.Minute).UnixNano()), math.Inf(1))
	if err != nil {
		return Verdict{}, err
	}
	if recentCount > int64(d.cfg.RatePerMinute) {
		d.applyCooldown(ctx, appID, now, d.cfg.RateCooldown)
		return Verdict{Blocked: true, Type: TypeRateSpike,
			Reason:          fmt.Sprintf("%d requests/minute exceeds ceiling %d", recentCount, d.cfg.RatePerMinute),
			CooldownSeconds: int(d.cfg.RateCooldown.Seconds())}, nil
	}

	baselineCount, err := d.store.ZCount(ctx, reqKey, float64(now.Add(-d.cfg.BaselineWindow).UnixNano()), math.Inf(1))
	if err != nil {
		return Verdict{}, err
	}
	if baselineCount >= int64(d.cfg.BaselineMinSamples) {
		baselineRate := float64(baselineCount) / d.cfg.BaselineWindow.Minutes()
		recentRate := float64(recentCount)
		if recentRate > baselineRate*d.cfg.BaselineMultiplier {
			d.applyCooldown(ctx, appID, now, d.cfg.RateCooldown)
			return Verdict{Blocked: true, Type: TypeRateSpike,
				Reason:          "recent request rate far exceeds this app's baseline",
				CooldownSeconds: int(d.cfg.RateCooldown.Seconds())}, nil
		}
	}

	for _, msg := range messages {
		for _, phrase := range selfReferencePhrases {
			if containsFold(msg, phrase) {
				return Verdict{Blocked: true, Type: TypeSelfReference, Reason: "message content references calling the gateway itself"}, nil
			}
		}
	}

	return Verdict{Blocked: false}, nil
}

// RateLimitStatus reports the per-minute ceiling, remaining allowance, and
// reset time for appID without mutating any state, for surfacing
// X-RateLimit-* response headers.
func (d *Detector) RateLimitStatus(ctx context.Context, appID string) (limit, remaining int, resetAt time.Time, err error) {
	now := d.now()
	limit = d.cfg.RatePerMinute
	reqKey := d.key("abuse:requests", appID)

	windowStart := now.Add(-time.Minute)
	recentCount, err := d.store.ZCount(ctx, reqKey, float64(windowStart.UnixNano()), math.Inf(1))
	if err != nil {
		return limit, 0, time.Time{}, err
	}

	remaining = limit - int(recentCount)
	if remaining < 0 {
		remaining = 0
	}

	resetAt = now.Add(time.Minute)
	if oldest, err := d.store.ZRangeByScore(ctx, reqKey, float64(windowStart.UnixNano()), math.Inf(1)); err == nil && len(oldest) > 0 {
		if nanos, parseErr := strconv.ParseInt(oldest[0], 10, 64); parseErr == nil {
			resetAt = time.Unix(0, nanos).Add(time.Minute)
		}
	}

	return limit, remaining, resetAt, nil
}

func (d *Detector) recordSignature(ctx context.Context, sigKey string, now time.Time) error {
	return d.store.ZAdd(ctx, sigKey, kv.ZMember{Score: float64(now.UnixNano()), Member: strconv.FormatInt(now.UnixNano(), 10)})
}

func (d *Detector) pruneWindow(ctx context.Context, key string, now time.Time, window time.Duration) error {
	return d.store.ZRemRangeByScore(ctx, key, 0, float64(now.Add(-window).UnixNano()))
}

func (d *Detector) applyCooldown(ctx context.Context, appID string, now time.Time, cooldown time.Duration) {
	until := now.Add(cooldown).Unix()
	d.store.Set(ctx, d.key("abuse:blocked", appID), strconv.FormatInt(until, 10), cooldown)
}

// RecordError tracks a provider/pipeline error for retry-storm detection.
func (d *Detector) RecordError(ctx context.Context, appID string) (Verdict, error) {
	now := d.now()
	errKey := d.key("abuse:errors", appID)
	if err := d.pruneWindow(ctx, errKey, now, d.cfg.ErrorWindow); err != nil {
		return Verdict{}, err
	}
	if err := d.store.ZAdd(ctx, errKey, kv.ZMember{Score: float64(now.UnixNano()), Member: strconv.FormatInt(now.UnixNano(), 10)}); err != nil {
		return Verdict{}, err
	}
	count, err := d.store.ZCard(ctx, errKey)
	if err != nil {
		return Verdict{}, err
	}
	if count > int64(d.cfg.ErrorThreshold) {
		d.applyCooldown(ctx, appID, now, d.cfg.ErrorCooldown)
		return Verdict{Blocked: true, Type: TypeRetryStorm,
			Reason:          fmt.Sprintf("%d errors in %s", count, d.cfg.ErrorWindow),
			CooldownSeconds: int(d.cfg.ErrorCooldown.Seconds())}, nil
	}
	return Verdict{Blocked: false}, nil
}

// RecordCost appends a per-request cost sample and returns a non-blocking
// warning when the new cost dwarfs the recent mean.
func (d *Detector) RecordCost(ctx context.Context, appID string, costUSD float64) (CostWarning, error) {
	costKey := d.key("abuse:costs", appID)

	existing, err := d.store.LRange(ctx, costKey, int64(d.cfg.CostSpikeSamples))
	if err != nil {
		return CostWarning{}, err
	}

	var warning CostWarning
	if len(existing) >= d.cfg.CostSpikeSamples {
		mean := meanOf(existing)
		if mean > d.cfg.CostSpikeFloorUSD && costUSD > mean*d.cfg.CostSpikeMultiple {
			warning = CostWarning{Triggered: true, Reason: fmt.Sprintf("cost $%.4f is %.1fx the recent mean $%.4f", costUSD, costUSD/mean, mean)}
		}
	}

	if err := d.store.RPush(ctx, costKey, strconv.FormatFloat(costUSD, 'f', -1, 64), 100); err != nil {
		return warning, err
	}
	return warning, nil
}

func meanOf(values []string) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		f, _ := strconv.ParseFloat(v, 64)
		sum += f
	}
	return sum / float64(len(values))
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
