// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package policy implements the Policy Engine: ordered rule evaluation
// producing allow/warn/deny with reasons. Grounded on
// agent/policy_categories.go's action-restrictiveness ranking (the same
// "strongest verdict wins, deny terminates" ordering governs both an
// override-action comparison there and a verdict comparison here) and on
// agent/sqli/scanner.go's evaluate-in-priority-order-with-short-circuit shape.
package policy

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/store"
)

// RequestContext is the structured predicate input a rule's conditions
// are evaluated against.
type RequestContext struct {
	AppID           string
	Environment     domain.Environment
	Feature         string
	Model           string
	EstimatedTokens int
	UserEmail       string
	Hour            int
}

// Decision is the result of evaluating the full rule set.
type Decision struct {
	Verdict      domain.PolicyVerdict
	MatchedRules []string
	Reasons      []string
}

func verdictStrength(v domain.PolicyVerdict) int {
	switch v {
	case domain.VerdictDeny:
		return 3
	case domain.VerdictWarn:
		return 2
	case domain.VerdictAllow:
		return 1
	default:
		return 0
	}
}

type cacheEntry struct {
	rules     []domain.PolicyRule
	expiresAt time.Time
}

// Engine is the Policy Engine. Per-app compiled rule lists are cached
// under a 60s TTL and invalidated on admin mutation via Invalidate.
type Engine struct {
	store store.Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type Option func(*Engine)

func WithCacheTTL(ttl time.Duration) Option { return func(e *Engine) { e.ttl = ttl } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, ttl: 60 * time.Second, cache: make(map[string]cacheEntry), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Invalidate(appID string) {
	e.mu.Lock()
	delete(e.cache, appID)
	e.mu.Unlock()
}

func (e *Engine) rulesFor(ctx context.Context, appID string) ([]domain.PolicyRule, error) {
	now := e.now()
	e.mu.RLock()
	entry, ok := e.cache[appID]
	e.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.rules, nil
	}

	rules, err := e.store.LoadPolicyRules(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}

	e.mu.Lock()
	e.cache[appID] = cacheEntry{rules: rules, expiresAt: now.Add(e.ttl)}
	e.mu.Unlock()
	return rules, nil
}

// Evaluate loads the union of global and app-scoped enabled rules, sorted
// by (priority asc, created_at asc), and evaluates each against rc.
func (e *Engine) Evaluate(ctx context.Context, rc RequestContext) (Decision, error) {
	rules, err := e.rulesFor(ctx, rc.AppID)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Verdict: domain.VerdictAllow}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !matches(rule.Conditions, rc) {
			continue
		}

		decision.MatchedRules = append(decision.MatchedRules, rule.RuleID)
		decision.Reasons = append(decision.Reasons, reasonFor(rule))

		if verdictStrength(rule.Action) > verdictStrength(decision.Verdict) {
			decision.Verdict = rule.Action
		}
		if rule.Action == domain.VerdictDeny {
			break // a matched deny terminates evaluation
		}
	}
	return decision, nil
}

func reasonFor(rule domain.PolicyRule) string {
	return fmt.Sprintf("rule %s (%s) matched: action=%s", rule.RuleID, rule.RuleType, rule.Action)
}

func matches(c domain.PolicyConditions, rc RequestContext) bool {
	if c.AppID != "" && !strings.EqualFold(c.AppID, rc.AppID) {
		return false
	}
	if c.Environment != "" && !strings.EqualFold(string(c.Environment), string(rc.Environment)) {
		return false
	}
	if c.Feature != "" && !strings.EqualFold(c.Feature, rc.Feature) {
		return false
	}
	if c.ModelPattern != "" {
		ok, err := path.Match(strings.ToLower(c.ModelPattern), strings.ToLower(rc.Model))
		if err != nil || !ok {
			return false
		}
	}
	if c.MaxTokens > 0 && rc.EstimatedTokens > c.MaxTokens {
		return false
	}
	if c.UserEmail != "" && !strings.EqualFold(c.UserEmail, rc.UserEmail) {
		return false
	}
	if c.HourRangeFrom >= 0 && c.HourRangeTo >= 0 && !(c.HourRangeFrom == 0 && c.HourRangeTo == 0) {
		if !hourInRange(rc.Hour, c.HourRangeFrom, c.HourRangeTo) {
			return false
		}
	}
	return true
}

func hourInRange(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour <= to
	}
	// wraps past midnight, e.g. 22..4
	return hour >= from || hour <= to
}
