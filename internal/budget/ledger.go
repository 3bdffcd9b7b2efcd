// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package budget implements the Budget Ledger: two-phase reserve/commit/
// release atomic spend tracking per (scope, period), stored in the KV
// store as a fixed-point counter in hundredths of a cent, authoritative limits and period
// boundaries held in the record store. Grounded on the teacher's
// incremental rolling-average accumulator pattern in
// orchestrator/llm/router.go (an INCR-style running statistic updated
// under the store's own atomicity, not a process-local lock).
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/gatewayerr"
	"github.com/policygate/gateway/internal/kv"
	"github.com/policygate/gateway/internal/store"
)

// centsPerDollar fixes the counter's fixed-point precision: cents x 100,
// i.e. hundredths of a cent, so sub-cent per-token costs never round to zero.
const centsPerDollar = 100 * 100

func toFixedPoint(usd float64) int64 { return int64(usd * centsPerDollar) }
func fromFixedPoint(v int64) float64 { return float64(v) / centsPerDollar }

// Reservation is a single scope's outstanding reserve, needed to release
// or commit it later.
type Reservation struct {
	Scope         domain.BudgetScope
	EstimatedCost float64
}

// Decision is the outcome of a reserve call for one scope.
type Decision struct {
	OK      bool
	Current float64
	Limit   float64
	Warning bool
}

// Ledger is the Budget Ledger.
type Ledger struct {
	kv    kv.Store
	store store.Store
	now   func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func NewLedger(k kv.Store, s store.Store, opts ...Option) *Ledger {
	l := &Ledger{kv: k, store: s, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) periodBucket(period domain.BudgetPeriod, at time.Time) string {
	switch period {
	case domain.PeriodHourly:
		return at.Format("2006-01-02T15")
	case domain.PeriodDaily:
		return at.Format("2006-01-02")
	case domain.PeriodWeekly:
		year, week := at.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	default: // monthly
		return at.Format("2006-01")
	}
}

func (l *Ledger) periodTTL(period domain.BudgetPeriod) time.Duration {
	switch period {
	case domain.PeriodHourly:
		return time.Hour + time.Minute
	case domain.PeriodDaily:
		return 24*time.Hour + time.Minute
	case domain.PeriodWeekly:
		return 7*24*time.Hour + time.Minute
	default:
		return 31*24*time.Hour + time.Minute
	}
}

func (l *Ledger) counterKey(scope domain.BudgetScope, period domain.BudgetPeriod) string {
	return fmt.Sprintf("budget:%s:%s:%s:%s", scope.Kind, scope.ID, scope.Environment, l.periodBucket(period, l.now()))
}

// Reserve atomically increments the scope's counter by estimatedCost and
// checks it against the hard limit, rolling back on failure.
func (l *Ledger) Reserve(ctx context.Context, scope domain.BudgetScope, estimatedCost float64) (Decision, error) {
	b, found, err := l.store.LoadBudget(ctx, scope)
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.Internal, "failed to load budget limits", err)
	}
	if !found {
		// No explicit budget configured for this scope: allow unconditionally.
		return Decision{OK: true}, nil
	}

	key := l.counterKey(scope, b.Period)
	delta := toFixedPoint(estimatedCost)

	total, err := l.kv.IncrBy(ctx, key, delta, l.periodTTL(b.Period))
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.Internal, "failed to reserve budget", err)
	}
	current := fromFixedPoint(total)

	if current > b.HardLimit {
		// Roll back: this reservation would push spend past the hard limit.
		if _, err := l.kv.IncrBy(ctx, key, -delta, 0); err != nil {
			return Decision{}, gatewayerr.Wrap(gatewayerr.Internal, "failed to roll back over-budget reservation", err)
		}
		return Decision{OK: false, Current: current - estimatedCost, Limit: b.HardLimit}, nil
	}

	return Decision{OK: true, Current: current, Limit: b.HardLimit, Warning: current > b.SoftLimit}, nil
}

// Commit reconciles a reservation with the actual cost once it's known;
// the delta may be negative (actual came in under the estimate).
func (l *Ledger) Commit(ctx context.Context, scope domain.BudgetScope, estimatedCost, actualCost float64) error {
	b, found, err := l.store.LoadBudget(ctx, scope)
	if err != nil {
		return fmt.Errorf("load budget for commit: %w", err)
	}
	if !found {
		return nil
	}
	key := l.counterKey(scope, b.Period)
	delta := toFixedPoint(actualCost - estimatedCost)
	if _, err := l.kv.IncrBy(ctx, key, delta, l.periodTTL(b.Period)); err != nil {
		return fmt.Errorf("commit budget reconciliation: %w", err)
	}
	return nil
}

// Release reverses a reservation in full, e.g. on dry-run or on a later
// scope's hard denial.
func (l *Ledger) Release(ctx context.Context, scope domain.BudgetScope, estimatedCost float64) error {
	b, found, err := l.store.LoadBudget(ctx, scope)
	if err != nil {
		return fmt.Errorf("load budget for release: %w", err)
	}
	if !found {
		return nil
	}
	key := l.counterKey(scope, b.Period)
	if _, err := l.kv.IncrBy(ctx, key, -toFixedPoint(estimatedCost), 0); err != nil {
		return fmt.Errorf("release budget reservation: %w", err)
	}
	return nil
}

// ReserveAll reserves every applicable scope in order; on the first hard
// denial it releases the scopes already reserved and returns the failing
// scope's decision.
func (l *Ledger) ReserveAll(ctx context.Context, scopes []domain.BudgetScope, estimatedCost float64) ([]Reservation, Decision, error) {
	var reserved []Reservation
	for _, scope := range scopes {
		d, err := l.Reserve(ctx, scope, estimatedCost)
		if err != nil {
			l.releaseAll(ctx, reserved)
			return nil, Decision{}, err
		}
		if !d.OK {
			l.releaseAll(ctx, reserved)
			return nil, d, nil
		}
		reserved = append(reserved, Reservation{Scope: scope, EstimatedCost: estimatedCost})
	}
	return reserved, Decision{OK: true}, nil
}

func (l *Ledger) releaseAll(ctx context.Context, reservations []Reservation) {
	for _, r := range reservations {
		l.Release(ctx, r.Scope, r.EstimatedCost)
	}
}
