// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package store defines the Record Store port: durable persistence for
// traces, audit entries, usage records, and the authoritative budget
// period/limit rows. A Postgres implementation lives in postgres.go.
package store

import (
	"context"

	"github.com/policygate/gateway/internal/domain"
)

// Store is the Record Store port.
type Store interface {
	// WriteTrace persists a finalized trace. Called exactly once per request.
	WriteTrace(ctx context.Context, t *domain.Trace) error
	// WriteUsageRecord persists a billing artifact for a completed request.
	WriteUsageRecord(ctx context.Context, u domain.UsageRecord) error
	// WriteAuditEntry appends an audit event. Failures here are logged and
	// swallowed by the caller; the interface itself still reports the error.
	WriteAuditEntry(ctx context.Context, a domain.AuditEntry) error

	// LoadBudget returns the authoritative limit/period row for scope, or
	// false if none exists (caller should apply defaults).
	LoadBudget(ctx context.Context, scope domain.BudgetScope) (domain.Budget, bool, error)

	// LoadPolicyRules returns enabled rules scoped globally or to appID,
	// sorted by (priority asc, created_at asc).
	LoadPolicyRules(ctx context.Context, appID string) ([]domain.PolicyRule, error)

	// LoadAPIKeyByHash returns the key row for hashedKey.
	LoadAPIKeyByHash(ctx context.Context, hashedKey string) (domain.APIKey, bool, error)

	// LoadFeature returns the feature descriptor for (appID, featureID).
	LoadFeature(ctx context.Context, appID, featureID string) (domain.FeatureDescriptor, bool, error)

	// ListAuditEntries returns every audit entry recorded for appID,
	// oldest first. Used by the compliance data exporter.
	ListAuditEntries(ctx context.Context, appID string) ([]domain.AuditEntry, error)
	// ListUsageRecords returns every usage record recorded for appID,
	// oldest first. Used by the compliance data exporter.
	ListUsageRecords(ctx context.Context, appID string) ([]domain.UsageRecord, error)
	// DeleteAppData deletes appID's rows in the named categories and
	// returns the number of rows removed per category. A category with
	// no backing table in this store reports a zero count rather than
	// erroring.
	DeleteAppData(ctx context.Context, appID string, categories []string) (map[string]int, error)

	Close() error
}
