// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package retention

import (
	"context"
	"encoding/csv"
	"strconv"
	"strings"
	"time"

	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/store"
)

// ExportResult is the compliance data-export artifact for one
// application: every audit entry and usage record on file, plus the
// retention policy in effect per category at export time. Grounded on
// DataExporter.export_app_data's return shape.
type ExportResult struct {
	AppID             string
	ExportedAt        time.Time
	AuditLogs         []domain.AuditEntry
	UsageRecords      []domain.UsageRecord
	RetentionPolicies map[DataCategory]Policy
}

// Exporter produces compliance exports for an application's durable
// records, grounded on DataExporter.
type Exporter struct {
	manager *Manager
	store   store.Store
}

func NewExporter(manager *Manager, st store.Store) *Exporter {
	return &Exporter{manager: manager, store: st}
}

// ExportAppData loads every audit entry and usage record for appID. When
// anonymize is true, each record passes through the manager's
// anonymization rules before being returned, matching the source's
// export_app_data(..., anonymize=True) path.
func (e *Exporter) ExportAppData(ctx context.Context, appID string, anonymize bool) (ExportResult, error) {
	audit, err := e.store.ListAuditEntries(ctx, appID)
	if err != nil {
		return ExportResult{}, err
	}
	usage, err := e.store.ListUsageRecords(ctx, appID)
	if err != nil {
		return ExportResult{}, err
	}

	if anonymize {
		for i, a := range audit {
			audit[i] = e.manager.AnonymizeAuditEntry(a)
		}
		for i, u := range usage {
			usage[i] = e.manager.AnonymizeUsageRecord(u)
		}
	}

	policies := make(map[DataCategory]Policy, len(DefaultPeriod))
	for category := range DefaultPeriod {
		policies[category] = e.manager.Policy(category)
	}

	return ExportResult{
		AppID:             appID,
		ExportedAt:        e.manager.now(),
		AuditLogs:         audit,
		UsageRecords:      usage,
		RetentionPolicies: policies,
	}, nil
}

// UsageRecordsToCSV renders usage records to CSV, matching
// DataExporter.export_to_csv's column set.
func UsageRecordsToCSV(records []domain.UsageRecord) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	header := []string{"app_id", "model", "environment", "feature", "input_tokens", "output_tokens", "cost_usd", "latency_ms"}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, r := range records {
		row := []string{
			r.AppID, r.Model, string(r.Environment), r.Feature,
			strconv.Itoa(r.InputTokens), strconv.Itoa(r.OutputTokens),
			strconv.FormatFloat(r.CostUSD, 'f', -1, 64),
			strconv.FormatInt(r.LatencyMS, 10),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return sb.String(), nil
}
