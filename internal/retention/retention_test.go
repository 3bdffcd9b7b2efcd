// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/policygate/gateway/internal/domain"
)

type fakeStore struct {
	audit       map[string][]domain.AuditEntry
	usage       map[string][]domain.UsageRecord
	deleteCalls []deleteCall
}

type deleteCall struct {
	appID      string
	categories []string
}

func (f *fakeStore) WriteTrace(context.Context, *domain.Trace) error           { return nil }
func (f *fakeStore) WriteUsageRecord(context.Context, domain.UsageRecord) error { return nil }
func (f *fakeStore) WriteAuditEntry(context.Context, domain.AuditEntry) error  { return nil }
func (f *fakeStore) LoadBudget(context.Context, domain.BudgetScope) (domain.Budget, bool, error) {
	return domain.Budget{}, false, nil
}
func (f *fakeStore) LoadPolicyRules(context.Context, string) ([]domain.PolicyRule, error) {
	return nil, nil
}
func (f *fakeStore) LoadAPIKeyByHash(context.Context, string) (domain.APIKey, bool, error) {
	return domain.APIKey{}, false, nil
}
func (f *fakeStore) LoadFeature(context.Context, string, string) (domain.FeatureDescriptor, bool, error) {
	return domain.FeatureDescriptor{}, false, nil
}
func (f *fakeStore) ListAuditEntries(_ context.Context, appID string) ([]domain.AuditEntry, error) {
	return f.audit[appID], nil
}
func (f *fakeStore) ListUsageRecords(_ context.Context, appID string) ([]domain.UsageRecord, error) {
	return f.usage[appID], nil
}
func (f *fakeStore) DeleteAppData(_ context.Context, appID string, categories []string) (map[string]int, error) {
	f.deleteCalls = append(f.deleteCalls, deleteCall{appID: appID, categories: categories})
	counts := make(map[string]int, len(categories))
	for _, c := range categories {
		counts[c] = len(f.audit[appID]) + len(f.usage[appID])
	}
	return counts, nil
}
func (f *fakeStore) Close() error { return nil }

func TestManager_DefaultPolicyAndRetentionDays(t *testing.T) {
	m := NewManager()
	p := m.Policy(CategoryUsageRecords)
	require.Equal(t, PeriodExtended, p.Period)
	require.Equal(t, 365, m.RetentionDays(CategoryUsageRecords))
}

func TestManager_CustomDaysOverridesPeriod(t *testing.T) {
	m := NewManager()
	days := 14
	m.SetPolicy(Policy{Category: CategoryRequestLogs, Period: PeriodShort, CustomDays: &days})
	require.Equal(t, 14, m.RetentionDays(CategoryRequestLogs))
}

func TestManager_CutoffDateIndefiniteReturnsFalse(t *testing.T) {
	m := NewManager()
	m.SetPolicy(Policy{Category: CategoryUsageRecords, Period: PeriodIndefinite})
	_, ok := m.CutoffDate(CategoryUsageRecords)
	require.False(t, ok)
}

func TestManager_ShouldDelete(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return now }))
	m.SetPolicy(Policy{Category: CategoryRequestLogs, Period: PeriodShort})

	old := now.Add(-10 * 24 * time.Hour)
	recent := now.Add(-1 * time.Hour)
	require.True(t, m.ShouldDelete(CategoryRequestLogs, old))
	require.False(t, m.ShouldDelete(CategoryRequestLogs, recent))
}

func TestManager_AnonymizeText(t *testing.T) {
	m := NewManager()
	out := m.AnonymizeText("contact jane.doe@example.com or call 555-123-4567")
	require.Contains(t, out, "[EMAIL]")
	require.Contains(t, out, "[PHONE]")
	require.NotContains(t, out, "jane.doe@example.com")
}

func TestManager_AnonymizeIP(t *testing.T) {
	m := NewManager()
	require.Equal(t, "10.0.0.0", m.AnonymizeIP("10.0.0.42"))
}

func TestManager_AnonymizeKey(t *testing.T) {
	m := NewManager()
	require.Equal(t, "gk_live_...", m.AnonymizeKey("gk_live_abcdef123456"))
	require.Equal(t, "***", m.AnonymizeKey("short"))
}

func TestManager_AnonymizeAuditEntry(t *testing.T) {
	m := NewManager(WithAnonymizationConfig(AnonymizationConfig{
		AnonymizeUserContent: true,
		AnonymizeAppIDs:      true,
	}))
	a := domain.AuditEntry{
		AppID:  "app1",
		OrgID:  "org1",
		UserID: "reach me at jane@example.com",
		Details: map[string]any{
			"content": "my card is 4111 1111 1111 1111",
			"action":  "chat",
		},
	}
	out := m.AnonymizeAuditEntry(a)
	require.NotEqual(t, "app1", out.AppID)
	require.Contains(t, out.UserID, "[EMAIL]")
	require.Contains(t, out.Details["content"], "[CARD]")
	require.Equal(t, "chat", out.Details["action"])
}

func TestExporter_ExportAppData(t *testing.T) {
	st := &fakeStore{
		audit: map[string][]domain.AuditEntry{
			"app1": {{AppID: "app1", UserID: "jane@example.com", EventType: "request"}},
		},
		usage: map[string][]domain.UsageRecord{
			"app1": {{AppID: "app1", Model: "gpt-4o", InputTokens: 10}},
		},
	}
	m := NewManager(WithAnonymizationConfig(AnonymizationConfig{AnonymizeUserContent: true}))
	exporter := NewExporter(m, st)

	result, err := exporter.ExportAppData(context.Background(), "app1", true)
	require.NoError(t, err)
	require.Len(t, result.AuditLogs, 1)
	require.Len(t, result.UsageRecords, 1)
	require.Contains(t, result.AuditLogs[0].UserID, "[EMAIL]")
	require.Len(t, result.RetentionPolicies, len(DefaultPeriod))
}

func TestUsageRecordsToCSV(t *testing.T) {
	out, err := UsageRecordsToCSV([]domain.UsageRecord{
		{AppID: "app1", Model: "gpt-4o", Environment: domain.EnvProduction, Feature: "chat-support", InputTokens: 10, OutputTokens: 20, CostUSD: 0.01, LatencyMS: 150},
	})
	require.NoError(t, err)
	require.Contains(t, out, "app_id,model,environment,feature,input_tokens,output_tokens,cost_usd,latency_ms")
	require.Contains(t, out, "app1,gpt-4o,production,chat-support,10,20,0.01,150")
}

func TestDeletionManager_RequestAndExecute(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	st := &fakeStore{
		audit: map[string][]domain.AuditEntry{"app1": {{AppID: "app1"}}},
		usage: map[string][]domain.UsageRecord{"app1": {{AppID: "app1"}}},
	}
	dm := NewDeletionManager(st, WithDeletionClock(func() time.Time { return now }))

	req := dm.RequestDeletion("app1", []DataCategory{CategoryAuditLogs, CategoryUsageRecords}, "account_closure")
	require.Equal(t, DeletionPending, req.Status)
	require.NotEmpty(t, req.RequestID)

	completed, err := dm.ExecuteDeletion(context.Background(), req.RequestID)
	require.NoError(t, err)
	require.Equal(t, DeletionCompleted, completed.Status)
	require.Equal(t, 2, completed.DeletedCounts["audit_logs"])
	require.Len(t, st.deleteCalls, 1)
	require.ElementsMatch(t, []string{"audit_logs", "usage_records"}, st.deleteCalls[0].categories)

	log := dm.DeletionLog("app1")
	require.Len(t, log, 1)
	require.Equal(t, DeletionCompleted, log[0].Status)
}

func TestDeletionManager_RequestDeletionDefaultsToAllCategories(t *testing.T) {
	dm := NewDeletionManager(&fakeStore{})
	req := dm.RequestDeletion("app1", nil, "")
	require.Equal(t, allCategories, req.Categories)
	require.Equal(t, "data_subject_request", req.Reason)
}

func TestDeletionManager_ExecuteUnknownRequestErrors(t *testing.T) {
	dm := NewDeletionManager(&fakeStore{})
	_, err := dm.ExecuteDeletion(context.Background(), "missing")
	require.Error(t, err)
}
