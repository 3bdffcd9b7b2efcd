// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/policygate/gateway/internal/domain"
)

// PostgresStore is the production Record Store, backed by the relational
// schema (applications, api_keys, policy_rules, budgets, features,
// audit_logs, usage_records, request_traces) described in the wire spec.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and verifies it.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already-open *sql.DB; used by tests to
// inject a sqlmock connection.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) WriteTrace(ctx context.Context, t *domain.Trace) error {
	spans, err := json.Marshal(t.Spans)
	if err != nil {
		return fmt.Errorf("marshal spans: %w", err)
	}
	ctxBlob, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("marshal trace context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_traces
			(trace_id, request_id, app_id, org_id, model, started_at, ended_at, status, outcome, spans, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trace_id) DO NOTHING`,
		t.TraceID, t.RequestID, t.AppID, t.OrgID, t.Model, t.Start, t.End, t.Status, t.Outcome, spans, ctxBlob,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteUsageRecord(ctx context.Context, u domain.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(app_id, model, environment, feature, input_tokens, output_tokens, cost_usd, latency_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.AppID, u.Model, u.Environment, u.Feature, u.InputTokens, u.OutputTokens, u.CostUSD, u.LatencyMS, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteAuditEntry(ctx context.Context, a domain.AuditEntry) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs
			(event_type, request_id, app_id, org_id, user_id, model, action, outcome, details, occurred_at, duration_ms, tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.EventType, a.RequestID, a.AppID, a.OrgID, a.UserID, a.Model, a.Action, a.Outcome, details, a.Timestamp,
		a.Duration.Milliseconds(), a.Tokens, a.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadBudget(ctx context.Context, scope domain.BudgetScope) (domain.Budget, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT soft_limit, hard_limit, period, period_start
		FROM budgets
		WHERE scope_kind = $1 AND scope_id = $2 AND environment = $3`,
		scope.Kind, scope.ID, scope.Environment,
	)
	var b domain.Budget
	b.Scope = scope
	var period string
	if err := row.Scan(&b.SoftLimit, &b.HardLimit, &period, &b.PeriodStart); err != nil {
		if err == sql.ErrNoRows {
			return domain.Budget{}, false, nil
		}
		return domain.Budget{}, false, fmt.Errorf("load budget: %w", err)
	}
	b.Period = domain.BudgetPeriod(period)
	return b, true, nil
}

func (s *PostgresStore) LoadPolicyRules(ctx context.Context, appID string) ([]domain.PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, priority, rule_type, action, app_scope, enabled, created_at,
		       app_id_cond, environment_cond, feature_cond, model_pattern, max_tokens_cond, user_email_cond,
		       hour_range_from, hour_range_to
		FROM policy_rules
		WHERE enabled = true AND (app_scope IS NULL OR app_scope = $1)
		ORDER BY priority ASC, created_at ASC`, appID)
	if err != nil {
		return nil, fmt.Errorf("query policy rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.PolicyRule
	for rows.Next() {
		var r domain.PolicyRule
		var appScope, ruleType, action sql.NullString
		var condApp, condEnv, condFeature, condModel, condEmail sql.NullString
		var condMaxTokens, hourFrom, hourTo sql.NullInt64
		if err := rows.Scan(&r.RuleID, &r.Priority, &ruleType, &action, &appScope, &r.Enabled, &r.CreatedAt,
			&condApp, &condEnv, &condFeature, &condModel, &condMaxTokens, &condEmail,
			&hourFrom, &hourTo); err != nil {
			return nil, fmt.Errorf("scan policy rule: %w", err)
		}
		r.RuleType = domain.PolicyRuleType(ruleType.String)
		r.Action = domain.PolicyVerdict(action.String)
		r.AppScope = appScope.String
		r.Conditions = domain.PolicyConditions{
			AppID:         condApp.String,
			Environment:   domain.Environment(condEnv.String),
			Feature:       condFeature.String,
			ModelPattern:  condModel.String,
			MaxTokens:     int(condMaxTokens.Int64),
			UserEmail:     condEmail.String,
			HourRangeFrom: nullIntOrDefault(hourFrom, -1),
			HourRangeTo:   nullIntOrDefault(hourTo, -1),
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) LoadAPIKeyByHash(ctx context.Context, hashedKey string) (domain.APIKey, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, app_id, environment, hashed_key, prefix, encrypted_upstream_key, expires_at, revoked
		FROM api_keys
		WHERE hashed_key = $1`, hashedKey)
	var k domain.APIKey
	var env string
	var expires sql.NullTime
	if err := row.Scan(&k.KeyID, &k.AppID, &env, &k.HashedKey, &k.Prefix, &k.EncryptedUpstreamKey, &expires, &k.Revoked); err != nil {
		if err == sql.ErrNoRows {
			return domain.APIKey{}, false, nil
		}
		return domain.APIKey{}, false, fmt.Errorf("load api key: %w", err)
	}
	k.Environment = domain.Environment(env)
	if expires.Valid {
		k.ExpiresAt = &expires.Time
	}
	return k, true, nil
}

func (s *PostgresStore) LoadFeature(ctx context.Context, appID, featureID string) (domain.FeatureDescriptor, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT feature_id, app_id, allowed_actions, allowed_models, allowed_environments, token_cap
		FROM features
		WHERE app_id = $1 AND feature_id = $2`, appID, featureID)
	var f domain.FeatureDescriptor
	var actions, models, envs []byte
	if err := row.Scan(&f.FeatureID, &f.AppID, &actions, &models, &envs, &f.TokenCap); err != nil {
		if err == sql.ErrNoRows {
			return domain.FeatureDescriptor{}, false, nil
		}
		return domain.FeatureDescriptor{}, false, fmt.Errorf("load feature: %w", err)
	}
	json.Unmarshal(actions, &f.AllowedActions)
	json.Unmarshal(models, &f.AllowedModels)
	var rawEnvs []string
	json.Unmarshal(envs, &rawEnvs)
	for _, e := range rawEnvs {
		f.AllowedEnvironments = append(f.AllowedEnvironments, domain.Environment(e))
	}
	return f, true, nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, appID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, request_id, app_id, org_id, user_id, model, action, outcome, details, occurred_at, duration_ms, tokens, cost_usd
		FROM audit_logs
		WHERE app_id = $1
		ORDER BY occurred_at ASC`, appID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		var outcome string
		var details []byte
		var durationMS int64
		if err := rows.Scan(&a.EventType, &a.RequestID, &a.AppID, &a.OrgID, &a.UserID, &a.Model, &a.Action, &outcome,
			&details, &a.Timestamp, &durationMS, &a.Tokens, &a.CostUSD); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		a.Outcome = domain.TraceOutcome(outcome)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		json.Unmarshal(details, &a.Details)
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListUsageRecords(ctx context.Context, appID string) ([]domain.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, model, environment, feature, input_tokens, output_tokens, cost_usd, latency_ms
		FROM usage_records
		WHERE app_id = $1
		ORDER BY recorded_at ASC`, appID)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var u domain.UsageRecord
		var env string
		if err := rows.Scan(&u.AppID, &u.Model, &env, &u.Feature, &u.InputTokens, &u.OutputTokens, &u.CostUSD, &u.LatencyMS); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		u.Environment = domain.Environment(env)
		records = append(records, u)
	}
	return records, rows.Err()
}

// retentionTables maps a retention data category to the table it is
// backed by in this schema. Categories with no dedicated table here
// (request_logs, error_logs, analytics — this gateway doesn't persist
// those separately from the trace/audit tables above) are accepted but
// report a zero count rather than erroring.
var retentionTables = map[string]string{
	"audit_logs":      "audit_logs",
	"usage_records":   "usage_records",
	"decision_traces": "request_traces",
}

func (s *PostgresStore) DeleteAppData(ctx context.Context, appID string, categories []string) (map[string]int, error) {
	counts := make(map[string]int, len(categories))
	for _, category := range categories {
		table, ok := retentionTables[category]
		if !ok {
			counts[category] = 0
			continue
		}
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE app_id = $1", table), appID)
		if err != nil {
			return nil, fmt.Errorf("delete %s for app: %w", table, err)
		}
		n, _ := res.RowsAffected()
		counts[category] = int(n)
	}
	return counts, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// nullIntOrDefault returns n's value if set, otherwise def. Used for
// hour_range_from/to, where NULL means "no time-window condition".
func nullIntOrDefault(n sql.NullInt64, def int) int {
	if !n.Valid {
		return def
	}
	return int(n.Int64)
}
