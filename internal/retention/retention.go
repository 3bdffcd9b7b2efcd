// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package retention implements data-lifecycle and privacy management for
// the record store's durable artifacts: configurable retention periods
// per data category, anonymization of sensitive fields, and compliance
// export/deletion (GDPR Article 17, "right to be forgotten"). Grounded
// on original_source/backend/core/retention.py's RetentionManager,
// DataExporter, and DataDeletionManager, generalized from Python dict
// records to the gateway's typed domain.AuditEntry/domain.UsageRecord.
package retention

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"
)

// DataCategory is a class of durable record with its own retention policy.
type DataCategory string

const (
	CategoryAuditLogs      DataCategory = "audit_logs"
	CategoryUsageRecords   DataCategory = "usage_records"
	CategoryRequestLogs    DataCategory = "request_logs"
	CategoryDecisionTraces DataCategory = "decision_traces"
	CategoryErrorLogs      DataCategory = "error_logs"
	CategoryAnalytics      DataCategory = "analytics"
)

// Period is one of the standard retention windows.
type Period string

const (
	PeriodImmediate Period = "immediate"
	PeriodShort     Period = "short"
	PeriodMedium    Period = "medium"
	PeriodLong      Period = "long"
	PeriodExtended  Period = "extended"
	PeriodIndefinite Period = "indefinite"
)

// PeriodDays maps each standard period to a day count; -1 means never
// auto-delete.
var PeriodDays = map[Period]int{
	PeriodImmediate:  0,
	PeriodShort:      7,
	PeriodMedium:     30,
	PeriodLong:       90,
	PeriodExtended:   365,
	PeriodIndefinite: -1,
}

// DefaultPeriod is the out-of-the-box retention assignment per category,
// matching the source's compliance defaults: billing-relevant usage
// records are kept longest, raw prompt-bearing request logs shortest.
var DefaultPeriod = map[DataCategory]Period{
	CategoryAuditLogs:      PeriodLong,
	CategoryUsageRecords:   PeriodExtended,
	CategoryRequestLogs:    PeriodShort,
	CategoryDecisionTraces: PeriodMedium,
	CategoryErrorLogs:      PeriodMedium,
	CategoryAnalytics:      PeriodExtended,
}

// Policy configures retention for one category.
type Policy struct {
	Category            DataCategory
	Period              Period
	AnonymizeBeforeDelete bool
	ArchiveBeforeDelete   bool
	CustomDays            *int // overrides Period's standard day count when set
}

// AnonymizationConfig controls which fields Manager.Anonymize* redacts.
type AnonymizationConfig struct {
	AnonymizeAppIDs       bool
	AnonymizeUserContent  bool
	AnonymizeIPAddresses  bool
	AnonymizeAPIKeys      bool
	PreserveStatistics    bool
}

// DefaultAnonymizationConfig mirrors the source's defaults: user-supplied
// content is redacted and app identifiers are left as they are. The
// AnonymizeIPAddresses, AnonymizeAPIKeys and PreserveStatistics flags are
// set here but no Anonymize* method reads them: no IP field is redacted,
// and key-shaped tokens are redacted only inside free text, under
// AnonymizeUserContent.
func DefaultAnonymizationConfig() AnonymizationConfig {
	return AnonymizationConfig{
		AnonymizeUserContent: true,
		AnonymizeIPAddresses: true,
		AnonymizeAPIKeys:     true,
		PreserveStatistics:   true,
	}
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)
	apiKeyPattern = regexp.MustCompile(`\b(sk-|pk-|api_|key_|token_)[A-Za-z0-9]{20,}\b`)
)

// Manager owns the per-category retention policy table and the
// anonymization rules applied before export or deletion. Safe for
// concurrent reads; SetPolicy is not expected to race with lookups in
// the gateway's single-writer-at-startup usage.
type Manager struct {
	policies      map[DataCategory]Policy
	anonymization AnonymizationConfig
	now           func() time.Time
}

type Option func(*Manager)

// WithAnonymizationConfig overrides the default anonymization rules.
func WithAnonymizationConfig(cfg AnonymizationConfig) Option {
	return func(m *Manager) { m.anonymization = cfg }
}

// WithClock overrides the manager's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager seeded with DefaultPeriod and
// DefaultAnonymizationConfig.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		policies:      make(map[DataCategory]Policy, len(DefaultPeriod)),
		anonymization: DefaultAnonymizationConfig(),
		now:           time.Now,
	}
	for category, period := range DefaultPeriod {
		m.policies[category] = Policy{Category: category, Period: period}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPolicy installs or replaces the policy for a category.
func (m *Manager) SetPolicy(p Policy) {
	m.policies[p.Category] = p
}

// Policy returns the policy for category, defaulting to PeriodMedium if
// none was ever configured.
func (m *Manager) Policy(category DataCategory) Policy {
	if p, ok := m.policies[category]; ok {
		return p
	}
	return Policy{Category: category, Period: PeriodMedium}
}

// RetentionDays returns the number of days category's data is retained.
func (m *Manager) RetentionDays(category DataCategory) int {
	p := m.Policy(category)
	if p.CustomDays != nil {
		return *p.CustomDays
	}
	if days, ok := PeriodDays[p.Period]; ok {
		return days
	}
	return 30
}

// CutoffDate returns the timestamp before which category's data should be
// deleted, or false if the category is retained indefinitely.
func (m *Manager) CutoffDate(category DataCategory) (time.Time, bool) {
	days := m.RetentionDays(category)
	if days < 0 {
		return time.Time{}, false
	}
	return m.now().Add(-time.Duration(days) * 24 * time.Hour), true
}

// ShouldDelete reports whether a record timestamped ts falls outside
// category's retention window.
func (m *Manager) ShouldDelete(category DataCategory, ts time.Time) bool {
	cutoff, ok := m.CutoffDate(category)
	if !ok {
		return false
	}
	return ts.Before(cutoff)
}

// AnonymizeText redacts emails, phone numbers, card numbers, SSNs, and
// gateway/API key-shaped tokens from free text while preserving
// structure, the way retention.py's _anonymize_text does.
func (m *Manager) AnonymizeText(text string) string {
	if text == "" {
		return text
	}
	text = emailPattern.ReplaceAllString(text, "[EMAIL]")
	text = phonePattern.ReplaceAllString(text, "[PHONE]")
	text = cardPattern.ReplaceAllString(text, "[CARD]")
	text = ssnPattern.ReplaceAllString(text, "[SSN]")
	text = apiKeyPattern.ReplaceAllString(text, "[API_KEY]")
	return text
}

// AnonymizeIP zeroes the last octet of an IPv4 address, or hashes
// anything else it doesn't recognize.
func (m *Manager) AnonymizeIP(ip string) string {
	if ip == "" {
		return ip
	}
	parts := splitDot(ip)
	if len(parts) == 4 {
		return parts[0] + "." + parts[1] + "." + parts[2] + ".0"
	}
	hashed := m.HashValue(ip)
	if len(hashed) > 16 {
		return hashed[:16]
	}
	return hashed
}

// AnonymizeKey shows only the first 8 characters of an API key.
func (m *Manager) AnonymizeKey(key string) string {
	if key == "" {
		return key
	}
	if len(key) > 8 {
		return key[:8] + "..."
	}
	return "***"
}

// HashValue returns a stable, truncated SHA-256 hash of value, used to
// anonymize identifiers that must stay joinable across records without
// exposing the original value.
func (m *Manager) HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

func splitDot(s string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return parts
}
