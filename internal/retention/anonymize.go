// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package retention

import "github.com/policygate/gateway/internal/domain"

// contentKeys are the Details map keys treated as free text that may
// carry prompt/response content: "content", "prompt", and "response".
var contentKeys = []string{"content", "prompt", "response"}

// AnonymizeAuditEntry returns a copy of a with sensitive fields redacted
// per m's AnonymizationConfig. The original is left untouched.
func (m *Manager) AnonymizeAuditEntry(a domain.AuditEntry) domain.AuditEntry {
	out := a
	cfg := m.anonymization

	if cfg.AnonymizeUserContent {
		if len(a.Details) > 0 {
			details := make(map[string]any, len(a.Details))
			for k, v := range a.Details {
				if s, ok := v.(string); ok && containsAny(k, contentKeys) {
					details[k] = m.AnonymizeText(s)
					continue
				}
				details[k] = v
			}
			out.Details = details
		}
		if a.UserID != "" {
			out.UserID = m.AnonymizeText(a.UserID)
		}
	}

	if cfg.AnonymizeAppIDs && a.AppID != "" {
		out.AppID = m.HashValue(a.AppID)
		out.OrgID = m.HashValue(a.OrgID)
	}

	return out
}

// AnonymizeUsageRecord returns a copy of u with the app identifier
// redacted when the manager's config requests it. Usage records carry no
// free-text content, so that is the only applicable rule.
func (m *Manager) AnonymizeUsageRecord(u domain.UsageRecord) domain.UsageRecord {
	out := u
	if m.anonymization.AnonymizeAppIDs && u.AppID != "" {
		out.AppID = m.HashValue(u.AppID)
	}
	return out
}

func containsAny(s string, candidates []string) bool {
	for _, c := range candidates {
		if s == c {
			return true
		}
	}
	return false
}
