// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package validate implements the Input Validator: role-aware schema
// checking and instruction-vs-data separation via an injection-pattern
// score, structurally grounded on the agent package's SQL-injection
// scanner (a scored regex table evaluated in order, aggregated into a
// single risk decision).
package validate

import (
	"regexp"
	"strings"

	"github.com/policygate/gateway/internal/gatewayerr"
)

// Role is a normalized message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleData      Role = "data"
	RoleTool      Role = "tool"
)

// Message is one role-tagged chat message, pre- and post-validation.
type Message struct {
	Role    Role
	Content string
	Trusted bool
}

type family struct {
	name    string
	weight  float64
	pattern *regexp.Regexp
}

// families mirrors the three instruction-injection families from §4.2:
// explicit-instruction, separator, role-hijack.
var families = []family{
	{"explicit-instruction", 0.3, regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)\b`)},
	{"explicit-instruction", 0.3, regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`)},
	{"separator", 0.2, regexp.MustCompile(`(?i)---+\s*(end|begin)\s+(system|user|instructions?)\s*---+`)},
	{"separator", 0.2, regexp.MustCompile("(?i)```system")},
	{"role-hijack", 0.4, regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\b`)},
	{"role-hijack", 0.4, regexp.MustCompile(`(?i)\bact\s+as\s+(if\s+you\s+(are|were)|a|an)\b`)},
	{"role-hijack", 0.4, regexp.MustCompile(`(?i)\bsystem\s*:\s*`)},
}

// Config mirrors the per-environment strictness the request's environment
// config carries (spec §3 EnvironmentConfig).
type Config struct {
	Strict    bool
	Threshold float64 // default 0.5
}

// Validator is the Input Validator. Stateless and safe for concurrent use.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// Result is the normalized message list plus the aggregate risk score.
type Result struct {
	Messages  []Message
	RiskScore float64
	Warnings  []string
}

func normalizeRole(raw string) (Role, bool) {
	switch strings.ToLower(raw) {
	case "system":
		return RoleSystem, true
	case "user":
		return RoleUser, true
	case "assistant":
		return RoleAssistant, true
	case "data":
		return RoleData, true
	case "tool", "function":
		return RoleTool, true
	default:
		return "", false
	}
}

func scoreContent(content string) (float64, []string) {
	var score float64
	var matched []string
	seen := map[string]bool{}
	for _, fam := range families {
		if fam.pattern.MatchString(content) {
			score += fam.weight
			if !seen[fam.name] {
				matched = append(matched, fam.name)
				seen[fam.name] = true
			}
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, matched
}

// Validate checks rawMessages against cfg and returns the normalized list
// and aggregate score, or a *gatewayerr.Error with input_invalid_role,
// input_empty, input_injection_risk_too_high, or input_instruction_in_data_block.
func (v *Validator) Validate(rawRole []string, rawContent []string, cfg Config) (Result, error) {
	if len(rawRole) == 0 {
		return Result{}, gatewayerr.New(gatewayerr.InputInvalid, "input_empty: no messages supplied")
	}
	if len(rawRole) != len(rawContent) {
		return Result{}, gatewayerr.New(gatewayerr.InputInvalid, "role and content arrays must be the same length")
	}

	result := Result{Messages: make([]Message, 0, len(rawRole))}
	var aggregate float64

	for i, raw := range rawRole {
		role, ok := normalizeRole(raw)
		if !ok {
			return Result{}, gatewayerr.New(gatewayerr.InputInvalid, "input_invalid_role: unknown role "+raw)
		}
		content := rawContent[i]
		score, matched := scoreContent(content)
		if score > 0 {
			aggregate += score
			if aggregate > 1.0 {
				aggregate = 1.0
			}
			reason := "possible prompt injection pattern matched: " + strings.Join(matched, ", ")

			if role == RoleData && cfg.Strict {
				return Result{}, gatewayerr.New(gatewayerr.InputInvalid,
					"input_instruction_in_data_block: data message contains instruction-like content").
					WithReasons(matched...)
			}
			result.Warnings = append(result.Warnings, reason)
		}

		result.Messages = append(result.Messages, Message{
			Role:    role,
			Content: content,
			Trusted: role == RoleSystem,
		})
	}

	result.RiskScore = aggregate
	if aggregate > cfg.threshold() {
		// Unconditional: unlike the data-role instruction check above, the
		// aggregate-risk threshold is not gated on strict mode (spec §4.2 —
		// "exceeds a configured threshold" carries no strict-mode
		// qualifier, and the ground-truth input_validation.py's equivalent
		// per-message check calls add_error regardless of environment).
		return Result{}, gatewayerr.New(gatewayerr.InputInvalid, "input_injection_risk_too_high").
			WithReasons(result.Warnings...)
	}
	return result, nil
}

func (c Config) threshold() float64 {
	if c.Threshold == 0 {
		return 0.5
	}
	return c.Threshold
}
