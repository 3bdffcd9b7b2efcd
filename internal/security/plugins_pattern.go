// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package security

import (
	"context"
	"regexp"
)

// patternRule is a single compiled detection pattern with the severity it
// contributes when matched. Grounded on agent/sqli/patterns.go's
// Pattern{Name, Regex, Severity} shape, translated from SQLi's 1-10
// integer scale to this host's four-level Severity.
type patternRule struct {
	name     string
	re       *regexp.Regexp
	severity Severity
}

func scan(messages []Message, rules []patternRule, confidence float64) []Finding {
	var findings []Finding
	for _, m := range messages {
		for _, r := range rules {
			if r.re.MatchString(m.Content) {
				findings = append(findings, Finding{Severity: r.severity, Confidence: confidence, Detail: r.name})
			}
		}
	}
	return findings
}

// PromptInjectionPlugin re-checks assistant-bound content for instruction
// hijack attempts at the security layer, independent of the Input
// Validator's pre-pipeline check (defense in depth against content that
// enters the conversation after validation, e.g. tool output).
type PromptInjectionPlugin struct{ enabled bool }

func NewPromptInjectionPlugin(enabled bool) *PromptInjectionPlugin {
	return &PromptInjectionPlugin{enabled: enabled}
}

func (p *PromptInjectionPlugin) Name() string  { return "prompt_injection" }
func (p *PromptInjectionPlugin) Enabled() bool { return p.enabled }

var promptInjectionRules = []patternRule{
	{name: "ignore_instructions", re: regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`), severity: SeverityHigh},
	{name: "reveal_system_prompt", re: regexp.MustCompile(`(?i)(reveal|print|show)\s+(your\s+)?(system\s+prompt|instructions)`), severity: SeverityMedium},
	{name: "role_override", re: regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s+\w+\s+mode`), severity: SeverityHigh},
}

func (p *PromptInjectionPlugin) Check(_ context.Context, messages []Message) ([]Finding, error) {
	return scan(messages, promptInjectionRules, 0.9), nil
}

// SecretsPlugin flags credentials and keys appearing in message content.
// Grounded directly on agent/code_detector.go's secretPatterns table.
type SecretsPlugin struct{ enabled bool }

func NewSecretsPlugin(enabled bool) *SecretsPlugin { return &SecretsPlugin{enabled: enabled} }

func (p *SecretsPlugin) Name() string  { return "secrets" }
func (p *SecretsPlugin) Enabled() bool { return p.enabled }

var secretsRules = []patternRule{
	{name: "aws_key", re: regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}`), severity: SeverityCritical},
	{name: "api_key", re: regexp.MustCompile(`(?i)api[_-]?key\s*[=:]\s*['"]?[A-Za-z0-9_-]{20,}`), severity: SeverityHigh},
	{name: "github_token", re: regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), severity: SeverityCritical},
	{name: "password_assignment", re: regexp.MustCompile(`(?i)password\s*[=:]\s*['"][^'"]{8,}['"]`), severity: SeverityHigh},
	{name: "private_key", re: regexp.MustCompile(`-----BEGIN (RSA |EC |DSA )?PRIVATE KEY-----`), severity: SeverityCritical},
	{name: "jwt", re: regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), severity: SeverityMedium},
	{name: "bearer_token", re: regexp.MustCompile(`(?i)(bearer|authorization)\s*[=:]\s*['"]?[A-Za-z0-9_-]{20,}`), severity: SeverityHigh},
}

func (p *SecretsPlugin) Check(_ context.Context, messages []Message) ([]Finding, error) {
	return scan(messages, secretsRules, 1.0), nil
}

// PIIPlugin flags common directly-identifying data shapes.
type PIIPlugin struct{ enabled bool }

func NewPIIPlugin(enabled bool) *PIIPlugin { return &PIIPlugin{enabled: enabled} }

func (p *PIIPlugin) Name() string  { return "pii" }
func (p *PIIPlugin) Enabled() bool { return p.enabled }

var piiRules = []patternRule{
	{name: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), severity: SeverityHigh},
	{name: "credit_card", re: regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`), severity: SeverityHigh},
	{name: "email", re: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), severity: SeverityLow},
}

func (p *PIIPlugin) Check(_ context.Context, messages []Message) ([]Finding, error) {
	return scan(messages, piiRules, 0.8), nil
}

// CodeInjectionPlugin flags unsafe code-execution idioms appearing in
// message content (e.g. a user instructing the model to emit a reverse
// shell or an assistant echoing one back). Grounded directly on
// agent/code_detector.go's unsafePatterns table.
type CodeInjectionPlugin struct{ enabled bool }

func NewCodeInjectionPlugin(enabled bool) *CodeInjectionPlugin {
	return &CodeInjectionPlugin{enabled: enabled}
}

func (p *CodeInjectionPlugin) Name() string  { return "code_injection" }
func (p *CodeInjectionPlugin) Enabled() bool { return p.enabled }

var codeInjectionRules = []patternRule{
	{name: "eval_call", re: regexp.MustCompile(`(?i)\beval\s*\(`), severity: SeverityMedium},
	{name: "shell_exec", re: regexp.MustCompile(`(?i)os\.(system|popen|exec)`), severity: SeverityHigh},
	{name: "subprocess", re: regexp.MustCompile(`(?i)subprocess\.(call|run|Popen)`), severity: SeverityMedium},
	{name: "pickle_load", re: regexp.MustCompile(`(?i)pickle\.(load|loads)`), severity: SeverityMedium},
	{name: "unsafe_yaml_load", re: regexp.MustCompile(`(?i)yaml\.(unsafe_load|load)\s*\(`), severity: SeverityMedium},
	{name: "privilege_escalation", re: regexp.MustCompile(`(?i)allowPrivilegeEscalation:\s*true`), severity: SeverityCritical},
}

func (p *CodeInjectionPlugin) Check(_ context.Context, messages []Message) ([]Finding, error) {
	return scan(messages, codeInjectionRules, 0.85), nil
}
