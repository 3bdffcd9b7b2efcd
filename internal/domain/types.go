// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package domain holds the shared data model crossed by every pipeline
// stage: applications, keys, models, features, policies, budgets, traces.
// Kept free of behavior beyond small predicate helpers so every other
// package can import it without a dependency cycle.
package domain

import "time"

// Environment is the enumerated deployment scope an API key is bound to.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
	EnvSandbox     Environment = "sandbox"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvSandbox:
		return true
	}
	return false
}

// EnvironmentConfig carries the per-environment knobs from the data model.
type EnvironmentConfig struct {
	Environment       Environment
	StrictMode        bool
	HonorDebugHeaders bool
	SecurityScanLevel string
	BudgetMultiplier  float64
	AllowedModels     []string
	BlockedModels     []string
	LogPrompts        bool
	LogResponses      bool
}

// Application is a stable tenant identity.
type Application struct {
	AppID           string
	Name            string
	Team            string
	Active          bool
	AllowedProviders []string
	AllowedModels    []string
}

// APIKey is the gateway-facing credential. PlaintextKey is populated only
// at creation time by the issuing path and never persisted.
type APIKey struct {
	KeyID         string
	AppID         string
	Environment   Environment
	HashedKey     string
	Prefix        string
	EncryptedUpstreamKey string
	ExpiresAt     *time.Time
	Revoked       bool
}

func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Identity is what the Credential Resolver hands back on success.
type Identity struct {
	AppID         string
	Environment   Environment
	UpstreamKey   string
	AllowedModels []string
	FeatureID     string
}

// Provider enumerates the upstream LLM providers the gateway can dispatch to.
type Provider string

const (
	ProviderOpenAICompatible Provider = "openai-compatible"
	ProviderAnthropic        Provider = "anthropic"
	ProviderBedrock          Provider = "bedrock"
	ProviderVertexAI         Provider = "vertex-ai"
	ProviderMock             Provider = "mock"
)

// ModelStatus is the lifecycle state of a catalog entry.
type ModelStatus string

const (
	ModelAvailable  ModelStatus = "available"
	ModelPreview    ModelStatus = "preview"
	ModelDeprecated ModelStatus = "deprecated"
	ModelUnavailable ModelStatus = "unavailable"
)

// Pricing is per-million-token USD pricing, optionally with cached/batch rates.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
	CachedPerMillion  *float64
	BatchPerMillion   *float64
}

// Limits bounds a model's context and output.
type Limits struct {
	MaxContextTokens int
	MaxOutputTokens  int
	MaxImages        int
}

// ModelDescriptor is a catalog entry in the Model Registry.
type ModelDescriptor struct {
	ModelID         string
	Provider        Provider
	ProviderModelID string
	Pricing         Pricing
	Limits          Limits
	Capabilities    []string
	Status          ModelStatus
	BaseURL         string
	ReplacesWith    string // hint surfaced when Status == ModelDeprecated
	AliasOf         string
}

// FeatureDescriptor is a named use-case scoped to one application.
type FeatureDescriptor struct {
	FeatureID          string
	AppID              string
	AllowedActions     []string
	AllowedModels      []string
	AllowedEnvironments []Environment
	TokenCap           int
}

// PolicyVerdict is the outcome of evaluating one or many policy rules.
type PolicyVerdict string

const (
	VerdictAllow PolicyVerdict = "allow"
	VerdictWarn  PolicyVerdict = "warn"
	VerdictDeny  PolicyVerdict = "deny"
)

// PolicyRuleType distinguishes the condition family a rule checks.
type PolicyRuleType string

const (
	RuleModelRestriction       PolicyRuleType = "model-restriction"
	RuleEnvironmentRestriction PolicyRuleType = "environment-restriction"
	RuleFeatureRestriction     PolicyRuleType = "feature-restriction"
	RuleTokenLimit             PolicyRuleType = "token-limit"
	RuleTimeWindow             PolicyRuleType = "time-window"
	RuleGeneral                PolicyRuleType = "general"
)

// PolicyConditions is the structured predicate a rule matches against a
// request context. Zero-valued fields are "don't care".
type PolicyConditions struct {
	AppID         string
	Environment   Environment
	Feature       string
	ModelPattern  string // shell-style glob, e.g. "gpt-4*"
	MaxTokens     int    // numeric <=, 0 means unset
	UserEmail     string
	HourRangeFrom int // inclusive; -1, or 0 together with HourRangeTo 0, means unset
	HourRangeTo   int // inclusive
}

// PolicyRule is one row of the ordered rule set the Policy Engine evaluates.
type PolicyRule struct {
	RuleID     string
	Priority   int
	RuleType   PolicyRuleType
	Action     PolicyVerdict
	Conditions PolicyConditions
	Enabled    bool
	AppScope   string // empty means global
	CreatedAt  time.Time
}

// BudgetScopeKind names the dimension a budget or reservation applies to.
type BudgetScopeKind string

const (
	ScopeOrganization BudgetScopeKind = "organization"
	ScopeApplication  BudgetScopeKind = "application"
	ScopeUser         BudgetScopeKind = "user"
	ScopeFeature      BudgetScopeKind = "feature"
)

// BudgetPeriod is the reset cadence of a budget's spend counter.
type BudgetPeriod string

const (
	PeriodHourly  BudgetPeriod = "hourly"
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// BudgetScope identifies one budget row: a (kind, id, environment) tuple.
type BudgetScope struct {
	Kind        BudgetScopeKind
	ID          string
	Environment Environment
}

// Budget is the durable record backing a live KV counter.
type Budget struct {
	Scope       BudgetScope
	SoftLimit   float64
	HardLimit   float64
	Period      BudgetPeriod
	PeriodStart time.Time
}

// TraceOutcome is the authoritative disposition of a finished request.
type TraceOutcome string

const (
	OutcomeAllowed       TraceOutcome = "allowed"
	OutcomeWarned        TraceOutcome = "warned"
	OutcomeDeniedPolicy  TraceOutcome = "denied_policy"
	OutcomeDeniedBudget  TraceOutcome = "denied_budget"
	OutcomeDeniedAbuse   TraceOutcome = "denied_abuse"
	OutcomeDeniedFeature TraceOutcome = "denied_feature"
	OutcomeDeniedContent TraceOutcome = "denied_content"
	OutcomeError         TraceOutcome = "error"
)

// TraceStatus is the lifecycle state of a trace record.
type TraceStatus string

const (
	StatusStarted     TraceStatus = "started"
	StatusInProgress  TraceStatus = "in-progress"
	StatusCompleted   TraceStatus = "completed"
	StatusFailed      TraceStatus = "failed"
	StatusTimeout     TraceStatus = "timeout"
)

// SpanStep names a pipeline stage a span was recorded for.
type SpanStep string

const (
	StepCredentialResolve SpanStep = "credential_resolve"
	StepEnvironmentBind   SpanStep = "environment_bind"
	StepInputValidate     SpanStep = "input_validate"
	StepAbuseCheck        SpanStep = "abuse_check"
	StepModelResolve      SpanStep = "model_resolve"
	StepFeatureCheck      SpanStep = "feature_check"
	StepPolicyEvaluate    SpanStep = "policy_evaluate"
	StepTokenEstimate     SpanStep = "token_estimate"
	StepBudgetReserve     SpanStep = "budget_reserve"
	StepSecurityScan      SpanStep = "security_scan"
	StepProviderDispatch  SpanStep = "provider_dispatch"
	StepBudgetCommit      SpanStep = "budget_commit"
	StepTraceComplete     SpanStep = "trace_complete"
)

// Span is one step-scoped record within a trace.
type Span struct {
	Step      SpanStep
	Start     time.Time
	End       time.Time
	Status    string
	Data      map[string]any
	Err       string
}

func (s Span) Duration() time.Duration { return s.End.Sub(s.Start) }

// Trace is the top-level per-request record.
type Trace struct {
	TraceID   string
	RequestID string
	AppID     string
	OrgID     string
	Model     string
	Start     time.Time
	End       time.Time
	Status    TraceStatus
	Outcome   TraceOutcome
	Spans     []Span
	Context   map[string]any
	finalized bool
}

func (t *Trace) Finalized() bool { return t.finalized }

// MarkFinalized flips the trace to finalized, reporting false if it was
// already finalized so callers can detect a double-complete/fail.
func (t *Trace) MarkFinalized() bool {
	if t.finalized {
		return false
	}
	t.finalized = true
	return true
}

// UsageRecord is the per-request billing artifact, written on completion.
type UsageRecord struct {
	AppID       string
	Model       string
	Environment Environment
	Feature     string
	InputTokens int
	OutputTokens int
	CostUSD     float64
	LatencyMS   int64
}

// AuditEntry is an append-only structured event.
type AuditEntry struct {
	EventType string
	RequestID string
	AppID     string
	OrgID     string
	UserID    string
	Model     string
	Action    string
	Outcome   TraceOutcome
	Details   map[string]any
	Timestamp time.Time
	Duration  time.Duration
	Tokens    int
	CostUSD   float64
}

// CircuitState is the closed/open/half-open status of one endpoint.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// EndpointHealth is per-endpoint router state, mutated only by the router.
type EndpointHealth struct {
	Failures     int
	Successes    int
	AvgLatencyMS float64
	State        CircuitState
	LastFailure  time.Time
	LastSuccess  time.Time
}
