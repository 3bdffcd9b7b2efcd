// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package pipeline implements the Request Pipeline: the fixed-order
// orchestration of every admission check and the provider dispatch that
// follows it (spec §4.11). It is the one place that calls every other
// core package in sequence and is deliberately thin — each step is a
// couple of lines delegating to the collaborator that owns the actual
// decision, with the pipeline responsible only for ordering, the shared
// trace, and translating denials into the gateway's stable error codes.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/policygate/gateway/internal/abuse"
	"github.com/policygate/gateway/internal/budget"
	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/feature"
	"github.com/policygate/gateway/internal/gatewayerr"
	"github.com/policygate/gateway/internal/identity"
	"github.com/policygate/gateway/internal/obslog"
	"github.com/policygate/gateway/internal/policy"
	"github.com/policygate/gateway/internal/provider"
	"github.com/policygate/gateway/internal/registry"
	"github.com/policygate/gateway/internal/router"
	"github.com/policygate/gateway/internal/routetable"
	"github.com/policygate/gateway/internal/security"
	"github.com/policygate/gateway/internal/store"
	"github.com/policygate/gateway/internal/trace"
	"github.com/policygate/gateway/internal/validate"
)

// ChatMessage is the wire-agnostic shape the HTTP layer decodes requests
// into before handing them to the pipeline.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest is everything the pipeline needs to admit and dispatch one
// chat-completion call.
type ChatRequest struct {
	APIKey              string
	UpstreamKeyOverride string
	DeclaredEnvironment domain.Environment
	FeatureID           string
	UserEmail           string
	Model               string
	Messages            []ChatMessage
	MaxTokens           int
	Temperature         *float64
	Stream              bool
	StreamHandler       provider.StreamHandler
	DryRun              bool
	Debug               bool
}

// ChatResponse is the pipeline's result, already shaped for the HTTP
// layer to render into the OpenAI wire response.
type ChatResponse struct {
	RequestID    string
	TraceID      string
	AppID        string
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	FinishReason string
	CostUSD      float64
	Outcome      domain.TraceOutcome
	Warnings     []string
	DryRun       bool
	DecisionChain any
}

// EmbedRequest is the embeddings counterpart of ChatRequest.
type EmbedRequest struct {
	APIKey              string
	UpstreamKeyOverride string
	DeclaredEnvironment domain.Environment
	FeatureID           string
	UserEmail           string
	Model               string
	Input               []string
	Debug               bool
}

// EmbedResponse is the pipeline's embeddings result.
type EmbedResponse struct {
	RequestID     string
	TraceID       string
	AppID         string
	Model         string
	Embeddings    [][]float64
	InputTokens   int
	CostUSD       float64
	Outcome       domain.TraceOutcome
	DecisionChain any
}

// Pipeline wires every admission-pipeline collaborator together behind
// the fixed step order spec §4.11 prescribes. All fields are required
// dependencies set at construction; only the clock is optional, per the
// functional-options convention the rest of the gateway uses for that.
type Pipeline struct {
	resolver      *identity.Resolver
	validator     *validate.Validator
	abuseDetector *abuse.Detector
	features      *feature.Registry
	models        *registry.Registry
	policies      *policy.Engine
	budgets       *budget.Ledger
	security      *security.Host
	dispatcher    *provider.Dispatcher
	routes        *routetable.Table
	router        *router.Router
	tracer        *trace.Recorder
	store         store.Store
	environments  map[domain.Environment]domain.EnvironmentConfig
	log           *obslog.Logger
	now           func() time.Time
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(
	resolver *identity.Resolver,
	validator *validate.Validator,
	abuseDetector *abuse.Detector,
	features *feature.Registry,
	models *registry.Registry,
	policies *policy.Engine,
	budgets *budget.Ledger,
	securityHost *security.Host,
	dispatcher *provider.Dispatcher,
	routes *routetable.Table,
	rtr *router.Router,
	tracer *trace.Recorder,
	st store.Store,
	environments map[domain.Environment]domain.EnvironmentConfig,
	log *obslog.Logger,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		resolver: resolver, validator: validator, abuseDetector: abuseDetector,
		features: features, models: models, policies: policies, budgets: budgets,
		security: securityHost, dispatcher: dispatcher, routes: routes, router: rtr,
		tracer: tracer, store: st, environments: environments, log: log, now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Chat runs the full admission pipeline and, absent a denial, dispatches
// to the resolved model's provider route table. Steps are numbered per
// spec §4.11; the one deliberate reordering is token estimation, moved
// ahead of the feature check since a feature's token cap (step 7) cannot
// be evaluated without an estimate that the spec's own numbering only
// introduces at step 9 — the feature-cap invariant takes precedence over
// the listed step order.
func (p *Pipeline) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	t := p.tracer.StartTrace("", "", req.Model)
	requestID := t.RequestID

	idx := p.tracer.StartSpan(t, domain.StepCredentialResolve)
	ident, err := p.resolver.Resolve(ctx, req.APIKey, req.DeclaredEnvironment)
	p.tracer.EndSpan(t, idx, spanStatus(err), nil, err)
	if err != nil {
		return p.fail(ctx, t, domain.StepCredentialResolve, domain.OutcomeError, err, 0, requestID)
	}
	t.AppID, t.OrgID = ident.AppID, ident.AppID

	upstreamKey := ident.UpstreamKey
	if req.UpstreamKeyOverride != "" {
		upstreamKey = req.UpstreamKeyOverride
	}
	featureID := req.FeatureID
	if featureID == "" {
		featureID = "default"
	}

	envCfg := p.environments[ident.Environment]
	var warnings []string

	idx = p.tracer.StartSpan(t, domain.StepEnvironmentBind)
	if prefixEnv, ok := matchedPrefixEnv(req.APIKey); ok && prefixEnv != ident.Environment {
		msg := fmt.Sprintf("key prefix suggests environment %q but is bound to %q", prefixEnv, ident.Environment)
		if envCfg.StrictMode {
			bindErr := gatewayerr.New(gatewayerr.AuthEnvMismatch, msg)
			p.tracer.EndSpan(t, idx, "failed", nil, bindErr)
			return p.fail(ctx, t, domain.StepEnvironmentBind, domain.OutcomeError, bindErr, 0, requestID)
		}
		warnings = append(warnings, msg)
	}
	p.tracer.EndSpan(t, idx, "ok", nil, nil)

	idx = p.tracer.StartSpan(t, domain.StepInputValidate)
	roles := make([]string, len(req.Messages))
	contents := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		roles[i], contents[i] = m.Role, m.Content
	}
	vres, verr := p.validator.Validate(roles, contents, validate.Config{Strict: envCfg.StrictMode})
	p.tracer.EndSpan(t, idx, spanStatus(verr), map[string]any{"risk_score": vres.RiskScore}, verr)
	if verr != nil {
		return p.fail(ctx, t, domain.StepInputValidate, domain.OutcomeDeniedContent, verr, 0, requestID)
	}
	warnings = append(warnings, vres.Warnings...)

	idx = p.tracer.StartSpan(t, domain.StepAbuseCheck)
	sig := abuse.Signature(ident.AppID, featureID, req.Model, contents)
	averdict, aerr := p.abuseDetector.CheckRequest(ctx, ident.AppID, sig, contents)
	if aerr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, aerr)
		return p.fail(ctx, t, domain.StepAbuseCheck, domain.OutcomeError, aerr, 0, requestID)
	}
	if averdict.Blocked {
		abuseErr := gatewayerr.New(gatewayerr.AbuseBlocked, averdict.Reason).WithReasons(string(averdict.Type))
		p.tracer.EndSpan(t, idx, "blocked", map[string]any{"type": averdict.Type, "cooldown_seconds": averdict.CooldownSeconds}, abuseErr)
		return p.fail(ctx, t, domain.StepAbuseCheck, domain.OutcomeDeniedAbuse, abuseErr, 0, requestID)
	}
	p.tracer.EndSpan(t, idx, "ok", nil, nil)

	idx = p.tracer.StartSpan(t, domain.StepModelResolve)
	model, merr := p.models.Resolve(req.Model)
	p.tracer.EndSpan(t, idx, spanStatus(merr), nil, merr)
	if merr != nil {
		return p.fail(ctx, t, domain.StepModelResolve, domain.OutcomeError, merr, 0, requestID)
	}
	if model.Status == domain.ModelDeprecated && model.ReplacesWith != "" {
		warnings = append(warnings, fmt.Sprintf("model %q is deprecated; consider %q", model.ModelID, model.ReplacesWith))
	}

	estimatedTokens := estimateTokens(contents)
	p.tracer.UpdateTrace(t, map[string]any{"estimated_tokens": estimatedTokens})

	idx = p.tracer.StartSpan(t, domain.StepFeatureCheck)
	_, ferr := p.features.Check(ctx, ident.AppID, featureID, "chat.completions", model.ModelID, ident.Environment, estimatedTokens)
	p.tracer.EndSpan(t, idx, spanStatus(ferr), nil, ferr)
	if ferr != nil {
		return p.fail(ctx, t, domain.StepFeatureCheck, domain.OutcomeDeniedFeature, ferr, 0, requestID)
	}

	idx = p.tracer.StartSpan(t, domain.StepPolicyEvaluate)
	pdecision, perr := p.policies.Evaluate(ctx, policy.RequestContext{
		AppID: ident.AppID, Environment: ident.Environment, Feature: featureID, Model: model.ModelID,
		EstimatedTokens: estimatedTokens, UserEmail: req.UserEmail, Hour: p.now().UTC().Hour(),
	})
	if perr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, perr)
		return p.fail(ctx, t, domain.StepPolicyEvaluate, domain.OutcomeError, perr, 0, requestID)
	}
	p.tracer.EndSpan(t, idx, string(pdecision.Verdict), map[string]any{"matched_rules": pdecision.MatchedRules}, nil)
	if pdecision.Verdict == domain.VerdictDeny {
		policyErr := gatewayerr.New(policyDenyCode(pdecision.Reasons), strings.Join(pdecision.Reasons, "; ")).WithReasons(pdecision.Reasons...)
		return p.fail(ctx, t, domain.StepPolicyEvaluate, domain.OutcomeDeniedPolicy, policyErr, 0, requestID)
	}
	if pdecision.Verdict == domain.VerdictWarn {
		warnings = append(warnings, pdecision.Reasons...)
	}

	preflightCost := trace.EstimateCost(model.Pricing, estimatedTokens, 0)
	idx = p.tracer.StartSpan(t, domain.StepBudgetReserve)
	scopes := budgetScopes(ident.AppID, featureID, req.UserEmail, ident.Environment)
	reservations, bdecision, berr := p.budgets.ReserveAll(ctx, scopes, preflightCost)
	if berr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, berr)
		return p.fail(ctx, t, domain.StepBudgetReserve, domain.OutcomeError, berr, 0, requestID)
	}
	if !bdecision.OK {
		p.tracer.EndSpan(t, idx, "blocked", map[string]any{"current": bdecision.Current, "limit": bdecision.Limit}, nil)
		budgetErr := gatewayerr.New(gatewayerr.BudgetExceeded,
			fmt.Sprintf("budget exceeded: current=%.2f limit=%.2f", bdecision.Current, bdecision.Limit))
		return p.fail(ctx, t, domain.StepBudgetReserve, domain.OutcomeDeniedBudget, budgetErr, preflightCost, requestID)
	}
	if bdecision.Warning {
		warnings = append(warnings, "soft budget threshold exceeded")
	}
	p.tracer.EndSpan(t, idx, "ok", nil, nil)

	idx = p.tracer.StartSpan(t, domain.StepSecurityScan)
	secMessages := make([]security.Message, len(req.Messages))
	for i, m := range req.Messages {
		secMessages[i] = security.Message{Role: m.Role, Content: m.Content}
	}
	secResult := p.security.Check(ctx, secMessages)
	p.tracer.EndSpan(t, idx, string(secResult.RiskLevel),
		map[string]any{"risk_score": secResult.RiskScore, "plugins_failed": secResult.PluginsFailed}, nil)
	if !secResult.Safe {
		p.releaseAll(ctx, reservations)
		var findingDetails []string
		for _, f := range secResult.Findings {
			findingDetails = append(findingDetails, fmt.Sprintf("%s: %s", f.Plugin, f.Detail))
		}
		contentErr := gatewayerr.New(gatewayerr.ContentBlocked, "content security scan flagged this request").WithReasons(findingDetails...)
		return p.fail(ctx, t, domain.StepSecurityScan, domain.OutcomeDeniedContent, contentErr, preflightCost, requestID)
	}

	if req.DryRun {
		p.releaseAll(ctx, reservations)
		outcome := domain.OutcomeAllowed
		if len(warnings) > 0 {
			outcome = domain.OutcomeWarned
		}
		if cerr := p.tracer.CompleteTrace(ctx, t, outcome, ident.Environment, featureID, model.Pricing, 0, 0, p.now().Sub(t.Start)); cerr != nil {
			p.log.Error("complete dry-run trace failed", obslog.Fields{"err": cerr.Error()})
		}
		p.audit(ctx, t, "chat.completions", outcome, 0, 0, 0)
		return &ChatResponse{
			RequestID: requestID, TraceID: t.TraceID, AppID: ident.AppID, Model: model.ModelID,
			Content:   fmt.Sprintf("dry-run: request would have dispatched to model %q", model.ModelID),
			Outcome:   outcome, Warnings: warnings, DryRun: true,
			DecisionChain: debugChain(req.Debug, envCfg, t),
		}, nil
	}

	idx = p.tracer.StartSpan(t, domain.StepProviderDispatch)
	adapter, derr := p.dispatcher.Resolve(model.ModelID)
	if derr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, derr)
		p.releaseAll(ctx, reservations)
		return p.fail(ctx, t, domain.StepProviderDispatch, domain.OutcomeError, derr, preflightCost, requestID)
	}
	cred := provider.Credential{APIKey: upstreamKey, BaseURL: model.BaseURL}
	endpoints := p.routes.Resolve(model.ModelID, ident.AppID, adapter, cred)
	chatReq := toProviderChatRequest(model.ModelID, req)

	var resp provider.ChatResponse
	var rerr error
	if req.Stream && req.StreamHandler != nil {
		resp, rerr = p.router.ChatStream(ctx, endpoints, chatReq, req.StreamHandler)
	} else {
		resp, rerr = p.router.Chat(ctx, endpoints, chatReq)
	}
	if rerr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, rerr)
		if _, recErr := p.abuseDetector.RecordError(ctx, ident.AppID); recErr != nil {
			p.log.Warn("record_error failed", obslog.Fields{"err": recErr.Error()})
		}
		p.releaseAll(ctx, reservations)
		upstreamErr := gatewayerr.Wrap(gatewayerr.UpstreamFailed, "every endpoint for this model failed", rerr)
		return p.fail(ctx, t, domain.StepProviderDispatch, domain.OutcomeError, upstreamErr, preflightCost, requestID)
	}
	p.tracer.EndSpan(t, idx, "ok", map[string]any{"input_tokens": resp.InputTokens, "output_tokens": resp.OutputTokens}, nil)

	actualCost := trace.EstimateCost(model.Pricing, resp.InputTokens, resp.OutputTokens)

	idx = p.tracer.StartSpan(t, domain.StepBudgetCommit)
	for _, r := range reservations {
		if cerr := p.budgets.Commit(ctx, r.Scope, r.EstimatedCost, actualCost); cerr != nil {
			p.log.Error("budget commit failed", obslog.Fields{"scope": r.Scope.Kind, "err": cerr.Error()})
		}
	}
	p.tracer.EndSpan(t, idx, "ok", nil, nil)
	if _, cwErr := p.abuseDetector.RecordCost(ctx, ident.AppID, actualCost); cwErr != nil {
		p.log.Warn("record_cost failed", obslog.Fields{"err": cwErr.Error()})
	}

	outcome := domain.OutcomeAllowed
	if len(warnings) > 0 {
		outcome = domain.OutcomeWarned
	}
	latency := p.now().Sub(t.Start)
	if cerr := p.tracer.CompleteTrace(ctx, t, outcome, ident.Environment, featureID, model.Pricing, resp.InputTokens, resp.OutputTokens, latency); cerr != nil {
		p.log.Error("complete trace failed", obslog.Fields{"err": cerr.Error()})
	}
	p.audit(ctx, t, "chat.completions", outcome, resp.InputTokens, resp.OutputTokens, actualCost)

	return &ChatResponse{
		RequestID: requestID, TraceID: t.TraceID, AppID: ident.AppID, Model: model.ModelID, Content: resp.Content,
		InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens, FinishReason: resp.FinishReason,
		CostUSD: actualCost, Outcome: outcome, Warnings: warnings,
		DecisionChain: debugChain(req.Debug, envCfg, t),
	}, nil
}

// Embed runs the same admission shape as Chat, narrowed to the checks
// that make sense for an embeddings call (no streaming, no dry-run —
// neither is a meaningful concept for a single non-conversational call).
func (p *Pipeline) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	t := p.tracer.StartTrace("", "", req.Model)
	requestID := t.RequestID

	idx := p.tracer.StartSpan(t, domain.StepCredentialResolve)
	ident, err := p.resolver.Resolve(ctx, req.APIKey, req.DeclaredEnvironment)
	p.tracer.EndSpan(t, idx, spanStatus(err), nil, err)
	if err != nil {
		return p.failEmbed(ctx, t, domain.StepCredentialResolve, domain.OutcomeError, err, requestID)
	}
	t.AppID, t.OrgID = ident.AppID, ident.AppID

	upstreamKey := ident.UpstreamKey
	if req.UpstreamKeyOverride != "" {
		upstreamKey = req.UpstreamKeyOverride
	}
	featureID := req.FeatureID
	if featureID == "" {
		featureID = "default"
	}
	envCfg := p.environments[ident.Environment]

	idx = p.tracer.StartSpan(t, domain.StepInputValidate)
	roles := make([]string, len(req.Input))
	for i := range roles {
		roles[i] = "user"
	}
	vres, verr := p.validator.Validate(roles, req.Input, validate.Config{Strict: envCfg.StrictMode})
	p.tracer.EndSpan(t, idx, spanStatus(verr), map[string]any{"risk_score": vres.RiskScore}, verr)
	if verr != nil {
		return p.failEmbed(ctx, t, domain.StepInputValidate, domain.OutcomeDeniedContent, verr, requestID)
	}

	idx = p.tracer.StartSpan(t, domain.StepAbuseCheck)
	sig := abuse.Signature(ident.AppID, featureID, req.Model, req.Input)
	averdict, aerr := p.abuseDetector.CheckRequest(ctx, ident.AppID, sig, req.Input)
	if aerr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, aerr)
		return p.failEmbed(ctx, t, domain.StepAbuseCheck, domain.OutcomeError, aerr, requestID)
	}
	if averdict.Blocked {
		abuseErr := gatewayerr.New(gatewayerr.AbuseBlocked, averdict.Reason).WithReasons(string(averdict.Type))
		p.tracer.EndSpan(t, idx, "blocked", map[string]any{"type": averdict.Type}, abuseErr)
		return p.failEmbed(ctx, t, domain.StepAbuseCheck, domain.OutcomeDeniedAbuse, abuseErr, requestID)
	}
	p.tracer.EndSpan(t, idx, "ok", nil, nil)

	idx = p.tracer.StartSpan(t, domain.StepModelResolve)
	model, merr := p.models.Resolve(req.Model)
	p.tracer.EndSpan(t, idx, spanStatus(merr), nil, merr)
	if merr != nil {
		return p.failEmbed(ctx, t, domain.StepModelResolve, domain.OutcomeError, merr, requestID)
	}

	estimatedTokens := estimateTokens(req.Input)
	p.tracer.UpdateTrace(t, map[string]any{"estimated_tokens": estimatedTokens})

	idx = p.tracer.StartSpan(t, domain.StepFeatureCheck)
	_, ferr := p.features.Check(ctx, ident.AppID, featureID, "embeddings", model.ModelID, ident.Environment, estimatedTokens)
	p.tracer.EndSpan(t, idx, spanStatus(ferr), nil, ferr)
	if ferr != nil {
		return p.failEmbed(ctx, t, domain.StepFeatureCheck, domain.OutcomeDeniedFeature, ferr, requestID)
	}

	idx = p.tracer.StartSpan(t, domain.StepPolicyEvaluate)
	pdecision, perr := p.policies.Evaluate(ctx, policy.RequestContext{
		AppID: ident.AppID, Environment: ident.Environment, Feature: featureID, Model: model.ModelID,
		EstimatedTokens: estimatedTokens, UserEmail: req.UserEmail, Hour: p.now().UTC().Hour(),
	})
	if perr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, perr)
		return p.failEmbed(ctx, t, domain.StepPolicyEvaluate, domain.OutcomeError, perr, requestID)
	}
	p.tracer.EndSpan(t, idx, string(pdecision.Verdict), map[string]any{"matched_rules": pdecision.MatchedRules}, nil)
	if pdecision.Verdict == domain.VerdictDeny {
		policyErr := gatewayerr.New(policyDenyCode(pdecision.Reasons), strings.Join(pdecision.Reasons, "; ")).WithReasons(pdecision.Reasons...)
		return p.failEmbed(ctx, t, domain.StepPolicyEvaluate, domain.OutcomeDeniedPolicy, policyErr, requestID)
	}

	preflightCost := trace.EstimateCost(model.Pricing, estimatedTokens, 0)
	idx = p.tracer.StartSpan(t, domain.StepBudgetReserve)
	scopes := budgetScopes(ident.AppID, featureID, req.UserEmail, ident.Environment)
	reservations, bdecision, berr := p.budgets.ReserveAll(ctx, scopes, preflightCost)
	if berr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, berr)
		return p.failEmbed(ctx, t, domain.StepBudgetReserve, domain.OutcomeError, berr, requestID)
	}
	if !bdecision.OK {
		p.tracer.EndSpan(t, idx, "blocked", map[string]any{"current": bdecision.Current, "limit": bdecision.Limit}, nil)
		budgetErr := gatewayerr.New(gatewayerr.BudgetExceeded,
			fmt.Sprintf("budget exceeded: current=%.2f limit=%.2f", bdecision.Current, bdecision.Limit))
		return p.failEmbedCost(ctx, t, domain.StepBudgetReserve, domain.OutcomeDeniedBudget, budgetErr, preflightCost, requestID)
	}
	p.tracer.EndSpan(t, idx, "ok", nil, nil)

	idx = p.tracer.StartSpan(t, domain.StepSecurityScan)
	secMessages := make([]security.Message, len(req.Input))
	for i, text := range req.Input {
		secMessages[i] = security.Message{Role: "user", Content: text}
	}
	secResult := p.security.Check(ctx, secMessages)
	p.tracer.EndSpan(t, idx, string(secResult.RiskLevel), map[string]any{"risk_score": secResult.RiskScore}, nil)
	if !secResult.Safe {
		p.releaseAll(ctx, reservations)
		contentErr := gatewayerr.New(gatewayerr.ContentBlocked, "content security scan flagged this request")
		return p.failEmbedCost(ctx, t, domain.StepSecurityScan, domain.OutcomeDeniedContent, contentErr, preflightCost, requestID)
	}

	idx = p.tracer.StartSpan(t, domain.StepProviderDispatch)
	adapter, derr := p.dispatcher.Resolve(model.ModelID)
	if derr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, derr)
		p.releaseAll(ctx, reservations)
		return p.failEmbedCost(ctx, t, domain.StepProviderDispatch, domain.OutcomeError, derr, preflightCost, requestID)
	}
	embedder, ok := adapter.(provider.EmbeddingAdapter)
	if !ok {
		p.tracer.EndSpan(t, idx, "failed", nil, nil)
		p.releaseAll(ctx, reservations)
		noProviderErr := gatewayerr.New(gatewayerr.ModelNotFound, fmt.Sprintf("adapter %q does not support embeddings", adapter.Name()))
		return p.failEmbedCost(ctx, t, domain.StepProviderDispatch, domain.OutcomeError, noProviderErr, preflightCost, requestID)
	}
	cred := provider.Credential{APIKey: upstreamKey, BaseURL: model.BaseURL}
	resp, rerr := embedder.Embed(ctx, cred, provider.EmbedRequest{Model: model.ModelID, Input: req.Input})
	if rerr != nil {
		p.tracer.EndSpan(t, idx, "failed", nil, rerr)
		if _, recErr := p.abuseDetector.RecordError(ctx, ident.AppID); recErr != nil {
			p.log.Warn("record_error failed", obslog.Fields{"err": recErr.Error()})
		}
		p.releaseAll(ctx, reservations)
		upstreamErr := gatewayerr.Wrap(gatewayerr.UpstreamFailed, "embeddings provider call failed", rerr)
		return p.failEmbedCost(ctx, t, domain.StepProviderDispatch, domain.OutcomeError, upstreamErr, preflightCost, requestID)
	}
	p.tracer.EndSpan(t, idx, "ok", map[string]any{"input_tokens": resp.InputTokens}, nil)

	actualCost := trace.EstimateCost(model.Pricing, resp.InputTokens, 0)
	idx = p.tracer.StartSpan(t, domain.StepBudgetCommit)
	for _, r := range reservations {
		if cerr := p.budgets.Commit(ctx, r.Scope, r.EstimatedCost, actualCost); cerr != nil {
			p.log.Error("budget commit failed", obslog.Fields{"scope": r.Scope.Kind, "err": cerr.Error()})
		}
	}
	p.tracer.EndSpan(t, idx, "ok", nil, nil)

	latency := p.now().Sub(t.Start)
	if cerr := p.tracer.CompleteTrace(ctx, t, domain.OutcomeAllowed, ident.Environment, featureID, model.Pricing, resp.InputTokens, 0, latency); cerr != nil {
		p.log.Error("complete trace failed", obslog.Fields{"err": cerr.Error()})
	}
	p.audit(ctx, t, "embeddings", domain.OutcomeAllowed, resp.InputTokens, 0, actualCost)

	return &EmbedResponse{
		RequestID: requestID, TraceID: t.TraceID, AppID: ident.AppID, Model: model.ModelID, Embeddings: resp.Embeddings,
		InputTokens: resp.InputTokens, CostUSD: actualCost, Outcome: domain.OutcomeAllowed,
		DecisionChain: debugChain(req.Debug, envCfg, t),
	}, nil
}

func (p *Pipeline) fail(ctx context.Context, t *domain.Trace, step domain.SpanStep, outcome domain.TraceOutcome, err error, estimatedCostAvoided float64, requestID string) (*ChatResponse, error) {
	gerr := toGatewayErr(err).WithRequestID(requestID)
	if ferr := p.tracer.FailTrace(ctx, t, step, outcome, err, estimatedCostAvoided); ferr != nil {
		p.log.Error("fail trace failed", obslog.Fields{"err": ferr.Error()})
	}
	p.audit(ctx, t, "chat.completions", outcome, 0, 0, 0)
	return nil, gerr
}

func (p *Pipeline) failEmbed(ctx context.Context, t *domain.Trace, step domain.SpanStep, outcome domain.TraceOutcome, err error, requestID string) (*EmbedResponse, error) {
	return p.failEmbedCost(ctx, t, step, outcome, err, 0, requestID)
}

func (p *Pipeline) failEmbedCost(ctx context.Context, t *domain.Trace, step domain.SpanStep, outcome domain.TraceOutcome, err error, estimatedCostAvoided float64, requestID string) (*EmbedResponse, error) {
	gerr := toGatewayErr(err).WithRequestID(requestID)
	if ferr := p.tracer.FailTrace(ctx, t, step, outcome, err, estimatedCostAvoided); ferr != nil {
		p.log.Error("fail trace failed", obslog.Fields{"err": ferr.Error()})
	}
	p.audit(ctx, t, "embeddings", outcome, 0, 0, 0)
	return nil, gerr
}

func toGatewayErr(err error) *gatewayerr.Error {
	if gerr, ok := gatewayerr.As(err); ok {
		return gerr
	}
	return gatewayerr.Wrap(gatewayerr.Internal, "unexpected pipeline error", err)
}

func (p *Pipeline) releaseAll(ctx context.Context, reservations []budget.Reservation) {
	for _, r := range reservations {
		if err := p.budgets.Release(ctx, r.Scope, r.EstimatedCost); err != nil {
			p.log.Warn("release reservation failed", obslog.Fields{"scope": r.Scope.Kind, "err": err.Error()})
		}
	}
}

func (p *Pipeline) audit(ctx context.Context, t *domain.Trace, action string, outcome domain.TraceOutcome, inputTokens, outputTokens int, cost float64) {
	entry := domain.AuditEntry{
		EventType: "request." + action,
		RequestID: t.RequestID,
		AppID:     t.AppID,
		OrgID:     t.OrgID,
		Model:     t.Model,
		Action:    action,
		Outcome:   outcome,
		Timestamp: p.now(),
		Duration:  t.End.Sub(t.Start),
		Tokens:    inputTokens + outputTokens,
		CostUSD:   cost,
	}
	if err := p.store.WriteAuditEntry(ctx, entry); err != nil {
		p.log.Warn("write audit entry failed", obslog.Fields{"request_id": t.RequestID, "err": err.Error()})
	}
}

func spanStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// budgetScopes lists every scope a request reserves against. Organization
// scope has no separate identity of its own in this gateway's credential
// model (see DESIGN.md) so it shares the application's id; a budget
// simply isn't configured for scopes that don't apply, and Reserve treats
// an absent budget row as an unconditional allow.
func budgetScopes(appID, featureID, userEmail string, env domain.Environment) []domain.BudgetScope {
	scopes := []domain.BudgetScope{
		{Kind: domain.ScopeOrganization, ID: appID, Environment: env},
		{Kind: domain.ScopeApplication, ID: appID, Environment: env},
		{Kind: domain.ScopeFeature, ID: featureID, Environment: env},
	}
	if userEmail != "" {
		scopes = append(scopes, domain.BudgetScope{Kind: domain.ScopeUser, ID: userEmail, Environment: env})
	}
	return scopes
}

// policyDenyCode picks the stable error code a policy deny surfaces as.
// Decision carries rule ids and free-text reasons, not rule types, so the
// code is inferred from the reason text reasonFor formats (which always
// embeds the rule's type in parentheses).
func policyDenyCode(reasons []string) gatewayerr.Code {
	joined := strings.Join(reasons, " ")
	if strings.Contains(joined, string(domain.RuleFeatureRestriction)) {
		return gatewayerr.PolicyFeatureBlocked
	}
	return gatewayerr.PolicyModelBlocked
}

// matchedPrefixEnv reports the environment a gateway key's prefix
// declares, per spec §6's dev_/stg_/prod_/sbx_ convention.
func matchedPrefixEnv(apiKey string) (domain.Environment, bool) {
	for prefix, env := range config.EnvironmentPrefix {
		if strings.HasPrefix(apiKey, prefix) {
			return env, true
		}
	}
	return "", false
}

// estimateTokens applies the deterministic words x 1.3 tokenizer
// approximation from spec §4.11 step 9, summed across every message.
func estimateTokens(contents []string) int {
	total := 0.0
	for _, c := range contents {
		total += float64(len(strings.Fields(c))) * 1.3
	}
	return int(math.Ceil(total))
}

func toProviderChatRequest(modelID string, req ChatRequest) provider.ChatRequest {
	msgs := make([]provider.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = provider.Message{Role: mapProviderRole(m.Role), Content: m.Content}
	}
	return provider.ChatRequest{
		Model: modelID, Messages: msgs, MaxTokens: req.MaxTokens, Temperature: req.Temperature, Stream: req.Stream,
	}
}

// mapProviderRole narrows the gateway's five admission-time roles down
// to the three an adapter's wire protocol understands. data and tool
// content still passes through admission with its own role (so the
// abuse/injection checks see it as data, not instructions) but forwards
// to the upstream as user content once it clears the pipeline.
func mapProviderRole(raw string) provider.Role {
	switch strings.ToLower(raw) {
	case "system":
		return provider.RoleSystem
	case "assistant":
		return provider.RoleAssistant
	default:
		return provider.RoleUser
	}
}

func debugChain(debug bool, envCfg domain.EnvironmentConfig, t *domain.Trace) any {
	if debug && envCfg.HonorDebugHeaders {
		return trace.DecisionChain(t)
	}
	return nil
}
