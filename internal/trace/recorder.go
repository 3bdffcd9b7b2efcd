// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package trace implements the Trace Recorder: an in-memory per-request
// span tree that materializes to the Record Store exactly once, on
// completion or failure. Grounded on agent/decision_chain.go's
// DecisionChainTracker, generalized from a persist-every-step tracker
// keyed by chain id to a single-write-on-close tracker keyed by request,
// matching how a request pipeline actually wants to record its outcome:
// build the whole trace in memory while the request is in flight, then
// flush it once.
package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/obslog"
	"github.com/policygate/gateway/internal/store"
)

// fallbackPricing is used when a model's catalog entry carries no
// pricing (unknown model, registry miss before resolution completes).
var fallbackPricing = domain.Pricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}

// Recorder builds one domain.Trace per request and writes it, plus its
// usage record, exactly once.
type Recorder struct {
	store store.Store
	now   func() time.Time
	log   *obslog.Logger
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

func NewRecorder(s store.Store, log *obslog.Logger, opts ...Option) *Recorder {
	r := &Recorder{store: s, now: time.Now, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartTrace opens a new in-memory trace for a request.
func (r *Recorder) StartTrace(appID, orgID, model string) *domain.Trace {
	return &domain.Trace{
		TraceID:   uuid.NewString(),
		RequestID: uuid.NewString(),
		AppID:     appID,
		OrgID:     orgID,
		Model:     model,
		Start:     r.now(),
		Context:   make(map[string]any),
	}
}

// StartSpan appends an open span for step and returns its index so the
// caller can pass it back to EndSpan.
func (r *Recorder) StartSpan(t *domain.Trace, step domain.SpanStep) int {
	t.Spans = append(t.Spans, domain.Span{Step: step, Start: r.now()})
	return len(t.Spans) - 1
}

// EndSpan closes the span at idx, attaching status/data/err.
func (r *Recorder) EndSpan(t *domain.Trace, idx int, status string, data map[string]any, err error) {
	if idx < 0 || idx >= len(t.Spans) {
		return
	}
	s := &t.Spans[idx]
	s.End = r.now()
	s.Status = status
	s.Data = data
	if err != nil {
		s.Err = err.Error()
	}
}

// UpdateTrace merges kv into the trace's side-channel context, e.g.
// token estimates, reasons accumulated across policy evaluation.
func (r *Recorder) UpdateTrace(t *domain.Trace, kv map[string]any) {
	for k, v := range kv {
		t.Context[k] = v
	}
}

// CompleteTrace finalizes t with a success outcome (allowed or warned),
// computes cost from usage, and writes the trace and usage record.
// Both allowed and warned are recorded with status completed; the
// distinction survives only in t.Outcome and t.Context["warnings"]. No
// separate decision field (ALLOW/BLOCK) is recorded on the trace.
func (r *Recorder) CompleteTrace(ctx context.Context, t *domain.Trace, outcome domain.TraceOutcome, env domain.Environment, feature string, pricing domain.Pricing, inputTokens, outputTokens int, latency time.Duration) error {
	if !t.MarkFinalized() {
		return fmt.Errorf("trace %s already finalized", t.TraceID)
	}
	t.End = r.now()
	t.Status = domain.StatusCompleted
	t.Outcome = outcome

	cost := EstimateCost(pricing, inputTokens, outputTokens)
	t.Context["cost_usd"] = cost

	return r.persist(ctx, t, domain.UsageRecord{
		AppID: t.AppID, Model: t.Model, Environment: env, Feature: feature,
		InputTokens: inputTokens, OutputTokens: outputTokens, CostUSD: cost,
		LatencyMS: latency.Milliseconds(),
	})
}

// FailTrace finalizes t with a denial or an exception. outcome
// distinguishes the two: a denied_* outcome carries the policy/budget/
// abuse verdict that produced it; outcomeless failures (outcome ==
// domain.OutcomeError) are raw exceptions and carry err's message.
// Every path here is recorded with status failed — status is technical,
// the outcome field carries the logical verdict a caller should branch
// on. No separate decision field (ALLOW/BLOCK) is recorded on the trace.
func (r *Recorder) FailTrace(ctx context.Context, t *domain.Trace, step domain.SpanStep, outcome domain.TraceOutcome, err error, estimatedCost float64) error {
	if !t.MarkFinalized() {
		return fmt.Errorf("trace %s already finalized", t.TraceID)
	}
	t.End = r.now()
	t.Status = domain.StatusFailed
	t.Outcome = outcome
	if err != nil {
		t.Context["error"] = err.Error()
	}
	t.Context["failed_step"] = string(step)
	t.Context["estimated_cost_avoided"] = estimatedCost

	return r.persist(ctx, t, domain.UsageRecord{
		AppID: t.AppID, Model: t.Model, InputTokens: 0, OutputTokens: 0, CostUSD: 0,
		LatencyMS: t.End.Sub(t.Start).Milliseconds(),
	})
}

func (r *Recorder) persist(ctx context.Context, t *domain.Trace, usage domain.UsageRecord) error {
	if err := r.store.WriteTrace(ctx, t); err != nil {
		r.log.Error("write trace failed", obslog.Fields{"trace_id": t.TraceID, "err": err.Error()})
		return err
	}
	if err := r.store.WriteUsageRecord(ctx, usage); err != nil {
		r.log.Error("write usage record failed", obslog.Fields{"trace_id": t.TraceID, "err": err.Error()})
		return err
	}
	return nil
}

// EstimateCost applies per-million-token pricing to observed token
// counts. Falls back to the single fallbackPricing rate when pricing is the zero value
// (model resolution never reached, or the catalog entry is incomplete).
func EstimateCost(pricing domain.Pricing, inputTokens, outputTokens int) float64 {
	if pricing.InputPerMillion == 0 && pricing.OutputPerMillion == 0 {
		pricing = fallbackPricing
	}
	return float64(inputTokens)/1_000_000*pricing.InputPerMillion +
		float64(outputTokens)/1_000_000*pricing.OutputPerMillion
}

// decisionChain is the serializable shape exposed under the response
// body's decision_chain field when X-Debug is honored.
type decisionChain struct {
	TraceID string           `json:"trace_id"`
	Outcome domain.TraceOutcome `json:"outcome"`
	Spans   []spanView       `json:"spans"`
}

type spanView struct {
	Step     domain.SpanStep `json:"step"`
	Status   string          `json:"status"`
	Err      string          `json:"error,omitempty"`
	Duration string          `json:"duration"`
}

// DecisionChain renders t's span tree for the X-Debug response field.
func DecisionChain(t *domain.Trace) any {
	dc := decisionChain{TraceID: t.TraceID, Outcome: t.Outcome}
	for _, s := range t.Spans {
		dc.Spans = append(dc.Spans, spanView{Step: s.Step, Status: s.Status, Err: s.Err, Duration: s.Duration().String()})
	}
	return dc
}
