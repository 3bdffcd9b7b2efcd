// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package httpapi exposes the admission pipeline over an OpenAI-wire
// compatible HTTP surface: POST /v1/chat/completions, POST /v1/embeddings,
// plus /healthz and /metrics. Grounded on the teacher's
// platform/agent/gateway_handlers.go RegisterGatewayHandlers(r *mux.Router)
// convention — one registration function taking the caller's router,
// package-level Prometheus collectors wired up in init(), and a shared
// sendError helper writing a JSON error body.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/policygate/gateway/internal/abuse"
	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/gatewayerr"
	"github.com/policygate/gateway/internal/obslog"
	"github.com/policygate/gateway/internal/pipeline"
	"github.com/policygate/gateway/internal/provider"
)

// Server wires the admission pipeline into HTTP handlers.
type Server struct {
	pipeline *pipeline.Pipeline
	abuse    *abuse.Detector
	log      *obslog.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(log *obslog.Logger) Option { return func(s *Server) { s.log = log } }

// New builds a Server. abuseDetector supplies the X-RateLimit-* response
// headers from the same per-minute window it uses to enforce the ceiling.
func New(p *pipeline.Pipeline, abuseDetector *abuse.Detector, opts ...Option) *Server {
	s := &Server{pipeline: p, abuse: abuseDetector, log: obslog.New("httpapi")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandlers wires every gateway route onto r, following the
// teacher's RegisterGatewayHandlers(r *mux.Router) shape.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods("POST")
	r.HandleFunc("/v1/embeddings", s.handleEmbeddings).Methods("POST")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// requestHeaders holds the admission-relevant headers parseHeaders extracts
// from the spec's transport layer: X-API-Key (or a Bearer override),
// X-Feature-Id, X-Dry-Run, X-Debug, and X-Environment.
type requestHeaders struct {
	apiKey              string
	upstreamKeyOverride string
	featureID           string
	userEmail           string
	dryRun              bool
	debug               bool
	declaredEnv         domain.Environment
}

func parseHeaders(r *http.Request) requestHeaders {
	h := requestHeaders{
		apiKey:    r.Header.Get("X-API-Key"),
		featureID: r.Header.Get("X-Feature-Id"),
		userEmail: r.Header.Get("X-User-Email"),
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			h.upstreamKeyOverride = auth[len(prefix):]
		}
	}
	if v := r.Header.Get("X-Dry-Run"); v == "true" || v == "1" {
		h.dryRun = true
	}
	if v := r.Header.Get("X-Debug"); v == "true" || v == "1" {
		h.debug = true
	}
	if v := r.Header.Get("X-Environment"); v != "" {
		h.declaredEnv = domain.Environment(v)
	}
	return h
}

// setRateLimitHeaders sets the X-RateLimit-* triple. appID is empty before
// the caller's identity is resolved, in which case only Limit is known;
// the handlers call this a second time once appID is available to fill in
// Remaining and Reset.
func (s *Server) setRateLimitHeaders(ctx context.Context, w http.ResponseWriter, appID string) {
	limit, remaining, resetAt, err := s.abuse.RateLimitStatus(ctx, appID)
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	if appID == "" || err != nil {
		return
	}
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}

// chatCompletionsRequest is the OpenAI-wire-compatible request body.
type chatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []wireMsg `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type wireMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsResponse struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	Model       string       `json:"model"`
	Choices     []wireChoice `json:"choices"`
	Usage       wireUsage    `json:"usage"`
	GatewayMeta gatewayMeta  `json:"gateway_meta"`
}

type wireChoice struct {
	Index        int     `json:"index"`
	Message      wireMsg `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type gatewayMeta struct {
	TraceID       string   `json:"trace_id"`
	Outcome       string   `json:"outcome"`
	CostUSD       float64  `json:"cost_usd"`
	DryRun        bool     `json:"dry_run,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	DecisionChain any      `json:"decision_chain,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	hdr := parseHeaders(r)
	s.setRateLimitHeaders(r.Context(), w, "")

	var wireReq chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		s.sendError(w, "chat.completions", gatewayerr.New(gatewayerr.InputInvalid, "invalid request body: "+err.Error()))
		return
	}

	msgs := make([]pipeline.ChatMessage, len(wireReq.Messages))
	for i, m := range wireReq.Messages {
		msgs[i] = pipeline.ChatMessage{Role: m.Role, Content: m.Content}
	}

	req := pipeline.ChatRequest{
		APIKey:              hdr.apiKey,
		UpstreamKeyOverride: hdr.upstreamKeyOverride,
		DeclaredEnvironment: hdr.declaredEnv,
		FeatureID:           hdr.featureID,
		UserEmail:           hdr.userEmail,
		Model:               wireReq.Model,
		Messages:            msgs,
		MaxTokens:           wireReq.MaxTokens,
		Temperature:         wireReq.Temperature,
		Stream:              wireReq.Stream,
		DryRun:              hdr.dryRun,
		Debug:               hdr.debug,
	}

	if wireReq.Stream {
		s.streamChatCompletions(w, r, req, start)
		return
	}

	resp, err := s.pipeline.Chat(r.Context(), req)
	if err != nil {
		s.recordMetrics("chat.completions", start, err)
		s.sendError(w, "chat.completions", err)
		return
	}
	s.recordMetrics("chat.completions", start, nil)
	tokensTotal.WithLabelValues("input", resp.Model).Add(float64(resp.InputTokens))
	tokensTotal.WithLabelValues("output", resp.Model).Add(float64(resp.OutputTokens))
	costTotal.WithLabelValues(resp.Model).Add(resp.CostUSD)
	s.setRateLimitHeaders(r.Context(), w, resp.AppID)

	out := chatCompletionsResponse{
		ID:     resp.RequestID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []wireChoice{{
			Index:        0,
			Message:      wireMsg{Role: "assistant", Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: wireUsage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.InputTokens + resp.OutputTokens,
		},
		GatewayMeta: gatewayMeta{
			TraceID:       resp.TraceID,
			Outcome:       string(resp.Outcome),
			CostUSD:       resp.CostUSD,
			DryRun:        resp.DryRun,
			Warnings:      resp.Warnings,
			DecisionChain: resp.DecisionChain,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// streamChatCompletions frames each provider.StreamChunk as an SSE "data:"
// line of OpenAI-shaped JSON, terminated by "data: [DONE]" — the same
// framing the teacher's upstream adapters already speak, just relayed to
// the caller instead of only consumed internally.
func (s *Server) streamChatCompletions(w http.ResponseWriter, r *http.Request, req pipeline.ChatRequest, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, "chat.completions", gatewayerr.New(gatewayerr.Internal, "streaming unsupported by response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.New().String()
	req.StreamHandler = func(_ context.Context, chunk provider.StreamChunk) error {
		frame := struct {
			ID      string               `json:"id"`
			Object  string               `json:"object"`
			Model   string               `json:"model"`
			Choices []provider.StreamChoice `json:"choices"`
		}{ID: id, Object: "chat.completion.chunk", Model: req.Model, Choices: chunk.Choices}
		buf, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", buf); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	resp, err := s.pipeline.Chat(r.Context(), req)
	if err != nil {
		s.recordMetrics("chat.completions.stream", start, err)
		fmt.Fprintf(w, "data: %s\n\n", mustJSON(map[string]string{"error": err.Error()}))
		flusher.Flush()
		return
	}
	s.recordMetrics("chat.completions.stream", start, nil)
	tokensTotal.WithLabelValues("input", resp.Model).Add(float64(resp.InputTokens))
	tokensTotal.WithLabelValues("output", resp.Model).Add(float64(resp.OutputTokens))
	costTotal.WithLabelValues(resp.Model).Add(resp.CostUSD)

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func mustJSON(v any) []byte {
	buf, _ := json.Marshal(v)
	return buf
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Object      string          `json:"object"`
	Model       string          `json:"model"`
	Data        []embeddingItem `json:"data"`
	Usage       wireUsage       `json:"usage"`
	GatewayMeta gatewayMeta     `json:"gateway_meta"`
}

type embeddingItem struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	hdr := parseHeaders(r)
	s.setRateLimitHeaders(r.Context(), w, "")

	var wireReq embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		s.sendError(w, "embeddings", gatewayerr.New(gatewayerr.InputInvalid, "invalid request body: "+err.Error()))
		return
	}

	req := pipeline.EmbedRequest{
		APIKey:              hdr.apiKey,
		UpstreamKeyOverride: hdr.upstreamKeyOverride,
		DeclaredEnvironment: hdr.declaredEnv,
		FeatureID:           hdr.featureID,
		UserEmail:           hdr.userEmail,
		Model:               wireReq.Model,
		Input:               wireReq.Input,
		Debug:               hdr.debug,
	}

	resp, err := s.pipeline.Embed(r.Context(), req)
	if err != nil {
		s.recordMetrics("embeddings", start, err)
		s.sendError(w, "embeddings", err)
		return
	}
	s.recordMetrics("embeddings", start, nil)
	tokensTotal.WithLabelValues("input", resp.Model).Add(float64(resp.InputTokens))
	costTotal.WithLabelValues(resp.Model).Add(resp.CostUSD)
	s.setRateLimitHeaders(r.Context(), w, resp.AppID)

	data := make([]embeddingItem, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		data[i] = embeddingItem{Index: i, Embedding: e}
	}

	out := embeddingsResponse{
		Object: "list",
		Model:  resp.Model,
		Data:   data,
		Usage:  wireUsage{PromptTokens: resp.InputTokens, TotalTokens: resp.InputTokens},
		GatewayMeta: gatewayMeta{
			TraceID:       resp.TraceID,
			Outcome:       string(resp.Outcome),
			CostUSD:       resp.CostUSD,
			DecisionChain: resp.DecisionChain,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) recordMetrics(route string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(route, outcome).Inc()
	requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

// sendError writes the stable JSON error-body shape spec §7 describes,
// built from the gatewayerr code/HTTP-status table. Grounded on the
// teacher's sendGatewayError(w, message, statusCode) helper.
func (s *Server) sendError(w http.ResponseWriter, route string, err error) {
	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.Wrap(gatewayerr.Internal, "unexpected error", err)
	}
	s.log.Error("request failed", obslog.Fields{
		"route": route, "code": string(ge.Code), "request_id": ge.RequestID, "error": ge.Error(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gatewayerr.Status(ge.Code))
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":       ge.Code,
			"message":    ge.Message,
			"reasons":    ge.Reasons,
			"request_id": ge.RequestID,
		},
	})
}
