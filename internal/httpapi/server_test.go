// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/policygate/gateway/internal/abuse"
	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/gatewayerr"
	"github.com/policygate/gateway/internal/kv"
	"github.com/policygate/gateway/internal/pipeline"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	detector := abuse.NewDetector(store, config.Abuse{RatePerMinute: 42})
	return New(&pipeline.Pipeline{}, detector)
}

func TestParseHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-API-Key", "pg-live-abc")
	req.Header.Set("Authorization", "Bearer sk-override")
	req.Header.Set("X-Feature-Id", "checkout-bot")
	req.Header.Set("X-User-Email", "dev@example.com")
	req.Header.Set("X-Dry-Run", "true")
	req.Header.Set("X-Debug", "1")
	req.Header.Set("X-Environment", "staging")

	hdr := parseHeaders(req)
	require.Equal(t, "pg-live-abc", hdr.apiKey)
	require.Equal(t, "sk-override", hdr.upstreamKeyOverride)
	require.Equal(t, "checkout-bot", hdr.featureID)
	require.Equal(t, "dev@example.com", hdr.userEmail)
	require.True(t, hdr.dryRun)
	require.True(t, hdr.debug)
	require.Equal(t, domain.Environment("staging"), hdr.declaredEnv)
}

func TestParseHeaders_Defaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	hdr := parseHeaders(req)
	require.Empty(t, hdr.apiKey)
	require.Empty(t, hdr.upstreamKeyOverride)
	require.False(t, hdr.dryRun)
	require.False(t, hdr.debug)
}

func TestSetRateLimitHeaders(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.setRateLimitHeaders(context.Background(), w, "")
	require.Equal(t, "42", w.Header().Get("X-RateLimit-Limit"))
	require.Empty(t, w.Header().Get("X-RateLimit-Remaining"))
	require.Empty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestSetRateLimitHeaders_WithAppIDSetsFullTriple(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.setRateLimitHeaders(context.Background(), w, "app-1")
	require.Equal(t, "42", w.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "42", w.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.handleHealthz(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestSendError_UsesStableCodeAndStatus(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.sendError(w, "chat.completions", gatewayerr.New(gatewayerr.BudgetExceeded, "monthly budget exhausted"))

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "BUDGET_EXCEEDED", body.Error.Code)
	require.Equal(t, "monthly budget exhausted", body.Error.Message)
}

func TestSendError_WrapsUnknownErrorAsInternal(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.sendError(w, "chat.completions", errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "INTERNAL", body.Error.Code)
}
