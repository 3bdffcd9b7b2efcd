// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// MockAdapter produces deterministic responses with no network call —
// the only adapter permitted to match in the test environment. The
// response content is derived from a hash of the request so repeated
// tests with the same input get the same output.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) SupportsModel(modelID string) bool {
	return strings.HasPrefix(modelID, "mock-")
}

func (a *MockAdapter) Chat(_ context.Context, _ Credential, req ChatRequest) (ChatResponse, error) {
	return a.respond(req), nil
}

func (a *MockAdapter) ChatStream(ctx context.Context, cred Credential, req ChatRequest, handler StreamHandler) (ChatResponse, error) {
	resp := a.respond(req)
	if handler != nil {
		for _, word := range strings.Fields(resp.Content) {
			if err := handler(ctx, StreamChunk{Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: word + " "}}}}); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	return resp, nil
}

func (a *MockAdapter) respond(req ChatRequest) ChatResponse {
	var last string
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	sum := sha256.Sum256([]byte(req.Model + "|" + last))
	digest := hex.EncodeToString(sum[:])[:12]

	inputTokens := estimateWords(req.Messages)
	outputTokens := 8

	return ChatResponse{
		ID:           "mock-" + digest,
		Model:        req.Model,
		Content:      fmt.Sprintf("mock response %s", digest),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		FinishReason: "stop",
	}
}

// Embed produces a deterministic fixed-width vector per input string, the
// same hash-derived determinism Chat relies on so embedding tests never
// need a live model.
func (a *MockAdapter) Embed(_ context.Context, _ Credential, req EmbedRequest) (EmbedResponse, error) {
	out := make([][]float64, len(req.Input))
	tokens := 0
	for i, text := range req.Input {
		sum := sha256.Sum256([]byte(req.Model + "|" + text))
		vec := make([]float64, 8)
		for j := range vec {
			vec[j] = float64(sum[j]) / 255.0
		}
		out[i] = vec
		tokens += len(strings.Fields(text))
	}
	return EmbedResponse{Model: req.Model, Embeddings: out, InputTokens: tokens, FinishReason: "stop"}, nil
}

func estimateWords(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
