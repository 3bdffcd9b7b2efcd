// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package provider implements the Provider Adapter layer: a canonical
// chat request/response shape and one adapter per upstream wire
// protocol. Grounded on
// orchestrator/llm/anthropic/{provider.go,adapter.go}'s two-layer split
// (a wire-protocol Provider plus a thin Adapter translating to/from a
// shared request/response shape) — generalized here from one provider
// to the full adapter set the gateway needs.
package provider

import (
	"context"
	"time"
)

// Role is a canonical chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one canonical chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical chat request every adapter accepts.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChatResponse is the canonical chat response every adapter returns.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
}

// StreamChunk is one chunk of a streamed response, always shaped in
// OpenAI streaming form regardless of the upstream's native shape —
// uniformity across adapters is the point of this type.
type StreamChunk struct {
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice is a single choice within a StreamChunk.
type StreamChoice struct {
	Index int        `json:"index"`
	Delta StreamDelta `json:"delta"`
}

// StreamDelta carries the incremental content of a StreamChoice.
type StreamDelta struct {
	Content string `json:"content,omitempty"`
}

// StreamHandler receives each chunk of a streamed response in order.
type StreamHandler func(ctx context.Context, chunk StreamChunk) error

// Credential is the upstream credential an adapter authenticates with —
// separate from the gateway's own API key, since ambient cloud auth
// (Bedrock, Vertex) and organization-held provider keys (OpenAI,
// Anthropic) are resolved differently.
type Credential struct {
	APIKey  string
	BaseURL string
	Region  string
	Project string
}

// AzureTokenSource acquires a bearer token for Azure AD / Entra ID
// authenticated deployments. Defined here rather than imported directly
// from an Azure SDK type so this package stays free of cloud-SDK
// dependencies; azureADTokenSource in cmd/gateway wraps azidentity's
// DefaultAzureCredential to satisfy it, wired in when
// GATEWAY_ENABLE_AZURE_OPENAI is set.
type AzureTokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Adapter translates a canonical chat request into one upstream wire
// protocol and back.
type Adapter interface {
	// Name identifies the adapter for selection, logging, and metrics.
	Name() string

	// SupportsModel reports whether this adapter can serve model_id.
	SupportsModel(modelID string) bool

	// Chat performs a single non-streaming completion.
	Chat(ctx context.Context, cred Credential, req ChatRequest) (ChatResponse, error)

	// ChatStream performs a streaming completion, invoking handler for
	// each chunk and returning the accumulated response once finished.
	ChatStream(ctx context.Context, cred Credential, req ChatRequest, handler StreamHandler) (ChatResponse, error)
}

// Latency is a convenience timer used by adapters to report call
// duration to the caller without importing the router's metrics.
func Latency(start time.Time) time.Duration { return time.Since(start) }
