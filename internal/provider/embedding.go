// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package provider

import "context"

// EmbedRequest is the canonical embedding request. Mirrors ChatRequest's
// role in the chat path: one shape every embedding-capable adapter accepts.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbedResponse is the canonical embedding response.
type EmbedResponse struct {
	Model        string      `json:"model"`
	Embeddings   [][]float64 `json:"embeddings"`
	InputTokens  int         `json:"input_tokens"`
	FinishReason string      `json:"finish_reason"`
}

// EmbeddingAdapter is an optional capability: only adapters that speak an
// embeddings wire protocol implement it. The dispatcher resolves a plain
// Adapter for a model id; the pipeline type-asserts to this interface
// before attempting POST /v1/embeddings, surfacing a
// gatewayerr.ModelNotFound error otherwise.
type EmbeddingAdapter interface {
	Embed(ctx context.Context, cred Credential, req EmbedRequest) (EmbedResponse, error)
}
