// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAIAdapter speaks the OpenAI chat-completions wire protocol, used
// by OpenAI itself and every OpenAI-wire-compatible deployment: Groq,
// Mistral, Ollama, LM Studio, Azure OpenAI deployments, and self-hosted
// OpenAI-wire servers. Grounded on
// orchestrator/llm/anthropic/provider.go's HTTPClient-interface +
// SSE-scanner shape, adapted to the OpenAI request/response/event
// schema instead of Anthropic's.
type OpenAIAdapter struct {
	client      HTTPClient
	modelPrefix string // "", "ollama/", "lmstudio/" — empty matches any non-prefixed id
	azureToken  AzureTokenSource
}

// HTTPClient is the minimal interface adapters depend on, enabling a
// deterministic fake in tests without a live endpoint.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAIAdapterOption configures optional OpenAIAdapter behavior.
type OpenAIAdapterOption func(*OpenAIAdapter)

// WithAzureADToken routes credential resolution through an Azure AD
// token source instead of cred.APIKey, for Azure OpenAI deployments
// configured for Entra ID auth rather than a static resource key.
func WithAzureADToken(src AzureTokenSource) OpenAIAdapterOption {
	return func(a *OpenAIAdapter) { a.azureToken = src }
}

func NewOpenAIAdapter(client HTTPClient, modelPrefix string, opts ...OpenAIAdapterOption) *OpenAIAdapter {
	a := &OpenAIAdapter{client: client, modelPrefix: modelPrefix}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *OpenAIAdapter) Name() string { return "openai-compatible" }

func (a *OpenAIAdapter) SupportsModel(modelID string) bool {
	if a.modelPrefix != "" {
		return strings.HasPrefix(modelID, a.modelPrefix)
	}
	return strings.HasPrefix(modelID, "gpt-") || strings.HasPrefix(modelID, "o1") || strings.HasPrefix(modelID, "o3")
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIStreamChoice struct {
	Index        int           `json:"index"`
	Delta        openAIMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamChunk struct {
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
}

func (a *OpenAIAdapter) toWireRequest(req ChatRequest, stream bool) openAIRequest {
	msgs := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openAIMessage{Role: string(m.Role), Content: m.Content}
	}
	return openAIRequest{
		Model:       stripPrefix(req.Model, a.modelPrefix),
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func stripPrefix(model, prefix string) string {
	if prefix != "" {
		return strings.TrimPrefix(model, prefix)
	}
	return model
}

func (a *OpenAIAdapter) Chat(ctx context.Context, cred Credential, req ChatRequest) (ChatResponse, error) {
	body, err := json.Marshal(a.toWireRequest(req, false))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	if err := a.setHeaders(ctx, httpReq, cred); err != nil {
		return ChatResponse{}, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("openai-compatible request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("openai-compatible error (status %d): %s", resp.StatusCode, string(b))
	}

	var wire openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return ChatResponse{}, fmt.Errorf("decode openai response: %w", err)
	}

	var content, finishReason string
	if len(wire.Choices) > 0 {
		content = wire.Choices[0].Message.Content
		finishReason = wire.Choices[0].FinishReason
	}

	return ChatResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		Content:      content,
		InputTokens:  wire.Usage.PromptTokens,
		OutputTokens: wire.Usage.CompletionTokens,
		FinishReason: finishReason,
	}, nil
}

func (a *OpenAIAdapter) ChatStream(ctx context.Context, cred Credential, req ChatRequest, handler StreamHandler) (ChatResponse, error) {
	body, err := json.Marshal(a.toWireRequest(req, true))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal openai stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	if err := a.setHeaders(ctx, httpReq, cred); err != nil {
		return ChatResponse{}, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("openai-compatible stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("openai-compatible stream error (status %d): %s", resp.StatusCode, string(b))
	}

	scanner := bufio.NewScanner(resp.Body)
	var contentBuilder strings.Builder
	var model, finishReason string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			contentBuilder.WriteString(delta)
			if chunk.Choices[0].FinishReason != "" {
				finishReason = chunk.Choices[0].FinishReason
			}
			if handler != nil && delta != "" {
				if err := handler(ctx, StreamChunk{Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: delta}}}}); err != nil {
					return ChatResponse{}, fmt.Errorf("stream handler error: %w", err)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatResponse{}, fmt.Errorf("openai-compatible stream read error: %w", err)
	}

	return ChatResponse{Model: model, Content: contentBuilder.String(), FinishReason: finishReason}, nil
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedItem struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type openAIEmbedResponse struct {
	Model string            `json:"model"`
	Data  []openAIEmbedItem `json:"data"`
	Usage openAIUsage       `json:"usage"`
}

// Embed speaks the OpenAI embeddings wire protocol.
func (a *OpenAIAdapter) Embed(ctx context.Context, cred Credential, req EmbedRequest) (EmbedResponse, error) {
	body, err := json.Marshal(openAIEmbedRequest{Model: stripPrefix(req.Model, a.modelPrefix), Input: req.Input})
	if err != nil {
		return EmbedResponse{}, fmt.Errorf("marshal openai embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return EmbedResponse{}, err
	}
	if err := a.setHeaders(ctx, httpReq, cred); err != nil {
		return EmbedResponse{}, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return EmbedResponse{}, fmt.Errorf("openai-compatible embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return EmbedResponse{}, fmt.Errorf("openai-compatible embed error (status %d): %s", resp.StatusCode, string(b))
	}

	var wire openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return EmbedResponse{}, fmt.Errorf("decode openai embed response: %w", err)
	}

	out := make([][]float64, len(wire.Data))
	for _, item := range wire.Data {
		if item.Index >= 0 && item.Index < len(out) {
			out[item.Index] = item.Embedding
		}
	}

	return EmbedResponse{Model: wire.Model, Embeddings: out, InputTokens: wire.Usage.PromptTokens, FinishReason: "stop"}, nil
}

// setHeaders sets the bearer credential for the upstream request. When an
// AzureTokenSource is configured it takes precedence over cred.APIKey,
// matching Azure OpenAI deployments that authenticate via Entra ID
// rather than a static resource key.
func (a *OpenAIAdapter) setHeaders(ctx context.Context, req *http.Request, cred Credential) error {
	req.Header.Set("Content-Type", "application/json")

	if a.azureToken != nil {
		token, err := a.azureToken.Token(ctx)
		if err != nil {
			return fmt.Errorf("acquire azure ad token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}

	if cred.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cred.APIKey)
	}
	return nil
}
