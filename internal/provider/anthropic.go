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

// AnthropicAdapter speaks the Anthropic Messages API wire protocol.
// Grounded directly on orchestrator/llm/anthropic/provider.go: the
// system-prompt-separated-from-messages request shape, the
// message_start/content_block_delta/message_delta SSE event handling,
// and the x-api-key/anthropic-version header pair are all carried over
// unchanged from that file, adapted from its prompt-string
// CompletionRequest to this package's canonical multi-message
// ChatRequest.
type AnthropicAdapter struct {
	client     HTTPClient
	apiVersion string
}

func NewAnthropicAdapter(client HTTPClient) *AnthropicAdapter {
	return &AnthropicAdapter{client: client, apiVersion: "2023-06-01"}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) SupportsModel(modelID string) bool {
	return strings.HasPrefix(modelID, "claude-")
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// splitSystem separates the canonical system message (if any) from the
// rest, since Anthropic carries system prompts as a top-level field
// rather than a message with role "system".
func splitSystem(messages []Message) (system string, rest []anthropicMessage) {
	for _, m := range messages {
		if m.Role == RoleSystem && system == "" {
			system = m.Content
			continue
		}
		rest = append(rest, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return system, rest
}

func (a *AnthropicAdapter) toWireRequest(req ChatRequest, stream bool) anthropicRequest {
	system, rest := splitSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return anthropicRequest{
		Model:       req.Model,
		Messages:    rest,
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (a *AnthropicAdapter) setHeaders(req *http.Request, cred Credential) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", cred.APIKey)
	req.Header.Set("anthropic-version", a.apiVersion)
}

func (a *AnthropicAdapter) Chat(ctx context.Context, cred Credential, req ChatRequest) (ChatResponse, error) {
	body, err := json.Marshal(a.toWireRequest(req, false))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal anthropic request: %w", err)
	}

	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	a.setHeaders(httpReq, cred)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("anthropic error (status %d): %s", resp.StatusCode, string(b))
	}

	var wire anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return ChatResponse{}, fmt.Errorf("decode anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return ChatResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		Content:      content.String(),
		InputTokens:  wire.Usage.InputTokens,
		OutputTokens: wire.Usage.OutputTokens,
		FinishReason: wire.StopReason,
	}, nil
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type,omitempty"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

func (a *AnthropicAdapter) ChatStream(ctx context.Context, cred Credential, req ChatRequest, handler StreamHandler) (ChatResponse, error) {
	body, err := json.Marshal(a.toWireRequest(req, true))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal anthropic stream request: %w", err)
	}

	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	a.setHeaders(httpReq, cred)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("anthropic stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("anthropic stream error (status %d): %s", resp.StatusCode, string(b))
	}

	scanner := bufio.NewScanner(resp.Body)
	var contentBuilder strings.Builder
	var id, model, stopReason string
	var inputTokens, outputTokens int

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				id = event.Message.ID
				model = event.Message.Model
				if event.Message.Usage != nil {
					inputTokens = event.Message.Usage.InputTokens
				}
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				contentBuilder.WriteString(event.Delta.Text)
				if handler != nil {
					if err := handler(ctx, StreamChunk{Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: event.Delta.Text}}}}); err != nil {
						return ChatResponse{}, fmt.Errorf("stream handler error: %w", err)
					}
				}
			}
		case "message_delta":
			if event.Delta != nil {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatResponse{}, fmt.Errorf("anthropic stream read error: %w", err)
	}

	return ChatResponse{
		ID:           id,
		Model:        model,
		Content:      contentBuilder.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		FinishReason: stopReason,
	}, nil
}
