// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// VertexAdapter speaks the Vertex AI generateContent wire protocol for
// Gemini models: generationConfig and systemInstruction shape, as
// opposed to Anthropic's system field or OpenAI's system-role message.
// Authentication rides on ambient Google credentials (the same
// workload-identity/service-account chain google.golang.org/api's own
// clients use), resolved once at construction via
// golang.org/x/oauth2/google rather than per request.
type VertexAdapter struct {
	httpClient *http.Client
	project    string
	location   string
}

// NewVertexAdapter builds a Vertex adapter authenticated against
// Application Default Credentials for the given project/location.
func NewVertexAdapter(ctx context.Context, project, location string) (*VertexAdapter, error) {
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("resolve vertex ai credentials: %w", err)
	}
	return &VertexAdapter{
		httpClient: oauth2.NewClient(ctx, creds.TokenSource),
		project:    project,
		location:   location,
	}, nil
}

func (a *VertexAdapter) Name() string { return "vertex-ai" }

func (a *VertexAdapter) SupportsModel(modelID string) bool {
	return strings.HasPrefix(modelID, "gemini-")
}

type vertexPart struct {
	Text string `json:"text"`
}

type vertexContent struct {
	Role  string       `json:"role"`
	Parts []vertexPart `json:"parts"`
}

type vertexGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type vertexRequest struct {
	Contents          []vertexContent         `json:"contents"`
	SystemInstruction *vertexContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *vertexGenerationConfig `json:"generationConfig,omitempty"`
}

type vertexCandidate struct {
	Content      vertexContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type vertexUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type vertexResponse struct {
	Candidates    []vertexCandidate   `json:"candidates"`
	UsageMetadata vertexUsageMetadata `json:"usageMetadata"`
}

func (a *VertexAdapter) toWireRequest(req ChatRequest) vertexRequest {
	var system *vertexContent
	var contents []vertexContent
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system == nil {
				system = &vertexContent{Parts: []vertexPart{{Text: m.Content}}}
			}
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, vertexContent{Role: role, Parts: []vertexPart{{Text: m.Content}}})
	}

	cfg := &vertexGenerationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	return vertexRequest{Contents: contents, SystemInstruction: system, GenerationConfig: cfg}
}

func (a *VertexAdapter) endpoint(model, action string) string {
	model = strings.TrimPrefix(model, "gemini-")
	model = "gemini-" + model
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		a.location, a.project, a.location, model, action)
}

func (a *VertexAdapter) Chat(ctx context.Context, cred Credential, req ChatRequest) (ChatResponse, error) {
	body, err := json.Marshal(a.toWireRequest(req))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal vertex request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(req.Model, "generateContent"), bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("vertex ai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("vertex ai error (status %d): %s", resp.StatusCode, string(b))
	}

	var wire vertexResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return ChatResponse{}, fmt.Errorf("decode vertex response: %w", err)
	}

	var content strings.Builder
	var finishReason string
	if len(wire.Candidates) > 0 {
		for _, part := range wire.Candidates[0].Content.Parts {
			content.WriteString(part.Text)
		}
		finishReason = wire.Candidates[0].FinishReason
	}

	return ChatResponse{
		Model:        req.Model,
		Content:      content.String(),
		InputTokens:  wire.UsageMetadata.PromptTokenCount,
		OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
		FinishReason: finishReason,
	}, nil
}

func (a *VertexAdapter) ChatStream(ctx context.Context, cred Credential, req ChatRequest, handler StreamHandler) (ChatResponse, error) {
	body, err := json.Marshal(a.toWireRequest(req))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal vertex stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(req.Model, "streamGenerateContent"), bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("vertex ai stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("vertex ai stream error (status %d): %s", resp.StatusCode, string(b))
	}

	// Vertex streams a JSON array of response objects, not SSE; decode
	// incrementally with a streaming JSON decoder.
	decoder := json.NewDecoder(resp.Body)
	var contentBuilder strings.Builder
	var inputTokens, outputTokens int
	var finishReason string

	// consume opening '['
	if _, err := decoder.Token(); err != nil {
		return ChatResponse{}, fmt.Errorf("vertex stream: read array open: %w", err)
	}
	for decoder.More() {
		var chunk vertexResponse
		if err := decoder.Decode(&chunk); err != nil {
			return ChatResponse{}, fmt.Errorf("vertex stream: decode chunk: %w", err)
		}
		if len(chunk.Candidates) > 0 {
			for _, part := range chunk.Candidates[0].Content.Parts {
				contentBuilder.WriteString(part.Text)
				if handler != nil && part.Text != "" {
					if err := handler(ctx, StreamChunk{Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: part.Text}}}}); err != nil {
						return ChatResponse{}, fmt.Errorf("stream handler error: %w", err)
					}
				}
			}
			if chunk.Candidates[0].FinishReason != "" {
				finishReason = chunk.Candidates[0].FinishReason
			}
		}
		if chunk.UsageMetadata.PromptTokenCount > 0 {
			inputTokens = chunk.UsageMetadata.PromptTokenCount
		}
		if chunk.UsageMetadata.CandidatesTokenCount > 0 {
			outputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
	}

	return ChatResponse{
		Model:        req.Model,
		Content:      contentBuilder.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		FinishReason: finishReason,
	}, nil
}
