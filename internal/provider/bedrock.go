// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockClient is the subset of *bedrockruntime.Client this adapter
// depends on, so tests can substitute a fake.
type BedrockClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockAdapter speaks the Bedrock Converse API. Credentials come from
// ambient cloud auth (the instance/task role or a configured AWS
// profile), never from the gateway's own per-application key material —
// the Credential passed in is consulted only for an optional region
// override.
type BedrockAdapter struct {
	client BedrockClient
}

func NewBedrockAdapter(client BedrockClient) *BedrockAdapter {
	return &BedrockAdapter{client: client}
}

func (a *BedrockAdapter) Name() string { return "bedrock" }

func (a *BedrockAdapter) SupportsModel(modelID string) bool {
	return strings.HasPrefix(modelID, "bedrock/") ||
		strings.HasPrefix(modelID, "anthropic.claude") ||
		strings.HasPrefix(modelID, "amazon.titan") ||
		strings.HasPrefix(modelID, "meta.llama")
}

func bedrockModelID(modelID string) string {
	return strings.TrimPrefix(modelID, "bedrock/")
}

func toBedrockMessages(messages []Message) ([]types.SystemContentBlock, []types.Message) {
	var system []types.SystemContentBlock
	var out []types.Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return system, out
}

func inferenceConfig(req ChatRequest) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
	}
	return cfg
}

func (a *BedrockAdapter) Chat(ctx context.Context, cred Credential, req ChatRequest) (ChatResponse, error) {
	system, messages := toBedrockMessages(req.Messages)

	out, err := a.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(bedrockModelID(req.Model)),
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceConfig(req),
	})
	if err != nil {
		return ChatResponse{}, fmt.Errorf("bedrock converse: %w", err)
	}

	var content strings.Builder
	if msgOut, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msgOut.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content.WriteString(text.Value)
			}
		}
	}

	var inputTokens, outputTokens int
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			inputTokens = int(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			outputTokens = int(*out.Usage.OutputTokens)
		}
	}

	return ChatResponse{
		Model:        req.Model,
		Content:      content.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		FinishReason: string(out.StopReason),
	}, nil
}

func (a *BedrockAdapter) ChatStream(ctx context.Context, cred Credential, req ChatRequest, handler StreamHandler) (ChatResponse, error) {
	system, messages := toBedrockMessages(req.Messages)

	out, err := a.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(bedrockModelID(req.Model)),
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceConfig(req),
	})
	if err != nil {
		return ChatResponse{}, fmt.Errorf("bedrock converse stream: %w", err)
	}

	stream := out.GetStream()
	defer stream.Close()

	var contentBuilder strings.Builder
	var finishReason string
	var inputTokens, outputTokens int

	for event := range stream.Events() {
		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if delta, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				contentBuilder.WriteString(delta.Value)
				if handler != nil {
					if err := handler(ctx, StreamChunk{Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: delta.Value}}}}); err != nil {
						return ChatResponse{}, fmt.Errorf("stream handler error: %w", err)
					}
				}
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			finishReason = string(v.Value.StopReason)
		case *types.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				if v.Value.Usage.InputTokens != nil {
					inputTokens = int(*v.Value.Usage.InputTokens)
				}
				if v.Value.Usage.OutputTokens != nil {
					outputTokens = int(*v.Value.Usage.OutputTokens)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return ChatResponse{}, fmt.Errorf("bedrock stream error: %w", err)
	}

	return ChatResponse{
		Model:        req.Model,
		Content:      contentBuilder.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		FinishReason: finishReason,
	}, nil
}
