// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ModerationClassifier is implemented by whatever backs a model-based
// moderator: a remote moderation API or a local model server. Kept
// separate from the HTTP plumbing so tests can supply a deterministic
// fake without a live endpoint.
type ModerationClassifier interface {
	Classify(ctx context.Context, content string) (flagged bool, category string, confidence float64, err error)
}

// ModeratorPlugin is an asynchronous, model-backed moderation plugin —
// the "Llama-Guard-style local model or OpenAI-moderation-API-style
// remote" family named alongside the synchronous pattern detectors.
type ModeratorPlugin struct {
	name       string
	enabled    bool
	classifier ModerationClassifier
}

func NewModeratorPlugin(name string, enabled bool, classifier ModerationClassifier) *ModeratorPlugin {
	return &ModeratorPlugin{name: name, enabled: enabled, classifier: classifier}
}

func (p *ModeratorPlugin) Name() string  { return p.name }
func (p *ModeratorPlugin) Enabled() bool { return p.enabled }

func (p *ModeratorPlugin) CheckAsync(ctx context.Context, messages []Message) ([]Finding, error) {
	var findings []Finding
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		flagged, category, confidence, err := p.classifier.Classify(ctx, m.Content)
		if err != nil {
			return nil, err
		}
		if flagged {
			findings = append(findings, Finding{
				Severity:   severityForCategory(category),
				Confidence: confidence,
				Detail:     category,
			})
		}
	}
	return findings, nil
}

func severityForCategory(category string) Severity {
	switch strings.ToLower(category) {
	case "sexual/minors", "self-harm/intent", "violence/graphic":
		return SeverityCritical
	case "hate/threatening", "harassment/threatening", "violence":
		return SeverityHigh
	case "hate", "harassment", "self-harm":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RemoteModerationClassifier calls an OpenAI-moderation-API-shaped HTTP
// endpoint: POST {"input": content} → {"results":[{"flagged":bool,
// "categories":{...},"category_scores":{...}}]}.
type RemoteModerationClassifier struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

func (c *RemoteModerationClassifier) Classify(ctx context.Context, content string) (bool, string, float64, error) {
	body, err := json.Marshal(map[string]string{"input": content})
	if err != nil {
		return false, "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/moderations", strings.NewReader(string(body)))
	if err != nil {
		return false, "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return false, "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "", 0, fmt.Errorf("moderation endpoint returned %d", resp.StatusCode)
	}

	var parsed moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, "", 0, err
	}
	if len(parsed.Results) == 0 || !parsed.Results[0].Flagged {
		return false, "", 0, nil
	}

	result := parsed.Results[0]
	var topCategory string
	var topScore float64
	for cat, flagged := range result.Categories {
		if !flagged {
			continue
		}
		if score := result.CategoryScores[cat]; score >= topScore {
			topScore = score
			topCategory = cat
		}
	}
	return true, topCategory, topScore, nil
}
