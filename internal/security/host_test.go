// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHost_SecretsPluginFlagsAWSKey(t *testing.T) {
	h := NewHost([]Plugin{NewSecretsPlugin(true)}, nil)
	res := h.Check(context.Background(), []Message{
		{Role: "user", Content: `aws_secret_access_key="AKIAEXAMPLEKEYVALUE1234567890"`},
	})
	require.False(t, res.Safe)
	require.Equal(t, SeverityCritical, res.RiskLevel)
	require.Contains(t, res.PluginsExecuted, "secrets")
}

func TestHost_CleanMessagesAreSafe(t *testing.T) {
	h := NewHost([]Plugin{NewSecretsPlugin(true), NewPromptInjectionPlugin(true)}, nil)
	res := h.Check(context.Background(), []Message{{Role: "user", Content: "what's the weather today?"}})
	require.True(t, res.Safe)
	require.Equal(t, 0.0, res.RiskScore)
}

func TestHost_DisabledPluginNeverRuns(t *testing.T) {
	h := NewHost([]Plugin{NewSecretsPlugin(false)}, nil)
	res := h.Check(context.Background(), []Message{{Role: "user", Content: `api_key="thisisatotallyrealsecretkey123"`}})
	require.True(t, res.Safe)
	require.Empty(t, res.PluginsExecuted)
}

type erroringPlugin struct{}

func (erroringPlugin) Name() string  { return "broken" }
func (erroringPlugin) Enabled() bool { return true }
func (erroringPlugin) Check(_ context.Context, _ []Message) ([]Finding, error) {
	return nil, errors.New("boom")
}

func TestHost_FailingPluginRecordedNotFatal(t *testing.T) {
	h := NewHost([]Plugin{erroringPlugin{}, NewSecretsPlugin(true)}, nil)
	res := h.Check(context.Background(), []Message{{Role: "user", Content: "hello"}})
	require.True(t, res.Safe)
	require.Contains(t, res.PluginsFailed, "broken")
	require.Contains(t, res.PluginsExecuted, "secrets")
}

type slowAsyncPlugin struct{ delay time.Duration }

func (p slowAsyncPlugin) Name() string  { return "slow" }
func (p slowAsyncPlugin) Enabled() bool { return true }
func (p slowAsyncPlugin) CheckAsync(ctx context.Context, _ []Message) ([]Finding, error) {
	select {
	case <-time.After(p.delay):
		return []Finding{{Severity: SeverityLow, Confidence: 1.0, Detail: "slow-result"}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestHost_AsyncPluginExceedingTimeoutIsRecordedAsFailed(t *testing.T) {
	h := NewHost(nil, []AsyncPlugin{slowAsyncPlugin{delay: 200 * time.Millisecond}}, WithTimeout(10*time.Millisecond))
	res := h.Check(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.Contains(t, res.PluginsFailed, "slow")
}

type panickingAsyncPlugin struct{}

func (panickingAsyncPlugin) Name() string  { return "panicky" }
func (panickingAsyncPlugin) Enabled() bool { return true }
func (panickingAsyncPlugin) CheckAsync(_ context.Context, _ []Message) ([]Finding, error) {
	panic("boom")
}

func TestHost_PanickingAsyncPluginRecordedNotFatal(t *testing.T) {
	h := NewHost(nil, []AsyncPlugin{panickingAsyncPlugin{}, slowAsyncPlugin{delay: time.Millisecond}})
	res := h.Check(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.Contains(t, res.PluginsFailed, "panicky")
	require.Contains(t, res.PluginsExecuted, "slow")
}

type fakeClassifier struct {
	flagged    bool
	category   string
	confidence float64
}

func (f fakeClassifier) Classify(_ context.Context, _ string) (bool, string, float64, error) {
	return f.flagged, f.category, f.confidence, nil
}

func TestHost_ModeratorCriticalFindingMarksUnsafe(t *testing.T) {
	mod := NewModeratorPlugin("moderator", true, fakeClassifier{flagged: true, category: "violence/graphic", confidence: 0.95})
	h := NewHost(nil, []AsyncPlugin{mod})
	res := h.Check(context.Background(), []Message{{Role: "assistant", Content: "some flagged content"}})
	require.False(t, res.Safe)
	require.Equal(t, SeverityCritical, res.RiskLevel)
}

func TestAggregate_RiskScoreFormula(t *testing.T) {
	// Two high-severity findings at full confidence: weight(high)=0.7 each,
	// sum = 1.4, /2.0 = 0.7.
	res := aggregate([]pluginOutcome{
		{name: "a", findings: []Finding{{Severity: SeverityHigh, Confidence: 1.0}}},
		{name: "b", findings: []Finding{{Severity: SeverityHigh, Confidence: 1.0}}},
	})
	require.InDelta(t, 0.7, res.RiskScore, 0.0001)
	require.Equal(t, SeverityHigh, res.RiskLevel)
}
