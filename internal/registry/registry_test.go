// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/gatewayerr"
)

func TestLoad_ResolvesConcreteModel(t *testing.T) {
	r, err := Load(strings.NewReader(`
models:
  - model_id: gpt-4o
    provider: openai-compatible
    provider_model_id: gpt-4o
    status: available
    capabilities: [chat, vision]
    pricing:
      input_per_million: 2.50
      output_per_million: 10.00
    limits:
      max_context_tokens: 128000
      max_output_tokens: 16384
`))
	require.NoError(t, err)

	desc, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	require.Equal(t, domain.Provider("openai-compatible"), desc.Provider)
	require.Equal(t, 2.50, desc.Pricing.InputPerMillion)
	require.Equal(t, 128000, desc.Limits.MaxContextTokens)
}

func TestLoad_DefaultsMissingStatusToAvailable(t *testing.T) {
	r, err := Load(strings.NewReader(`
models:
  - model_id: bare-model
    provider: mock
    provider_model_id: bare-model
`))
	require.NoError(t, err)

	desc, err := r.Resolve("bare-model")
	require.NoError(t, err)
	require.Equal(t, domain.ModelAvailable, desc.Status)
}

func TestLoad_AliasResolvesToTargetDescriptorButKeepsOwnID(t *testing.T) {
	r, err := Load(strings.NewReader(`
models:
  - model_id: claude-3-5-sonnet
    provider: anthropic
    provider_model_id: claude-3-5-sonnet-20241022
    status: available
    pricing:
      input_per_million: 3.00
      output_per_million: 15.00
    limits:
      max_context_tokens: 200000
      max_output_tokens: 8192

  - model_id: claude-3-5-sonnet-latest
    provider: anthropic
    alias_of: claude-3-5-sonnet
    status: available
`))
	require.NoError(t, err)

	desc, err := r.Resolve("claude-3-5-sonnet-latest")
	require.NoError(t, err)
	require.Equal(t, "claude-3-5-sonnet-latest", desc.ModelID, "alias resolution must keep the requested id, not overwrite it with the target's")
	require.Equal(t, "claude-3-5-sonnet-20241022", desc.ProviderModelID)
	require.Equal(t, 3.00, desc.Pricing.InputPerMillion)
}

func TestLoad_AliasCycleFailsAtLoadTime(t *testing.T) {
	_, err := Load(strings.NewReader(`
models:
  - model_id: a
    provider: mock
    alias_of: b
  - model_id: b
    provider: mock
    alias_of: a
`))
	require.Error(t, err, "a cyclic alias chain must fail catalog load, not loop forever at resolve time")
}

func TestLoad_AliasToUnknownModelFails(t *testing.T) {
	_, err := Load(strings.NewReader(`
models:
  - model_id: ghost-alias
    provider: mock
    alias_of: does-not-exist
`))
	require.Error(t, err)
}

func TestLoad_MissingModelIDFails(t *testing.T) {
	_, err := Load(strings.NewReader(`
models:
  - provider: mock
    provider_model_id: nameless
`))
	require.Error(t, err)
}

func TestResolve_UnknownModelReturnsModelNotFound(t *testing.T) {
	r, err := Load(strings.NewReader(`models: []`))
	require.NoError(t, err)

	_, err = r.Resolve("nope")
	gerr, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.ModelNotFound, gerr.Code)
}

func TestResolve_UnavailableModelReturnsModelNotFound(t *testing.T) {
	r, err := Load(strings.NewReader(`
models:
  - model_id: retired-model
    provider: mock
    provider_model_id: retired-model
    status: unavailable
`))
	require.NoError(t, err)

	_, err = r.Resolve("retired-model")
	gerr, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.ModelNotFound, gerr.Code)
}

func TestResolve_DeprecatedModelStillResolvesWithReplacesWithHint(t *testing.T) {
	r, err := Load(strings.NewReader(`
models:
  - model_id: claude-3-5-sonnet
    provider: anthropic
    provider_model_id: claude-3-5-sonnet-20241022
    status: available

  - model_id: claude-3-opus
    provider: anthropic
    provider_model_id: claude-3-opus-20240229
    status: deprecated
    replaces_with: claude-3-5-sonnet
`))
	require.NoError(t, err)

	desc, err := r.Resolve("claude-3-opus")
	require.NoError(t, err, "a deprecated model must still resolve; callers surface the hint rather than reject")
	require.Equal(t, domain.ModelDeprecated, desc.Status)
	require.Equal(t, "claude-3-5-sonnet", desc.ReplacesWith)
}

func TestModels_ReturnsEveryCatalogEntry(t *testing.T) {
	r, err := Load(strings.NewReader(`
models:
  - model_id: one
    provider: mock
  - model_id: two
    provider: mock
`))
	require.NoError(t, err)
	require.Len(t, r.Models(), 2)
}
