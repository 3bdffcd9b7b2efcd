// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package routetable

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/policygate/gateway/internal/provider"
)

func TestLoad_EmptyRouteTableIsNotAnError(t *testing.T) {
	table, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	require.NotNil(t, table)
}

func TestResolve_NoConfiguredRouteFallsBackToDefaultEndpoint(t *testing.T) {
	table, err := Load(strings.NewReader(""))
	require.NoError(t, err)

	mock := provider.NewMockAdapter()
	cred := provider.Credential{BaseURL: "https://default.internal", APIKey: "sk-default"}

	eps := table.Resolve("mock-gpt", "app-1", mock, cred)
	require.Len(t, eps, 1)
	require.Equal(t, "https://default.internal", eps[0].URL)
	require.Equal(t, 100, eps[0].Weight)
	require.Equal(t, "sk-default", eps[0].Credential.APIKey)
}

func TestResolve_CachesBuiltEndpointsPerModelAndApp(t *testing.T) {
	table, err := Load(strings.NewReader(""))
	require.NoError(t, err)

	mock := provider.NewMockAdapter()
	cred := provider.Credential{BaseURL: "https://default.internal"}

	first := table.Resolve("mock-gpt", "app-1", mock, cred)
	second := table.Resolve("mock-gpt", "app-1", mock, cred)
	require.Same(t, first[0], second[0], "a repeat Resolve for the same (model, app) must reuse the built endpoint so circuit-breaker state accumulates")

	other := table.Resolve("mock-gpt", "app-2", mock, cred)
	require.NotSame(t, first[0], other[0], "a different app id must get its own endpoint set")
}

func TestResolve_WeightedMultiEndpointRouteTable(t *testing.T) {
	table, err := Load(strings.NewReader(`
routes:
  gpt-4o:
    - url: https://primary.internal
      weight: 80
      priority: 0
    - url: https://secondary.internal
      weight: 20
      priority: 1
`))
	require.NoError(t, err)

	mock := provider.NewMockAdapter()
	cred := provider.Credential{BaseURL: "https://default.internal", APIKey: "sk-default"}

	eps := table.Resolve("gpt-4o", "app-1", mock, cred)
	require.Len(t, eps, 2)
	require.Equal(t, "https://primary.internal", eps[0].URL)
	require.Equal(t, 80, eps[0].Weight)
	require.Equal(t, 0, eps[0].Priority)
	require.Equal(t, "https://secondary.internal", eps[1].URL)
	require.Equal(t, 20, eps[1].Weight)
	require.Equal(t, 1, eps[1].Priority)
	// Neither row overrides the credential, so both endpoints inherit the
	// caller's default API key.
	require.Equal(t, "sk-default", eps[0].Credential.APIKey)
	require.Equal(t, "sk-default", eps[1].Credential.APIKey)
}

func TestResolve_CredentialOverrideEnvSubstitutesAPIKey(t *testing.T) {
	const envVar = "POLICYGATE_TEST_ROUTE_OVERRIDE_KEY"
	require.NoError(t, os.Setenv(envVar, "sk-overridden"))
	defer os.Unsetenv(envVar)

	table, err := Load(strings.NewReader(`
routes:
  gpt-4o:
    - url: https://override.internal
      weight: 100
      priority: 0
      credential_override_env: POLICYGATE_TEST_ROUTE_OVERRIDE_KEY
`))
	require.NoError(t, err)

	mock := provider.NewMockAdapter()
	cred := provider.Credential{BaseURL: "https://default.internal", APIKey: "sk-default"}

	eps := table.Resolve("gpt-4o", "app-1", mock, cred)
	require.Len(t, eps, 1)
	require.Equal(t, "sk-overridden", eps[0].Credential.APIKey)
}

func TestResolve_UnsetCredentialOverrideEnvLeavesDefaultKey(t *testing.T) {
	table, err := Load(strings.NewReader(`
routes:
  gpt-4o:
    - url: https://override.internal
      weight: 100
      priority: 0
      credential_override_env: POLICYGATE_TEST_ROUTE_OVERRIDE_KEY_UNSET
`))
	require.NoError(t, err)

	mock := provider.NewMockAdapter()
	cred := provider.Credential{BaseURL: "https://default.internal", APIKey: "sk-default"}

	eps := table.Resolve("gpt-4o", "app-1", mock, cred)
	require.Equal(t, "sk-default", eps[0].Credential.APIKey, "an unset override env var must not blank out the default credential")
}

func TestResolve_FailureThresholdAndClockOptionsPropagateToEndpoint(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	table, err := Load(strings.NewReader(""),
		WithFailureThreshold(1),
		WithRecoveryInterval(time.Minute),
		WithClock(func() time.Time { return fixed }),
	)
	require.NoError(t, err)

	mock := provider.NewMockAdapter()
	cred := provider.Credential{BaseURL: "https://default.internal"}
	eps := table.Resolve("mock-gpt", "app-1", mock, cred)
	require.True(t, eps[0].Available(), "a freshly built endpoint must start closed (available)")

	eps[0].RecordFailure()
	require.False(t, eps[0].Available(), "a single failure must trip the breaker when the threshold is 1")
}
