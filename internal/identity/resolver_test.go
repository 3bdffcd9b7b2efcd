// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/policygate/gateway/internal/crypto"
	"github.com/policygate/gateway/internal/domain"
)

type fakeStore struct {
	keysByHash map[string]domain.APIKey
	calls      int
}

func (f *fakeStore) LoadAPIKeyByHash(ctx context.Context, hashedKey string) (domain.APIKey, bool, error) {
	f.calls++
	k, ok := f.keysByHash[hashedKey]
	return k, ok, nil
}
func (f *fakeStore) WriteTrace(ctx context.Context, t *domain.Trace) error            { return nil }
func (f *fakeStore) WriteUsageRecord(ctx context.Context, u domain.UsageRecord) error { return nil }
func (f *fakeStore) WriteAuditEntry(ctx context.Context, a domain.AuditEntry) error   { return nil }
func (f *fakeStore) LoadBudget(ctx context.Context, scope domain.BudgetScope) (domain.Budget, bool, error) {
	return domain.Budget{}, false, nil
}
func (f *fakeStore) LoadPolicyRules(ctx context.Context, appID string) ([]domain.PolicyRule, error) {
	return nil, nil
}
func (f *fakeStore) LoadFeature(ctx context.Context, appID, featureID string) (domain.FeatureDescriptor, bool, error) {
	return domain.FeatureDescriptor{}, false, nil
}
func (f *fakeStore) ListAuditEntries(ctx context.Context, appID string) ([]domain.AuditEntry, error) {
	return nil, nil
}
func (f *fakeStore) ListUsageRecords(ctx context.Context, appID string) ([]domain.UsageRecord, error) {
	return nil, nil
}
func (f *fakeStore) DeleteAppData(ctx context.Context, appID string, categories []string) (map[string]int, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func testEnvelope(t *testing.T) *crypto.Envelope {
	t.Helper()
	return crypto.NewEnvelope(crypto.NewRotatingMasterKeyProvider("v1", map[string][]byte{"v1": make([]byte, 32)}))
}

func TestResolver_Resolve_HappyPath(t *testing.T) {
	env := testEnvelope(t)
	ciphertext, err := env.Encrypt("sk-upstream-key")
	require.NoError(t, err)

	s := &fakeStore{keysByHash: map[string]domain.APIKey{
		hashKey("gw_ok"): {
			AppID: "chat-support", Environment: domain.EnvProduction,
			EncryptedUpstreamKey: ciphertext, Prefix: "gw_",
		},
	}}
	r := NewResolver(s, env)

	id, err := r.Resolve(context.Background(), "gw_ok", domain.EnvProduction)
	require.NoError(t, err)
	require.Equal(t, "chat-support", id.AppID)
	require.Equal(t, "sk-upstream-key", id.UpstreamKey)
}

func TestResolver_Resolve_MissingKey(t *testing.T) {
	r := NewResolver(&fakeStore{}, testEnvelope(t))
	_, err := r.Resolve(context.Background(), "", domain.EnvProduction)
	require.Error(t, err)
}

func TestResolver_Resolve_EnvMismatch(t *testing.T) {
	env := testEnvelope(t)
	ciphertext, _ := env.Encrypt("sk-key")
	s := &fakeStore{keysByHash: map[string]domain.APIKey{
		hashKey("gw_ok"): {AppID: "a", Environment: domain.EnvProduction, EncryptedUpstreamKey: ciphertext},
	}}
	r := NewResolver(s, env)

	_, err := r.Resolve(context.Background(), "gw_ok", domain.EnvSandbox)
	require.Error(t, err)
}

func TestResolver_Resolve_ExpiredKey(t *testing.T) {
	env := testEnvelope(t)
	ciphertext, _ := env.Encrypt("sk-key")
	past := time.Now().Add(-time.Hour)
	s := &fakeStore{keysByHash: map[string]domain.APIKey{
		hashKey("gw_ok"): {AppID: "a", Environment: domain.EnvProduction, EncryptedUpstreamKey: ciphertext, ExpiresAt: &past},
	}}
	r := NewResolver(s, env)

	_, err := r.Resolve(context.Background(), "gw_ok", domain.EnvProduction)
	require.Error(t, err)
}

func TestResolver_Resolve_CachesSecondLookup(t *testing.T) {
	env := testEnvelope(t)
	ciphertext, _ := env.Encrypt("sk-key")
	s := &fakeStore{keysByHash: map[string]domain.APIKey{
		hashKey("gw_ok"): {AppID: "a", Environment: domain.EnvProduction, EncryptedUpstreamKey: ciphertext},
	}}
	r := NewResolver(s, env, WithCacheTTL(time.Minute))

	_, err := r.Resolve(context.Background(), "gw_ok", domain.EnvProduction)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "gw_ok", domain.EnvProduction)
	require.NoError(t, err)
	require.Equal(t, 1, s.calls, "second resolve within cache TTL must not hit the store")
}

func TestResolver_Resolve_BearerJWTUnwrapsToRawKey(t *testing.T) {
	env := testEnvelope(t)
	ciphertext, _ := env.Encrypt("sk-key")
	s := &fakeStore{keysByHash: map[string]domain.APIKey{
		hashKey("gw_ok"): {AppID: "a", Environment: domain.EnvProduction, EncryptedUpstreamKey: ciphertext},
	}}
	secret := []byte("test-jwt-secret")
	r := NewResolver(s, env, WithJWTSecret(secret))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "gw_ok"})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	id, err := r.Resolve(context.Background(), signed, domain.EnvProduction)
	require.NoError(t, err)
	require.Equal(t, "a", id.AppID)
}

func TestResolver_Resolve_BearerJWTWrongSecretRejected(t *testing.T) {
	env := testEnvelope(t)
	s := &fakeStore{}
	r := NewResolver(s, env, WithJWTSecret([]byte("real-secret")))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "gw_ok"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), signed, domain.EnvProduction)
	require.Error(t, err)
}

func TestResolver_Resolve_RawKeyStillWorksWithJWTSecretConfigured(t *testing.T) {
	env := testEnvelope(t)
	ciphertext, _ := env.Encrypt("sk-key")
	s := &fakeStore{keysByHash: map[string]domain.APIKey{
		hashKey("gw_ok"): {AppID: "a", Environment: domain.EnvProduction, EncryptedUpstreamKey: ciphertext},
	}}
	r := NewResolver(s, env, WithJWTSecret([]byte("test-jwt-secret")))

	id, err := r.Resolve(context.Background(), "gw_ok", domain.EnvProduction)
	require.NoError(t, err)
	require.Equal(t, "a", id.AppID)
}
