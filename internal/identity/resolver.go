// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package identity implements the Credential Resolver: mapping a presented
// gateway key to an application identity and decrypting the upstream
// provider key bound to it.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/policygate/gateway/internal/crypto"
	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/gatewayerr"
	"github.com/policygate/gateway/internal/store"
)

// cacheEntry is a short-TTL credential-cache row sitting in front of the
// record store to bound RDBMS traffic on the hot auth path.
type cacheEntry struct {
	key       domain.APIKey
	expiresAt time.Time
}

// Resolver is the Credential Resolver. Safe for concurrent use.
type Resolver struct {
	store    store.Store
	envelope *crypto.Envelope
	cacheTTL time.Duration
	jwtSecret []byte

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type Option func(*Resolver)

// WithCacheTTL overrides the credential cache TTL (default 5 minutes per §4.1).
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.cacheTTL = ttl }
}

// WithClock overrides the resolver's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithJWTSecret enables the optional bearer-token auth path: a presented
// key shaped like a JWT is HMAC-verified against secret and its "sub"
// claim is treated as the underlying gateway key, rather than requiring
// callers to send the raw key directly.
func WithJWTSecret(secret []byte) Option {
	return func(r *Resolver) { r.jwtSecret = secret }
}

func NewResolver(s store.Store, envelope *crypto.Envelope, opts ...Option) *Resolver {
	r := &Resolver{
		store:    s,
		envelope: envelope,
		cacheTTL: 5 * time.Minute,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// unwrapPresentedKey resolves a bearer-token-wrapped key to the raw
// gateway key it carries. Tokens that aren't JWT-shaped (no two '.'
// separators) or arrive when no jwtSecret is configured pass through
// unchanged, so the raw-key path keeps working unconditionally.
func (r *Resolver) unwrapPresentedKey(presented string) (string, error) {
	if len(r.jwtSecret) == 0 || strings.Count(presented, ".") != 2 {
		return presented, nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(presented, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.AuthInvalidKey, "invalid bearer token", err)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", gatewayerr.New(gatewayerr.AuthInvalidKey, "bearer token missing sub claim")
	}
	return sub, nil
}

// hashKey salt-and-hashes the presented key. A fixed application-wide salt
// (distinct from the per-value envelope encryption) is sufficient here
// since the lookup key only needs to resist rainbow-table precomputation
// against a leaked database, not per-row uniqueness.
func hashKey(presented string) string {
	sum := sha256.Sum256([]byte("policygate-credential-salt:" + presented))
	return hex.EncodeToString(sum[:])
}

// Resolve maps a presented gateway key and declared environment to an
// Identity, or a *gatewayerr.Error with code AuthMissingKey (no key),
// AuthInvalidKey (unknown, revoked or expired key), AuthEnvMismatch, or
// Internal (key store or decryption failure).
func (r *Resolver) Resolve(ctx context.Context, presentedKey string, declaredEnv domain.Environment) (domain.Identity, error) {
	if presentedKey == "" {
		return domain.Identity{}, gatewayerr.New(gatewayerr.AuthMissingKey, "missing X-API-Key header")
	}

	rawKey, err := r.unwrapPresentedKey(presentedKey)
	if err != nil {
		return domain.Identity{}, err
	}
	presentedKey = rawKey

	hashed := hashKey(presentedKey)
	key, err := r.lookup(ctx, hashed)
	if err != nil {
		return domain.Identity{}, err
	}

	now := r.now()
	if key.Revoked || key.Expired(now) {
		return domain.Identity{}, gatewayerr.New(gatewayerr.AuthInvalidKey, "api key is revoked or expired")
	}
	// Comparison against the cached hash is already constant-time via
	// sha256 + map lookup on the digest, but guard the raw prefix check too
	// so a future code path that compares the presented key directly stays safe.
	if len(key.Prefix) > 0 && !constantTimeHasPrefix(presentedKey, key.Prefix) {
		return domain.Identity{}, gatewayerr.New(gatewayerr.AuthInvalidKey, "api key prefix mismatch")
	}

	if declaredEnv != "" && declaredEnv != key.Environment {
		return domain.Identity{}, gatewayerr.New(gatewayerr.AuthEnvMismatch,
			fmt.Sprintf("key is bound to environment %q, request declared %q", key.Environment, declaredEnv))
	}

	upstream, err := r.envelope.Decrypt(key.EncryptedUpstreamKey)
	if err != nil {
		return domain.Identity{}, gatewayerr.Wrap(gatewayerr.Internal, "failed to decrypt upstream provider key", err)
	}

	return domain.Identity{
		AppID:       key.AppID,
		Environment: key.Environment,
		UpstreamKey: upstream,
	}, nil
}

func (r *Resolver) lookup(ctx context.Context, hashed string) (domain.APIKey, error) {
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[hashed]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.key, nil
	}

	key, found, err := r.store.LoadAPIKeyByHash(ctx, hashed)
	if err != nil {
		return domain.APIKey{}, gatewayerr.Wrap(gatewayerr.Internal, "failed to load api key", err)
	}
	if !found {
		return domain.APIKey{}, gatewayerr.New(gatewayerr.AuthInvalidKey, "unknown api key")
	}

	r.mu.Lock()
	r.cache[hashed] = cacheEntry{key: key, expiresAt: now.Add(r.cacheTTL)}
	r.mu.Unlock()

	return key, nil
}

// Invalidate evicts a cached key by its hash, e.g. on revocation.
func (r *Resolver) Invalidate(hashed string) {
	r.mu.Lock()
	delete(r.cache, hashed)
	r.mu.Unlock()
}

func constantTimeHasPrefix(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s[:len(prefix)]), []byte(prefix)) == 1
}
