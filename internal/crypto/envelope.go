// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package crypto implements envelope encryption for upstream provider keys:
// a random per-value data key encrypts the plaintext with AES-256-GCM, and
// the data key is itself sealed under a master key. Rotating the master
// key only requires re-sealing data keys, never re-encrypting payloads.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// MasterKeyProvider resolves the current master key. Implementations may
// source it from an environment variable (local/test) or a secrets
// manager (production); Resolve is called once per encrypt/decrypt, so a
// provider backed by a remote store should cache internally.
type MasterKeyProvider interface {
	Resolve(keyVersion string) ([]byte, error)
	CurrentVersion() string
}

// EnvMasterKeyProvider resolves a single 32-byte master key from an
// environment variable. It never rotates; CurrentVersion is always "v1".
type EnvMasterKeyProvider struct {
	key []byte
}

func NewEnvMasterKeyProvider(rawKey string) (*EnvMasterKeyProvider, error) {
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("master key must decode to 32 bytes for AES-256")
	}
	return &EnvMasterKeyProvider{key: key}, nil
}

func (p *EnvMasterKeyProvider) Resolve(keyVersion string) ([]byte, error) {
	return p.key, nil
}

func (p *EnvMasterKeyProvider) CurrentVersion() string { return "v1" }

// RotatingMasterKeyProvider holds multiple versioned keys so ciphertexts
// sealed under an older master key can still be opened after rotation.
type RotatingMasterKeyProvider struct {
	current string
	byVer   map[string][]byte
}

func NewRotatingMasterKeyProvider(current string, versions map[string][]byte) *RotatingMasterKeyProvider {
	return &RotatingMasterKeyProvider{current: current, byVer: versions}
}

func (p *RotatingMasterKeyProvider) Resolve(keyVersion string) ([]byte, error) {
	key, ok := p.byVer[keyVersion]
	if !ok {
		return nil, fmt.Errorf("unknown master key version %q", keyVersion)
	}
	return key, nil
}

func (p *RotatingMasterKeyProvider) CurrentVersion() string { return p.current }

// SecretsManagerClient is the subset of *secretsmanager.Client this
// provider depends on, so tests can substitute a fake.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerMasterKeyProvider resolves the master key from AWS Secrets
// Manager rather than a local environment variable, for deployments that
// don't keep key material on the gateway host. Grounded on
// platform/connectors/config/secrets_manager.go's AWSSecretsManager: same
// GetSecretValue call plus a TTL cache, generalized from a JSON
// multi-field secret to the single base64-encoded key this provider needs.
type SecretsManagerMasterKeyProvider struct {
	client   SecretsManagerClient
	secretID string
	version  string
	ttl      time.Duration

	mu        sync.Mutex
	cached    []byte
	expiresAt time.Time
}

func NewSecretsManagerMasterKeyProvider(client SecretsManagerClient, secretID, version string, ttl time.Duration) *SecretsManagerMasterKeyProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SecretsManagerMasterKeyProvider{client: client, secretID: secretID, version: version, ttl: ttl}
}

func (p *SecretsManagerMasterKeyProvider) Resolve(keyVersion string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && time.Now().Before(p.expiresAt) {
		return p.cached, nil
	}

	out, err := p.client.GetSecretValue(context.Background(), &secretsmanager.GetSecretValueInput{SecretId: aws.String(p.secretID)})
	if err != nil {
		return nil, fmt.Errorf("fetch master key secret: %w", err)
	}
	if out.SecretString == nil {
		return nil, errors.New("master key secret has no string value")
	}

	key, err := base64.StdEncoding.DecodeString(*out.SecretString)
	if err != nil {
		return nil, fmt.Errorf("decode master key secret: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("master key secret must decode to 32 bytes for AES-256")
	}

	p.cached = key
	p.expiresAt = time.Now().Add(p.ttl)
	return key, nil
}

func (p *SecretsManagerMasterKeyProvider) CurrentVersion() string { return p.version }

// Envelope is the envelope-encryption engine. Safe for concurrent use: it
// holds no mutable state beyond the provider, which must itself be safe
// for concurrent Resolve calls.
type Envelope struct {
	provider MasterKeyProvider
}

func NewEnvelope(provider MasterKeyProvider) *Envelope {
	return &Envelope{provider: provider}
}

// sealed is the on-the-wire shape: key version, sealed data key, nonce and
// ciphertext for both the data-key seal and the payload, base64-encoded and
// joined with '.' after a "v1" format prefix so the whole thing round-trips
// as one opaque string.
type sealed struct {
	keyVersion   string
	dataKeyNonce []byte
	sealedDataKey []byte
	payloadNonce  []byte
	ciphertext    []byte
}

// Encrypt seals plaintext under a fresh random data key, which is itself
// sealed under the current master key.
func (e *Envelope) Encrypt(plaintext string) (string, error) {
	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return "", fmt.Errorf("generate data key: %w", err)
	}

	masterKey, err := e.provider.Resolve(e.provider.CurrentVersion())
	if err != nil {
		return "", fmt.Errorf("resolve master key: %w", err)
	}

	dataKeyNonce, sealedDataKey, err := aesGCMSeal(masterKey, dataKey)
	if err != nil {
		return "", fmt.Errorf("seal data key: %w", err)
	}
	payloadNonce, ciphertext, err := aesGCMSeal(dataKey, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("seal payload: %w", err)
	}

	s := sealed{
		keyVersion:    e.provider.CurrentVersion(),
		dataKeyNonce:  dataKeyNonce,
		sealedDataKey: sealedDataKey,
		payloadNonce:  payloadNonce,
		ciphertext:    ciphertext,
	}
	return encodeSealed(s), nil
}

// Decrypt reverses Encrypt, resolving whatever master-key version the
// ciphertext was sealed under — this is what lets a key rotation happen
// without re-encrypting every stored upstream key.
func (e *Envelope) Decrypt(ciphertext string) (string, error) {
	s, err := decodeSealed(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	masterKey, err := e.provider.Resolve(s.keyVersion)
	if err != nil {
		return "", fmt.Errorf("resolve master key %s: %w", s.keyVersion, err)
	}

	dataKey, err := aesGCMOpen(masterKey, s.dataKeyNonce, s.sealedDataKey)
	if err != nil {
		return "", fmt.Errorf("open data key: %w", err)
	}
	plaintext, err := aesGCMOpen(dataKey, s.payloadNonce, s.ciphertext)
	if err != nil {
		return "", fmt.Errorf("open payload: %w", err)
	}
	return string(plaintext), nil
}

func aesGCMSeal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func aesGCMOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func encodeSealed(s sealed) string {
	enc := base64.RawURLEncoding.EncodeToString
	return fmt.Sprintf("v1.%s.%s.%s.%s.%s",
		s.keyVersion, enc(s.dataKeyNonce), enc(s.sealedDataKey), enc(s.payloadNonce), enc(s.ciphertext))
}

func decodeSealed(encoded string) (sealed, error) {
	parts := splitSealed(encoded)
	if len(parts) != 6 || parts[0] != "v1" {
		return sealed{}, errors.New("malformed envelope ciphertext")
	}
	keyVersion, a, b, c, d := parts[1], parts[2], parts[3], parts[4], parts[5]
	dec := base64.RawURLEncoding.DecodeString
	dataKeyNonce, err := dec(a)
	if err != nil {
		return sealed{}, err
	}
	sealedDataKey, err := dec(b)
	if err != nil {
		return sealed{}, err
	}
	payloadNonce, err := dec(c)
	if err != nil {
		return sealed{}, err
	}
	ciphertext, err := dec(d)
	if err != nil {
		return sealed{}, err
	}
	return sealed{
		keyVersion:    keyVersion,
		dataKeyNonce:  dataKeyNonce,
		sealedDataKey: sealedDataKey,
		payloadNonce:  payloadNonce,
		ciphertext:    ciphertext,
	}, nil
}

func splitSealed(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
