// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package routetable implements the per-model route tables the Provider
// Router dispatches against: an ordered set of endpoints each tagged with
// weight, priority, and an optional endpoint URL / override credential
// (spec §4.9). Grounded on orchestrator/llm/routing_strategy.go's
// LoadRoutingConfigFromEnv — that file loads one flat PROVIDER_WEIGHTS
// map for a single configured provider; this package generalizes the same
// "declarative weight table, YAML instead of a flat env var" shape to many
// models, each with its own weighted/prioritized endpoint set, since the
// gateway routes many models rather than one fixed provider.
package routetable

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/policygate/gateway/internal/provider"
	"github.com/policygate/gateway/internal/router"
)

// EndpointConfig is one route-table row for a model.
type EndpointConfig struct {
	URL                   string `yaml:"url,omitempty"`
	Weight                int    `yaml:"weight"`
	Priority              int    `yaml:"priority"`
	CredentialOverrideEnv string `yaml:"credential_override_env,omitempty"`
}

type routeFile struct {
	Routes map[string][]EndpointConfig `yaml:"routes"`
}

// Table is the Provider Router's route-table source. Endpoint objects
// built for a given (model, app) pair are cached and reused across
// requests so circuit-breaker and latency state accumulate the way spec
// §5's "Endpoint Health... mutated only by the router" expects, instead
// of resetting on every call.
type Table struct {
	routes           map[string][]EndpointConfig
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time

	mu    sync.Mutex
	built map[string][]*router.Endpoint
}

// Option configures a Table's circuit-breaker defaults.
type Option func(*Table)

func WithFailureThreshold(n int) Option { return func(t *Table) { t.failureThreshold = n } }
func WithRecoveryInterval(d time.Duration) Option {
	return func(t *Table) { t.resetTimeout = d }
}
func WithClock(now func() time.Time) Option { return func(t *Table) { t.now = now } }

// Load parses a YAML route-table file. A missing "routes" key is not an
// error: models with no explicit table fall back to a single endpoint
// built from the caller's default credential at Resolve time.
func Load(r io.Reader, opts ...Option) (*Table, error) {
	var rf routeFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&rf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode route table: %w", err)
	}
	t := &Table{
		routes:           rf.Routes,
		failureThreshold: 5,
		resetTimeout:     60 * time.Second,
		now:              time.Now,
		built:            make(map[string][]*router.Endpoint),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// LoadFile opens path and delegates to Load. A missing file is not an
// error — every model simply falls back to its single default endpoint.
func LoadFile(path string, opts ...Option) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(strings.NewReader(""), opts...)
		}
		return nil, fmt.Errorf("open route table %s: %w", path, err)
	}
	defer f.Close()
	return Load(f, opts...)
}

// Resolve returns the cached endpoint set for (modelID, appID), building
// it on first use from the configured route table or, absent one, a
// single endpoint carrying defaultCred.
func (t *Table) Resolve(modelID, appID string, adapter provider.Adapter, defaultCred provider.Credential) []*router.Endpoint {
	key := modelID + "|" + appID
	t.mu.Lock()
	defer t.mu.Unlock()
	if eps, ok := t.built[key]; ok {
		return eps
	}

	cfgs := t.routes[modelID]
	var eps []*router.Endpoint
	if len(cfgs) == 0 {
		eps = []*router.Endpoint{
			router.NewEndpoint(defaultCred.BaseURL, 100, 0, adapter, defaultCred, t.failureThreshold, t.resetTimeout, t.now),
		}
	} else {
		for _, c := range cfgs {
			cred := defaultCred
			if c.URL != "" {
				cred.BaseURL = c.URL
			}
			if c.CredentialOverrideEnv != "" {
				if v := os.Getenv(c.CredentialOverrideEnv); v != "" {
					cred.APIKey = v
				}
			}
			eps = append(eps, router.NewEndpoint(cred.BaseURL, c.Weight, c.Priority, adapter, cred, t.failureThreshold, t.resetTimeout, t.now))
		}
	}

	t.built[key] = eps
	return eps
}
