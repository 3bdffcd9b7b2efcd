// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package registry implements the Model Registry: a static catalog of
// model ids resolved to (provider, provider-specific id, pricing,
// limits, capabilities), loaded once at boot from a YAML seed file.
// Grounded on orchestrator/llm_types.go's provider-config structs,
// restructured from a flat env-driven config into a catalog keyed by
// the gateway-facing model id, since the gateway needs to resolve many
// models (not one configured provider) at request time.
package registry

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/gatewayerr"
)

// catalogFile is the on-disk shape of the seed YAML.
type catalogFile struct {
	Models []modelEntry `yaml:"models"`
}

type modelEntry struct {
	ModelID         string   `yaml:"model_id"`
	Provider        string   `yaml:"provider"`
	ProviderModelID string   `yaml:"provider_model_id"`
	Status          string   `yaml:"status"`
	BaseURL         string   `yaml:"base_url,omitempty"`
	AliasOf         string   `yaml:"alias_of,omitempty"`
	ReplacesWith    string   `yaml:"replaces_with,omitempty"`
	Capabilities    []string `yaml:"capabilities,omitempty"`
	Pricing         struct {
		InputPerMillion  float64  `yaml:"input_per_million"`
		OutputPerMillion float64  `yaml:"output_per_million"`
		CachedPerMillion *float64 `yaml:"cached_per_million,omitempty"`
		BatchPerMillion  *float64 `yaml:"batch_per_million,omitempty"`
	} `yaml:"pricing"`
	Limits struct {
		MaxContextTokens int `yaml:"max_context_tokens"`
		MaxOutputTokens  int `yaml:"max_output_tokens"`
		MaxImages        int `yaml:"max_images,omitempty"`
	} `yaml:"limits"`
}

// Registry is the in-memory Model Registry. It is immutable after Load;
// callers needing a refreshed catalog construct a new Registry and swap
// it atomically at the call site (e.g. behind an atomic.Pointer), since
// the registry itself holds no mutable state.
type Registry struct {
	byID map[string]domain.ModelDescriptor
}

// Load parses a YAML catalog file and resolves aliases into concrete
// descriptors. An alias whose target is missing, or a cycle between
// aliases, is a load-time error — a broken catalog should fail startup,
// not surface as a per-request 400.
func Load(r io.Reader) (*Registry, error) {
	var cf catalogFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}

	reg := &Registry{byID: make(map[string]domain.ModelDescriptor, len(cf.Models))}
	for _, m := range cf.Models {
		if m.ModelID == "" {
			return nil, fmt.Errorf("model catalog entry missing model_id")
		}
		desc := domain.ModelDescriptor{
			ModelID:         m.ModelID,
			Provider:        domain.Provider(m.Provider),
			ProviderModelID: m.ProviderModelID,
			Pricing: domain.Pricing{
				InputPerMillion:  m.Pricing.InputPerMillion,
				OutputPerMillion: m.Pricing.OutputPerMillion,
				CachedPerMillion: m.Pricing.CachedPerMillion,
				BatchPerMillion:  m.Pricing.BatchPerMillion,
			},
			Limits: domain.Limits{
				MaxContextTokens: m.Limits.MaxContextTokens,
				MaxOutputTokens:  m.Limits.MaxOutputTokens,
				MaxImages:        m.Limits.MaxImages,
			},
			Capabilities: m.Capabilities,
			Status:       domain.ModelStatus(m.Status),
			BaseURL:      m.BaseURL,
			ReplacesWith: m.ReplacesWith,
			AliasOf:      m.AliasOf,
		}
		if desc.Status == "" {
			desc.Status = domain.ModelAvailable
		}
		reg.byID[m.ModelID] = desc
	}

	if err := reg.resolveAliases(); err != nil {
		return nil, err
	}
	return reg, nil
}

// LoadFile opens path and delegates to Load.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model catalog %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// resolveAliases follows AliasOf chains at load time so Resolve is O(1)
// with no risk of a request hitting an unbounded alias chase.
func (r *Registry) resolveAliases() error {
	for id, desc := range r.byID {
		if desc.AliasOf == "" {
			continue
		}
		seen := map[string]bool{id: true}
		cur := desc
		for cur.AliasOf != "" {
			if seen[cur.AliasOf] {
				return fmt.Errorf("alias cycle detected starting at %q", id)
			}
			seen[cur.AliasOf] = true
			target, ok := r.byID[cur.AliasOf]
			if !ok {
				return fmt.Errorf("model %q aliases unknown model %q", id, cur.AliasOf)
			}
			cur = target
		}
		resolved := cur
		resolved.ModelID = id
		r.byID[id] = resolved
	}
	return nil
}

// Resolve returns the concrete descriptor for modelID, following any
// alias to its target. A deprecated model resolves successfully; the
// caller surfaces ReplacesWith as a hint rather than blocking the request.
func (r *Registry) Resolve(modelID string) (domain.ModelDescriptor, error) {
	desc, ok := r.byID[modelID]
	if !ok {
		return domain.ModelDescriptor{}, gatewayerr.New(gatewayerr.ModelNotFound,
			fmt.Sprintf("unknown model %q", modelID))
	}
	if desc.Status == domain.ModelUnavailable {
		return domain.ModelDescriptor{}, gatewayerr.New(gatewayerr.ModelNotFound,
			fmt.Sprintf("model %q is unavailable", modelID))
	}
	return desc, nil
}

// Models returns every catalog entry, for admin/introspection endpoints.
func (r *Registry) Models() []domain.ModelDescriptor {
	out := make([]domain.ModelDescriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}
