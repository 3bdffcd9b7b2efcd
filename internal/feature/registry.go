// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package feature implements the Feature Registry: per-application
// allow-lists of (feature, action, model, environment, token cap),
// structurally grounded on agent/policy/permissions.go's
// action/permission matching.
package feature

import (
	"context"
	"fmt"

	"github.com/policygate/gateway/internal/domain"
	"github.com/policygate/gateway/internal/gatewayerr"
	"github.com/policygate/gateway/internal/store"
)

// Registry is the Feature Registry.
type Registry struct {
	store store.Store
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// Check validates a request against the named feature's allow-lists,
// returning the resolved descriptor on success.
func (r *Registry) Check(ctx context.Context, appID, featureID, action, model string, environment domain.Environment, estimatedTokens int) (domain.FeatureDescriptor, error) {
	if featureID == "" {
		featureID = "default"
	}

	desc, found, err := r.store.LoadFeature(ctx, appID, featureID)
	if err != nil {
		return domain.FeatureDescriptor{}, gatewayerr.Wrap(gatewayerr.Internal, "failed to load feature descriptor", err)
	}
	if !found {
		return domain.FeatureDescriptor{}, gatewayerr.New(gatewayerr.FeatureNotAllowed,
			fmt.Sprintf("unknown feature %q for app %q", featureID, appID))
	}

	if !contains(desc.AllowedActions, action) {
		return domain.FeatureDescriptor{}, gatewayerr.New(gatewayerr.FeatureNotAllowed,
			fmt.Sprintf("action %q is not allowed for feature %q", action, featureID))
	}
	if len(desc.AllowedModels) > 0 && !contains(desc.AllowedModels, model) {
		return domain.FeatureDescriptor{}, gatewayerr.New(gatewayerr.FeatureNotAllowed,
			fmt.Sprintf("model %q is not allowed for feature %q", model, featureID))
	}
	if len(desc.AllowedEnvironments) > 0 && !containsEnv(desc.AllowedEnvironments, environment) {
		return domain.FeatureDescriptor{}, gatewayerr.New(gatewayerr.FeatureNotAllowed,
			fmt.Sprintf("environment %q is not allowed for feature %q", environment, featureID))
	}
	if desc.TokenCap > 0 && estimatedTokens > desc.TokenCap {
		return domain.FeatureDescriptor{}, gatewayerr.New(gatewayerr.FeatureNotAllowed,
			fmt.Sprintf("estimated %d tokens exceeds feature cap of %d", estimatedTokens, desc.TokenCap))
	}

	return desc, nil
}

func contains(list []string, needle string) bool {
	for _, v := range list {
		if v == needle {
			return true
		}
	}
	return false
}

func containsEnv(list []domain.Environment, needle domain.Environment) bool {
	for _, v := range list {
		if v == needle {
			return true
		}
	}
	return false
}
