// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"github.com/policygate/gateway/internal/gatewayerr"
)

// Dispatcher selects an adapter for a model id in the contract's fixed
// order: test-only mock, explicit prefix, pattern match. The first
// matching adapter wins.
type Dispatcher struct {
	testMode bool
	mock     Adapter
	prefixed []Adapter
	patterns []Adapter
}

type DispatcherOption func(*Dispatcher)

// WithTestMode restricts resolution to the mock adapter, matching the
// contract's "test-only mock when applicable" rule.
func WithTestMode(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.testMode = enabled }
}

// NewDispatcher builds a Dispatcher. prefixed adapters are tried before
// patterns adapters, each in the order given.
func NewDispatcher(mock Adapter, prefixed, patterns []Adapter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{mock: mock, prefixed: prefixed, patterns: patterns}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve returns the adapter that should serve modelID, or a
// gatewayerr.ModelNotFound error if nothing matches.
func (d *Dispatcher) Resolve(modelID string) (Adapter, error) {
	if d.testMode {
		if d.mock != nil && d.mock.SupportsModel(modelID) {
			return d.mock, nil
		}
		return nil, gatewayerr.New(gatewayerr.ModelNotFound, "no adapter in test mode supports model "+modelID)
	}

	for _, a := range d.prefixed {
		if a.SupportsModel(modelID) {
			return a, nil
		}
	}
	for _, a := range d.patterns {
		if a.SupportsModel(modelID) {
			return a, nil
		}
	}
	return nil, gatewayerr.New(gatewayerr.ModelNotFound, "no adapter supports model "+modelID)
}
