// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package config

import "github.com/policygate/gateway/internal/domain"

// LoadEnvironmentsFromEnv builds the four EnvironmentConfig rows spec §3
// describes. Unlike the admin-managed application/key/policy rows, these
// are deployment-wide knobs the gateway process owns directly, so they
// load from the environment rather than the record store.
func LoadEnvironmentsFromEnv() map[domain.Environment]domain.EnvironmentConfig {
	return map[domain.Environment]domain.EnvironmentConfig{
		domain.EnvDevelopment: {
			Environment:       domain.EnvDevelopment,
			StrictMode:        getenvBool("GATEWAY_DEV_STRICT", false),
			HonorDebugHeaders: getenvBool("GATEWAY_DEV_HONOR_DEBUG", true),
			SecurityScanLevel: getenv("GATEWAY_DEV_SCAN_LEVEL", "low"),
			BudgetMultiplier:  getenvFloat("GATEWAY_DEV_BUDGET_MULTIPLIER", 1.0),
			LogPrompts:        getenvBool("GATEWAY_DEV_LOG_PROMPTS", true),
			LogResponses:      getenvBool("GATEWAY_DEV_LOG_RESPONSES", true),
		},
		domain.EnvStaging: {
			Environment:       domain.EnvStaging,
			StrictMode:        getenvBool("GATEWAY_STG_STRICT", false),
			HonorDebugHeaders: getenvBool("GATEWAY_STG_HONOR_DEBUG", true),
			SecurityScanLevel: getenv("GATEWAY_STG_SCAN_LEVEL", "medium"),
			BudgetMultiplier:  getenvFloat("GATEWAY_STG_BUDGET_MULTIPLIER", 1.0),
			LogPrompts:        getenvBool("GATEWAY_STG_LOG_PROMPTS", true),
			LogResponses:      getenvBool("GATEWAY_STG_LOG_RESPONSES", false),
		},
		domain.EnvProduction: {
			Environment:       domain.EnvProduction,
			StrictMode:        getenvBool("GATEWAY_PROD_STRICT", true),
			HonorDebugHeaders: getenvBool("GATEWAY_PROD_HONOR_DEBUG", false),
			SecurityScanLevel: getenv("GATEWAY_PROD_SCAN_LEVEL", "high"),
			BudgetMultiplier:  getenvFloat("GATEWAY_PROD_BUDGET_MULTIPLIER", 1.0),
			LogPrompts:        getenvBool("GATEWAY_PROD_LOG_PROMPTS", false),
			LogResponses:      getenvBool("GATEWAY_PROD_LOG_RESPONSES", false),
		},
		domain.EnvSandbox: {
			Environment:       domain.EnvSandbox,
			StrictMode:        getenvBool("GATEWAY_SBX_STRICT", false),
			HonorDebugHeaders: getenvBool("GATEWAY_SBX_HONOR_DEBUG", true),
			SecurityScanLevel: getenv("GATEWAY_SBX_SCAN_LEVEL", "medium"),
			BudgetMultiplier:  getenvFloat("GATEWAY_SBX_BUDGET_MULTIPLIER", 0.1),
			LogPrompts:        getenvBool("GATEWAY_SBX_LOG_PROMPTS", true),
			LogResponses:      getenvBool("GATEWAY_SBX_LOG_RESPONSES", true),
		},
	}
}

// EnvironmentPrefix maps the four key-prefix conventions from spec §6 to
// their bound environment.
var EnvironmentPrefix = map[string]domain.Environment{
	"dev_":  domain.EnvDevelopment,
	"stg_":  domain.EnvStaging,
	"prod_": domain.EnvProduction,
	"sbx_":  domain.EnvSandbox,
}
