// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package config loads gateway configuration from the environment. Every
// subsystem gets its own LoadXFromEnv constructor rather than one giant
// struct, mirroring how the routing and abuse-detection knobs were tuned
// independently in the system this gateway is modeled on.
package config

import (
	"os"
	"strconv"
	"time"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Server holds the HTTP-facing configuration.
type Server struct {
	Port        string
	DevMode     bool
	Environment string
}

func LoadServerFromEnv() Server {
	return Server{
		Port:        getenv("PORT", "8080"),
		DevMode:     getenvBool("GATEWAY_DEV_MODE", false),
		Environment: getenv("GATEWAY_ENV", "development"),
	}
}

// Backends holds connection strings for the KV store and record store.
type Backends struct {
	DatabaseURL string
	RedisURL    string
}

func LoadBackendsFromEnv() Backends {
	return Backends{
		DatabaseURL: getenv("DATABASE_URL", ""),
		RedisURL:    getenv("REDIS_URL", "redis://localhost:6379/0"),
	}
}

// Timeouts holds the suspension-point deadlines from spec §5.
type Timeouts struct {
	KV               time.Duration
	RecordStore      time.Duration
	SecurityPlugins  time.Duration
	ProviderCall     time.Duration
	ProviderStream   time.Duration
}

func LoadTimeoutsFromEnv() Timeouts {
	return Timeouts{
		KV:              getenvDuration("GATEWAY_TIMEOUT_KV", 100*time.Millisecond),
		RecordStore:     getenvDuration("GATEWAY_TIMEOUT_STORE", 500*time.Millisecond),
		SecurityPlugins: getenvDuration("GATEWAY_TIMEOUT_SECURITY", 30*time.Second),
		ProviderCall:    getenvDuration("GATEWAY_TIMEOUT_PROVIDER", 60*time.Second),
		ProviderStream:  getenvDuration("GATEWAY_TIMEOUT_PROVIDER_STREAM", 120*time.Second),
	}
}

// Abuse holds the abuse-detector thresholds.
type Abuse struct {
	LoopThreshold      int
	LoopWindow         time.Duration
	LoopCooldown       time.Duration
	DedupWindow        time.Duration
	DedupCooldown      time.Duration
	RatePerMinute      int
	RateCooldown       time.Duration
	BaselineWindow     time.Duration
	BaselineMinSamples int
	BaselineMultiplier float64
	ErrorThreshold     int
	ErrorWindow        time.Duration
	ErrorCooldown      time.Duration
	CostSpikeSamples   int
	CostSpikeMultiple  float64
	CostSpikeFloorUSD  float64
}

func LoadAbuseFromEnv() Abuse {
	return Abuse{
		LoopThreshold:      getenvInt("GATEWAY_ABUSE_LOOP_THRESHOLD", 5),
		LoopWindow:         getenvDuration("GATEWAY_ABUSE_LOOP_WINDOW", 60*time.Second),
		LoopCooldown:       getenvDuration("GATEWAY_ABUSE_LOOP_COOLDOWN", 30*time.Second),
		DedupWindow:        getenvDuration("GATEWAY_ABUSE_DEDUP_WINDOW", 5*time.Second),
		DedupCooldown:      getenvDuration("GATEWAY_ABUSE_DEDUP_COOLDOWN", 5*time.Second),
		RatePerMinute:      getenvInt("GATEWAY_ABUSE_RATE_PER_MINUTE", 60),
		RateCooldown:       getenvDuration("GATEWAY_ABUSE_RATE_COOLDOWN", 60*time.Second),
		BaselineWindow:     getenvDuration("GATEWAY_ABUSE_BASELINE_WINDOW", 10*time.Minute),
		BaselineMinSamples: getenvInt("GATEWAY_ABUSE_BASELINE_MIN_SAMPLES", 50),
		BaselineMultiplier: getenvFloat("GATEWAY_ABUSE_BASELINE_MULTIPLIER", 5.0),
		ErrorThreshold:     getenvInt("GATEWAY_ABUSE_ERROR_THRESHOLD", 20),
		ErrorWindow:        getenvDuration("GATEWAY_ABUSE_ERROR_WINDOW", 60*time.Second),
		ErrorCooldown:      getenvDuration("GATEWAY_ABUSE_ERROR_COOLDOWN", 120*time.Second),
		CostSpikeSamples:   getenvInt("GATEWAY_ABUSE_COST_SAMPLES", 10),
		CostSpikeMultiple:  getenvFloat("GATEWAY_ABUSE_COST_MULTIPLE", 10.0),
		CostSpikeFloorUSD:  getenvFloat("GATEWAY_ABUSE_COST_FLOOR_USD", 0.001),
	}
}

// Router holds the provider-router defaults, grounded on the routing
// strategy env loader this gateway's dispatcher descends from.
type Router struct {
	Strategy           string
	FailureThreshold   int
	RecoveryInterval   time.Duration
	RetryBase          time.Duration
	RetryExponentBase  float64
	RetryMaxDelay      time.Duration
	RetryMaxAttempts   int
	RetryJitterPercent float64
}

func LoadRouterFromEnv() Router {
	return Router{
		Strategy:           getenv("GATEWAY_ROUTER_STRATEGY", "weighted"),
		FailureThreshold:   getenvInt("GATEWAY_ROUTER_FAILURE_THRESHOLD", 5),
		RecoveryInterval:   getenvDuration("GATEWAY_ROUTER_RECOVERY_INTERVAL", 60*time.Second),
		RetryBase:          getenvDuration("GATEWAY_ROUTER_RETRY_BASE", 1*time.Second),
		RetryExponentBase:  getenvFloat("GATEWAY_ROUTER_RETRY_EXP_BASE", 2.0),
		RetryMaxDelay:      getenvDuration("GATEWAY_ROUTER_RETRY_MAX_DELAY", 30*time.Second),
		RetryMaxAttempts:   getenvInt("GATEWAY_ROUTER_RETRY_MAX_ATTEMPTS", 3),
		RetryJitterPercent: getenvFloat("GATEWAY_ROUTER_RETRY_JITTER_PCT", 0.5),
	}
}

// Security holds the Security Plugin Host's aggregate timeout.
type Security struct {
	OverallTimeout time.Duration
}

func LoadSecurityFromEnv() Security {
	return Security{OverallTimeout: getenvDuration("GATEWAY_SECURITY_TIMEOUT", 30*time.Second)}
}

// Crypto holds envelope-encryption configuration.
type Crypto struct {
	MasterKeyEnvVar  string
	SecretsManagerID string
}

func LoadCryptoFromEnv() Crypto {
	return Crypto{
		MasterKeyEnvVar:  getenv("GATEWAY_MASTER_KEY_ENV", "GATEWAY_MASTER_KEY"),
		SecretsManagerID: getenv("GATEWAY_MASTER_KEY_SECRET_ID", ""),
	}
}
