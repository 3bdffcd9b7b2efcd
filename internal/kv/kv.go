// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Package kv defines the KV Store port: atomic counters, sorted sets, and
// TTL keys used by the abuse detector, budget ledger, and credential cache.
// A Redis-backed implementation lives in redis.go; tests substitute an
// in-process miniredis server against the same interface.
package kv

import (
	"context"
	"time"
)

// ZMember is one scored member of a sorted set.
type ZMember struct {
	Score  float64
	Member string
}

// Store is the KV Store port. Every method takes a context carrying the
// caller's deadline; implementations must not ignore it.
type Store interface {
	// Get returns the string value at key, and false if it does not exist.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key with the given TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value at key only if it does not already exist, returning
	// whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes key.
	Del(ctx context.Context, key string) error
	// IncrBy atomically increments the integer counter at key by delta and
	// returns the post-increment value. If ttl > 0 and the key was just
	// created, the TTL is applied.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, member ZMember) error
	// ZRemRangeByScore removes members scored within [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)
	// ZCount returns the count of members scored within [min, max].
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	// ZRangeByScore returns members scored within [min, max], ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// Expire sets or refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// RPush appends value to the list at key, trimming it to maxLen from the
	// left when it exceeds that length (used for the abuse detector's
	// capped recent-cost list).
	RPush(ctx context.Context, key string, value string, maxLen int64) error
	// LRange returns up to count items from the list at key, oldest first.
	LRange(ctx context.Context, key string, count int64) ([]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases any pooled connections.
	Close() error
}
