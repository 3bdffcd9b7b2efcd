// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package kv

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client)
}

func TestRedisStore_IncrBySetsExpiryOnlyOnFirstWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	total, err := store.IncrBy(ctx, "budget:app1:2026-07", 100, time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 100, total)

	total, err = store.IncrBy(ctx, "budget:app1:2026-07", 50, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 150, total)
	require.Equal(t, time.Minute, store.client.TTL(ctx, "budget:app1:2026-07").Val())
}

func TestRedisStore_SortedSetWindowing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := "abuse:requests:app1"

	now := time.Now()
	for i := 0; i < 3; i++ {
		ts := now.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.ZAdd(ctx, key, ZMember{Score: float64(ts.Unix()), Member: ts.Format(time.RFC3339Nano)}))
	}

	count, err := store.ZCard(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	require.NoError(t, store.ZRemRangeByScore(ctx, key, 0, float64(now.Add(-time.Hour).Unix())))
	count, err = store.ZCard(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 3, count, "nothing should be pruned, all members are recent")

	inWindow, err := store.ZCount(ctx, key, float64(now.Add(-time.Minute).Unix()), math.Inf(1))
	require.NoError(t, err)
	require.EqualValues(t, 3, inWindow)
}

func TestRedisStore_CappedList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := "abuse:costs:app1"

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RPush(ctx, key, "0.01", 3))
	}
	items, err := store.LRange(ctx, key, 100)
	require.NoError(t, err)
	require.Len(t, items, 3, "list should be trimmed to the configured cap")
}

func TestRedisStore_SetNX(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "abuse:blocked:app1", "1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetNX(ctx, "abuse:blocked:app1", "1", time.Second)
	require.NoError(t, err)
	require.False(t, ok, "second SetNX on the same key must not overwrite")
}
