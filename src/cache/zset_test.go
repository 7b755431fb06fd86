package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestZSet(t *testing.T) {
	ctx := context.Background()
	zz := NewZSet(newRedis(t), "test_set")

	added, err := zz.AddValues(ctx, ZSetKVP{Score: 1, Member: "a"}, ZSetKVP{Score: 2, Member: "b"})
	require.NoError(t, err)
	require.Equal(t, int64(2), added)

	added, err = zz.AddValues(ctx, ZSetKVP{Score: 5, Member: "a"})
	require.NoError(t, err)
	require.Equal(t, int64(0), added)

	vals, err := zz.GetValuesByScore(ctx, 0, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, vals)

	removed, err := zz.RemoveByScore(ctx, 0, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	count, err := zz.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestSubmissionGuard(t *testing.T) {
	ctx := context.Background()
	guard := NewSubmissionGuard(newRedis(t), "submissions")
	now := time.Unix(1700000000, 0)
	guard.now = func() time.Time { return now }

	fresh, err := guard.Reserve(ctx, "wallet:abc")
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = guard.Reserve(ctx, "wallet:abc")
	require.NoError(t, err)
	require.False(t, fresh)

	require.NoError(t, guard.Release(ctx, "wallet:abc"))
	fresh, err = guard.Reserve(ctx, "wallet:abc")
	require.NoError(t, err)
	require.True(t, fresh)

	now = now.Add(48 * time.Hour)
	_, err = guard.Reserve(ctx, "wallet:def")
	require.NoError(t, err)
	removed, err := guard.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	count, err := guard.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
