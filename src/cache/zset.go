package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

type ZSet struct {
	client *redis.Client
	key    string
}

func NewZSet(cache *redis.Client, key string) ZSet {
	return ZSet{
		key:    key,
		client: cache,
	}
}

type ZSetKVP = redis.Z

// AddValues only inserts members not already present, returning how many were new
func (zz *ZSet) AddValues(ctx context.Context, keys ...ZSetKVP) (int64, error) {
	cmd := zz.client.ZAddArgs(ctx, zz.key, redis.ZAddArgs{
		NX:      true,
		Members: keys,
	})
	return cmd.Result()
}

func (zz *ZSet) GetValuesByScore(ctx context.Context, min, max int64, limit int64) ([]string, error) {
	data := zz.client.ZRangeByScore(ctx, zz.key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", min),
		Max:   fmt.Sprintf("%d", max),
		Count: limit,
	})
	if data.Err() != nil {
		return nil, data.Err()
	}
	return data.Val(), nil
}

func (zz *ZSet) Count(ctx context.Context) (int64, error) {
	cmd := zz.client.ZCount(ctx, zz.key, "-inf", "+inf")
	return cmd.Val(), cmd.Err()
}

func (zz *ZSet) Remove(ctx context.Context, members ...string) (int64, error) {
	args := make([]any, 0, len(members))
	for _, m := range members {
		args = append(args, m)
	}
	cmd := zz.client.ZRem(ctx, zz.key, args...)
	return cmd.Val(), cmd.Err()
}

func (zz *ZSet) RemoveByScore(ctx context.Context, min, max int64) (int64, error) {
	cmd := zz.client.ZRemRangeByScore(ctx, zz.key, fmt.Sprintf("%d", min), fmt.Sprintf("%d", max))
	return cmd.Val(), cmd.Err()
}

// SubmissionGuard remembers transfer submissions so a replayed signed
// transaction is never forwarded to a provider twice
type SubmissionGuard struct {
	set ZSet
	now func() time.Time
}

func NewSubmissionGuard(client *redis.Client, key string) *SubmissionGuard {
	return &SubmissionGuard{
		set: NewZSet(client, key),
		now: time.Now,
	}
}

// Reserve returns false when the submission was already seen
func (sg *SubmissionGuard) Reserve(ctx context.Context, submission string) (bool, error) {
	added, err := sg.set.AddValues(ctx, ZSetKVP{
		Score:  float64(sg.now().Unix()),
		Member: submission,
	})
	if err != nil {
		return false, errors.Wrap(err, "failed writing submission to redis")
	}
	return added > 0, nil
}

// Release forgets a submission whose transfer failed so the client may retry it
func (sg *SubmissionGuard) Release(ctx context.Context, submission string) error {
	_, err := sg.set.Remove(ctx, submission)
	return errors.Wrap(err, "failed releasing submission")
}

// Prune drops submissions older than keep
func (sg *SubmissionGuard) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	removed, err := sg.set.RemoveByScore(ctx, 0, sg.now().Add(-keep).Unix())
	return removed, errors.Wrap(err, "failed pruning submissions")
}

func (sg *SubmissionGuard) Count(ctx context.Context) (int64, error) {
	return sg.set.Count(ctx)
}
