package api

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"memo-sync/upsert"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	pendingMarker        = "pending"
)

// RedisDeduper remembers submits by their Idempotency-Key so a client that
// retries after a lost response does not create the memo twice. Keys are
// shared by all instances through Redis.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("submit:%s:%s", userID, key)
}

// Claim records key as pending. When it was already recorded, claimed is
// false and prev holds the stored result, or nil while the first submit is
// still running.
func (r *RedisDeduper) Claim(ctx context.Context, userID, key string) (prev *upsert.Result, claimed bool, err error) {
	ok, err := r.client.SetNX(ctx, r.key(userID, key), pendingMarker, r.ttl).Result()
	if err != nil || ok {
		return nil, ok, err
	}
	data, err := r.client.Get(ctx, r.key(userID, key)).Bytes()
	if err == redis.Nil {
		// Expired between the two calls; treat as still running.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if string(data) == pendingMarker {
		return nil, false, nil
	}
	var res upsert.Result
	if err := sonic.Unmarshal(data, &res); err != nil {
		return nil, false, err
	}
	return &res, false, nil
}

// Complete stores the result of a claimed submit.
func (r *RedisDeduper) Complete(ctx context.Context, userID, key string, res upsert.Result) error {
	data, err := sonic.Marshal(res)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(userID, key), data, r.ttl).Err()
}

// Release forgets a claimed key so the caller may retry after a failure.
func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
