package api

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingCreate marks a key whose create has not committed yet.
const pendingCreate = "-"

// CreateKey identifies one create request: the client's idempotency key is
// only unique per user and project.
type CreateKey struct {
	ProjectID string
	UserID    string
	Key       string
}

func (k CreateKey) String() string {
	return "taskboard:create:" + k.ProjectID + ":" + k.UserID + ":" + k.Key
}

// Deduper remembers create requests so a replay is rejected with the id of
// the task the first request created.
type Deduper interface {
	// Reserve claims k. When k was already claimed it returns the task id
	// recorded for it, empty while that create is still running.
	Reserve(ctx context.Context, k CreateKey) (taskID string, reserved bool, err error)
	// Complete records the task created under k.
	Complete(ctx context.Context, k CreateKey, taskID string) error
	// Release drops k so a failed create may be retried.
	Release(ctx context.Context, k CreateKey) error
}

// RedisDeduper keeps create keys in Redis so every instance sees them.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) Reserve(ctx context.Context, k CreateKey) (string, bool, error) {
	added, err := r.client.SetNX(ctx, k.String(), pendingCreate, r.ttl).Result()
	if err != nil || added {
		return "", added, err
	}
	id, err := r.client.Get(ctx, k.String()).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// expired between the two calls
		return r.Reserve(ctx, k)
	case err != nil:
		return "", false, err
	case id == pendingCreate:
		return "", false, nil
	}
	return id, false, nil
}

func (r *RedisDeduper) Complete(ctx context.Context, k CreateKey, taskID string) error {
	return r.client.Set(ctx, k.String(), taskID, r.ttl).Err()
}

func (r *RedisDeduper) Release(ctx context.Context, k CreateKey) error {
	return r.client.Del(ctx, k.String()).Err()
}
