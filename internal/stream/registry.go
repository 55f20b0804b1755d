package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// SubscriptionRegistry tracks which observers are currently attached to a
// task, at subscriptions:{id}. Entries are advisory only: producers may
// consult them to skip speculative work when nobody is watching, but they
// never gate delivery correctness. Each member's score is its expiry time, so
// unrefreshed entries age out individually.
type SubscriptionRegistry struct {
	rdb      *redis.Client
	entryTTL time.Duration // per-subscriber expiry, extended by heartbeats
	keyTTL   time.Duration // whole-set retention, matches the task TTL
	logger   *logger.Logger
}

// NewSubscriptionRegistry creates a registry whose entries expire after
// entryTTL without a heartbeat and whose sets share the task retention keyTTL.
func NewSubscriptionRegistry(rdb *redis.Client, entryTTL, keyTTL time.Duration, log *logger.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{rdb: rdb, entryTTL: entryTTL, keyTTL: keyTTL, logger: log}
}

// Register records subscriberID as watching taskID until its TTL lapses.
func (r *SubscriptionRegistry) Register(ctx context.Context, taskID, subscriberID string) error {
	key := subscriptionsKey(taskID)
	expiry := float64(time.Now().Add(r.entryTTL).Unix())
	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: expiry, Member: subscriberID})
	pipe.Expire(ctx, key, r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register subscriber %s for task %s: %w", subscriberID, taskID, err)
	}
	return nil
}

// Heartbeat extends the subscriber's expiry.
func (r *SubscriptionRegistry) Heartbeat(ctx context.Context, taskID, subscriberID string) error {
	return r.Register(ctx, taskID, subscriberID)
}

// Deregister removes the subscriber explicitly on detach.
func (r *SubscriptionRegistry) Deregister(ctx context.Context, taskID, subscriberID string) error {
	if err := r.rdb.ZRem(ctx, subscriptionsKey(taskID), subscriberID).Err(); err != nil {
		return fmt.Errorf("deregister subscriber %s for task %s: %w", subscriberID, taskID, err)
	}
	return nil
}

// Watchers returns the subscribers whose entries have not expired, pruning
// stale ones as a side effect.
func (r *SubscriptionRegistry) Watchers(ctx context.Context, taskID string) ([]string, error) {
	key := subscriptionsKey(taskID)
	now := time.Now().Unix()

	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now, 10)).Err(); err != nil {
		return nil, fmt.Errorf("prune subscribers for task %s: %w", taskID, err)
	}
	members, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscribers for task %s: %w", taskID, err)
	}
	return members, nil
}

// HasWatchers reports whether anybody is currently watching the task.
func (r *SubscriptionRegistry) HasWatchers(ctx context.Context, taskID string) (bool, error) {
	watchers, err := r.Watchers(ctx, taskID)
	if err != nil {
		return false, err
	}
	return len(watchers) > 0, nil
}
