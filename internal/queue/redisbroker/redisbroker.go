// Package redisbroker is the multi-node Queue Broker backend: one Redis
// list per priority band plus a sorted set for delayed retries, built on
// github.com/redis/go-redis/v9. Bands are drained in strict priority order
// via BRPOP; the sorted set holds retries until their scheduled time via
// ZADD/ZRANGEBYSCORE.
package redisbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue"
)

// Broker is the Redis-backed Broker implementation.
type Broker struct {
	rdb       *redis.Client
	keyPrefix string
}

var _ queue.Broker = (*Broker)(nil)

// New wraps an existing client. keyPrefix namespaces all keys (e.g.
// "dispatchcore") so multiple deployments can share a Redis instance.
func New(rdb *redis.Client, keyPrefix string) *Broker {
	if keyPrefix == "" {
		keyPrefix = "dispatchcore"
	}
	return &Broker{rdb: rdb, keyPrefix: keyPrefix}
}

func (b *Broker) bandKey(p models.Priority) string {
	return fmt.Sprintf("%s:band:%d", b.keyPrefix, int(p))
}

func (b *Broker) scheduledKey() string {
	return b.keyPrefix + ":scheduled"
}

// bandKeysInOrder returns band keys Critical..Low, the order BRPOP checks.
func (b *Broker) bandKeysInOrder() []string {
	keys := make([]string, 0, models.NumBands)
	for p := models.PriorityCritical; p <= models.PriorityLow; p++ {
		keys = append(keys, b.bandKey(p))
	}
	return keys
}

func (b *Broker) Enqueue(ctx context.Context, jobID uuid.UUID, priority models.Priority) error {
	if err := b.rdb.LPush(ctx, b.bandKey(priority), jobID.String()).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (b *Broker) Schedule(ctx context.Context, jobID uuid.UUID, priority models.Priority, readyAt time.Time) error {
	member := fmt.Sprintf("%d:%s", int(priority), jobID.String())
	err := b.rdb.ZAdd(ctx, b.scheduledKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// BlockingPop issues BRPOP across the band keys in priority order, so Redis
// itself enforces strict cross-band priority; per-band FIFO falls out of
// LPUSH/BRPOP's list semantics.
func (b *Broker) BlockingPop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	res, err := b.rdb.BRPop(ctx, timeout, b.bandKeysInOrder()...).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return uuid.Nil, false, ctx.Err()
		}
		return uuid.Nil, false, fmt.Errorf("blocking pop: %w", err)
	}
	// res is [key, value].
	id, err := uuid.Parse(res[1])
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse popped job id %q: %w", res[1], err)
	}
	return id, true, nil
}

// PromoteDue moves scheduled entries whose score has elapsed into their
// band lists. The caller (the Reconciler's sub-second ticker) drives this
// since Redis has no built-in delayed-queue primitive.
func (b *Broker) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := b.rdb.ZRangeByScore(ctx, b.scheduledKey(), &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan scheduled: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	for _, member := range members {
		var priority int
		var jobIDStr string
		if _, err := fmt.Sscanf(member, "%d:%s", &priority, &jobIDStr); err != nil {
			continue
		}
		if err := b.rdb.LPush(ctx, b.bandKey(models.Priority(priority)), jobIDStr).Err(); err != nil {
			return 0, fmt.Errorf("promote push: %w", err)
		}
	}
	if err := b.rdb.ZRem(ctx, b.scheduledKey(), members).Err(); err != nil {
		return 0, fmt.Errorf("promote zrem: %w", err)
	}
	return len(members), nil
}

// Remove deletes jobID from whichever band list or the scheduled set holds
// it. Redis lists have no remove-by-value index, so this scans all bands
// plus the scheduled set; acceptable since Cancel only ever targets
// Pending/PendingRetry jobs, a small working set.
func (b *Broker) Remove(ctx context.Context, jobID uuid.UUID) error {
	idStr := jobID.String()
	for p := models.PriorityCritical; p <= models.PriorityLow; p++ {
		if err := b.rdb.LRem(ctx, b.bandKey(p), 0, idStr).Err(); err != nil {
			return fmt.Errorf("remove from band: %w", err)
		}
	}
	members, err := b.rdb.ZRange(ctx, b.scheduledKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan scheduled for remove: %w", err)
	}
	for _, member := range members {
		if member[len(member)-len(idStr):] == idStr {
			if err := b.rdb.ZRem(ctx, b.scheduledKey(), member).Err(); err != nil {
				return fmt.Errorf("remove from scheduled: %w", err)
			}
		}
	}
	return nil
}

func (b *Broker) Depth(ctx context.Context) (map[models.Priority]int, error) {
	out := make(map[models.Priority]int, models.NumBands)
	for p := models.PriorityCritical; p <= models.PriorityLow; p++ {
		n, err := b.rdb.LLen(ctx, b.bandKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("depth: %w", err)
		}
		out[p] = int(n)
	}
	return out, nil
}

func (b *Broker) Close() error {
	return b.rdb.Close()
}
