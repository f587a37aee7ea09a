package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DelayScheduler holds payloads in a Redis sorted set scored by due time and
// publishes them to a topic once due. Identical payloads collapse into one
// entry, so scheduling the same trigger twice is harmless.
type DelayScheduler struct {
	client    *redis.Client
	key       string
	publisher Publisher
	topic     string
	batch     int64
	now       func() time.Time
}

func NewDelayScheduler(client *redis.Client, key string, publisher Publisher, topic string) *DelayScheduler {
	return &DelayScheduler{
		client:    client,
		key:       key,
		publisher: publisher,
		topic:     topic,
		batch:     100,
		now:       time.Now,
	}
}

// Schedule publishes body to the scheduler's topic after delay.
func (d *DelayScheduler) Schedule(ctx context.Context, body []byte, delay time.Duration) error {
	due := d.now().Add(delay)
	err := d.client.ZAdd(ctx, d.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(body),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule delayed message: %w", err)
	}
	return nil
}

// PromoteDue publishes every entry due at or before now and removes it. An
// entry is removed only after its publish succeeded, so a crash in between
// publishes it twice rather than never.
func (d *DelayScheduler) PromoteDue(ctx context.Context) (int, error) {
	max := strconv.FormatInt(d.now().UnixMilli(), 10)
	members, err := d.client.ZRangeByScore(ctx, d.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: d.batch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read due messages: %w", err)
	}

	promoted := 0
	for _, m := range members {
		if err := d.publisher.Publish(ctx, d.topic, []byte(m)); err != nil {
			return promoted, fmt.Errorf("promote delayed message: %w", err)
		}
		if err := d.client.ZRem(ctx, d.key, m).Err(); err != nil {
			return promoted, fmt.Errorf("remove promoted message: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Pending is the number of entries not yet promoted.
func (d *DelayScheduler) Pending(ctx context.Context) (int64, error) {
	return d.client.ZCard(ctx, d.key).Result()
}

// Run promotes due entries every tick until ctx is cancelled.
func (d *DelayScheduler) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	slog.Info("delay scheduler started", "key", d.key, "topic", d.topic, "tick", tick)
	for {
		select {
		case <-ctx.Done():
			slog.Info("delay scheduler stopped", "key", d.key)
			return nil
		case <-ticker.C:
			n, err := d.PromoteDue(ctx)
			if err != nil {
				slog.Error("promote delayed messages failed", "key", d.key, "error", err)
				continue
			}
			if n > 0 {
				slog.Info("promoted delayed messages", "topic", d.topic, "count", n)
			}
		}
	}
}
