package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

// RedisQueue is a queue backed by a Redis stream and consumer group. Entries
// read but not acknowledged within the visibility timeout are reclaimed with
// XAUTOCLAIM and handed out again.
type RedisQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	max        int64
}

// NewRedisQueue creates the consumer group if needed and returns the queue.
func NewRedisQueue(ctx context.Context, client *redis.Client, stream, consumer string, visibility time.Duration, max int) (*RedisQueue, error) {
	q := &RedisQueue{
		client:     client,
		stream:     stream,
		group:      stream,
		consumer:   consumer,
		visibility: visibility,
		max:        int64(max),
	}
	err := client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", stream, err)
	}
	return q, nil
}

func (q *RedisQueue) Name() string { return q.stream }

func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) ([]Message, error) {
	reclaimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    q.max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("autoclaim %s: %w", q.stream, err)
	}
	if len(reclaimed) > 0 {
		msgs := q.toMessages(reclaimed, 2)
		q.setAttempts(ctx, msgs)
		return msgs, nil
	}

	// Block 0 would wait forever; a negative value omits BLOCK.
	block := wait
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    q.max,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", q.stream, err)
	}

	var msgs []Message
	for _, s := range streams {
		msgs = append(msgs, q.toMessages(s.Messages, 1)...)
	}
	return msgs, nil
}

func (q *RedisQueue) toMessages(entries []redis.XMessage, attempt int) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		body, _ := e.Values[bodyField].(string)
		msgs = append(msgs, Message{
			ID:      e.ID,
			Queue:   q.stream,
			Body:    []byte(body),
			Receipt: e.ID,
			Attempt: attempt,
		})
	}
	return msgs
}

// setAttempts reads each reclaimed entry's delivery count from the pending
// entries list. XAUTOCLAIM has already counted the delivery it just made.
func (q *RedisQueue) setAttempts(ctx context.Context, msgs []Message) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.XPendingExtCmd, len(msgs))
	for i, m := range msgs {
		cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: q.stream,
			Group:  q.group,
			Start:  m.Receipt,
			End:    m.Receipt,
			Count:  1,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("read delivery counts failed", "queue", q.stream, "error", err)
		return
	}
	for i, cmd := range cmds {
		pending, err := cmd.Result()
		if err != nil || len(pending) == 0 {
			continue
		}
		if n := int(pending[0].RetryCount); n > 0 {
			msgs[i].Attempt = n
		}
	}
}

func (q *RedisQueue) Delete(ctx context.Context, msg Message) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msg.Receipt)
	pipe.XDel(ctx, q.stream, msg.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s/%s: %w", q.stream, msg.Receipt, err)
	}
	return nil
}

// RedisPublisher appends to every stream bound to a topic in one transaction.
type RedisPublisher struct {
	client   *redis.Client
	bindings map[string][]string
}

func NewRedisPublisher(client *redis.Client, bindings map[string][]string) *RedisPublisher {
	return &RedisPublisher{client: client, bindings: bindings}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	streams, ok := p.bindings[topic]
	if !ok || len(streams) == 0 {
		return fmt.Errorf("publish: no queues bound to topic %q", topic)
	}
	pipe := p.client.TxPipeline()
	for _, s := range streams {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s,
			Values: map[string]any{bodyField: string(body)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
