package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker owns a RabbitMQ connection. Each topic is a durable fanout
// exchange and each queue a durable quorum queue bound to it. Quorum queues
// stamp redeliveries with x-delivery-count, which becomes Message.Attempt.
type AMQPBroker struct {
	conn *amqp.Connection
}

func DialAMQP(url string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return &AMQPBroker{conn: conn}, nil
}

func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}

// DeclareTopology declares every topic exchange and bound queue.
func (b *AMQPBroker) DeclareTopology(bindings map[string][]string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	for topic, queues := range bindings {
		if err := ch.ExchangeDeclare(
			topic,    // name
			"fanout", // type
			true,     // durable
			false,    // auto-delete
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", topic, err)
		}
		for _, name := range queues {
			if _, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
				"x-queue-type": "quorum",
			}); err != nil {
				return fmt.Errorf("declare queue %s: %w", name, err)
			}
			if err := ch.QueueBind(name, "", topic, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", name, topic, err)
			}
		}
	}
	return nil
}

// AMQPQueue consumes one queue with manual acks. A released delivery is
// nacked back onto the queue once the visibility timeout has passed.
type AMQPQueue struct {
	ch         *amqp.Channel
	name       string
	deliveries <-chan amqp.Delivery
	visibility time.Duration
	max        int

	mu     sync.Mutex
	timers map[uint64]*time.Timer
}

func (b *AMQPBroker) Queue(name string, visibility time.Duration, max int) (*AMQPQueue, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(max, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set QoS: %w", err)
	}
	deliveries, err := ch.Consume(
		name,  // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", name, err)
	}
	return &AMQPQueue{
		ch:         ch,
		name:       name,
		deliveries: deliveries,
		visibility: visibility,
		max:        max,
		timers:     make(map[uint64]*time.Timer),
	}, nil
}

func (q *AMQPQueue) Name() string { return q.name }

func (q *AMQPQueue) Receive(ctx context.Context, wait time.Duration) ([]Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var msgs []Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		msgs = append(msgs, q.toMessage(d))
	}

	// Drain whatever else is already buffered, without waiting.
	for len(msgs) < q.max {
		select {
		case d, ok := <-q.deliveries:
			if !ok {
				return msgs, nil
			}
			msgs = append(msgs, q.toMessage(d))
		default:
			return msgs, nil
		}
	}
	return msgs, nil
}

func (q *AMQPQueue) toMessage(d amqp.Delivery) Message {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	return Message{
		ID:      id,
		Queue:   q.name,
		Body:    d.Body,
		Receipt: strconv.FormatUint(d.DeliveryTag, 10),
		Attempt: deliveryAttempt(d),
	}
}

// deliveryAttempt is 1 for a first delivery. x-delivery-count counts the
// deliveries before this one; without it a redelivery is at least the second.
func deliveryAttempt(d amqp.Delivery) int {
	var prior int64
	switch n := d.Headers["x-delivery-count"].(type) {
	case int64:
		prior = n
	case int32:
		prior = int64(n)
	case int:
		prior = int64(n)
	}
	if prior > 0 {
		return int(prior) + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (q *AMQPQueue) Delete(_ context.Context, msg Message) error {
	tag, err := strconv.ParseUint(msg.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("parse delivery tag %q: %w", msg.Receipt, err)
	}
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack %s/%s: %w", q.name, msg.ID, err)
	}
	return nil
}

// Release requeues the delivery after the visibility timeout.
func (q *AMQPQueue) Release(_ context.Context, msg Message) error {
	tag, err := strconv.ParseUint(msg.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("parse delivery tag %q: %w", msg.Receipt, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers[tag] = time.AfterFunc(q.visibility, func() {
		q.mu.Lock()
		delete(q.timers, tag)
		q.mu.Unlock()
		_ = q.ch.Nack(tag, false, true)
	})
	return nil
}

// Close stops pending releases; unacked deliveries return to the queue when
// the channel closes.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	for tag, t := range q.timers {
		t.Stop()
		delete(q.timers, tag)
	}
	q.mu.Unlock()
	return q.ch.Close()
}

// AMQPPublisher publishes persistent messages to topic exchanges and waits
// for the broker to confirm each one.
type AMQPPublisher struct {
	ch      *amqp.Channel
	timeout time.Duration
}

func (b *AMQPBroker) Publisher(timeout time.Duration) (*AMQPPublisher, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("put channel in confirm mode: %w", err)
	}
	return &AMQPPublisher{ch: ch, timeout: timeout}, nil
}

// Publish returns once the broker has acked the message. Concurrent calls
// each wait on their own confirmation.
func (p *AMQPPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, topic, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if dc == nil {
		return fmt.Errorf("publish to %s: channel not in confirm mode", topic)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: confirmation: %w", topic, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: broker nacked", topic)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}
