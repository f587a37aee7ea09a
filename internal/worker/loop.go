// Package worker runs the long-lived polling loops every pipeline role is
// built on: receive a message, hand it to a handler, then ack, dead-letter or
// leave it for redelivery depending on what the handler returned.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/pkg/models"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error {
	return f(ctx, msg)
}

// DeadLetterRecorder persists messages that can never be processed.
type DeadLetterRecorder interface {
	RecordDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// Loop polls one queue. Each goroutine handles one message at a time;
// WithConcurrency runs several identical goroutines over the same queue.
type Loop struct {
	name            string
	queue           queue.Queue
	handler         Handler
	deadLetters     DeadLetterRecorder
	wait            time.Duration
	concurrency     int
	shutdownTimeout time.Duration
	maxAttempts     int
	tracerProvider  trace.TracerProvider
	meterProvider   metric.MeterProvider
	newBackOff      func() backoff.BackOff
}

// Option configures a Loop.
type Option func(*Loop)

func WithDeadLetters(r DeadLetterRecorder) Option {
	return func(l *Loop) { l.deadLetters = r }
}

// WithWaitTime sets the long-poll duration of each receive.
func WithWaitTime(d time.Duration) Option {
	return func(l *Loop) { l.wait = d }
}

func WithConcurrency(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithShutdownTimeout bounds how long an in-flight message may keep running
// after the loop's context is cancelled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(l *Loop) { l.shutdownTimeout = d }
}

// WithMaxAttempts dead-letters a message that has failed transiently on its
// n-th delivery. Zero retries forever.
func WithMaxAttempts(n int) Option {
	return func(l *Loop) { l.maxAttempts = n }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Loop) { l.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Loop) { l.meterProvider = mp }
}

// WithBackOff sets the policy for pausing after receive errors.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(l *Loop) { l.newBackOff = fn }
}

func NewLoop(name string, q queue.Queue, h Handler, opts ...Option) *Loop {
	l := &Loop{
		name:            name,
		queue:           q,
		handler:         h,
		wait:            20 * time.Second,
		concurrency:     1,
		shutdownTimeout: 30 * time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) Name() string { return l.name }

// Run polls until ctx is cancelled, then lets in-flight messages finish and
// returns nil. It returns an error only if the queue becomes unusable.
func (l *Loop) Run(ctx context.Context) error {
	tel := newTelemetry(l.tracerProvider, l.meterProvider)

	slog.Info("worker started", "worker", l.name, "queue", l.queue.Name(), "concurrency", l.concurrency)
	defer slog.Info("worker stopped", "worker", l.name)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < l.concurrency; i++ {
		g.Go(func() error { return l.poll(gctx, tel) })
	}
	return g.Wait()
}

func (l *Loop) poll(ctx context.Context, tel *telemetry) error {
	b := l.newBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := l.queue.Receive(ctx, l.wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return fmt.Errorf("worker %s: %w", l.name, err)
			}
			d := b.NextBackOff()
			slog.Error("receive failed", "worker", l.name, "queue", l.queue.Name(), "error", err, "retry_in", d)
			if !sleep(ctx, d) {
				return nil
			}
			continue
		}
		b.Reset()

		for i, msg := range msgs {
			if ctx.Err() != nil {
				l.releaseAll(ctx, msgs[i:])
				return nil
			}
			l.process(ctx, tel, msg)
		}
	}
}

// releaseAll hands back messages received but never started so they are
// redelivered without waiting out their visibility timeout.
func (l *Loop) releaseAll(ctx context.Context, msgs []queue.Message) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.shutdownTimeout)
	defer cancel()
	for _, msg := range msgs {
		log := slog.With("worker", l.name, "queue", msg.Queue, "message_id", msg.ID)
		log.Info("shutting down, releasing unstarted message")
		l.release(rctx, msg, log)
	}
}

// process handles one message. The handler's context survives cancellation of
// ctx for up to shutdownTimeout so an in-flight message can finish.
func (l *Loop) process(ctx context.Context, tel *telemetry, msg queue.Message) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(l.shutdownTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-hctx.Done():
		}
	})
	defer stop()

	log := slog.With("worker", l.name, "queue", msg.Queue, "message_id", msg.ID, "attempt", msg.Attempt)

	outcome, err := tel.observe(hctx, l.name, msg, func(ctx context.Context) error {
		return l.safeHandle(ctx, msg)
	})
	if outcome == OutcomeRetry && l.maxAttempts > 0 && msg.Attempt >= l.maxAttempts {
		log.Warn("retry budget exhausted", "error", err)
		outcome = OutcomeDeadLetter
	}

	switch outcome {
	case OutcomeAck:
		if err := l.queue.Delete(hctx, msg); err != nil {
			log.Error("ack failed", "error", err)
		}
	case OutcomeDeadLetter:
		log.Error("dead-lettering message", "error", err)
		if l.deadLetters != nil {
			dl := &models.DeadLetter{
				Queue:     msg.Queue,
				MessageID: msg.ID,
				Body:      msg.Body,
				Error:     err.Error(),
			}
			if rerr := l.deadLetters.RecordDeadLetter(hctx, dl); rerr != nil {
				// Not recorded, so not acked either: it will come back.
				log.Error("record dead letter failed", "error", rerr)
				l.release(hctx, msg, log)
				return
			}
		}
		if err := l.queue.Delete(hctx, msg); err != nil {
			log.Error("ack failed", "error", err)
		}
	case OutcomeRetry:
		log.Warn("message left for redelivery", "error", err)
		l.release(hctx, msg, log)
	}
}

func (l *Loop) release(ctx context.Context, msg queue.Message, log *slog.Logger) {
	r, ok := l.queue.(queue.Releaser)
	if !ok {
		return
	}
	if err := r.Release(ctx, msg); err != nil {
		log.Error("release failed", "error", err)
	}
}

// safeHandle turns a handler panic into a transient error.
func (l *Loop) safeHandle(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return l.handler.Handle(ctx, msg)
}

// RunAll runs every loop until ctx is cancelled or one of them fails.
func RunAll(ctx context.Context, loops ...*Loop) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error { return l.Run(gctx) })
	}
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
