package queue

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/kiranshivaraju/annoflow/internal/config"
	"github.com/redis/go-redis/v9"
)

// Fabric opens queues and publishes to topics on the configured backend.
type Fabric struct {
	Publisher Publisher
	// Confirmer is set only for the sqs backend.
	Confirmer *SNSConfirmer

	cfg      config.QueueConfig
	consumer string
	redis    *redis.Client
	sqs      SQSAPI
	amqp     *AMQPBroker
	closers  []io.Closer
}

// Open connects to the backend named by cfg.Queue.Backend. The redis client is
// used by the redis backend and is not closed by the fabric.
func Open(ctx context.Context, cfg *config.Config, rdb *redis.Client, consumer string) (*Fabric, error) {
	f := &Fabric{cfg: cfg.Queue, consumer: consumer, redis: rdb}

	switch cfg.Queue.Backend {
	case "redis":
		f.Publisher = NewRedisPublisher(rdb, cfg.Queue.TopicBindings)
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		f.sqs = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		f.Publisher = NewSNSPublisher(snsClient)
		f.Confirmer = NewSNSConfirmer(snsClient)
	case "amqp":
		broker, err := DialAMQP(cfg.Queue.AMQPURL)
		if err != nil {
			return nil, err
		}
		if err := broker.DeclareTopology(cfg.Queue.TopicBindings); err != nil {
			_ = broker.Close()
			return nil, err
		}
		pub, err := broker.Publisher(30 * time.Second)
		if err != nil {
			_ = broker.Close()
			return nil, err
		}
		f.amqp = broker
		f.Publisher = pub
		f.closers = append(f.closers, pub)
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
	return f, nil
}

// Queue opens the named queue for consuming.
func (f *Fabric) Queue(ctx context.Context, name string) (Queue, error) {
	switch {
	case f.sqs != nil:
		return NewSQSQueue(ctx, f.sqs, name, f.cfg.VisibilityTimeout, f.cfg.MaxMessages)
	case f.amqp != nil:
		q, err := f.amqp.Queue(name, f.cfg.VisibilityTimeout, f.cfg.MaxMessages)
		if err != nil {
			return nil, err
		}
		f.closers = append(f.closers, q)
		return q, nil
	default:
		return NewRedisQueue(ctx, f.redis, name, f.consumer, f.cfg.VisibilityTimeout, f.cfg.MaxMessages)
	}
}

func (f *Fabric) Close() error {
	var first error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	if f.amqp != nil {
		if err := f.amqp.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
