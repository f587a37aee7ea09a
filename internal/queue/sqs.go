package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the queue calls.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SNSAPI is the subset of the SNS client the publisher calls.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SQSQueue is an Amazon SQS queue. Messages delivered through an SNS
// subscription are unwrapped from their envelope.
type SQSQueue struct {
	client     SQSAPI
	name       string
	url        string
	visibility time.Duration
	max        int32
}

// NewSQSQueue resolves the queue URL by name.
func NewSQSQueue(ctx context.Context, client SQSAPI, name string, visibility time.Duration, max int) (*SQSQueue, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("resolve queue %s: %w", name, err)
	}
	return &SQSQueue{
		client:     client,
		name:       name,
		url:        aws.ToString(out.QueueUrl),
		visibility: visibility,
		max:        int32(max),
	}, nil
}

func (q *SQSQueue) Name() string { return q.name }

func (q *SQSQueue) Receive(ctx context.Context, wait time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: q.max,
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(q.visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", q.name, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attempt := 1
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			attempt = n
		}
		msgs = append(msgs, Message{
			ID:      aws.ToString(m.MessageId),
			Queue:   q.name,
			Body:    Unwrap([]byte(aws.ToString(m.Body))),
			Receipt: aws.ToString(m.ReceiptHandle),
			Attempt: attempt,
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", q.name, msg.ID, err)
	}
	return nil
}

// SNSPublisher publishes to SNS topics; the topic name is the topic ARN.
type SNSPublisher struct {
	client SNSAPI
}

func NewSNSPublisher(client SNSAPI) *SNSPublisher {
	return &SNSPublisher{client: client}
}

func (p *SNSPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	_, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topic),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// SNSSubscriptionAPI is the subset of the SNS client used to confirm HTTP(S)
// subscriptions.
type SNSSubscriptionAPI interface {
	ConfirmSubscription(ctx context.Context, in *sns.ConfirmSubscriptionInput, optFns ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error)
}

// SNSConfirmer confirms a pending subscription with the token from its
// SubscriptionConfirmation message.
type SNSConfirmer struct {
	client SNSSubscriptionAPI
}

func NewSNSConfirmer(client SNSSubscriptionAPI) *SNSConfirmer {
	return &SNSConfirmer{client: client}
}

func (c *SNSConfirmer) Confirm(ctx context.Context, topicARN, token string) error {
	if topicARN == "" || token == "" {
		return fmt.Errorf("confirm subscription: topic and token are required")
	}
	out, err := c.client.ConfirmSubscription(ctx, &sns.ConfirmSubscriptionInput{
		TopicArn:                  aws.String(topicARN),
		Token:                     aws.String(token),
		AuthenticateOnUnsubscribe: aws.String("true"),
	})
	if err != nil {
		return fmt.Errorf("confirm subscription to %s: %w", topicARN, err)
	}
	slog.Info("subscription confirmed", "topic", topicARN, "subscription", aws.ToString(out.SubscriptionArn))
	return nil
}
