// Package queue is the inbound queue client: long-poll receive,
// delete, and visibility-timeout extension, backed by Amazon SQS.
package queue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message is one received queue message, carrying everything the
// dispatcher needs to ack, extend, or redeliver it.
type Message struct {
	Body          string
	ReceiptHandle string
}

// Client is the narrow queue contract the dispatcher depends on.
type Client interface {
	Receive(ctx context.Context) ([]Message, error)
	Delete(ctx context.Context, m Message) error
	ExtendVisibility(ctx context.Context, m Message, d time.Duration) error
}

// SQSClient implements Client against Amazon SQS.
type SQSClient struct {
	api                 *sqs.Client
	queueURL            string
	waitTimeSeconds     int32
	maxNumberOfMessages int32
}

// Config configures the SQS-backed queue client.
type Config struct {
	QueueURL            string
	WaitTimeSeconds     int32 // up to 20, per the spec's long-poll contract
	MaxNumberOfMessages int32 // up to 10
}

func NewSQSClient(api *sqs.Client, cfg Config) *SQSClient {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = 10
	}
	return &SQSClient{
		api:                 api,
		queueURL:            cfg.QueueURL,
		waitTimeSeconds:     cfg.WaitTimeSeconds,
		maxNumberOfMessages: cfg.MaxNumberOfMessages,
	}
}

func (c *SQSClient) Receive(ctx context.Context) ([]Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		WaitTimeSeconds:     c.waitTimeSeconds,
		MaxNumberOfMessages: c.maxNumberOfMessages,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (c *SQSClient) Delete(ctx context.Context, m Message) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	return err
}

func (c *SQSClient) ExtendVisibility(ctx context.Context, m Message, d time.Duration) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(m.ReceiptHandle),
		VisibilityTimeout: int32(d.Seconds()),
	})
	return err
}

var _ Client = (*SQSClient)(nil)
