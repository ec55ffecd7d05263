package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/request"
)

// sqsAPI is the subset of the SQS client used by the queue.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type sqsQueue struct {
	log    logrus.FieldLogger
	cfg    *config.QueueConfig
	client sqsAPI
	now    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// Ensure interface compliance.
var _ Queue = (*sqsQueue)(nil)

// NewSQSQueue creates a queue backed by an SQS queue.
func NewSQSQueue(log logrus.FieldLogger, cfg *config.QueueConfig) Queue {
	sqsCfg := cfg.SQS

	client := sqs.New(sqs.Options{}, func(o *sqs.Options) {
		if sqsCfg.Region != "" {
			o.Region = sqsCfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if sqsCfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(sqsCfg.EndpointURL)
		}

		if sqsCfg.AccessKeyID != "" && sqsCfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				sqsCfg.AccessKeyID, sqsCfg.SecretAccessKey, "",
			)
		}
	})

	return newSQSQueue(log, cfg, client)
}

func newSQSQueue(log logrus.FieldLogger, cfg *config.QueueConfig, client sqsAPI) *sqsQueue {
	return &sqsQueue{
		log:    log.WithFields(logrus.Fields{"component": "queue", "backend": BackendSQS}),
		cfg:    cfg,
		client: client,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

func (q *sqsQueue) Start(_ context.Context) error {
	q.log.WithField("queue_url", q.cfg.SQS.QueueURL).Info("Using SQS queue")

	return nil
}

func (q *sqsQueue) Stop() error {
	q.stopOnce.Do(func() { close(q.done) })

	return nil
}

func (q *sqsQueue) Enqueue(ctx context.Context, d *request.Descriptor) (*Entry, error) {
	prepare(d, q.now())

	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshalling descriptor: %w", err)
	}

	if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.SQS.QueueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	q.log.WithFields(logrus.Fields{"job_id": d.JobID, "kind": d.Kind}).Debug("Enqueued job")

	return &Entry{ID: d.JobID, EnqueuedAt: d.SubmittedAt}, nil
}

// visibilityTimeout keeps a received message hidden for at least the job
// timeout so that no other worker picks it up while it is processed.
func (q *sqsQueue) visibilityTimeout() int32 {
	timeout := int32(q.cfg.JobTimeout / time.Second)
	if v := int32(q.cfg.SQS.VisibilityTimeout); v > timeout {
		timeout = v
	}

	return timeout
}

func (q *sqsQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		default:
		}

		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.cfg.SQS.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     int32(q.cfg.SQS.WaitTimeSeconds),
			VisibilityTimeout:   q.visibilityTimeout(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, fmt.Errorf("receiving message: %w", err)
		}

		if len(out.Messages) == 0 {
			if err := q.idle(ctx); err != nil {
				return nil, err
			}

			continue
		}

		msg := out.Messages[0]
		handle := aws.ToString(msg.ReceiptHandle)

		var d request.Descriptor
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &d); err != nil {
			q.log.WithError(err).WithField("message_id", aws.ToString(msg.MessageId)).
				Error("Dropping undecodable message")

			if delErr := q.delete(ctx, handle); delErr != nil {
				return nil, delErr
			}

			continue
		}

		return &Delivery{Descriptor: d, EnqueuedAt: d.SubmittedAt, handle: handle}, nil
	}
}

// idle waits one poll interval when long polling is disabled.
func (q *sqsQueue) idle(ctx context.Context) error {
	if q.cfg.SQS.WaitTimeSeconds > 0 || q.cfg.PollInterval <= 0 {
		return nil
	}

	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case <-timer.C:
		return nil
	}
}

func (q *sqsQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.delete(ctx, d.handle)
}

// Fail deletes the message as well. Failed jobs are not redelivered and the
// queue keeps no record of them beyond the log line written here.
func (q *sqsQueue) Fail(ctx context.Context, d *Delivery, cause error) error {
	q.log.WithError(cause).WithField("job_id", d.Descriptor.JobID).Warn("Job failed")

	return q.delete(ctx, d.handle)
}

func (q *sqsQueue) delete(ctx context.Context, handle string) error {
	if handle == "" {
		return errors.New("delivery has no receipt handle")
	}

	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.SQS.QueueURL),
		ReceiptHandle: aws.String(handle),
	}); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	return nil
}
