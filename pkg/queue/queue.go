// Package queue hands validated job descriptors from the API to workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/request"
)

// Backends.
const (
	BackendDatabase = "database"
	BackendSQS      = "sqs"
)

// ErrClosed is returned by Dequeue after Stop.
var ErrClosed = errors.New("queue closed")

// Entry is the acknowledgement returned to a submitter.
type Entry struct {
	ID         string    `json:"id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued job owned by one worker until it is acked or
// failed.
type Delivery struct {
	Descriptor request.Descriptor
	EnqueuedAt time.Time

	// handle identifies the delivery to the backend (row id or receipt
	// handle).
	handle string
}

// Queue is a FIFO of job descriptors.
type Queue interface {
	Start(ctx context.Context) error
	Stop() error

	// Enqueue assigns a job id when the descriptor has none, stores it and
	// returns the entry.
	Enqueue(ctx context.Context, d *request.Descriptor) (*Entry, error)

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack marks a delivery as completed.
	Ack(ctx context.Context, d *Delivery) error

	// Fail marks a delivery as failed with the given cause.
	Fail(ctx context.Context, d *Delivery, cause error) error
}

// StatusReader is implemented by backends that keep the state of every job.
// Status returns nil without an error for an unknown id.
type StatusReader interface {
	Status(ctx context.Context, id string) (*Item, error)
}

// NewJobID returns a fresh job id.
func NewJobID() string {
	return uuid.NewString()
}

// New creates the queue backend selected by cfg. db is only used by the
// database backend.
func New(log logrus.FieldLogger, cfg *config.QueueConfig, db *gorm.DB) (Queue, error) {
	switch cfg.Backend {
	case BackendDatabase:
		if db == nil {
			return nil, fmt.Errorf("database queue requires a database connection")
		}

		return NewDatabaseQueue(log, cfg, db), nil
	case BackendSQS:
		return NewSQSQueue(log, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}

// prepare fills in the job id and submission time.
func prepare(d *request.Descriptor, now time.Time) {
	if d.JobID == "" {
		d.JobID = NewJobID()
	}

	if d.SubmittedAt.IsZero() {
		d.SubmittedAt = now.UTC()
	}
}
