package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/request"
)

// Item states.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Item is a queued job in the database backend.
type Item struct {
	ID         string `gorm:"primaryKey"`
	Queue      string `gorm:"not null;index:idx_queue_items_pending,priority:1"`
	Status     string `gorm:"not null;index:idx_queue_items_pending,priority:2"`
	Payload    string `gorm:"type:text;not null"`
	Error      string
	EnqueuedAt time.Time `gorm:"not null;index:idx_queue_items_pending,priority:3"`
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// TableName implements gorm's Tabler.
func (Item) TableName() string {
	return "queue_items"
}

type databaseQueue struct {
	log logrus.FieldLogger
	cfg *config.QueueConfig
	db  *gorm.DB
	now func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// Ensure interface compliance.
var (
	_ Queue        = (*databaseQueue)(nil)
	_ StatusReader = (*databaseQueue)(nil)
)

// NewDatabaseQueue creates a queue stored in the queue_items table.
func NewDatabaseQueue(log logrus.FieldLogger, cfg *config.QueueConfig, db *gorm.DB) Queue {
	return &databaseQueue{
		log:  log.WithFields(logrus.Fields{"component": "queue", "backend": BackendDatabase}),
		cfg:  cfg,
		db:   db,
		now:  time.Now,
		done: make(chan struct{}),
	}
}

// Start migrates the queue table and fails items abandoned by a previous
// worker process.
func (q *databaseQueue) Start(ctx context.Context) error {
	if err := q.db.WithContext(ctx).AutoMigrate(&Item{}); err != nil {
		return fmt.Errorf("migrating queue table: %w", err)
	}

	if q.cfg.JobTimeout <= 0 {
		return nil
	}

	now := q.now().UTC()

	res := q.db.WithContext(ctx).Model(&Item{}).
		Where("queue = ? AND status = ? AND started_at < ?", q.cfg.Name, StatusRunning, now.Add(-q.cfg.JobTimeout)).
		Updates(map[string]any{
			"status":      StatusFailed,
			"error":       "abandoned by worker",
			"finished_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failing abandoned items: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		q.log.WithField("count", res.RowsAffected).Warn("Failed abandoned queue items")
	}

	return nil
}

// Stop wakes up blocked Dequeue calls.
func (q *databaseQueue) Stop() error {
	q.stopOnce.Do(func() { close(q.done) })

	return nil
}

func (q *databaseQueue) Enqueue(ctx context.Context, d *request.Descriptor) (*Entry, error) {
	prepare(d, q.now())

	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshalling descriptor: %w", err)
	}

	item := &Item{
		ID:         d.JobID,
		Queue:      q.cfg.Name,
		Status:     StatusQueued,
		Payload:    string(payload),
		EnqueuedAt: d.SubmittedAt,
	}

	if err := q.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}

	q.log.WithFields(logrus.Fields{"job_id": d.JobID, "kind": d.Kind}).Debug("Enqueued job")

	return &Entry{ID: d.JobID, EnqueuedAt: d.SubmittedAt}, nil
}

func (q *databaseQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	interval := q.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}

		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-ticker.C:
		}
	}
}

// claim moves the oldest queued item to running. It returns nil when the
// queue is empty or another worker won the race.
func (q *databaseQueue) claim(ctx context.Context) (*Delivery, error) {
	var item Item

	res := q.db.WithContext(ctx).
		Where("queue = ? AND status = ?", q.cfg.Name, StatusQueued).
		Order("enqueued_at ASC").
		Limit(1).
		Find(&item)
	if res.Error != nil {
		return nil, fmt.Errorf("polling queue: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return nil, nil
	}

	now := q.now().UTC()

	upd := q.db.WithContext(ctx).Model(&Item{}).
		Where("id = ? AND status = ?", item.ID, StatusQueued).
		Updates(map[string]any{"status": StatusRunning, "started_at": now})
	if upd.Error != nil {
		return nil, fmt.Errorf("claiming job %s: %w", item.ID, upd.Error)
	}

	if upd.RowsAffected == 0 {
		return nil, nil
	}

	var d request.Descriptor
	if err := json.Unmarshal([]byte(item.Payload), &d); err != nil {
		q.finish(ctx, item.ID, StatusFailed, fmt.Sprintf("decoding payload: %v", err))

		return nil, fmt.Errorf("decoding job %s: %w", item.ID, err)
	}

	return &Delivery{Descriptor: d, EnqueuedAt: item.EnqueuedAt, handle: item.ID}, nil
}

func (q *databaseQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.finish(ctx, d.handle, StatusDone, "")
}

func (q *databaseQueue) Fail(ctx context.Context, d *Delivery, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	return q.finish(ctx, d.handle, StatusFailed, msg)
}

func (q *databaseQueue) finish(ctx context.Context, id, status, msg string) error {
	res := q.db.WithContext(ctx).Model(&Item{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"error":       msg,
			"finished_at": q.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("marking job %s %s: %w", id, status, res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("marking job %s %s: %w", id, status, gorm.ErrRecordNotFound)
	}

	return nil
}

// Status implements StatusReader.
func (q *databaseQueue) Status(ctx context.Context, id string) (*Item, error) {
	var item Item

	err := q.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting queue item: %w", err)
	}

	return &item, nil
}
