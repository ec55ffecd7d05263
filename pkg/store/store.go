// Package store persists jobs, benchmark results and machine identities.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/machine"
	"github.com/zeek/zeek-benchmarker/pkg/result"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// TestRef identifies one run of a sub-test within a job.
type TestRef struct {
	JobID  string
	TestID string
	Run    int
	SHA    string
	Branch string
}

// Store provides persistence for the benchmarker.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// DB returns the underlying connection, nil before Start.
	DB() *gorm.DB

	// Jobs.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)

	// Zeek results.
	StoreZeekResult(ctx context.Context, ref TestRef, res *result.Timing) error
	StoreZeekError(ctx context.Context, ref TestRef, errText string) error
	ListZeekTests(ctx context.Context, jobID string) ([]ZeekTest, error)

	// Broker results.
	StoreBrokerResult(ctx context.Context, ref TestRef, res *result.BrokerLatency) error
	StoreBrokerError(ctx context.Context, ref TestRef, errText string) error
	ListBrokerTests(ctx context.Context, jobID string) ([]BrokerTest, error)

	// GetOrCreateMachine returns the row matching every attribute of info,
	// inserting it first if needed.
	GetOrCreateMachine(ctx context.Context, info *machine.Info) (*Machine, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	db, err := OpenDatabase(s.cfg)
	if err != nil {
		return err
	}

	s.db = db

	// Order matters for databases enforcing references later on.
	if err := s.db.WithContext(ctx).AutoMigrate(
		&Machine{},
		&Job{},
		&ZeekTest{},
		&BrokerTest{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	return CloseDatabase(s.db)
}

func (s *store) DB() *gorm.DB {
	return s.db
}

// --- Jobs ---

func (s *store) CreateJob(ctx context.Context, job *Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	return nil
}

func (s *store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job

	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}

	return &job, nil
}

func (s *store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job

	q := s.db.WithContext(ctx).Order("enqueued_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	return jobs, nil
}

// --- Zeek results ---

func (s *store) StoreZeekResult(ctx context.Context, ref TestRef, res *result.Timing) error {
	row := &ZeekTest{
		JobID:       ref.JobID,
		TestID:      ref.TestID,
		TestRun:     ref.Run,
		ElapsedTime: &res.ElapsedTime,
		UserTime:    &res.UserTime,
		SystemTime:  &res.SystemTime,
		MaxRSS:      &res.MaxRSS,
		SHA:         ref.SHA,
		Branch:      ref.Branch,
		Success:     true,
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("storing zeek result: %w", err)
	}

	return nil
}

func (s *store) StoreZeekError(ctx context.Context, ref TestRef, errText string) error {
	row := &ZeekTest{
		JobID:   ref.JobID,
		TestID:  ref.TestID,
		TestRun: ref.Run,
		SHA:     ref.SHA,
		Branch:  ref.Branch,
		Success: false,
		Error:   errText,
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("storing zeek error: %w", err)
	}

	return nil
}

func (s *store) ListZeekTests(ctx context.Context, jobID string) ([]ZeekTest, error) {
	var rows []ZeekTest

	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing zeek tests: %w", err)
	}

	return rows, nil
}

// --- Broker results ---

func (s *store) StoreBrokerResult(ctx context.Context, ref TestRef, res *result.BrokerLatency) error {
	row := &BrokerTest{
		JobID:            ref.JobID,
		TestID:           ref.TestID,
		TestRun:          ref.Run,
		LoggerSending:    &res.LoggerSending,
		LoggerReceiving:  &res.LoggerReceiving,
		ManagerSending:   &res.ManagerSending,
		ManagerReceiving: &res.ManagerReceiving,
		ProxySending:     &res.ProxySending,
		ProxyReceiving:   &res.ProxyReceiving,
		WorkerSending:    &res.WorkerSending,
		WorkerReceiving:  &res.WorkerReceiving,
		System:           &res.System,
		SHA:              ref.SHA,
		Branch:           ref.Branch,
		Success:          true,
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("storing broker result: %w", err)
	}

	return nil
}

func (s *store) StoreBrokerError(ctx context.Context, ref TestRef, errText string) error {
	row := &BrokerTest{
		JobID:   ref.JobID,
		TestID:  ref.TestID,
		TestRun: ref.Run,
		SHA:     ref.SHA,
		Branch:  ref.Branch,
		Success: false,
		Error:   errText,
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("storing broker error: %w", err)
	}

	return nil
}

func (s *store) ListBrokerTests(ctx context.Context, jobID string) ([]BrokerTest, error) {
	var rows []BrokerTest

	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing broker tests: %w", err)
	}

	return rows, nil
}

// --- Machines ---

func (s *store) GetOrCreateMachine(ctx context.Context, info *machine.Info) (*Machine, error) {
	want := machineFromInfo(info)

	var found Machine

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where(want.identity()).Limit(1).Find(&found)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected > 0 {
			return nil
		}

		found = want

		return tx.Create(&found).Error
	})
	if err == nil {
		return &found, nil
	}

	// A concurrent insert of the same identity violates the unique index.
	// Read again outside the failed transaction.
	var existing Machine

	res := s.db.WithContext(ctx).Where(want.identity()).Limit(1).Find(&existing)
	if res.Error == nil && res.RowsAffected > 0 {
		s.log.WithField("machine_id", existing.ID).Debug("Machine inserted concurrently")

		return &existing, nil
	}

	return nil, fmt.Errorf("getting or creating machine: %w", err)
}
