// Package store indexes telemetry runs in a relational database so they can
// be queried across runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/10printhello/trim-telemetry/pkg/config"
	"github.com/10printhello/trim-telemetry/pkg/record"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

const batchSize = 100

// TestFilter narrows ListTestResults.
type TestFilter struct {
	Status record.Status
	Flag   string
	Limit  int
}

// Store provides persistence for indexed telemetry.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// IndexRun stores a run and its test records, replacing any previous
	// index of the same run id.
	IndexRun(ctx context.Context, summary *record.RunSummary, recs []*record.TestRecord) (*Run, error)

	ListRuns(ctx context.Context, limit int) ([]Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	DeleteRun(ctx context.Context, runID string) error

	ListTestResults(ctx context.Context, runID string, filter TestFilter) ([]TestResult, error)
	SlowestTests(ctx context.Context, limit int) ([]TestResult, error)
	TestHistory(ctx context.Context, testID string, limit int) ([]TestResult, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	plugins []gorm.Plugin
}

// Option customizes a Store.
type Option func(*store)

// WithPlugin installs a GORM plugin on the connection at Start.
func WithPlugin(p gorm.Plugin) Option {
	return func(s *store) {
		s.plugins = append(s.plugins, p)
	}
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	opts ...Option,
) Store {
	s := &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// One connection keeps ":memory:" databases shared and avoids
		// SQLITE_BUSY on files.
		sqlDB.SetMaxOpenConns(1)
	}

	for _, p := range s.plugins {
		if err := s.db.Use(p); err != nil {
			return fmt.Errorf("installing plugin %s: %w", p.Name(), err)
		}
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&TestResult{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Store started")

	return nil
}

// Stop closes the database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	s.log.Info("Store stopped")

	return nil
}

// IndexRun writes the run row and its test rows in one transaction.
func (s *store) IndexRun(
	ctx context.Context,
	summary *record.RunSummary,
	recs []*record.TestRecord,
) (*Run, error) {
	run, err := RunFromSummary(summary)
	if err != nil {
		return nil, err
	}

	results := make([]*TestResult, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			continue
		}

		results = append(results, TestResultFromRecord(run.RunID, rec))
	}

	now := time.Now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Run

		err := tx.Where("run_id = ?", run.RunID).First(&existing).Error
		switch {
		case err == nil:
			run.ID = existing.ID
			run.IndexedAt = existing.IndexedAt
			run.ReindexedAt = &now
		case errors.Is(err, gorm.ErrRecordNotFound):
			run.IndexedAt = now
		default:
			return fmt.Errorf("looking up run: %w", err)
		}

		if err := tx.Save(run).Error; err != nil {
			return fmt.Errorf("saving run: %w", err)
		}

		if err := tx.Where("run_id = ?", run.RunID).
			Delete(&TestResult{}).Error; err != nil {
			return fmt.Errorf("deleting previous test results: %w", err)
		}

		if len(results) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(results, batchSize).Error; err != nil {
			return fmt.Errorf("inserting test results: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"tests":     len(results),
		"reindexed": run.ReindexedAt != nil,
	}).Info("Indexed run")

	return run, nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
func (s *store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("start_time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// GetRun returns a single run.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// DeleteRun removes a run and its test results.
func (s *store) DeleteRun(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).
			Delete(&TestResult{}).Error; err != nil {
			return fmt.Errorf("deleting test results: %w", err)
		}

		res := tx.Where("run_id = ?", runID).Delete(&Run{})
		if res.Error != nil {
			return fmt.Errorf("deleting run: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}

		return nil
	})
}

// ListTestResults returns the tests of a run in start order.
func (s *store) ListTestResults(
	ctx context.Context, runID string, filter TestFilter,
) ([]TestResult, error) {
	q := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("start_time ASC, id ASC")

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	if filter.Flag != "" {
		q = q.Where("flags LIKE ?", "%,"+filter.Flag+",%")
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var results []TestResult
	if err := q.Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test results: %w", err)
	}

	return results, nil
}

// SlowestTests returns the slowest tests across all runs.
func (s *store) SlowestTests(ctx context.Context, limit int) ([]TestResult, error) {
	if limit <= 0 {
		limit = 20
	}

	var results []TestResult
	if err := s.db.WithContext(ctx).
		Order("duration_ms DESC, id ASC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing slowest tests: %w", err)
	}

	return results, nil
}

// TestHistory returns the most recent results of one test across runs.
func (s *store) TestHistory(
	ctx context.Context, testID string, limit int,
) ([]TestResult, error) {
	q := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("start_time DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var results []TestResult
	if err := q.Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test history: %w", err)
	}

	return results, nil
}
