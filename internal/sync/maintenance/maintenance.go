// Package maintenance runs the periodic queue housekeeping: retention of
// finished items and recovery of items left in Processing by a crash.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// Repository is the storage maintenance needs.
type Repository interface {
	DeleteQueueItemsBefore(ctx context.Context, status models.QueueStatus, cutoff time.Time) (int64, error)
	ResetStuckProcessing(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// Config holds maintenance configuration.
type Config struct {
	Schedule           string        // cron spec or descriptor (default: "@every 24h")
	CompletedRetention time.Duration // default: 30 days
	FailedRetention    time.Duration // default: 90 days
	StuckAfter         time.Duration // default: 60 minutes
	RunTimeout         time.Duration // default: 5 minutes
}

// DefaultConfig returns the default maintenance configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:           "@every 24h",
		CompletedRetention: 30 * 24 * time.Hour,
		FailedRetention:    90 * 24 * time.Hour,
		StuckAfter:         60 * time.Minute,
		RunTimeout:         5 * time.Minute,
	}
}

// Report is the outcome of one run.
type Report struct {
	RanAt           time.Time `json:"ran_at"`
	PurgedCompleted int64     `json:"purged_completed"`
	PurgedFailed    int64     `json:"purged_failed"`
	ResetStuck      int64     `json:"reset_stuck"`
	Error           string    `json:"error,omitempty"`
}

// Service schedules and runs maintenance.
type Service struct {
	repo Repository
	cfg  Config
	cron *cron.Cron
	now  func() time.Time

	mu      sync.Mutex
	running bool
	last    *Report
}

// New creates a Service. Zero config fields take their defaults.
func New(repo Repository, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = def.FailedRetention
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	return &Service{
		repo: repo,
		cfg:  cfg,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules Run on the configured schedule.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	entryID, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			logging.Error("Scheduled maintenance failed", err, map[string]interface{}{"schedule": s.cfg.Schedule})
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	logging.Info("Maintenance scheduled", map[string]interface{}{
		"schedule": s.cfg.Schedule,
		"entry_id": entryID,
	})
	return nil
}

// Stop stops the schedule and waits for a running job.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	logging.Info("Maintenance stopped", nil)
}

// Run performs one maintenance pass: stuck Processing items go back to
// Pending, then expired Completed and Failed items are deleted.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	now := s.now()
	report := &Report{RanAt: now}

	var err error
	defer func() {
		if err != nil {
			report.Error = err.Error()
		}
		s.mu.Lock()
		s.last = report
		s.mu.Unlock()
	}()

	if report.ResetStuck, err = s.repo.ResetStuckProcessing(ctx, now.Add(-s.cfg.StuckAfter), now); err != nil {
		return report, err
	}
	if report.PurgedCompleted, err = s.repo.DeleteQueueItemsBefore(ctx, models.QueueStatusCompleted, now.Add(-s.cfg.CompletedRetention)); err != nil {
		return report, err
	}
	if report.PurgedFailed, err = s.repo.DeleteQueueItemsBefore(ctx, models.QueueStatusFailed, now.Add(-s.cfg.FailedRetention)); err != nil {
		return report, err
	}

	logging.Info("Maintenance completed", map[string]interface{}{
		"reset_stuck":      report.ResetStuck,
		"purged_completed": report.PurgedCompleted,
		"purged_failed":    report.PurgedFailed,
	})
	return report, nil
}

// LastReport returns the report of the most recent run, or nil.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
