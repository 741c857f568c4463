// Package sweep runs the orchestrator's periodic background jobs: the
// robot heartbeat-timeout sweep and the audit-log retention cleanup. Both
// are driven by gocron rather than a hand-rolled ticker loop, matching how
// the rest of the domain stack schedules recurring work.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/audit"
	"github.com/casarerpa/casarerpa/internal/robotmanager"
)

const (
	heartbeatSweepTag = "heartbeat-sweep"
	auditCleanupTag   = "audit-cleanup"
)

// Config controls the cadence of both background jobs.
type Config struct {
	// HeartbeatSweepInterval is how often stale robots are unregistered.
	// Should be a small fraction of the heartbeat timeout itself so a
	// disconnected robot's orphaned jobs are requeued promptly.
	HeartbeatSweepInterval time.Duration

	// AuditCleanupSchedule is a standard 5-field cron expression for how
	// often old audit events are purged.
	AuditCleanupSchedule string

	// AuditRetentionDays is how many days of audit history to keep.
	AuditRetentionDays int
}

// DefaultConfig returns reasonable defaults: sweep every 10s, a daily
// cleanup at 03:00, and a 90-day retention window.
func DefaultConfig() Config {
	return Config{
		HeartbeatSweepInterval: 10 * time.Second,
		AuditCleanupSchedule:   "0 3 * * *",
		AuditRetentionDays:     90,
	}
}

// Scheduler wraps gocron and owns the two recurring jobs. The zero value is
// not usable — create instances with New.
type Scheduler struct {
	cron    gocron.Scheduler
	manager *robotmanager.Manager
	audit   audit.Repository
	cfg     Config
	logger  *zap.Logger
}

// New creates and configures a Scheduler. Call Start to begin running jobs.
func New(manager *robotmanager.Manager, auditRepo audit.Repository, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweep: creating gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:    s,
		manager: manager,
		audit:   auditRepo,
		cfg:     cfg,
		logger:  logger.Named("sweep"),
	}, nil
}

// Start registers both jobs and starts the underlying gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.HeartbeatSweepInterval),
		gocron.NewTask(s.sweepHeartbeats),
		gocron.WithTags(heartbeatSweepTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("sweep: scheduling heartbeat sweep: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.CronJob(s.cfg.AuditCleanupSchedule, false),
		gocron.NewTask(func() { s.cleanupAudit(ctx) }),
		gocron.WithTags(auditCleanupTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("sweep: scheduling audit cleanup: %w", err)
	}

	s.cron.Start()
	s.logger.Info("sweep scheduler started",
		zap.Duration("heartbeat_sweep_interval", s.cfg.HeartbeatSweepInterval),
		zap.String("audit_cleanup_schedule", s.cfg.AuditCleanupSchedule),
	)
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight job to
// finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweep: shutdown: %w", err)
	}
	s.logger.Info("sweep scheduler stopped")
	return nil
}

func (s *Scheduler) sweepHeartbeats() {
	stale := s.manager.SweepHeartbeats(time.Now().UTC())
	if len(stale) > 0 {
		s.logger.Info("heartbeat sweep unregistered stale robots", zap.Int("count", len(stale)))
	}
}

func (s *Scheduler) cleanupAudit(ctx context.Context) {
	result, err := s.audit.CleanupOldEvents(ctx, s.cfg.AuditRetentionDays)
	if err != nil {
		s.logger.Error("audit cleanup failed", zap.Error(err))
		return
	}
	s.logger.Info("audit cleanup completed",
		zap.Int("retention_days", s.cfg.AuditRetentionDays),
		zap.Int64("events_deleted", result.EventsDeleted),
	)
}
