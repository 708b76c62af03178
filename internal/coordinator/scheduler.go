package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SnapshotRefresher recomputes the real-time metrics snapshot.
type SnapshotRefresher interface {
	RefreshSnapshot(ctx context.Context)
}

// Scheduler runs the reconciliation sweep and the snapshot refresh on cron.
type Scheduler struct {
	cron          *cron.Cron
	manager       *Manager
	snapshots     SnapshotRefresher
	logger        *slog.Logger
	sweepSpec     string
	snapshotEvery time.Duration
}

// NewScheduler builds a scheduler. snapshots may be nil.
func NewScheduler(manager *Manager, snapshots SnapshotRefresher, logger *slog.Logger, sweepSpec string, snapshotEvery time.Duration) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:          c,
		manager:       manager,
		snapshots:     snapshots,
		logger:        logger,
		sweepSpec:     sweepSpec,
		snapshotEvery: snapshotEvery,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSpec, s.sweep); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.sweepSpec, err)
	}
	s.logger.Info("scheduled reconciliation sweep", "schedule", s.sweepSpec)

	if s.snapshots != nil && s.snapshotEvery > 0 {
		spec := "@every " + s.snapshotEvery.String()
		if _, err := s.cron.AddFunc(spec, s.refresh); err != nil {
			return fmt.Errorf("schedule snapshot %q: %w", spec, err)
		}
		s.logger.Info("scheduled metrics snapshot", "schedule", spec)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron loop. The returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) sweep() {
	ctx := context.Background()
	s.logger.Info("starting reconciliation sweep")

	outcomes, err := s.manager.Reconcile(ctx)
	if err != nil {
		s.logger.Error("reconciliation sweep failed", "error", err)
		return
	}
	for _, o := range outcomes {
		if o.Error != "" {
			s.logger.Warn("sweep could not settle operation",
				"operation_id", o.OperationID, "action", o.Action, "error", o.Error)
		}
	}
}

func (s *Scheduler) refresh() {
	s.snapshots.RefreshSnapshot(context.Background())
}
