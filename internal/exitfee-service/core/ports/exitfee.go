package ports

import (
	"context"
	"time"

	"github.com/runstr/exitfee-saga/internal/analytics"
	"github.com/runstr/exitfee-saga/internal/coordinator"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/metrics"
)

// ExitFeeService is what the HTTP layer needs from the saga manager.
type ExitFeeService interface {
	StartExitFeeOperation(ctx context.Context, userID string, fromTeamID, toTeamID *string) (*oplog.ExitFeeOperation, error)
	GetOperationStatus(ctx context.Context, operationID string) (*oplog.ExitFeeOperation, error)
	CancelOperation(ctx context.Context, operationID, userID string) (*oplog.ExitFeeOperation, error)
	Resolve(ctx context.Context, operationID string, paid bool) (*oplog.ExitFeeOperation, error)
	Reconcile(ctx context.Context) ([]coordinator.SweepOutcome, error)
	Constants() coordinator.Constants
}

type MetricsService interface {
	Snapshot() metrics.Snapshot
	ExportMetrics(r metrics.TimeRange) metrics.Report
}

type AnalyticsService interface {
	CalculateRevenue(ctx context.Context, p analytics.Period) (analytics.Revenue, error)
	CalculateDailyRevenue(ctx context.Context, days int) ([]analytics.DailyRevenue, error)
	GetStuckPayments(ctx context.Context, threshold time.Duration) ([]*oplog.ExitFeeOperation, error)
}

// HealthChecker is a dependency /healthz asks before answering ok.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
