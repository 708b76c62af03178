package coordinator

import (
	"context"
	"time"

	"github.com/runstr/exitfee-saga/internal/coinos"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
)

// PaymentGateway is the subset of the CoinOS client the saga drives step by step.
type PaymentGateway interface {
	CreateExitFeeInvoice(ctx context.Context, amount int64, memo string) (*coinos.LightningInvoice, error)
	PayExitFeeWithRetry(ctx context.Context, invoice *coinos.LightningInvoice, maxRetries int, timeout time.Duration) (*coinos.PaymentResult, error)
	VerifyRunstrReceivedPayment(ctx context.Context, paymentHash string, maxAttempts int) (bool, error)
}

// TeamRoster is the team membership collaborator. ApplyTeamChange must be
// idempotent under the idempotency key carried by ctx.
type TeamRoster interface {
	ApplyTeamChange(ctx context.Context, userID string, fromTeamID, toTeamID *string) error
	ValidateTeamSwitch(ctx context.Context, userID string, fromTeamID, toTeamID *string) error
}

// Recorder receives every saga event. metrics.Collector implements it.
type Recorder interface {
	StartOperation(operationID string)
	EndOperation(operationID string, success bool)
	RecordStateTransition(ctx context.Context, operationID string, from, to oplog.Status, d time.Duration, err error)
	RecordPaymentAttempt(ctx context.Context, operationID string, amount int64, attempt int, d time.Duration, err error)
	RecordTeamSwitch(ctx context.Context, operationID string, fromTeamID, toTeamID *string, d time.Duration, err error)
	RecordStuckOperations(ctx context.Context, ops []*oplog.ExitFeeOperation)
}

// StuckFinder returns non-terminal operations older than threshold.
// analytics.Service implements it.
type StuckFinder interface {
	GetStuckPayments(ctx context.Context, threshold time.Duration) ([]*oplog.ExitFeeOperation, error)
}

type nopRecorder struct{}

func (nopRecorder) StartOperation(string)     {}
func (nopRecorder) EndOperation(string, bool) {}
func (nopRecorder) RecordStateTransition(context.Context, string, oplog.Status, oplog.Status, time.Duration, error) {
}
func (nopRecorder) RecordPaymentAttempt(context.Context, string, int64, int, time.Duration, error) {}
func (nopRecorder) RecordTeamSwitch(context.Context, string, *string, *string, time.Duration, error) {
}
func (nopRecorder) RecordStuckOperations(context.Context, []*oplog.ExitFeeOperation) {}

// repoStuckFinder queries the repository directly when no analytics service is wired.
type repoStuckFinder struct {
	repo oplog.Repository
	now  func() time.Time
}

func (f repoStuckFinder) GetStuckPayments(ctx context.Context, threshold time.Duration) ([]*oplog.ExitFeeOperation, error) {
	return f.repo.ListByStatusOlderThan(ctx, oplog.ActiveStatuses, f.now().Add(-threshold))
}
