package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/notify"
)

// SweepOutcome reports what the sweep did with one operation.
type SweepOutcome struct {
	OperationID string       `json:"operation_id"`
	UserID      string       `json:"user_id"`
	Before      oplog.Status `json:"before"`
	After       oplog.Status `json:"after"`
	Action      string       `json:"action"`
	Reason      string       `json:"reason,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Reconcile applies the compensation action to every stuck operation.
// Operations still being run by this process are skipped.
func (m *Manager) Reconcile(ctx context.Context) ([]SweepOutcome, error) {
	threshold := min(m.cfg.StuckThreshold, m.cfg.OperationTimeout)

	stuck, err := m.stuck.GetStuckPayments(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	if len(stuck) > 0 {
		m.metrics.RecordStuckOperations(ctx, stuck)
	}

	outcomes := make([]SweepOutcome, 0, len(stuck))
	for _, op := range stuck {
		if m.isRunning(op.ID) {
			continue
		}
		outcomes = append(outcomes, m.sweepOne(ctx, op))
	}

	m.logger.InfoContext(ctx, "reconciliation sweep finished", "stuck", len(stuck), "handled", len(outcomes))
	return outcomes, nil
}

func (m *Manager) sweepOne(ctx context.Context, candidate *oplog.ExitFeeOperation) SweepOutcome {
	out := SweepOutcome{OperationID: candidate.ID, UserID: candidate.UserID, Before: candidate.Status}

	lk := m.opLock(candidate.ID)
	lk.Lock()
	op, err := m.repo.Get(ctx, candidate.ID)
	if err != nil {
		lk.Unlock()
		out.Action = NoAction{}.Kind()
		out.Error = err.Error()
		return out
	}
	out.Before = op.Status

	// failed has no compensation of its own; its only exit is compensated.
	if op.Status == oplog.StatusFailed {
		defer lk.Unlock()
		out.Action = MarkAsFailed{}.Kind()
		out.Reason = oplog.Deref(op.ErrorMessage)
		if err := m.compensateLocked(ctx, op, errors.New(out.Reason)); err != nil {
			out.Error = err.Error()
		}
		out.After = op.Status
		return out
	}

	action := DetermineCompensationAction(op)
	out.Action = action.Kind()

	switch a := action.(type) {
	case MarkAsFailed:
		defer lk.Unlock()
		out.Reason = a.Reason
		if err := m.compensateLocked(ctx, op, errors.New(a.Reason)); err != nil {
			out.Error = err.Error()
		}

	case RequireManualReview:
		lk.Unlock()
		out.Reason = a.Reason
		m.logger.WarnContext(ctx, "operation requires manual review",
			"operation_id", op.ID, "user_id", op.UserID, "status", op.Status, "reason", a.Reason)
		m.publish(ctx, notify.NewEvent(notify.EventManualReview, op, a.Reason, m.now()))

	case RetryTeamChange:
		m.setRunning(op.ID, true)
		lk.Unlock()
		out.Reason = a.Reason
		m.locks.restore(op.UserID)
		m.execute(ctx, &Run{Op: op}, []Step{m.teamChangeStep()})
		m.setRunning(op.ID, false)
		if op.Status != oplog.StatusTeamChangeComplete {
			out.Error = oplog.Deref(op.ErrorMessage)
			m.publish(ctx, notify.NewEvent(notify.EventManualReview, op, out.Error, m.now()))
		}

	case NoAction:
		lk.Unlock()
	}

	out.After = op.Status
	return out
}
