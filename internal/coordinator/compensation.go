package coordinator

import "github.com/runstr/exitfee-saga/internal/coordinator/oplog"

// CompensationAction is what the sweep does with an operation that stopped
// short of a terminal status. The set of implementations is closed.
type CompensationAction interface {
	Kind() string
	compensation()
}

// MarkAsFailed abandons an operation on which no money moved.
type MarkAsFailed struct{ Reason string }

// RequireManualReview parks an operation whose payment outcome is unknown.
// It is never resolved automatically.
type RequireManualReview struct{ Reason string }

// RetryTeamChange re-issues the idempotent roster mutation for a confirmed payment.
type RetryTeamChange struct{ Reason string }

// NoAction leaves the operation alone.
type NoAction struct{}

func (MarkAsFailed) Kind() string        { return "mark_as_failed" }
func (RequireManualReview) Kind() string { return "require_manual_review" }
func (RetryTeamChange) Kind() string     { return "retry_team_change" }
func (NoAction) Kind() string            { return "none" }

func (MarkAsFailed) compensation()        {}
func (RequireManualReview) compensation() {}
func (RetryTeamChange) compensation()     {}
func (NoAction) compensation()            {}

// DetermineCompensationAction is a pure function of the operation's status.
func DetermineCompensationAction(op *oplog.ExitFeeOperation) CompensationAction {
	switch op.Status {
	case oplog.StatusInitiated, oplog.StatusInvoiceCreated:
		return MarkAsFailed{Reason: "payment never completed"}
	case oplog.StatusPaymentSent:
		return RequireManualReview{Reason: "payment status unclear"}
	case oplog.StatusPaymentConfirmed:
		return RetryTeamChange{Reason: "payment confirmed, retry team operation"}
	default:
		return NoAction{}
	}
}
