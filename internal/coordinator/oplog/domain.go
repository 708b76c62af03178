// Package oplog defines the domain types for exit-fee operations.
//
// An ExitFeeOperation is the durable record of one exit-fee payment. It serves
// two purposes:
//
//  1. Consistency: the status column is the single source of truth for how far
//     the saga got, so a crashed or cancelled run can be resumed or compensated.
//
//  2. Audit: rows are never deleted. Terminal operations feed revenue and
//     success-rate analytics, and the trace_id column links a row to the trace
//     of the request that last wrote it.
package oplog

import "time"

// Status represents the lifecycle state of an exit-fee operation.
type Status string

const (
	StatusInitiated          Status = "initiated"
	StatusInvoiceCreated     Status = "invoice_created"
	StatusPaymentSent        Status = "payment_sent"
	StatusPaymentConfirmed   Status = "payment_confirmed"
	StatusTeamChangeComplete Status = "team_change_complete"
	StatusFailed             Status = "failed"
	StatusCompensated        Status = "compensated"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusInitiated,
	StatusInvoiceCreated,
	StatusPaymentSent,
	StatusPaymentConfirmed,
	StatusTeamChangeComplete,
	StatusFailed,
	StatusCompensated,
}

// ActiveStatuses are the statuses that hold the per-user reservation.
var ActiveStatuses = []Status{
	StatusInitiated,
	StatusInvoiceCreated,
	StatusPaymentSent,
	StatusPaymentConfirmed,
	StatusFailed,
}

// IsTerminal reports whether no further transition may leave s.
// failed is deliberately excluded: its only exit is compensated.
func (s Status) IsTerminal() bool {
	return s == StatusTeamChangeComplete || s == StatusCompensated
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ExitFeeOperation is a single row in the exit_fee_operations table.
type ExitFeeOperation struct {
	// ID is the primary key of the operation.
	ID string `json:"id"`

	// PaymentIntentID is the idempotency key presented to the payment gateway
	// and to the roster service so retried calls never duplicate their effect.
	PaymentIntentID string `json:"payment_intent_id"`

	// UserID owns the operation. At most one non-terminal operation exists per user.
	UserID string `json:"user_id"`

	// FromTeamID is the team being left. Optional.
	FromTeamID *string `json:"from_team_id,omitempty"`

	// ToTeamID is the team being joined. Absent for a leave operation.
	ToTeamID *string `json:"to_team_id,omitempty"`

	// Amount is the fee in satoshis.
	Amount int64 `json:"amount"`

	// LightningAddress is the treasury that receives the fee.
	LightningAddress string `json:"lightning_address"`

	Status Status `json:"status"`

	// PaymentHash and InvoiceText are filled once the invoice is created.
	PaymentHash *string `json:"payment_hash,omitempty"`
	InvoiceText *string `json:"invoice_text,omitempty"`

	RetryCount   int     `json:"retry_count"`
	ErrorMessage *string `json:"error_message,omitempty"`

	// ErrorCategory is the classification of the error behind ErrorMessage,
	// kept so the failure can be explained to the user without the raw text.
	ErrorCategory string `json:"error_category,omitempty"`

	// TraceID is the W3C trace ID of the span active when the row was last written.
	TraceID string `json:"trace_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is set only on entry to a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsLeaveOperation reports whether the operation leaves a team without joining another.
func (o *ExitFeeOperation) IsLeaveOperation() bool {
	return o.ToTeamID == nil
}

// IsTeamSwitchOperation reports whether the operation moves the user to another team.
func (o *ExitFeeOperation) IsTeamSwitchOperation() bool {
	return o.ToTeamID != nil
}

// Clone returns a deep copy so callers can hand out snapshots without sharing pointers.
func (o *ExitFeeOperation) Clone() *ExitFeeOperation {
	if o == nil {
		return nil
	}
	c := *o
	c.FromTeamID = cloneString(o.FromTeamID)
	c.ToTeamID = cloneString(o.ToTeamID)
	c.PaymentHash = cloneString(o.PaymentHash)
	c.InvoiceText = cloneString(o.InvoiceText)
	c.ErrorMessage = cloneString(o.ErrorMessage)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the value behind p, or "" for nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
