package oplog

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidStateTransition is returned for any (from, to) pair outside the whitelist.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrOperationNotFound is returned by repositories when no row matches.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrOperationInProgress is returned when the user already owns a non-terminal operation.
	ErrOperationInProgress = errors.New("operation already in progress for user")

	// ErrStaleOperation is returned by Repository.Update when the stored row
	// is no longer in the status the caller read.
	ErrStaleOperation = errors.New("operation status changed concurrently")

	// ErrInvalidOperation is returned when an operation is malformed or the
	// requested action does not apply to it.
	ErrInvalidOperation = errors.New("invalid operation")
)

// allowedTransitions is the complete whitelist. Anything not listed is illegal,
// including every transition out of a terminal status.
var allowedTransitions = map[Status][]Status{
	StatusInitiated:        {StatusInvoiceCreated, StatusFailed},
	StatusInvoiceCreated:   {StatusPaymentSent, StatusFailed},
	StatusPaymentSent:      {StatusPaymentConfirmed, StatusFailed},
	StatusPaymentConfirmed: {StatusTeamChangeComplete, StatusFailed},
	StatusFailed:           {StatusCompensated},
}

// ValidateStateTransition returns nil when from→to is an allowed edge.
func ValidateStateTransition(from, to Status) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// Transition validates and applies a status change in place, keeping the
// timestamps consistent with the new status.
func (o *ExitFeeOperation) Transition(to Status, now time.Time) error {
	if err := ValidateStateTransition(o.Status, to); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = now
	if to.IsTerminal() {
		t := now
		o.CompletedAt = &t
	}
	return nil
}
