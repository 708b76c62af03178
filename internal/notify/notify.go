// Package notify publishes terminal exit-fee outcomes to RabbitMQ. Publishing
// is fire-and-forget from the saga's point of view.
package notify

import (
	"context"
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
)

// Exchange is the topic exchange every event goes to.
const Exchange = "exitfee_events"

// Routing keys.
const (
	EventCompleted    = "exitfee.completed"
	EventCompensated  = "exitfee.compensated"
	EventManualReview = "exitfee.manual_review"
)

// Event is the JSON payload published for a terminal or review-worthy outcome.
type Event struct {
	Type        string       `json:"type"`
	OperationID string       `json:"operation_id"`
	UserID      string       `json:"user_id"`
	Status      oplog.Status `json:"status"`
	Amount      int64        `json:"amount"`
	FromTeamID  *string      `json:"from_team_id,omitempty"`
	ToTeamID    *string      `json:"to_team_id,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	TraceID     string       `json:"trace_id,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// NewEvent builds an event of the given type from an operation snapshot.
func NewEvent(eventType string, op *oplog.ExitFeeOperation, reason string, now time.Time) Event {
	return Event{
		Type:        eventType,
		OperationID: op.ID,
		UserID:      op.UserID,
		Status:      op.Status,
		Amount:      op.Amount,
		FromTeamID:  op.FromTeamID,
		ToTeamID:    op.ToTeamID,
		Reason:      reason,
		TraceID:     op.TraceID,
		OccurredAt:  now.UTC(),
	}
}

// Publisher is implemented by event sinks.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}
