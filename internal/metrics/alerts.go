package metrics

import (
	"context"
	"log/slog"
	"time"
)

const maxAlerts = 500

type AlertKind string

const (
	AlertSlowTransition  AlertKind = "slow_transition"
	AlertHighFailureRate AlertKind = "high_failure_rate"
	AlertSlowQuery       AlertKind = "slow_query"
	AlertStuckPayments   AlertKind = "stuck_payments"
)

type Alert struct {
	Kind        AlertKind `json:"kind"`
	Message     string    `json:"message"`
	OperationID string    `json:"operation_id,omitempty"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertSink receives alerts as they are raised.
type AlertSink interface {
	Alert(ctx context.Context, a Alert)
}

// LogSink writes alerts to the structured log at warn level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Alert(ctx context.Context, a Alert) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "exit fee alert",
		slog.String("kind", string(a.Kind)),
		slog.String("message", a.Message),
		slog.String("operation_id", a.OperationID),
		slog.Float64("value", a.Value),
		slog.Float64("threshold", a.Threshold),
	)
}
