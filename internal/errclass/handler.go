package errclass

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one handled error kept for operator diagnostics.
type Entry struct {
	OperationID string    `json:"operation_id,omitempty"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Attempt     int       `json:"attempt"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// Handler logs classified errors at a severity-mapped level and keeps the
// most recent ones in a bounded buffer.
type Handler struct {
	logger *slog.Logger
	max    int

	mu      sync.Mutex
	entries []Entry
}

// NewHandler returns a Handler keeping at most max entries. A nil logger
// falls back to slog.Default().
func NewHandler(logger *slog.Logger, max int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 1000
	}
	return &Handler{logger: logger, max: max}
}

// HandleError classifies, logs and records err. It returns the recorded entry.
func (h *Handler) HandleError(ctx context.Context, err error, operationID string, attempt int) Entry {
	cat := Categorize(err)
	e := Entry{
		OperationID: operationID,
		Category:    cat,
		Severity:    cat.Severity(attempt),
		Attempt:     attempt,
		Message:     err.Error(),
		At:          time.Now().UTC(),
	}

	h.logger.Log(ctx, e.Severity.level(), "exit fee error",
		"operation_id", operationID,
		"category", string(cat),
		"severity", string(e.Severity),
		"attempt", attempt,
		"error", err,
	)

	h.mu.Lock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.max {
		// Drop the oldest half in one go.
		h.entries = append([]Entry(nil), h.entries[len(h.entries)-h.max/2:]...)
	}
	h.mu.Unlock()

	return e
}

// RecentErrors returns up to n of the newest entries, oldest first.
func (h *Handler) RecentErrors(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]Entry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

func (s Severity) level() slog.Level {
	switch s {
	case SeverityLow:
		return slog.LevelInfo
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
