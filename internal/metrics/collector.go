// Package metrics records every saga event in a bounded in-memory log,
// derives a real-time snapshot and alerts from it, exports aggregate
// reports, and mirrors counters to OpenTelemetry instruments.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
)

const (
	DefaultMaxEntries = 10000
	DefaultRetention  = 30 * 24 * time.Hour
)

// TransitionRecord is one state change of an operation, or a failed attempt at one.
type TransitionRecord struct {
	OperationID string            `json:"operation_id"`
	From        oplog.Status      `json:"from"`
	To          oplog.Status      `json:"to"`
	Duration    time.Duration     `json:"duration"`
	Success     bool              `json:"success"`
	Category    errclass.Category `json:"category,omitempty"`
	Error       string            `json:"error,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// PaymentRecord is one call to the payment gateway's pay step.
type PaymentRecord struct {
	OperationID string            `json:"operation_id"`
	Amount      int64             `json:"amount"`
	Attempt     int               `json:"attempt"`
	Duration    time.Duration     `json:"duration"`
	Success     bool              `json:"success"`
	Category    errclass.Category `json:"category,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// TeamSwitchRecord is one roster mutation attempt.
type TeamSwitchRecord struct {
	OperationID string        `json:"operation_id"`
	FromTeamID  string        `json:"from_team_id"`
	ToTeamID    string        `json:"to_team_id"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Timestamp   time.Time     `json:"timestamp"`
}

// QueryRecord is one persistence call.
type QueryRecord struct {
	Query     string        `json:"query"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

type completion struct {
	duration time.Duration
	success  bool
	at       time.Time
}

// Thresholds drive the alerts.
type Thresholds struct {
	SlowTransition time.Duration
	FailureRate    float64
	// FailureWindow is how many recent payment attempts the failure rate covers.
	FailureWindow int
	// FailureMinSample suppresses the failure-rate alert until enough attempts exist.
	FailureMinSample int
	SlowQuery        time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowTransition:   10 * time.Second,
		FailureRate:      0.20,
		FailureWindow:    100,
		FailureMinSample: 10,
		SlowQuery:        2 * time.Second,
	}
}

// Config configures a Collector. Zero fields take defaults.
type Config struct {
	MaxEntries int
	Retention  time.Duration
	Thresholds Thresholds
}

// Collector is safe for concurrent use.
type Collector struct {
	mu          sync.Mutex
	transitions []TransitionRecord
	payments    []PaymentRecord
	switches    []TeamSwitchRecord
	queries     []QueryRecord
	completions []completion
	active      map[string]time.Time
	alerts      []Alert
	snapshot    Snapshot
	failing     bool

	maxEntries int
	retention  time.Duration
	thresholds Thresholds

	sink   AlertSink
	inst   *instruments
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Collector)

func WithAlertSink(s AlertSink) Option { return func(c *Collector) { c.sink = s } }

func WithLogger(l *slog.Logger) Option { return func(c *Collector) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

func NewCollector(cfg Config, opts ...Option) *Collector {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	c := &Collector{
		active:     make(map[string]time.Time),
		maxEntries: cfg.MaxEntries,
		retention:  cfg.Retention,
		thresholds: cfg.Thresholds,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = LogSink{Logger: c.logger}
	}
	c.inst = newInstruments(c)
	return c
}

// StartOperation starts the processing timer for an operation.
func (c *Collector) StartOperation(operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[operationID] = c.now()
}

// EndOperation stops the timer started by StartOperation. Unknown ids are ignored.
func (c *Collector) EndOperation(operationID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	started, ok := c.active[operationID]
	if !ok {
		return
	}
	delete(c.active, operationID)
	now := c.now()
	c.completions = appendBounded(c.completions, completion{duration: now.Sub(started), success: success, at: now}, c.maxEntries)
}

func (c *Collector) RecordStateTransition(ctx context.Context, operationID string, from, to oplog.Status, d time.Duration, err error) {
	rec := TransitionRecord{
		OperationID: operationID,
		From:        from,
		To:          to,
		Duration:    d,
		Success:     err == nil,
		Timestamp:   c.now(),
	}
	if err != nil {
		rec.Category = errclass.Categorize(err)
		rec.Error = err.Error()
	}

	c.mu.Lock()
	c.transitions = appendBounded(c.transitions, rec, c.maxEntries)
	c.mu.Unlock()

	c.inst.transition(ctx, rec)

	if d > c.thresholds.SlowTransition {
		c.raise(ctx, Alert{
			Kind:        AlertSlowTransition,
			OperationID: operationID,
			Message:     "state transition " + string(from) + " -> " + string(to) + " was slow",
			Value:       d.Seconds(),
			Threshold:   c.thresholds.SlowTransition.Seconds(),
		})
	}
}

func (c *Collector) RecordPaymentAttempt(ctx context.Context, operationID string, amount int64, attempt int, d time.Duration, err error) {
	rec := PaymentRecord{
		OperationID: operationID,
		Amount:      amount,
		Attempt:     attempt,
		Duration:    d,
		Success:     err == nil,
		Timestamp:   c.now(),
	}
	if err != nil {
		rec.Category = errclass.Categorize(err)
	}

	c.mu.Lock()
	c.payments = appendBounded(c.payments, rec, c.maxEntries)
	rate, n := failureRate(c.payments, c.thresholds.FailureWindow)
	over := n >= c.thresholds.FailureMinSample && rate > c.thresholds.FailureRate
	crossed := over && !c.failing
	c.failing = over
	c.mu.Unlock()

	c.inst.payment(ctx, rec)

	if crossed {
		c.raise(ctx, Alert{
			Kind:      AlertHighFailureRate,
			Message:   "payment failure rate over the recent window is high",
			Value:     rate,
			Threshold: c.thresholds.FailureRate,
		})
	}
}

func (c *Collector) RecordTeamSwitch(ctx context.Context, operationID string, fromTeamID, toTeamID *string, d time.Duration, err error) {
	rec := TeamSwitchRecord{
		OperationID: operationID,
		FromTeamID:  oplog.Deref(fromTeamID),
		ToTeamID:    oplog.Deref(toTeamID),
		Duration:    d,
		Success:     err == nil,
		Timestamp:   c.now(),
	}

	c.mu.Lock()
	c.switches = appendBounded(c.switches, rec, c.maxEntries)
	c.mu.Unlock()

	c.inst.teamSwitch(ctx, rec)
}

// RecordQuery records the duration of one persistence call.
func (c *Collector) RecordQuery(ctx context.Context, query string, d time.Duration, err error) {
	rec := QueryRecord{Query: query, Duration: d, Success: err == nil, Timestamp: c.now()}

	c.mu.Lock()
	c.queries = appendBounded(c.queries, rec, c.maxEntries)
	c.mu.Unlock()

	c.inst.query(ctx, rec)

	if d > c.thresholds.SlowQuery {
		c.raise(ctx, Alert{
			Kind:      AlertSlowQuery,
			Message:   "query " + query + " was slow",
			Value:     d.Seconds(),
			Threshold: c.thresholds.SlowQuery.Seconds(),
		})
	}
}

// RecordStuckOperations raises one alert per sweep that found stuck operations.
func (c *Collector) RecordStuckOperations(ctx context.Context, ops []*oplog.ExitFeeOperation) {
	if len(ops) == 0 {
		return
	}
	oldest := ops[0]
	for _, op := range ops[1:] {
		if op.CreatedAt.Before(oldest.CreatedAt) {
			oldest = op
		}
	}
	c.raise(ctx, Alert{
		Kind:        AlertStuckPayments,
		OperationID: oldest.ID,
		Message:     "operations stuck in a non-terminal status",
		Value:       float64(len(ops)),
	})
}

func (c *Collector) raise(ctx context.Context, a Alert) {
	a.Timestamp = c.now()
	c.mu.Lock()
	c.alerts = appendBounded(c.alerts, a, maxAlerts)
	c.mu.Unlock()

	c.inst.alert(ctx, a)
	c.sink.Alert(ctx, a)
}

// Alerts returns up to n of the most recent alerts, newest last.
func (c *Collector) Alerts(n int) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.alerts) {
		n = len(c.alerts)
	}
	return append([]Alert(nil), c.alerts[len(c.alerts)-n:]...)
}

// Prune drops records older than the retention period.
func (c *Collector) Prune() {
	cutoff := c.now().Add(-c.retention)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = dropBefore(c.transitions, cutoff, func(r TransitionRecord) time.Time { return r.Timestamp })
	c.payments = dropBefore(c.payments, cutoff, func(r PaymentRecord) time.Time { return r.Timestamp })
	c.switches = dropBefore(c.switches, cutoff, func(r TeamSwitchRecord) time.Time { return r.Timestamp })
	c.queries = dropBefore(c.queries, cutoff, func(r QueryRecord) time.Time { return r.Timestamp })
	c.completions = dropBefore(c.completions, cutoff, func(r completion) time.Time { return r.at })
	c.alerts = dropBefore(c.alerts, cutoff, func(r Alert) time.Time { return r.Timestamp })
}

// failureRate over the last window payment records. Must run with mu held.
func failureRate(payments []PaymentRecord, window int) (float64, int) {
	if window > 0 && len(payments) > window {
		payments = payments[len(payments)-window:]
	}
	if len(payments) == 0 {
		return 0, 0
	}
	failed := 0
	for _, p := range payments {
		if !p.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(payments)), len(payments)
}

// appendBounded appends v and keeps at most limit of the newest entries.
func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}

// dropBefore removes entries older than cutoff. Entries are in insertion order.
func dropBefore[T any](s []T, cutoff time.Time, ts func(T) time.Time) []T {
	i := 0
	for i < len(s) && ts(s[i]).Before(cutoff) {
		i++
	}
	if i == 0 {
		return s
	}
	return append(s[:0:0], s[i:]...)
}
