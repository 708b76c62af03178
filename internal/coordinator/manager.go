// Package coordinator runs the exit-fee saga: it owns the operation state
// machine, the per-user reservation, the forward steps and the compensation
// sweep.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/runstr/exitfee-saga/internal/coinos"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
	"github.com/runstr/exitfee-saga/internal/notify"
	"github.com/runstr/exitfee-saga/internal/pkg/interceptors"
	"github.com/runstr/exitfee-saga/internal/pkg/lock"
)

// errSuperseded means another actor (cancel, sweep, operator) moved the
// operation while a run was working on it. The run stops quietly.
var errSuperseded = errors.New("operation changed concurrently")

// errNotPaid is the compensation cause when an operator rules a payment
// never arrived.
var errNotPaid = fmt.Errorf("operator resolved: %w", errclass.ErrPaymentFailed)

// Config tunes the saga. Zero fields take the defaults of DefaultConfig.
type Config struct {
	ExitFeeAmount         int64
	TreasuryAddress       string
	InvoiceExpiry         time.Duration
	PaymentMaxRetries     int
	PaymentTimeout        time.Duration
	VerifyMaxAttempts     int
	TeamChangeMaxAttempts int
	// StuckThreshold is the age after which a non-terminal operation is swept.
	StuckThreshold time.Duration
	// OperationTimeout caps StuckThreshold: older operations are always swept.
	OperationTimeout time.Duration
	LockTTL          time.Duration
	Policy           errclass.Policy
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ExitFeeAmount:         coinos.DefaultExitFeeAmount,
		TreasuryAddress:       coinos.DefaultTreasuryAddress,
		InvoiceExpiry:         coinos.DefaultInvoiceExpiry,
		PaymentMaxRetries:     3,
		PaymentTimeout:        120 * time.Second,
		VerifyMaxAttempts:     10,
		TeamChangeMaxAttempts: 3,
		StuckThreshold:        time.Hour,
		OperationTimeout:      24 * time.Hour,
		LockTTL:               10 * time.Minute,
		Policy:                errclass.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExitFeeAmount <= 0 {
		c.ExitFeeAmount = d.ExitFeeAmount
	}
	if c.TreasuryAddress == "" {
		c.TreasuryAddress = d.TreasuryAddress
	}
	if c.InvoiceExpiry <= 0 {
		c.InvoiceExpiry = d.InvoiceExpiry
	}
	if c.PaymentMaxRetries <= 0 {
		c.PaymentMaxRetries = d.PaymentMaxRetries
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = d.PaymentTimeout
	}
	if c.VerifyMaxAttempts <= 0 {
		c.VerifyMaxAttempts = d.VerifyMaxAttempts
	}
	if c.TeamChangeMaxAttempts <= 0 {
		c.TeamChangeMaxAttempts = d.TeamChangeMaxAttempts
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.Policy == (errclass.Policy{}) {
		c.Policy = d.Policy
	}
	return c
}

// Manager drives exit-fee operations. It is safe for concurrent use.
type Manager struct {
	repo     oplog.Repository
	gateway  PaymentGateway
	roster   TeamRoster
	stuck    StuckFinder
	metrics  Recorder
	notifier notify.Publisher
	errs     *errclass.Handler
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	cfg      Config

	dist  lock.Locker
	locks *userLocks

	opMu    sync.Mutex
	opLocks map[string]*sync.Mutex
	running map[string]struct{}

	wg sync.WaitGroup
}

type Option func(*Manager)

// WithLocker backs the in-process user markers with a distributed lock.
func WithLocker(l lock.Locker) Option { return func(m *Manager) { m.dist = l } }

func WithRecorder(r Recorder) Option { return func(m *Manager) { m.metrics = r } }

func WithNotifier(p notify.Publisher) Option { return func(m *Manager) { m.notifier = p } }

func WithStuckFinder(f StuckFinder) Option { return func(m *Manager) { m.stuck = f } }

func WithErrorHandler(h *errclass.Handler) Option { return func(m *Manager) { m.errs = h } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager wires a manager around its three mandatory collaborators.
func NewManager(repo oplog.Repository, gateway PaymentGateway, roster TeamRoster, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		gateway: gateway,
		roster:  roster,
		metrics: nopRecorder{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("exitfee/coordinator"),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		opLocks: make(map[string]*sync.Mutex),
		running: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.stuck == nil {
		m.stuck = repoStuckFinder{repo: repo, now: m.now}
	}
	if m.notifier == nil {
		m.notifier = notify.Fallback{Logger: m.logger}
	}
	if m.errs == nil {
		m.errs = errclass.NewHandler(m.logger, 100)
	}
	m.locks = newUserLocks(m.dist, m.cfg.LockTTL, m.logger)
	return m
}

// Constants are the values surfaced to callers for display.
type Constants struct {
	ExitFeeAmount   int64         `json:"exit_fee_amount"`
	TreasuryAddress string        `json:"treasury_address"`
	InvoiceExpiry   time.Duration `json:"invoice_expiry"`
}

// Constants returns the fixed fee, treasury and invoice expiry.
func (m *Manager) Constants() Constants {
	return Constants{
		ExitFeeAmount:   m.cfg.ExitFeeAmount,
		TreasuryAddress: m.cfg.TreasuryAddress,
		InvoiceExpiry:   m.cfg.InvoiceExpiry,
	}
}

// ReserveUserOperation marks userID as having an operation in flight. It
// fails with oplog.ErrOperationInProgress instead of waiting.
func (m *Manager) ReserveUserOperation(ctx context.Context, userID string) error {
	return m.locks.reserve(ctx, userID)
}

// ReleaseUserOperation clears the marker for userID.
func (m *Manager) ReleaseUserOperation(ctx context.Context, userID string) {
	m.locks.release(ctx, userID)
}

// StartExitFeeOperation validates the request, reserves the user, persists
// the operation in initiated and runs the saga in the background. The
// returned snapshot is taken before any step runs.
func (m *Manager) StartExitFeeOperation(ctx context.Context, userID string, fromTeamID, toTeamID *string) (*oplog.ExitFeeOperation, error) {
	if err := validateRequest(userID, fromTeamID, toTeamID); err != nil {
		return nil, err
	}
	if err := m.roster.ValidateTeamSwitch(ctx, userID, fromTeamID, toTeamID); err != nil {
		return nil, err
	}

	if err := m.ReserveUserOperation(ctx, userID); err != nil {
		return nil, err
	}
	if err := m.checkNoActiveOperation(ctx, userID); err != nil {
		m.ReleaseUserOperation(ctx, userID)
		return nil, err
	}

	now := m.now().UTC()
	op := &oplog.ExitFeeOperation{
		ID:               uuid.NewString(),
		PaymentIntentID:  "pi_" + uuid.NewString(),
		UserID:           userID,
		FromTeamID:       fromTeamID,
		ToTeamID:         toTeamID,
		Amount:           m.cfg.ExitFeeAmount,
		LightningAddress: m.cfg.TreasuryAddress,
		Status:           oplog.StatusInitiated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	oplog.Stamp(ctx, op)

	if err := m.repo.Create(ctx, op); err != nil {
		m.ReleaseUserOperation(ctx, userID)
		return nil, err
	}

	m.logger.InfoContext(ctx, "exit fee operation started",
		"operation_id", op.ID, "user_id", userID, "switch", op.IsTeamSwitchOperation())
	m.metrics.StartOperation(op.ID)

	snapshot := op.Clone()
	m.launch(ctx, &Run{Op: op}, m.forwardSteps())
	return snapshot, nil
}

// checkNoActiveOperation consults the store for a non-terminal operation the
// in-process marker does not know about, such as one left by another
// instance when no distributed lock is configured.
func (m *Manager) checkNoActiveOperation(ctx context.Context, userID string) error {
	active, err := m.repo.FindActiveByUser(ctx, userID)
	switch {
	case errors.Is(err, oplog.ErrOperationNotFound):
		return nil
	case err != nil:
		return err
	}
	m.logger.WarnContext(ctx, "user already has an active operation in the store",
		"user_id", userID, "operation_id", active.ID, "status", active.Status)
	return fmt.Errorf("%w: operation %s is %s", oplog.ErrOperationInProgress, active.ID, active.Status)
}

func validateRequest(userID string, fromTeamID, toTeamID *string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: user id is required", oplog.ErrInvalidOperation)
	case fromTeamID == nil && toTeamID == nil:
		return fmt.Errorf("%w: leaving requires a current team", oplog.ErrInvalidOperation)
	case fromTeamID != nil && toTeamID != nil && *fromTeamID == *toTeamID:
		return fmt.Errorf("%w: cannot switch to the same team", oplog.ErrInvalidOperation)
	}
	return nil
}

// GetOperationStatus returns the persisted operation.
func (m *Manager) GetOperationStatus(ctx context.Context, operationID string) (*oplog.ExitFeeOperation, error) {
	return m.repo.Get(ctx, operationID)
}

// CancelOperation abandons an operation on behalf of its owner. Only
// operations that have not started paying may be cancelled.
func (m *Manager) CancelOperation(ctx context.Context, operationID, userID string) (*oplog.ExitFeeOperation, error) {
	lk := m.opLock(operationID)
	lk.Lock()
	defer lk.Unlock()

	op, err := m.repo.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.UserID != userID {
		return nil, oplog.ErrOperationNotFound
	}
	if op.Status != oplog.StatusInitiated && op.Status != oplog.StatusInvoiceCreated {
		return nil, fmt.Errorf("%w: cannot cancel in status %s", oplog.ErrInvalidOperation, op.Status)
	}

	if err := m.compensateLocked(ctx, op, errclass.ErrUserCancelled); err != nil {
		return nil, err
	}
	return op, nil
}

// Resolve records an operator's decision on an operation parked for manual
// review. paid moves it forward and applies the team change; not paid
// compensates it.
func (m *Manager) Resolve(ctx context.Context, operationID string, paid bool) (*oplog.ExitFeeOperation, error) {
	lk := m.opLock(operationID)
	lk.Lock()

	op, err := m.repo.Get(ctx, operationID)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	if op.Status != oplog.StatusPaymentSent && op.Status != oplog.StatusPaymentConfirmed {
		lk.Unlock()
		return nil, fmt.Errorf("%w: nothing to resolve in status %s", oplog.ErrInvalidOperation, op.Status)
	}
	if m.isRunning(operationID) {
		lk.Unlock()
		return nil, fmt.Errorf("%w: operation is still running", oplog.ErrInvalidOperation)
	}

	m.logger.InfoContext(ctx, "operator resolved operation", "operation_id", op.ID, "status", op.Status, "paid", paid)

	if !paid {
		defer lk.Unlock()
		if err := m.compensateLocked(ctx, op, errNotPaid); err != nil {
			return nil, err
		}
		return op, nil
	}

	if op.Status == oplog.StatusPaymentSent {
		if err := m.advanceLocked(ctx, op, oplog.StatusPaymentConfirmed); err != nil {
			lk.Unlock()
			return nil, err
		}
	}
	m.setRunning(op.ID, true)
	lk.Unlock()
	defer m.setRunning(op.ID, false)

	// The roster call must not die with the operator's request.
	m.locks.restore(op.UserID)
	m.execute(context.WithoutCancel(ctx), &Run{Op: op}, []Step{m.teamChangeStep()})
	return op, nil
}

// ResumeIncompleteOperations rebuilds user markers for every non-terminal
// operation and retries the team change for confirmed payments. It is meant
// to run once at start-up and returns the number of operations resumed.
func (m *Manager) ResumeIncompleteOperations(ctx context.Context) (int, error) {
	ops, err := m.repo.ListByStatusOlderThan(ctx, oplog.ActiveStatuses, m.now().Add(time.Second))
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}

	resumed := 0
	for _, op := range ops {
		m.locks.restore(op.UserID)
		if op.Status != oplog.StatusPaymentConfirmed {
			continue
		}
		m.logger.InfoContext(ctx, "resuming team change", "operation_id", op.ID, "user_id", op.UserID)
		m.launch(ctx, &Run{Op: op}, []Step{m.teamChangeStep()})
		resumed++
	}
	return resumed, nil
}

// Wait blocks until background runs and notifications have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) launch(ctx context.Context, run *Run, steps []Step) {
	ctx = context.WithoutCancel(ctx)
	m.setRunning(run.Op.ID, true)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.setRunning(run.Op.ID, false)
		m.execute(ctx, run, steps)
	}()
}

// execute runs steps in order and routes the first failure.
func (m *Manager) execute(ctx context.Context, run *Run, steps []Step) {
	op := run.Op
	ctx = interceptors.WithIdempotencyKey(ctx, op.PaymentIntentID)
	ctx, span := m.tracer.Start(ctx, "exitfee.saga", trace.WithAttributes(
		attribute.String("exitfee.operation_id", op.ID),
		attribute.String("exitfee.user_id", op.UserID),
		attribute.String("exitfee.status", string(op.Status)),
	))
	defer span.End()

	for _, step := range steps {
		if err := m.runStep(ctx, run, step); err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			m.handleStepFailure(ctx, run, step, err)
			return
		}
	}

	if op.Status == oplog.StatusTeamChangeComplete {
		m.logger.InfoContext(ctx, "exit fee operation complete", "operation_id", op.ID, "user_id", op.UserID)
		m.finish(ctx, op, notify.EventCompleted, "", true)
	}
}

func (m *Manager) runStep(ctx context.Context, run *Run, step Step) error {
	ctx, span := m.tracer.Start(ctx, "exitfee.step."+step.Name)
	defer span.End()

	if step.EnterFirst {
		if err := m.advance(ctx, run.Op, step.Target); err != nil {
			return err
		}
	}

	if err := step.Execute(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		m.metrics.RecordStateTransition(ctx, run.Op.ID, run.Op.Status, step.Target, 0, err)
		return err
	}

	if !step.EnterFirst {
		return m.advance(ctx, run.Op, step.Target)
	}
	return nil
}

// handleStepFailure applies the failure policy for the status the
// operation is in when the step failed.
func (m *Manager) handleStepFailure(ctx context.Context, run *Run, step Step, err error) {
	op := run.Op
	if errors.Is(err, errSuperseded) {
		m.logger.InfoContext(ctx, "run stopped, operation moved by another actor", "operation_id", op.ID, "step", step.Name)
		return
	}

	m.errs.HandleError(ctx, err, op.ID, op.RetryCount+1)

	switch op.Status {
	case oplog.StatusInitiated, oplog.StatusInvoiceCreated:
		m.compensate(ctx, op, err)

	case oplog.StatusPaymentSent:
		if step.Name == stepPayInvoice && noMoneyMoved(err) {
			m.compensate(ctx, op, err)
			return
		}
		m.logger.WarnContext(ctx, "payment outcome unclear, holding for review",
			"operation_id", op.ID, "step", step.Name, "error", err)
		m.annotate(ctx, op, err, false)

	case oplog.StatusPaymentConfirmed:
		m.logger.WarnContext(ctx, "team change failed after confirmed payment",
			"operation_id", op.ID, "category", errclass.Categorize(err), "error", err)
		m.annotate(ctx, op, err, true)

	default:
		m.logger.ErrorContext(ctx, "step failed in unexpected status",
			"operation_id", op.ID, "status", op.Status, "error", err)
	}
}

// compensate drives op to compensated and releases the user.
func (m *Manager) compensate(ctx context.Context, op *oplog.ExitFeeOperation, cause error) {
	lk := m.opLock(op.ID)
	lk.Lock()
	defer lk.Unlock()

	stored, err := m.repo.Get(ctx, op.ID)
	if err == nil {
		*op = *stored
		err = m.compensateLocked(ctx, op, cause)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "CRITICAL: failed to compensate operation",
			"operation_id", op.ID, "reason", cause, "error", err)
	}
}

// compensateLocked must run with the operation lock held and op freshly loaded.
// cause becomes the operation's error unless it already failed.
func (m *Manager) compensateLocked(ctx context.Context, op *oplog.ExitFeeOperation, cause error) error {
	if op.Status.IsTerminal() {
		return nil
	}
	reason := cause.Error()
	if op.Status != oplog.StatusFailed {
		setReason := func(o *oplog.ExitFeeOperation) {
			o.ErrorMessage = oplog.StringPtr(reason)
			o.ErrorCategory = string(errclass.Categorize(cause))
		}
		if err := m.advanceLocked(ctx, op, oplog.StatusFailed, setReason); err != nil {
			return err
		}
	}
	if err := m.advanceLocked(ctx, op, oplog.StatusCompensated); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "operation compensated", "operation_id", op.ID, "user_id", op.UserID, "reason", reason)
	m.finish(ctx, op, notify.EventCompensated, reason, false)
	return nil
}

// annotate records an error without changing status. The user stays reserved.
func (m *Manager) annotate(ctx context.Context, op *oplog.ExitFeeOperation, cause error, countRetry bool) {
	lk := m.opLock(op.ID)
	lk.Lock()
	defer lk.Unlock()

	stored, err := m.repo.Get(ctx, op.ID)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to load operation", "operation_id", op.ID, "error", err)
		return
	}
	if stored.Status != op.Status {
		return
	}

	stored.ErrorMessage = oplog.StringPtr(cause.Error())
	stored.ErrorCategory = string(errclass.Categorize(cause))
	if countRetry {
		stored.RetryCount++
	}
	stored.UpdatedAt = m.now().UTC()
	oplog.Stamp(ctx, stored)
	if err := m.repo.Update(ctx, stored, stored.Status); err != nil {
		if errors.Is(err, oplog.ErrStaleOperation) {
			m.logger.InfoContext(ctx, "operation moved before its error was recorded", "operation_id", op.ID)
			return
		}
		m.logger.ErrorContext(ctx, "failed to record operation error", "operation_id", op.ID, "error", err)
		return
	}
	*op = *stored
}

func (m *Manager) advance(ctx context.Context, op *oplog.ExitFeeOperation, to oplog.Status) error {
	lk := m.opLock(op.ID)
	lk.Lock()
	defer lk.Unlock()
	return m.advanceLocked(ctx, op, to)
}

// advanceLocked persists op in status to, provided the stored row is still
// in op's status. mutate runs on the new copy before it is written.
func (m *Manager) advanceLocked(ctx context.Context, op *oplog.ExitFeeOperation, to oplog.Status, mutate ...func(*oplog.ExitFeeOperation)) error {
	stored, err := m.repo.Get(ctx, op.ID)
	if err != nil {
		return err
	}
	if stored.Status != op.Status {
		return fmt.Errorf("%w: stored %s, expected %s", errSuperseded, stored.Status, op.Status)
	}

	from := op.Status
	next := op.Clone()
	for _, fn := range mutate {
		fn(next)
	}
	now := m.now().UTC()
	if err := next.Transition(to, now); err != nil {
		return err
	}
	oplog.Stamp(ctx, next)
	if err := m.repo.Update(ctx, next, from); err != nil {
		if errors.Is(err, oplog.ErrStaleOperation) {
			return fmt.Errorf("%w: %w", errSuperseded, err)
		}
		return err
	}

	m.metrics.RecordStateTransition(ctx, op.ID, from, to, now.Sub(stored.UpdatedAt), nil)
	*op = *next
	return nil
}

// finish releases everything held for a terminal operation and sends the
// notification without waiting for it.
func (m *Manager) finish(ctx context.Context, op *oplog.ExitFeeOperation, eventType, reason string, success bool) {
	m.ReleaseUserOperation(ctx, op.UserID)
	m.metrics.EndOperation(op.ID, success)
	m.forgetOp(op.ID)
	m.publish(ctx, notify.NewEvent(eventType, op, reason, m.now()))
}

func (m *Manager) publish(ctx context.Context, event notify.Event) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.notifier.Publish(ctx, event); err != nil {
			m.logger.WarnContext(ctx, "failed to publish exit fee event",
				"operation_id", event.OperationID, "event", event.Type, "error", err)
		}
	}()
}

func (m *Manager) opLock(id string) *sync.Mutex {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	lk, ok := m.opLocks[id]
	if !ok {
		lk = &sync.Mutex{}
		m.opLocks[id] = lk
	}
	return lk
}

func (m *Manager) forgetOp(id string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	delete(m.opLocks, id)
}

func (m *Manager) setRunning(id string, on bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if on {
		m.running[id] = struct{}{}
	} else {
		delete(m.running, id)
	}
}

func (m *Manager) isRunning(id string) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	_, ok := m.running[id]
	return ok
}
