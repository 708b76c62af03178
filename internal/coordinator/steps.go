package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runstr/exitfee-saga/internal/coinos"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
)

// errPaymentUnverified is returned when the treasury never saw the payment.
var errPaymentUnverified = errors.New("treasury did not confirm payment receipt")

// Run carries the state of one saga execution between steps.
type Run struct {
	Op      *oplog.ExitFeeOperation
	Invoice *coinos.LightningInvoice
}

// Step is one unit of forward progress. Target is the status the operation
// enters when the step succeeds.
type Step struct {
	Name   string
	Target oplog.Status
	// EnterFirst persists Target before Execute runs. It is set for steps
	// whose side effect may happen even when Execute reports an error.
	EnterFirst bool
	Execute    func(ctx context.Context, run *Run) error
}

const (
	stepCreateInvoice   = "create_invoice"
	stepPayInvoice      = "pay_invoice"
	stepVerifyReceipt   = "verify_receipt"
	stepApplyTeamChange = "apply_team_change"
)

// forwardSteps is the complete saga in state machine order.
func (m *Manager) forwardSteps() []Step {
	return []Step{
		{Name: stepCreateInvoice, Target: oplog.StatusInvoiceCreated, Execute: m.createInvoice},
		{Name: stepPayInvoice, Target: oplog.StatusPaymentSent, EnterFirst: true, Execute: m.payInvoice},
		{Name: stepVerifyReceipt, Target: oplog.StatusPaymentConfirmed, Execute: m.verifyReceipt},
		m.teamChangeStep(),
	}
}

func (m *Manager) teamChangeStep() Step {
	return Step{Name: stepApplyTeamChange, Target: oplog.StatusTeamChangeComplete, Execute: m.applyTeamChange}
}

// Memo returns the invoice memo shown in the payer's wallet.
func Memo(op *oplog.ExitFeeOperation) string {
	if op.IsTeamSwitchOperation() {
		return "Exit fee - switch team"
	}
	return "Exit fee - leave team"
}

func (m *Manager) createInvoice(ctx context.Context, run *Run) error {
	invoice, err := m.gateway.CreateExitFeeInvoice(ctx, run.Op.Amount, Memo(run.Op))
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	if invoice.Amount != run.Op.Amount {
		return fmt.Errorf("create invoice: amount %d, expected %d: %w", invoice.Amount, run.Op.Amount, oplog.ErrInvalidOperation)
	}
	run.Invoice = invoice
	run.Op.PaymentHash = oplog.StringPtr(invoice.Hash)
	run.Op.InvoiceText = oplog.StringPtr(invoice.PaymentRequest)
	return nil
}

func (m *Manager) payInvoice(ctx context.Context, run *Run) error {
	if run.Invoice == nil {
		return fmt.Errorf("pay invoice: no invoice in this run: %w", oplog.ErrInvalidOperation)
	}

	started := m.now()
	res, err := m.gateway.PayExitFeeWithRetry(ctx, run.Invoice, m.cfg.PaymentMaxRetries, m.cfg.PaymentTimeout)
	m.metrics.RecordPaymentAttempt(ctx, run.Op.ID, run.Op.Amount, run.Op.RetryCount+1, m.now().Sub(started), err)
	if err != nil {
		return fmt.Errorf("pay invoice: %w", err)
	}
	if res.PaymentHash != "" && res.PaymentHash != oplog.Deref(run.Op.PaymentHash) {
		m.logger.WarnContext(ctx, "payment hash differs from invoice hash",
			"operation_id", run.Op.ID, "invoice_hash", oplog.Deref(run.Op.PaymentHash), "payment_hash", res.PaymentHash)
	}
	return nil
}

func (m *Manager) verifyReceipt(ctx context.Context, run *Run) error {
	ok, err := m.gateway.VerifyRunstrReceivedPayment(ctx, oplog.Deref(run.Op.PaymentHash), m.cfg.VerifyMaxAttempts)
	if err != nil {
		return fmt.Errorf("verify receipt: %w", err)
	}
	if !ok {
		return fmt.Errorf("verify receipt: %w", errPaymentUnverified)
	}
	return nil
}

// applyTeamChange retries the roster call within the step for transient
// failures only. Team constraints and validation errors return at once.
func (m *Manager) applyTeamChange(ctx context.Context, run *Run) error {
	op := run.Op
	for attempt := 1; ; attempt++ {
		started := m.now()
		err := m.roster.ApplyTeamChange(ctx, op.UserID, op.FromTeamID, op.ToTeamID)
		m.metrics.RecordTeamSwitch(ctx, op.ID, op.FromTeamID, op.ToTeamID, m.now().Sub(started), err)
		if err == nil {
			return nil
		}
		if !errclass.ShouldRetry(err, attempt, m.cfg.TeamChangeMaxAttempts) {
			return fmt.Errorf("apply team change: %w", err)
		}

		delay := m.cfg.Policy.RetryDelay(attempt, errclass.Categorize(err))
		m.logger.WarnContext(ctx, "team change failed, retrying",
			"operation_id", op.ID, "attempt", attempt, "delay", delay, "error", err)
		if err := sleepContext(ctx, delay); err != nil {
			return fmt.Errorf("apply team change: %w", err)
		}
	}
}

// noMoneyMoved reports whether a pay_invoice failure proves the fee never
// left the payer's wallet. It says nothing about failures of later steps:
// once the payment was submitted every error is ambiguous.
func noMoneyMoved(err error) bool {
	if errors.Is(err, coinos.ErrInvoiceExpired) || errors.Is(err, coinos.ErrInsufficientBalance) {
		return true
	}
	switch errclass.Categorize(err) {
	case errclass.InsufficientFunds, errclass.ValidationError:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
