package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runstr/exitfee-saga/internal/coinos"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
	"github.com/runstr/exitfee-saga/internal/notify"
)

func TestStartExitFeeOperation_SwitchCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	op, err := h.m.StartExitFeeOperation(ctx, "u1", oplog.StringPtr("team_a"), oplog.StringPtr("team_b"))
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusInitiated, op.Status)
	assert.Equal(t, int64(coinos.DefaultExitFeeAmount), op.Amount)
	assert.Equal(t, coinos.DefaultTreasuryAddress, op.LightningAddress)

	h.m.Wait()

	got := h.get(t, op.ID)
	assert.Equal(t, oplog.StatusTeamChangeComplete, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "hash-1", oplog.Deref(got.PaymentHash))
	assert.Equal(t, "lnbc20u1fake", oplog.Deref(got.InvoiceText))
	assert.Equal(t, "Exit fee - switch team", h.gateway.memo)

	calls := h.roster.applied()
	require.Len(t, calls, 1)
	assert.Equal(t, rosterCall{userID: "u1", from: "team_a", to: "team_b", idempotencyKey: op.PaymentIntentID}, calls[0])

	assert.False(t, h.m.locks.isHeld("u1"))
	assert.Equal(t, []string{notify.EventCompleted}, h.notifier.types())
}

func TestStartExitFeeOperation_LeaveUsesLeaveMemo(t *testing.T) {
	h := newHarness(t)

	op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("team_a"), nil)
	require.NoError(t, err)
	h.m.Wait()

	assert.True(t, op.IsLeaveOperation())
	assert.Equal(t, "Exit fee - leave team", h.gateway.memo)
	assert.Equal(t, oplog.StatusTeamChangeComplete, h.get(t, op.ID).Status)
}

func TestStartExitFeeOperation_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.StartExitFeeOperation(ctx, "", oplog.StringPtr("a"), nil)
	assert.ErrorIs(t, err, oplog.ErrInvalidOperation)

	_, err = h.m.StartExitFeeOperation(ctx, "u1", nil, nil)
	assert.ErrorIs(t, err, oplog.ErrInvalidOperation)

	_, err = h.m.StartExitFeeOperation(ctx, "u1", oplog.StringPtr("a"), oplog.StringPtr("a"))
	assert.ErrorIs(t, err, oplog.ErrInvalidOperation)

	h.roster.validateErr = fmt.Errorf("roster: %w", errclass.ErrTeamFull)
	_, err = h.m.StartExitFeeOperation(ctx, "u1", oplog.StringPtr("a"), oplog.StringPtr("b"))
	assert.ErrorIs(t, err, errclass.ErrTeamFull)
	assert.False(t, h.m.locks.isHeld("u1"), "rejected requests never reserve the user")

	creates, _, _ := h.gateway.calls()
	assert.Zero(t, creates)
}

func TestStartExitFeeOperation_SecondRequestRejected(t *testing.T) {
	h := newHarness(t)
	h.gateway.release = make(chan struct{})
	ctx := context.Background()

	first, err := h.m.StartExitFeeOperation(ctx, "u1", oplog.StringPtr("a"), oplog.StringPtr("b"))
	require.NoError(t, err)

	_, err = h.m.StartExitFeeOperation(ctx, "u1", oplog.StringPtr("a"), oplog.StringPtr("c"))
	assert.ErrorIs(t, err, oplog.ErrOperationInProgress)

	other, err := h.m.StartExitFeeOperation(ctx, "u2", oplog.StringPtr("a"), oplog.StringPtr("b"))
	require.NoError(t, err)

	close(h.gateway.release)
	h.m.Wait()

	assert.Equal(t, oplog.StatusTeamChangeComplete, h.get(t, first.ID).Status)
	assert.Equal(t, oplog.StatusTeamChangeComplete, h.get(t, other.ID).Status)

	// Released after the terminal status, so the user may start again.
	_, err = h.m.StartExitFeeOperation(ctx, "u1", oplog.StringPtr("b"), nil)
	require.NoError(t, err)
	h.m.Wait()
}

func TestStartExitFeeOperation_StoreRejectsSecondActiveRow(t *testing.T) {
	h := newHarness(t)
	// Left behind by another instance; this process holds no marker for u1.
	h.seed(t, "old", "u1", oplog.StatusPaymentSent, time.Minute)

	_, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), nil)
	assert.ErrorIs(t, err, oplog.ErrOperationInProgress)
	assert.Contains(t, err.Error(), "operation old is payment_sent")
	assert.False(t, h.m.locks.isHeld("u1"))

	creates, _, _ := h.gateway.calls()
	assert.Zero(t, creates)
}

// Scenario C: an insufficient balance never reaches the team change.
func TestSaga_InsufficientBalanceCompensates(t *testing.T) {
	h := newHarness(t)
	h.gateway.payErr = &coinos.Error{Kind: coinos.KindInsufficientBalance, Code: 402}

	op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), oplog.StringPtr("b"))
	require.NoError(t, err)
	h.m.Wait()

	got := h.get(t, op.ID)
	assert.Equal(t, oplog.StatusCompensated, got.Status)
	assert.NotEqual(t, oplog.StatusTeamChangeComplete, got.Status)
	assert.Contains(t, oplog.Deref(got.ErrorMessage), "insufficient_balance")
	require.NotNil(t, got.CompletedAt)

	assert.Empty(t, h.roster.applied())
	_, _, verifies := h.gateway.calls()
	assert.Zero(t, verifies)
	assert.False(t, h.m.locks.isHeld("u1"))
	assert.Equal(t, []string{notify.EventCompensated}, h.notifier.types())
}

func TestSaga_InvoiceFailureCompensates(t *testing.T) {
	h := newHarness(t)
	h.gateway.createErr = &coinos.Error{Kind: coinos.KindNotAuthenticated, Code: 401}

	op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), nil)
	require.NoError(t, err)
	h.m.Wait()

	assert.Equal(t, oplog.StatusCompensated, h.get(t, op.ID).Status)
	_, pays, _ := h.gateway.calls()
	assert.Zero(t, pays)
}

func TestSaga_AmbiguousPaymentHeldForReview(t *testing.T) {
	h := newHarness(t)
	h.gateway.payErr = &coinos.Error{Kind: coinos.KindPaymentTimeout, Err: context.DeadlineExceeded}

	op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), oplog.StringPtr("b"))
	require.NoError(t, err)
	h.m.Wait()

	got := h.get(t, op.ID)
	assert.Equal(t, oplog.StatusPaymentSent, got.Status)
	assert.NotNil(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, h.m.locks.isHeld("u1"), "money may have moved, the user stays reserved")
	assert.Empty(t, h.roster.applied())
}

func TestSaga_UnverifiedPaymentHeldForReview(t *testing.T) {
	h := newHarness(t)
	h.gateway.verified = false

	op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), oplog.StringPtr("b"))
	require.NoError(t, err)
	h.m.Wait()

	got := h.get(t, op.ID)
	assert.Equal(t, oplog.StatusPaymentSent, got.Status)
	assert.Contains(t, oplog.Deref(got.ErrorMessage), errPaymentUnverified.Error())
}

func TestSaga_VerifyFailureAfterPaymentNeverCompensates(t *testing.T) {
	tests := []struct {
		name      string
		verifyErr error
	}{
		{name: "treasury lookup not authenticated", verifyErr: coinos.ErrNotAuthenticated},
		{name: "treasury lookup sees expired invoice", verifyErr: &coinos.Error{Kind: coinos.KindInvoiceExpired, Code: 410}},
		{name: "treasury lookup insufficient balance", verifyErr: coinos.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.gateway.verifyErr = tt.verifyErr

			op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), oplog.StringPtr("b"))
			require.NoError(t, err)
			h.m.Wait()

			got := h.get(t, op.ID)
			_, pays, verifies := h.gateway.calls()
			assert.Equal(t, 1, pays)
			assert.Equal(t, 1, verifies)
			assert.Equal(t, oplog.StatusPaymentSent, got.Status)
			assert.Nil(t, got.CompletedAt)
			assert.Contains(t, oplog.Deref(got.ErrorMessage), "verify receipt")
			assert.True(t, h.m.locks.isHeld("u1"))
			assert.Empty(t, h.roster.applied())
			assert.NotContains(t, h.notifier.types(), notify.EventCompensated)
		})
	}
}

func TestSaga_RosterFailureKeepsConfirmedPayment(t *testing.T) {
	h := newHarness(t)
	h.roster.applyErrs = []error{fmt.Errorf("roster: %w", errclass.ErrTeamFull)}

	op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), oplog.StringPtr("b"))
	require.NoError(t, err)
	h.m.Wait()

	got := h.get(t, op.ID)
	assert.Equal(t, oplog.StatusPaymentConfirmed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Len(t, h.roster.applied(), 1, "team constraints are not retried inline")
	assert.True(t, h.m.locks.isHeld("u1"))

	// The sweep retries the idempotent roster call once the operation is stuck.
	h.clock.Advance(2 * time.Hour)
	outcomes, err := h.m.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "retry_team_change", outcomes[0].Action)
	assert.Equal(t, oplog.StatusTeamChangeComplete, outcomes[0].After)

	h.m.Wait()
	assert.Equal(t, oplog.StatusTeamChangeComplete, h.get(t, op.ID).Status)
	assert.False(t, h.m.locks.isHeld("u1"))
}

func TestSaga_TransientRosterFailureRetriedInline(t *testing.T) {
	h := newHarness(t)
	h.roster.applyErrs = []error{fmt.Errorf("roster: %w", errclass.ErrNetwork)}

	op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), nil)
	require.NoError(t, err)
	h.m.Wait()

	assert.Equal(t, oplog.StatusTeamChangeComplete, h.get(t, op.ID).Status)
	calls := h.roster.applied()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].idempotencyKey, calls[1].idempotencyKey)
}

func TestGetOperationStatus(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed(t, "op1", "u1", oplog.StatusInvoiceCreated, 0)

	got, err := h.m.GetOperationStatus(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusInvoiceCreated, got.Status)

	_, err = h.m.GetOperationStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, oplog.ErrOperationNotFound)
}

func TestCancelOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "op1", "u1", oplog.StatusInvoiceCreated, time.Minute)
	h.seed(t, "op2", "u2", oplog.StatusPaymentSent, time.Minute)
	h.m.locks.restore("u1")

	_, err := h.m.CancelOperation(ctx, "op1", "someone-else")
	assert.ErrorIs(t, err, oplog.ErrOperationNotFound)

	_, err = h.m.CancelOperation(ctx, "op2", "u2")
	assert.ErrorIs(t, err, oplog.ErrInvalidOperation)

	op, err := h.m.CancelOperation(ctx, "op1", "u1")
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusCompensated, op.Status)
	assert.Equal(t, errclass.ErrUserCancelled.Error(), oplog.Deref(op.ErrorMessage))
	assert.False(t, h.m.locks.isHeld("u1"))

	h.m.Wait()
	assert.Equal(t, []string{notify.EventCompensated}, h.notifier.types())
}

func TestCancelOperation_StopsRunningSaga(t *testing.T) {
	h := newHarness(t)
	h.gateway.release = make(chan struct{})
	ctx := context.Background()

	op, err := h.m.StartExitFeeOperation(ctx, "u1", oplog.StringPtr("a"), nil)
	require.NoError(t, err)

	_, err = h.m.CancelOperation(ctx, op.ID, "u1")
	require.NoError(t, err)

	close(h.gateway.release)
	h.m.Wait()

	assert.Equal(t, oplog.StatusCompensated, h.get(t, op.ID).Status)
	_, pays, _ := h.gateway.calls()
	assert.Zero(t, pays, "a cancelled run never pays")
}

func TestResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "paid", "u1", oplog.StatusPaymentSent, 2*time.Hour)
	h.seed(t, "unpaid", "u2", oplog.StatusPaymentSent, 2*time.Hour)
	h.seed(t, "early", "u3", oplog.StatusInitiated, 2*time.Hour)

	op, err := h.m.Resolve(ctx, "paid", true)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusTeamChangeComplete, op.Status)
	assert.Len(t, h.roster.applied(), 1)

	op, err = h.m.Resolve(ctx, "unpaid", false)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusCompensated, op.Status)

	_, err = h.m.Resolve(ctx, "early", true)
	assert.ErrorIs(t, err, oplog.ErrInvalidOperation)

	h.m.Wait()
}

func TestResolve_PaidSurvivesOperatorDisconnect(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "paid", "u1", oplog.StatusPaymentSent, 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op, err := h.m.Resolve(ctx, "paid", true)
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusTeamChangeComplete, op.Status)
	assert.Nil(t, op.ErrorMessage)
	assert.Len(t, h.roster.applied(), 1)
	assert.False(t, h.m.locks.isHeld("u1"))
	h.m.Wait()
}

func TestSaga_StoresErrorCategory(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness)
		status   oplog.Status
		category errclass.Category
	}{
		{
			name:     "insufficient balance",
			setup:    func(h *harness) { h.gateway.payErr = &coinos.Error{Kind: coinos.KindInsufficientBalance, Code: 402} },
			status:   oplog.StatusCompensated,
			category: errclass.InsufficientFunds,
		},
		{
			name:     "payment timeout",
			setup:    func(h *harness) { h.gateway.payErr = &coinos.Error{Kind: coinos.KindPaymentTimeout} },
			status:   oplog.StatusPaymentSent,
			category: errclass.Timeout,
		},
		{
			name:     "team full",
			setup:    func(h *harness) { h.roster.applyErrs = []error{errclass.ErrTeamFull} },
			status:   oplog.StatusPaymentConfirmed,
			category: errclass.TeamConstraint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			op, err := h.m.StartExitFeeOperation(context.Background(), "u1", oplog.StringPtr("a"), oplog.StringPtr("b"))
			require.NoError(t, err)
			h.m.Wait()

			got := h.get(t, op.ID)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, string(tt.category), got.ErrorCategory)
		})
	}
}

func TestResumeIncompleteOperations(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "confirmed", "u1", oplog.StatusPaymentConfirmed, time.Minute)
	h.seed(t, "sent", "u2", oplog.StatusPaymentSent, time.Minute)

	n, err := h.m.ResumeIncompleteOperations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.m.Wait()

	assert.Equal(t, oplog.StatusTeamChangeComplete, h.get(t, "confirmed").Status)
	assert.Equal(t, oplog.StatusPaymentSent, h.get(t, "sent").Status)
	assert.False(t, h.m.locks.isHeld("u1"))
	assert.True(t, h.m.locks.isHeld("u2"), "markers are rebuilt for every non-terminal row")
}

func TestConstants(t *testing.T) {
	h := newHarness(t)
	c := h.m.Constants()
	assert.Equal(t, int64(2000), c.ExitFeeAmount)
	assert.Equal(t, "RUNSTR@coinos.io", c.TreasuryAddress)
	assert.Equal(t, 120*time.Second, c.InvoiceExpiry)
}

func TestNoMoneyMoved(t *testing.T) {
	assert.True(t, noMoneyMoved(coinos.ErrInsufficientBalance))
	assert.True(t, noMoneyMoved(fmt.Errorf("pay: %w", &coinos.Error{Kind: coinos.KindInvoiceExpired})))
	assert.True(t, noMoneyMoved(&coinos.Error{Kind: coinos.KindNotAuthenticated, Code: 401}))
	assert.False(t, noMoneyMoved(&coinos.Error{Kind: coinos.KindPaymentTimeout}))
	assert.False(t, noMoneyMoved(&coinos.Error{Kind: coinos.KindAPIError, Code: 1004}))
	assert.False(t, noMoneyMoved(errors.New("connection reset")))
}
