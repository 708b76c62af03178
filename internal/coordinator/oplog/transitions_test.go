package oplog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStateTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusInitiated, StatusInvoiceCreated}:            true,
		{StatusInvoiceCreated, StatusPaymentSent}:          true,
		{StatusPaymentSent, StatusPaymentConfirmed}:        true,
		{StatusPaymentConfirmed, StatusTeamChangeComplete}: true,
		{StatusInitiated, StatusFailed}:                    true,
		{StatusInvoiceCreated, StatusFailed}:               true,
		{StatusPaymentSent, StatusFailed}:                  true,
		{StatusPaymentConfirmed, StatusFailed}:             true,
		{StatusFailed, StatusCompensated}:                  true,
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			err := ValidateStateTransition(from, to)
			if allowed[[2]Status{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidStateTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestValidateStateTransition_TeamChangeWithoutPayment(t *testing.T) {
	err := ValidateStateTransition(StatusInitiated, StatusTeamChangeComplete)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestIsTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusTeamChangeComplete || s == StatusCompensated
		assert.Equal(t, want, s.IsTerminal(), string(s))
	}
}

func TestTransition_SetsCompletedAtOnlyOnTerminal(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	op := &ExitFeeOperation{Status: StatusInitiated}

	require.NoError(t, op.Transition(StatusFailed, now))
	assert.Nil(t, op.CompletedAt)
	assert.Equal(t, now, op.UpdatedAt)

	later := now.Add(time.Minute)
	require.NoError(t, op.Transition(StatusCompensated, later))
	require.NotNil(t, op.CompletedAt)
	assert.Equal(t, later, *op.CompletedAt)

	assert.ErrorIs(t, op.Transition(StatusFailed, later), ErrInvalidStateTransition)
	assert.Equal(t, StatusCompensated, op.Status)
}

func TestOperationKind(t *testing.T) {
	leave := &ExitFeeOperation{FromTeamID: StringPtr("team-a")}
	assert.True(t, leave.IsLeaveOperation())
	assert.False(t, leave.IsTeamSwitchOperation())

	sw := &ExitFeeOperation{FromTeamID: StringPtr("team-a"), ToTeamID: StringPtr("team-b")}
	assert.False(t, sw.IsLeaveOperation())
	assert.True(t, sw.IsTeamSwitchOperation())
}

func TestExitFeeOperation_JSONRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)
	completed := created.Add(90 * time.Second)
	op := &ExitFeeOperation{
		ID:               "op-1",
		PaymentIntentID:  "pi-1",
		UserID:           "user-1",
		FromTeamID:       StringPtr("team-a"),
		ToTeamID:         StringPtr("team-b"),
		Amount:           2000,
		LightningAddress: "RUNSTR@coinos.io",
		Status:           StatusTeamChangeComplete,
		PaymentHash:      StringPtr("hash"),
		InvoiceText:      StringPtr("lnbc20u1..."),
		RetryCount:       2,
		ErrorMessage:     StringPtr("roster timeout"),
		TraceID:          "4bf92f3577b34da6a3ce929d0e0e4736",
		CreatedAt:        created,
		UpdatedAt:        completed,
		CompletedAt:      &completed,
	}

	raw, err := json.Marshal(op)
	require.NoError(t, err)

	var decoded ExitFeeOperation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, op, &decoded)
}

func TestClone_IsDeep(t *testing.T) {
	op := &ExitFeeOperation{ToTeamID: StringPtr("team-b")}
	c := op.Clone()
	*c.ToTeamID = "team-c"
	assert.Equal(t, "team-b", *op.ToTeamID)
}
