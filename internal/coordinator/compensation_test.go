package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
)

func TestDetermineCompensationAction(t *testing.T) {
	tests := []struct {
		status oplog.Status
		want   CompensationAction
	}{
		{oplog.StatusInitiated, MarkAsFailed{Reason: "payment never completed"}},
		{oplog.StatusInvoiceCreated, MarkAsFailed{Reason: "payment never completed"}},
		{oplog.StatusPaymentSent, RequireManualReview{Reason: "payment status unclear"}},
		{oplog.StatusPaymentConfirmed, RetryTeamChange{Reason: "payment confirmed, retry team operation"}},
		{oplog.StatusTeamChangeComplete, NoAction{}},
		{oplog.StatusFailed, NoAction{}},
		{oplog.StatusCompensated, NoAction{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got := DetermineCompensationAction(&oplog.ExitFeeOperation{Status: tt.status})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetermineCompensationAction_TerminalIsAlwaysNoAction(t *testing.T) {
	for _, s := range oplog.AllStatuses {
		if !s.IsTerminal() {
			continue
		}
		assert.Equal(t, "none", DetermineCompensationAction(&oplog.ExitFeeOperation{Status: s}).Kind())
	}
}
