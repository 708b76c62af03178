package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog/memory"
	"github.com/runstr/exitfee-saga/internal/errclass"
)

var now = time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	repo *memory.Repository
	svc  *Service
	n    int
}

func newFixture() *fixture {
	repo := memory.NewRepository()
	return &fixture{repo: repo, svc: NewService(repo, WithClock(func() time.Time { return now }))}
}

// add stores an operation created age ago that took took to reach status.
func (f *fixture) add(t *testing.T, status oplog.Status, age, took time.Duration, from, to string, errMsg string) {
	t.Helper()
	f.n++
	created := now.Add(-age)
	op := &oplog.ExitFeeOperation{
		ID:         fmt.Sprintf("op-%d", f.n),
		UserID:     fmt.Sprintf("user-%d", f.n),
		FromTeamID: oplog.StringPtr(from),
		ToTeamID:   oplog.StringPtr(to),
		Amount:     2000,
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created.Add(took),
	}
	if status.IsTerminal() {
		done := created.Add(took)
		op.CompletedAt = &done
	}
	if errMsg != "" {
		op.ErrorMessage = &errMsg
	}
	require.NoError(t, f.repo.Create(context.Background(), op))
}

func TestCalculateRevenue(t *testing.T) {
	f := newFixture()
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, time.Minute, "a", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, 2*time.Hour, time.Minute, "a", "", "")
	f.add(t, oplog.StatusCompensated, 3*time.Hour, time.Minute, "a", "b", "insufficient balance")
	f.add(t, oplog.StatusPaymentSent, 4*time.Hour, 0, "a", "c", "")
	f.add(t, oplog.StatusTeamChangeComplete, 48*time.Hour, time.Minute, "a", "b", "")

	rev, err := f.svc.CalculateRevenue(context.Background(), LastDays(now, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(4000), rev.TotalAmount)
	assert.Equal(t, 2, rev.PaymentCount)
	assert.InDelta(t, 2000.0, rev.AverageAmount, 1e-9)
	assert.InDelta(t, 0.5, rev.SuccessRate, 1e-9)
}

func TestCalculateRevenue_Empty(t *testing.T) {
	f := newFixture()
	rev, err := f.svc.CalculateRevenue(context.Background(), LastDays(now, 7))
	require.NoError(t, err)
	assert.Zero(t, rev.TotalAmount)
	assert.Zero(t, rev.SuccessRate)
}

func TestCalculateRevenue_InvalidPeriod(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CalculateRevenue(context.Background(), Period{From: now, To: now})
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestCalculateDailyRevenue(t *testing.T) {
	f := newFixture()
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, time.Minute, "a", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, 2*time.Hour, time.Minute, "a", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, 26*time.Hour, time.Minute, "a", "b", "")
	f.add(t, oplog.StatusCompensated, 26*time.Hour, time.Minute, "a", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, 10*24*time.Hour, time.Minute, "a", "b", "")

	days, err := f.svc.CalculateDailyRevenue(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []DailyRevenue{
		{Date: "2026-06-08", TotalAmount: 0, PaymentCount: 0},
		{Date: "2026-06-09", TotalAmount: 2000, PaymentCount: 1},
		{Date: "2026-06-10", TotalAmount: 4000, PaymentCount: 2},
	}, days)
}

func TestPaymentPerformance(t *testing.T) {
	f := newFixture()
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, 10*time.Second, "a", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, 30*time.Second, "a", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, 20*time.Second, "a", "b", "")
	f.add(t, oplog.StatusCompensated, time.Hour, time.Second, "a", "b", "payment timed out after 120s")
	f.add(t, oplog.StatusCompensated, time.Hour, time.Second, "a", "b", "insufficient balance")

	perf, err := f.svc.PaymentPerformance(context.Background(), LastDays(now, 1))
	require.NoError(t, err)
	assert.InDelta(t, 20000.0, perf.AveragePaymentTimeMS, 1e-9)
	assert.InDelta(t, 20000.0, perf.MedianPaymentTimeMS, 1e-9)
	assert.InDelta(t, 0.6, perf.SuccessRate, 1e-9)
	assert.InDelta(t, 0.4, perf.FailureRate, 1e-9)
	assert.InDelta(t, 0.2, perf.TimeoutRate, 1e-9)
}

func TestPaymentPerformance_StoredCategoryWins(t *testing.T) {
	f := newFixture()
	f.add(t, oplog.StatusCompensated, time.Hour, time.Second, "a", "b", "coinos: deadline exceeded")
	f.add(t, oplog.StatusCompensated, time.Hour, time.Second, "a", "b", "roster: wallet lookup timed out")

	// The first message reads as unknown and the second as a timeout; the
	// stored categories say the opposite.
	for id, cat := range map[string]errclass.Category{"op-1": errclass.Timeout, "op-2": errclass.NetworkError} {
		stored, err := f.repo.Get(context.Background(), id)
		require.NoError(t, err)
		stored.ErrorCategory = string(cat)
		require.NoError(t, f.repo.Update(context.Background(), stored, stored.Status))
	}

	perf, err := f.svc.PaymentPerformance(context.Background(), LastDays(now, 1))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, perf.TimeoutRate, 1e-9)
}

func TestPaymentPerformance_MedianOfEvenCountTakesUpper(t *testing.T) {
	f := newFixture()
	for _, took := range []time.Duration{4 * time.Second, time.Second, 3 * time.Second, 2 * time.Second} {
		f.add(t, oplog.StatusTeamChangeComplete, time.Hour, took, "a", "b", "")
	}
	perf, err := f.svc.PaymentPerformance(context.Background(), LastDays(now, 1))
	require.NoError(t, err)
	assert.InDelta(t, 3000.0, perf.MedianPaymentTimeMS, 1e-9)
	assert.InDelta(t, 2500.0, perf.AveragePaymentTimeMS, 1e-9)
}

func TestTeamSwitchingPatterns(t *testing.T) {
	f := newFixture()
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, 2*time.Second, "a", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, 4*time.Second, "a", "c", "")
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, 6*time.Second, "d", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, time.Hour, time.Second, "a", "", "")
	f.add(t, oplog.StatusCompensated, time.Hour, time.Second, "a", "b", "")

	got, err := f.svc.TeamSwitchingPatterns(context.Background(), LastDays(now, 1), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalSwitches)
	assert.InDelta(t, 4000.0, got.AverageSwitchTimeMS, 1e-9)
	require.Len(t, got.TopSourceTeams, 1)
	assert.Equal(t, "a", got.TopSourceTeams[0].TeamID)
	assert.Equal(t, 2, got.TopSourceTeams[0].Count)
	require.Len(t, got.TopDestinationTeams, 1)
	assert.Equal(t, "b", got.TopDestinationTeams[0].TeamID)
	assert.InDelta(t, 200.0/3.0, got.TopDestinationTeams[0].Percentage, 1e-9)
}

func TestGetStuckPayments(t *testing.T) {
	f := newFixture()
	f.add(t, oplog.StatusPaymentSent, 2*time.Hour, 0, "a", "b", "")
	f.add(t, oplog.StatusFailed, 3*time.Hour, 0, "a", "b", "")
	f.add(t, oplog.StatusInitiated, 10*time.Minute, 0, "a", "b", "")
	f.add(t, oplog.StatusTeamChangeComplete, 5*time.Hour, time.Minute, "a", "b", "")
	f.add(t, oplog.StatusCompensated, 5*time.Hour, time.Minute, "a", "b", "")

	stuck, err := f.svc.GetStuckPayments(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	assert.Equal(t, oplog.StatusFailed, stuck[0].Status)
	assert.Equal(t, oplog.StatusPaymentSent, stuck[1].Status)

	stuck, err = f.svc.GetStuckPayments(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Len(t, stuck, 3)
}
