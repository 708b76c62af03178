package errclass

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRetry_NeverForBusinessOutcomes(t *testing.T) {
	for _, c := range []Category{InsufficientFunds, TeamConstraint, ValidationError, UserCancellation} {
		for attempt := 0; attempt < 10; attempt++ {
			assert.False(t, ShouldRetryCategory(c, attempt, 100), "%s at %d", c, attempt)
		}
	}
}

func TestShouldRetry_NeverPastMaxAttempts(t *testing.T) {
	for _, c := range Categories {
		for attempt := 3; attempt < 8; attempt++ {
			assert.False(t, ShouldRetryCategory(c, attempt, 3), "%s at %d", c, attempt)
		}
	}
}

func TestShouldRetry_PerCategoryBounds(t *testing.T) {
	tests := []struct {
		category Category
		attempt  int
		want     bool
	}{
		{NetworkError, 1, true},
		{NetworkError, 2, true},
		{NetworkError, 3, false},
		{Timeout, 2, true},
		{PaymentFailure, 1, true},
		{PaymentFailure, 2, false},
		{LightningNetwork, 1, true},
		{SystemError, 1, true},
		{SystemError, 2, false},
		{Unknown, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldRetryCategory(tt.category, tt.attempt, 10), "%s at %d", tt.category, tt.attempt)
	}

	assert.True(t, ShouldRetry(ErrNetwork, 1, 3))
	assert.False(t, ShouldRetry(ErrInsufficientFunds, 1, 3))
}

func TestRetryDelay_StrictlyIncreasingUntilCap(t *testing.T) {
	p := DefaultPolicy()
	for _, c := range Categories {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := p.RetryDelay(attempt, c)
			assert.LessOrEqual(t, d, p.MaxDelay)
			if prev < p.MaxDelay {
				assert.Greater(t, d, prev, "%s at %d", c, attempt)
			} else {
				assert.Equal(t, p.MaxDelay, d)
			}
			prev = d
		}
	}
}

func TestRetryDelay_Values(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.RetryDelay(1, NetworkError))
	assert.Equal(t, 4*time.Second, p.RetryDelay(2, NetworkError))
	assert.Equal(t, 5*time.Second, p.RetryDelay(1, PaymentFailure))
	assert.Equal(t, 20*time.Second, p.RetryDelay(2, SystemError))
	assert.Equal(t, 30*time.Second, p.RetryDelay(3, SystemError))
	assert.Equal(t, 3*time.Second, p.RetryDelay(1, Unknown))
}

func TestRetryDelay_OrderedBySeverity(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 6; attempt++ {
		n := p.RetryDelay(attempt, NetworkError)
		pf := p.RetryDelay(attempt, PaymentFailure)
		s := p.RetryDelay(attempt, SystemError)
		assert.LessOrEqual(t, n, pf)
		assert.LessOrEqual(t, pf, s)
		if s < p.MaxDelay {
			assert.Less(t, n, pf)
			assert.Less(t, pf, s)
		}
	}
}

func TestRetryDelay_JitterStaysInBand(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = 0.2
	for i := 0; i < 50; i++ {
		d := p.RetryDelay(1, PaymentFailure)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}

func TestHandler_RecordsAndRotates(t *testing.T) {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), 4)

	for i := 0; i < 5; i++ {
		h.HandleError(context.Background(), errors.New("kaboom"), "op-1", i)
	}

	recent := h.RecentErrors(10)
	require.Len(t, recent, 2)
	assert.Equal(t, 4, recent[1].Attempt)
	assert.Equal(t, Unknown, recent[1].Category)
	assert.Equal(t, SeverityCritical, recent[1].Severity)

	e := h.HandleError(context.Background(), ErrNetwork, "op-2", 3)
	assert.Equal(t, SeverityMedium, e.Severity)
}
