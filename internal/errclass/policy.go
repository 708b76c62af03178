package errclass

import (
	"math/rand/v2"
	"time"
)

// Policy holds the backoff tuning. The zero value is not useful; start from
// DefaultPolicy and override fields from configuration.
type Policy struct {
	// NetworkBase seeds the delay for NetworkError and Timeout.
	NetworkBase time.Duration
	// PaymentBase seeds the delay for PaymentFailure and LightningNetwork.
	PaymentBase time.Duration
	// SystemBase seeds the delay for SystemError.
	SystemBase time.Duration
	// DefaultBase seeds every other category.
	DefaultBase time.Duration
	// MaxDelay caps every delay.
	MaxDelay time.Duration
	// Jitter is the relative spread applied before the cap, e.g. 0.2 for ±20%.
	// Zero keeps delays deterministic and strictly increasing.
	Jitter float64
}

// DefaultPolicy returns the production backoff settings.
func DefaultPolicy() Policy {
	return Policy{
		NetworkBase: 2 * time.Second,
		PaymentBase: 5 * time.Second,
		SystemBase:  10 * time.Second,
		DefaultBase: 3 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// ShouldRetry reports whether a call that failed with err on the given
// 1-based attempt should be tried again.
func ShouldRetry(err error, attempt, maxAttempts int) bool {
	return ShouldRetryCategory(Categorize(err), attempt, maxAttempts)
}

// ShouldRetryCategory is ShouldRetry for an already classified error.
func ShouldRetryCategory(c Category, attempt, maxAttempts int) bool {
	if !c.Retryable() {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}

	switch c {
	case NetworkError, Timeout:
		return attempt < 3
	case PaymentFailure, LightningNetwork:
		return attempt < 2
	case SystemError:
		return attempt < 2
	default:
		// Unknown errors are not retried blindly.
		return false
	}
}

// RetryDelay returns base·2^(attempt-1) for the category, capped at MaxDelay.
func (p Policy) RetryDelay(attempt int, c Category) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.base(c)
	delay := base
	for i := 1; i < attempt && (p.MaxDelay <= 0 || delay < p.MaxDelay); i++ {
		delay *= 2
	}

	if p.Jitter > 0 {
		spread := 1 + p.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) base(c Category) time.Duration {
	switch c {
	case NetworkError, Timeout:
		return p.NetworkBase
	case PaymentFailure, LightningNetwork:
		return p.PaymentBase
	case SystemError:
		return p.SystemBase
	default:
		return p.DefaultBase
	}
}
