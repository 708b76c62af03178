// Package errclass maps arbitrary failures onto a closed set of categories and
// decides whether and when a failed call should be retried.
package errclass

import "errors"

// Category is the closed taxonomy every error is mapped into.
type Category string

const (
	InsufficientFunds Category = "insufficient_funds"
	Timeout           Category = "timeout"
	NetworkError      Category = "network_error"
	ValidationError   Category = "validation_error"
	SystemError       Category = "system_error"
	PaymentFailure    Category = "payment_failure"
	TeamConstraint    Category = "team_constraint"
	LightningNetwork  Category = "lightning_network"
	UserCancellation  Category = "user_cancellation"
	Unknown           Category = "unknown"
)

// Categories lists every category, Unknown last.
var Categories = []Category{
	InsufficientFunds,
	Timeout,
	NetworkError,
	ValidationError,
	SystemError,
	PaymentFailure,
	TeamConstraint,
	LightningNetwork,
	UserCancellation,
	Unknown,
}

// Severity drives the log level used when an error is handled.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Domain errors shared by the saga, the roster client and the API layer.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPaymentTimeout    = errors.New("payment timed out")
	ErrNetwork           = errors.New("network error")
	ErrPaymentFailed     = errors.New("payment failed")
	ErrTeamNotFound      = errors.New("team not found")
	ErrUserNotOnTeam     = errors.New("user not on team")
	ErrAlreadyOnTeam     = errors.New("user already on team")
	ErrTeamFull          = errors.New("team is full")
	ErrUserCancelled     = errors.New("cancelled by user")
)

// Categorized is implemented by errors that know their own category.
// Returning "" means no opinion and lets Categorize keep looking.
type Categorized interface {
	ErrorCategory() Category
}

// ProviderCoded is implemented by payment-provider errors carrying a numeric code.
type ProviderCoded interface {
	ProviderCode() int
}

// StatusCoded is implemented by store or collaborator errors that carry an
// HTTP-like status code.
type StatusCoded interface {
	StatusCode() int
}

// Retryable reports whether the category can ever be fixed by trying again.
func (c Category) Retryable() bool {
	switch c {
	case InsufficientFunds, TeamConstraint, ValidationError, UserCancellation:
		return false
	default:
		return true
	}
}

// Severity returns the severity of an error in this category at the given attempt.
func (c Category) Severity(attempt int) Severity {
	switch c {
	case UserCancellation, InsufficientFunds, TeamConstraint, ValidationError:
		return SeverityLow
	case NetworkError, Timeout:
		if attempt > 2 {
			return SeverityMedium
		}
		return SeverityLow
	case PaymentFailure, LightningNetwork:
		if attempt > 1 {
			return SeverityHigh
		}
		return SeverityMedium
	case SystemError:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
