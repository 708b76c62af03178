package coinos

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/runstr/exitfee-saga/internal/errclass"
)

// Kind enumerates the gateway failure modes.
type Kind string

const (
	KindNotAuthenticated          Kind = "not_authenticated"
	KindInvalidResponse           Kind = "invalid_response"
	KindAPIError                  Kind = "api_error"
	KindNetworkError              Kind = "network_error"
	KindPaymentTimeout            Kind = "payment_timeout"
	KindInvoiceExpired            Kind = "invoice_expired"
	KindPaymentVerificationFailed Kind = "payment_verification_failed"
	KindInsufficientBalance       Kind = "insufficient_balance"
	KindServiceUnavailable        Kind = "service_unavailable"
)

// Error is returned by every gateway call that fails.
type Error struct {
	Kind Kind
	// Code is the HTTP status or provider code for KindAPIError.
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := "coinos: " + string(e.Kind)
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, coinos.ErrInvoiceExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

// ErrorCategory implements errclass.Categorized. API errors defer to the
// provider code mapping.
func (e *Error) ErrorCategory() errclass.Category {
	switch e.Kind {
	case KindInsufficientBalance:
		return errclass.InsufficientFunds
	case KindPaymentTimeout:
		return errclass.Timeout
	case KindNetworkError, KindServiceUnavailable:
		return errclass.NetworkError
	case KindInvoiceExpired:
		return errclass.LightningNetwork
	case KindPaymentVerificationFailed:
		return errclass.PaymentFailure
	case KindNotAuthenticated:
		return errclass.ValidationError
	case KindInvalidResponse:
		return errclass.SystemError
	default:
		return ""
	}
}

// ProviderCode implements errclass.ProviderCoded.
func (e *Error) ProviderCode() int { return e.Code }

// Sentinels for errors.Is.
var (
	ErrNotAuthenticated          = &Error{Kind: KindNotAuthenticated}
	ErrInvalidResponse           = &Error{Kind: KindInvalidResponse}
	ErrNetwork                   = &Error{Kind: KindNetworkError}
	ErrPaymentTimeout            = &Error{Kind: KindPaymentTimeout}
	ErrInvoiceExpired            = &Error{Kind: KindInvoiceExpired}
	ErrPaymentVerificationFailed = &Error{Kind: KindPaymentVerificationFailed}
	ErrInsufficientBalance       = &Error{Kind: KindInsufficientBalance}
	ErrServiceUnavailable        = &Error{Kind: KindServiceUnavailable}
)

var (
	errNoPayerToken  = errors.New("no payer wallet token")
	errTreasuryPayer = errors.New("payer token is the treasury token")
)

// errorFromStatus maps a non-2xx response onto an Error.
func errorFromStatus(code int) *Error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindNotAuthenticated, Code: code}
	case http.StatusPaymentRequired:
		return &Error{Kind: KindInsufficientBalance, Code: code}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &Error{Kind: KindPaymentTimeout, Code: code}
	case http.StatusGone:
		return &Error{Kind: KindInvoiceExpired, Code: code}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusTooManyRequests:
		return &Error{Kind: KindServiceUnavailable, Code: code}
	default:
		return &Error{Kind: KindAPIError, Code: code}
	}
}
