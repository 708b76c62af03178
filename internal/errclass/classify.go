package errclass

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
)

var domainCategories = []struct {
	err      error
	category Category
}{
	{ErrInsufficientFunds, InsufficientFunds},
	{ErrPaymentTimeout, Timeout},
	{ErrNetwork, NetworkError},
	{ErrPaymentFailed, PaymentFailure},
	{ErrTeamNotFound, TeamConstraint},
	{ErrUserNotOnTeam, TeamConstraint},
	{ErrAlreadyOnTeam, TeamConstraint},
	{ErrTeamFull, TeamConstraint},
	{ErrUserCancelled, UserCancellation},
	{oplog.ErrInvalidOperation, ValidationError},
	{oplog.ErrOperationNotFound, ValidationError},
	{oplog.ErrOperationInProgress, SystemError},
	{oplog.ErrInvalidStateTransition, SystemError},
}

// Categorize maps err onto exactly one category. It is pure and total:
// nil and anything unrecognised map to Unknown.
//
// Lookup order: self-categorising errors, domain sentinels, transport errors,
// gRPC status codes, provider codes, status codes, message keywords.
func Categorize(err error) Category {
	if err == nil {
		return Unknown
	}

	var c Categorized
	if errors.As(err, &c) {
		if cat := c.ErrorCategory(); cat != "" {
			return cat
		}
	}

	for _, d := range domainCategories {
		if errors.Is(err, d.err) {
			return d.category
		}
	}

	if cat, ok := categorizeTransport(err); ok {
		return cat
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.OK && s.Code() != codes.Unknown {
		return categorizeGRPC(s.Code())
	}

	var pc ProviderCoded
	if errors.As(err, &pc) {
		return categorizeProviderCode(pc.ProviderCode())
	}

	var sc StatusCoded
	if errors.As(err, &sc) {
		if cat, ok := categorizeStatusCode(sc.StatusCode()); ok {
			return cat
		}
	}

	return categorizeText(err.Error())
}

func categorizeTransport(err error) (Category, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return UserCancellation, true
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout, true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return NetworkError, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout, true
		}
		return NetworkError, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NetworkError, true
	}
	return "", false
}

func categorizeGRPC(code codes.Code) Category {
	switch code {
	case codes.DeadlineExceeded:
		return Timeout
	case codes.Unavailable:
		return NetworkError
	case codes.Canceled:
		return UserCancellation
	case codes.AlreadyExists, codes.FailedPrecondition, codes.ResourceExhausted:
		return TeamConstraint
	case codes.InvalidArgument, codes.NotFound, codes.OutOfRange, codes.Unauthenticated, codes.PermissionDenied:
		return ValidationError
	default:
		return SystemError
	}
}

func categorizeProviderCode(code int) Category {
	switch code {
	case 1001:
		return InsufficientFunds
	case 1002:
		return Timeout
	case 1003:
		return LightningNetwork
	default:
		return PaymentFailure
	}
}

func categorizeStatusCode(code int) (Category, bool) {
	switch {
	case code == 404:
		return ValidationError, true
	case code == 409:
		return TeamConstraint, true
	case code >= 500 && code <= 599:
		return SystemError, true
	}
	return "", false
}

func categorizeText(msg string) Category {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "insufficient") || strings.Contains(msg, "balance"):
		return InsufficientFunds
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return Timeout
	case strings.Contains(msg, "network") || strings.Contains(msg, "internet"):
		return NetworkError
	case strings.Contains(msg, "cancel"):
		return UserCancellation
	case strings.Contains(msg, "lightning") || strings.Contains(msg, "invoice"):
		return LightningNetwork
	}
	return Unknown
}
