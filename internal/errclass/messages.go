package errclass

import (
	"errors"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
)

const helpBaseURL = "https://help.runstrrewards.com"

// UserMessage is the user-facing rendering of an error. It never carries
// internal codes.
type UserMessage struct {
	Title           string `json:"title"`
	Message         string `json:"message"`
	Action          string `json:"action"`
	SecondaryAction string `json:"secondary_action,omitempty"`
	HelpURL         string `json:"help_url,omitempty"`
	CanRetry        bool   `json:"can_retry"`
}

var domainMessages = []struct {
	err error
	msg UserMessage
}{
	{ErrInsufficientFunds, UserMessage{
		Title:           "Insufficient Funds",
		Message:         "Your wallet does not hold enough sats to cover the exit fee. Please add funds to your wallet and try again.",
		Action:          "Add Funds",
		SecondaryAction: "Cancel",
		HelpURL:         helpBaseURL + "/exit-fees",
		CanRetry:        true,
	}},
	{ErrPaymentTimeout, UserMessage{
		Title:           "Payment Timed Out",
		Message:         "Your exit fee payment took too long to process. Your team membership is unchanged. Please try again.",
		Action:          "Try Again",
		SecondaryAction: "Cancel",
		HelpURL:         helpBaseURL + "/payment-issues",
		CanRetry:        true,
	}},
	{ErrNetwork, UserMessage{
		Title:           "Connection Problem",
		Message:         "Unable to process your exit fee due to a network issue. Please check your internet connection and try again.",
		Action:          "Try Again",
		SecondaryAction: "Cancel",
		HelpURL:         helpBaseURL + "/network-issues",
		CanRetry:        true,
	}},
	{ErrPaymentFailed, UserMessage{
		Title:           "Payment Failed",
		Message:         "Your exit fee payment could not be processed. Your team membership is unchanged. Please try again or contact support if the problem persists.",
		Action:          "Try Again",
		SecondaryAction: "Contact Support",
		HelpURL:         helpBaseURL + "/payment-failed",
		CanRetry:        true,
	}},
	{ErrTeamNotFound, UserMessage{
		Title:    "Team Not Found",
		Message:  "The team you're trying to join no longer exists. Please choose a different team.",
		Action:   "Browse Teams",
		CanRetry: false,
	}},
	{ErrUserNotOnTeam, UserMessage{
		Title:    "Not on Team",
		Message:  "You're not currently on this team, so no exit fee is required.",
		Action:   "OK",
		CanRetry: false,
	}},
	{ErrAlreadyOnTeam, UserMessage{
		Title:           "Already on Team",
		Message:         "You can only be on one team at a time. To join this team, you'll need to leave your current team first, which costs the exit fee.",
		Action:          "Switch Teams",
		SecondaryAction: "Cancel",
		CanRetry:        false,
	}},
	{ErrTeamFull, UserMessage{
		Title:           "Team Full",
		Message:         "This team has reached its maximum number of members. Please choose a different team.",
		Action:          "Browse Teams",
		SecondaryAction: "Cancel",
		CanRetry:        false,
	}},
}

var categoryMessages = map[Category]UserMessage{
	PaymentFailure: {
		Title:           "Payment Error",
		Message:         "There was a problem processing your payment. Please try again or contact support if the issue persists.",
		Action:          "Try Again",
		SecondaryAction: "Contact Support",
		HelpURL:         helpBaseURL + "/payment-issues",
		CanRetry:        true,
	},
	NetworkError: {
		Title:    "Connection Problem",
		Message:  "Please check your internet connection and try again.",
		Action:   "Try Again",
		CanRetry: true,
	},
	InsufficientFunds: {
		Title:           "Insufficient Funds",
		Message:         "Your wallet does not hold enough sats to cover the exit fee. Please add funds to your wallet.",
		Action:          "Add Funds",
		SecondaryAction: "Cancel",
		HelpURL:         helpBaseURL + "/exit-fees",
		CanRetry:        true,
	},
	Timeout: {
		Title:    "Request Timed Out",
		Message:  "The operation took too long to complete. Please try again.",
		Action:   "Try Again",
		CanRetry: true,
	},
	UserCancellation: {
		Title:    "Operation Cancelled",
		Message:  "You cancelled the operation. Your team membership is unchanged.",
		Action:   "OK",
		CanRetry: false,
	},
	TeamConstraint: {
		Title:    "Invalid Operation",
		Message:  "This operation cannot be completed right now. Please refresh and try again.",
		Action:   "Refresh",
		CanRetry: false,
	},
	ValidationError: {
		Title:    "Invalid Operation",
		Message:  "This operation cannot be completed right now. Please refresh and try again.",
		Action:   "Refresh",
		CanRetry: false,
	},
	LightningNetwork: {
		Title:    "Lightning Network Error",
		Message:  "There was an issue with the Lightning Network payment. Please try again in a few moments.",
		Action:   "Try Again",
		HelpURL:  helpBaseURL + "/lightning-issues",
		CanRetry: true,
	},
	SystemError: {
		Title:           "System Error",
		Message:         "An unexpected error occurred. Please try again or contact support if the problem persists.",
		Action:          "Try Again",
		SecondaryAction: "Contact Support",
		CanRetry:        true,
	},
	Unknown: {
		Title:           "Unexpected Error",
		Message:         "Something went wrong. Please try again or contact support if the issue continues.",
		Action:          "Try Again",
		SecondaryAction: "Contact Support",
		HelpURL:         helpBaseURL + "/support",
		CanRetry:        true,
	},
}

var operationInProgressMessage = UserMessage{
	Title:           "Operation in Progress",
	Message:         "You already have an exit fee payment in progress. Please wait for it to complete before trying again.",
	Action:          "Check Status",
	SecondaryAction: "Cancel",
	CanRetry:        false,
}

// PaymentUnderReviewMessage explains an operation whose payment outcome is
// unclear. Retrying could charge the user twice, so it offers no retry.
var PaymentUnderReviewMessage = UserMessage{
	Title:           "Payment Under Review",
	Message:         "We could not confirm your exit fee payment yet. Your team membership is unchanged until it is confirmed. Please do not pay again.",
	Action:          "Check Status",
	SecondaryAction: "Contact Support",
	HelpURL:         helpBaseURL + "/payment-issues",
	CanRetry:        false,
}

// TeamChangePendingMessage explains a received payment whose team change
// has not gone through yet.
var TeamChangePendingMessage = UserMessage{
	Title:    "Team Change Pending",
	Message:  "Your exit fee was received. We are still updating your team and will retry automatically.",
	Action:   "Check Status",
	CanRetry: false,
}

// CategoryMessage returns the copy for a category, falling back to Unknown.
func CategoryMessage(c Category) UserMessage {
	if msg, ok := categoryMessages[c]; ok {
		return msg
	}
	return categoryMessages[Unknown]
}

// UserFriendlyMessage renders err for display. Known domain errors get their
// own copy; everything else falls back to the copy for its category.
func UserFriendlyMessage(err error) UserMessage {
	if errors.Is(err, oplog.ErrOperationInProgress) {
		return operationInProgressMessage
	}
	for _, d := range domainMessages {
		if errors.Is(err, d.err) {
			return d.msg
		}
	}
	return CategoryMessage(Categorize(err))
}
