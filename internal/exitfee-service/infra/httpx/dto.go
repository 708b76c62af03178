package httpx

import (
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
)

type StartOperationRequest struct {
	FromTeamID *string `json:"from_team_id"`
	ToTeamID   *string `json:"to_team_id"`
}

type ResolveRequest struct {
	Outcome string `json:"outcome"`
}

const (
	OutcomePaid    = "paid"
	OutcomeNotPaid = "not_paid"
)

type OperationResponse struct {
	ID              string  `json:"id"`
	PaymentIntentID string  `json:"payment_intent_id"`
	UserID          string  `json:"user_id"`
	FromTeamID      *string `json:"from_team_id,omitempty"`
	ToTeamID        *string `json:"to_team_id,omitempty"`
	Amount          int64   `json:"amount"`
	Status          string  `json:"status"`
	Terminal        bool    `json:"terminal"`
	PaymentHash     *string `json:"payment_hash,omitempty"`
	RetryCount      int     `json:"retry_count"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`

	Failure *errclass.UserMessage `json:"failure,omitempty"`
}

// AdminOperationResponse adds the raw failure text operators need.
type AdminOperationResponse struct {
	OperationResponse
	Error         *string `json:"error,omitempty"`
	ErrorCategory string  `json:"error_category,omitempty"`
}

type healthResponse struct {
	Status  string   `json:"status"`
	Failing []string `json:"failing,omitempty"`
}

type ConstantsResponse struct {
	ExitFeeAmount        int64  `json:"exit_fee_amount"`
	TreasuryAddress      string `json:"treasury_address"`
	InvoiceExpirySeconds int64  `json:"invoice_expiry_seconds"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
}

func mapOperationToResponse(op *oplog.ExitFeeOperation) OperationResponse {
	resp := OperationResponse{
		ID:              op.ID,
		PaymentIntentID: op.PaymentIntentID,
		UserID:          op.UserID,
		FromTeamID:      op.FromTeamID,
		ToTeamID:        op.ToTeamID,
		Amount:          op.Amount,
		Status:          string(op.Status),
		Terminal:        op.Status.IsTerminal(),
		PaymentHash:     op.PaymentHash,
		RetryCount:      op.RetryCount,
		Failure:         failureMessage(op),
		CreatedAt:       op.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       op.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if op.CompletedAt != nil {
		s := op.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

// failureMessage renders the stored category for users. The raw error text
// can carry provider and roster internals, so it never leaves admin routes.
func failureMessage(op *oplog.ExitFeeOperation) *errclass.UserMessage {
	if op.ErrorMessage == nil && op.ErrorCategory == "" {
		return nil
	}
	var msg errclass.UserMessage
	switch op.Status {
	case oplog.StatusPaymentSent:
		msg = errclass.PaymentUnderReviewMessage
	case oplog.StatusPaymentConfirmed:
		msg = errclass.TeamChangePendingMessage
	default:
		msg = errclass.CategoryMessage(errclass.Category(op.ErrorCategory))
	}
	return &msg
}

func mapAdminOperation(op *oplog.ExitFeeOperation) AdminOperationResponse {
	return AdminOperationResponse{
		OperationResponse: mapOperationToResponse(op),
		Error:             op.ErrorMessage,
		ErrorCategory:     op.ErrorCategory,
	}
}

func mapAdminOperations(ops []*oplog.ExitFeeOperation) []AdminOperationResponse {
	out := make([]AdminOperationResponse, len(ops))
	for i, op := range ops {
		out[i] = mapAdminOperation(op)
	}
	return out
}
