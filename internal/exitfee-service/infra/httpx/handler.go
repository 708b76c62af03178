package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runstr/exitfee-saga/internal/analytics"
	"github.com/runstr/exitfee-saga/internal/coinos"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
	"github.com/runstr/exitfee-saga/internal/exitfee-service/core/ports"
	"github.com/runstr/exitfee-saga/internal/exitfee-service/infra/httpx/middlewares"
	"github.com/runstr/exitfee-saga/internal/metrics"
)

// HeaderWalletToken carries the payer's CoinOS token. It is required to
// start an operation: the fee is paid from the user's own wallet, never from
// the treasury.
const HeaderWalletToken = "X-Wallet-Token"

const (
	defaultRevenueDays = 30
	healthCheckTimeout = 3 * time.Second
)

// Handler serves the exit fee API. The saga itself runs inside the manager,
// detached from the request.
type Handler struct {
	exitFees  ports.ExitFeeService
	metrics   ports.MetricsService
	analytics ports.AnalyticsService
	checks    map[string]ports.HealthChecker
	now       func() time.Time
}

type HandlerOption func(*Handler)

// WithHealthCheck makes /healthz answer 503 while check fails.
func WithHealthCheck(name string, check ports.HealthChecker) HandlerOption {
	return func(h *Handler) { h.checks[name] = check }
}

func NewHandler(svc ports.ExitFeeService, m ports.MetricsService, a ports.AnalyticsService, opts ...HandlerOption) *Handler {
	h := &Handler{
		exitFees:  svc,
		metrics:   m,
		analytics: a,
		checks:    map[string]ports.HealthChecker{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// StartOperation starts a leave or switch for the authenticated user and
// answers 202 with the operation as first persisted.
func (h *Handler) StartOperation(w http.ResponseWriter, r *http.Request) {
	var req StartOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	token := r.Header.Get(HeaderWalletToken)
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing_wallet_token", HeaderWalletToken+" header is required")
		return
	}

	userID := middlewares.UserID(r.Context())
	ctx := coinos.WithPayerToken(r.Context(), token)

	slog.InfoContext(ctx, "starting exit fee operation",
		"user_id", userID,
		"from_team_id", oplog.Deref(req.FromTeamID),
		"to_team_id", oplog.Deref(req.ToTeamID),
	)

	op, err := h.exitFees.StartExitFeeOperation(ctx, userID, emptyToNil(req.FromTeamID), emptyToNil(req.ToTeamID))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, mapOperationToResponse(op))
}

// GetOperation returns an operation owned by the caller. Other users'
// operations look missing.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.exitFees.GetOperationStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if op.UserID != middlewares.UserID(r.Context()) {
		writeServiceError(w, r, oplog.ErrOperationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, mapOperationToResponse(op))
}

func (h *Handler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.exitFees.CancelOperation(r.Context(), chi.URLParam(r, "id"), middlewares.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOperationToResponse(op))
}

func (h *Handler) GetConstants(w http.ResponseWriter, r *http.Request) {
	c := h.exitFees.Constants()
	writeJSON(w, http.StatusOK, ConstantsResponse{
		ExitFeeAmount:        c.ExitFeeAmount,
		TreasuryAddress:      c.TreasuryAddress,
		InvoiceExpirySeconds: int64(c.InvoiceExpiry / time.Second),
	})
}

func (h *Handler) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// ExportMetrics accepts optional RFC 3339 from/to query parameters.
func (h *Handler) ExportMetrics(w http.ResponseWriter, r *http.Request) {
	var tr metrics.TimeRange
	var err error
	if tr.From, err = parseTime(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", err.Error())
		return
	}
	if tr.To, err = parseTime(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.ExportMetrics(tr))
}

type revenueResponse struct {
	Revenue analytics.Revenue        `json:"revenue"`
	Daily   []analytics.DailyRevenue `json:"daily"`
}

// Revenue reports the trailing ?days= days, 30 by default.
func (h *Handler) Revenue(w http.ResponseWriter, r *http.Request) {
	days := defaultRevenueDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_days", "days must be a positive integer")
			return
		}
		days = n
	}

	rev, err := h.analytics.CalculateRevenue(r.Context(), analytics.LastDays(h.now(), days))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	daily, err := h.analytics.CalculateDailyRevenue(r.Context(), days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revenueResponse{Revenue: rev, Daily: daily})
}

// StuckPayments accepts ?threshold= as a Go duration.
func (h *Handler) StuckPayments(w http.ResponseWriter, r *http.Request) {
	var threshold time.Duration
	if v := r.URL.Query().Get("threshold"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_threshold", err.Error())
			return
		}
		threshold = d
	}

	ops, err := h.analytics.GetStuckPayments(r.Context(), threshold)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapAdminOperations(ops))
}

func (h *Handler) ResolveOperation(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Outcome != OutcomePaid && req.Outcome != OutcomeNotPaid {
		writeError(w, http.StatusBadRequest, "invalid_outcome", "outcome must be paid or not_paid")
		return
	}

	op, err := h.exitFees.Resolve(r.Context(), chi.URLParam(r, "id"), req.Outcome == OutcomePaid)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapAdminOperation(op))
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.exitFees.Reconcile(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

// Health answers 503 naming every dependency whose check failed.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	var failing []string
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Failing: failing})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func emptyToNil(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}

func parseTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// statusFor maps a service error onto an HTTP status. Structural errors are
// matched first, everything else by category.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, oplog.ErrOperationInProgress):
		return http.StatusConflict, "operation_in_progress"
	case errors.Is(err, oplog.ErrOperationNotFound):
		return http.StatusNotFound, "operation_not_found"
	case errors.Is(err, oplog.ErrInvalidOperation), errors.Is(err, analytics.ErrInvalidPeriod):
		return http.StatusBadRequest, "invalid_operation"
	case errors.Is(err, oplog.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	}

	switch errclass.Categorize(err) {
	case errclass.TeamConstraint:
		return http.StatusUnprocessableEntity, "team_constraint"
	case errclass.InsufficientFunds:
		return http.StatusPaymentRequired, "insufficient_funds"
	case errclass.ValidationError:
		return http.StatusBadRequest, "validation_error"
	case errclass.NetworkError, errclass.Timeout:
		return http.StatusServiceUnavailable, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	msg := errclass.UserFriendlyMessage(err)
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg.Message, Action: msg.Action})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
