package coinos

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runstr/exitfee-saga/internal/errclass"
	"github.com/runstr/exitfee-saga/internal/pkg/interceptors"
)

// fakeCoinOS is a scripted stand-in for the provider API.
type fakeCoinOS struct {
	mu sync.Mutex

	// payStatuses is consumed one per /payments call; once empty, payments succeed.
	payStatuses []int
	payCalls    atomic.Int32
	invoices    atomic.Int32
	received    int64
	lookupCalls atomic.Int32
	lastIdemKey string
	lastAuth    string
	pingAuth    string
	down        bool
}

func (f *fakeCoinOS) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoice", func(w http.ResponseWriter, r *http.Request) {
		var req invoiceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		n := f.invoices.Add(1)

		f.mu.Lock()
		f.lastIdemKey = r.Header.Get(interceptors.HeaderIdempotencyKey)
		f.mu.Unlock()

		writeTestJSON(w, http.StatusOK, map[string]any{
			"amount":   req.Invoice.Amount,
			"hash":     "hash-" + string(rune('0'+n)),
			"text":     "lnbc20u1fake",
			"received": 0,
			"created":  time.Now().UnixMilli(),
		})
	})
	mux.HandleFunc("POST /payments", func(w http.ResponseWriter, r *http.Request) {
		f.payCalls.Add(1)
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		var status int
		if len(f.payStatuses) > 0 {
			status = f.payStatuses[0]
			f.payStatuses = f.payStatuses[1:]
		}
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"confirmed": true,
			"hash":      "hash-1",
			"preimage":  "preimage",
			"fee":       1,
		})
	})
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.pingAuth = r.Header.Get("Authorization")
		down := f.down
		f.mu.Unlock()
		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /invoice/{hash}", func(w http.ResponseWriter, r *http.Request) {
		f.lookupCalls.Add(1)
		f.mu.Lock()
		received := f.received
		f.mu.Unlock()
		writeTestJSON(w, http.StatusOK, map[string]any{
			"hash":     r.PathValue("hash"),
			"received": received,
		})
	})
	return mux
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, fake *fakeCoinOS, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewClient(Config{
		BaseURL:        srv.URL,
		Token:          "treasury-token",
		VerifyAttempts: 3,
		VerifyInterval: 5 * time.Millisecond,
		Policy: errclass.Policy{
			NetworkBase: 20 * time.Millisecond,
			PaymentBase: 30 * time.Millisecond,
			SystemBase:  40 * time.Millisecond,
			DefaultBase: 25 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}, opts...)
}

func payerContext() context.Context {
	return WithPayerToken(context.Background(), "user-wallet-token")
}

func TestCreateExitFeeInvoice_EchoesAmountAndShortExpiry(t *testing.T) {
	fake := &fakeCoinOS{}
	client := newTestClient(t, fake)

	ctx := interceptors.WithIdempotencyKey(context.Background(), "pi-42")
	before := time.Now()
	inv, err := client.CreateExitFeeInvoice(ctx, 2000, "Exit fee - leave team")
	require.NoError(t, err)

	assert.Equal(t, int64(2000), inv.Amount)
	assert.Equal(t, "lnbc20u1fake", inv.PaymentRequest)
	assert.Equal(t, "pending", inv.Status)
	assert.WithinDuration(t, before.Add(120*time.Second), inv.ExpiresAt, 2*time.Second)
	assert.Equal(t, "pi-42", fake.lastIdemKey)
}

func TestCreateExitFeeInvoice_RejectsNonPositiveAmount(t *testing.T) {
	client := newTestClient(t, &fakeCoinOS{})
	_, err := client.CreateExitFeeInvoice(context.Background(), 0, "")
	assert.Error(t, err)
}

func TestPayExitFeeWithRetry_SucceedsAfterTwoFailures(t *testing.T) {
	fake := &fakeCoinOS{payStatuses: []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable}}
	client := newTestClient(t, fake)

	inv, err := client.CreateExitFeeInvoice(context.Background(), 2000, "")
	require.NoError(t, err)

	start := time.Now()
	res, err := client.PayExitFeeWithRetry(payerContext(), inv, 3, 5*time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(3), fake.payCalls.Load())

	policy := client.cfg.Policy
	minimum := policy.RetryDelay(1, errclass.NetworkError) + policy.RetryDelay(2, errclass.NetworkError)
	assert.GreaterOrEqual(t, elapsed, minimum)
}

func TestPayExitFeeWithRetry_InsufficientBalanceIsNotRetried(t *testing.T) {
	fake := &fakeCoinOS{payStatuses: []int{http.StatusPaymentRequired}}
	client := newTestClient(t, fake)

	inv, err := client.CreateExitFeeInvoice(context.Background(), 2000, "")
	require.NoError(t, err)

	_, err = client.PayExitFeeWithRetry(payerContext(), inv, 3, time.Second)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, errclass.InsufficientFunds, errclass.Categorize(err))
	assert.Equal(t, int32(1), fake.payCalls.Load())
}

func TestPayExitFeeWithRetry_ExpiredInvoiceIsNeverPaid(t *testing.T) {
	fake := &fakeCoinOS{}
	client := newTestClient(t, fake, WithClock(func() time.Time { return time.Now().Add(time.Hour) }))

	inv := &LightningInvoice{Hash: "h", PaymentRequest: "lnbc", ExpiresAt: time.Now()}
	_, err := client.PayExitFeeWithRetry(payerContext(), inv, 3, time.Second)
	assert.ErrorIs(t, err, ErrInvoiceExpired)
	assert.Zero(t, fake.payCalls.Load())
}

func TestPayExitFeeWithRetry_ExhaustsAndReturnsProviderError(t *testing.T) {
	fake := &fakeCoinOS{payStatuses: []int{503, 503, 503, 503}}
	client := newTestClient(t, fake)

	inv, err := client.CreateExitFeeInvoice(context.Background(), 2000, "")
	require.NoError(t, err)

	_, err = client.PayExitFeeWithRetry(payerContext(), inv, 2, 5*time.Second)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, int32(2), fake.payCalls.Load())
}

func TestPayInvoice_UsesPayerToken(t *testing.T) {
	fake := &fakeCoinOS{}
	client := newTestClient(t, fake)

	ctx := WithPayerToken(context.Background(), "user-wallet-token")
	_, err := client.PayInvoice(ctx, "lnbc")
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-wallet-token", fake.lastAuth)
}

func TestPayInvoice_RefusesToPayWithoutUserToken(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
	}{
		{name: "no payer token", ctx: context.Background()},
		{name: "empty payer token", ctx: WithPayerToken(context.Background(), "")},
		{name: "treasury token as payer", ctx: WithPayerToken(context.Background(), "treasury-token")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCoinOS{}
			client := newTestClient(t, fake)

			_, err := client.PayInvoice(tt.ctx, "lnbc")
			assert.ErrorIs(t, err, ErrNotAuthenticated)
			assert.Equal(t, errclass.ValidationError, errclass.Categorize(err))
			assert.Zero(t, fake.payCalls.Load())
		})
	}
}

func TestProcessExitFeePayment_WithoutPayerTokenMovesNoMoney(t *testing.T) {
	fake := &fakeCoinOS{received: 2000}
	client := newTestClient(t, fake)

	res, err := client.ProcessExitFeePayment(context.Background(), 2000, 3)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, fake.payCalls.Load())
	assert.Zero(t, fake.lookupCalls.Load())
	assert.Equal(t, int32(1), fake.invoices.Load())
}

func TestVerifyRunstrReceivedPayment(t *testing.T) {
	fake := &fakeCoinOS{received: 2000}
	client := newTestClient(t, fake)

	ok, err := client.VerifyRunstrReceivedPayment(context.Background(), "hash-1", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), fake.lookupCalls.Load())
}

func TestVerifyRunstrReceivedPayment_ExhaustionIsNotAnError(t *testing.T) {
	fake := &fakeCoinOS{received: 10}
	client := newTestClient(t, fake)

	ok, err := client.VerifyRunstrReceivedPayment(context.Background(), "hash-1", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(3), fake.lookupCalls.Load())
}

func TestProcessExitFeePayment_Success(t *testing.T) {
	fake := &fakeCoinOS{received: 2000}
	client := newTestClient(t, fake)

	res, err := client.ProcessExitFeePayment(payerContext(), 2000, 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.VerificationComplete)
	assert.Equal(t, int64(2000), res.Amount)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, "lnbc20u1fake", res.Invoice.PaymentRequest)
}

func TestProcessExitFeePayment_InsufficientBalance(t *testing.T) {
	fake := &fakeCoinOS{payStatuses: []int{http.StatusPaymentRequired}}
	client := newTestClient(t, fake)

	res, err := client.ProcessExitFeePayment(payerContext(), 2000, 3)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int32(1), fake.invoices.Load())
}

func TestProcessExitFeePayment_ExpiredOnEveryAttempt(t *testing.T) {
	fake := &fakeCoinOS{payStatuses: []int{http.StatusGone, http.StatusGone}}
	client := newTestClient(t, fake)

	_, err := client.ProcessExitFeePayment(payerContext(), 2000, 2)
	assert.ErrorIs(t, err, ErrInvoiceExpired)
	assert.Equal(t, int32(2), fake.invoices.Load())
}

func TestProcessExitFeePayment_UnverifiedPaymentIsNotRepaid(t *testing.T) {
	fake := &fakeCoinOS{received: 0}
	client := newTestClient(t, fake)

	_, err := client.ProcessExitFeePayment(payerContext(), 2000, 3)
	assert.ErrorIs(t, err, ErrPaymentVerificationFailed)
	assert.Equal(t, int32(1), fake.payCalls.Load())
}

func TestPing(t *testing.T) {
	fake := &fakeCoinOS{}
	client := newTestClient(t, fake)

	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, "Bearer treasury-token", fake.pingAuth)

	fake.mu.Lock()
	fake.down = true
	fake.mu.Unlock()
	err := client.Ping(context.Background())
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindServiceUnavailable, e.Kind)
}

func TestMissingTokenIsNotAuthenticated(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.CreateExitFeeInvoice(context.Background(), 2000, "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestBreakerOpensAfterRepeatedTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL, Token: "t"}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	for i := 0; i < 5; i++ {
		_, err := client.PayInvoice(payerContext(), "lnbc")
		require.Error(t, err)
	}

	_, err := client.PayInvoice(payerContext(), "lnbc")
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindServiceUnavailable, e.Kind)
	assert.Zero(t, e.Code)
}

func TestErrorFromStatus(t *testing.T) {
	assert.ErrorIs(t, errorFromStatus(401), ErrNotAuthenticated)
	assert.ErrorIs(t, errorFromStatus(402), ErrInsufficientBalance)
	assert.ErrorIs(t, errorFromStatus(408), ErrPaymentTimeout)
	assert.ErrorIs(t, errorFromStatus(410), ErrInvoiceExpired)
	assert.ErrorIs(t, errorFromStatus(503), ErrServiceUnavailable)

	e := errorFromStatus(418)
	assert.Equal(t, KindAPIError, e.Kind)
	assert.Equal(t, errclass.PaymentFailure, errclass.Categorize(e))
}
