// Package coinos is the payment gateway client for the hosted CoinOS wallet.
// It creates treasury invoices, pays them from the user's wallet and polls the
// treasury side for receipt. It knows nothing about the saga.
package coinos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/runstr/exitfee-saga/internal/errclass"
	"github.com/runstr/exitfee-saga/internal/pkg/interceptors"
)

// Config configures a Client. Zero fields fall back to the defaults.
type Config struct {
	BaseURL string
	// Token authenticates as the treasury wallet.
	Token string

	ExitFeeAmount  int64
	InvoiceExpiry  time.Duration
	PaymentTimeout time.Duration
	HTTPTimeout    time.Duration

	VerifyAttempts int
	VerifyInterval time.Duration

	Policy errclass.Policy
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.ExitFeeAmount <= 0 {
		c.ExitFeeAmount = DefaultExitFeeAmount
	}
	if c.InvoiceExpiry <= 0 {
		c.InvoiceExpiry = DefaultInvoiceExpiry
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 120 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 5
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 2 * time.Second
	}
	if c.Policy == (errclass.Policy{}) {
		c.Policy = errclass.DefaultPolicy()
	}
	return c
}

// Client talks to the CoinOS REST API. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides time.Now, used by tests for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds a Client guarded by a circuit breaker that opens when
// at least 60% of five or more calls in a 30s window failed at the transport level.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "coinos",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: isProviderHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// ExitFeeAmount returns the configured fee in satoshis.
func (c *Client) ExitFeeAmount() int64 { return c.cfg.ExitFeeAmount }

// InvoiceExpiry returns the configured invoice lifetime.
func (c *Client) InvoiceExpiry() time.Duration { return c.cfg.InvoiceExpiry }

type payerTokenKey struct{}

// WithPayerToken attaches the paying user's wallet token to ctx. Payments
// are only ever made with this token: a context without one, or carrying the
// treasury's own token, is rejected before any request is sent.
func WithPayerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, payerTokenKey{}, token)
}

// PayerTokenFrom returns the token attached by WithPayerToken, or "".
func PayerTokenFrom(ctx context.Context) string {
	tok, _ := ctx.Value(payerTokenKey{}).(string)
	return tok
}

func (c *Client) payerToken(ctx context.Context) (string, error) {
	tok := PayerTokenFrom(ctx)
	switch {
	case tok == "":
		return "", &Error{Kind: KindNotAuthenticated, Err: errNoPayerToken}
	case tok == c.cfg.Token:
		return "", &Error{Kind: KindNotAuthenticated, Err: errTreasuryPayer}
	}
	return tok, nil
}

// Ping checks that the provider answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", c.cfg.Token, nil, nil)
}

// CreateExitFeeInvoice creates an invoice for amount on the treasury wallet.
// The returned invoice expires InvoiceExpiry after creation; callers must
// request a fresh one rather than pay an expired one.
func (c *Client) CreateExitFeeInvoice(ctx context.Context, amount int64, memo string) (*LightningInvoice, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("coinos: invalid amount %d: %w", amount, errclass.ErrPaymentFailed)
	}

	var resp invoiceResponse
	body := invoiceRequest{Invoice: invoiceData{Amount: amount, Type: "lightning", Memo: memo}}
	if err := c.do(ctx, http.MethodPost, "/invoice", c.cfg.Token, body, &resp); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	hash := firstNonEmpty(resp.Hash, resp.UID)
	if hash == "" || deref(resp.Text) == "" {
		return nil, &Error{Kind: KindInvalidResponse, Err: errors.New("invoice response missing hash or text")}
	}

	created := now
	if resp.Created != nil && *resp.Created > 0 {
		created = time.UnixMilli(*resp.Created).UTC()
	}

	status := "pending"
	if resp.Received != nil && *resp.Received > 0 {
		status = "paid"
	}

	return &LightningInvoice{
		Hash:           hash,
		PaymentRequest: deref(resp.Text),
		Amount:         amount,
		Memo:           memo,
		Status:         status,
		CreatedAt:      created,
		ExpiresAt:      now.Add(c.cfg.InvoiceExpiry),
	}, nil
}

// PayInvoice makes a single payment attempt with the payer's token.
func (c *Client) PayInvoice(ctx context.Context, paymentRequest string) (*PaymentResult, error) {
	token, err := c.payerToken(ctx)
	if err != nil {
		return nil, err
	}

	var resp payResponse
	if err := c.do(ctx, http.MethodPost, "/payments", token, payRequest{Payreq: paymentRequest}, &resp); err != nil {
		return nil, err
	}

	return &PaymentResult{
		Success:     resp.Confirmed != nil && *resp.Confirmed,
		PaymentHash: deref(resp.Hash),
		Preimage:    deref(resp.Preimage),
		FeePaid:     derefInt(resp.Fee),
		Timestamp:   c.now().UTC(),
	}, nil
}

// lookupInvoice fetches an invoice from the treasury wallet.
func (c *Client) lookupInvoice(ctx context.Context, hash string) (*invoiceResponse, error) {
	var resp invoiceResponse
	if err := c.do(ctx, http.MethodGet, "/invoice/"+hash, c.cfg.Token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do executes one HTTP round trip through the circuit breaker and decodes the
// JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	if token == "" {
		return ErrNotAuthenticated
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, token, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: KindServiceUnavailable, Err: err}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("coinos: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("coinos: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if key := interceptors.IdempotencyKey(ctx); key != "" {
		req.Header.Set(interceptors.HeaderIdempotencyKey, key)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("coinos: %s %s: %w", method, path, ctx.Err())
		}
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &Error{Kind: KindPaymentTimeout, Err: err}
		}
		return &Error{Kind: KindNetworkError, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindNetworkError, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		e := errorFromStatus(res.StatusCode)
		var body struct {
			Code int `json:"code"`
		}
		if e.Kind == KindAPIError && json.Unmarshal(raw, &body) == nil && body.Code != 0 {
			e.Code = body.Code
		}
		return e
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindInvalidResponse, Err: err}
	}
	return nil
}

// isProviderHealthy tells the breaker which failures say nothing about the
// provider's health: business rejections still count as successful calls.
func isProviderHealthy(err error) bool {
	if err == nil {
		return true
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetworkError, KindPaymentTimeout, KindServiceUnavailable:
		return false
	case KindAPIError:
		return e.Code < 500
	default:
		return true
	}
}

func firstNonEmpty(ps ...*string) string {
	for _, p := range ps {
		if p != nil && *p != "" {
			return *p
		}
	}
	return ""
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
