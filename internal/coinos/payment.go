package coinos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runstr/exitfee-saga/internal/errclass"
)

// PayExitFeeWithRetry pays invoice, retrying retryable failures with the
// category backoff of the retry policy. timeout bounds the whole call,
// backoffs included. An expired invoice is never paid; the caller must create
// a fresh one. When every attempt fails the last provider error is returned.
func (c *Client) PayExitFeeWithRetry(ctx context.Context, invoice *LightningInvoice, maxRetries int, timeout time.Duration) (*PaymentResult, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if timeout <= 0 {
		timeout = c.cfg.PaymentTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		if invoice.Expired(c.now()) {
			return nil, &Error{Kind: KindInvoiceExpired, Err: fmt.Errorf("invoice %s expired at %s", invoice.Hash, invoice.ExpiresAt.Format(time.RFC3339))}
		}

		res, err := c.PayInvoice(ctx, invoice.PaymentRequest)
		if err == nil && res.Success {
			c.logger.InfoContext(ctx, "exit fee payment succeeded", "attempt", attempt, "payment_hash", res.PaymentHash)
			return res, nil
		}
		if err == nil {
			err = &Error{Kind: KindAPIError, Code: 1004, Err: errors.New("payment not confirmed")}
		}

		if ctx.Err() != nil {
			return nil, &Error{Kind: KindPaymentTimeout, Err: err}
		}
		if errors.Is(err, ErrInvoiceExpired) {
			return nil, err
		}
		if !errclass.ShouldRetry(err, attempt, maxRetries) {
			return nil, err
		}

		delay := c.cfg.Policy.RetryDelay(attempt, errclass.Categorize(err))
		c.logger.WarnContext(ctx, "exit fee payment failed, retrying",
			"attempt", attempt,
			"max_retries", maxRetries,
			"delay", delay,
			"error", err,
		)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, &Error{Kind: KindPaymentTimeout, Err: err}
		}
	}
}

// VerifyRunstrReceivedPayment polls the treasury until the invoice shows at
// least the exit fee received. It returns false, not an error, when the
// attempts run out; a transport error on the final attempt is returned.
func (c *Client) VerifyRunstrReceivedPayment(ctx context.Context, paymentHash string, maxAttempts int) (bool, error) {
	if maxAttempts < 1 {
		maxAttempts = c.cfg.VerifyAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		inv, err := c.lookupInvoice(ctx, paymentHash)
		switch {
		case err == nil && inv.Received != nil && *inv.Received >= c.cfg.ExitFeeAmount:
			c.logger.InfoContext(ctx, "treasury confirmed payment receipt", "payment_hash", paymentHash, "attempt", attempt)
			return true, nil
		case err != nil && attempt == maxAttempts:
			return false, err
		case err != nil:
			c.logger.WarnContext(ctx, "payment verification attempt failed", "payment_hash", paymentHash, "attempt", attempt, "error", err)
		}

		if attempt < maxAttempts {
			if err := sleepContext(ctx, c.cfg.VerifyInterval); err != nil {
				return false, fmt.Errorf("coinos: verify %s: %w", paymentHash, err)
			}
		}
	}
	return false, nil
}

// ProcessExitFeePayment runs invoice creation, payment and verification end
// to end. A fresh invoice is created for each attempt, so only failures that
// happen before money can have moved (invoice creation, expiry) are retried.
// insufficient balance and invoice expiry on the last attempt are returned
// as ErrInsufficientBalance and ErrInvoiceExpired.
func (c *Client) ProcessExitFeePayment(ctx context.Context, amount int64, maxRetries int) (*ExitFeePaymentResult, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var invoice *LightningInvoice
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var err error
		invoice, err = c.CreateExitFeeInvoice(ctx, amount, "RunstrRewards exit fee")
		if err != nil {
			if attempt == maxRetries || !errclass.ShouldRetry(err, attempt, maxRetries) {
				return nil, err
			}
			if err := sleepContext(ctx, c.cfg.Policy.RetryDelay(attempt, errclass.Categorize(err))); err != nil {
				return nil, err
			}
			continue
		}

		res, err := c.PayExitFeeWithRetry(ctx, invoice, 2, c.cfg.PaymentTimeout)
		switch {
		case errors.Is(err, ErrInvoiceExpired):
			c.logger.WarnContext(ctx, "invoice expired, creating a fresh one", "attempt", attempt)
			if attempt == maxRetries {
				return nil, ErrInvoiceExpired
			}
			continue
		case errors.Is(err, ErrInsufficientBalance):
			return nil, ErrInsufficientBalance
		case err != nil:
			return nil, err
		}

		verified, err := c.VerifyRunstrReceivedPayment(ctx, res.PaymentHash, c.cfg.VerifyAttempts)
		if err != nil {
			return nil, err
		}
		if !verified {
			return nil, &Error{Kind: KindPaymentVerificationFailed, Err: fmt.Errorf("payment %s not seen by treasury", res.PaymentHash)}
		}

		return &ExitFeePaymentResult{
			Success:              true,
			PaymentHash:          res.PaymentHash,
			Amount:               amount,
			Invoice:              invoice,
			VerificationComplete: true,
			Timestamp:            c.now().UTC(),
		}, nil
	}

	return &ExitFeePaymentResult{Amount: amount, Invoice: invoice, Timestamp: c.now().UTC()}, ErrInvoiceExpired
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
