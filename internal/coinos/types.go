package coinos

import "time"

const (
	// DefaultBaseURL is the hosted wallet provider.
	DefaultBaseURL = "https://coinos.io/api"
	// DefaultExitFeeAmount is the fee in satoshis.
	DefaultExitFeeAmount int64 = 2000
	// DefaultTreasuryAddress receives every exit fee.
	DefaultTreasuryAddress = "RUNSTR@coinos.io"
	// DefaultInvoiceExpiry is short so stale invoices fail fast and get regenerated.
	DefaultInvoiceExpiry = 120 * time.Second
)

// LightningInvoice is an invoice created on the treasury wallet.
type LightningInvoice struct {
	Hash           string    `json:"hash"`
	PaymentRequest string    `json:"payment_request"`
	Amount         int64     `json:"amount"`
	Memo           string    `json:"memo"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the invoice can no longer be paid at now.
func (i *LightningInvoice) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// PaymentResult is the outcome of paying an invoice.
type PaymentResult struct {
	Success     bool      `json:"success"`
	PaymentHash string    `json:"payment_hash"`
	Preimage    string    `json:"preimage,omitempty"`
	FeePaid     int64     `json:"fee_paid"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExitFeePaymentResult is the end-to-end outcome of ProcessExitFeePayment.
type ExitFeePaymentResult struct {
	Success              bool              `json:"success"`
	PaymentHash          string            `json:"payment_hash"`
	Amount               int64             `json:"amount"`
	Invoice              *LightningInvoice `json:"invoice,omitempty"`
	VerificationComplete bool              `json:"verification_complete"`
	Timestamp            time.Time         `json:"timestamp"`
}

// wire types

type invoiceRequest struct {
	Invoice invoiceData `json:"invoice"`
}

type invoiceData struct {
	Amount int64  `json:"amount"`
	Type   string `json:"type"`
	Memo   string `json:"memo,omitempty"`
}

type invoiceResponse struct {
	Amount   *int64  `json:"amount"`
	Hash     *string `json:"hash"`
	Text     *string `json:"text"`
	UID      *string `json:"uid"`
	Received *int64  `json:"received"`
	Created  *int64  `json:"created"`
}

type payRequest struct {
	Payreq string `json:"payreq"`
}

type payResponse struct {
	Confirmed *bool   `json:"confirmed"`
	Hash      *string `json:"hash"`
	Preimage  *string `json:"preimage"`
	Fee       *int64  `json:"fee"`
}
