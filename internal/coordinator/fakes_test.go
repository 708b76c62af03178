package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/runstr/exitfee-saga/internal/coinos"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog/memory"
	"github.com/runstr/exitfee-saga/internal/errclass"
	"github.com/runstr/exitfee-saga/internal/notify"
	"github.com/runstr/exitfee-saga/internal/pkg/interceptors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeGateway struct {
	mu sync.Mutex

	createErr error
	payErr    error
	verifyErr error
	verified  bool
	// release, when set, blocks invoice creation until closed.
	release chan struct{}

	creates  int
	pays     int
	verifies int
	memo     string
}

func (g *fakeGateway) CreateExitFeeInvoice(ctx context.Context, amount int64, memo string) (*coinos.LightningInvoice, error) {
	if g.release != nil {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	g.memo = memo
	if g.createErr != nil {
		return nil, g.createErr
	}
	now := time.Now()
	return &coinos.LightningInvoice{
		Hash:           "hash-1",
		PaymentRequest: "lnbc20u1fake",
		Amount:         amount,
		Memo:           memo,
		CreatedAt:      now,
		ExpiresAt:      now.Add(coinos.DefaultInvoiceExpiry),
	}, nil
}

func (g *fakeGateway) PayExitFeeWithRetry(ctx context.Context, invoice *coinos.LightningInvoice, maxRetries int, timeout time.Duration) (*coinos.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pays++
	if g.payErr != nil {
		return nil, g.payErr
	}
	return &coinos.PaymentResult{Success: true, PaymentHash: invoice.Hash, Preimage: "pre"}, nil
}

func (g *fakeGateway) VerifyRunstrReceivedPayment(ctx context.Context, paymentHash string, maxAttempts int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifies++
	return g.verified, g.verifyErr
}

func (g *fakeGateway) calls() (creates, pays, verifies int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.pays, g.verifies
}

type rosterCall struct {
	userID         string
	from, to       string
	idempotencyKey string
}

type fakeRoster struct {
	mu          sync.Mutex
	applyErrs   []error // consumed one per call; nil once empty
	validateErr error
	calls       []rosterCall
}

func (r *fakeRoster) ApplyTeamChange(ctx context.Context, userID string, fromTeamID, toTeamID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rosterCall{
		userID:         userID,
		from:           oplog.Deref(fromTeamID),
		to:             oplog.Deref(toTeamID),
		idempotencyKey: interceptors.IdempotencyKey(ctx),
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(r.applyErrs) == 0 {
		return nil
	}
	err := r.applyErrs[0]
	r.applyErrs = r.applyErrs[1:]
	return err
}

func (r *fakeRoster) ValidateTeamSwitch(context.Context, string, *string, *string) error {
	return r.validateErr
}

func (r *fakeRoster) applied() []rosterCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rosterCall(nil), r.calls...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Publish(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *fakeNotifier) Close() {}

func (n *fakeNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	m        *Manager
	repo     *memory.Repository
	gateway  *fakeGateway
	roster   *fakeRoster
	notifier *fakeNotifier
	clock    *fakeClock
}

func fastPolicy() errclass.Policy {
	return errclass.Policy{
		NetworkBase: time.Millisecond,
		PaymentBase: time.Millisecond,
		SystemBase:  time.Millisecond,
		DefaultBase: time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     memory.NewRepository(),
		gateway:  &fakeGateway{verified: true},
		roster:   &fakeRoster{},
		notifier: &fakeNotifier{},
		clock:    &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.Policy = fastPolicy()
	h.m = NewManager(h.repo, h.gateway, h.roster, cfg,
		WithNotifier(h.notifier),
		WithLogger(logger),
		WithClock(h.clock.Now),
	)
	return h
}

// seed stores an operation directly, as if left behind by an earlier process.
func (h *harness) seed(t *testing.T, id, userID string, status oplog.Status, age time.Duration) *oplog.ExitFeeOperation {
	t.Helper()
	created := h.clock.Now().Add(-age)
	op := &oplog.ExitFeeOperation{
		ID:               id,
		PaymentIntentID:  "pi_" + id,
		UserID:           userID,
		FromTeamID:       oplog.StringPtr("team_a"),
		ToTeamID:         oplog.StringPtr("team_b"),
		Amount:           2000,
		LightningAddress: coinos.DefaultTreasuryAddress,
		Status:           status,
		PaymentHash:      oplog.StringPtr("hash-" + id),
		CreatedAt:        created,
		UpdatedAt:        created,
	}
	if err := h.repo.Create(context.Background(), op); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return op
}

func (h *harness) get(t *testing.T, id string) *oplog.ExitFeeOperation {
	t.Helper()
	op, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return op
}
