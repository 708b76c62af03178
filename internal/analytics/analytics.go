// Package analytics answers operational questions from the operation store:
// revenue, payment performance, team switching patterns and stuck payments.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
)

const (
	DefaultStuckThreshold = time.Hour
	DefaultPatternLimit   = 5
)

var ErrInvalidPeriod = errors.New("analytics: period end must be after start")

// Period is the half-open interval [From, To).
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// LastDays returns the period covering the trailing n days up to now.
func LastDays(now time.Time, n int) Period {
	return Period{From: now.Add(-time.Duration(n) * 24 * time.Hour), To: now}
}

func (p Period) validate() error {
	if !p.To.After(p.From) {
		return ErrInvalidPeriod
	}
	return nil
}

type Revenue struct {
	Period        Period  `json:"period"`
	TotalAmount   int64   `json:"total_amount"`
	PaymentCount  int     `json:"payment_count"`
	AverageAmount float64 `json:"average_amount"`
	// SuccessRate is completed operations over all operations in the period.
	SuccessRate float64 `json:"success_rate"`
}

type DailyRevenue struct {
	Date         string `json:"date"`
	TotalAmount  int64  `json:"total_amount"`
	PaymentCount int    `json:"payment_count"`
}

type PaymentPerformance struct {
	AveragePaymentTimeMS float64 `json:"average_payment_time_ms"`
	MedianPaymentTimeMS  float64 `json:"median_payment_time_ms"`
	SuccessRate          float64 `json:"success_rate"`
	FailureRate          float64 `json:"failure_rate"`
	TimeoutRate          float64 `json:"timeout_rate"`
}

type TeamCount struct {
	TeamID     string  `json:"team_id"`
	Count      int     `json:"count"`
	// Percentage is on a 0-100 scale, like metrics.ErrorBreakdown. Rates
	// elsewhere in this package are fractions.
	Percentage float64 `json:"percentage"`
}

type TeamSwitchAnalytics struct {
	TotalSwitches       int         `json:"total_switches"`
	TopSourceTeams      []TeamCount `json:"top_source_teams"`
	TopDestinationTeams []TeamCount `json:"top_destination_teams"`
	AverageSwitchTimeMS float64     `json:"average_switch_time_ms"`
}

// Service reads operations and never mutates them.
type Service struct {
	repo   oplog.Repository
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo oplog.Repository, opts ...Option) *Service {
	s := &Service{repo: repo, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) operations(ctx context.Context, p Period) ([]*oplog.ExitFeeOperation, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	ops, err := s.repo.ListCreatedBetween(ctx, p.From, p.To)
	if err != nil {
		return nil, fmt.Errorf("analytics: list operations: %w", err)
	}
	return ops, nil
}

// CalculateRevenue sums the fees of operations created in p that reached
// team_change_complete.
func (s *Service) CalculateRevenue(ctx context.Context, p Period) (Revenue, error) {
	ops, err := s.operations(ctx, p)
	if err != nil {
		return Revenue{}, err
	}

	rev := Revenue{Period: p}
	for _, op := range ops {
		if op.Status != oplog.StatusTeamChangeComplete {
			continue
		}
		rev.TotalAmount += op.Amount
		rev.PaymentCount++
	}
	if rev.PaymentCount > 0 {
		rev.AverageAmount = float64(rev.TotalAmount) / float64(rev.PaymentCount)
	}
	if len(ops) > 0 {
		rev.SuccessRate = float64(rev.PaymentCount) / float64(len(ops))
	}
	return rev, nil
}

// CalculateDailyRevenue returns one entry per UTC day for the last days days,
// today included, oldest first.
func (s *Service) CalculateDailyRevenue(ctx context.Context, days int) ([]DailyRevenue, error) {
	if days <= 0 {
		days = 1
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	from := today.AddDate(0, 0, -(days - 1))

	ops, err := s.operations(ctx, Period{From: from, To: today.AddDate(0, 0, 1)})
	if err != nil {
		return nil, err
	}

	out := make([]DailyRevenue, days)
	for i := range out {
		out[i].Date = from.AddDate(0, 0, i).Format(time.DateOnly)
	}
	for _, op := range ops {
		if op.Status != oplog.StatusTeamChangeComplete {
			continue
		}
		i := int(op.CreatedAt.UTC().Sub(from) / (24 * time.Hour))
		if i < 0 || i >= days {
			continue
		}
		out[i].TotalAmount += op.Amount
		out[i].PaymentCount++
	}
	return out, nil
}

// PaymentPerformance measures completion time of successful operations and
// the share of operations that completed, failed or timed out.
func (s *Service) PaymentPerformance(ctx context.Context, p Period) (PaymentPerformance, error) {
	ops, err := s.operations(ctx, p)
	if err != nil {
		return PaymentPerformance{}, err
	}
	if len(ops) == 0 {
		return PaymentPerformance{}, nil
	}

	var (
		times                 []time.Duration
		total                 time.Duration
		success, failed, slow int
	)
	for _, op := range ops {
		switch op.Status {
		case oplog.StatusTeamChangeComplete:
			success++
			if op.CompletedAt != nil {
				d := op.CompletedAt.Sub(op.CreatedAt)
				times = append(times, d)
				total += d
			}
		case oplog.StatusFailed, oplog.StatusCompensated:
			failed++
			if timedOut(op) {
				slow++
			}
		}
	}

	n := float64(len(ops))
	perf := PaymentPerformance{
		SuccessRate: float64(success) / n,
		FailureRate: float64(failed) / n,
		TimeoutRate: float64(slow) / n,
	}
	if len(times) > 0 {
		sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
		perf.AveragePaymentTimeMS = ms(total / time.Duration(len(times)))
		perf.MedianPaymentTimeMS = ms(times[len(times)/2])
	}
	return perf, nil
}

// timedOut prefers the stored category. Rows written before categories
// were stored fall back to classifying the message.
func timedOut(op *oplog.ExitFeeOperation) bool {
	if op.ErrorCategory != "" {
		return op.ErrorCategory == string(errclass.Timeout)
	}
	if op.ErrorMessage == nil {
		return false
	}
	return errclass.Categorize(errors.New(*op.ErrorMessage)) == errclass.Timeout
}

// TeamSwitchingPatterns ranks the teams users leave and join through completed
// switch operations created in p. limit caps each list.
func (s *Service) TeamSwitchingPatterns(ctx context.Context, p Period, limit int) (TeamSwitchAnalytics, error) {
	if limit <= 0 {
		limit = DefaultPatternLimit
	}
	ops, err := s.operations(ctx, p)
	if err != nil {
		return TeamSwitchAnalytics{}, err
	}

	sources := map[string]int{}
	destinations := map[string]int{}
	var (
		total  time.Duration
		timed  int
		result TeamSwitchAnalytics
	)
	for _, op := range ops {
		if op.Status != oplog.StatusTeamChangeComplete || !op.IsTeamSwitchOperation() {
			continue
		}
		result.TotalSwitches++
		if op.FromTeamID != nil {
			sources[*op.FromTeamID]++
		}
		destinations[*op.ToTeamID]++
		if op.CompletedAt != nil {
			total += op.CompletedAt.Sub(op.CreatedAt)
			timed++
		}
	}

	result.TopSourceTeams = rank(sources, result.TotalSwitches, limit)
	result.TopDestinationTeams = rank(destinations, result.TotalSwitches, limit)
	if timed > 0 {
		result.AverageSwitchTimeMS = ms(total / time.Duration(timed))
	}
	return result, nil
}

func rank(counts map[string]int, total, limit int) []TeamCount {
	out := make([]TeamCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, TeamCount{TeamID: id, Count: n, Percentage: float64(n) * 100 / float64(total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TeamID < out[j].TeamID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetStuckPayments returns operations in a non-terminal status, failed
// included, created more than threshold ago. A non-positive threshold uses
// DefaultStuckThreshold.
func (s *Service) GetStuckPayments(ctx context.Context, threshold time.Duration) ([]*oplog.ExitFeeOperation, error) {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	ops, err := s.repo.ListByStatusOlderThan(ctx, oplog.ActiveStatuses, s.now().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("analytics: stuck payments: %w", err)
	}
	if len(ops) > 0 {
		s.logger.InfoContext(ctx, "stuck exit fee operations found",
			"count", len(ops),
			"threshold", threshold.String(),
		)
	}
	return ops, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
