package metrics

import (
	"sort"
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
)

// DefaultExportRange is used when ExportMetrics gets a zero range.
const DefaultExportRange = 24 * time.Hour

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

type TransitionSummary struct {
	From              oplog.Status `json:"from"`
	To                oplog.Status `json:"to"`
	Count             int          `json:"count"`
	SuccessRate       float64      `json:"success_rate"`
	AverageDurationMS float64      `json:"average_duration_ms"`
}

type ErrorBreakdown struct {
	Category       errclass.Category `json:"category"`
	Count          int               `json:"count"`
	Percentage     float64           `json:"percentage"`
	AverageAttempt float64           `json:"average_attempt"`
}

type TeamSwitchPattern struct {
	FromTeamID        string  `json:"from_team_id"`
	ToTeamID          string  `json:"to_team_id"`
	Count             int     `json:"count"`
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMS float64 `json:"average_duration_ms"`
}

type Performance struct {
	QueryCount                int     `json:"query_count"`
	AverageQueryDurationMS    float64 `json:"average_query_duration_ms"`
	PaymentCount              int     `json:"payment_count"`
	AveragePaymentDurationMS  float64 `json:"average_payment_duration_ms"`
	PaymentSuccessRate        float64 `json:"payment_success_rate"`
	AverageProcessingTimeMS   float64 `json:"average_processing_time_ms"`
	CompletedOperations       int     `json:"completed_operations"`
	SuccessfulOperationsRatio float64 `json:"successful_operations_ratio"`
}

// Report is the result of ExportMetrics.
type Report struct {
	Range        TimeRange           `json:"range"`
	Transitions  []TransitionSummary `json:"transitions"`
	Errors       []ErrorBreakdown    `json:"errors"`
	TeamSwitches []TeamSwitchPattern `json:"team_switches"`
	Performance  Performance         `json:"performance"`
	Alerts       []Alert             `json:"alerts"`
	GeneratedAt  time.Time           `json:"generated_at"`
}

// ExportMetrics aggregates everything recorded in r. A zero range means the
// trailing DefaultExportRange.
func (c *Collector) ExportMetrics(r TimeRange) Report {
	now := c.now()
	if r.From.IsZero() && r.To.IsZero() {
		r = TimeRange{From: now.Add(-DefaultExportRange), To: now.Add(time.Nanosecond)}
	} else if r.To.IsZero() {
		r.To = now.Add(time.Nanosecond)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	report := Report{
		Range:        r,
		Transitions:  c.transitionSummaries(r),
		Errors:       c.errorBreakdown(r),
		TeamSwitches: c.teamSwitchPatterns(r),
		Performance:  c.performance(r),
		Alerts:       []Alert{},
		GeneratedAt:  now,
	}
	for _, a := range c.alerts {
		if r.contains(a.Timestamp) {
			report.Alerts = append(report.Alerts, a)
		}
	}
	return report
}

type agg struct {
	count, ok int
	total     time.Duration
}

func (a *agg) add(d time.Duration, success bool) {
	a.count++
	a.total += d
	if success {
		a.ok++
	}
}

func (a agg) rate() float64 {
	if a.count == 0 {
		return 0
	}
	return float64(a.ok) / float64(a.count)
}

func (a agg) avgMS() float64 {
	if a.count == 0 {
		return 0
	}
	return ms(a.total / time.Duration(a.count))
}

func (c *Collector) transitionSummaries(r TimeRange) []TransitionSummary {
	type key struct{ from, to oplog.Status }
	groups := map[key]*agg{}
	for _, t := range c.transitions {
		if !r.contains(t.Timestamp) {
			continue
		}
		k := key{t.From, t.To}
		if groups[k] == nil {
			groups[k] = &agg{}
		}
		groups[k].add(t.Duration, t.Success)
	}

	out := make([]TransitionSummary, 0, len(groups))
	for k, a := range groups {
		out = append(out, TransitionSummary{
			From: k.from, To: k.to, Count: a.count,
			SuccessRate: a.rate(), AverageDurationMS: a.avgMS(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func (c *Collector) errorBreakdown(r TimeRange) []ErrorBreakdown {
	type bucket struct{ count, attempts int }
	buckets := map[errclass.Category]*bucket{}
	total := 0
	add := func(cat errclass.Category, attempt int) {
		if buckets[cat] == nil {
			buckets[cat] = &bucket{}
		}
		buckets[cat].count++
		buckets[cat].attempts += attempt
		total++
	}

	for _, p := range c.payments {
		if !p.Success && r.contains(p.Timestamp) {
			add(p.Category, p.Attempt)
		}
	}
	for _, t := range c.transitions {
		if !t.Success && r.contains(t.Timestamp) {
			add(t.Category, 1)
		}
	}

	out := make([]ErrorBreakdown, 0, len(buckets))
	for cat, b := range buckets {
		out = append(out, ErrorBreakdown{
			Category:       cat,
			Count:          b.count,
			Percentage:     float64(b.count) / float64(total) * 100,
			AverageAttempt: float64(b.attempts) / float64(b.count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func (c *Collector) teamSwitchPatterns(r TimeRange) []TeamSwitchPattern {
	type key struct{ from, to string }
	groups := map[key]*agg{}
	for _, s := range c.switches {
		if !r.contains(s.Timestamp) {
			continue
		}
		k := key{s.FromTeamID, s.ToTeamID}
		if groups[k] == nil {
			groups[k] = &agg{}
		}
		groups[k].add(s.Duration, s.Success)
	}

	out := make([]TeamSwitchPattern, 0, len(groups))
	for k, a := range groups {
		out = append(out, TeamSwitchPattern{
			FromTeamID: k.from, ToTeamID: k.to, Count: a.count,
			SuccessRate: a.rate(), AverageDurationMS: a.avgMS(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].FromTeamID != out[j].FromTeamID {
			return out[i].FromTeamID < out[j].FromTeamID
		}
		return out[i].ToTeamID < out[j].ToTeamID
	})
	return out
}

func (c *Collector) performance(r TimeRange) Performance {
	var queries, payments, ops agg
	for _, q := range c.queries {
		if r.contains(q.Timestamp) {
			queries.add(q.Duration, q.Success)
		}
	}
	for _, p := range c.payments {
		if r.contains(p.Timestamp) {
			payments.add(p.Duration, p.Success)
		}
	}
	for _, cpl := range c.completions {
		if r.contains(cpl.at) {
			ops.add(cpl.duration, cpl.success)
		}
	}
	return Performance{
		QueryCount:                queries.count,
		AverageQueryDurationMS:    queries.avgMS(),
		PaymentCount:              payments.count,
		AveragePaymentDurationMS:  payments.avgMS(),
		PaymentSuccessRate:        payments.rate(),
		AverageProcessingTimeMS:   ops.avgMS(),
		CompletedOperations:       ops.count,
		SuccessfulOperationsRatio: ops.rate(),
	}
}
