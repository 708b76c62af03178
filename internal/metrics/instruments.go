package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments mirrors collector events to the global OpenTelemetry meter.
// With no meter provider installed every call is a no-op.
type instruments struct {
	transitions  metric.Int64Counter
	payments     metric.Int64Counter
	paymentTime  metric.Float64Histogram
	revenue      metric.Int64Counter
	teamSwitches metric.Int64Counter
	queryTime    metric.Float64Histogram
	alerts       metric.Int64Counter
}

func newInstruments(c *Collector) *instruments {
	meter := otel.Meter("exitfee/metrics")
	inst := &instruments{}
	var err error

	if inst.transitions, err = meter.Int64Counter("exitfee.state_transitions",
		metric.WithDescription("State transitions of exit fee operations")); err != nil {
		otel.Handle(err)
	}
	if inst.payments, err = meter.Int64Counter("exitfee.payment.attempts",
		metric.WithDescription("Exit fee payment attempts")); err != nil {
		otel.Handle(err)
	}
	if inst.paymentTime, err = meter.Float64Histogram("exitfee.payment.duration",
		metric.WithUnit("s"), metric.WithDescription("Duration of the pay step")); err != nil {
		otel.Handle(err)
	}
	if inst.revenue, err = meter.Int64Counter("exitfee.revenue",
		metric.WithUnit("{sat}"), metric.WithDescription("Exit fees paid")); err != nil {
		otel.Handle(err)
	}
	if inst.teamSwitches, err = meter.Int64Counter("exitfee.team_switches",
		metric.WithDescription("Roster mutation attempts")); err != nil {
		otel.Handle(err)
	}
	if inst.queryTime, err = meter.Float64Histogram("exitfee.query.duration",
		metric.WithUnit("s"), metric.WithDescription("Operation store call duration")); err != nil {
		otel.Handle(err)
	}
	if inst.alerts, err = meter.Int64Counter("exitfee.alerts",
		metric.WithDescription("Alerts raised by the collector")); err != nil {
		otel.Handle(err)
	}

	_, err = meter.Int64ObservableGauge("exitfee.operations.active",
		metric.WithDescription("Operations started and not yet finished"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.Lock()
			n := len(c.active)
			c.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}))
	if err != nil {
		otel.Handle(err)
	}
	return inst
}

func (i *instruments) transition(ctx context.Context, r TransitionRecord) {
	if i.transitions == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(r.From)),
		attribute.String("to", string(r.To)),
		attribute.Bool("success", r.Success),
	))
}

func (i *instruments) payment(ctx context.Context, r PaymentRecord) {
	attrs := metric.WithAttributes(
		attribute.Bool("success", r.Success),
		attribute.String("category", string(r.Category)),
	)
	if i.payments != nil {
		i.payments.Add(ctx, 1, attrs)
	}
	if i.paymentTime != nil {
		i.paymentTime.Record(ctx, r.Duration.Seconds(), attrs)
	}
	if r.Success && i.revenue != nil {
		i.revenue.Add(ctx, r.Amount)
	}
}

func (i *instruments) teamSwitch(ctx context.Context, r TeamSwitchRecord) {
	if i.teamSwitches == nil {
		return
	}
	i.teamSwitches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", r.Success)))
}

func (i *instruments) query(ctx context.Context, r QueryRecord) {
	if i.queryTime == nil {
		return
	}
	i.queryTime.Record(ctx, r.Duration.Seconds(), metric.WithAttributes(
		attribute.String("query", r.Query),
		attribute.Bool("success", r.Success),
	))
}

func (i *instruments) alert(ctx context.Context, a Alert) {
	if i.alerts == nil {
		return
	}
	i.alerts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(a.Kind))))
}
