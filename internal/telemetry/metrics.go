package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName é o nome usado para tracers e meters do serviço
const InstrumentationName = "github.com/workme/wallet-escrow"

// Metrics agrupa os contadores de domínio do ledger
type Metrics struct {
	EscrowHolds        metric.Int64Counter
	EscrowReleases     metric.Int64Counter
	EscrowRefunds      metric.Int64Counter
	CallbacksApplied   metric.Int64Counter
	CallbacksDuplicate metric.Int64Counter
	InsufficientFunds  metric.Int64Counter
	ProviderRetries    metric.Int64Counter
	Compensations      metric.Int64Counter
}

// NewMetrics registra os contadores no meter informado
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.EscrowHolds, "wallet.escrow.holds", "Bookings funded by an escrow hold"},
		{&m.EscrowReleases, "wallet.escrow.releases", "Escrow holds released to professionals"},
		{&m.EscrowRefunds, "wallet.escrow.refunds", "Escrow holds refunded to clients"},
		{&m.CallbacksApplied, "wallet.provider.callbacks.applied", "Provider callbacks that changed state"},
		{&m.CallbacksDuplicate, "wallet.provider.callbacks.duplicate", "Provider callbacks absorbed as replays"},
		{&m.InsufficientFunds, "wallet.insufficient_funds", "Balance adjustments rejected for insufficient funds"},
		{&m.ProviderRetries, "wallet.provider.retries", "Retried provider calls"},
		{&m.Compensations, "wallet.withdrawal.compensations", "Withdrawals credited back after provider rejection"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

// DefaultMetrics usa o MeterProvider global
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(InstrumentationName))
	if err != nil {
		return NoopMetrics()
	}
	return m
}

// NoopMetrics retorna contadores que descartam tudo (testes)
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(InstrumentationName))
	return m
}

// Inc soma 1 ao contador com os atributos informados
func Inc(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
