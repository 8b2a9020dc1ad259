package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitMeterProvider initializes the Prometheus exporter and MeterProvider.
// It returns an http.Handler for the /metrics endpoint and a shutdown function.
func InitMeterProvider(serviceName, serviceVersion string) (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return promhttp.Handler(), mp.Shutdown, nil
}

// CheckoutMetrics are the lifecycle counters: checkout outcomes, callback
// outcomes, expired reservations and stock commit conflicts. Before a meter
// provider is installed the global no-op provider makes all of these inert,
// which is what tests rely on.
type CheckoutMetrics struct {
	Checkouts           metric.Int64Counter
	Callbacks           metric.Int64Counter
	ExpiredReservations metric.Int64Counter
	StockConflicts      metric.Int64Counter
}

func NewCheckoutMetrics() (*CheckoutMetrics, error) {
	meter := otel.Meter("checkout")

	checkouts, err := meter.Int64Counter("checkout.initiations",
		metric.WithDescription("Checkout initiations by result"))
	if err != nil {
		return nil, err
	}
	callbacks, err := meter.Int64Counter("checkout.gateway_callbacks",
		metric.WithDescription("Gateway callbacks by result"))
	if err != nil {
		return nil, err
	}
	expired, err := meter.Int64Counter("checkout.expired_reservations",
		metric.WithDescription("Reservations reclaimed by the sweeper"))
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("checkout.stock_conflicts",
		metric.WithDescription("Reserved stock commits that found no reservation"))
	if err != nil {
		return nil, err
	}

	return &CheckoutMetrics{
		Checkouts:           checkouts,
		Callbacks:           callbacks,
		ExpiredReservations: expired,
		StockConflicts:      conflicts,
	}, nil
}

// WithResult tags a counter increment with its outcome.
func WithResult(result string) metric.AddOption {
	return metric.WithAttributes(attribute.String("result", result))
}
