// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the auth gateway. Tracing exports over OTLP/gRPC when an endpoint is
// configured; metrics are always collected and served on /metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by gateway spans.
const TracerName = "github.com/ehr/authgateway"

// TelemetryConfig holds the tracing configuration.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector's gRPC address. Empty disables export;
	// spans are still created but dropped.
	OTLPEndpoint string
	// SampleRate is the trace-id ratio sampled, 0.0 to 1.0.
	SampleRate float64
	Insecure   bool
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "auth-gateway"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// Provider owns the process tracer provider.
type Provider struct {
	cfg    TelemetryConfig
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider installs a global tracer provider and text-map propagator.
func NewProvider(ctx context.Context, cfg TelemetryConfig) (*Provider, error) {
	cfg.applyDefaults()

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Provider{cfg: cfg, tp: tp, tracer: tp.Tracer(TracerName)}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Prometheus collectors
// ---------------------------------------------------------------------------

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "HTTP request latency by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	authDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_decisions_total",
		Help: "Authentication and authorization outcomes by stage and result code.",
	}, []string{"stage", "result"})

	keyFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_jwks_fetch_duration_seconds",
		Help:    "Latency of signing-key resolution against the identity provider.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	keyClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_jwks_clients",
		Help: "Number of per-issuer key-set clients constructed.",
	})
)

// RecordAuthDecision counts one authentication or guard outcome. result is
// "ok" or an error code.
func RecordAuthDecision(stage, result string) {
	authDecisions.WithLabelValues(stage, result).Inc()
}

// ObserveKeyFetch records how long a signing-key lookup took.
func ObserveKeyFetch(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	keyFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// KeyClientCreated increments the per-issuer key client gauge.
func KeyClientCreated() {
	keyClients.Inc()
}

// ---------------------------------------------------------------------------
// Echo middleware
// ---------------------------------------------------------------------------

// TracingMiddleware starts a server span per request, continuing any
// incoming W3C trace context.
func TracingMiddleware() echo.MiddlewareFunc {
	tracer := otel.Tracer(TracerName)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request latency into Prometheus.
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			httpRequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the default registry in text exposition format.
func PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
