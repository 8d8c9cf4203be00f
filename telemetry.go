package tccstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/internal/version"
)

const otlpExportTimeout = 10 * time.Second

// telemetry owns the exporters one Store starts. Its providers are handed
// to the repository, the cache, the sweeper and the storage wrappers; the
// process-wide otel providers are left untouched.
type telemetry struct {
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	endpoint *metricsEndpoint
	logger   pslog.Logger
	closers  []func(context.Context) error
}

// meterProvider returns nil when no metrics endpoint is configured.
func (t *telemetry) meterProvider() metric.MeterProvider {
	if t == nil || t.meter == nil {
		return nil
	}
	return t.meter
}

// tracerProvider returns nil when no OTLP endpoint is configured.
func (t *telemetry) tracerProvider() trace.TracerProvider {
	if t == nil || t.tracer == nil {
		return nil
	}
	return t.tracer
}

func (t *telemetry) metricsAddr() string {
	if t == nil || t.endpoint == nil {
		return ""
	}
	return t.endpoint.ln.Addr().String()
}

// shutdown stops exporters in reverse start order.
func (t *telemetry) shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry.shutdown.error", "error", err)
		return err
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

// startTelemetry starts the OTLP span exporter and the Prometheus metrics
// endpoint named by cfg. It returns nil when neither is configured.
func startTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	listen := strings.TrimSpace(cfg.MetricsListen)
	if endpoint == "" && listen == "" {
		if cfg.RuntimeMetrics {
			return nil, fmt.Errorf("telemetry: runtime metrics require metrics-listen")
		}
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With("component", "telemetry")
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("tccstore"),
			semconv.ServiceVersion(version.Current()),
			attribute.String("service.instance.id", xid.New().String()),
			attribute.String("tccstore.key_prefix", cfg.KeyPrefix),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	t := &telemetry{logger: logger}
	fail := func(err error) (*telemetry, error) {
		_ = t.shutdown(context.Background())
		return nil, err
	}

	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return fail(err)
		}
		exporter, err := newSpanExporter(ctx, target)
		if err != nil {
			return fail(err)
		}
		t.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
		t.closers = append(t.closers, func(ctx context.Context) error {
			if err := t.tracer.Shutdown(ctx); err != nil {
				return fmt.Errorf("telemetry: trace shutdown: %w", err)
			}
			return nil
		})
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "path", target.path, "insecure", target.insecure)
	}

	if listen != "" {
		ep, err := startMetricsEndpoint(listen, res, cfg.RuntimeMetrics, logger)
		if err != nil {
			return fail(err)
		}
		t.endpoint, t.meter = ep, ep.provider
		t.closers = append(t.closers, ep.close)
		logger.Info("telemetry.metrics.enabled", "listen", ep.ln.Addr().String(), "runtime", cfg.RuntimeMetrics)
	} else if cfg.RuntimeMetrics {
		return fail(fmt.Errorf("telemetry: runtime metrics require metrics-listen"))
	}

	// Exporter failures are reported by otel through its global handler.
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		if strings.Contains(err.Error(), "waiting for connections to become ready") {
			logger.Debug("telemetry.exporter.retry", "error", err)
			return
		}
		logger.Warn("telemetry.exporter.error", "error", err)
	}))
	return t, nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

var otlpSchemes = map[string]otlpTarget{
	"grpc":  {protocol: "grpc", insecure: true},
	"grpcs": {protocol: "grpc"},
	"http":  {protocol: "http", insecure: true},
	"https": {protocol: "http"},
}

func otlpDefaultPort(protocol string) string {
	if protocol == "http" {
		return "4318"
	}
	return "4317"
}

// resolveOTLPTarget parses --otlp-endpoint. A bare host[:port] means
// plaintext gRPC.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	target, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target.endpoint = u.Host
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), otlpDefaultPort(target.protocol))
	}
	target.path = strings.TrimSuffix(u.Path, "/")
	return target, nil
}

func newSpanExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		if target.insecure {
			creds = insecure.NewCredentials()
		}
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(otlpExportTimeout),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: span exporter (grpc): %w", err)
		}
		return exp, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(otlpExportTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: span exporter (http): %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
}

// metricsEndpoint serves one Store's meter provider at /metrics.
type metricsEndpoint struct {
	provider *sdkmetric.MeterProvider
	server   *http.Server
	ln       net.Listener
}

func startMetricsEndpoint(addr string, res *resource.Resource, runtimeMetrics bool, logger pslog.Logger) (*metricsEndpoint, error) {
	registry := prometheus.NewRegistry()
	opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	if runtimeMetrics {
		if err := otelruntime.Start(otelruntime.WithMeterProvider(provider)); err != nil {
			_ = provider.Shutdown(context.Background())
			return nil, fmt.Errorf("telemetry: runtime metrics: %w", err)
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		"tccstore.metrics",
		otelhttp.WithMeterProvider(provider),
	))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	return &metricsEndpoint{provider: provider, server: srv, ln: ln}, nil
}

func (e *metricsEndpoint) close(ctx context.Context) error {
	var errs []error
	if err := e.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("telemetry: metrics server: %w", err))
	}
	if err := e.provider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: metric shutdown: %w", err))
	}
	return errors.Join(errs...)
}
