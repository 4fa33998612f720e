package tele

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexp "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	mnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tnoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	MeterName  = "github.com/probe-lab/beacon-sync"
	TracerName = "github.com/probe-lab/beacon-sync"

	serviceName = "beacon-sync"
)

// collectors holds prometheus collectors that packages of this module
// register via [RegisterCollector] from their init functions.
var collectors []prometheus.Collector

// RegisterCollector registers c with the default prometheus registerer and
// remembers it so that [PromMeterProvider] can carry it over to the fresh
// registry it installs.
func RegisterCollector(c prometheus.Collector) {
	collectors = append(collectors, c)
	prometheus.MustRegister(c)
}

func newResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
}

// PromMeterProvider installs a fresh prometheus registry as the default one
// and returns a meter provider that exports into it. The fresh registry
// keeps the metrics of imported prysm packages out of our endpoint.
func PromMeterProvider(ctx context.Context) (metric.MeterProvider, error) {
	registry := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	exporter, err := promexp.New(
		promexp.WithRegisterer(registry),
		promexp.WithNamespace("beacon_sync"),
	)
	if err != nil {
		return nil, fmt.Errorf("new prometheus exporter: %w", err)
	}

	res, err := newResource(ctx)
	if err != nil {
		return nil, fmt.Errorf("new metrics resource: %w", err)
	}

	return sdkmetrics.NewMeterProvider(
		sdkmetrics.WithReader(exporter),
		sdkmetrics.WithResource(res),
	), nil
}

func NoopMeterProvider() metric.MeterProvider {
	return mnoop.NewMeterProvider()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// ServeMetrics exposes /metrics and the pprof handlers on host:port. The
// server stops when ctx is cancelled or when the returned function is
// called. The function blocks until the server has stopped.
func ServeMetrics(ctx context.Context, host string, port int) func(context.Context) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		slog.Info("Starting metrics server", "addr", "http://"+addr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", LogAttrError(err))
		}
	}()

	shutdown := func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shut down metrics server: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		}
	}

	context.AfterFunc(ctx, func() {
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		slog.Info("Shutting down metrics server")
		if err := shutdown(timeoutCtx); err != nil {
			slog.Warn("Failed shutting down metrics server", LogAttrError(err))
		}
	})

	return shutdown
}

// OtelCollectorTraceProvider exports all spans in batches to the OTLP gRPC
// collector at host:port.
func OtelCollectorTraceProvider(ctx context.Context, host string, port int) (*sdktrace.TracerProvider, error) {
	res, err := newResource(ctx)
	if err != nil {
		return nil, fmt.Errorf("new trace resource: %w", err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("new grpc client for %s: %w", addr, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("new otlp trace exporter: %w", err)
	}

	slog.Info("Exporting traces", "addr", addr)

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	), nil
}

func NoopTracerProvider() trace.TracerProvider {
	return tnoop.NewTracerProvider()
}
