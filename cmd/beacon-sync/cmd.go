package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iand/pontium/hlog"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"

	"github.com/probe-lab/beacon-sync/tele"
)

const (
	flagCategoryLogging   = "Logging Configuration:"
	flagCategoryTelemetry = "Telemetry Configuration:"
)

var globalConfig = struct {
	Verbose        bool
	LogLevel       string
	LogFormat      string
	LogSource      bool
	LogNoColor     bool
	MetricsEnabled bool
	MetricsAddr    string
	MetricsPort    int
	TracingEnabled bool
	TracingAddr    string
	TracingPort    int

	// shutdownFuncs stop the telemetry exporters in reverse order of
	// their creation. Each blocks until it is done.
	shutdownFuncs []func(ctx context.Context) error
}{
	LogLevel:    "info",
	LogFormat:   "tint",
	MetricsAddr: "localhost",
	MetricsPort: 6060,
	TracingAddr: "localhost",
	TracingPort: 4317,
}

var app = &cli.App{
	Name:     "beacon-sync",
	Usage:    "a beacon chain block sync node",
	Flags:    append(loggingFlags, telemetryFlags...),
	Before:   rootBefore,
	Commands: []*cli.Command{cmdRun, cmdLimits},
	After:    rootAfter,
}

var loggingFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:        "verbose",
		Aliases:     []string{"v"},
		EnvVars:     []string{"BEACON_SYNC_VERBOSE"},
		Usage:       "Shorthand for --log.level=debug",
		Value:       globalConfig.Verbose,
		Destination: &globalConfig.Verbose,
		Category:    flagCategoryLogging,
	},
	&cli.StringFlag{
		Name:        "log.level",
		EnvVars:     []string{"BEACON_SYNC_LOG_LEVEL"},
		Usage:       "Minimum level of emitted log records: debug, info, warn, error. Overrides --verbose.",
		Value:       globalConfig.LogLevel,
		Destination: &globalConfig.LogLevel,
		Category:    flagCategoryLogging,
	},
	&cli.StringFlag{
		Name:        "log.format",
		EnvVars:     []string{"BEACON_SYNC_LOG_FORMAT"},
		Usage:       "Output format of log records: tint, hlog, text, json",
		Value:       globalConfig.LogFormat,
		Destination: &globalConfig.LogFormat,
		Category:    flagCategoryLogging,
	},
	&cli.BoolFlag{
		Name:        "log.source",
		EnvVars:     []string{"BEACON_SYNC_LOG_SOURCE"},
		Usage:       "Add the source position of log statements. Only the text and json formats support it.",
		Value:       globalConfig.LogSource,
		Destination: &globalConfig.LogSource,
		Category:    flagCategoryLogging,
	},
	&cli.BoolFlag{
		Name:        "log.nocolor",
		EnvVars:     []string{"BEACON_SYNC_LOG_NO_COLOR"},
		Usage:       "Disable colored output of the tint and hlog formats",
		Value:       globalConfig.LogNoColor,
		Destination: &globalConfig.LogNoColor,
		Category:    flagCategoryLogging,
	},
}

var telemetryFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:        "metrics",
		EnvVars:     []string{"BEACON_SYNC_METRICS_ENABLED"},
		Usage:       "Serve prometheus metrics and pprof endpoints",
		Value:       globalConfig.MetricsEnabled,
		Destination: &globalConfig.MetricsEnabled,
		Category:    flagCategoryTelemetry,
	},
	&cli.StringFlag{
		Name:        "metrics.addr",
		EnvVars:     []string{"BEACON_SYNC_METRICS_ADDR"},
		Usage:       "Network interface of the metrics endpoint",
		Value:       globalConfig.MetricsAddr,
		Destination: &globalConfig.MetricsAddr,
		Category:    flagCategoryTelemetry,
	},
	&cli.IntFlag{
		Name:        "metrics.port",
		EnvVars:     []string{"BEACON_SYNC_METRICS_PORT"},
		Usage:       "Port of the metrics endpoint",
		Value:       globalConfig.MetricsPort,
		Destination: &globalConfig.MetricsPort,
		Category:    flagCategoryTelemetry,
	},
	&cli.BoolFlag{
		Name:        "tracing",
		EnvVars:     []string{"BEACON_SYNC_TRACING_ENABLED"},
		Usage:       "Export req/resp spans to an OTLP collector",
		Value:       globalConfig.TracingEnabled,
		Destination: &globalConfig.TracingEnabled,
		Category:    flagCategoryTelemetry,
	},
	&cli.StringFlag{
		Name:        "tracing.addr",
		EnvVars:     []string{"BEACON_SYNC_TRACING_ADDR"},
		Usage:       "Host of the OTLP gRPC collector",
		Value:       globalConfig.TracingAddr,
		Destination: &globalConfig.TracingAddr,
		Category:    flagCategoryTelemetry,
	},
	&cli.IntFlag{
		Name:        "tracing.port",
		EnvVars:     []string{"BEACON_SYNC_TRACING_PORT"},
		Usage:       "Port of the OTLP gRPC collector",
		Value:       globalConfig.TracingPort,
		Destination: &globalConfig.TracingPort,
		Category:    flagCategoryTelemetry,
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	context.AfterFunc(ctx, func() {
		slog.Info("Received termination signal, stopping...")
	})

	if err := app.RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Terminated abnormally", tele.LogAttrError(err))
		os.Exit(1)
	}
}

func rootBefore(c *cli.Context) error {
	// nothing to set up for the help output
	if c.NArg() == 0 {
		return nil
	}

	if err := configureLogger(c); err != nil {
		return err
	}

	if err := configureMetrics(c); err != nil {
		return err
	}

	return configureTracing(c)
}

func rootAfter(c *cli.Context) error {
	fns := globalConfig.shutdownFuncs
	for i := len(fns) - 1; i >= 0; i-- {
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := fns[i](timeoutCtx); err != nil {
			slog.Warn("Failed stopping telemetry exporter", tele.LogAttrError(err))
		}
		cancel()
	}

	return nil
}

// configureLogger replaces the default logger. The "--log.level" flag takes
// precedence over "--verbose".
func configureLogger(c *cli.Context) error {
	logLevel := slog.LevelInfo
	if c.IsSet("log.level") {
		lvl, err := parseLogLevel(globalConfig.LogLevel)
		if err != nil {
			return err
		}
		logLevel = lvl
	} else if globalConfig.Verbose {
		logLevel = slog.LevelDebug
	}

	handler, err := newLogHandler(os.Stderr, globalConfig.LogFormat, logLevel)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(handler))

	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", s)
	}
}

// newLogHandler builds the handler for the given format: tint, hlog, text or
// json.
func newLogHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	switch format {
	case "tint":
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.999",
			NoColor:    globalConfig.LogNoColor,
		}), nil
	case "hlog":
		// hlog always writes to stderr
		h := (&hlog.Handler{}).WithLevel(level)
		if globalConfig.LogNoColor {
			h = h.WithoutColor()
		}
		return h, nil
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			AddSource: globalConfig.LogSource,
			Level:     level,
		}), nil
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: globalConfig.LogSource,
			Level:     level,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// configureMetrics installs the global meter provider. Without --metrics
// it is a no-op provider and no endpoint is served.
func configureMetrics(c *cli.Context) error {
	if !globalConfig.MetricsEnabled {
		otel.SetMeterProvider(tele.NoopMeterProvider())
		return nil
	}

	provider, err := tele.PromMeterProvider(c.Context)
	if err != nil {
		return fmt.Errorf("new prometheus meter provider: %w", err)
	}
	otel.SetMeterProvider(provider)

	shutdown := tele.ServeMetrics(c.Context, globalConfig.MetricsAddr, globalConfig.MetricsPort)
	globalConfig.shutdownFuncs = append(globalConfig.shutdownFuncs, shutdown)

	return nil
}

// configureTracing installs the global tracer provider. Without --tracing
// it is a no-op provider.
func configureTracing(c *cli.Context) error {
	if !globalConfig.TracingEnabled {
		otel.SetTracerProvider(tele.NoopTracerProvider())
		return nil
	}

	provider, err := tele.OtelCollectorTraceProvider(c.Context, globalConfig.TracingAddr, globalConfig.TracingPort)
	if err != nil {
		return fmt.Errorf("new otel collector tracer provider: %w", err)
	}
	otel.SetTracerProvider(provider)

	globalConfig.shutdownFuncs = append(globalConfig.shutdownFuncs, provider.Shutdown)

	return nil
}
