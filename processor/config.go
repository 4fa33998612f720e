package processor

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Config struct {
	// QueueSize bounds the number of pending work events. Submissions
	// beyond it are dropped.
	QueueSize int

	Logger *slog.Logger
	Meter  metric.Meter
}

func DefaultConfig() *Config {
	return &Config{
		QueueSize: 1024,
		Logger:    slog.Default(),
		Meter:     noop.NewMeterProvider().Meter("noop"),
	}
}

func (c *Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}

	if c.Meter == nil {
		return fmt.Errorf("meter must not be nil")
	}

	return nil
}
