package syncer

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/probe-lab/beacon-sync/lookups"
)

type Config struct {
	// SlotImportTolerance is how far a peer may be ahead or behind our
	// head and still count as synced. Blocks further away than this are
	// not looked up unless we are synced.
	SlotImportTolerance uint64

	// MessageBufferSize is the capacity of the inbound message channel.
	MessageBufferSize int

	Lookups *lookups.Config

	// RangeSync and BackFillSync default to implementations that never
	// sync.
	RangeSync    RangeSync
	BackFillSync BackFillSync

	// ExecutionLayer is nil for chains without an execution layer.
	ExecutionLayer ExecutionLayer

	// DataAvailability is optional.
	DataAvailability lookups.DataAvailability

	Logger *slog.Logger
	Meter  metric.Meter
}

func DefaultConfig() *Config {
	return &Config{
		SlotImportTolerance: 32,
		MessageBufferSize:   1024,
		Lookups:             lookups.DefaultConfig(),
		Logger:              slog.Default(),
		Meter:               noop.NewMeterProvider().Meter("noop"),
	}
}

func (c *Config) Validate() error {
	if c.SlotImportTolerance == 0 {
		return fmt.Errorf("slot import tolerance must be positive")
	}

	if c.MessageBufferSize < 0 {
		return fmt.Errorf("message buffer size must not be negative")
	}

	if c.Lookups == nil {
		return fmt.Errorf("lookups config must not be nil")
	}

	if err := c.Lookups.Validate(); err != nil {
		return fmt.Errorf("lookups config: %w", err)
	}

	if c.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}

	if c.Meter == nil {
		return fmt.Errorf("meter must not be nil")
	}

	return nil
}
