package lookups

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Config struct {
	// SingleLookupMaxAttempts bounds the download and processing attempts
	// of a single block lookup.
	SingleLookupMaxAttempts int
	// ParentFailTolerance bounds the attempts to download one parent of a
	// parent chain.
	ParentFailTolerance int
	// ParentDepthTolerance bounds the number of blocks in a parent chain.
	ParentDepthTolerance int
	// FailedChainsExpiry is how long a failed chain is remembered.
	FailedChainsExpiry time.Duration
	// FailedChainsSize bounds the failed chains cache.
	FailedChainsSize int
	// MaxBlobsPerBlock is requested for blocks whose commitments are not
	// known yet.
	MaxBlobsPerBlock int

	Logger *slog.Logger
	Meter  metric.Meter
}

// DefaultConfig returns the limits of a mainnet node. The parent depth is
// twice the slot import tolerance of the sync manager.
func DefaultConfig() *Config {
	return &Config{
		SingleLookupMaxAttempts: 3,
		ParentFailTolerance:     5,
		ParentDepthTolerance:    64,
		FailedChainsExpiry:      60 * time.Second,
		FailedChainsSize:        1024,
		MaxBlobsPerBlock:        6,
		Logger:                  slog.Default(),
		Meter:                   noop.NewMeterProvider().Meter("noop"),
	}
}

func (c *Config) Validate() error {
	if c.SingleLookupMaxAttempts <= 0 {
		return fmt.Errorf("single lookup max attempts must be positive")
	}

	if c.ParentFailTolerance <= 0 {
		return fmt.Errorf("parent fail tolerance must be positive")
	}

	if c.ParentDepthTolerance < 2 {
		return fmt.Errorf("parent depth tolerance must be at least 2")
	}

	if c.FailedChainsExpiry <= 0 {
		return fmt.Errorf("failed chains expiry must be positive")
	}

	if c.FailedChainsSize <= 0 {
		return fmt.Errorf("failed chains size must be positive")
	}

	if c.MaxBlobsPerBlock < 0 {
		return fmt.Errorf("max blobs per block must not be negative")
	}

	if c.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}

	if c.Meter == nil {
		return fmt.Errorf("meter must not be nil")
	}

	return nil
}
