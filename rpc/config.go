package rpc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Quota allows MaxTokens tokens to be spent within ReplenishAllEvery. The
// bucket refills continuously, so a drained bucket is full again after
// ReplenishAllEvery.
type Quota struct {
	MaxTokens         uint64        `yaml:"max_tokens"`
	ReplenishAllEvery time.Duration `yaml:"replenish_all_every"`
}

func (q Quota) String() string {
	return fmt.Sprintf("%d/%s", q.MaxTokens, q.ReplenishAllEvery)
}

func (q Quota) validate() error {
	if q.MaxTokens == 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if q.ReplenishAllEvery <= 0 {
		return fmt.Errorf("replenish period must be positive")
	}
	return nil
}

// RateLimiterConfig holds one quota per protocol.
type RateLimiterConfig struct {
	Ping          Quota `yaml:"ping"`
	MetaData      Quota `yaml:"metadata"`
	Status        Quota `yaml:"status"`
	Goodbye       Quota `yaml:"goodbye"`
	BlocksByRange Quota `yaml:"blocks_by_range"`
	BlocksByRoot  Quota `yaml:"blocks_by_root"`
	BlobsByRange  Quota `yaml:"blobs_by_range"`
	BlobsByRoot   Quota `yaml:"blobs_by_root"`
}

// DefaultRateLimiterConfig returns quotas that a well-behaved peer never
// exceeds.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Ping:          Quota{MaxTokens: 2, ReplenishAllEvery: 10 * time.Second},
		MetaData:      Quota{MaxTokens: 2, ReplenishAllEvery: 5 * time.Second},
		Status:        Quota{MaxTokens: 5, ReplenishAllEvery: 15 * time.Second},
		Goodbye:       Quota{MaxTokens: 1, ReplenishAllEvery: 10 * time.Second},
		BlocksByRange: Quota{MaxTokens: 1024, ReplenishAllEvery: 10 * time.Second},
		BlocksByRoot:  Quota{MaxTokens: 128, ReplenishAllEvery: 10 * time.Second},
		BlobsByRange:  Quota{MaxTokens: 768, ReplenishAllEvery: 10 * time.Second},
		BlobsByRoot:   Quota{MaxTokens: 128, ReplenishAllEvery: 10 * time.Second},
	}
}

// Quota returns the quota configured for p.
func (c RateLimiterConfig) Quota(p Protocol) Quota {
	switch p {
	case ProtocolPing:
		return c.Ping
	case ProtocolMetaData:
		return c.MetaData
	case ProtocolStatus:
		return c.Status
	case ProtocolGoodbye:
		return c.Goodbye
	case ProtocolBlocksByRange:
		return c.BlocksByRange
	case ProtocolBlocksByRoot:
		return c.BlocksByRoot
	case ProtocolBlobsByRange:
		return c.BlobsByRange
	case ProtocolBlobsByRoot:
		return c.BlobsByRoot
	default:
		return Quota{}
	}
}

// Validate checks that every protocol has a usable quota.
func (c RateLimiterConfig) Validate() error {
	for _, p := range Protocols {
		if err := c.Quota(p).validate(); err != nil {
			return fmt.Errorf("quota for %s: %w", p, err)
		}
	}
	return nil
}

// Config configures the [Behaviour].
type Config struct {
	// Inbound limits the responses we send to each peer.
	Inbound RateLimiterConfig `yaml:"inbound"`
	// Outbound limits the requests we send to each peer. A nil value
	// disables self limiting.
	Outbound *RateLimiterConfig `yaml:"outbound,omitempty"`

	// MaxRequestBlocks bounds the count of an inbound blocks by range request.
	MaxRequestBlocks uint64 `yaml:"max_request_blocks"`
	// MaxRequestBlobSidecars bounds the blobs an inbound blobs by range
	// request may yield.
	MaxRequestBlobSidecars uint64 `yaml:"max_request_blob_sidecars"`
}

// DefaultConfig returns the Deneb limits with self limiting enabled.
func DefaultConfig() *Config {
	outbound := DefaultRateLimiterConfig()
	return &Config{
		Inbound:                DefaultRateLimiterConfig(),
		Outbound:               &outbound,
		MaxRequestBlocks:       1024,
		MaxRequestBlobSidecars: 768,
	}
}

func (c *Config) Validate() error {
	if err := c.Inbound.Validate(); err != nil {
		return fmt.Errorf("inbound: %w", err)
	}

	if c.Outbound != nil {
		if err := c.Outbound.Validate(); err != nil {
			return fmt.Errorf("outbound: %w", err)
		}
	}

	if c.MaxRequestBlocks == 0 {
		return fmt.Errorf("max request blocks must be positive")
	}

	if c.MaxRequestBlobSidecars == 0 {
		return fmt.Errorf("max request blob sidecars must be positive")
	}

	return nil
}

// LoadQuotaFile overlays the quotas found in the YAML file at path on top of
// cfg. Protocols missing from the file keep their current quota.
func LoadQuotaFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read quota file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse quota file %s: %w", path, err)
	}

	return cfg.Validate()
}

// MarshalQuotas renders the quotas of cfg as YAML.
func MarshalQuotas(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
