package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/OffchainLabs/prysm/v6/config/params"
	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/eth"
	"github.com/probe-lab/beacon-sync/processor"
	"github.com/probe-lab/beacon-sync/rpc"
	"github.com/probe-lab/beacon-sync/syncer"
	"github.com/probe-lab/beacon-sync/tele"
)

const (
	flagCategoryNetwork = "Network Configuration:"
	flagCategorySync    = "Sync Configuration:"
	flagCategoryRPC     = "Req/Resp Configuration:"
)

var runConfig = &struct {
	PrivateKeyStr       string
	Network             string
	Libp2pHost          string
	Libp2pPort          int
	StaticPeers         *cli.StringSlice
	MaxPeers            int
	AnchorRoot          string
	AnchorSlot          uint64
	DialTimeout         time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ResponseTimeout     time.Duration
	SubscriptionLimit   int
	ChainCacheSize      int
	SlotImportTolerance uint64
	SingleMaxAttempts   int
	ParentFailTolerance int
	ParentDepth         int
	FailedChainsExpiry  time.Duration
	ProcessorQueueSize  int
	QuotaFile           string
	SelfLimit           bool
}{
	PrivateKeyStr:       "", // unset means it'll be generated
	Network:             params.MainnetName,
	Libp2pHost:          "0.0.0.0",
	Libp2pPort:          9000,
	StaticPeers:         cli.NewStringSlice(),
	MaxPeers:            50,
	AnchorRoot:          "",
	AnchorSlot:          0,
	DialTimeout:         5 * time.Second,
	ReadTimeout:         5 * time.Second,
	WriteTimeout:        5 * time.Second,
	ResponseTimeout:     10 * time.Second,
	SubscriptionLimit:   200,
	ChainCacheSize:      8192,
	SlotImportTolerance: syncer.DefaultConfig().SlotImportTolerance,
	SingleMaxAttempts:   3,
	ParentFailTolerance: 5,
	ParentDepth:         64,
	FailedChainsExpiry:  60 * time.Second,
	ProcessorQueueSize:  1024,
	QuotaFile:           "",
	SelfLimit:           true,
}

var cmdRun = &cli.Command{
	Name:   "run",
	Usage:  "Join a beacon network and follow its head",
	Flags:  cmdRunFlags,
	Action: cmdRunAction,
}

var cmdRunFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "key",
		Aliases:     []string{"k"},
		EnvVars:     []string{"BEACON_SYNC_KEY"},
		Usage:       "The secp256k1 private key of the libp2p host in hex format.",
		Value:       runConfig.PrivateKeyStr,
		Destination: &runConfig.PrivateKeyStr,
		Action:      validateKeyFlag,
		Category:    flagCategoryNetwork,
	},
	&cli.StringFlag{
		Name:        "network",
		EnvVars:     []string{"BEACON_SYNC_NETWORK"},
		Usage:       "The beacon network to join: mainnet, sepolia, holesky.",
		Value:       runConfig.Network,
		Destination: &runConfig.Network,
		Category:    flagCategoryNetwork,
	},
	&cli.StringFlag{
		Name:        "libp2p.host",
		EnvVars:     []string{"BEACON_SYNC_LIBP2P_HOST"},
		Usage:       "Which network interface should libp2p bind to.",
		Value:       runConfig.Libp2pHost,
		Destination: &runConfig.Libp2pHost,
		Category:    flagCategoryNetwork,
	},
	&cli.IntFlag{
		Name:        "libp2p.port",
		EnvVars:     []string{"BEACON_SYNC_LIBP2P_PORT"},
		Usage:       "On which port should libp2p listen",
		Value:       runConfig.Libp2pPort,
		Destination: &runConfig.Libp2pPort,
		Category:    flagCategoryNetwork,
	},
	&cli.StringSliceFlag{
		Name:        "peers",
		EnvVars:     []string{"BEACON_SYNC_PEERS"},
		Usage:       "Multiaddresses including the /p2p component of peers to dial on start-up.",
		Destination: runConfig.StaticPeers,
		Category:    flagCategoryNetwork,
	},
	&cli.IntFlag{
		Name:        "max-peers",
		EnvVars:     []string{"BEACON_SYNC_MAX_PEERS"},
		Usage:       "The maximum number of peers we want to be connected with",
		Value:       runConfig.MaxPeers,
		Destination: &runConfig.MaxPeers,
		Category:    flagCategoryNetwork,
	},
	&cli.DurationFlag{
		Name:        "dial.timeout",
		EnvVars:     []string{"BEACON_SYNC_DIAL_TIMEOUT"},
		Usage:       "How long to wait for a static peer connection",
		Value:       runConfig.DialTimeout,
		Destination: &runConfig.DialTimeout,
		Category:    flagCategoryNetwork,
	},
	&cli.IntFlag{
		Name:        "pubsub.subscription-limit",
		EnvVars:     []string{"BEACON_SYNC_PUBSUB_SUBSCRIPTION_LIMIT"},
		Usage:       "The maximum number of topic subscriptions a peer may announce in one message",
		Value:       runConfig.SubscriptionLimit,
		Destination: &runConfig.SubscriptionLimit,
		Category:    flagCategoryNetwork,
	},
	&cli.StringFlag{
		Name:        "anchor.root",
		EnvVars:     []string{"BEACON_SYNC_ANCHOR_ROOT"},
		Usage:       "Hex encoded root of the block the local chain starts from. Lookups end there.",
		Value:       runConfig.AnchorRoot,
		Destination: &runConfig.AnchorRoot,
		Action: func(c *cli.Context, s string) error {
			_, err := parseAnchorRoot(s)
			return err
		},
		Category: flagCategorySync,
	},
	&cli.Uint64Flag{
		Name:        "anchor.slot",
		EnvVars:     []string{"BEACON_SYNC_ANCHOR_SLOT"},
		Usage:       "Slot of the anchor block",
		Value:       runConfig.AnchorSlot,
		Destination: &runConfig.AnchorSlot,
		Category:    flagCategorySync,
	},
	&cli.IntFlag{
		Name:        "chain.cache",
		EnvVars:     []string{"BEACON_SYNC_CHAIN_CACHE"},
		Usage:       "Number of recent blocks kept in memory and served to peers",
		Value:       runConfig.ChainCacheSize,
		Destination: &runConfig.ChainCacheSize,
		Category:    flagCategorySync,
	},
	&cli.Uint64Flag{
		Name:        "sync.slot-tolerance",
		EnvVars:     []string{"BEACON_SYNC_SLOT_TOLERANCE"},
		Usage:       "How many slots a peer may be away from our head and still count as synced",
		Value:       runConfig.SlotImportTolerance,
		Destination: &runConfig.SlotImportTolerance,
		Category:    flagCategorySync,
	},
	&cli.IntFlag{
		Name:        "lookups.single-attempts",
		EnvVars:     []string{"BEACON_SYNC_LOOKUPS_SINGLE_ATTEMPTS"},
		Usage:       "Attempts of a single block lookup before it is dropped",
		Value:       runConfig.SingleMaxAttempts,
		Destination: &runConfig.SingleMaxAttempts,
		Category:    flagCategorySync,
	},
	&cli.IntFlag{
		Name:        "lookups.parent-attempts",
		EnvVars:     []string{"BEACON_SYNC_LOOKUPS_PARENT_ATTEMPTS"},
		Usage:       "Attempts to download one parent of a parent chain",
		Value:       runConfig.ParentFailTolerance,
		Destination: &runConfig.ParentFailTolerance,
		Category:    flagCategorySync,
	},
	&cli.IntFlag{
		Name:        "lookups.parent-depth",
		EnvVars:     []string{"BEACON_SYNC_LOOKUPS_PARENT_DEPTH"},
		Usage:       "Maximum number of blocks of a parent chain",
		Value:       runConfig.ParentDepth,
		Destination: &runConfig.ParentDepth,
		Category:    flagCategorySync,
	},
	&cli.DurationFlag{
		Name:        "lookups.failed-expiry",
		EnvVars:     []string{"BEACON_SYNC_LOOKUPS_FAILED_EXPIRY"},
		Usage:       "How long a failed chain is remembered and ignored",
		Value:       runConfig.FailedChainsExpiry,
		Destination: &runConfig.FailedChainsExpiry,
		Category:    flagCategorySync,
	},
	&cli.IntFlag{
		Name:        "processor.queue",
		EnvVars:     []string{"BEACON_SYNC_PROCESSOR_QUEUE"},
		Usage:       "Pending work events of the beacon processor",
		Value:       runConfig.ProcessorQueueSize,
		Destination: &runConfig.ProcessorQueueSize,
		Category:    flagCategorySync,
	},
	&cli.DurationFlag{
		Name:        "rpc.read-timeout",
		EnvVars:     []string{"BEACON_SYNC_RPC_READ_TIMEOUT"},
		Usage:       "Read deadline of a req/resp stream",
		Value:       runConfig.ReadTimeout,
		Destination: &runConfig.ReadTimeout,
		Category:    flagCategoryRPC,
	},
	&cli.DurationFlag{
		Name:        "rpc.write-timeout",
		EnvVars:     []string{"BEACON_SYNC_RPC_WRITE_TIMEOUT"},
		Usage:       "Write deadline of a req/resp stream",
		Value:       runConfig.WriteTimeout,
		Destination: &runConfig.WriteTimeout,
		Category:    flagCategoryRPC,
	},
	&cli.DurationFlag{
		Name:        "rpc.response-timeout",
		EnvVars:     []string{"BEACON_SYNC_RPC_RESPONSE_TIMEOUT"},
		Usage:       "How long an inbound request may wait for all of its response chunks",
		Value:       runConfig.ResponseTimeout,
		Destination: &runConfig.ResponseTimeout,
		Category:    flagCategoryRPC,
	},
	&cli.StringFlag{
		Name:        "rpc.quotas",
		EnvVars:     []string{"BEACON_SYNC_RPC_QUOTAS"},
		Usage:       "YAML file overriding the default rate limits. See the limits command.",
		Value:       runConfig.QuotaFile,
		Destination: &runConfig.QuotaFile,
		TakesFile:   true,
		Category:    flagCategoryRPC,
	},
	&cli.BoolFlag{
		Name:        "rpc.self-limit",
		EnvVars:     []string{"BEACON_SYNC_RPC_SELF_LIMIT"},
		Usage:       "Whether outbound requests are held back to stay within the quotas of our peers",
		Value:       runConfig.SelfLimit,
		Destination: &runConfig.SelfLimit,
		Category:    flagCategoryRPC,
	},
}

func cmdRunAction(c *cli.Context) error {
	slog.Info("Starting beacon-sync...")
	defer slog.Info("Stopped beacon-sync.")

	// Print configuration for debugging purposes
	printRunConfig()

	cfg, err := nodeConfig(
		otel.GetTracerProvider().Tracer(tele.TracerName),
		otel.GetMeterProvider().Meter(tele.MeterName),
	)
	if err != nil {
		return err
	}

	// prysm helpers read the network parameters from the global config
	params.OverrideBeaconConfig(cfg.BeaconConfig)

	n, err := eth.NewNode(cfg)
	if err != nil {
		return fmt.Errorf("new node: %w", err)
	}

	return n.Start(c.Context)
}

// nodeConfig translates the command line configuration into a
// [eth.NodeConfig].
func nodeConfig(tracer trace.Tracer, meter metric.Meter) (*eth.NodeConfig, error) {
	genConfig, beaConfig, err := eth.GetConfigsByNetworkName(runConfig.Network)
	if err != nil {
		return nil, fmt.Errorf("get config for %s: %w", runConfig.Network, err)
	}

	digest, err := eth.DenebForkDigest(genConfig, beaConfig)
	if err != nil {
		return nil, err
	}

	anchorRoot, err := parseAnchorRoot(runConfig.AnchorRoot)
	if err != nil {
		return nil, err
	}

	rpcCfg, err := rpcConfig(runConfig.QuotaFile, runConfig.SelfLimit)
	if err != nil {
		return nil, err
	}

	syncCfg := syncer.DefaultConfig()
	syncCfg.SlotImportTolerance = runConfig.SlotImportTolerance
	syncCfg.Lookups.SingleLookupMaxAttempts = runConfig.SingleMaxAttempts
	syncCfg.Lookups.ParentFailTolerance = runConfig.ParentFailTolerance
	syncCfg.Lookups.ParentDepthTolerance = runConfig.ParentDepth
	syncCfg.Lookups.FailedChainsExpiry = runConfig.FailedChainsExpiry
	syncCfg.Lookups.MaxBlobsPerBlock = rpc.MaxBlobsPerBlock

	procCfg := processor.DefaultConfig()
	procCfg.QueueSize = runConfig.ProcessorQueueSize

	return &eth.NodeConfig{
		GenesisConfig:                  genConfig,
		BeaconConfig:                   beaConfig,
		ForkDigest:                     digest,
		PrivateKeyStr:                  runConfig.PrivateKeyStr,
		Libp2pHost:                     runConfig.Libp2pHost,
		Libp2pPort:                     runConfig.Libp2pPort,
		StaticPeers:                    runConfig.StaticPeers.Value(),
		MaxPeers:                       runConfig.MaxPeers,
		DialTimeout:                    runConfig.DialTimeout,
		ReadTimeout:                    runConfig.ReadTimeout,
		WriteTimeout:                   runConfig.WriteTimeout,
		ResponseTimeout:                runConfig.ResponseTimeout,
		PubSubSubscriptionRequestLimit: runConfig.SubscriptionLimit,
		ChainCacheSize:                 runConfig.ChainCacheSize,
		AnchorRoot:                     anchorRoot,
		AnchorSlot:                     primitives.Slot(runConfig.AnchorSlot),
		RPC:                            rpcCfg,
		Sync:                           syncCfg,
		Processor:                      procCfg,
		Scorer:                         eth.DefaultScorerConfig(),
		Logger:                         slog.Default(),
		Tracer:                         tracer,
		Meter:                          meter,
	}, nil
}

// rpcConfig returns the default limits, overlaid with the quota file if one
// is given.
func rpcConfig(quotaFile string, selfLimit bool) (*rpc.Config, error) {
	cfg := rpc.DefaultConfig()
	if quotaFile != "" {
		if err := rpc.LoadQuotaFile(quotaFile, cfg); err != nil {
			return nil, err
		}
	}

	if !selfLimit {
		cfg.Outbound = nil
	}

	return cfg, nil
}

// parseAnchorRoot decodes a 32 byte hex root with or without 0x prefix. The
// empty string yields the zero root.
func parseAnchorRoot(s string) (beacon.Root, error) {
	if s == "" {
		return beacon.Root{}, nil
	}

	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return beacon.Root{}, fmt.Errorf("anchor root not in hex format: %w", err)
	}

	if len(data) != common.HashLength {
		return beacon.Root{}, fmt.Errorf("anchor root must be %d bytes, got %d", common.HashLength, len(data))
	}

	return common.BytesToHash(data), nil
}

// validateKeyFlag verifies that if a key was given it is in hex format and
// can be decoded.
func validateKeyFlag(c *cli.Context, s string) error {
	if s == "" {
		return nil
	}

	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("private key not in hex format: %w", err)
	}

	return nil
}

func printRunConfig() {
	cfgCopy := *runConfig
	if cfgCopy.PrivateKeyStr != "" {
		cfgCopy.PrivateKeyStr = "***"
	}

	dat, err := json.MarshalIndent(cfgCopy, "", "  ")
	if err != nil {
		slog.Warn("Failed marshalling run config struct", tele.LogAttrError(err))
		return
	}

	slog.Debug("Config:")
	slog.Debug(string(dat))
}
