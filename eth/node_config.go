package eth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/OffchainLabs/prysm/v6/config/params"
	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	gcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p"
	mplex "github.com/libp2p/go-libp2p-mplex"
	coreconnmgr "github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/host"
	"github.com/probe-lab/beacon-sync/processor"
	"github.com/probe-lab/beacon-sync/rpc"
	"github.com/probe-lab/beacon-sync/syncer"
)

type NodeConfig struct {
	// A custom struct that holds information about the GenesisTime and GenesisValidatorRoot hash
	GenesisConfig *GenesisConfig

	// The beacon chain configuration parameters of the network
	BeaconConfig *params.BeaconChainConfig

	// The fork digest of the network the node participates in
	ForkDigest ForkDigest

	// The private key for the libp2p host in hex format
	PrivateKeyStr string

	// The parsed private key as a libp2p type
	privateKey *crypto.Secp256k1PrivateKey

	// The address information of the local libp2p host
	Libp2pHost string
	Libp2pPort int

	// StaticPeers are multiaddresses that we dial on start-up
	StaticPeers []string

	// MaxPeers is the high water mark of the connection manager. It trims
	// connections down to 80% of this value.
	MaxPeers int

	// Timeouts for dialing peers and for reading and writing req/resp streams
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ResponseTimeout time.Duration

	// The maximum number of topics a peer may announce in one RPC
	PubSubSubscriptionRequestLimit int

	// ChainCacheSize bounds the recent blocks the node keeps and serves
	ChainCacheSize int

	// The block the local chain starts from. Lookups end at this block.
	AnchorRoot beacon.Root
	AnchorSlot primitives.Slot

	RPC       *rpc.Config
	Sync      *syncer.Config
	Processor *processor.Config
	Scorer    *ScorerConfig

	Logger *slog.Logger

	// Telemetry accessors
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Validate validates the Node configuration.
func (n *NodeConfig) Validate() error {
	if n.GenesisConfig == nil {
		return fmt.Errorf("genesis config must not be nil")
	}

	if n.BeaconConfig == nil {
		return fmt.Errorf("beacon config must not be nil")
	}

	if _, err := n.PrivateKey(); err != nil {
		return err
	}

	if n.Libp2pPort < 0 {
		return fmt.Errorf("libp2p port must be greater than or equal to 0, got %d", n.Libp2pPort)
	}

	if _, err := n.staticPeerAddrInfos(); err != nil {
		return err
	}

	if n.MaxPeers <= 0 {
		return fmt.Errorf("max peers must be positive")
	}

	if n.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}

	if n.PubSubSubscriptionRequestLimit <= 0 {
		return fmt.Errorf("pubsub subscription request limit must be positive")
	}

	if n.ChainCacheSize <= 0 {
		return fmt.Errorf("chain cache size must be positive")
	}

	if n.RPC == nil || n.Sync == nil || n.Processor == nil || n.Scorer == nil {
		return fmt.Errorf("rpc, sync, processor and scorer configs must not be nil")
	}

	if err := n.RPC.Validate(); err != nil {
		return fmt.Errorf("rpc config: %w", err)
	}

	if n.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}

	if n.Tracer == nil {
		return fmt.Errorf("tracer must not be nil")
	}

	if n.Meter == nil {
		return fmt.Errorf("meter must not be nil")
	}

	return nil
}

// PrivateKey parses PrivateKeyStr. If it is empty a fresh key is generated
// and PrivateKeyStr is set to its hex encoding, so that repeated calls
// return the same key.
func (n *NodeConfig) PrivateKey() (*crypto.Secp256k1PrivateKey, error) {
	if n.privateKey != nil {
		return n.privateKey, nil
	}

	if n.PrivateKeyStr == "" {
		slog.Debug("Generating new private key")
		key, err := ecdsa.GenerateKey(gcrypto.S256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		n.PrivateKeyStr = hex.EncodeToString(gcrypto.FromECDSA(key))
	}

	raw, err := hex.DecodeString(n.PrivateKeyStr)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	} else if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(raw))
	}

	n.privateKey = (*crypto.Secp256k1PrivateKey)(secp256k1.PrivKeyFromBytes(raw))

	return n.privateKey, nil
}

func (n *NodeConfig) staticPeerAddrInfos() ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(n.StaticPeers))
	for _, s := range n.StaticPeers {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse static peer %q: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

func (n *NodeConfig) libp2pOptions(gater coreconnmgr.ConnectionGater) ([]libp2p.Option, error) {
	privKey, err := n.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("get private key: %w", err)
	}

	listenMaddr, err := host.MaddrFrom(n.Libp2pHost, uint(n.Libp2pPort))
	if err != nil {
		return nil, fmt.Errorf("construct libp2p listen maddr: %w", err)
	}

	rmgr, err := rcmgr.NewResourceManager(rcmgr.NewFixedLimiter(rcmgr.DefaultLimits.AutoScale()))
	if err != nil {
		return nil, fmt.Errorf("new resource manager: %w", err)
	}

	low := n.MaxPeers * 8 / 10
	cmgr, err := connmgr.NewConnManager(low, n.MaxPeers, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("new connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenMaddr),
		libp2p.UserAgent("beacon-sync"),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Muxer(mplex.ID, mplex.DefaultTransport),
		libp2p.DefaultMuxers,
		libp2p.Security(noise.ID, noise.New),
		libp2p.DisableRelay(),
		libp2p.Ping(false),
		libp2p.ResourceManager(rmgr),
		libp2p.ConnectionGater(gater),
		libp2p.ConnectionManager(cmgr),
	}

	return opts, nil
}
