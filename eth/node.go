package eth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p/encoder"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/thejerf/suture/v4"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/host"
	"github.com/probe-lab/beacon-sync/processor"
	"github.com/probe-lab/beacon-sync/rpc"
	"github.com/probe-lab/beacon-sync/syncer"
	"github.com/probe-lab/beacon-sync/tele"
)

// Node composes the libp2p host, the req/resp driver, the gossip
// subscriptions, the beacon processor and the sync manager.
type Node struct {
	cfg *NodeConfig
	log *slog.Logger

	host      *host.Host
	scorer    *PeerScorer
	chain     *processor.MemoryChain
	processor *processor.Processor
	manager   *syncer.Manager
	reqResp   *ReqResp
	pubSub    *PubSub
	scoring   *gossipScoring
	tracer    *host.GossipTracer
	keeper    *host.ScoreKeeper

	// ctx is the context of Start. Connection notifications use it.
	ctxMu sync.RWMutex
	ctx   context.Context

	// eventual supervisor tree
	sup *suture.Supervisor
}

var _ syncer.NetworkSender = (*Node)(nil)

// NewNode initializes a new [Node] using the provided configuration.
// It first validates the node configuration. Then it initializes the libp2p
// host using the libp2p options from the given configuration object. Next,
// it wires the chain store, the processor, the sync manager and the network
// services together.
func NewNode(cfg *NodeConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node config validation failed: %w", err)
	}

	log := cfg.Logger.With("component", "node")

	scorer, err := NewPeerScorer(cfg.Scorer, cfg.Logger, cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("new peer scorer: %w", err)
	}

	opts, err := cfg.libp2pOptions(scorer)
	if err != nil {
		return nil, fmt.Errorf("build libp2p options: %w", err)
	}

	h, err := host.New(&host.Config{Logger: cfg.Logger, Meter: cfg.Meter}, opts...)
	if err != nil {
		return nil, fmt.Errorf("new libp2p host: %w", err)
	}

	log.Info("Initialized new libp2p Host", tele.LogAttrPeerID(h.ID()), "maddrs", h.Addrs())

	anchor := &beacon.BlockHeader{HeaderSlot: cfg.AnchorSlot, HeaderRoot: cfg.AnchorRoot}
	chain, err := processor.NewMemoryChain(anchor, cfg.GenesisConfig.GenesisTime, cfg.BeaconConfig.SecondsPerSlot, cfg.ChainCacheSize)
	if err != nil {
		return nil, fmt.Errorf("new chain store: %w", err)
	}

	procCfg := *cfg.Processor
	procCfg.Logger, procCfg.Meter = cfg.Logger, cfg.Meter
	proc, err := processor.New(&procCfg, chain)
	if err != nil {
		return nil, fmt.Errorf("new beacon processor: %w", err)
	}

	tracer, err := host.NewGossipTracer(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("new gossip tracer: %w", err)
	}

	keeper, err := host.NewScoreKeeper(10*time.Second, cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("new gossip score keeper: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		log:       log,
		host:      h,
		scorer:    scorer,
		chain:     chain,
		processor: proc,
		scoring:   newGossipScoring(cfg.BeaconConfig),
		tracer:    tracer,
		keeper:    keeper,
		ctx:       context.Background(),
		sup:       suture.NewSimple("eth"),
	}

	syncCfg := *cfg.Sync
	syncCfg.Logger, syncCfg.Meter = cfg.Logger, cfg.Meter
	lookupsCfg := *syncCfg.Lookups
	lookupsCfg.Logger, lookupsCfg.Meter = cfg.Logger, cfg.Meter
	syncCfg.Lookups = &lookupsCfg
	syncCfg.DataAvailability = chain
	n.manager, err = syncer.NewManager(&syncCfg, chain, n, proc)
	if err != nil {
		return nil, fmt.Errorf("new sync manager: %w", err)
	}
	proc.SetResultSink(n.manager)

	n.reqResp, err = NewReqResp(h, &ReqRespConfig{
		ForkDigest:        cfg.ForkDigest,
		Encoder:           encoder.SszNetworkEncoder{},
		RPC:               cfg.RPC,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ResponseTimeout:   cfg.ResponseTimeout,
		CommandBufferSize: syncCfg.MessageBufferSize,
		Logger:            cfg.Logger,
		Tracer:            cfg.Tracer,
		Meter:             cfg.Meter,
	}, chain, n.manager)
	if err != nil {
		return nil, fmt.Errorf("new req/resp driver: %w", err)
	}

	n.pubSub, err = NewPubSub(h, &PubSubConfig{
		ForkDigest:  cfg.ForkDigest,
		Encoder:     encoder.SszNetworkEncoder{},
		BlobSubnets: int(cfg.BeaconConfig.BlobsidecarSubnetCount),
		Logger:      cfg.Logger,
		Meter:       cfg.Meter,
	}, chain, proc, n.manager)
	if err != nil {
		return nil, fmt.Errorf("new pubsub service: %w", err)
	}

	return n, nil
}

// Start starts the listening process and blocks until the given context is
// cancelled or a service fails terminally.
func (n *Node) Start(ctx context.Context) error {
	defer logDeferErr(n.host.Close, "Failed closing libp2p host")

	n.ctxMu.Lock()
	n.ctx = ctx
	n.ctxMu.Unlock()

	scoreParams, thresholds := n.scoring.peerScoreParams(n.pubSub.CoreTopics(), n.scorer)
	ps, err := n.host.InitGossipSub(ctx,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithNoAuthor(),
		pubsub.WithMessageIdFn(msgID),
		pubsub.WithPeerScore(scoreParams, thresholds),
		pubsub.WithPeerScoreInspect(n.keeper.Update, n.keeper.Freq),
		pubsub.WithRawTracer(n.tracer),
		pubsub.WithSubscriptionFilter(&subscriptionFilter{limit: n.cfg.PubSubSubscriptionRequestLimit}),
	)
	if err != nil {
		return fmt.Errorf("init gossip sub: %w", err)
	}
	n.pubSub.gs = ps

	n.host.Network().Notify(n)
	defer n.host.Network().StopNotify(n)

	n.sup.Add(n.host)
	n.sup.Add(n.reqResp)
	n.sup.Add(n.processor)
	n.sup.Add(n.manager)
	n.sup.Add(n.pubSub)

	go n.dialStaticPeers(ctx)

	return n.sup.Serve(ctx)
}

func (n *Node) context() context.Context {
	n.ctxMu.RLock()
	defer n.ctxMu.RUnlock()
	return n.ctx
}

func (n *Node) dialStaticPeers(ctx context.Context) {
	// validated in NodeConfig.Validate
	infos, _ := n.cfg.staticPeerAddrInfos()

	for _, info := range infos {
		go func(info peer.AddrInfo) {
			timeoutCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
			defer cancel()

			n.log.Info("Dialing static peer", tele.LogAttrPeerID(info.ID), "maddrs", info.Addrs)
			if err := n.host.Connect(timeoutCtx, info); err != nil {
				n.log.Warn("Failed dialing static peer", tele.LogAttrPeerID(info.ID), tele.LogAttrError(err))
			}
		}(info)
	}
}

// SendRequest hands a sync request to the req/resp driver.
func (n *Node) SendRequest(pid peer.ID, id syncer.RequestID, req rpc.Request) error {
	return n.reqResp.SendRequest(pid, id, req)
}

// ReportPeer scores the peer down and disconnects or bans it once its
// score crosses the thresholds.
func (n *Node) ReportPeer(pid peer.ID, action beacon.PeerAction, reason string) {
	outcome := n.scorer.Report(time.Now(), pid, action)
	gossipScore, _ := n.keeper.Score(pid)
	n.log.Debug("Reported peer", tele.LogAttrPeerID(pid), "action", action.String(), "reason", reason, "outcome", outcome.String(), "gossip_score", gossipScore)

	var goodbye rpc.GoodbyeReason
	switch outcome {
	case ScoreDisconnect:
		goodbye = rpc.GoodbyeBadScore
	case ScoreBan:
		goodbye = rpc.GoodbyeBanned
	default:
		return
	}

	if err := n.reqResp.Goodbye(pid, goodbye); err != nil {
		n.log.Warn("Failed queuing goodbye, closing connection", tele.LogAttrPeerID(pid), tele.LogAttrError(err))
		go logDeferErr(func() error { return n.host.Network().ClosePeer(pid) }, "Failed closing peer connections")
	}
}

// SubscribeCoreTopics joins the core gossip topics.
func (n *Node) SubscribeCoreTopics() {
	n.pubSub.SubscribeCoreTopics()
}
