package eth

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p"
	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p/encoder"
	ethpb "github.com/OffchainLabs/prysm/v6/proto/prysm/v1alpha1"
	"github.com/golang/snappy"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/host"
	"github.com/probe-lab/beacon-sync/rpc"
	"github.com/probe-lab/beacon-sync/syncer"
)

// GossipChain is the part of the local chain the gossip handlers consult.
type GossipChain interface {
	BlockIsKnown(root beacon.Root) bool
}

// WorkQueue accepts work for the beacon processor without blocking.
type WorkQueue interface {
	TrySend(ev beacon.WorkEvent) error
}

type PubSubConfig struct {
	ForkDigest ForkDigest
	Encoder    encoder.NetworkEncoding
	// BlobSubnets is the number of blob sidecar subnets.
	BlobSubnets int
	Logger      *slog.Logger
	Meter       metric.Meter
}

func (p *PubSubConfig) Validate() error {
	if p.Encoder == nil {
		return fmt.Errorf("nil encoder")
	}

	if p.BlobSubnets <= 0 {
		return fmt.Errorf("blob subnets must be positive")
	}

	if p.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}

	if p.Meter == nil {
		return fmt.Errorf("meter must not be nil")
	}

	return nil
}

// PubSub joins the core gossip topics once sync asks for it and feeds
// blocks and blobs to the processor or, if their parent is unknown, to
// the sync manager.
type PubSub struct {
	host  *host.Host
	cfg   *PubSubConfig
	log   *slog.Logger
	gs    *pubsub.PubSub
	chain GossipChain
	work  WorkQueue
	sync  SyncSink

	subscribeOnce sync.Once
	subscribeC    chan struct{}

	meterMessages metric.Int64Counter
}

var _ suture.Service = (*PubSub)(nil)

func NewPubSub(h *host.Host, cfg *PubSubConfig, chain GossipChain, work WorkQueue, sync SyncSink) (*PubSub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	p := &PubSub{
		host:       h,
		cfg:        cfg,
		log:        cfg.Logger.With("component", "pubsub"),
		chain:      chain,
		work:       work,
		sync:       sync,
		subscribeC: make(chan struct{}),
	}

	var err error
	p.meterMessages, err = cfg.Meter.Int64Counter("gossip_messages")
	if err != nil {
		return nil, fmt.Errorf("new gossip_messages counter: %w", err)
	}

	return p, nil
}

// SubscribeCoreTopics triggers the subscription to the core topics. Only
// the first call has an effect.
func (p *PubSub) SubscribeCoreTopics() {
	p.subscribeOnce.Do(func() { close(p.subscribeC) })
}

func (p *PubSub) topic(message string) string {
	return fmt.Sprintf(p2p.GossipProtocolAndDigest+message, [4]byte(p.cfg.ForkDigest)) + p.cfg.Encoder.ProtocolSuffix()
}

// CoreTopics lists the topics we join once synced.
func (p *PubSub) CoreTopics() []string {
	topics := []string{
		p.topic(p2p.GossipBlockMessage),
		p.topic(p2p.GossipAggregateAndProofMessage),
		p.topic(p2p.GossipExitMessage),
		p.topic(p2p.GossipProposerSlashingMessage),
		p.topic(p2p.GossipAttesterSlashingMessage),
		p.topic(p2p.GossipBlsToExecutionChangeMessage),
	}

	for subnet := 0; subnet < p.cfg.BlobSubnets; subnet++ {
		topics = append(topics, p.topic(fmt.Sprintf("%s_%d", p2p.GossipBlobSidecarMessage, subnet)))
	}

	return topics
}

func (p *PubSub) Serve(ctx context.Context) error {
	if p.gs == nil {
		return fmt.Errorf("node's pubsub service uninitialized gossip sub: %w", suture.ErrTerminateSupervisorTree)
	}

	p.log.Info("Waiting for core topic subscription")
	select {
	case <-ctx.Done():
		return nil
	case <-p.subscribeC:
	}

	supervisor := suture.NewSimple("pubsub")

	for _, topicName := range p.CoreTopics() {
		topic, err := p.gs.Join(topicName)
		if err != nil {
			return fmt.Errorf("join pubsub topic %s: %w", topicName, err)
		}
		defer logDeferErr(topic.Close, fmt.Sprintf("failed closing %s topic", topicName))

		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribe to pubsub topic %s: %w", topicName, err)
		}

		supervisor.Add(&host.TopicSubscription{
			Topic:   topicName,
			LocalID: p.host.ID(),
			Sub:     sub,
			Handler: p.handlerFor(topicName),
			Logger:  p.log,
		})
	}

	return supervisor.Serve(ctx)
}

func (p *PubSub) handlerFor(topic string) host.TopicHandler {
	switch {
	case strings.Contains(topic, p2p.GossipBlockMessage):
		return p.handleBeaconBlock
	case strings.Contains(topic, p2p.GossipBlobSidecarMessage):
		return p.handleBlobSidecar
	default:
		return host.NoopHandler
	}
}

func (p *PubSub) count(ctx context.Context, kind string, outcome string) {
	p.meterMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (p *PubSub) handleBeaconBlock(ctx context.Context, msg *pubsub.Message) error {
	seen := time.Duration(time.Now().UnixNano())

	raw := &ethpb.SignedBeaconBlockDeneb{}
	if err := p.cfg.Encoder.DecodeGossip(msg.Data, raw); err != nil {
		p.count(ctx, "block", "invalid")
		return fmt.Errorf("decode beacon block: %w", err)
	}

	block, err := beacon.NewDenebBlock(raw)
	if err != nil {
		p.count(ctx, "block", "invalid")
		return err
	}

	return p.onGossipBlock(ctx, msg.ReceivedFrom, block, seen)
}

func (p *PubSub) onGossipBlock(ctx context.Context, pid peer.ID, block beacon.Block, seen time.Duration) error {
	if !p.chain.BlockIsKnown(block.ParentRoot()) {
		p.count(ctx, "block", "unknown_parent")
		return p.sync.Send(ctx, syncer.UnknownBlock(pid, block, seen))
	}

	p.count(ctx, "block", "processed")
	if err := p.work.TrySend(beacon.GossipBlockWork(pid, block, seen)); err != nil {
		return fmt.Errorf("queue gossip block %s: %w", block.Root(), err)
	}

	return nil
}

func (p *PubSub) handleBlobSidecar(ctx context.Context, msg *pubsub.Message) error {
	seen := time.Duration(time.Now().UnixNano())

	raw := &ethpb.BlobSidecar{}
	if err := p.cfg.Encoder.DecodeGossip(msg.Data, raw); err != nil {
		p.count(ctx, "blob", "invalid")
		return fmt.Errorf("decode blob sidecar: %w", err)
	}

	blob, err := beacon.NewBlobSidecar(raw)
	if err != nil {
		p.count(ctx, "blob", "invalid")
		return err
	}

	return p.onGossipBlob(ctx, msg.ReceivedFrom, blob, seen)
}

func (p *PubSub) onGossipBlob(ctx context.Context, pid peer.ID, blob *beacon.BlobSidecar, seen time.Duration) error {
	if blob.Index >= rpc.MaxBlobsPerBlock {
		p.count(ctx, "blob", "invalid")
		return fmt.Errorf("blob index %d out of range", blob.Index)
	}

	if !p.chain.BlockIsKnown(blob.BlockParentRoot) {
		p.count(ctx, "blob", "unknown_parent")
		return p.sync.Send(ctx, syncer.UnknownBlobParent(pid, blob))
	}

	p.count(ctx, "blob", "processed")
	if err := p.work.TrySend(beacon.GossipBlobWork(pid, blob, seen)); err != nil {
		return fmt.Errorf("queue gossip blob %s: %w", blob.ID(), err)
	}

	return nil
}

// subscriptionFilter limits the topics remote peers may announce to us.
type subscriptionFilter struct {
	limit int
}

var _ pubsub.SubscriptionFilter = (*subscriptionFilter)(nil)

func (f *subscriptionFilter) CanSubscribe(topic string) bool {
	return strings.HasPrefix(topic, "/eth2/")
}

// FilterIncomingSubscriptions is invoked for all RPCs containing subscription notifications.
// It may return an error if the subscription request contains too many topics.
func (f *subscriptionFilter) FilterIncomingSubscriptions(id peer.ID, subs []*pubsubpb.RPC_SubOpts) ([]*pubsubpb.RPC_SubOpts, error) {
	if len(subs) > f.limit {
		return nil, pubsub.ErrTooManySubscriptions
	}
	return pubsub.FilterSubscriptions(subs, f.CanSubscribe), nil
}

var (
	messageDomainValidSnappy   = [4]byte{0x01, 0x00, 0x00, 0x00}
	messageDomainInvalidSnappy = [4]byte{0x00, 0x00, 0x00, 0x00}
)

// msgID computes the gossip message id of the altair and later forks:
// the first 20 bytes of the sha256 over the message domain, the topic and
// the decompressed payload.
func msgID(pmsg *pubsubpb.Message) string {
	topic := pmsg.GetTopic()
	topicLen := make([]byte, 8)
	binary.LittleEndian.PutUint64(topicLen, uint64(len(topic)))

	domain, data := messageDomainValidSnappy, pmsg.Data
	decoded, err := snappy.Decode(nil, pmsg.Data)
	if err == nil {
		data = decoded
	} else {
		domain = messageDomainInvalidSnappy
	}

	h := sha256.New()
	// never errors, see crypto/sha256 Go doc
	_, _ = h.Write(domain[:])
	_, _ = h.Write(topicLen)
	_, _ = h.Write([]byte(topic))
	_, _ = h.Write(data)

	return string(h.Sum(nil)[:20])
}
