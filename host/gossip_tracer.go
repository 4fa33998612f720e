package host

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GossipTracer counts gossipsub events per topic. Register it with
// [pubsub.WithRawTracer].
type GossipTracer struct {
	meshEvents    metric.Int64Counter
	msgEvents     metric.Int64Counter
	controlEvents metric.Int64Counter
	meshPeers     metric.Int64UpDownCounter
}

var _ pubsub.RawTracer = (*GossipTracer)(nil)

func NewGossipTracer(meter metric.Meter) (*GossipTracer, error) {
	var (
		gt  = &GossipTracer{}
		err error
	)

	gt.meshEvents, err = meter.Int64Counter("gossip_mesh_events", metric.WithDescription("Mesh grafts and prunes per topic"))
	if err != nil {
		return nil, fmt.Errorf("new gossip_mesh_events counter: %w", err)
	}

	gt.msgEvents, err = meter.Int64Counter("gossip_message_events", metric.WithDescription("Message validation outcomes per topic"))
	if err != nil {
		return nil, fmt.Errorf("new gossip_message_events counter: %w", err)
	}

	gt.controlEvents, err = meter.Int64Counter("gossip_control_messages", metric.WithDescription("Control messages in gossip RPCs by direction"))
	if err != nil {
		return nil, fmt.Errorf("new gossip_control_messages counter: %w", err)
	}

	gt.meshPeers, err = meter.Int64UpDownCounter("gossip_mesh_peers", metric.WithDescription("Peers in the mesh of a topic"))
	if err != nil {
		return nil, fmt.Errorf("new gossip_mesh_peers counter: %w", err)
	}

	return gt, nil
}

func (g *GossipTracer) AddPeer(peer.ID, protocol.ID) {}

func (g *GossipTracer) RemovePeer(peer.ID) {}

func (g *GossipTracer) Join(string) {}

func (g *GossipTracer) Leave(string) {}

func (g *GossipTracer) ThrottlePeer(peer.ID) {}

func (g *GossipTracer) Graft(_ peer.ID, topic string) {
	g.mesh("graft", topic, 1)
}

func (g *GossipTracer) Prune(_ peer.ID, topic string) {
	g.mesh("prune", topic, -1)
}

func (g *GossipTracer) mesh(event, topic string, delta int64) {
	ctx := context.TODO()
	g.meshEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event), attribute.String("topic", topic)))
	g.meshPeers.Add(ctx, delta, metric.WithAttributes(attribute.String("topic", topic)))
}

func (g *GossipTracer) ValidateMessage(msg *pubsub.Message) {
	g.message("validate", msg)
}

func (g *GossipTracer) DeliverMessage(msg *pubsub.Message) {
	g.message("deliver", msg)
}

func (g *GossipTracer) RejectMessage(msg *pubsub.Message, reason string) {
	g.message("reject", msg, attribute.String("reason", reason))
}

func (g *GossipTracer) DuplicateMessage(msg *pubsub.Message) {
	g.message("duplicate", msg)
}

func (g *GossipTracer) UndeliverableMessage(msg *pubsub.Message) {
	g.message("undeliverable", msg)
}

func (g *GossipTracer) message(event string, msg *pubsub.Message, extra ...attribute.KeyValue) {
	attrs := append([]attribute.KeyValue{
		attribute.String("event", event),
		attribute.String("topic", msg.GetTopic()),
	}, extra...)
	g.msgEvents.Add(context.TODO(), 1, metric.WithAttributes(attrs...))
}

func (g *GossipTracer) RecvRPC(rpc *pubsub.RPC) {
	g.control("recv", rpc)
}

func (g *GossipTracer) SendRPC(rpc *pubsub.RPC, _ peer.ID) {
	g.control("send", rpc)
}

func (g *GossipTracer) DropRPC(rpc *pubsub.RPC, _ peer.ID) {
	g.control("drop", rpc)
}

// control only looks at control messages. Publish payloads of incoming
// RPCs are unvalidated at this point.
func (g *GossipTracer) control(direction string, rpc *pubsub.RPC) {
	if rpc == nil || rpc.Control == nil {
		return
	}

	ctx := context.TODO()
	counts := map[string]int{
		"graft": len(rpc.Control.Graft),
		"prune": len(rpc.Control.Prune),
		"ihave": len(rpc.Control.Ihave),
		"iwant": len(rpc.Control.Iwant),
	}
	for kind, n := range counts {
		if n == 0 {
			continue
		}
		g.controlEvents.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("control_message", kind),
		))
	}
}
