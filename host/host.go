package host

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	Logger *slog.Logger
	Meter  metric.Meter
}

// Host is a libp2p host that records connection metrics while it is
// served and owns the gossipsub router.
type Host struct {
	host.Host
	log *slog.Logger
	ps  *pubsub.PubSub

	meterConnEvents metric.Int64Counter
	meterPeers      metric.Int64Gauge
}

var _ suture.Service = (*Host)(nil)

func New(cfg *Config, opts ...libp2p.Option) (*Host, error) {
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("new libp2p host: %w", err)
	}

	wrapped := &Host{
		Host: h,
		log:  cfg.Logger.With("component", "host"),
	}

	wrapped.meterConnEvents, err = cfg.Meter.Int64Counter("connection_events", metric.WithDescription("Opened and closed connections by direction"))
	if err != nil {
		return nil, fmt.Errorf("new connection_events counter: %w", err)
	}

	wrapped.meterPeers, err = cfg.Meter.Int64Gauge("connected_peers", metric.WithDescription("Number of connected peers"))
	if err != nil {
		return nil, fmt.Errorf("new connected_peers gauge: %w", err)
	}

	return wrapped, nil
}

// InitGossipSub creates the gossipsub router. It must be called before the
// host is served.
func (h *Host) InitGossipSub(ctx context.Context, opts ...pubsub.Option) (*pubsub.PubSub, error) {
	ps, err := pubsub.NewGossipSub(ctx, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("new gossip sub: %w", err)
	}

	h.ps = ps

	return ps, nil
}

func (h *Host) Serve(ctx context.Context) error {
	if h.ps == nil {
		return fmt.Errorf("host served before gossip sub initialization: %w", suture.ErrTerminateSupervisorTree)
	}

	h.log.Info("Serving libp2p host", "peer_id", h.ID(), "maddrs", h.Addrs())
	defer h.log.Info("Stopped libp2p host")

	record := func(n network.Network, c network.Conn, event string) {
		h.meterConnEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("direction", c.Stat().Direction.String()),
		))
		h.meterPeers.Record(ctx, int64(len(n.Peers())))
	}

	notifiee := &network.NotifyBundle{
		ConnectedF:    func(n network.Network, c network.Conn) { record(n, c, "opened") },
		DisconnectedF: func(n network.Network, c network.Conn) { record(n, c, "closed") },
	}
	h.Network().Notify(notifiee)
	defer h.Network().StopNotify(notifiee)

	<-ctx.Done()

	return nil
}

// AgentVersion returns the agent version the peer announced during identify.
func (h *Host) AgentVersion(c network.Conn) string {
	raw, err := h.Peerstore().Get(c.RemotePeer(), "AgentVersion")
	if err != nil {
		return "n.a."
	}

	av, ok := raw.(string)
	if !ok {
		return "n.a."
	}

	return av
}

// MaddrFrom builds the TCP multiaddress of the given IP and port.
func MaddrFrom(ip string, port uint) (ma.Multiaddr, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid IP address %q: %w", ip, err)
	}

	proto := "ip6"
	if addr.Unmap().Is4() {
		proto, addr = "ip4", addr.Unmap()
	}

	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, addr, port))
}
