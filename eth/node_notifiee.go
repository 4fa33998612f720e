package eth

import (
	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/probe-lab/beacon-sync/rpc"
	"github.com/probe-lab/beacon-sync/tele"
)

// The [Node] implements the [network.Notifiee] interface.
// This means it will be notified about new connections.
var _ network.Notifiee = (*Node)(nil)

func (n *Node) Connected(net network.Network, c network.Conn) {
	pid := c.RemotePeer()
	n.log.Debug("Connected with peer", tele.LogAttrPeerID(pid), "total", len(net.Peers()), "dir", c.Stat().Direction)

	// Connected is called synchronously, hand over to the driver in a go
	// routine. Only the first connection to a peer starts a handshake.
	outbound := c.Stat().Direction == network.DirOutbound && len(net.ConnsToPeer(pid)) == 1
	go n.reqResp.connected(n.context(), pid, rpc.ConnectionID(c.ID()), outbound)
}

func (n *Node) Disconnected(net network.Network, c network.Conn) {
	pid := c.RemotePeer()
	remaining := len(net.ConnsToPeer(pid))
	n.log.Debug("Disconnected from peer", tele.LogAttrPeerID(pid), "remaining_conns", remaining)

	go n.reqResp.disconnected(n.context(), pid, rpc.ConnectionID(c.ID()), remaining)
}

func (n *Node) Listen(net network.Network, maddr ma.Multiaddr) {
	n.log.Debug("Listen on", "maddr", maddr.String())
}

func (n *Node) ListenClose(net network.Network, maddr ma.Multiaddr) {}
