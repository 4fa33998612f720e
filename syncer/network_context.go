package syncer

import (
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/lookups"
	"github.com/probe-lab/beacon-sync/rpc"
	"github.com/probe-lab/beacon-sync/tele"
)

// NetworkSender places requests on the wire and scores peers. Calls must
// not block on network I/O.
type NetworkSender interface {
	SendRequest(pid peer.ID, id RequestID, req rpc.Request) error
	ReportPeer(pid peer.ID, action beacon.PeerAction, reason string)
	SubscribeCoreTopics()
}

// NetworkContext is the view of the network handed to the sync
// components. It allocates the request ids.
type NetworkContext struct {
	net       NetworkSender
	processor lookups.WorkSender
	exec      *ExecutionStatusHandler
	log       *slog.Logger

	nextID beacon.ReqID
}

var _ lookups.NetworkContext = (*NetworkContext)(nil)

// NewNetworkContext creates the context. processor may be nil, in which
// case no work is ever submitted.
func NewNetworkContext(net NetworkSender, processor lookups.WorkSender, exec *ExecutionStatusHandler, log *slog.Logger) *NetworkContext {
	return &NetworkContext{
		net:       net,
		processor: processor,
		exec:      exec,
		log:       log.With("component", "sync_network_context"),
	}
}

func (c *NetworkContext) send(kind RequestKind, pid peer.ID, req rpc.Request) (beacon.ReqID, error) {
	c.nextID++
	id := RequestID{Kind: kind, ID: c.nextID}

	if err := c.net.SendRequest(pid, id, req); err != nil {
		return 0, fmt.Errorf("send %s request to %s: %w", req.Protocol(), pid, err)
	}

	c.log.Debug("Sending request", tele.LogAttrPeerID(pid), tele.LogAttrRequestID(id), tele.LogAttrProtocol(req.Protocol().String()))
	return id.ID, nil
}

func (c *NetworkContext) SingleBlockLookupRequest(pid peer.ID, req rpc.BlocksByRootRequest) (beacon.ReqID, error) {
	return c.send(RequestSingleBlock, pid, req)
}

func (c *NetworkContext) SingleBlobsLookupRequest(pid peer.ID, req rpc.BlobsByRootRequest) (beacon.ReqID, error) {
	return c.send(RequestSingleBlock, pid, req)
}

func (c *NetworkContext) ParentLookupRequest(pid peer.ID, req rpc.BlocksByRootRequest) (beacon.ReqID, error) {
	return c.send(RequestParentLookup, pid, req)
}

func (c *NetworkContext) ParentLookupBlobsRequest(pid peer.ID, req rpc.BlobsByRootRequest) (beacon.ReqID, error) {
	return c.send(RequestParentLookup, pid, req)
}

// RangeRequest is used by the range sync for its batches.
func (c *NetworkContext) RangeRequest(pid peer.ID, req rpc.BlocksByRangeRequest) (beacon.ReqID, error) {
	return c.send(RequestRangeSync, pid, req)
}

// BackFillRequest is used by the backfill sync for its batches.
func (c *NetworkContext) BackFillRequest(pid peer.ID, req rpc.BlocksByRangeRequest) (beacon.ReqID, error) {
	return c.send(RequestBackFillSync, pid, req)
}

func (c *NetworkContext) ReportPeer(pid peer.ID, action beacon.PeerAction, reason string) {
	c.log.Debug("Sync reporting peer", tele.LogAttrPeerID(pid), "action", action.String(), "reason", reason)
	c.net.ReportPeer(pid, action, reason)
}

func (c *NetworkContext) SubscribeCoreTopics() {
	c.net.SubscribeCoreTopics()
}

// ProcessorChannelIfEnabled withholds the processor while the execution
// layer is offline.
func (c *NetworkContext) ProcessorChannelIfEnabled() (lookups.WorkSender, bool) {
	if c.processor == nil {
		return nil, false
	}
	if c.exec != nil && c.exec.Status() == ExecutionOffline {
		return nil, false
	}
	return c.processor, true
}

func (c *NetworkContext) ExecutionLayerEnabled() bool {
	return c.exec != nil && c.exec.Status() != ExecutionDisabled
}
