package lookups

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/rpc"
)

// WorkSender submits work to the beacon processor without blocking.
type WorkSender interface {
	TrySend(ev beacon.WorkEvent) error
}

// NetworkContext is how lookups reach the network. All requests are fire
// and forget. Their outcome arrives later tagged with the returned id.
type NetworkContext interface {
	SingleBlockLookupRequest(pid peer.ID, req rpc.BlocksByRootRequest) (beacon.ReqID, error)
	SingleBlobsLookupRequest(pid peer.ID, req rpc.BlobsByRootRequest) (beacon.ReqID, error)
	ParentLookupRequest(pid peer.ID, req rpc.BlocksByRootRequest) (beacon.ReqID, error)
	ParentLookupBlobsRequest(pid peer.ID, req rpc.BlobsByRootRequest) (beacon.ReqID, error)

	ReportPeer(pid peer.ID, action beacon.PeerAction, reason string)

	// ProcessorChannelIfEnabled returns false while the beacon processor
	// does not accept work, for example before the node is synced.
	ProcessorChannelIfEnabled() (WorkSender, bool)

	// ExecutionLayerEnabled is false if the chain has no execution layer
	// that could come back online.
	ExecutionLayerEnabled() bool
}

// DataAvailability reports which blobs of a block are still missing from
// the local data availability store. It is optional.
type DataAvailability interface {
	MissingBlobIDs(root beacon.Root, block beacon.Block) []beacon.BlobIdentifier
}
