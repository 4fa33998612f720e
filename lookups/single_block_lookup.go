package lookups

import (
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/rpc"
)

type (
	blockRequestFunc = func(peer.ID, rpc.BlocksByRootRequest) (beacon.ReqID, error)
	blobRequestFunc  = func(peer.ID, rpc.BlobsByRootRequest) (beacon.ReqID, error)
)

// SingleBlockLookup downloads one block and its blobs by root.
type SingleBlockLookup struct {
	id   beacon.ReqID
	root beacon.Root

	block beacon.Block
	blobs map[uint64]*beacon.BlobSidecar
	// requestedBlobs holds the blobs of the current blob request that did
	// not arrive yet.
	requestedBlobs map[beacon.BlobIdentifier]struct{}
	seen           time.Duration

	blockRequest *RequestState
	blobRequest  *RequestState

	maxBlobs int
	da       DataAvailability

	// parentRoot is set while the downloaded block waits for a parent
	// chain to be imported.
	parentRoot    beacon.Root
	waitingParent bool
	// waitingExecution is set while processing is postponed because the
	// execution layer is offline.
	waitingExecution bool
}

func newSingleBlockLookup(id beacon.ReqID, root beacon.Root, maxAttempts, maxBlobs int, da DataAvailability, sources ...PeerSource) *SingleBlockLookup {
	return &SingleBlockLookup{
		id:             id,
		root:           root,
		blobs:          map[uint64]*beacon.BlobSidecar{},
		requestedBlobs: map[beacon.BlobIdentifier]struct{}{},
		blockRequest:   newRequestState(maxAttempts, sources...),
		blobRequest:    newRequestState(maxAttempts, sources...),
		maxBlobs:       maxBlobs,
		da:             da,
	}
}

func (l *SingleBlockLookup) ID() beacon.ReqID    { return l.id }
func (l *SingleBlockLookup) Root() beacon.Root   { return l.root }
func (l *SingleBlockLookup) Block() beacon.Block { return l.block }

func (l *SingleBlockLookup) BlockState() State { return l.blockRequest.state }
func (l *SingleBlockLookup) BlobState() State  { return l.blobRequest.state }

// addPeer registers another candidate for both the block and the blobs.
func (l *SingleBlockLookup) addPeer(src PeerSource) {
	l.blockRequest.addPeer(src)
	l.blobRequest.addPeer(src)
}

// addPeerIfUseful adds the peer if the lookup is for root.
func (l *SingleBlockLookup) addPeerIfUseful(root beacon.Root, src PeerSource) bool {
	if root != l.root {
		return false
	}
	l.addPeer(src)
	return true
}

// setDownloadedBlock seeds the lookup with a block that arrived by other
// means, for example over gossip.
func (l *SingleBlockLookup) setDownloadedBlock(block beacon.Block, pid peer.ID, seen time.Duration) {
	l.block = block
	l.seen = seen
	l.blockRequest.state = StateDownloaded
	l.blockRequest.peer = pid
	l.blockRequest.source = SourceGossip
}

// addDownloadedBlob seeds the lookup with a blob that arrived by other
// means.
func (l *SingleBlockLookup) addDownloadedBlob(blob *beacon.BlobSidecar) {
	l.blobs[blob.Index] = blob
}

func (l *SingleBlockLookup) blockDownloaded() bool {
	return l.block != nil
}

// missingBlobIDs returns the blobs that still need to be downloaded. While
// the block is unknown every possible index is considered missing.
func (l *SingleBlockLookup) missingBlobIDs() []beacon.BlobIdentifier {
	if l.block != nil && l.da != nil {
		var missing []beacon.BlobIdentifier
		for _, id := range l.da.MissingBlobIDs(l.root, l.block) {
			if _, found := l.blobs[id.Index]; !found {
				missing = append(missing, id)
			}
		}
		return missing
	}

	count := l.maxBlobs
	if l.block != nil {
		count = l.block.BlobCount()
	}

	var missing []beacon.BlobIdentifier
	for i := 0; i < count; i++ {
		if _, found := l.blobs[uint64(i)]; !found {
			missing = append(missing, beacon.BlobIdentifier{BlockRoot: l.root, Index: uint64(i)})
		}
	}
	return missing
}

// blobsComplete reports whether all blobs of a known block are present.
func (l *SingleBlockLookup) blobsComplete() bool {
	if l.block == nil {
		return false
	}
	for i := 0; i < l.block.BlobCount(); i++ {
		if _, found := l.blobs[uint64(i)]; !found {
			return false
		}
	}
	return true
}

func (l *SingleBlockLookup) blobList() []*beacon.BlobSidecar {
	out := make([]*beacon.BlobSidecar, 0, len(l.blobs))
	for _, b := range l.blobs {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (l *SingleBlockLookup) wrapper() beacon.BlockWrapper {
	return beacon.BlockWrapper{Block: l.block, Blobs: l.blobList()}
}

// requestBlock issues the block request unless the block is already known
// or a download is in progress.
func (l *SingleBlockLookup) requestBlock(send blockRequestFunc) error {
	if l.blockDownloaded() || l.blockRequest.state != StateAwaitingDownload {
		return nil
	}

	pid, kind, err := l.blockRequest.prepare()
	if err != nil {
		return err
	}

	id, err := send(pid, rpc.BlocksByRootRequest{Roots: []beacon.Root{l.root}})
	if err != nil {
		return &RequestError{Kind: ReqErrSendFailed, Err: err}
	}

	l.blockRequest.downloading(pid, kind, id)
	return nil
}

// requestBlobs issues a request for the missing blobs.
func (l *SingleBlockLookup) requestBlobs(send blobRequestFunc) error {
	if l.blobRequest.state != StateAwaitingDownload {
		return nil
	}

	missing := l.missingBlobIDs()
	if len(missing) == 0 {
		return nil
	}

	pid, kind, err := l.blobRequest.prepare()
	if err != nil {
		return err
	}

	id, err := send(pid, rpc.BlobsByRootRequest{BlobIDs: missing})
	if err != nil {
		return &RequestError{Kind: ReqErrSendFailed, Err: err}
	}

	l.requestedBlobs = make(map[beacon.BlobIdentifier]struct{}, len(missing))
	for _, id := range missing {
		l.requestedBlobs[id] = struct{}{}
	}

	l.blobRequest.downloading(pid, kind, id)
	return nil
}

// resetBlobRequest allows the missing blobs to be requested again without
// counting a failure.
func (l *SingleBlockLookup) resetBlobRequest() {
	l.blobRequest.state = StateAwaitingDownload
}

// verifyBlock checks a block response chunk. A nil block marks the end of
// the stream. It returns the block once it is ready for processing.
func (l *SingleBlockLookup) verifyBlock(block beacon.Block, seen time.Duration) (beacon.Block, error) {
	r := l.blockRequest
	switch r.state {
	case StateAwaitingDownload:
		if block == nil {
			return nil, nil
		}
		return nil, VerifyExtraBlocksReturned

	case StateDownloading:
		if block == nil {
			r.registerFailureDownloading()
			if r.source == SourceGossip {
				return nil, VerifyNoBlockReturned
			}
			// the peer only referenced the block and may not have it
			return nil, VerifyBenignFailure
		}

		if block.Root() != l.root {
			r.registerFailureDownloading()
			return nil, VerifyRootMismatch
		}

		l.block = block
		l.seen = seen
		r.state = StateDownloaded
		return block, nil

	default:
		if block != nil {
			return nil, VerifyExtraBlocksReturned
		}
		return nil, nil
	}
}

// verifyBlob checks a blob response chunk. A nil blob marks the end of the
// stream, at which point all blobs downloaded so far are returned.
func (l *SingleBlockLookup) verifyBlob(blob *beacon.BlobSidecar) ([]*beacon.BlobSidecar, error) {
	r := l.blobRequest
	switch r.state {
	case StateAwaitingDownload:
		if blob == nil {
			return nil, nil
		}
		return nil, VerifyExtraBlobsReturned

	case StateDownloading:
		if blob == nil {
			r.state = StateDownloaded
			if l.block != nil && len(l.missingBlobIDs()) > 0 {
				r.registerFailureDownloading()
				if r.source == SourceGossip {
					return nil, VerifyNotEnoughBlobsReturned
				}
				return nil, VerifyBenignFailure
			}
			return l.blobList(), nil
		}

		if blob.Index >= uint64(l.maxBlobs) {
			r.registerFailureDownloading()
			return nil, VerifyInvalidIndex
		}

		id := blob.ID()
		if _, requested := l.requestedBlobs[id]; !requested {
			r.registerFailureDownloading()
			return nil, VerifyUnrequestedBlobID
		}

		delete(l.requestedBlobs, id)
		l.blobs[blob.Index] = blob
		return nil, nil

	default:
		if blob != nil {
			return nil, VerifyExtraBlobsReturned
		}
		return nil, nil
	}
}

// blockProcessingFailed discards the block so that it is downloaded again.
func (l *SingleBlockLookup) blockProcessingFailed() {
	l.block = nil
	l.waitingParent = false
	l.blockRequest.registerFailureProcessing()
}

// blobsProcessingFailed discards the blobs so that they are downloaded
// again.
func (l *SingleBlockLookup) blobsProcessingFailed() {
	l.blobs = map[uint64]*beacon.BlobSidecar{}
	l.blobRequest.registerFailureProcessing()
}

// checkPeerDisconnected returns an error if the peer was downloading the
// block or the blobs.
func (l *SingleBlockLookup) checkPeerDisconnected(pid peer.ID) error {
	blockErr := l.blockRequest.checkPeerDisconnected(pid)
	blobErr := l.blobRequest.checkPeerDisconnected(pid)
	if blockErr != nil {
		return blockErr
	}
	return blobErr
}

// usedPeers returns every peer that was asked for the block or its blobs.
func (l *SingleBlockLookup) usedPeers() []peer.ID {
	seen := peerSet{}
	for _, pid := range l.blockRequest.allPeers() {
		seen[pid] = struct{}{}
	}
	for _, pid := range l.blobRequest.allPeers() {
		seen[pid] = struct{}{}
	}
	return seen.sorted()
}

// tooManyAttempts returns the request error of whichever half ran out of
// attempts.
func (l *SingleBlockLookup) tooManyAttempts() *RequestError {
	for _, r := range []*RequestState{l.blockRequest, l.blobRequest} {
		if r.tooManyAttempts() {
			return &RequestError{Kind: ReqErrTooManyAttempts, CannotProcess: r.cannotProcess()}
		}
	}
	return nil
}
