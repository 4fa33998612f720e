package lookups

import (
	"slices"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/beacon"
)

// ParentLookup walks back from a block with an unknown parent until a
// block is found whose parent the chain knows.
type ParentLookup struct {
	chainHash beacon.Root
	// chain holds the downloaded blocks, the tip first.
	chain []beacon.BlockWrapper
	// current is the lookup of the oldest block that is still unknown.
	current *SingleBlockLookup
	// peers served a block of the chain.
	peers peerSet

	cfg *Config
}

func newParentLookup(cfg *Config, chainHash, parentRoot beacon.Root, tip *beacon.BlockWrapper, src PeerSource) *ParentLookup {
	p := &ParentLookup{
		chainHash: chainHash,
		current:   newSingleBlockLookup(0, parentRoot, cfg.ParentFailTolerance, cfg.MaxBlobsPerBlock, nil, src),
		peers:     peerSet{},
		cfg:       cfg,
	}
	if tip != nil {
		p.chain = append(p.chain, *tip)
		p.peers[src.Peer] = struct{}{}
	}
	return p
}

func (p *ParentLookup) ChainHash() beacon.Root { return p.chainHash }

// CurrentRoot returns the root of the parent that is being downloaded.
func (p *ParentLookup) CurrentRoot() beacon.Root { return p.current.root }

func (p *ParentLookup) Len() int { return len(p.chain) }

// containsBlock reports whether root is one of the downloaded blocks.
func (p *ParentLookup) containsBlock(root beacon.Root) bool {
	for _, w := range p.chain {
		if w.Root() == root {
			return true
		}
	}
	return false
}

// isFor reports whether the lookup is downloading root.
func (p *ParentLookup) isFor(root beacon.Root) bool {
	return p.current.root == root
}

func (p *ParentLookup) addPeer(src PeerSource) {
	p.current.addPeer(src)
}

func (p *ParentLookup) requestParentBlock(cx NetworkContext) error {
	if len(p.chain) >= p.cfg.ParentDepthTolerance {
		return &RequestError{Kind: ReqErrChainTooLong}
	}
	return p.current.requestBlock(cx.ParentLookupRequest)
}

func (p *ParentLookup) requestParentBlobs(cx NetworkContext) error {
	if len(p.chain) >= p.cfg.ParentDepthTolerance {
		return &RequestError{Kind: ReqErrChainTooLong}
	}
	return p.current.requestBlobs(cx.ParentLookupBlobsRequest)
}

// verifyBlock checks a parent block response. Blocks that descend from a
// recently failed chain are rejected.
func (p *ParentLookup) verifyBlock(block beacon.Block, seen time.Duration, failed *FailedChains) (beacon.Block, error) {
	verified, err := p.current.verifyBlock(block, seen)
	if err != nil || verified == nil {
		return verified, err
	}

	if failed.Contains(verified.ParentRoot()) {
		p.current.blockRequest.registerFailureProcessing()
		p.current.block = nil
		return nil, VerifyPreviousFailure
	}

	return verified, nil
}

func (p *ParentLookup) verifyBlob(blob *beacon.BlobSidecar, failed *FailedChains) ([]*beacon.BlobSidecar, error) {
	if blob != nil && failed.Contains(blob.BlockParentRoot) {
		p.current.blobRequest.registerFailureProcessing()
		return nil, VerifyPreviousFailure
	}
	return p.current.verifyBlob(blob)
}

// componentStatus is what a parent lookup should do after a component of
// the current parent arrived.
type componentStatus uint8

const (
	// componentsWait for the block or the blob stream.
	componentsWait componentStatus = iota
	// componentsProcess submits the current parent for processing.
	componentsProcess
	// componentsMissingBlobs re-requests blobs the finished stream lacked.
	componentsMissingBlobs
)

// componentsReady decides what to do with the current parent.
func (p *ParentLookup) componentsReady() componentStatus {
	c := p.current
	if c.block == nil || c.blockRequest.state == StateProcessing {
		return componentsWait
	}

	if c.blobsComplete() {
		return componentsProcess
	}

	if c.blobRequest.state == StateDownloaded || c.blobRequest.state == StateAwaitingDownload {
		return componentsMissingBlobs
	}

	return componentsWait
}

// markProcessing moves the current parent into processing.
func (p *ParentLookup) markProcessing() beacon.BlockWrapper {
	c := p.current
	c.blockRequest.state = StateProcessing
	if c.blobRequest.state != StateAwaitingDownload {
		c.blobRequest.state = StateProcessing
	}
	return c.wrapper()
}

// pushCurrent appends the downloaded parent to the chain.
func (p *ParentLookup) pushCurrent() {
	p.chain = append(p.chain, p.current.wrapper())
	if pid, ok := p.current.blockRequest.processingPeer(); ok {
		p.peers[pid] = struct{}{}
	}
}

// advance appends the downloaded parent to the chain and starts looking
// for its own parent, keeping all known candidates.
func (p *ParentLookup) advance() {
	c := p.current
	p.pushCurrent()

	next := newSingleBlockLookup(0, c.block.ParentRoot(), p.cfg.ParentFailTolerance, p.cfg.MaxBlobsPerBlock, nil)
	for _, src := range c.blockRequest.candidates() {
		next.addPeer(src)
	}
	p.current = next
}

// processingFailed counts a processing failure of the current parent and
// discards its data.
func (p *ParentLookup) processingFailed() {
	p.current.blockProcessingFailed()
	p.current.blobs = map[uint64]*beacon.BlobSidecar{}
	p.current.blobRequest.state = StateAwaitingDownload
}

// checkPeerDisconnected returns an error if the peer was downloading the
// current parent.
func (p *ParentLookup) checkPeerDisconnected(pid peer.ID) error {
	return p.current.checkPeerDisconnected(pid)
}

// matchesBlockRequest reports whether id is the block request of the
// current parent.
func (p *ParentLookup) matchesBlockRequest(id beacon.ReqID) bool {
	return p.current.blockRequest.matches(id)
}

func (p *ParentLookup) matchesBlobRequest(id beacon.ReqID) bool {
	return p.current.blobRequest.matches(id)
}

// processingPeer returns the peer that served the current parent.
func (p *ParentLookup) processingPeer() (peer.ID, bool) {
	return p.current.blockRequest.processingPeer()
}

// usedPeers returns every peer asked for the current parent.
func (p *ParentLookup) usedPeers() []peer.ID {
	return p.current.usedPeers()
}

// allPeers returns the peers that served any block of the chain or were
// asked for the current parent.
func (p *ParentLookup) allPeers() []peer.ID {
	all := peerSet{}
	for pid := range p.peers {
		all[pid] = struct{}{}
	}
	for _, pid := range p.current.usedPeers() {
		all[pid] = struct{}{}
	}
	return all.sorted()
}

// chainForProcessing returns the blocks of the chain, the oldest first,
// together with their roots.
func (p *ParentLookup) chainForProcessing() ([]beacon.BlockWrapper, []beacon.Root) {
	blocks := slices.Clone(p.chain)
	slices.Reverse(blocks)

	roots := make([]beacon.Root, len(blocks))
	for i, w := range blocks {
		roots[i] = w.Root()
	}
	return blocks, roots
}
