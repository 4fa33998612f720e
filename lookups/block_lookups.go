// Package lookups resolves blocks that the node learned about but does not
// have. Single lookups download one block and its blobs by root. Parent
// lookups walk back from a block with an unknown parent until they reach a
// known ancestor and hand the whole chain to the beacon processor.
package lookups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/tele"
)

var errProcessorDisabled = errors.New("beacon processor not available")

// processingChain is a parent chain that was submitted as a chain segment.
type processingChain struct {
	roots []beacon.Root
	peers []peer.ID
}

// BlockLookups owns all single and parent lookups. It is not safe for
// concurrent use and is driven by the sync manager.
type BlockLookups struct {
	cfg *Config
	log *slog.Logger
	da  DataAvailability

	nextID        beacon.ReqID
	singleLookups map[beacon.ReqID]*SingleBlockLookup
	parentLookups []*ParentLookup
	// processingParents suppresses searches for blocks of chains that are
	// being imported.
	processingParents map[beacon.Root]processingChain
	failedChains      *FailedChains

	singleGauge metric.Int64Gauge
	parentGauge metric.Int64Gauge
}

// NewBlockLookups creates the lookups manager. da may be nil.
func NewBlockLookups(cfg *Config, da DataAvailability) (*BlockLookups, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lookups config: %w", err)
	}

	b := &BlockLookups{
		cfg:               cfg,
		log:               cfg.Logger.With("component", "block_lookups"),
		da:                da,
		singleLookups:     map[beacon.ReqID]*SingleBlockLookup{},
		processingParents: map[beacon.Root]processingChain{},
		failedChains:      NewFailedChains(cfg.FailedChainsSize, cfg.FailedChainsExpiry),
	}

	var err error
	b.singleGauge, err = cfg.Meter.Int64Gauge("sync_single_block_lookups", metric.WithDescription("Number of single block lookups underway"))
	if err != nil {
		return nil, fmt.Errorf("sync_single_block_lookups gauge: %w", err)
	}

	b.parentGauge, err = cfg.Meter.Int64Gauge("sync_parent_block_lookups", metric.WithDescription("Number of parent lookups underway"))
	if err != nil {
		return nil, fmt.Errorf("sync_parent_block_lookups gauge: %w", err)
	}

	return b, nil
}

func (b *BlockLookups) updateMetrics() {
	ctx := context.Background()
	b.singleGauge.Record(ctx, int64(len(b.singleLookups)))
	b.parentGauge.Record(ctx, int64(len(b.parentLookups)))
}

// SingleLookupCount returns the number of active single lookups.
func (b *BlockLookups) SingleLookupCount() int { return len(b.singleLookups) }

// ParentLookupCount returns the number of parent chains being downloaded.
func (b *BlockLookups) ParentLookupCount() int { return len(b.parentLookups) }

// ProcessingParentCount returns the number of parent chains being imported.
func (b *BlockLookups) ProcessingParentCount() int { return len(b.processingParents) }

// FailedChains exposes the cache of recently failed chains.
func (b *BlockLookups) FailedChains() *FailedChains { return b.failedChains }

// SingleLookup returns the single lookup for root.
func (b *BlockLookups) SingleLookup(root beacon.Root) (*SingleBlockLookup, bool) {
	for _, l := range b.singleLookups {
		if l.root == root {
			return l, true
		}
	}
	return nil, false
}

// ParentLookup returns the parent lookup with the given chain hash.
func (b *BlockLookups) ParentLookup(chainHash beacon.Root) (*ParentLookup, bool) {
	for _, p := range b.parentLookups {
		if p.chainHash == chainHash {
			return p, true
		}
	}
	return nil, false
}

// SearchBlock looks up the block with the given root unless it is tracked
// already.
func (b *BlockLookups) SearchBlock(root beacon.Root, sources []PeerSource, cx NetworkContext) {
	b.searchBlockWith(nil, root, sources, cx)
}

// SearchCurrentUnknownParent starts a lookup for a block that was received
// but whose parent is unknown. The block is held until its parent chain is
// imported.
func (b *BlockLookups) SearchCurrentUnknownParent(root beacon.Root, block beacon.Block, pid peer.ID, seen time.Duration, cx NetworkContext) {
	b.searchBlockWith(func(l *SingleBlockLookup) {
		l.setDownloadedBlock(block, pid, seen)
		l.waitingParent = true
		l.parentRoot = block.ParentRoot()
	}, root, []PeerSource{Gossip(pid)}, cx)
}

// SearchCurrentUnknownBlobParent starts a lookup for the block of a blob
// whose parent is unknown.
func (b *BlockLookups) SearchCurrentUnknownBlobParent(blob *beacon.BlobSidecar, pid peer.ID, cx NetworkContext) {
	b.searchBlockWith(func(l *SingleBlockLookup) {
		l.addDownloadedBlob(blob)
		l.waitingParent = true
		l.parentRoot = blob.BlockParentRoot
	}, blob.BlockRoot, []PeerSource{Gossip(pid)}, cx)
}

func (b *BlockLookups) searchBlockWith(customize func(*SingleBlockLookup), root beacon.Root, sources []PeerSource, cx NetworkContext) {
	for _, l := range b.singleLookups {
		if l.root != root {
			continue
		}
		for _, src := range sources {
			l.addPeer(src)
		}
		b.log.Debug("Block lookup exists, adding peers", tele.LogAttrBlockRoot(root))
		return
	}

	for _, p := range b.parentLookups {
		if p.isFor(root) {
			for _, src := range sources {
				p.addPeer(src)
			}
			return
		}
		if p.containsBlock(root) {
			b.log.Debug("Block is part of an active parent lookup", tele.LogAttrBlockRoot(root), tele.LogAttrChainHash(p.chainHash))
			return
		}
	}

	if b.isProcessingParent(root) {
		b.log.Debug("Block is part of a chain being processed", tele.LogAttrBlockRoot(root))
		return
	}

	if b.failedChains.Contains(root) {
		b.log.Debug("Block is from a past failed chain, dropping", tele.LogAttrBlockRoot(root))
		return
	}

	b.nextID++
	l := newSingleBlockLookup(b.nextID, root, b.cfg.SingleLookupMaxAttempts, b.cfg.MaxBlobsPerBlock, b.da, sources...)
	if customize != nil {
		customize(l)
	}

	b.log.Debug("Searching for block", tele.LogAttrBlockRoot(root), "peers", len(sources))

	if err := b.requestSingle(l, cx); err != nil {
		b.log.Debug("Single block lookup failed to start", tele.LogAttrBlockRoot(root), tele.LogAttrError(err))
		return
	}

	b.singleLookups[l.id] = l
	b.updateMetrics()
}

func (b *BlockLookups) isProcessingParent(root beacon.Root) bool {
	if _, found := b.processingParents[root]; found {
		return true
	}
	for _, pc := range b.processingParents {
		if slices.Contains(pc.roots, root) {
			return true
		}
	}
	return false
}

// SearchParent starts a parent lookup for a block whose parent is unknown.
func (b *BlockLookups) SearchParent(slot primitives.Slot, blockRoot, parentRoot beacon.Root, pid peer.ID, cx NetworkContext) {
	if b.failedChains.Contains(blockRoot) || b.failedChains.Contains(parentRoot) {
		b.log.Debug("Block is from a past failed chain, dropping", tele.LogAttrBlockRoot(blockRoot), "parent_root", parentRoot.Hex(), "slot", slot)
		b.dropWaiting(map[beacon.Root]struct{}{blockRoot: {}})
		b.updateMetrics()
		return
	}

	for _, p := range b.parentLookups {
		if p.containsBlock(blockRoot) || p.isFor(blockRoot) || p.isFor(parentRoot) || p.containsBlock(parentRoot) {
			// the block waits in its single lookup, if any, until the
			// chain is imported
			p.addPeer(Gossip(pid))
			b.log.Debug("Parent lookup covers block already", tele.LogAttrBlockRoot(blockRoot), tele.LogAttrChainHash(p.chainHash))
			return
		}
	}

	if b.isProcessingParent(blockRoot) || b.isProcessingParent(parentRoot) {
		b.log.Debug("Parent chain is being processed", tele.LogAttrBlockRoot(blockRoot))
		return
	}

	for _, l := range b.singleLookups {
		if l.addPeerIfUseful(parentRoot, Gossip(pid)) {
			b.log.Debug("Parent is looked up already", tele.LogAttrBlockRoot(blockRoot), "parent_root", parentRoot.Hex())
			return
		}
	}

	var tip *beacon.BlockWrapper
	if l, found := b.SingleLookup(blockRoot); found && l.block != nil {
		w := l.wrapper()
		tip = &w
	}

	p := newParentLookup(b.cfg, blockRoot, parentRoot, tip, Gossip(pid))
	if !b.requestParent(p, cx) {
		b.dropWaiting(map[beacon.Root]struct{}{blockRoot: {}})
		b.updateMetrics()
		return
	}

	b.log.Debug("Started parent lookup", tele.LogAttrChainHash(blockRoot), "parent_root", parentRoot.Hex(), "slot", slot)
	b.parentLookups = append(b.parentLookups, p)
	b.updateMetrics()
}

// requestSingle issues whatever requests the lookup needs next.
func (b *BlockLookups) requestSingle(l *SingleBlockLookup, cx NetworkContext) error {
	if err := l.requestBlock(cx.SingleBlockLookupRequest); err != nil {
		return err
	}
	return l.requestBlobs(cx.SingleBlobsLookupRequest)
}

// retrySingle re-arms the lookup and drops it if that is not possible.
func (b *BlockLookups) retrySingle(l *SingleBlockLookup, cx NetworkContext) {
	if err := b.requestSingle(l, cx); err != nil {
		b.log.Debug("Single block lookup failed", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(err))
		b.removeSingle(l)
	}
}

func (b *BlockLookups) removeSingle(l *SingleBlockLookup) {
	delete(b.singleLookups, l.id)
	b.updateMetrics()
}

// requestParent requests the current parent. On failure the chain is
// penalized as required and false is returned. The caller removes the
// lookup.
func (b *BlockLookups) requestParent(p *ParentLookup, cx NetworkContext) bool {
	err := p.requestParentBlock(cx)
	if err == nil {
		err = p.requestParentBlobs(cx)
	}
	if err == nil {
		return true
	}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		b.log.Warn("Unexpected parent request error", tele.LogAttrChainHash(p.chainHash), tele.LogAttrError(err))
		return false
	}

	switch reqErr.Kind {
	case ReqErrSendFailed:
		b.log.Debug("Failed to request parent", tele.LogAttrChainHash(p.chainHash), tele.LogAttrError(err))
	case ReqErrChainTooLong:
		b.failedChains.Insert(p.chainHash)
		for _, pid := range p.allPeers() {
			cx.ReportPeer(pid, beacon.LowToleranceError, reqErr.Kind.String())
		}
	case ReqErrTooManyAttempts:
		if reqErr.CannotProcess {
			b.failedChains.Insert(p.chainHash)
		}
		for _, pid := range p.usedPeers() {
			cx.ReportPeer(pid, beacon.LowToleranceError, reqErr.Kind.String())
		}
	case ReqErrNoPeers:
	}

	b.log.Debug("Parent lookup failed", tele.LogAttrChainHash(p.chainHash), tele.LogAttrError(err), "chain_len", p.Len())
	return false
}

// removeParent drops the parent lookup together with the blocks that wait
// for it.
func (b *BlockLookups) removeParent(p *ParentLookup) {
	b.parentLookups = slices.DeleteFunc(b.parentLookups, func(other *ParentLookup) bool { return other == p })

	roots := map[beacon.Root]struct{}{p.chainHash: {}}
	for _, w := range p.chain {
		roots[w.Root()] = struct{}{}
	}
	b.dropWaiting(roots)
	b.updateMetrics()
}

// waitsOn reports whether the lookup holds a block whose ancestry is one
// of roots.
func (l *SingleBlockLookup) waitsOn(roots map[beacon.Root]struct{}) bool {
	if !l.waitingParent {
		return false
	}
	if _, found := roots[l.parentRoot]; found {
		return true
	}
	_, found := roots[l.root]
	return found
}

func (b *BlockLookups) dropWaiting(roots map[beacon.Root]struct{}) {
	for id, l := range b.singleLookups {
		if l.waitsOn(roots) {
			b.log.Debug("Dropping block waiting for parent", tele.LogAttrBlockRoot(l.root))
			delete(b.singleLookups, id)
		}
	}
}

// resumeWaiting submits the blocks that waited for one of roots.
func (b *BlockLookups) resumeWaiting(roots map[beacon.Root]struct{}, cx NetworkContext) {
	for _, l := range b.singleLookups {
		if !l.waitsOn(roots) {
			continue
		}

		l.waitingParent = false
		if l.block == nil {
			b.retrySingle(l, cx)
			continue
		}

		if err := b.sendBlockForProcessing(l, cx); err != nil {
			b.log.Debug("Failed to resume block lookup", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(err))
			b.removeSingle(l)
			continue
		}

		if l.blobRequest.state == StateDownloaded && len(l.blobs) > 0 {
			if err := b.sendBlobsForProcessing(l, l.seen, cx); err != nil {
				b.removeSingle(l)
			}
		}
	}
}

func (b *BlockLookups) sendBlockForProcessing(l *SingleBlockLookup, cx NetworkContext) error {
	sender, ok := cx.ProcessorChannelIfEnabled()
	if !ok {
		return errProcessorDisabled
	}

	pt := beacon.BlockProcessType{Kind: beacon.ProcessSingleBlock, ID: l.id}
	if err := sender.TrySend(beacon.RPCBeaconBlockWork(l.root, l.wrapper(), l.seen, pt)); err != nil {
		return fmt.Errorf("send block for processing: %w", err)
	}

	l.blockRequest.state = StateProcessing
	return nil
}

func (b *BlockLookups) sendBlobsForProcessing(l *SingleBlockLookup, seen time.Duration, cx NetworkContext) error {
	sender, ok := cx.ProcessorChannelIfEnabled()
	if !ok {
		return errProcessorDisabled
	}

	pt := beacon.BlockProcessType{Kind: beacon.ProcessSingleBlob, ID: l.id}
	if err := sender.TrySend(beacon.RPCBlobsWork(l.root, l.blobList(), seen, pt)); err != nil {
		return fmt.Errorf("send blobs for processing: %w", err)
	}

	l.blobRequest.state = StateProcessing
	return nil
}

func (b *BlockLookups) findSingle(id beacon.ReqID, blob bool) *SingleBlockLookup {
	for _, l := range b.singleLookups {
		r := l.blockRequest
		if blob {
			r = l.blobRequest
		}
		if r.matches(id) {
			return l
		}
	}
	return nil
}

// SingleBlockLookupResponse handles a chunk of a single block request. A
// nil block marks the end of the stream.
func (b *BlockLookups) SingleBlockLookupResponse(id beacon.ReqID, pid peer.ID, block beacon.Block, seen time.Duration, cx NetworkContext) {
	l := b.findSingle(id, false)
	if l == nil {
		if block != nil {
			b.log.Debug("Block returned for single block lookup not present", tele.LogAttrRequestID(id), tele.LogAttrPeerID(pid))
		}
		return
	}

	verified, err := l.verifyBlock(block, seen)
	if err != nil {
		b.handleSingleVerifyError(l, pid, err, cx)
		return
	}

	if verified == nil || l.waitingParent {
		return
	}

	if err := b.sendBlockForProcessing(l, cx); err != nil {
		b.log.Debug("Dropping single block lookup", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(err))
		b.removeSingle(l)
	}
}

// SingleBlobLookupResponse handles a chunk of a single blobs request. A nil
// blob marks the end of the stream.
func (b *BlockLookups) SingleBlobLookupResponse(id beacon.ReqID, pid peer.ID, blob *beacon.BlobSidecar, seen time.Duration, cx NetworkContext) {
	l := b.findSingle(id, true)
	if l == nil {
		if blob != nil {
			b.log.Debug("Blob returned for single block lookup not present", tele.LogAttrRequestID(id), tele.LogAttrPeerID(pid))
		}
		return
	}

	blobs, err := l.verifyBlob(blob)
	if err != nil {
		b.handleSingleVerifyError(l, pid, err, cx)
		return
	}

	if blob != nil || len(blobs) == 0 || l.waitingParent {
		return
	}

	// sent along with the block once the execution layer is back
	if l.waitingExecution {
		return
	}

	if err := b.sendBlobsForProcessing(l, seen, cx); err != nil {
		b.log.Debug("Dropping single block lookup", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(err))
		b.removeSingle(l)
	}
}

func (b *BlockLookups) handleSingleVerifyError(l *SingleBlockLookup, pid peer.ID, err error, cx NetworkContext) {
	var verr VerifyError
	if !errors.As(err, &verr) {
		return
	}

	b.log.Debug("Single block lookup response failed verification", tele.LogAttrBlockRoot(l.root), tele.LogAttrPeerID(pid), tele.LogAttrError(err))

	switch verr {
	case VerifyBenignFailure:
	case VerifyExtraBlocksReturned, VerifyExtraBlobsReturned:
		// the lookup itself is unaffected
		cx.ReportPeer(pid, beacon.LowToleranceError, verr.Error())
		return
	default:
		cx.ReportPeer(pid, beacon.LowToleranceError, verr.Error())
	}

	b.retrySingle(l, cx)
}

// SingleBlockLookupFailed handles a failed block or blobs request of a
// single lookup.
func (b *BlockLookups) SingleBlockLookupFailed(id beacon.ReqID, pid peer.ID, err error, cx NetworkContext) {
	for _, l := range b.singleLookups {
		var r *RequestState
		switch {
		case l.blockRequest.matches(id):
			r = l.blockRequest
		case l.blobRequest.matches(id):
			r = l.blobRequest
		default:
			continue
		}

		if r.state != StateDownloading {
			return
		}

		b.log.Debug("Single block lookup request failed", tele.LogAttrBlockRoot(l.root), tele.LogAttrPeerID(pid), tele.LogAttrError(err))
		r.registerFailureDownloading()
		b.retrySingle(l, cx)
		return
	}
}

func (b *BlockLookups) findParent(id beacon.ReqID, blob bool) *ParentLookup {
	for _, p := range b.parentLookups {
		if (!blob && p.matchesBlockRequest(id)) || (blob && p.matchesBlobRequest(id)) {
			return p
		}
	}
	return nil
}

// ParentLookupResponse handles a chunk of a parent block request.
func (b *BlockLookups) ParentLookupResponse(id beacon.ReqID, pid peer.ID, block beacon.Block, seen time.Duration, cx NetworkContext) {
	p := b.findParent(id, false)
	if p == nil {
		if block != nil {
			b.log.Debug("Response for a parent lookup request that was not found", tele.LogAttrRequestID(id), tele.LogAttrPeerID(pid))
		}
		return
	}

	verified, err := p.verifyBlock(block, seen, b.failedChains)
	if err != nil {
		b.handleParentVerifyError(p, pid, err, cx)
		return
	}

	if verified == nil {
		return
	}

	b.parentComponentsReady(p, cx)
}

// ParentLookupBlobResponse handles a chunk of a parent blobs request.
func (b *BlockLookups) ParentLookupBlobResponse(id beacon.ReqID, pid peer.ID, blob *beacon.BlobSidecar, cx NetworkContext) {
	p := b.findParent(id, true)
	if p == nil {
		if blob != nil {
			b.log.Debug("Blob response for a parent lookup request that was not found", tele.LogAttrRequestID(id), tele.LogAttrPeerID(pid))
		}
		return
	}

	if _, err := p.verifyBlob(blob, b.failedChains); err != nil {
		b.handleParentVerifyError(p, pid, err, cx)
		return
	}

	if blob != nil {
		return
	}

	b.parentComponentsReady(p, cx)
}

func (b *BlockLookups) parentComponentsReady(p *ParentLookup, cx NetworkContext) {
	switch p.componentsReady() {
	case componentsProcess:
		b.sendParentForProcessing(p, cx)
	case componentsMissingBlobs:
		p.current.resetBlobRequest()
		if !b.requestParent(p, cx) {
			b.removeParent(p)
		}
	case componentsWait:
	}
}

func (b *BlockLookups) sendParentForProcessing(p *ParentLookup, cx NetworkContext) {
	sender, ok := cx.ProcessorChannelIfEnabled()
	if !ok {
		b.log.Debug("Dropping parent lookup", tele.LogAttrChainHash(p.chainHash), tele.LogAttrError(errProcessorDisabled))
		b.removeParent(p)
		return
	}

	w := p.markProcessing()
	pt := beacon.BlockProcessType{Kind: beacon.ProcessParentLookup, ChainHash: p.chainHash}
	if err := sender.TrySend(beacon.RPCBeaconBlockWork(p.current.root, w, p.current.seen, pt)); err != nil {
		b.log.Debug("Failed to send parent block for processing", tele.LogAttrChainHash(p.chainHash), tele.LogAttrError(err))
		b.removeParent(p)
	}
}

func (b *BlockLookups) handleParentVerifyError(p *ParentLookup, pid peer.ID, err error, cx NetworkContext) {
	var verr VerifyError
	if !errors.As(err, &verr) {
		return
	}

	b.log.Debug("Parent lookup response failed verification", tele.LogAttrChainHash(p.chainHash), tele.LogAttrPeerID(pid), tele.LogAttrError(err))

	switch verr {
	case VerifyPreviousFailure:
		b.failedChains.Insert(p.chainHash)
		cx.ReportPeer(pid, beacon.MidToleranceError, "bbroot_failed_chains")
		b.removeParent(p)
		return
	case VerifyBenignFailure:
	case VerifyExtraBlocksReturned, VerifyExtraBlobsReturned:
		cx.ReportPeer(pid, beacon.LowToleranceError, verr.Error())
		return
	default:
		cx.ReportPeer(pid, beacon.LowToleranceError, verr.Error())
	}

	if !b.requestParent(p, cx) {
		b.removeParent(p)
	}
}

// ParentLookupFailed handles a failed block or blobs request of a parent
// lookup.
func (b *BlockLookups) ParentLookupFailed(id beacon.ReqID, pid peer.ID, err error, cx NetworkContext) {
	for _, p := range b.parentLookups {
		var r *RequestState
		switch {
		case p.matchesBlockRequest(id):
			r = p.current.blockRequest
		case p.matchesBlobRequest(id):
			r = p.current.blobRequest
		default:
			continue
		}

		if r.state != StateDownloading {
			return
		}

		b.log.Debug("Parent lookup request failed", tele.LogAttrChainHash(p.chainHash), tele.LogAttrPeerID(pid), tele.LogAttrError(err))
		r.registerFailureDownloading()
		if !b.requestParent(p, cx) {
			b.removeParent(p)
		}
		return
	}
}

// PeerDisconnected retries every download the peer was serving and forgets
// the peer as a candidate.
func (b *BlockLookups) PeerDisconnected(pid peer.ID, cx NetworkContext) {
	for _, l := range b.singleLookups {
		if err := l.checkPeerDisconnected(pid); err != nil {
			b.log.Debug("Peer of single block lookup disconnected", tele.LogAttrBlockRoot(l.root), tele.LogAttrPeerID(pid))
			b.retrySingle(l, cx)
		}
	}

	for _, p := range slices.Clone(b.parentLookups) {
		if err := p.checkPeerDisconnected(pid); err != nil {
			b.log.Debug("Peer of parent lookup disconnected", tele.LogAttrChainHash(p.chainHash), tele.LogAttrPeerID(pid))
			if !b.requestParent(p, cx) {
				b.removeParent(p)
			}
		}
	}
}

// SingleBlockProcessed consumes the verdict on a block of a single lookup.
func (b *BlockLookups) SingleBlockProcessed(id beacon.ReqID, result beacon.BlockProcessingResult, cx NetworkContext) {
	l, found := b.singleLookups[id]
	if !found {
		b.log.Debug("Processing result for a single lookup that was not found", tele.LogAttrRequestID(id))
		return
	}

	pid, ok := l.blockRequest.processingPeer()
	if !ok {
		b.log.Debug("Processing result for a block that was not downloaded", tele.LogAttrBlockRoot(l.root))
		return
	}

	switch result.Outcome {
	case beacon.OutcomeImported:
		b.log.Debug("Single block lookup imported", tele.LogAttrBlockRoot(l.root))
		b.removeSingle(l)
		b.resumeWaiting(map[beacon.Root]struct{}{l.root: {}}, cx)

	case beacon.OutcomeMissingComponents:
		// the block waits in the availability cache for its blobs
		b.requestMissingBlobs(l, cx)

	case beacon.OutcomeIgnored:
		b.log.Warn("Single block processing was ignored, cpu might be overloaded", tele.LogAttrBlockRoot(l.root))
		b.removeSingle(l)

	case beacon.OutcomeErr:
		b.singleBlockProcessingFailed(l, pid, result.Err, cx)
	}
}

func (b *BlockLookups) requestMissingBlobs(l *SingleBlockLookup, cx NetworkContext) {
	if l.block == nil {
		return
	}
	if l.blobRequest.state != StateDownloaded && l.blobRequest.state != StateAwaitingDownload {
		return
	}

	l.resetBlobRequest()
	if err := l.requestBlobs(cx.SingleBlobsLookupRequest); err != nil {
		b.log.Debug("Failed to request missing blobs", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(err))
		b.removeSingle(l)
	}
}

func (b *BlockLookups) singleBlockProcessingFailed(l *SingleBlockLookup, pid peer.ID, berr *beacon.BlockError, cx NetworkContext) {
	if berr == nil {
		b.removeSingle(l)
		return
	}

	switch {
	case berr.Kind == beacon.ErrKindParentUnknown:
		block := l.block
		if berr.Block.Block != nil {
			block = berr.Block.Block
		}
		if block == nil {
			b.removeSingle(l)
			return
		}
		l.block = block
		l.blockRequest.state = StateDownloaded
		l.waitingParent = true
		l.parentRoot = block.ParentRoot()
		b.SearchParent(block.Slot(), l.root, l.parentRoot, pid, cx)

	case berr.Kind == beacon.ErrKindAlreadyKnown:
		b.log.Debug("Single block lookup already known", tele.LogAttrBlockRoot(l.root))
		b.removeSingle(l)
		b.resumeWaiting(map[beacon.Root]struct{}{l.root: {}}, cx)

	case berr.Kind == beacon.ErrKindBeaconChain:
		b.log.Warn("Error processing block from single lookup", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(berr))
		b.removeSingle(l)

	case berr.Kind == beacon.ErrKindExecutionPayload && !berr.PenalizePeer && !cx.ExecutionLayerEnabled():
		// nothing will ever resume it
		b.log.Debug("Dropping single block lookup, no execution layer", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(berr))
		b.removeSingle(l)

	case berr.Kind == beacon.ErrKindExecutionPayload && !berr.PenalizePeer:
		// the execution layer is offline, processing resumes once it is
		// back
		b.log.Debug("Single block lookup waits for the execution layer", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(berr))
		l.blockRequest.state = StateDownloaded
		l.waitingExecution = true

	default:
		b.log.Warn("Peer sent invalid block in single block lookup", tele.LogAttrBlockRoot(l.root), tele.LogAttrPeerID(pid), tele.LogAttrError(berr))
		cx.ReportPeer(pid, beacon.MidToleranceError, "single_block_failure")
		l.blockProcessingFailed()
		b.retrySingle(l, cx)
	}
}

// SingleBlobProcessed consumes the verdict on the blobs of a single lookup.
func (b *BlockLookups) SingleBlobProcessed(id beacon.ReqID, result beacon.BlockProcessingResult, cx NetworkContext) {
	l, found := b.singleLookups[id]
	if !found {
		b.log.Debug("Processing result for a single lookup that was not found", tele.LogAttrRequestID(id))
		return
	}

	pid, ok := l.blobRequest.processingPeer()
	if !ok {
		b.log.Debug("Processing result for blobs that were not downloaded", tele.LogAttrBlockRoot(l.root))
		return
	}

	switch result.Outcome {
	case beacon.OutcomeImported:
		b.removeSingle(l)
		b.resumeWaiting(map[beacon.Root]struct{}{l.root: {}}, cx)

	case beacon.OutcomeMissingComponents:
		l.blobRequest.state = StateDownloaded
		if l.blockRequest.state == StateProcessing || l.waitingExecution {
			b.requestMissingBlobs(l, cx)
		}

	case beacon.OutcomeIgnored:
		b.removeSingle(l)

	case beacon.OutcomeErr:
		berr := result.Err
		switch {
		case berr == nil:
			b.removeSingle(l)
		case berr.Kind == beacon.ErrKindParentUnknown:
			blobs := l.blobList()
			if len(blobs) == 0 {
				b.removeSingle(l)
				return
			}
			l.blobRequest.state = StateDownloaded
			l.waitingParent = true
			l.parentRoot = blobs[0].BlockParentRoot
			b.SearchParent(blobs[0].Slot, l.root, l.parentRoot, pid, cx)
		case berr.Kind == beacon.ErrKindAlreadyKnown:
			b.removeSingle(l)
		case berr.Kind == beacon.ErrKindBeaconChain, berr.Kind == beacon.ErrKindExecutionPayload && !berr.PenalizePeer:
			b.removeSingle(l)
		default:
			b.log.Warn("Peer sent invalid blobs in single block lookup", tele.LogAttrBlockRoot(l.root), tele.LogAttrPeerID(pid), tele.LogAttrError(berr))
			cx.ReportPeer(pid, beacon.MidToleranceError, "single_blob_failure")
			l.blobsProcessingFailed()
			b.retrySingle(l, cx)
		}
	}
}

// ParentBlockProcessed consumes the verdict on the current parent of the
// chain with the given hash.
func (b *BlockLookups) ParentBlockProcessed(chainHash beacon.Root, result beacon.BlockProcessingResult, cx NetworkContext) {
	var p *ParentLookup
	for _, candidate := range b.parentLookups {
		if candidate.chainHash == chainHash && candidate.current.blockRequest.state == StateProcessing {
			p = candidate
			break
		}
	}

	if p == nil {
		b.log.Debug("Process response for a parent lookup request that was not found", tele.LogAttrChainHash(chainHash))
		return
	}

	pid, _ := p.processingPeer()

	switch result.Outcome {
	case beacon.OutcomeImported:
		b.sendChainSegment(p, cx)

	case beacon.OutcomeMissingComponents:
		p.current.blockRequest.state = StateDownloaded
		p.current.blobs = map[uint64]*beacon.BlobSidecar{}
		p.current.blobRequest.registerFailureProcessing()
		if !b.requestParent(p, cx) {
			b.removeParent(p)
		}

	case beacon.OutcomeIgnored:
		b.log.Warn("Parent block processing was ignored, cpu might be overloaded", tele.LogAttrChainHash(chainHash))
		b.removeParent(p)

	case beacon.OutcomeErr:
		berr := result.Err
		switch {
		case berr == nil:
			b.removeParent(p)

		case berr.Kind == beacon.ErrKindParentUnknown:
			p.advance()
			if !b.requestParent(p, cx) {
				b.removeParent(p)
			}

		case berr.Kind == beacon.ErrKindAlreadyKnown:
			b.sendChainSegment(p, cx)

		case berr.Kind == beacon.ErrKindBeaconChain, berr.Kind == beacon.ErrKindExecutionPayload && !berr.PenalizePeer:
			b.log.Debug("Parent lookup failed without fault of the peer", tele.LogAttrChainHash(chainHash), tele.LogAttrError(berr))
			b.removeParent(p)

		default:
			b.log.Debug("Invalid parent chain", tele.LogAttrChainHash(chainHash), tele.LogAttrPeerID(pid), tele.LogAttrError(berr))
			cx.ReportPeer(pid, beacon.MidToleranceError, "parent_request_err")
			p.processingFailed()
			if !b.requestParent(p, cx) {
				b.removeParent(p)
			}
		}
	}
}

// sendChainSegment hands the whole chain, the oldest block first, to the
// beacon processor.
func (b *BlockLookups) sendChainSegment(p *ParentLookup, cx NetworkContext) {
	p.pushCurrent()
	blocks, roots := p.chainForProcessing()

	sender, ok := cx.ProcessorChannelIfEnabled()
	if !ok {
		b.log.Debug("Dropping parent chain, processor not available", tele.LogAttrChainHash(p.chainHash))
		b.removeParent(p)
		return
	}

	id := beacon.ChainSegmentProcessID{Kind: beacon.SegmentParentLookup, ChainHash: p.chainHash}
	if err := sender.TrySend(beacon.ChainSegmentWork(id, blocks)); err != nil {
		b.log.Warn("Failed to send chain segment to processor", tele.LogAttrChainHash(p.chainHash), tele.LogAttrError(err))
		b.removeParent(p)
		return
	}

	b.parentLookups = slices.DeleteFunc(b.parentLookups, func(other *ParentLookup) bool { return other == p })
	b.processingParents[p.chainHash] = processingChain{roots: roots, peers: p.allPeers()}
	b.updateMetrics()
}

// ParentChainProcessed consumes the verdict on a parent chain segment.
func (b *BlockLookups) ParentChainProcessed(chainHash beacon.Root, result beacon.BatchProcessResult, cx NetworkContext) {
	pc, found := b.processingParents[chainHash]
	if !found {
		b.log.Debug("Chain process response for a parent lookup request that was not found", tele.LogAttrChainHash(chainHash))
		return
	}
	delete(b.processingParents, chainHash)

	b.log.Debug("Parent chain processed", tele.LogAttrChainHash(chainHash), "result", result.String())

	roots := map[beacon.Root]struct{}{chainHash: {}}
	for _, r := range pc.roots {
		roots[r] = struct{}{}
	}

	switch result.Kind {
	case beacon.BatchSuccess:
		b.resumeWaiting(roots, cx)

	case beacon.BatchFaultyFailure:
		b.failedChains.Insert(chainHash)
		for _, pid := range pc.peers {
			cx.ReportPeer(pid, result.Penalty, "parent_chain_failure")
		}
		b.dropWaiting(roots)

	case beacon.BatchNonFaultyFailure:
		b.dropWaiting(roots)
	}

	b.updateMetrics()
}

// ExecutionOnline resubmits the blocks whose processing was postponed
// while the execution layer was offline, together with the blobs that were
// downloaded in the meantime.
func (b *BlockLookups) ExecutionOnline(cx NetworkContext) {
	for _, l := range b.singleLookups {
		if !l.waitingExecution {
			continue
		}

		l.waitingExecution = false
		if err := b.sendBlockForProcessing(l, cx); err != nil {
			b.log.Debug("Failed to resume block lookup", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(err))
			b.removeSingle(l)
			continue
		}

		if l.blobRequest.state != StateDownloaded || len(l.blobList()) == 0 {
			continue
		}
		if err := b.sendBlobsForProcessing(l, l.seen, cx); err != nil {
			b.log.Debug("Failed to resume blobs of block lookup", tele.LogAttrBlockRoot(l.root), tele.LogAttrError(err))
			b.removeSingle(l)
		}
	}
}

// DropSingleBlockRequests drops all single lookups and returns how many
// were dropped.
func (b *BlockLookups) DropSingleBlockRequests() int {
	n := len(b.singleLookups)
	b.singleLookups = map[beacon.ReqID]*SingleBlockLookup{}
	b.updateMetrics()
	return n
}

// DropParentChainRequests drops all parent lookups and returns how many
// were dropped.
func (b *BlockLookups) DropParentChainRequests() int {
	n := len(b.parentLookups)
	b.parentLookups = nil
	b.updateMetrics()
	return n
}
