package lookups

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-lab/beacon-sync/beacon"
)

func TestSearchBlock_Deduplicates(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	root := testRoot(0x01)
	p1, p2 := peer.ID("peer-1"), peer.ID("peer-2")

	bl.SearchBlock(root, []PeerSource{Gossip(p1)}, cx)
	bl.SearchBlock(root, []PeerSource{Attestation(p2)}, cx)

	assert.Equal(t, 1, bl.SingleLookupCount())
	require.Len(t, cx.blockReqs, 1)
	assert.Equal(t, []beacon.Root{root}, cx.blockReqs[0].roots)
	assert.Equal(t, p1, cx.blockReqs[0].peer)

	// blobs are requested along with the block, every index while the
	// block is unknown
	require.Len(t, cx.blobReqs, 1)
	assert.Len(t, cx.blobReqs[0].blobs, 6)

	l, found := bl.SingleLookup(root)
	require.True(t, found)
	assert.True(t, l.blockRequest.hasPeer(p2))
}

func TestSingleLookup_ImportedAndDuplicateResponses(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	block := testBlock(10, 0x01, 0x00)
	p1 := peer.ID("peer-1")

	bl.SearchBlock(block.Root(), []PeerSource{Gossip(p1)}, cx)
	reqID := cx.blockReqs[0].id

	bl.SingleBlockLookupResponse(reqID, p1, block, 0, cx)
	work := cx.lastWork(t)
	assert.Equal(t, beacon.WorkRPCBlock, work.Kind)
	assert.Equal(t, block.Root(), work.BlockRoot)
	assert.Equal(t, beacon.ProcessSingleBlock, work.ProcessType.Kind)

	// stream termination
	bl.SingleBlockLookupResponse(reqID, p1, nil, 0, cx)
	assert.Len(t, cx.work, 1)

	bl.SingleBlockProcessed(work.ProcessType.ID, beacon.Imported(block.Root()), cx)
	assert.Equal(t, 0, bl.SingleLookupCount())

	// a late duplicate is ignored
	bl.SingleBlockLookupResponse(reqID, p1, block, 0, cx)
	assert.Len(t, cx.work, 1)
	assert.Empty(t, cx.reports)
}

func TestSingleLookup_TimeoutsExhaustAttempts(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	root := testRoot(0x01)
	p1 := peer.ID("peer-1")

	bl.SearchBlock(root, []PeerSource{Gossip(p1)}, cx)

	for i := 0; i < 2; i++ {
		last := cx.blockReqs[len(cx.blockReqs)-1]
		bl.SingleBlockLookupFailed(last.id, p1, assert.AnError, cx)
		assert.Equal(t, 1, bl.SingleLookupCount())
	}

	require.Len(t, cx.blockReqs, 3)
	for _, req := range cx.blockReqs {
		assert.Equal(t, p1, req.peer)
	}

	bl.SingleBlockLookupFailed(cx.blockReqs[2].id, p1, assert.AnError, cx)
	assert.Equal(t, 0, bl.SingleLookupCount())
	assert.Len(t, cx.blockReqs, 3)
	assert.Empty(t, cx.reports)
}

func TestSingleLookup_RootMismatch(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	root := testRoot(0x01)
	p1, p2 := peer.ID("peer-1"), peer.ID("peer-2")

	bl.SearchBlock(root, []PeerSource{Gossip(p1), Gossip(p2)}, cx)
	bl.SingleBlockLookupResponse(cx.blockReqs[0].id, p1, testBlock(10, 0x02, 0x00), 0, cx)

	require.Len(t, cx.reports, 1)
	assert.Equal(t, peerReport{peer: p1, action: beacon.LowToleranceError, reason: "root_mismatch"}, cx.reports[0])

	require.Len(t, cx.blockReqs, 2)
	assert.Equal(t, p2, cx.blockReqs[1].peer)
	assert.Empty(t, cx.work)
}

func TestSingleLookup_AttestationPeerWithoutBlock(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	root := testRoot(0x01)
	p1 := peer.ID("peer-1")

	bl.SearchBlock(root, []PeerSource{Attestation(p1)}, cx)
	bl.SingleBlockLookupResponse(cx.blockReqs[0].id, p1, nil, 0, cx)

	// not penalized, but there is nobody left to ask
	assert.Empty(t, cx.reports)
	assert.Equal(t, 0, bl.SingleLookupCount())
}

func TestSingleLookup_PeerDisconnected(t *testing.T) {
	p1, p2 := peer.ID("peer-1"), peer.ID("peer-2")

	t.Run("sole candidate", func(t *testing.T) {
		cx := &fakeNetwork{}
		bl := newTestLookups(t, nil)

		bl.SearchBlock(testRoot(0x01), []PeerSource{Gossip(p1)}, cx)
		bl.PeerDisconnected(p1, cx)

		assert.Equal(t, 0, bl.SingleLookupCount())
		assert.Len(t, cx.blockReqs, 1)
	})

	t.Run("other candidate", func(t *testing.T) {
		cx := &fakeNetwork{}
		bl := newTestLookups(t, nil)

		bl.SearchBlock(testRoot(0x01), []PeerSource{Gossip(p1), Gossip(p2)}, cx)
		bl.PeerDisconnected(p1, cx)

		assert.Equal(t, 1, bl.SingleLookupCount())
		require.Len(t, cx.blockReqs, 2)
		assert.Equal(t, p2, cx.blockReqs[1].peer)
	})

	t.Run("unrelated peer", func(t *testing.T) {
		cx := &fakeNetwork{}
		bl := newTestLookups(t, nil)

		bl.SearchBlock(testRoot(0x01), []PeerSource{Gossip(p1)}, cx)
		bl.PeerDisconnected(p2, cx)

		assert.Equal(t, 1, bl.SingleLookupCount())
		assert.Len(t, cx.blockReqs, 1)
	})
}

func TestSingleLookup_Blobs(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	root := testRoot(0x01)
	p1 := peer.ID("peer-1")

	bl.SearchBlock(root, []PeerSource{Gossip(p1)}, cx)
	blobReq := cx.blobReqs[0]

	bl.SingleBlobLookupResponse(blobReq.id, p1, testBlob(0x01, 0x00, 0), 0, cx)
	bl.SingleBlobLookupResponse(blobReq.id, p1, testBlob(0x01, 0x00, 1), 0, cx)
	assert.Empty(t, cx.work)

	bl.SingleBlobLookupResponse(blobReq.id, p1, nil, 0, cx)
	work := cx.lastWork(t)
	assert.Equal(t, beacon.WorkRPCBlobs, work.Kind)
	assert.Equal(t, beacon.ProcessSingleBlob, work.ProcessType.Kind)
	require.Len(t, work.Blobs, 2)
	assert.Equal(t, uint64(0), work.Blobs[0].Index)
	assert.Equal(t, uint64(1), work.Blobs[1].Index)
	assert.Empty(t, cx.reports)
}

func TestSingleLookup_InvalidBlobs(t *testing.T) {
	tests := []struct {
		name   string
		blob   *beacon.BlobSidecar
		reason string
	}{
		{name: "other block", blob: testBlob(0x02, 0x00, 0), reason: "unrequested_blob_id"},
		{name: "index out of range", blob: testBlob(0x01, 0x00, 6), reason: "invalid_index"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cx := &fakeNetwork{}
			bl := newTestLookups(t, nil)
			p1 := peer.ID("peer-1")

			bl.SearchBlock(testRoot(0x01), []PeerSource{Gossip(p1)}, cx)
			bl.SingleBlobLookupResponse(cx.blobReqs[0].id, p1, tt.blob, 0, cx)

			require.Len(t, cx.reports, 1)
			assert.Equal(t, tt.reason, cx.reports[0].reason)
			assert.Equal(t, beacon.LowToleranceError, cx.reports[0].action)

			// the blobs are requested again
			assert.Len(t, cx.blobReqs, 2)
			assert.Equal(t, 1, bl.SingleLookupCount())
		})
	}
}

func TestSingleLookup_InvalidBlockIsRetried(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	block := testBlock(10, 0x01, 0x00)
	p1, p2 := peer.ID("peer-1"), peer.ID("peer-2")

	bl.SearchBlock(block.Root(), []PeerSource{Gossip(p1), Gossip(p2)}, cx)
	bl.SingleBlockLookupResponse(cx.blockReqs[0].id, p1, block, 0, cx)
	work := cx.lastWork(t)

	bl.SingleBlockProcessed(work.ProcessType.ID, beacon.Failed(&beacon.BlockError{Kind: beacon.ErrKindInvalid}), cx)

	require.Len(t, cx.reports, 1)
	assert.Equal(t, peerReport{peer: p1, action: beacon.MidToleranceError, reason: "single_block_failure"}, cx.reports[0])
	require.Len(t, cx.blockReqs, 2)
	assert.Equal(t, p2, cx.blockReqs[1].peer)
}

func TestSingleLookup_ExecutionOffline(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	block := testBlock(10, 0x01, 0x00)
	p1 := peer.ID("peer-1")

	bl.SearchBlock(block.Root(), []PeerSource{Gossip(p1)}, cx)
	bl.SingleBlockLookupResponse(cx.blockReqs[0].id, p1, block, 0, cx)
	work := cx.lastWork(t)

	offline := &beacon.BlockError{Kind: beacon.ErrKindExecutionPayload, PenalizePeer: false}
	bl.SingleBlockProcessed(work.ProcessType.ID, beacon.Failed(offline), cx)

	assert.Empty(t, cx.reports)
	assert.Equal(t, 1, bl.SingleLookupCount())
	assert.Len(t, cx.work, 1)

	bl.ExecutionOnline(cx)
	require.Len(t, cx.work, 2)
	assert.Equal(t, block.Root(), cx.work[1].BlockRoot)
}

func TestSingleLookup_ExecutionOfflineKeepsBlobs(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	block := testBlock(10, 0x01, 0x00)
	block.Commitments = 1
	p1 := peer.ID("peer-1")

	bl.SearchBlock(block.Root(), []PeerSource{Gossip(p1)}, cx)
	bl.SingleBlockLookupResponse(cx.blockReqs[0].id, p1, block, 0, cx)
	work := cx.lastWork(t)

	offline := &beacon.BlockError{Kind: beacon.ErrKindExecutionPayload, PenalizePeer: false}
	bl.SingleBlockProcessed(work.ProcessType.ID, beacon.Failed(offline), cx)

	// blobs completing while the block waits are held back
	blobReq := cx.blobReqs[0]
	bl.SingleBlobLookupResponse(blobReq.id, p1, testBlob(0x01, 0x00, 0), 0, cx)
	bl.SingleBlobLookupResponse(blobReq.id, p1, nil, 0, cx)
	assert.Len(t, cx.work, 1)
	assert.Equal(t, 1, bl.SingleLookupCount())

	bl.ExecutionOnline(cx)
	require.Len(t, cx.work, 3)
	assert.Equal(t, beacon.ProcessSingleBlock, cx.work[1].ProcessType.Kind)
	assert.Equal(t, beacon.WorkRPCBlobs, cx.work[2].Kind)
	assert.Equal(t, beacon.ProcessSingleBlob, cx.work[2].ProcessType.Kind)
	require.Len(t, cx.work[2].Blobs, 1)
	assert.Equal(t, uint64(0), cx.work[2].Blobs[0].Index)
}

func TestSingleLookup_ExecutionErrorWithoutExecutionLayer(t *testing.T) {
	cx := &fakeNetwork{executionDisabled: true}
	bl := newTestLookups(t, nil)
	block := testBlock(10, 0x01, 0x00)
	p1 := peer.ID("peer-1")

	bl.SearchBlock(block.Root(), []PeerSource{Gossip(p1)}, cx)
	bl.SingleBlockLookupResponse(cx.blockReqs[0].id, p1, block, 0, cx)
	work := cx.lastWork(t)

	offline := &beacon.BlockError{Kind: beacon.ErrKindExecutionPayload, PenalizePeer: false}
	bl.SingleBlockProcessed(work.ProcessType.ID, beacon.Failed(offline), cx)

	assert.Equal(t, 0, bl.SingleLookupCount())
	assert.Empty(t, cx.reports)

	// the root can be searched again
	bl.SearchBlock(block.Root(), []PeerSource{Gossip(p1)}, cx)
	assert.Equal(t, 1, bl.SingleLookupCount())
	assert.Len(t, cx.blockReqs, 2)
}

func TestSingleLookup_ProcessorUnavailable(t *testing.T) {
	p1 := peer.ID("peer-1")
	block := testBlock(10, 0x01, 0x00)

	for _, cx := range []*fakeNetwork{{processorDisabled: true}, {processorFull: true}} {
		bl := newTestLookups(t, nil)
		bl.SearchBlock(block.Root(), []PeerSource{Gossip(p1)}, cx)
		bl.SingleBlockLookupResponse(cx.blockReqs[0].id, p1, block, 0, cx)

		assert.Equal(t, 0, bl.SingleLookupCount())
		assert.Empty(t, cx.reports)
	}
}

// startParentLookup makes block b, whose parent is unknown, arrive from pid.
func startParentLookup(bl *BlockLookups, b *beacon.BlockHeader, pid peer.ID, cx NetworkContext) {
	bl.SearchCurrentUnknownParent(b.Root(), b, pid, 0, cx)
	bl.SearchParent(b.Slot(), b.Root(), b.ParentRoot(), pid, cx)
}

func TestParentLookup_ChainSegment(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	pid := peer.ID("peer-p")
	blockA := testBlock(9, 0x0a, 0x01)
	blockB := testBlock(10, 0x0b, 0x0a)

	startParentLookup(bl, blockB, pid, cx)
	assert.Equal(t, 1, bl.SingleLookupCount())
	assert.Equal(t, 1, bl.ParentLookupCount())
	require.Len(t, cx.parentReqs, 1)
	assert.Equal(t, []beacon.Root{blockA.Root()}, cx.parentReqs[0].roots)
	assert.Empty(t, cx.blockReqs)

	reqID := cx.parentReqs[0].id
	bl.ParentLookupResponse(reqID, pid, blockA, 0, cx)
	bl.ParentLookupResponse(reqID, pid, nil, 0, cx)
	bl.ParentLookupBlobResponse(cx.parentBlobReqs[0].id, pid, nil, cx)

	require.Len(t, cx.work, 1)
	assert.Equal(t, beacon.WorkRPCBlock, cx.work[0].Kind)
	assert.Equal(t, blockA.Root(), cx.work[0].BlockRoot)
	assert.Equal(t, beacon.BlockProcessType{Kind: beacon.ProcessParentLookup, ChainHash: blockB.Root()}, cx.work[0].ProcessType)

	bl.ParentBlockProcessed(blockB.Root(), beacon.Imported(blockA.Root()), cx)

	segment := cx.lastWork(t)
	assert.Equal(t, beacon.WorkChainSegment, segment.Kind)
	assert.Equal(t, beacon.SegmentParentLookup, segment.SegmentID.Kind)
	assert.Equal(t, []beacon.Root{blockA.Root(), blockB.Root()}, segmentRoots(segment))
	assert.Equal(t, 0, bl.ParentLookupCount())
	assert.Equal(t, 1, bl.ProcessingParentCount())

	// blocks of a chain being processed are not looked up again
	bl.SearchBlock(blockA.Root(), []PeerSource{Gossip(pid)}, cx)
	assert.Equal(t, 1, bl.SingleLookupCount())

	bl.ParentChainProcessed(blockB.Root(), beacon.BatchProcessResult{Kind: beacon.BatchSuccess, SentBlocks: true}, cx)
	assert.Equal(t, 0, bl.ProcessingParentCount())

	// the tip is processed again by its own lookup
	work := cx.lastWork(t)
	assert.Equal(t, beacon.WorkRPCBlock, work.Kind)
	assert.Equal(t, blockB.Root(), work.BlockRoot)
	assert.Equal(t, beacon.ProcessSingleBlock, work.ProcessType.Kind)

	bl.SingleBlockProcessed(work.ProcessType.ID, beacon.Failed(&beacon.BlockError{Kind: beacon.ErrKindAlreadyKnown}), cx)
	assert.Equal(t, 0, bl.SingleLookupCount())
	assert.Empty(t, cx.reports)
}

func TestParentLookup_ChainTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.ParentDepthTolerance = 3

	cx := &fakeNetwork{}
	bl := newTestLookups(t, cfg)
	pid := peer.ID("peer-p")
	tip := testBlock(10, 0x10, 0x09)

	startParentLookup(bl, tip, pid, cx)

	unknownParent := beacon.Failed(&beacon.BlockError{Kind: beacon.ErrKindParentUnknown})
	for i, parent := range []*beacon.BlockHeader{testBlock(9, 0x09, 0x08), testBlock(8, 0x08, 0x07)} {
		require.Len(t, cx.parentReqs, i+1)
		assert.Equal(t, []beacon.Root{parent.Root()}, cx.parentReqs[i].roots)

		bl.ParentLookupResponse(cx.parentReqs[i].id, pid, parent, 0, cx)
		bl.ParentBlockProcessed(tip.Root(), unknownParent, cx)
	}

	assert.Len(t, cx.parentReqs, 2)
	assert.Equal(t, 0, bl.ParentLookupCount())
	assert.Equal(t, 0, bl.SingleLookupCount())
	assert.True(t, bl.FailedChains().Contains(tip.Root()))
	assert.Contains(t, cx.reports, peerReport{peer: pid, action: beacon.LowToleranceError, reason: "chain_too_long"})

	// the failed chain is not searched again
	startParentLookup(bl, tip, pid, cx)
	assert.Equal(t, 0, bl.ParentLookupCount())
	assert.Len(t, cx.parentReqs, 2)
}

func TestParentLookup_FaultyChain(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	pid := peer.ID("peer-p")
	blockA := testBlock(9, 0x0a, 0x01)
	blockB := testBlock(10, 0x0b, 0x0a)

	startParentLookup(bl, blockB, pid, cx)
	bl.ParentLookupResponse(cx.parentReqs[0].id, pid, blockA, 0, cx)
	bl.ParentBlockProcessed(blockB.Root(), beacon.Imported(blockA.Root()), cx)
	require.Equal(t, 1, bl.ProcessingParentCount())

	result := beacon.BatchProcessResult{Kind: beacon.BatchFaultyFailure, Penalty: beacon.LowToleranceError}
	bl.ParentChainProcessed(blockB.Root(), result, cx)

	assert.Equal(t, []peerReport{{peer: pid, action: beacon.LowToleranceError, reason: "parent_chain_failure"}}, cx.reports)
	assert.True(t, bl.FailedChains().Contains(blockB.Root()))
	assert.Equal(t, 0, bl.SingleLookupCount())
	assert.Equal(t, 0, bl.ProcessingParentCount())
}

func TestParentLookup_NonFaultyChain(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	pid := peer.ID("peer-p")
	blockA := testBlock(9, 0x0a, 0x01)
	blockB := testBlock(10, 0x0b, 0x0a)

	startParentLookup(bl, blockB, pid, cx)
	bl.ParentLookupResponse(cx.parentReqs[0].id, pid, blockA, 0, cx)
	bl.ParentBlockProcessed(blockB.Root(), beacon.Imported(blockA.Root()), cx)
	bl.ParentChainProcessed(blockB.Root(), beacon.BatchProcessResult{Kind: beacon.BatchNonFaultyFailure}, cx)

	assert.Empty(t, cx.reports)
	assert.False(t, bl.FailedChains().Contains(blockB.Root()))
	assert.Equal(t, 0, bl.SingleLookupCount())
}

func TestParentLookup_SharedAncestor(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	p1, p2 := peer.ID("peer-1"), peer.ID("peer-2")
	blockB := testBlock(10, 0x0b, 0x0a)
	blockC := testBlock(10, 0x0c, 0x0a)

	startParentLookup(bl, blockB, p1, cx)
	startParentLookup(bl, blockC, p2, cx)

	// C waits for the chain of B instead of asking for A again
	assert.Equal(t, 1, bl.ParentLookupCount())
	assert.Equal(t, 2, bl.SingleLookupCount())
	assert.Len(t, cx.parentReqs, 1)

	p, found := bl.ParentLookup(blockB.Root())
	require.True(t, found)
	assert.True(t, p.current.blockRequest.hasPeer(p2))

	blockA := testBlock(9, 0x0a, 0x01)
	bl.ParentLookupResponse(cx.parentReqs[0].id, p1, blockA, 0, cx)
	bl.ParentBlockProcessed(blockB.Root(), beacon.Imported(blockA.Root()), cx)
	bl.ParentChainProcessed(blockB.Root(), beacon.BatchProcessResult{Kind: beacon.BatchSuccess}, cx)

	// both B and C are processed once A is in
	var resumed []beacon.Root
	for _, w := range cx.work {
		if w.Kind == beacon.WorkRPCBlock && w.ProcessType.Kind == beacon.ProcessSingleBlock {
			resumed = append(resumed, w.BlockRoot)
		}
	}
	assert.ElementsMatch(t, []beacon.Root{blockB.Root(), blockC.Root()}, resumed)
}

func TestParentLookup_RetriesOnInvalidParent(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	p1, p2 := peer.ID("peer-1"), peer.ID("peer-2")
	blockA := testBlock(9, 0x0a, 0x01)
	blockB := testBlock(10, 0x0b, 0x0a)

	startParentLookup(bl, blockB, p1, cx)
	p, found := bl.ParentLookup(blockB.Root())
	require.True(t, found)
	p.addPeer(Gossip(p2))

	bl.ParentLookupResponse(cx.parentReqs[0].id, p1, blockA, 0, cx)
	bl.ParentBlockProcessed(blockB.Root(), beacon.Failed(&beacon.BlockError{Kind: beacon.ErrKindInvalid}), cx)

	assert.Equal(t, []peerReport{{peer: p1, action: beacon.MidToleranceError, reason: "parent_request_err"}}, cx.reports)
	require.Len(t, cx.parentReqs, 2)
	assert.Equal(t, p2, cx.parentReqs[1].peer)
	assert.Equal(t, 1, bl.ParentLookupCount())
}

func TestParentLookup_WaitsForBlobs(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	pid := peer.ID("peer-p")
	blockA := testBlock(9, 0x0a, 0x01)
	blockA.Commitments = 1
	blockB := testBlock(10, 0x0b, 0x0a)

	startParentLookup(bl, blockB, pid, cx)
	require.Len(t, cx.parentBlobReqs, 1)

	bl.ParentLookupResponse(cx.parentReqs[0].id, pid, blockA, 0, cx)
	assert.Empty(t, cx.work)

	bl.ParentLookupBlobResponse(cx.parentBlobReqs[0].id, pid, testBlob(0x0a, 0x01, 0), cx)
	assert.Empty(t, cx.work)

	bl.ParentLookupBlobResponse(cx.parentBlobReqs[0].id, pid, nil, cx)
	require.Len(t, cx.work, 1)
	require.Len(t, cx.work[0].Block.Blobs, 1)
	assert.True(t, cx.work[0].Block.IsAvailable())
}

func TestParentLookup_PreviousFailure(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	pid := peer.ID("peer-p")
	blockA := testBlock(9, 0x0a, 0x01)
	blockB := testBlock(10, 0x0b, 0x0a)

	startParentLookup(bl, blockB, pid, cx)
	bl.FailedChains().Insert(blockA.ParentRoot())

	bl.ParentLookupResponse(cx.parentReqs[0].id, pid, blockA, 0, cx)

	assert.Equal(t, 0, bl.ParentLookupCount())
	assert.True(t, bl.FailedChains().Contains(blockB.Root()))
	assert.Equal(t, []peerReport{{peer: pid, action: beacon.MidToleranceError, reason: "bbroot_failed_chains"}}, cx.reports)
}

func TestDropRequests(t *testing.T) {
	cx := &fakeNetwork{}
	bl := newTestLookups(t, nil)
	pid := peer.ID("peer-p")

	bl.SearchBlock(testRoot(0x01), []PeerSource{Gossip(pid)}, cx)
	startParentLookup(bl, testBlock(10, 0x0b, 0x0a), pid, cx)

	assert.Equal(t, 2, bl.DropSingleBlockRequests())
	assert.Equal(t, 1, bl.DropParentChainRequests())
	assert.Equal(t, 0, bl.SingleLookupCount())
	assert.Equal(t, 0, bl.ParentLookupCount())
}
