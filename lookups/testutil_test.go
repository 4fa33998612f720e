package lookups

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/rpc"
)

type sentRequest struct {
	peer  peer.ID
	id    beacon.ReqID
	roots []beacon.Root
	blobs []beacon.BlobIdentifier
}

type peerReport struct {
	peer   peer.ID
	action beacon.PeerAction
	reason string
}

type fakeNetwork struct {
	nextID beacon.ReqID

	blockReqs      []sentRequest
	blobReqs       []sentRequest
	parentReqs     []sentRequest
	parentBlobReqs []sentRequest
	reports        []peerReport
	work           []beacon.WorkEvent

	processorDisabled bool
	processorFull     bool
	executionDisabled bool
}

var _ NetworkContext = (*fakeNetwork)(nil)

func (f *fakeNetwork) id() beacon.ReqID {
	f.nextID++
	return f.nextID
}

func (f *fakeNetwork) SingleBlockLookupRequest(pid peer.ID, req rpc.BlocksByRootRequest) (beacon.ReqID, error) {
	id := f.id()
	f.blockReqs = append(f.blockReqs, sentRequest{peer: pid, id: id, roots: req.Roots})
	return id, nil
}

func (f *fakeNetwork) SingleBlobsLookupRequest(pid peer.ID, req rpc.BlobsByRootRequest) (beacon.ReqID, error) {
	id := f.id()
	f.blobReqs = append(f.blobReqs, sentRequest{peer: pid, id: id, blobs: req.BlobIDs})
	return id, nil
}

func (f *fakeNetwork) ParentLookupRequest(pid peer.ID, req rpc.BlocksByRootRequest) (beacon.ReqID, error) {
	id := f.id()
	f.parentReqs = append(f.parentReqs, sentRequest{peer: pid, id: id, roots: req.Roots})
	return id, nil
}

func (f *fakeNetwork) ParentLookupBlobsRequest(pid peer.ID, req rpc.BlobsByRootRequest) (beacon.ReqID, error) {
	id := f.id()
	f.parentBlobReqs = append(f.parentBlobReqs, sentRequest{peer: pid, id: id, blobs: req.BlobIDs})
	return id, nil
}

func (f *fakeNetwork) ReportPeer(pid peer.ID, action beacon.PeerAction, reason string) {
	f.reports = append(f.reports, peerReport{peer: pid, action: action, reason: reason})
}

func (f *fakeNetwork) ProcessorChannelIfEnabled() (WorkSender, bool) {
	if f.processorDisabled {
		return nil, false
	}
	return f, true
}

func (f *fakeNetwork) ExecutionLayerEnabled() bool {
	return !f.executionDisabled
}

func (f *fakeNetwork) TrySend(ev beacon.WorkEvent) error {
	if f.processorFull {
		return errors.New("queue full")
	}
	f.work = append(f.work, ev)
	return nil
}

func (f *fakeNetwork) lastWork(t *testing.T) beacon.WorkEvent {
	t.Helper()
	require.NotEmpty(t, f.work)
	return f.work[len(f.work)-1]
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.DiscardHandler)
	return cfg
}

func newTestLookups(t *testing.T, cfg *Config) *BlockLookups {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	bl, err := NewBlockLookups(cfg, nil)
	require.NoError(t, err)
	return bl
}

func testRoot(b byte) beacon.Root {
	return beacon.Root{b}
}

func testBlock(slot primitives.Slot, root, parent byte) *beacon.BlockHeader {
	return &beacon.BlockHeader{
		HeaderSlot:       slot,
		HeaderRoot:       testRoot(root),
		HeaderParentRoot: testRoot(parent),
	}
}

func testBlob(root, parent byte, index uint64) *beacon.BlobSidecar {
	return &beacon.BlobSidecar{
		BlockRoot:       testRoot(root),
		BlockParentRoot: testRoot(parent),
		Index:           index,
	}
}

func segmentRoots(ev beacon.WorkEvent) []beacon.Root {
	roots := make([]beacon.Root, len(ev.Segment))
	for i, w := range ev.Segment {
		roots[i] = w.Root()
	}
	return roots
}
