package processor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/syncer"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []syncer.SyncMessage
}

func (f *fakeSink) Send(ctx context.Context, msg syncer.SyncMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSink) received() []syncer.SyncMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncer.SyncMessage(nil), f.msgs...)
}

func newTestProcessor(t *testing.T, queue int) (*Processor, *MemoryChain, beacon.Block) {
	t.Helper()

	chain, genesis := newTestChain(t)

	cfg := DefaultConfig()
	cfg.QueueSize = queue
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := New(cfg, chain)
	require.NoError(t, err)

	return p, chain, genesis
}

func TestProcessor_TrySendQueueFull(t *testing.T) {
	p, _, genesis := newTestProcessor(t, 1)
	b1 := testBlock(1, testRoot(1), genesis.Root(), 0)

	require.NoError(t, p.TrySend(beacon.GossipBlockWork("peer", b1, 0)))
	assert.ErrorIs(t, p.TrySend(beacon.GossipBlockWork("peer", b1, 0)), ErrQueueFull)
}

func TestProcessor_ServeWithoutSink(t *testing.T) {
	p, _, _ := newTestProcessor(t, 1)
	assert.Error(t, p.Serve(context.Background()))
}

func TestProcessor_Process(t *testing.T) {
	p, chain, genesis := newTestProcessor(t, 1)
	b1 := testBlock(1, testRoot(1), genesis.Root(), 1)
	b2 := testBlock(2, testRoot(2), b1.Root(), 0)
	pt := beacon.BlockProcessType{Kind: beacon.ProcessSingleBlock, ID: 7}

	msg, ok := p.process(beacon.RPCBeaconBlockWork(b1.Root(), beacon.BlockWrapper{Block: b1}, 0, pt))
	require.True(t, ok)
	assert.Equal(t, syncer.MsgBlockProcessed, msg.Kind)
	assert.Equal(t, pt, msg.ProcessType)
	assert.Equal(t, beacon.OutcomeMissingComponents, msg.BlockResult.Outcome)

	blobPT := beacon.BlockProcessType{Kind: beacon.ProcessSingleBlob, ID: 8}
	msg, ok = p.process(beacon.RPCBlobsWork(b1.Root(), []*beacon.BlobSidecar{testBlob(b1, 0)}, 0, blobPT))
	require.True(t, ok)
	assert.Equal(t, blobPT, msg.ProcessType)
	assert.Equal(t, beacon.OutcomeImported, msg.BlockResult.Outcome)

	id := beacon.ChainSegmentProcessID{Kind: beacon.SegmentParentLookup, ChainHash: b2.Root()}
	msg, ok = p.process(beacon.ChainSegmentWork(id, []beacon.BlockWrapper{{Block: b2}}))
	require.True(t, ok)
	assert.Equal(t, syncer.MsgBatchProcessed, msg.Kind)
	assert.Equal(t, id, msg.SegmentID)
	assert.Equal(t, beacon.BatchSuccess, msg.BatchResult.Kind)
	assert.True(t, chain.BlockIsKnown(b2.Root()))
}

func TestProcessor_GossipBlock(t *testing.T) {
	p, _, genesis := newTestProcessor(t, 1)
	pid := peer.ID("peer-1")

	b1 := testBlock(1, testRoot(1), genesis.Root(), 0)
	_, ok := p.process(beacon.GossipBlockWork(pid, b1, time.Second))
	assert.False(t, ok)

	orphan := testBlock(9, testRoot(9), testRoot(8), 0)
	msg, ok := p.process(beacon.GossipBlockWork(pid, orphan, time.Second))
	require.True(t, ok)
	assert.Equal(t, syncer.MsgUnknownBlock, msg.Kind)
	assert.Equal(t, pid, msg.Peer)
	assert.Equal(t, orphan.Root(), msg.Root)
	assert.Equal(t, time.Second, msg.Seen)
}

func TestProcessor_Serve(t *testing.T) {
	p, chain, genesis := newTestProcessor(t, 4)
	sink := &fakeSink{}
	p.SetResultSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	b1 := testBlock(1, testRoot(1), genesis.Root(), 0)
	pt := beacon.BlockProcessType{Kind: beacon.ProcessSingleBlock, ID: 1}
	require.NoError(t, p.TrySend(beacon.RPCBeaconBlockWork(b1.Root(), beacon.BlockWrapper{Block: b1}, 0, pt)))

	assert.Eventually(t, func() bool { return len(sink.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, chain.BlockIsKnown(b1.Root()))

	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, p.TrySend(beacon.GossipBlockWork("peer", b1, 0)), ErrClosed)
}
