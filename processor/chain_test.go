package processor

import (
	"testing"
	"time"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-lab/beacon-sync/beacon"
)

func testRoot(b byte) beacon.Root {
	var r beacon.Root
	r[0] = b
	r[31] = 0xaa
	return r
}

func testBlock(slot primitives.Slot, root, parent beacon.Root, blobs int) *beacon.BlockHeader {
	return &beacon.BlockHeader{HeaderSlot: slot, HeaderRoot: root, HeaderParentRoot: parent, Commitments: blobs}
}

func testBlob(block beacon.Block, index uint64) *beacon.BlobSidecar {
	return &beacon.BlobSidecar{BlockRoot: block.Root(), BlockParentRoot: block.ParentRoot(), Slot: block.Slot(), Index: index}
}

func newTestChain(t *testing.T) (*MemoryChain, beacon.Block) {
	t.Helper()
	genesis := testBlock(0, testRoot(0), beacon.Root{}, 0)
	c, err := NewMemoryChain(genesis, time.Now(), 12, 64)
	require.NoError(t, err)
	return c, genesis
}

func TestNewMemoryChain_Invalid(t *testing.T) {
	genesis := testBlock(0, testRoot(0), beacon.Root{}, 0)

	_, err := NewMemoryChain(genesis, time.Now(), 0, 64)
	assert.Error(t, err)

	_, err = NewMemoryChain(genesis, time.Now(), 12, 0)
	assert.Error(t, err)
}

func TestMemoryChain_ImportBlock(t *testing.T) {
	c, genesis := newTestChain(t)
	assert.True(t, c.BlockIsKnown(genesis.Root()))

	b1 := testBlock(1, testRoot(1), genesis.Root(), 0)
	res := c.ImportBlock(beacon.BlockWrapper{Block: b1})
	assert.Equal(t, beacon.OutcomeImported, res.Outcome)
	assert.Equal(t, b1.Root(), res.Root)
	assert.True(t, c.BlockIsKnown(b1.Root()))

	info := c.SyncInfo()
	assert.Equal(t, primitives.Slot(1), info.HeadSlot)
	assert.Equal(t, b1.Root(), info.HeadRoot)
	assert.Equal(t, genesis.Root(), info.FinalizedRoot)

	res = c.ImportBlock(beacon.BlockWrapper{Block: b1})
	require.Equal(t, beacon.OutcomeErr, res.Outcome)
	assert.Equal(t, beacon.ErrKindAlreadyKnown, res.Err.Kind)

	res = c.ImportBlock(beacon.BlockWrapper{})
	require.Equal(t, beacon.OutcomeErr, res.Outcome)
	assert.Equal(t, beacon.ErrKindInvalid, res.Err.Kind)
}

func TestMemoryChain_ParentUnknown(t *testing.T) {
	c, _ := newTestChain(t)

	orphan := testBlock(5, testRoot(5), testRoot(4), 0)
	res := c.ImportBlock(beacon.BlockWrapper{Block: orphan})
	require.Equal(t, beacon.OutcomeErr, res.Outcome)
	assert.Equal(t, beacon.ErrKindParentUnknown, res.Err.Kind)
	assert.Equal(t, orphan.Root(), res.Err.Block.Root())
	assert.False(t, c.BlockIsKnown(orphan.Root()))
}

func TestMemoryChain_BlobsBeforeBlock(t *testing.T) {
	c, genesis := newTestChain(t)
	b1 := testBlock(1, testRoot(1), genesis.Root(), 2)

	res := c.ImportBlobs(b1.Root(), []*beacon.BlobSidecar{testBlob(b1, 1)})
	assert.Equal(t, beacon.OutcomeMissingComponents, res.Outcome)
	assert.Equal(t, primitives.Slot(1), res.Slot)

	missing := c.MissingBlobIDs(b1.Root(), b1)
	assert.Equal(t, []beacon.BlobIdentifier{{BlockRoot: b1.Root(), Index: 0}}, missing)

	res = c.ImportBlock(beacon.BlockWrapper{Block: b1, Blobs: []*beacon.BlobSidecar{testBlob(b1, 0)}})
	assert.Equal(t, beacon.OutcomeImported, res.Outcome)
	assert.True(t, c.BlockIsKnown(b1.Root()))
}

func TestMemoryChain_BlockBeforeBlobs(t *testing.T) {
	c, genesis := newTestChain(t)
	b1 := testBlock(1, testRoot(1), genesis.Root(), 2)

	res := c.ImportBlock(beacon.BlockWrapper{Block: b1})
	assert.Equal(t, beacon.OutcomeMissingComponents, res.Outcome)
	assert.False(t, c.BlockIsKnown(b1.Root()))
	assert.Len(t, c.MissingBlobIDs(b1.Root(), b1), 2)

	res = c.ImportBlobs(b1.Root(), []*beacon.BlobSidecar{testBlob(b1, 0)})
	assert.Equal(t, beacon.OutcomeMissingComponents, res.Outcome)

	// blobs of another block are ignored
	res = c.ImportBlobs(b1.Root(), []*beacon.BlobSidecar{testBlob(testBlock(1, testRoot(9), genesis.Root(), 2), 1)})
	assert.Equal(t, beacon.OutcomeMissingComponents, res.Outcome)

	res = c.ImportBlobs(b1.Root(), []*beacon.BlobSidecar{testBlob(b1, 1)})
	assert.Equal(t, beacon.OutcomeImported, res.Outcome)

	w, found := c.Block(b1.Root())
	require.True(t, found)
	assert.Len(t, w.Blobs, 2)

	res = c.ImportBlobs(b1.Root(), []*beacon.BlobSidecar{testBlob(b1, 1)})
	require.Equal(t, beacon.OutcomeErr, res.Outcome)
	assert.Equal(t, beacon.ErrKindAlreadyKnown, res.Err.Kind)
}

func TestMemoryChain_ImportSegment(t *testing.T) {
	c, genesis := newTestChain(t)
	b1 := testBlock(1, testRoot(1), genesis.Root(), 0)
	b2 := testBlock(2, testRoot(2), b1.Root(), 0)
	b3 := testBlock(3, testRoot(3), b2.Root(), 0)

	require.Equal(t, beacon.OutcomeImported, c.ImportBlock(beacon.BlockWrapper{Block: b1}).Outcome)

	res := c.ImportSegment([]beacon.BlockWrapper{{Block: b1}, {Block: b2}, {Block: b3}})
	assert.Equal(t, beacon.BatchSuccess, res.Kind)
	assert.True(t, res.SentBlocks)
	assert.Equal(t, primitives.Slot(3), c.Head().Slot())
}

func TestMemoryChain_ImportSegmentFaulty(t *testing.T) {
	c, genesis := newTestChain(t)
	b1 := testBlock(1, testRoot(1), genesis.Root(), 0)
	gap := testBlock(3, testRoot(3), testRoot(2), 0)

	res := c.ImportSegment([]beacon.BlockWrapper{{Block: b1}, {Block: gap}})
	assert.Equal(t, beacon.BatchFaultyFailure, res.Kind)
	assert.True(t, res.ImportedBlocks)
	assert.Equal(t, beacon.LowToleranceError, res.Penalty)
	assert.True(t, c.BlockIsKnown(b1.Root()))
	assert.False(t, c.BlockIsKnown(gap.Root()))
}

func TestMemoryChain_CurrentSlot(t *testing.T) {
	c, _ := newTestChain(t)
	now := c.genesisTime.Add(10*12*time.Second + 5*time.Second)
	c.now = func() time.Time { return now }
	assert.Equal(t, primitives.Slot(10), c.CurrentSlot())

	c.now = func() time.Time { return c.genesisTime.Add(-time.Minute) }
	assert.Equal(t, primitives.Slot(0), c.CurrentSlot())
}

func TestMemoryChain_Serving(t *testing.T) {
	c, genesis := newTestChain(t)
	b1 := testBlock(1, testRoot(1), genesis.Root(), 1)
	b2 := testBlock(2, testRoot(2), b1.Root(), 0)
	b3 := testBlock(3, testRoot(3), b2.Root(), 0)

	require.Equal(t, beacon.OutcomeImported, c.ImportBlock(beacon.BlockWrapper{Block: b1, Blobs: []*beacon.BlobSidecar{testBlob(b1, 0)}}).Outcome)
	require.Equal(t, beacon.OutcomeImported, c.ImportBlock(beacon.BlockWrapper{Block: b2}).Outcome)
	require.Equal(t, beacon.OutcomeImported, c.ImportBlock(beacon.BlockWrapper{Block: b3}).Outcome)

	blocks := c.BlocksByRange(2, 5)
	require.Len(t, blocks, 2)
	assert.Equal(t, b2.Root(), blocks[0].Root())
	assert.Equal(t, b3.Root(), blocks[1].Root())

	assert.Empty(t, c.BlocksByRange(4, 10))

	blob, found := c.Blob(beacon.BlobIdentifier{BlockRoot: b1.Root(), Index: 0})
	require.True(t, found)
	assert.Equal(t, uint64(0), blob.Index)

	_, found = c.Blob(beacon.BlobIdentifier{BlockRoot: b1.Root(), Index: 1})
	assert.False(t, found)
}
