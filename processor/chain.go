package processor

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/probe-lab/beacon-sync/beacon"
)

// MemoryChain is a minimal in-memory block store. It links blocks by
// parent root and tracks the highest imported block as head. It does not
// run fork choice or verify state transitions. It is safe for concurrent
// use.
type MemoryChain struct {
	mu sync.RWMutex

	genesis        beacon.Block
	genesisTime    time.Time
	secondsPerSlot uint64

	blocks *lru.Cache[beacon.Root, beacon.BlockWrapper]
	// blocks waiting for blobs and blobs that arrived before their block
	pendingBlocks *lru.Cache[beacon.Root, beacon.Block]
	pendingBlobs  *lru.Cache[beacon.Root, map[uint64]*beacon.BlobSidecar]

	head beacon.Block
	now  func() time.Time
}

// NewMemoryChain creates a chain anchored at genesis that keeps at most
// size blocks.
func NewMemoryChain(genesis beacon.Block, genesisTime time.Time, secondsPerSlot uint64, size int) (*MemoryChain, error) {
	if secondsPerSlot == 0 {
		return nil, fmt.Errorf("seconds per slot must be positive")
	}

	blocks, err := lru.New[beacon.Root, beacon.BlockWrapper](size)
	if err != nil {
		return nil, fmt.Errorf("new block cache: %w", err)
	}

	pendingBlocks, err := lru.New[beacon.Root, beacon.Block](size)
	if err != nil {
		return nil, fmt.Errorf("new pending block cache: %w", err)
	}

	pendingBlobs, err := lru.New[beacon.Root, map[uint64]*beacon.BlobSidecar](size)
	if err != nil {
		return nil, fmt.Errorf("new pending blob cache: %w", err)
	}

	c := &MemoryChain{
		genesis:        genesis,
		genesisTime:    genesisTime,
		secondsPerSlot: secondsPerSlot,
		blocks:         blocks,
		pendingBlocks:  pendingBlocks,
		pendingBlobs:   pendingBlobs,
		head:           genesis,
		now:            time.Now,
	}

	return c, nil
}

// BlockIsKnown reports whether the block was imported. The genesis block
// is always known.
func (c *MemoryChain) BlockIsKnown(root beacon.Root) bool {
	if root == c.genesis.Root() {
		return true
	}
	return c.blocks.Contains(root)
}

// Block returns an imported block.
func (c *MemoryChain) Block(root beacon.Root) (beacon.BlockWrapper, bool) {
	return c.blocks.Get(root)
}

// BlocksByRange returns the imported blocks with a slot in
// [start, start+count) ordered by slot.
func (c *MemoryChain) BlocksByRange(start primitives.Slot, count uint64) []beacon.BlockWrapper {
	var out []beacon.BlockWrapper
	for _, w := range c.blocks.Values() {
		slot := w.Block.Slot()
		if slot >= start && uint64(slot-start) < count {
			out = append(out, w)
		}
	}

	slices.SortFunc(out, func(a, b beacon.BlockWrapper) int {
		return cmp.Compare(a.Block.Slot(), b.Block.Slot())
	})

	return out
}

// Blob returns a blob of an imported block.
func (c *MemoryChain) Blob(id beacon.BlobIdentifier) (*beacon.BlobSidecar, bool) {
	w, found := c.blocks.Get(id.BlockRoot)
	if !found {
		return nil, false
	}

	for _, b := range w.Blobs {
		if b.Index == id.Index {
			return b, true
		}
	}

	return nil, false
}

func (c *MemoryChain) Head() beacon.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// SyncInfo describes the chain in status message terms. The chain never
// finalizes past genesis.
func (c *MemoryChain) SyncInfo() beacon.SyncInfo {
	head := c.Head()
	return beacon.SyncInfo{
		HeadSlot:       head.Slot(),
		HeadRoot:       head.Root(),
		FinalizedEpoch: 0,
		FinalizedRoot:  c.genesis.Root(),
	}
}

// CurrentSlot is the wall clock slot.
func (c *MemoryChain) CurrentSlot() primitives.Slot {
	elapsed := c.now().Sub(c.genesisTime)
	if elapsed < 0 {
		return 0
	}
	return primitives.Slot(uint64(elapsed.Seconds()) / c.secondsPerSlot)
}

// MissingBlobIDs lists the blobs of a block that were not received yet.
func (c *MemoryChain) MissingBlobIDs(root beacon.Root, block beacon.Block) []beacon.BlobIdentifier {
	have, _ := c.pendingBlobs.Peek(root)

	var missing []beacon.BlobIdentifier
	for i := 0; i < block.BlobCount(); i++ {
		if _, found := have[uint64(i)]; !found {
			missing = append(missing, beacon.BlobIdentifier{BlockRoot: root, Index: uint64(i)})
		}
	}
	return missing
}

func (c *MemoryChain) addBlobs(root beacon.Root, blobs []*beacon.BlobSidecar) {
	have, found := c.pendingBlobs.Peek(root)
	if !found {
		have = map[uint64]*beacon.BlobSidecar{}
	}
	for _, b := range blobs {
		if b != nil && b.BlockRoot == root {
			have[b.Index] = b
		}
	}
	c.pendingBlobs.Add(root, have)
}

func (c *MemoryChain) wrap(block beacon.Block) beacon.BlockWrapper {
	w := beacon.BlockWrapper{Block: block}
	have, _ := c.pendingBlobs.Peek(block.Root())
	for i := 0; i < block.BlobCount(); i++ {
		if b, found := have[uint64(i)]; found {
			w.Blobs = append(w.Blobs, b)
		}
	}
	return w
}

// ImportBlock imports a block together with the blobs it carries.
func (c *MemoryChain) ImportBlock(w beacon.BlockWrapper) beacon.BlockProcessingResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.importBlock(w)
}

func (c *MemoryChain) importBlock(w beacon.BlockWrapper) beacon.BlockProcessingResult {
	if w.Block == nil {
		return beacon.Failed(&beacon.BlockError{Kind: beacon.ErrKindInvalid, PenalizePeer: true, Err: fmt.Errorf("empty block")})
	}

	root := w.Root()
	if c.BlockIsKnown(root) {
		return beacon.Failed(&beacon.BlockError{Kind: beacon.ErrKindAlreadyKnown})
	}

	if !c.BlockIsKnown(w.Block.ParentRoot()) {
		return beacon.Failed(&beacon.BlockError{Kind: beacon.ErrKindParentUnknown, Block: w})
	}

	c.addBlobs(root, w.Blobs)
	full := c.wrap(w.Block)
	if !full.IsAvailable() {
		c.pendingBlocks.Add(root, w.Block)
		return beacon.MissingComponents(w.Block.Slot(), root)
	}

	c.blocks.Add(root, full)
	c.pendingBlocks.Remove(root)
	c.pendingBlobs.Remove(root)

	if w.Block.Slot() > c.head.Slot() {
		c.head = w.Block
	}

	return beacon.Imported(root)
}

// ImportBlobs adds blobs of a block. The block is imported once it and
// all its blobs are present.
func (c *MemoryChain) ImportBlobs(root beacon.Root, blobs []*beacon.BlobSidecar) beacon.BlockProcessingResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.BlockIsKnown(root) {
		return beacon.Failed(&beacon.BlockError{Kind: beacon.ErrKindAlreadyKnown})
	}

	c.addBlobs(root, blobs)

	block, found := c.pendingBlocks.Get(root)
	if !found {
		var slot primitives.Slot
		if len(blobs) > 0 {
			slot = blobs[0].Slot
		}
		return beacon.MissingComponents(slot, root)
	}

	return c.importBlock(beacon.BlockWrapper{Block: block})
}

// ImportSegment imports blocks ordered from the oldest to the newest.
func (c *MemoryChain) ImportSegment(blocks []beacon.BlockWrapper) beacon.BatchProcessResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	imported := false
	for _, w := range blocks {
		res := c.importBlock(w)
		switch res.Outcome {
		case beacon.OutcomeImported:
			imported = true
			continue
		case beacon.OutcomeErr:
			if res.Err.Kind == beacon.ErrKindAlreadyKnown {
				continue
			}
		}

		return beacon.BatchProcessResult{
			Kind:           beacon.BatchFaultyFailure,
			SentBlocks:     true,
			ImportedBlocks: imported,
			Penalty:        beacon.LowToleranceError,
		}
	}

	return beacon.BatchProcessResult{Kind: beacon.BatchSuccess, SentBlocks: len(blocks) > 0}
}
