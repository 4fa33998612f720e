package beacon

import (
	"fmt"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	ethpb "github.com/OffchainLabs/prysm/v6/proto/prysm/v1alpha1"
	"github.com/ethereum/go-ethereum/common"
)

// Block is the view of a signed beacon block that the sync layer needs.
type Block interface {
	Slot() primitives.Slot
	Root() Root
	ParentRoot() Root
	// BlobCount is the number of KZG commitments in the block body and thus
	// the number of blob sidecars that make the block available.
	BlobCount() int
}

// BlockHeader is a [Block] that is only known by its header fields. It is
// used for anchors such as the genesis block, for which the full body is
// not needed.
type BlockHeader struct {
	HeaderSlot       primitives.Slot
	HeaderRoot       Root
	HeaderParentRoot Root
	Commitments      int
}

var _ Block = (*BlockHeader)(nil)

func (h *BlockHeader) Slot() primitives.Slot { return h.HeaderSlot }
func (h *BlockHeader) Root() Root            { return h.HeaderRoot }
func (h *BlockHeader) ParentRoot() Root      { return h.HeaderParentRoot }
func (h *BlockHeader) BlobCount() int        { return h.Commitments }

// DenebBlock wraps a Deneb signed beacon block together with its cached
// hash tree root.
type DenebBlock struct {
	root Root
	raw  *ethpb.SignedBeaconBlockDeneb
}

var _ Block = (*DenebBlock)(nil)

// NewDenebBlock computes the block root of raw and wraps it.
func NewDenebBlock(raw *ethpb.SignedBeaconBlockDeneb) (*DenebBlock, error) {
	if raw == nil || raw.Block == nil || raw.Block.Body == nil {
		return nil, fmt.Errorf("incomplete deneb block")
	}

	root, err := raw.Block.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("hash tree root: %w", err)
	}

	return &DenebBlock{root: root, raw: raw}, nil
}

func (b *DenebBlock) Slot() primitives.Slot { return b.raw.Block.Slot }
func (b *DenebBlock) Root() Root            { return b.root }
func (b *DenebBlock) ParentRoot() Root      { return common.BytesToHash(b.raw.Block.ParentRoot) }
func (b *DenebBlock) BlobCount() int        { return len(b.raw.Block.Body.BlobKzgCommitments) }

// Raw returns the wrapped protobuf container.
func (b *DenebBlock) Raw() *ethpb.SignedBeaconBlockDeneb { return b.raw }

// BlobSidecar is a blob together with the root of the block it belongs to.
type BlobSidecar struct {
	BlockRoot       Root
	BlockParentRoot Root
	Slot            primitives.Slot
	Index           uint64

	// Raw is nil for sidecars that never went over the wire.
	Raw *ethpb.BlobSidecar
}

// NewBlobSidecar derives the block root from the signed header of raw.
func NewBlobSidecar(raw *ethpb.BlobSidecar) (*BlobSidecar, error) {
	if raw == nil || raw.SignedBlockHeader == nil || raw.SignedBlockHeader.Header == nil {
		return nil, fmt.Errorf("blob sidecar without block header")
	}

	hdr := raw.SignedBlockHeader.Header
	root, err := hdr.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("hash tree root of block header: %w", err)
	}

	return &BlobSidecar{
		BlockRoot:       root,
		BlockParentRoot: common.BytesToHash(hdr.ParentRoot),
		Slot:            hdr.Slot,
		Index:           raw.Index,
		Raw:             raw,
	}, nil
}

// ID returns the identifier under which the sidecar can be requested.
func (b *BlobSidecar) ID() BlobIdentifier {
	return BlobIdentifier{BlockRoot: b.BlockRoot, Index: b.Index}
}

// BlockWrapper is a block plus whatever blobs were downloaded for it.
type BlockWrapper struct {
	Block Block
	Blobs []*BlobSidecar
}

// Root returns the root of the wrapped block.
func (w BlockWrapper) Root() Root { return w.Block.Root() }

// IsAvailable reports whether all blobs the block commits to are present.
func (w BlockWrapper) IsAvailable() bool {
	n := w.Block.BlobCount()
	if n == 0 {
		return true
	}

	seen := make(map[uint64]struct{}, len(w.Blobs))
	for _, b := range w.Blobs {
		if b != nil && b.BlockRoot == w.Block.Root() && b.Index < uint64(n) {
			seen[b.Index] = struct{}{}
		}
	}

	return len(seen) == n
}
