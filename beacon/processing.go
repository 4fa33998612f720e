package beacon

import (
	"fmt"
	"time"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/libp2p/go-libp2p/core/peer"
)

// BlockErrorKind classifies why the beacon processor rejected a block.
type BlockErrorKind uint8

const (
	// ErrKindInvalid covers all verification failures that are the fault
	// of whoever sent the block.
	ErrKindInvalid BlockErrorKind = iota
	// ErrKindParentUnknown means the parent of the block is not in the
	// chain. Block carries the rejected block.
	ErrKindParentUnknown
	// ErrKindAlreadyKnown means the block was imported before.
	ErrKindAlreadyKnown
	// ErrKindBeaconChain is an internal error of the local node.
	ErrKindBeaconChain
	// ErrKindExecutionPayload means the execution layer could not validate
	// the payload. PenalizePeer tells whether the payload itself was bad.
	ErrKindExecutionPayload
)

func (k BlockErrorKind) String() string {
	switch k {
	case ErrKindInvalid:
		return "invalid"
	case ErrKindParentUnknown:
		return "parent_unknown"
	case ErrKindAlreadyKnown:
		return "block_is_already_known"
	case ErrKindBeaconChain:
		return "beacon_chain_error"
	case ErrKindExecutionPayload:
		return "execution_payload_error"
	default:
		return fmt.Sprintf("block_error(%d)", uint8(k))
	}
}

// BlockError is returned by the beacon processor when a block could not be
// imported.
type BlockError struct {
	Kind         BlockErrorKind
	Block        BlockWrapper
	PenalizePeer bool
	Err          error
}

func (e *BlockError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *BlockError) Unwrap() error { return e.Err }

// ProcessingOutcome is the verdict part of a [BlockProcessingResult].
type ProcessingOutcome uint8

const (
	OutcomeImported ProcessingOutcome = iota
	OutcomeMissingComponents
	OutcomeIgnored
	OutcomeErr
)

func (o ProcessingOutcome) String() string {
	switch o {
	case OutcomeImported:
		return "imported"
	case OutcomeMissingComponents:
		return "missing_components"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeErr:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// BlockProcessingResult reports what happened to a single block or a set
// of blobs that was submitted to the beacon processor.
type BlockProcessingResult struct {
	Outcome ProcessingOutcome
	// Root of the imported block or of the block missing components.
	Root Root
	// Slot of the block missing components.
	Slot primitives.Slot
	// Err is set iff Outcome is OutcomeErr.
	Err *BlockError
}

func Imported(root Root) BlockProcessingResult {
	return BlockProcessingResult{Outcome: OutcomeImported, Root: root}
}

func MissingComponents(slot primitives.Slot, root Root) BlockProcessingResult {
	return BlockProcessingResult{Outcome: OutcomeMissingComponents, Slot: slot, Root: root}
}

func Ignored() BlockProcessingResult {
	return BlockProcessingResult{Outcome: OutcomeIgnored}
}

func Failed(err *BlockError) BlockProcessingResult {
	return BlockProcessingResult{Outcome: OutcomeErr, Err: err}
}

// BatchResultKind is the verdict part of a [BatchProcessResult].
type BatchResultKind uint8

const (
	BatchSuccess BatchResultKind = iota
	BatchFaultyFailure
	BatchNonFaultyFailure
)

// BatchProcessResult reports what happened to a chain segment.
type BatchProcessResult struct {
	Kind BatchResultKind
	// SentBlocks tells whether the segment contained any block.
	SentBlocks bool
	// ImportedBlocks tells whether a faulty segment was partially imported.
	ImportedBlocks bool
	// Penalty to apply to every peer that contributed to a faulty segment.
	Penalty PeerAction
}

func (r BatchProcessResult) String() string {
	switch r.Kind {
	case BatchSuccess:
		return "success"
	case BatchFaultyFailure:
		return "faulty_failure(" + r.Penalty.String() + ")"
	case BatchNonFaultyFailure:
		return "non_faulty_failure"
	default:
		return fmt.Sprintf("batch_result(%d)", uint8(r.Kind))
	}
}

// BlockProcessKind tells the sync layer which lookup a processing result
// belongs to.
type BlockProcessKind uint8

const (
	ProcessSingleBlock BlockProcessKind = iota
	ProcessSingleBlob
	ProcessParentLookup
)

// BlockProcessType tags a block or blob submission so that its result can
// be routed back. ID is used by the single kinds, ChainHash by parent
// lookups.
type BlockProcessType struct {
	Kind      BlockProcessKind
	ID        ReqID
	ChainHash Root
}

func (t BlockProcessType) String() string {
	switch t.Kind {
	case ProcessSingleBlock:
		return fmt.Sprintf("single_block(%d)", t.ID)
	case ProcessSingleBlob:
		return fmt.Sprintf("single_blob(%d)", t.ID)
	case ProcessParentLookup:
		return "parent_lookup(" + t.ChainHash.TerminalString() + ")"
	default:
		return fmt.Sprintf("process_type(%d)", uint8(t.Kind))
	}
}

// ChainSegmentKind is the origin of a chain segment.
type ChainSegmentKind uint8

const (
	SegmentRangeBatch ChainSegmentKind = iota
	SegmentBackSyncBatch
	SegmentParentLookup
)

// ChainSegmentProcessID tags a chain segment submission.
type ChainSegmentProcessID struct {
	Kind      ChainSegmentKind
	ChainID   uint64
	Epoch     primitives.Epoch
	ChainHash Root
}

// WorkKind enumerates the work the beacon processor accepts from sync.
type WorkKind uint8

const (
	WorkRPCBlock WorkKind = iota
	WorkRPCBlobs
	WorkChainSegment
	WorkGossipBlock
	WorkGossipBlob
)

func (k WorkKind) String() string {
	switch k {
	case WorkRPCBlock:
		return "rpc_beacon_block"
	case WorkRPCBlobs:
		return "rpc_blobs"
	case WorkChainSegment:
		return "chain_segment"
	case WorkGossipBlock:
		return "gossip_block"
	case WorkGossipBlob:
		return "gossip_blob_sidecar"
	default:
		return fmt.Sprintf("work(%d)", uint8(k))
	}
}

// WorkEvent is a unit of verification work for the beacon processor.
type WorkEvent struct {
	Kind          WorkKind
	BlockRoot     Root
	Block         BlockWrapper
	Blobs         []*BlobSidecar
	SeenTimestamp time.Duration
	ProcessType   BlockProcessType

	SegmentID ChainSegmentProcessID
	Segment   []BlockWrapper

	// Peer that gossiped the block or blob.
	Peer peer.ID
}

func RPCBeaconBlockWork(root Root, block BlockWrapper, seen time.Duration, pt BlockProcessType) WorkEvent {
	return WorkEvent{Kind: WorkRPCBlock, BlockRoot: root, Block: block, SeenTimestamp: seen, ProcessType: pt}
}

func RPCBlobsWork(root Root, blobs []*BlobSidecar, seen time.Duration, pt BlockProcessType) WorkEvent {
	return WorkEvent{Kind: WorkRPCBlobs, BlockRoot: root, Blobs: blobs, SeenTimestamp: seen, ProcessType: pt}
}

func ChainSegmentWork(id ChainSegmentProcessID, blocks []BlockWrapper) WorkEvent {
	return WorkEvent{Kind: WorkChainSegment, SegmentID: id, Segment: blocks}
}

func GossipBlockWork(pid peer.ID, block Block, seen time.Duration) WorkEvent {
	return WorkEvent{Kind: WorkGossipBlock, BlockRoot: block.Root(), Block: BlockWrapper{Block: block}, SeenTimestamp: seen, Peer: pid}
}

func GossipBlobWork(pid peer.ID, blob *BlobSidecar, seen time.Duration) WorkEvent {
	return WorkEvent{Kind: WorkGossipBlob, BlockRoot: blob.BlockRoot, Blobs: []*BlobSidecar{blob}, SeenTimestamp: seen, Peer: pid}
}
