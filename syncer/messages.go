package syncer

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/beacon"
)

// RequestKind tags a request id with the component that issued it.
type RequestKind uint8

const (
	RequestSingleBlock RequestKind = iota
	RequestParentLookup
	RequestRangeSync
	RequestBackFillSync
)

func (k RequestKind) String() string {
	switch k {
	case RequestSingleBlock:
		return "single_block"
	case RequestParentLookup:
		return "parent_lookup"
	case RequestRangeSync:
		return "range_sync"
	case RequestBackFillSync:
		return "backfill_sync"
	default:
		return fmt.Sprintf("request_kind(%d)", uint8(k))
	}
}

// RequestID identifies an outbound request of the sync layer. ID is only
// unique within Kind.
type RequestID struct {
	Kind RequestKind
	ID   beacon.ReqID
}

func (r RequestID) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// MessageKind enumerates the [SyncMessage] variants.
type MessageKind uint8

const (
	// MsgAddPeer is sent once the status of a peer is known.
	MsgAddPeer MessageKind = iota
	// MsgRPCBlock is a block response chunk. A nil Block terminates the
	// stream.
	MsgRPCBlock
	// MsgRPCBlob is a blob response chunk. A nil Blob terminates the
	// stream.
	MsgRPCBlob
	// MsgUnknownBlock is a block whose parent is unknown.
	MsgUnknownBlock
	// MsgUnknownBlobParent is a blob whose block has an unknown parent.
	MsgUnknownBlobParent
	// MsgUnknownBlockHash references a block that is unknown.
	MsgUnknownBlockHash
	MsgDisconnect
	MsgRPCError
	// MsgBatchProcessed is the result of a chain segment.
	MsgBatchProcessed
	// MsgBlockProcessed is the result of a block or a set of blobs.
	MsgBlockProcessed
)

func (k MessageKind) String() string {
	switch k {
	case MsgAddPeer:
		return "add_peer"
	case MsgRPCBlock:
		return "rpc_block"
	case MsgRPCBlob:
		return "rpc_blob"
	case MsgUnknownBlock:
		return "unknown_block"
	case MsgUnknownBlobParent:
		return "unknown_blob_parent"
	case MsgUnknownBlockHash:
		return "unknown_block_hash"
	case MsgDisconnect:
		return "disconnect"
	case MsgRPCError:
		return "rpc_error"
	case MsgBatchProcessed:
		return "batch_processed"
	case MsgBlockProcessed:
		return "block_processed"
	default:
		return fmt.Sprintf("message(%d)", uint8(k))
	}
}

// SyncMessage is the only way into the [Manager]. Which fields are set
// depends on Kind.
type SyncMessage struct {
	Kind MessageKind
	Peer peer.ID

	Info beacon.SyncInfo

	RequestID RequestID
	Block     beacon.Block
	Blob      *beacon.BlobSidecar
	Seen      time.Duration
	Err       error

	// Root of an unknown block.
	Root beacon.Root

	ProcessType beacon.BlockProcessType
	BlockResult beacon.BlockProcessingResult
	SegmentID   beacon.ChainSegmentProcessID
	BatchResult beacon.BatchProcessResult
}

func AddPeer(pid peer.ID, info beacon.SyncInfo) SyncMessage {
	return SyncMessage{Kind: MsgAddPeer, Peer: pid, Info: info}
}

func RPCBlock(id RequestID, pid peer.ID, block beacon.Block, seen time.Duration) SyncMessage {
	return SyncMessage{Kind: MsgRPCBlock, RequestID: id, Peer: pid, Block: block, Seen: seen}
}

func RPCBlob(id RequestID, pid peer.ID, blob *beacon.BlobSidecar, seen time.Duration) SyncMessage {
	return SyncMessage{Kind: MsgRPCBlob, RequestID: id, Peer: pid, Blob: blob, Seen: seen}
}

func RPCError(id RequestID, pid peer.ID, err error) SyncMessage {
	return SyncMessage{Kind: MsgRPCError, RequestID: id, Peer: pid, Err: err}
}

func UnknownBlock(pid peer.ID, block beacon.Block, seen time.Duration) SyncMessage {
	return SyncMessage{Kind: MsgUnknownBlock, Peer: pid, Block: block, Root: block.Root(), Seen: seen}
}

func UnknownBlobParent(pid peer.ID, blob *beacon.BlobSidecar) SyncMessage {
	return SyncMessage{Kind: MsgUnknownBlobParent, Peer: pid, Blob: blob, Root: blob.BlockRoot}
}

func UnknownBlockHash(pid peer.ID, root beacon.Root) SyncMessage {
	return SyncMessage{Kind: MsgUnknownBlockHash, Peer: pid, Root: root}
}

func Disconnect(pid peer.ID) SyncMessage {
	return SyncMessage{Kind: MsgDisconnect, Peer: pid}
}

func BlockProcessed(pt beacon.BlockProcessType, result beacon.BlockProcessingResult) SyncMessage {
	return SyncMessage{Kind: MsgBlockProcessed, ProcessType: pt, BlockResult: result}
}

func BatchProcessed(id beacon.ChainSegmentProcessID, result beacon.BatchProcessResult) SyncMessage {
	return SyncMessage{Kind: MsgBatchProcessed, SegmentID: id, BatchResult: result}
}
