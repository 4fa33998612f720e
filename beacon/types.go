// Package beacon holds the consensus-layer types shared by the sync
// components: block and blob wrappers, processing results and the work
// events exchanged with the beacon processor.
package beacon

import (
	"fmt"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/ethereum/go-ethereum/common"
)

// Root is a 32-byte SSZ hash tree root of a beacon block.
type Root = common.Hash

// ReqID correlates an outbound sync request with its responses.
type ReqID uint32

// SyncInfo is the part of a status message that describes how far along
// a node is.
type SyncInfo struct {
	HeadSlot       primitives.Slot
	HeadRoot       Root
	FinalizedEpoch primitives.Epoch
	FinalizedRoot  Root
}

func (s SyncInfo) String() string {
	return fmt.Sprintf("head=%d/%s finalized=%d/%s", s.HeadSlot, s.HeadRoot.TerminalString(), s.FinalizedEpoch, s.FinalizedRoot.TerminalString())
}

// PeerAction is a reputation penalty applied to a remote peer.
type PeerAction uint8

const (
	// Fatal bans the peer immediately.
	Fatal PeerAction = iota
	// LowToleranceError is for protocol violations that only a faulty peer
	// commits. A handful of them result in a ban.
	LowToleranceError
	// MidToleranceError is for ambiguous failures that may not be the
	// fault of the peer.
	MidToleranceError
	// HighToleranceError is for benign failures that are tolerated often.
	HighToleranceError
)

func (a PeerAction) String() string {
	switch a {
	case Fatal:
		return "fatal"
	case LowToleranceError:
		return "low_tolerance_error"
	case MidToleranceError:
		return "mid_tolerance_error"
	case HighToleranceError:
		return "high_tolerance_error"
	default:
		return fmt.Sprintf("peer_action(%d)", uint8(a))
	}
}

// BlobIdentifier names a single blob sidecar by its block root and index.
type BlobIdentifier struct {
	BlockRoot Root
	Index     uint64
}

func (id BlobIdentifier) String() string {
	return fmt.Sprintf("%s/%d", id.BlockRoot.TerminalString(), id.Index)
}
