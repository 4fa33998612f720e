package syncer

import (
	"fmt"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
)

// SyncStateKind is the coarse sync status of the node.
type SyncStateKind uint8

const (
	// Stalled means there are no useful peers to sync from.
	Stalled SyncStateKind = iota
	// SyncingFinalized downloads finalized blocks by range.
	SyncingFinalized
	// SyncingHead downloads the non-finalized head chain by range.
	SyncingHead
	// SyncTransition means advanced peers exist but no range sync runs
	// yet.
	SyncTransition
	// BackFillSyncing downloads history below the checkpoint while the
	// head is synced.
	BackFillSyncing
	Synced
)

func (k SyncStateKind) String() string {
	switch k {
	case Stalled:
		return "stalled"
	case SyncingFinalized:
		return "syncing_finalized"
	case SyncingHead:
		return "syncing_head"
	case SyncTransition:
		return "sync_transition"
	case BackFillSyncing:
		return "backfill_syncing"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("sync_state(%d)", uint8(k))
	}
}

// SyncState is the sync status together with the progress of whatever
// sync is running.
type SyncState struct {
	Kind SyncStateKind

	// StartSlot and TargetSlot are set by the range sync states.
	StartSlot  primitives.Slot
	TargetSlot primitives.Slot

	// Completed and Remaining count backfilled blocks.
	Completed uint64
	Remaining uint64
}

// IsSynced reports whether the head of the node is up to date. A running
// backfill does not change that.
func (s SyncState) IsSynced() bool {
	return s.Kind == Synced || s.Kind == BackFillSyncing
}

// IsSyncing reports whether a range sync is running.
func (s SyncState) IsSyncing() bool {
	return s.Kind == SyncingFinalized || s.Kind == SyncingHead
}

func (s SyncState) String() string {
	switch s.Kind {
	case SyncingFinalized, SyncingHead:
		return fmt.Sprintf("%s(%d..%d)", s.Kind, s.StartSlot, s.TargetSlot)
	case BackFillSyncing:
		return fmt.Sprintf("%s(%d/%d)", s.Kind, s.Completed, s.Completed+s.Remaining)
	default:
		return s.Kind.String()
	}
}
