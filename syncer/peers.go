package syncer

import (
	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/beacon"
)

// PeerSyncType classifies a peer relative to the local chain.
type PeerSyncType uint8

const (
	// FullySynced peers are within the import tolerance of our head.
	FullySynced PeerSyncType = iota
	// Advanced peers have blocks we do not have.
	Advanced
	// Behind peers are of no use for syncing.
	Behind
)

func (t PeerSyncType) String() string {
	switch t {
	case FullySynced:
		return "synced"
	case Advanced:
		return "advanced"
	case Behind:
		return "behind"
	default:
		return "unknown"
	}
}

// BlockChecker tells whether a block root is part of the local chain.
type BlockChecker interface {
	BlockIsKnown(root beacon.Root) bool
}

// RemoteSyncType classifies the remote peer. A peer is advanced if its
// finalized checkpoint is ahead of ours or its head is beyond the import
// tolerance and unknown to us.
func RemoteSyncType(local, remote beacon.SyncInfo, tolerance uint64, chain BlockChecker) PeerSyncType {
	nearStart := primitives.Slot(0)
	if uint64(local.HeadSlot) > tolerance {
		nearStart = local.HeadSlot - primitives.Slot(tolerance)
	}
	nearEnd := local.HeadSlot + primitives.Slot(tolerance)

	switch {
	case remote.FinalizedEpoch < local.FinalizedEpoch:
		// their finalized chain is not useful to us
		if remote.HeadSlot < nearStart {
			return Behind
		}
		return FullySynced

	case remote.FinalizedEpoch == local.FinalizedEpoch:
		if remote.HeadSlot < nearStart {
			return Behind
		}
		if remote.HeadSlot > nearEnd && !chain.BlockIsKnown(remote.HeadRoot) {
			return Advanced
		}
		return FullySynced

	default:
		nextEpoch := local.FinalizedEpoch+1 == remote.FinalizedEpoch
		nearHead := nearStart <= remote.HeadSlot && remote.HeadSlot <= nearEnd
		if (nextEpoch && nearHead) || chain.BlockIsKnown(remote.HeadRoot) {
			return FullySynced
		}
		return Advanced
	}
}

// PeerSyncStatus is the last known sync status of a peer.
type PeerSyncStatus struct {
	Type PeerSyncType
	Info beacon.SyncInfo
}

// PeerSet tracks the sync status of the connected peers that completed a
// status handshake. It is owned by the [Manager].
type PeerSet struct {
	peers map[peer.ID]PeerSyncStatus
}

func NewPeerSet() *PeerSet {
	return &PeerSet{peers: map[peer.ID]PeerSyncStatus{}}
}

// Update records the status of the peer and reports whether its type
// changed.
func (s *PeerSet) Update(pid peer.ID, status PeerSyncStatus) bool {
	old, found := s.peers[pid]
	s.peers[pid] = status
	return !found || old.Type != status.Type
}

func (s *PeerSet) Remove(pid peer.ID) {
	delete(s.peers, pid)
}

func (s *PeerSet) IsConnected(pid peer.ID) bool {
	_, found := s.peers[pid]
	return found
}

func (s *PeerSet) Status(pid peer.ID) (PeerSyncStatus, bool) {
	st, found := s.peers[pid]
	return st, found
}

func (s *PeerSet) Len() int {
	return len(s.peers)
}

func (s *PeerSet) count(t PeerSyncType) int {
	n := 0
	for _, st := range s.peers {
		if st.Type == t {
			n++
		}
	}
	return n
}

func (s *PeerSet) AdvancedPeers() int { return s.count(Advanced) }
func (s *PeerSet) SyncedPeers() int   { return s.count(FullySynced) }
