package syncer

import (
	"log/slog"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/beacon"
)

// RangeStateKind is what the range sync is currently doing.
type RangeStateKind uint8

const (
	RangeIdle RangeStateKind = iota
	RangeFinalized
	RangeHead
)

// RangeState is reported by [RangeSync.State].
type RangeState struct {
	Kind RangeStateKind
	From primitives.Slot
	To   primitives.Slot
}

// RangeSync downloads long stretches of the chain by range from advanced
// peers. The [Manager] only drives it.
type RangeSync interface {
	AddPeer(cx *NetworkContext, local, remote beacon.SyncInfo, pid peer.ID)
	PeerDisconnected(cx *NetworkContext, pid peer.ID)
	BlocksByRangeResponse(cx *NetworkContext, pid peer.ID, id beacon.ReqID, block beacon.Block)
	InjectError(cx *NetworkContext, pid peer.ID, id beacon.ReqID)
	HandleBlockProcessResult(cx *NetworkContext, chainID uint64, epoch primitives.Epoch, result beacon.BatchProcessResult)
	State() (RangeState, error)
}

// BackFillStartKind tells whether a backfill sync is running.
type BackFillStartKind uint8

const (
	BackFillNotSyncing BackFillStartKind = iota
	BackFillSyncingStarted
)

// BackFillStart is returned by [BackFillSync.Start].
type BackFillStart struct {
	Kind      BackFillStartKind
	Completed uint64
	Remaining uint64
}

// ProcessResult is what a backfill response or batch result led to.
type ProcessResult uint8

const (
	ProcessSuccessful ProcessResult = iota
	ProcessSyncCompleted
)

// BackFillSync downloads the history below the weak subjectivity
// checkpoint once the head is synced.
type BackFillSync interface {
	Start(cx *NetworkContext) (BackFillStart, error)
	Pause()
	FullySyncedPeerJoined()
	PeerDisconnected(cx *NetworkContext, pid peer.ID) error
	OnBlockResponse(cx *NetworkContext, pid peer.ID, id beacon.ReqID, block beacon.Block) (ProcessResult, error)
	InjectError(cx *NetworkContext, pid peer.ID, id beacon.ReqID) error
	OnBatchProcessResult(cx *NetworkContext, epoch primitives.Epoch, result beacon.BatchProcessResult) (ProcessResult, error)
}

// IdleRangeSync never starts a range sync. It is used by nodes that only
// follow the head with lookups.
type IdleRangeSync struct {
	log *slog.Logger
}

var _ RangeSync = (*IdleRangeSync)(nil)

func NewIdleRangeSync(log *slog.Logger) *IdleRangeSync {
	return &IdleRangeSync{log: log.With("component", "range_sync")}
}

func (r *IdleRangeSync) AddPeer(cx *NetworkContext, local, remote beacon.SyncInfo, pid peer.ID) {
	r.log.Debug("Ignoring advanced peer", "peer_id", pid, "local", local.String(), "remote", remote.String())
}

func (r *IdleRangeSync) PeerDisconnected(cx *NetworkContext, pid peer.ID) {}

func (r *IdleRangeSync) BlocksByRangeResponse(cx *NetworkContext, pid peer.ID, id beacon.ReqID, block beacon.Block) {
}

func (r *IdleRangeSync) InjectError(cx *NetworkContext, pid peer.ID, id beacon.ReqID) {}

func (r *IdleRangeSync) HandleBlockProcessResult(cx *NetworkContext, chainID uint64, epoch primitives.Epoch, result beacon.BatchProcessResult) {
}

func (r *IdleRangeSync) State() (RangeState, error) {
	return RangeState{Kind: RangeIdle}, nil
}

// IdleBackFillSync never backfills.
type IdleBackFillSync struct{}

var _ BackFillSync = IdleBackFillSync{}

func (IdleBackFillSync) Start(cx *NetworkContext) (BackFillStart, error) {
	return BackFillStart{Kind: BackFillNotSyncing}, nil
}

func (IdleBackFillSync) Pause()                 {}
func (IdleBackFillSync) FullySyncedPeerJoined() {}

func (IdleBackFillSync) PeerDisconnected(cx *NetworkContext, pid peer.ID) error { return nil }

func (IdleBackFillSync) OnBlockResponse(cx *NetworkContext, pid peer.ID, id beacon.ReqID, block beacon.Block) (ProcessResult, error) {
	return ProcessSuccessful, nil
}

func (IdleBackFillSync) InjectError(cx *NetworkContext, pid peer.ID, id beacon.ReqID) error {
	return nil
}

func (IdleBackFillSync) OnBatchProcessResult(cx *NetworkContext, epoch primitives.Epoch, result beacon.BatchProcessResult) (ProcessResult, error) {
	return ProcessSuccessful, nil
}
