// Package syncer drives block synchronization. The [Manager] is a single
// actor that owns the block lookups and the range and backfill syncs,
// routes every response, error and processing result to its owner and
// derives the sync state of the node.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/lookups"
	"github.com/probe-lab/beacon-sync/tele"
)

// ErrDuplicateNotifier is returned by [Manager.Serve] if the execution
// layer refused to hand out an online notifier.
var ErrDuplicateNotifier = errors.New("duplicate execution layer notifier")

// Chain is the local view of the beacon chain.
type Chain interface {
	BlockChecker
	SyncInfo() beacon.SyncInfo
	CurrentSlot() primitives.Slot
}

type Manager struct {
	cfg   *Config
	log   *slog.Logger
	chain Chain

	inputC chan SyncMessage

	network   *NetworkContext
	rangeSync RangeSync
	backfill  BackFillSync
	lookups   *lookups.BlockLookups
	peers     *PeerSet

	execLayer    ExecutionLayer
	execStatus   *ExecutionStatusHandler
	execListener <-chan struct{}
	// execNotifier is nil unless we wait for the execution layer to come
	// back online.
	execNotifier <-chan struct{}

	stateMu sync.RWMutex
	state   SyncState

	stateGauge metric.Int64Gauge
	msgCounter metric.Int64Counter
}

var _ suture.Service = (*Manager)(nil)

// NewManager creates the sync manager. processor may be nil.
func NewManager(cfg *Config, chain Chain, net NetworkSender, processor lookups.WorkSender) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	log := cfg.Logger.With("component", "sync_manager")

	execState := ExecutionDisabled
	if cfg.ExecutionLayer != nil {
		// assume the execution layer is online until it fails us
		execState = ExecutionOnline
	}
	execStatus, execListener := NewExecutionStatusHandler(execState, log)

	bl, err := lookups.NewBlockLookups(cfg.Lookups, cfg.DataAvailability)
	if err != nil {
		return nil, fmt.Errorf("new block lookups: %w", err)
	}

	m := &Manager{
		cfg:          cfg,
		log:          log,
		chain:        chain,
		inputC:       make(chan SyncMessage, cfg.MessageBufferSize),
		network:      NewNetworkContext(net, processor, execStatus, cfg.Logger),
		rangeSync:    cfg.RangeSync,
		backfill:     cfg.BackFillSync,
		lookups:      bl,
		peers:        NewPeerSet(),
		execLayer:    cfg.ExecutionLayer,
		execStatus:   execStatus,
		execListener: execListener,
		state:        SyncState{Kind: Stalled},
	}

	if m.rangeSync == nil {
		m.rangeSync = NewIdleRangeSync(cfg.Logger)
	}
	if m.backfill == nil {
		m.backfill = IdleBackFillSync{}
	}

	m.stateGauge, err = cfg.Meter.Int64Gauge("sync_state", metric.WithDescription("Current sync state of the node"))
	if err != nil {
		return nil, fmt.Errorf("sync_state gauge: %w", err)
	}

	m.msgCounter, err = cfg.Meter.Int64Counter("sync_messages", metric.WithDescription("Messages handled by the sync manager"))
	if err != nil {
		return nil, fmt.Errorf("sync_messages counter: %w", err)
	}

	return m, nil
}

// Send hands a message to the manager. It blocks while the input channel
// is full.
func (m *Manager) Send(ctx context.Context, msg SyncMessage) error {
	select {
	case m.inputC <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current sync state. It is safe for concurrent use.
func (m *Manager) State() SyncState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// ExecutionStatus returns the handler that block processing uses to
// report an unreachable execution layer.
func (m *Manager) ExecutionStatus() *ExecutionStatusHandler {
	return m.execStatus
}

// Lookups exposes the block lookups for inspection.
func (m *Manager) Lookups() *lookups.BlockLookups {
	return m.lookups
}

func (m *Manager) Serve(ctx context.Context) error {
	m.log.Info("Starting sync manager")
	defer m.log.Info("Stopped sync manager")

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-m.execListener:
			if err := m.onExecutionOffline(); err != nil {
				return fmt.Errorf("%w: %w", suture.ErrDoNotRestart, err)
			}

		case <-m.execNotifier:
			m.log.Debug("Execution layer back online", "action", "resuming sync")
			m.execNotifier = nil
			m.execStatus.Online()
			m.lookups.ExecutionOnline(m.network)
			m.updateSyncState()

		case msg := <-m.inputC:
			m.handleMessage(ctx, msg)
		}
	}
}

func (m *Manager) onExecutionOffline() error {
	m.log.Debug("Execution status changed to offline")
	if m.execLayer == nil {
		return nil
	}

	notifier, ok := m.execLayer.OnlineNotifier()
	if !ok {
		m.log.Error("Requesting for duplicate execution layer notifier", tele.LogAttrCrit())
		return ErrDuplicateNotifier
	}

	m.execNotifier = notifier
	return nil
}

func (m *Manager) handleMessage(ctx context.Context, msg SyncMessage) {
	m.msgCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", msg.Kind.String())))

	switch msg.Kind {
	case MsgAddPeer:
		m.addPeer(msg.Peer, msg.Info)

	case MsgRPCBlock:
		m.rpcBlockReceived(msg)

	case MsgRPCBlob:
		m.rpcBlobReceived(msg)

	case MsgUnknownBlock:
		if msg.Block == nil || !m.withinTolerance(msg.Block.Slot()) || !m.peers.IsConnected(msg.Peer) {
			return
		}
		m.lookups.SearchCurrentUnknownParent(msg.Root, msg.Block, msg.Peer, msg.Seen, m.network)
		m.lookups.SearchParent(msg.Block.Slot(), msg.Root, msg.Block.ParentRoot(), msg.Peer, m.network)

	case MsgUnknownBlobParent:
		if msg.Blob == nil || !m.withinTolerance(msg.Blob.Slot) || !m.peers.IsConnected(msg.Peer) {
			return
		}
		m.lookups.SearchCurrentUnknownBlobParent(msg.Blob, msg.Peer, m.network)
		m.lookups.SearchParent(msg.Blob.Slot, msg.Blob.BlockRoot, msg.Blob.BlockParentRoot, msg.Peer, m.network)

	case MsgUnknownBlockHash:
		if m.State().IsSynced() && m.peers.IsConnected(msg.Peer) {
			m.lookups.SearchBlock(msg.Root, []lookups.PeerSource{lookups.Attestation(msg.Peer)}, m.network)
		}

	case MsgDisconnect:
		m.peerDisconnect(msg.Peer)

	case MsgRPCError:
		m.injectError(msg.Peer, msg.RequestID, msg.Err)

	case MsgBlockProcessed:
		m.blockProcessed(msg.ProcessType, msg.BlockResult)
		m.updateSyncState()

	case MsgBatchProcessed:
		m.batchProcessed(msg.SegmentID, msg.BatchResult)
		m.updateSyncState()

	default:
		m.log.Warn("Unknown sync message", "kind", msg.Kind.String())
	}
}

// withinTolerance reports whether a block at slot is worth looking up.
// While not synced only blocks close to our head are.
func (m *Manager) withinTolerance(slot primitives.Slot) bool {
	if m.State().IsSynced() {
		return true
	}

	head := m.chain.SyncInfo().HeadSlot
	dist := uint64(head - slot)
	if slot > head {
		dist = uint64(slot - head)
	}
	return dist <= m.cfg.SlotImportTolerance
}

func (m *Manager) addPeer(pid peer.ID, remote beacon.SyncInfo) {
	local := m.chain.SyncInfo()
	syncType := RemoteSyncType(local, remote, m.cfg.SlotImportTolerance, m.chain)

	if m.peers.Update(pid, PeerSyncStatus{Type: syncType, Info: remote}) {
		m.log.Debug("Peer transitioned sync state",
			tele.LogAttrPeerID(pid),
			"new_state", syncType.String(),
			"our_head_slot", local.HeadSlot,
			"our_finalized_epoch", local.FinalizedEpoch,
			"their_head_slot", remote.HeadSlot,
			"their_finalized_epoch", remote.FinalizedEpoch,
		)

		if syncType == FullySynced {
			m.backfill.FullySyncedPeerJoined()
		}
	}

	if syncType == Advanced {
		m.rangeSync.AddPeer(m.network, local, remote, pid)
	}

	m.updateSyncState()
}

func (m *Manager) peerDisconnect(pid peer.ID) {
	m.peers.Remove(pid)
	m.rangeSync.PeerDisconnected(m.network, pid)
	m.lookups.PeerDisconnected(pid, m.network)
	if err := m.backfill.PeerDisconnected(m.network, pid); err != nil {
		m.log.Debug("Backfill sync failed on peer disconnect", tele.LogAttrPeerID(pid), tele.LogAttrError(err))
	}
	m.updateSyncState()
}

func (m *Manager) injectError(pid peer.ID, id RequestID, err error) {
	m.log.Debug("Sync manager received a failed RPC", tele.LogAttrPeerID(pid), tele.LogAttrRequestID(id), tele.LogAttrError(err))

	switch id.Kind {
	case RequestSingleBlock:
		m.lookups.SingleBlockLookupFailed(id.ID, pid, err, m.network)
	case RequestParentLookup:
		m.lookups.ParentLookupFailed(id.ID, pid, err, m.network)
	case RequestBackFillSync:
		if err := m.backfill.InjectError(m.network, pid, id.ID); err != nil {
			m.updateSyncState()
		}
	case RequestRangeSync:
		m.rangeSync.InjectError(m.network, pid, id.ID)
		m.updateSyncState()
	}
}

func (m *Manager) rpcBlockReceived(msg SyncMessage) {
	id := msg.RequestID
	switch id.Kind {
	case RequestSingleBlock:
		m.lookups.SingleBlockLookupResponse(id.ID, msg.Peer, msg.Block, msg.Seen, m.network)
	case RequestParentLookup:
		m.lookups.ParentLookupResponse(id.ID, msg.Peer, msg.Block, msg.Seen, m.network)
	case RequestBackFillSync:
		res, err := m.backfill.OnBlockResponse(m.network, msg.Peer, id.ID, msg.Block)
		if err != nil || res == ProcessSyncCompleted {
			m.updateSyncState()
		}
	case RequestRangeSync:
		m.rangeSync.BlocksByRangeResponse(m.network, msg.Peer, id.ID, msg.Block)
		m.updateSyncState()
	}
}

func (m *Manager) rpcBlobReceived(msg SyncMessage) {
	id := msg.RequestID
	switch id.Kind {
	case RequestSingleBlock:
		m.lookups.SingleBlobLookupResponse(id.ID, msg.Peer, msg.Blob, msg.Seen, m.network)
	case RequestParentLookup:
		m.lookups.ParentLookupBlobResponse(id.ID, msg.Peer, msg.Blob, m.network)
	default:
		m.log.Debug("Unexpected blob response", tele.LogAttrRequestID(id), tele.LogAttrPeerID(msg.Peer))
	}
}

func (m *Manager) blockProcessed(pt beacon.BlockProcessType, result beacon.BlockProcessingResult) {
	if berr := result.Err; berr != nil && berr.Kind == beacon.ErrKindExecutionPayload && !berr.PenalizePeer {
		m.execStatus.Offline()
	}

	switch pt.Kind {
	case beacon.ProcessSingleBlock:
		m.lookups.SingleBlockProcessed(pt.ID, result, m.network)
	case beacon.ProcessSingleBlob:
		m.lookups.SingleBlobProcessed(pt.ID, result, m.network)
	case beacon.ProcessParentLookup:
		m.lookups.ParentBlockProcessed(pt.ChainHash, result, m.network)
	}
}

func (m *Manager) batchProcessed(id beacon.ChainSegmentProcessID, result beacon.BatchProcessResult) {
	switch id.Kind {
	case beacon.SegmentRangeBatch:
		m.rangeSync.HandleBlockProcessResult(m.network, id.ChainID, id.Epoch, result)
	case beacon.SegmentBackSyncBatch:
		if _, err := m.backfill.OnBatchProcessResult(m.network, id.Epoch, result); err != nil {
			m.log.Error("Backfill sync failed", tele.LogAttrError(err))
		}
	case beacon.SegmentParentLookup:
		m.lookups.ParentChainProcessed(id.ChainHash, result, m.network)
	}
}

// nextSyncState derives the sync state from the range sync, the peers and
// the backfill sync.
func (m *Manager) nextSyncState() (SyncState, error) {
	rs, err := m.rangeSync.State()
	if err != nil {
		return SyncState{}, err
	}

	switch rs.Kind {
	case RangeFinalized:
		m.backfill.Pause()
		return SyncState{Kind: SyncingFinalized, StartSlot: rs.From, TargetSlot: rs.To}, nil
	case RangeHead:
		m.backfill.Pause()
		return SyncState{Kind: SyncingHead, StartSlot: rs.From, TargetSlot: rs.To}, nil
	}

	// no range sync, either stalled or synced
	head := m.chain.SyncInfo().HeadSlot
	current := m.chain.CurrentSlot()

	var state SyncState
	switch {
	case current >= head && uint64(current-head) <= m.cfg.SlotImportTolerance && head > 0:
		state = SyncState{Kind: Synced}
	case m.peers.AdvancedPeers() > 0:
		state = SyncState{Kind: SyncTransition}
	case m.peers.SyncedPeers() == 0:
		state = SyncState{Kind: Stalled}
	default:
		state = SyncState{Kind: Synced}
	}

	if state.Kind != Synced {
		return state, nil
	}

	start, err := m.backfill.Start(m.network)
	if err != nil {
		m.log.Error("Backfill sync failed to start", tele.LogAttrError(err))
		return state, nil
	}

	if start.Kind == BackFillSyncingStarted {
		state = SyncState{Kind: BackFillSyncing, Completed: start.Completed, Remaining: start.Remaining}
	}

	return state, nil
}

func (m *Manager) updateSyncState() {
	newState, err := m.nextSyncState()
	if err != nil {
		m.log.Error("Error getting range sync state", tele.LogAttrError(err), tele.LogAttrCrit())
		return
	}

	m.stateMu.Lock()
	oldState := m.state
	m.state = newState
	m.stateMu.Unlock()

	m.stateGauge.Record(context.Background(), int64(newState.Kind))

	if newState == oldState {
		return
	}

	m.log.Info("Sync state updated", "old_state", oldState.String(), "new_state", newState.String())

	if newState.Kind == SyncingFinalized && oldState.Kind != SyncingFinalized {
		// lookups are useless while far behind, range sync fetches
		// those blocks
		singles := m.lookups.DropSingleBlockRequests()
		parents := m.lookups.DropParentChainRequests()
		m.log.Debug("Dropped lookups while syncing finalized chain", "single", singles, "parent", parents)
	}

	if newState.IsSynced() && !oldState.IsSynced() {
		m.network.SubscribeCoreTopics()
	}
}
