package syncer

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/rpc"
)

type fakeChain struct {
	info    beacon.SyncInfo
	current primitives.Slot
	known   map[beacon.Root]bool
}

func (c *fakeChain) SyncInfo() beacon.SyncInfo          { return c.info }
func (c *fakeChain) CurrentSlot() primitives.Slot       { return c.current }
func (c *fakeChain) BlockIsKnown(root beacon.Root) bool { return c.known[root] }

type sentRequest struct {
	peer peer.ID
	id   RequestID
	req  rpc.Request
}

type fakeSender struct {
	mu         sync.Mutex
	requests   []sentRequest
	reports    []string
	subscribed int
	fail       bool
}

func (s *fakeSender) SendRequest(pid peer.ID, id RequestID, req rpc.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("network gone")
	}
	s.requests = append(s.requests, sentRequest{peer: pid, id: id, req: req})
	return nil
}

func (s *fakeSender) ReportPeer(pid peer.ID, action beacon.PeerAction, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, reason)
}

func (s *fakeSender) SubscribeCoreTopics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed++
}

func (s *fakeSender) last(t *testing.T) sentRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests)
	return s.requests[len(s.requests)-1]
}

type fakeProcessor struct {
	work []beacon.WorkEvent
}

func (p *fakeProcessor) TrySend(ev beacon.WorkEvent) error {
	p.work = append(p.work, ev)
	return nil
}

type fakeExecutionLayer struct {
	mu        sync.Mutex
	notifier  chan struct{}
	requested int
	refuse    bool
}

func (e *fakeExecutionLayer) OnlineNotifier() (<-chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refuse {
		return nil, false
	}
	e.requested++
	return e.notifier, true
}

func (e *fakeExecutionLayer) requests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requested
}

type fakeRangeSync struct {
	state RangeState
	added []peer.ID
}

var _ RangeSync = (*fakeRangeSync)(nil)

func (r *fakeRangeSync) AddPeer(cx *NetworkContext, local, remote beacon.SyncInfo, pid peer.ID) {
	r.added = append(r.added, pid)
}

func (r *fakeRangeSync) PeerDisconnected(cx *NetworkContext, pid peer.ID) {}

func (r *fakeRangeSync) BlocksByRangeResponse(cx *NetworkContext, pid peer.ID, id beacon.ReqID, block beacon.Block) {
}

func (r *fakeRangeSync) InjectError(cx *NetworkContext, pid peer.ID, id beacon.ReqID) {}

func (r *fakeRangeSync) HandleBlockProcessResult(cx *NetworkContext, chainID uint64, epoch primitives.Epoch, result beacon.BatchProcessResult) {
}

func (r *fakeRangeSync) State() (RangeState, error) { return r.state, nil }

type fakeBackFill struct {
	IdleBackFillSync
	start  BackFillStart
	paused int
	joined int
}

func (b *fakeBackFill) Start(cx *NetworkContext) (BackFillStart, error) { return b.start, nil }
func (b *fakeBackFill) Pause()                                          { b.paused++ }
func (b *fakeBackFill) FullySyncedPeerJoined()                          { b.joined++ }

type testEnv struct {
	m         *Manager
	chain     *fakeChain
	net       *fakeSender
	processor *fakeProcessor
	rangeSync *fakeRangeSync
	backfill  *fakeBackFill
	exec      *fakeExecutionLayer
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestEnv creates a manager whose chain head is at slot head while the
// wall clock is at slot current.
func newTestEnv(t *testing.T, head, current primitives.Slot) *testEnv {
	t.Helper()

	env := &testEnv{
		chain:     &fakeChain{info: beacon.SyncInfo{HeadSlot: head, FinalizedEpoch: 1}, current: current, known: map[beacon.Root]bool{}},
		net:       &fakeSender{},
		processor: &fakeProcessor{},
		rangeSync: &fakeRangeSync{},
		backfill:  &fakeBackFill{},
		exec:      &fakeExecutionLayer{notifier: make(chan struct{})},
	}

	cfg := DefaultConfig()
	cfg.Logger = discardLogger()
	cfg.Lookups.Logger = discardLogger()
	cfg.RangeSync = env.rangeSync
	cfg.BackFillSync = env.backfill
	cfg.ExecutionLayer = env.exec

	m, err := NewManager(cfg, env.chain, env.net, env.processor)
	require.NoError(t, err)
	env.m = m

	return env
}

func testRoot(b byte) beacon.Root {
	return beacon.Root{b}
}
