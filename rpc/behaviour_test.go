package rpc

import (
	"log/slog"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-lab/beacon-sync/beacon"
)

func newTestBehaviour(t *testing.T, selfLimit bool) *Behaviour[uint64] {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Inbound.BlocksByRoot = Quota{MaxTokens: 2, ReplenishAllEvery: time.Second}
	cfg.Outbound = nil
	if selfLimit {
		outbound := testLimiterConfig()
		cfg.Outbound = &outbound
	}

	b, err := NewBehaviour[uint64](cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return b
}

func drain(b *Behaviour[uint64], now time.Time) []Action[uint64] {
	var actions []Action[uint64]
	for {
		a, ok := b.Poll(now)
		if !ok {
			return actions
		}
		actions = append(actions, a)
	}
}

func inboundRequest(sub SubstreamID, req Request) HandlerEvent[uint64] {
	return HandlerEvent[uint64]{Kind: HandlerRequest, Protocol: req.Protocol(), Substream: sub, Request: req}
}

func TestBehaviour_DelayedResponsesKeepOrder(t *testing.T) {
	b := newTestBehaviour(t, false)
	now := time.Unix(1_700_000_000, 0)
	pid := peer.ID("peer-a")
	inbound := InboundID{Conn: "conn-1", Substream: 1}

	req := BlocksByRootRequest{Roots: []beacon.Root{{0x01}, {0x02}, {0x03}}}
	b.OnHandlerEvent(now, pid, inbound.Conn, inboundRequest(inbound.Substream, req))

	actions := drain(b, now)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionGenerateEvent, actions[0].Kind)
	assert.Equal(t, HandlerRequest, actions[0].Message.Event.Kind)
	assert.Equal(t, 1, b.ActiveRequests(pid, ProtocolBlocksByRoot))

	for i := 1; i <= 3; i++ {
		b.SendResponse(now, pid, inbound, SuccessResponse(ProtocolBlocksByRoot, i))
	}
	b.SendResponse(now, pid, inbound, StreamTermination(ProtocolBlocksByRoot))
	assert.Equal(t, 0, b.ActiveRequests(pid, ProtocolBlocksByRoot))

	actions = drain(b, now)
	require.Len(t, actions, 2)
	assert.Equal(t, 1, actions[0].Send.Response.Payload)
	assert.Equal(t, 2, actions[1].Send.Response.Payload)
	assert.Equal(t, inbound.Conn, actions[0].Conn)
	assert.Equal(t, inbound.Substream, actions[0].Send.Substream)

	deadline, ok := b.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(500*time.Millisecond), deadline)

	actions = drain(b, deadline)
	require.Len(t, actions, 2)
	assert.Equal(t, 3, actions[0].Send.Response.Payload)
	assert.True(t, actions[1].Send.Response.IsStreamTermination())

	_, ok = b.NextDeadline()
	assert.False(t, ok)
}

func TestBehaviour_ActiveRequestLimit(t *testing.T) {
	b := newTestBehaviour(t, false)
	now := time.Unix(1_700_000_000, 0)
	pid := peer.ID("peer-a")

	req := BlocksByRootRequest{Roots: []beacon.Root{{0x01}}}
	for sub := SubstreamID(1); sub <= 3; sub++ {
		b.OnHandlerEvent(now, pid, "conn-1", inboundRequest(sub, req))
	}

	actions := drain(b, now)
	require.Len(t, actions, 3)
	assert.Equal(t, ActionGenerateEvent, actions[0].Kind)
	assert.Equal(t, ActionGenerateEvent, actions[1].Kind)

	rejected := actions[2]
	assert.Equal(t, ActionNotifyHandler, rejected.Kind)
	assert.Equal(t, SendResponse, rejected.Send.Kind)
	assert.Equal(t, SubstreamID(3), rejected.Send.Substream)
	assert.Equal(t, CodeRateLimited, rejected.Send.Response.Code)

	assert.Equal(t, 2, b.ActiveRequests(pid, ProtocolBlocksByRoot))
}

func TestBehaviour_GoodbyeHoldsNoActiveSlot(t *testing.T) {
	b := newTestBehaviour(t, false)
	now := time.Unix(1_700_000_000, 0)
	pid := peer.ID("peer-a")

	for sub := SubstreamID(1); sub <= 3; sub++ {
		b.OnHandlerEvent(now, pid, "conn-1", inboundRequest(sub, GoodbyeClientShutdown))
	}

	actions := drain(b, now)
	require.Len(t, actions, 3)
	for _, a := range actions {
		assert.Equal(t, ActionGenerateEvent, a.Kind)
		assert.Equal(t, HandlerRequest, a.Message.Event.Kind)
	}
	assert.Equal(t, 0, b.ActiveRequests(pid, ProtocolGoodbye))
}

func TestBehaviour_RequestTooLarge(t *testing.T) {
	b := newTestBehaviour(t, false)
	now := time.Unix(1_700_000_000, 0)
	pid := peer.ID("peer-a")

	b.OnHandlerEvent(now, pid, "conn-1", inboundRequest(7, BlocksByRangeRequest{StartSlot: 1, Count: 2048, Step: 1}))

	actions := drain(b, now)
	require.Len(t, actions, 1)
	assert.Equal(t, CodeInvalidRequest, actions[0].Send.Response.Code)
	assert.Equal(t, SubstreamID(7), actions[0].Send.Substream)
	assert.Equal(t, 0, b.ActiveRequests(pid, ProtocolBlocksByRange))

	b.OnHandlerEvent(now, pid, "conn-1", inboundRequest(8, BlobsByRangeRequest{StartSlot: 1, Count: 129}))
	actions = drain(b, now)
	require.Len(t, actions, 1)
	assert.Equal(t, CodeInvalidRequest, actions[0].Send.Response.Code)
}

func TestBehaviour_SendRequestWithoutSelfLimiter(t *testing.T) {
	b := newTestBehaviour(t, false)
	now := time.Unix(1_700_000_000, 0)
	pid := peer.ID("peer-a")

	for id := uint64(1); id <= 5; id++ {
		b.SendRequest(now, pid, id, BlocksByRangeRequest{Count: 1, Step: 1})
	}

	assert.Len(t, drain(b, now), 5)
}

func TestBehaviour_DisconnectFailsPendingRequests(t *testing.T) {
	b := newTestBehaviour(t, true)
	now := time.Unix(1_700_000_000, 0)
	pid := peer.ID("peer-a")
	other := peer.ID("peer-b")

	req := BlocksByRangeRequest{Count: 1, Step: 1}
	b.SendRequest(now, pid, 1, req)
	b.SendRequest(now, pid, 2, req)
	b.SendRequest(now, other, 3, req)
	// held back by the self limiter
	b.SendRequest(now, pid, 4, req)

	// other connections are still open
	b.OnConnectionClosed(pid, "conn-1", 1)
	b.OnConnectionClosed(pid, "conn-2", 0)

	actions := drain(b, now)
	require.Len(t, actions, 4)

	want := []struct {
		id   uint64
		kind ActionKind
	}{
		{id: 1, kind: ActionGenerateEvent},
		{id: 2, kind: ActionGenerateEvent},
		{id: 3, kind: ActionNotifyHandler},
		{id: 4, kind: ActionGenerateEvent},
	}

	for i, w := range want {
		a := actions[i]
		assert.Equal(t, w.kind, a.Kind, "action %d", i)
		if w.kind == ActionNotifyHandler {
			assert.Equal(t, w.id, a.Send.ID)
			continue
		}
		assert.Equal(t, w.id, a.Message.Event.ID)
		assert.Equal(t, HandlerErrOutbound, a.Message.Event.Kind)
		assert.Equal(t, ProtocolBlocksByRange, a.Message.Event.Protocol)
		assert.ErrorIs(t, a.Message.Event.Err, ErrDisconnected)
	}

	_, ok := b.NextDeadline()
	assert.True(t, ok)
	assert.Empty(t, drain(b, now.Add(time.Second)))
}

func TestBehaviour_HandlerClose(t *testing.T) {
	b := newTestBehaviour(t, false)
	now := time.Unix(1_700_000_000, 0)
	pid := peer.ID("peer-a")

	b.OnHandlerEvent(now, pid, "conn-1", inboundRequest(1, StatusMessage{}))
	b.OnHandlerEvent(now, pid, "conn-1", HandlerEvent[uint64]{Kind: HandlerClose})

	actions := drain(b, now)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionCloseConnection, actions[1].Kind)
	assert.Equal(t, pid, actions[1].Peer)
	assert.Equal(t, 0, b.ActiveRequests(pid, ProtocolStatus))
}

func TestBehaviour_Shutdown(t *testing.T) {
	b := newTestBehaviour(t, false)
	pid := peer.ID("peer-a")

	b.Shutdown(pid, 9, GoodbyeClientShutdown)

	actions := drain(b, time.Now())
	require.Len(t, actions, 1)
	assert.Equal(t, ActionNotifyHandler, actions[0].Kind)
	assert.Equal(t, SendShutdown, actions[0].Send.Kind)
	assert.Equal(t, GoodbyeClientShutdown, actions[0].Send.Reason)
}

func TestBehaviour_ForwardsResponses(t *testing.T) {
	b := newTestBehaviour(t, false)
	pid := peer.ID("peer-a")
	now := time.Now()

	ev := HandlerEvent[uint64]{
		Kind:     HandlerResponse,
		ID:       5,
		Protocol: ProtocolBlocksByRoot,
		Response: SuccessResponse(ProtocolBlocksByRoot, "block"),
	}
	b.OnHandlerEvent(now, pid, "conn-1", ev)

	actions := drain(b, now)
	require.Len(t, actions, 1)
	assert.Equal(t, ev, actions[0].Message.Event)
	assert.Equal(t, ConnectionID("conn-1"), actions[0].Message.Conn)
}
