package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/tele"
)

type queuedResponse struct {
	peer     peer.ID
	inbound  InboundID
	response Response
}

type responseKey struct {
	peer    peer.ID
	inbound InboundID
}

// Behaviour is the rate limiting state machine of the req/resp domain. The
// application calls SendRequest, SendResponse and Shutdown; the transport
// reports handler events and closed connections and executes the actions
// returned by Poll. All methods must be called from a single goroutine.
type Behaviour[Id comparable] struct {
	cfg *Config
	log *slog.Logger

	responseLimiter *RateLimiter
	// selfLimiter is nil if outbound limiting is disabled
	selfLimiter *SelfRateLimiter[Id]
	active      *ActiveRequestsLimiter

	events []Action[Id]

	// delayedResponses holds responses the response limiter held back.
	// Chunks of the same stream queue up behind each other.
	delayedResponses map[responseKey][]queuedResponse
	responseWakeups  *DelayQueue[responseKey]
}

func NewBehaviour[Id comparable](cfg *Config, log *slog.Logger) (*Behaviour[Id], error) {
	if cfg == nil {
		return nil, fmt.Errorf("rpc config must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rpc config: %w", err)
	}

	log = log.With("component", "rpc")

	responseLimiter, err := NewRateLimiter(cfg.Inbound)
	if err != nil {
		return nil, fmt.Errorf("new response limiter: %w", err)
	}

	b := &Behaviour[Id]{
		cfg:              cfg,
		log:              log,
		responseLimiter:  responseLimiter,
		active:           NewActiveRequestsLimiter(),
		delayedResponses: map[responseKey][]queuedResponse{},
		responseWakeups:  NewDelayQueue[responseKey](),
	}

	if cfg.Outbound != nil {
		log.Debug("Using self rate limiting params", "config", *cfg.Outbound)
		b.selfLimiter, err = NewSelfRateLimiter[Id](*cfg.Outbound, log)
		if err != nil {
			return nil, fmt.Errorf("new self limiter: %w", err)
		}
	}

	return b, nil
}

// tryResponseLimiter reports the time to wait before resp may be sent.
func (b *Behaviour[Id]) tryResponseLimiter(now time.Time, pid peer.ID, resp Response) (time.Duration, bool) {
	// every chunk costs one token, terminations and errors are free
	if resp.Code != CodeSuccess || resp.IsStreamTermination() {
		return 0, true
	}

	err := b.responseLimiter.Allows(now, pid, resp.Protocol, 1)
	if err == nil {
		return 0, true
	}

	var tooSoon *TooSoonError
	if errors.As(err, &tooSoon) {
		b.log.Debug("Response rate limiting", tele.LogAttrProtocol(resp.Protocol.String()), "wait_time_ms", tooSoon.Wait.Milliseconds(), tele.LogAttrPeerID(pid))
		rateLimitedTotal.WithLabelValues("inbound", resp.Protocol.String(), "too_soon").Inc()
		return tooSoon.Wait, false
	}

	b.log.Error("Response rate limiting error for a batch that will never fit. Sending response anyway. Check configuration parameters.",
		tele.LogAttrCrit(), tele.LogAttrProtocol(resp.Protocol.String()))
	rateLimitedTotal.WithLabelValues("inbound", resp.Protocol.String(), "too_large").Inc()

	return 0, true
}

// SendResponse sends a response chunk for an inbound request, possibly
// after a delay imposed by the response limiter.
func (b *Behaviour[Id]) SendResponse(now time.Time, pid peer.ID, inbound InboundID, resp Response) {
	if resp.IsLast() {
		b.active.RemoveRequest(pid, inbound)
	}

	key := responseKey{peer: pid, inbound: inbound}
	if queue, found := b.delayedResponses[key]; found {
		b.delayedResponses[key] = append(queue, queuedResponse{peer: pid, inbound: inbound, response: resp})
		return
	}

	wait, ok := b.tryResponseLimiter(now, pid, resp)
	if ok {
		b.sendResponseInner(pid, inbound, resp)
		return
	}

	b.delayedResponses[key] = []queuedResponse{{peer: pid, inbound: inbound, response: resp}}
	b.responseWakeups.InsertAt(key, now.Add(wait))
}

func (b *Behaviour[Id]) sendResponseInner(pid peer.ID, inbound InboundID, resp Response) {
	b.events = append(b.events, responseAction[Id](pid, inbound, resp))
}

// SendRequest submits one of our requests. The request is held back by the
// self limiter if we would exceed the quota of the peer.
func (b *Behaviour[Id]) SendRequest(now time.Time, pid peer.ID, id Id, req Request) {
	if b.selfLimiter == nil {
		b.events = append(b.events, requestAction(pid, id, req))
		return
	}

	action, err := b.selfLimiter.Allows(now, pid, id, req)
	if err != nil {
		// queued internally
		return
	}

	b.events = append(b.events, action)
}

// Shutdown sends a goodbye to the peer, which closes the connection.
func (b *Behaviour[Id]) Shutdown(pid peer.ID, id Id, reason GoodbyeReason) {
	b.events = append(b.events, Action[Id]{
		Kind: ActionNotifyHandler,
		Peer: pid,
		Send: Send[Id]{Kind: SendShutdown, ID: id, Reason: reason},
	})
}

func (b *Behaviour[Id]) isRequestSizeTooLarge(req Request) bool {
	switch req.Protocol() {
	case ProtocolBlocksByRange:
		return req.MaxResponses() > b.cfg.MaxRequestBlocks
	case ProtocolBlobsByRange:
		return req.MaxResponses() > b.cfg.MaxRequestBlobSidecars
	default:
		return false
	}
}

// OnConnectionClosed must be called for every closed connection. Once the
// last connection to a peer is gone, every request we still track for it
// is reported as failed with [ErrDisconnected].
func (b *Behaviour[Id]) OnConnectionClosed(pid peer.ID, conn ConnectionID, remaining int) {
	if remaining > 0 {
		return
	}

	if b.selfLimiter != nil {
		for _, failed := range b.selfLimiter.PeerDisconnected(pid) {
			b.events = append(b.events, outboundErrAction(pid, conn, failed.ID, failed.Protocol, ErrDisconnected))
		}
	}

	// turn requests that did not reach the handler yet into errors
	for i, ev := range b.events {
		if ev.Kind == ActionNotifyHandler && ev.Peer == pid && ev.Send.Kind == SendRequest {
			b.events[i] = outboundErrAction(pid, conn, ev.Send.ID, ev.Send.Request.Protocol(), ErrDisconnected)
		}
	}

	for key := range b.delayedResponses {
		if key.peer == pid {
			delete(b.delayedResponses, key)
		}
	}

	b.active.RemovePeer(pid)
}

// OnHandlerEvent processes an event reported by the handler of conn.
func (b *Behaviour[Id]) OnHandlerEvent(now time.Time, pid peer.ID, conn ConnectionID, ev HandlerEvent[Id]) {
	switch ev.Kind {
	case HandlerRequest:
		inbound := InboundID{Conn: conn, Substream: ev.Substream}
		proto := ev.Request.Protocol()

		// a goodbye is never answered, so it would hold its slot until the
		// connection closes
		if proto == ProtocolGoodbye {
			b.generate(pid, conn, ev)
			return
		}

		if !b.active.Allows(pid, proto, inbound) {
			b.log.Debug("There is an active request with the same protocol", tele.LogAttrPeerID(pid), tele.LogAttrProtocol(proto.String()))
			activeRequestsRejectedTotal.WithLabelValues(proto.String()).Inc()
			b.SendResponse(now, pid, inbound, ErrorResponse(proto, CodeRateLimited, "Rate limited. There is an active request with the same protocol"))
			return
		}

		if b.isRequestSizeTooLarge(ev.Request) {
			b.log.Debug("Request too large to process", tele.LogAttrPeerID(pid), tele.LogAttrProtocol(proto.String()), "max_responses", ev.Request.MaxResponses())
			b.SendResponse(now, pid, inbound, ErrorResponse(proto, CodeInvalidRequest, "The request asks for more responses than the protocol permits"))
			return
		}

		b.generate(pid, conn, ev)

	case HandlerClose:
		b.active.RemovePeer(pid)
		b.events = append(b.events, Action[Id]{Kind: ActionCloseConnection, Peer: pid})

	case HandlerErrInbound:
		// the request is done, no response will be sent for it
		b.active.RemoveRequest(pid, InboundID{Conn: conn, Substream: ev.Substream})
		b.generate(pid, conn, ev)

	default:
		b.generate(pid, conn, ev)
	}
}

func (b *Behaviour[Id]) generate(pid peer.ID, conn ConnectionID, ev HandlerEvent[Id]) {
	b.events = append(b.events, Action[Id]{
		Kind:    ActionGenerateEvent,
		Peer:    pid,
		Message: Message[Id]{Peer: pid, Conn: conn, Event: ev},
	})
}

func (b *Behaviour[Id]) releaseDelayedResponses(now time.Time, key responseKey) {
	queue, found := b.delayedResponses[key]
	if !found {
		return
	}

	for len(queue) > 0 {
		head := queue[0]
		wait, ok := b.tryResponseLimiter(now, head.peer, head.response)
		if !ok {
			b.delayedResponses[key] = queue
			b.responseWakeups.InsertAt(key, now.Add(wait))
			return
		}

		b.log.Debug("Sending delayed response", tele.LogAttrPeerID(head.peer))
		b.sendResponseInner(head.peer, head.inbound, head.response)
		queue = queue[1:]
	}

	delete(b.delayedResponses, key)
}

// Poll returns the next action for the transport. Released self limited
// requests come first, then delayed responses whose time has come, then
// all other events in the order they were produced.
func (b *Behaviour[Id]) Poll(now time.Time) (Action[Id], bool) {
	b.responseLimiter.Prune(now)

	if b.selfLimiter != nil {
		if action, ok := b.selfLimiter.PollReady(now); ok {
			b.events = append(b.events, action)
		}
	}

	for {
		key, ok := b.responseWakeups.PopExpired(now)
		if !ok {
			break
		}
		b.releaseDelayedResponses(now, key)
	}

	if len(b.events) == 0 {
		return Action[Id]{}, false
	}

	next := b.events[0]
	b.events = b.events[1:]
	return next, true
}

// NextDeadline returns the earliest instant at which Poll may yield an
// action without any further input.
func (b *Behaviour[Id]) NextDeadline() (time.Time, bool) {
	next, ok := b.responseWakeups.NextDeadline()
	if b.selfLimiter == nil {
		return next, ok
	}

	selfNext, selfOK := b.selfLimiter.NextDeadline()
	switch {
	case !ok:
		return selfNext, selfOK
	case !selfOK:
		return next, ok
	case selfNext.Before(next):
		return selfNext, true
	default:
		return next, true
	}
}

// ActiveRequests returns the number of open inbound requests of the peer
// for proto.
func (b *Behaviour[Id]) ActiveRequests(pid peer.ID, proto Protocol) int {
	return b.active.Active(pid, proto)
}
