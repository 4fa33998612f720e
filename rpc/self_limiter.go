package rpc

import (
	"errors"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/tele"
)

// ErrPendingRequests is returned by [SelfRateLimiter.Allows] when the
// request was queued instead of being released.
var ErrPendingRequests = errors.New("request queued behind rate limit")

type queuedRequest[Id comparable] struct {
	id  Id
	req Request
}

// FailedRequest is a queued request that can no longer be sent.
type FailedRequest[Id comparable] struct {
	ID       Id
	Protocol Protocol
}

// SelfRateLimiter holds back our own requests so that we never exceed the
// quotas we expect remote peers to enforce. Requests for the same peer and
// protocol are released in FIFO order.
type SelfRateLimiter[Id comparable] struct {
	limiter *RateLimiter
	// delayed holds a non-empty queue for every key that waits for tokens.
	delayed map[limiterKey][]queuedRequest[Id]
	// wakeups fires when the head of a delayed queue may be sent.
	wakeups *DelayQueue[limiterKey]
	ready   []Action[Id]
	log     *slog.Logger
}

func NewSelfRateLimiter[Id comparable](cfg RateLimiterConfig, log *slog.Logger) (*SelfRateLimiter[Id], error) {
	limiter, err := NewRateLimiter(cfg)
	if err != nil {
		return nil, err
	}

	return &SelfRateLimiter[Id]{
		limiter: limiter,
		delayed: map[limiterKey][]queuedRequest[Id]{},
		wakeups: NewDelayQueue[limiterKey](),
		log:     log.With("component", "self_limiter"),
	}, nil
}

// Allows returns the action that sends req right away, or queues the
// request and returns [ErrPendingRequests].
func (s *SelfRateLimiter[Id]) Allows(now time.Time, pid peer.ID, id Id, req Request) (Action[Id], error) {
	key := limiterKey{peer: pid, proto: req.Protocol()}

	// keep the order of requests that are already waiting
	if queue, found := s.delayed[key]; found {
		s.delayed[key] = append(queue, queuedRequest[Id]{id: id, req: req})
		return Action[Id]{}, ErrPendingRequests
	}

	wait, ok := s.trySend(now, pid, req)
	if ok {
		return requestAction(pid, id, req), nil
	}

	s.wakeups.InsertAt(key, now.Add(wait))
	s.delayed[key] = []queuedRequest[Id]{{id: id, req: req}}

	return Action[Id]{}, ErrPendingRequests
}

func (s *SelfRateLimiter[Id]) trySend(now time.Time, pid peer.ID, req Request) (time.Duration, bool) {
	err := s.limiter.Allows(now, pid, req.Protocol(), req.MaxResponses())
	if err == nil {
		return 0, true
	}

	var tooSoon *TooSoonError
	if errors.As(err, &tooSoon) {
		s.log.Debug("Self rate limiting", tele.LogAttrPeerID(pid), tele.LogAttrProtocol(req.Protocol().String()), "wait", tooSoon.Wait)
		rateLimitedTotal.WithLabelValues("outbound", req.Protocol().String(), "too_soon").Inc()
		return tooSoon.Wait, false
	}

	// a request that never fits the quota is sent anyway
	s.log.Error("Self rate limiting error for a request that will never fit, sending anyway. Check configuration parameters",
		tele.LogAttrCrit(), tele.LogAttrPeerID(pid), tele.LogAttrProtocol(req.Protocol().String()), tele.LogAttrError(err))
	rateLimitedTotal.WithLabelValues("outbound", req.Protocol().String(), "too_large").Inc()

	return 0, true
}

func (s *SelfRateLimiter[Id]) nextPeerRequestReady(now time.Time, key limiterKey) {
	queue, found := s.delayed[key]
	if !found {
		// the peer disconnected in the meantime
		return
	}

	for len(queue) > 0 {
		head := queue[0]
		wait, ok := s.trySend(now, key.peer, head.req)
		if !ok {
			s.delayed[key] = queue
			s.wakeups.InsertAt(key, now.Add(wait))
			return
		}
		s.ready = append(s.ready, requestAction(key.peer, head.id, head.req))
		queue = queue[1:]
	}

	delete(s.delayed, key)
}

// PeerDisconnected drops all queued requests of the peer and returns them.
func (s *SelfRateLimiter[Id]) PeerDisconnected(pid peer.ID) []FailedRequest[Id] {
	var failed []FailedRequest[Id]
	for key, queue := range s.delayed {
		if key.peer != pid {
			continue
		}
		for _, q := range queue {
			failed = append(failed, FailedRequest[Id]{ID: q.id, Protocol: key.proto})
		}
		// stale wakeups for this key are ignored when they expire
		delete(s.delayed, key)
	}
	return failed
}

// PollReady releases queued requests whose wait time has passed and
// returns the next request that may be sent.
func (s *SelfRateLimiter[Id]) PollReady(now time.Time) (Action[Id], bool) {
	for {
		key, ok := s.wakeups.PopExpired(now)
		if !ok {
			break
		}
		s.nextPeerRequestReady(now, key)
	}

	s.limiter.Prune(now)

	if len(s.ready) == 0 {
		return Action[Id]{}, false
	}

	next := s.ready[0]
	s.ready = s.ready[1:]
	return next, true
}

// NextDeadline returns when queued requests should be polled again.
func (s *SelfRateLimiter[Id]) NextDeadline() (time.Time, bool) {
	return s.wakeups.NextDeadline()
}

// Pending returns the number of queued requests.
func (s *SelfRateLimiter[Id]) Pending() int {
	n := 0
	for _, q := range s.delayed {
		n += len(q)
	}
	return n
}
