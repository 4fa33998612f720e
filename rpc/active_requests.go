package rpc

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// MaxConcurrentRequests is the number of inbound requests of the same
// protocol a peer may have open at any time.
const MaxConcurrentRequests = 2

// ConnectionID identifies a connection to a peer.
type ConnectionID string

// SubstreamID identifies an inbound request within a connection.
type SubstreamID uint64

// InboundID identifies an inbound request across all connections.
type InboundID struct {
	Conn      ConnectionID
	Substream SubstreamID
}

type activeRequest struct {
	proto Protocol
	id    InboundID
}

// ActiveRequestsLimiter caps the concurrently open inbound requests per peer
// and protocol.
type ActiveRequestsLimiter struct {
	requests map[peer.ID][]activeRequest
}

func NewActiveRequestsLimiter() *ActiveRequestsLimiter {
	return &ActiveRequestsLimiter{requests: map[peer.ID][]activeRequest{}}
}

// Allows registers the request and reports true, unless the peer already
// has [MaxConcurrentRequests] open requests of the same protocol.
func (l *ActiveRequestsLimiter) Allows(pid peer.ID, proto Protocol, id InboundID) bool {
	count := 0
	for _, r := range l.requests[pid] {
		if r.proto == proto {
			count++
		}
	}

	if count >= MaxConcurrentRequests {
		return false
	}

	l.requests[pid] = append(l.requests[pid], activeRequest{proto: proto, id: id})
	return true
}

// RemoveRequest marks the request as completed.
func (l *ActiveRequestsLimiter) RemoveRequest(pid peer.ID, id InboundID) {
	reqs, found := l.requests[pid]
	if !found {
		return
	}

	for i, r := range reqs {
		if r.id == id {
			reqs = append(reqs[:i], reqs[i+1:]...)
			break
		}
	}

	if len(reqs) == 0 {
		delete(l.requests, pid)
	} else {
		l.requests[pid] = reqs
	}
}

// RemovePeer forgets all requests of the peer.
func (l *ActiveRequestsLimiter) RemovePeer(pid peer.ID) {
	delete(l.requests, pid)
}

// Active returns the number of open requests of the peer for proto.
func (l *ActiveRequestsLimiter) Active(pid peer.ID, proto Protocol) int {
	n := 0
	for _, r := range l.requests[pid] {
		if r.proto == proto {
			n++
		}
	}
	return n
}
