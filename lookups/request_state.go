package lookups

import (
	"fmt"
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/beacon"
)

// PeerSourceKind tells how we learned that a peer may serve an object.
type PeerSourceKind uint8

const (
	// SourceAttestation is a peer that referenced the object, for example
	// by attesting to it. It may not have the object yet.
	SourceAttestation PeerSourceKind = iota
	// SourceGossip is a peer that propagated the object or one of its
	// descendants and must have it.
	SourceGossip
)

func (k PeerSourceKind) String() string {
	if k == SourceGossip {
		return "gossip"
	}
	return "attestation"
}

// PeerSource attributes a lookup candidate to the way it was discovered.
type PeerSource struct {
	Kind PeerSourceKind
	Peer peer.ID
}

func Attestation(pid peer.ID) PeerSource { return PeerSource{Kind: SourceAttestation, Peer: pid} }
func Gossip(pid peer.ID) PeerSource      { return PeerSource{Kind: SourceGossip, Peer: pid} }

func (s PeerSource) String() string {
	return fmt.Sprintf("%s(%s)", s.Kind, s.Peer)
}

// State is the download state of one half (block or blobs) of a lookup.
type State uint8

const (
	StateAwaitingDownload State = iota
	StateDownloading
	// StateDownloaded holds verified data that was not submitted for
	// processing yet.
	StateDownloaded
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateAwaitingDownload:
		return "awaiting_download"
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type peerSet map[peer.ID]struct{}

func (s peerSet) has(pid peer.ID) bool {
	_, ok := s[pid]
	return ok
}

// sorted keeps peer selection deterministic.
func (s peerSet) sorted() []peer.ID {
	out := make([]peer.ID, 0, len(s))
	for pid := range s {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequestState tracks the downloads of either the block or the blobs of a
// lookup across retries.
type RequestState struct {
	state State
	// peer is the current downloader, or the peer that served the data in
	// StateDownloaded and StateProcessing.
	peer   peer.ID
	source PeerSourceKind
	reqID  beacon.ReqID
	// requested is set once a request was sent, reqID is meaningless before.
	requested bool

	// availablePeers must have the object, potentialPeers may have it.
	availablePeers peerSet
	potentialPeers peerSet
	usedPeers      peerSet

	failedDownloading int
	failedProcessing  int
	maxAttempts       int
}

func newRequestState(maxAttempts int, sources ...PeerSource) *RequestState {
	r := &RequestState{
		maxAttempts:    maxAttempts,
		availablePeers: peerSet{},
		potentialPeers: peerSet{},
		usedPeers:      peerSet{},
	}
	for _, src := range sources {
		r.addPeer(src)
	}
	return r
}

func (r *RequestState) State() State { return r.state }

// addPeer registers a candidate. A peer that must have the object is never
// downgraded to a potential source.
func (r *RequestState) addPeer(src PeerSource) {
	switch src.Kind {
	case SourceGossip:
		delete(r.potentialPeers, src.Peer)
		r.availablePeers[src.Peer] = struct{}{}
	default:
		if !r.availablePeers.has(src.Peer) {
			r.potentialPeers[src.Peer] = struct{}{}
		}
	}
}

func (r *RequestState) hasPeer(pid peer.ID) bool {
	return r.availablePeers.has(pid) || r.potentialPeers.has(pid)
}

func (r *RequestState) failedAttempts() int {
	return r.failedDownloading + r.failedProcessing
}

func (r *RequestState) tooManyAttempts() bool {
	return r.failedAttempts() >= r.maxAttempts
}

// cannotProcess reports whether the attempts mostly failed during
// processing, which hints at an invalid object rather than bad peers.
func (r *RequestState) cannotProcess() bool {
	return r.failedProcessing >= r.failedDownloading
}

func (r *RequestState) registerFailureDownloading() {
	r.failedDownloading++
	r.state = StateAwaitingDownload
}

func (r *RequestState) registerFailureProcessing() {
	r.failedProcessing++
	r.state = StateAwaitingDownload
}

// nextPeer prefers peers that must have the object and were not tried yet,
// then peers that must have it. Peers that may have it are tried once.
func (r *RequestState) nextPeer() (peer.ID, PeerSourceKind, bool) {
	for _, pid := range r.availablePeers.sorted() {
		if !r.usedPeers.has(pid) {
			return pid, SourceGossip, true
		}
	}

	if avail := r.availablePeers.sorted(); len(avail) > 0 {
		return avail[0], SourceGossip, true
	}

	for _, pid := range r.potentialPeers.sorted() {
		if !r.usedPeers.has(pid) {
			return pid, SourceAttestation, true
		}
	}

	return "", 0, false
}

// prepare picks the peer for the next download attempt.
func (r *RequestState) prepare() (peer.ID, PeerSourceKind, error) {
	if r.tooManyAttempts() {
		return "", 0, &RequestError{Kind: ReqErrTooManyAttempts, CannotProcess: r.cannotProcess()}
	}

	pid, kind, ok := r.nextPeer()
	if !ok {
		return "", 0, &RequestError{Kind: ReqErrNoPeers}
	}

	return pid, kind, nil
}

func (r *RequestState) downloading(pid peer.ID, kind PeerSourceKind, id beacon.ReqID) {
	r.usedPeers[pid] = struct{}{}
	r.state = StateDownloading
	r.peer = pid
	r.source = kind
	r.reqID = id
	r.requested = true
}

// matches reports whether id belongs to the last request and responses
// for it are still expected or may still trail in.
func (r *RequestState) matches(id beacon.ReqID) bool {
	return r.requested && r.reqID == id && r.state != StateAwaitingDownload
}

// checkPeerDisconnected forgets the peer as a candidate. If it was the
// current downloader the attempt counts as failed and an error is
// returned.
func (r *RequestState) checkPeerDisconnected(pid peer.ID) error {
	delete(r.availablePeers, pid)
	delete(r.potentialPeers, pid)

	if r.state == StateDownloading && r.peer == pid {
		r.registerFailureDownloading()
		return fmt.Errorf("peer %s disconnected while downloading", pid)
	}

	return nil
}

// processingPeer returns the peer that served the data that is or will be
// processed.
func (r *RequestState) processingPeer() (peer.ID, bool) {
	if r.state == StateDownloaded || r.state == StateProcessing {
		return r.peer, true
	}
	return "", false
}

func (r *RequestState) allPeers() []peer.ID {
	return r.usedPeers.sorted()
}

func (r *RequestState) candidates() []PeerSource {
	var out []PeerSource
	for _, pid := range r.availablePeers.sorted() {
		out = append(out, Gossip(pid))
	}
	for _, pid := range r.potentialPeers.sorted() {
		out = append(out, Attestation(pid))
	}
	return out
}
