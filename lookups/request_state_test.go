package lookups

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestState_PeerSelection(t *testing.T) {
	a, b, c := peer.ID("peer-a"), peer.ID("peer-b"), peer.ID("peer-c")
	r := newRequestState(3, Attestation(a), Gossip(b), Gossip(c))

	pid, kind, err := r.prepare()
	require.NoError(t, err)
	assert.Equal(t, b, pid)
	assert.Equal(t, SourceGossip, kind)
	r.downloading(pid, kind, 1)

	r.registerFailureDownloading()
	pid, _, err = r.prepare()
	require.NoError(t, err)
	assert.Equal(t, c, pid, "untried peers come first")
	r.downloading(pid, SourceGossip, 2)

	// every available peer was tried, they are asked again before
	// peers that may not have the object
	r.registerFailureDownloading()
	pid, kind, err = r.prepare()
	require.NoError(t, err)
	assert.Equal(t, b, pid)
	assert.Equal(t, SourceGossip, kind)
}

func TestRequestState_PotentialPeersAreTriedOnce(t *testing.T) {
	a := peer.ID("peer-a")
	r := newRequestState(3, Attestation(a))

	pid, kind, err := r.prepare()
	require.NoError(t, err)
	assert.Equal(t, a, pid)
	assert.Equal(t, SourceAttestation, kind)
	r.downloading(pid, kind, 1)
	r.registerFailureDownloading()

	_, _, err = r.prepare()
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ReqErrNoPeers, reqErr.Kind)
}

func TestRequestState_GossipUpgradesAttestation(t *testing.T) {
	a := peer.ID("peer-a")
	r := newRequestState(3, Attestation(a))
	r.addPeer(Gossip(a))
	r.addPeer(Attestation(a))

	assert.True(t, r.availablePeers.has(a))
	assert.False(t, r.potentialPeers.has(a))
}

func TestRequestState_TooManyAttempts(t *testing.T) {
	a := peer.ID("peer-a")
	r := newRequestState(3, Gossip(a))

	r.registerFailureProcessing()
	r.registerFailureProcessing()
	r.registerFailureDownloading()

	_, _, err := r.prepare()
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ReqErrTooManyAttempts, reqErr.Kind)
	assert.True(t, reqErr.CannotProcess)
}

func TestRequestState_PeerDisconnected(t *testing.T) {
	a, b := peer.ID("peer-a"), peer.ID("peer-b")
	r := newRequestState(3, Gossip(a), Gossip(b))

	pid, kind, err := r.prepare()
	require.NoError(t, err)
	r.downloading(pid, kind, 7)
	require.True(t, r.matches(7))

	// a candidate that is not downloading is simply forgotten
	require.NoError(t, r.checkPeerDisconnected(b))
	assert.False(t, r.hasPeer(b))
	assert.Equal(t, StateDownloading, r.State())

	require.Error(t, r.checkPeerDisconnected(a))
	assert.Equal(t, StateAwaitingDownload, r.State())
	assert.Equal(t, 1, r.failedAttempts())
	assert.False(t, r.matches(7))
}

func TestFailedChains_Expiry(t *testing.T) {
	fc := NewFailedChains(16, 50*time.Millisecond)
	root := testRoot(0x01)

	fc.Insert(root)
	assert.True(t, fc.Contains(root))
	assert.False(t, fc.Contains(testRoot(0x02)))

	require.Eventually(t, func() bool { return !fc.Contains(root) }, 2*time.Second, 10*time.Millisecond)
}
