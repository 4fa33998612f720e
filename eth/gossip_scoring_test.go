package eth

import (
	"testing"
	"time"

	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p/encoder"
	"github.com/OffchainLabs/prysm/v6/config/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-lab/beacon-sync/beacon"
)

func TestGossipScoring_ScoreDecay(t *testing.T) {
	g := newGossipScoring(params.MainnetConfig())

	assert.Equal(t, 12*time.Second, g.slot())
	assert.Equal(t, 384*time.Second, g.epoch())

	decay := g.scoreDecay(10 * g.slot())
	assert.Greater(t, decay, 0.0)
	assert.Less(t, decay, 1.0)

	// ten ticks bring a counter down to decayToZero
	v := 1.0
	for i := 0; i < 10; i++ {
		v *= decay
	}
	assert.InDelta(t, decayToZero, v, 1e-9)
}

func TestGossipScoring_PeerScoreParams(t *testing.T) {
	g := newGossipScoring(params.MainnetConfig())
	scorer := newTestScorer(t)

	ps := &PubSub{cfg: &PubSubConfig{ForkDigest: testDigest, Encoder: encoder.SszNetworkEncoder{}, BlobSubnets: 6}}
	topics := ps.CoreTopics()
	require.Len(t, topics, 12)

	scoreParams, thresholds := g.peerScoreParams(topics, scorer)

	// one block topic and six blob topics are scored
	assert.Len(t, scoreParams.Topics, 7)
	assert.Equal(t, beaconBlockWeight, scoreParams.Topics[topics[0]].TopicWeight)
	assert.Equal(t, blobSidecarWeight, scoreParams.Topics[topics[6]].TopicWeight)

	assert.Less(t, thresholds.PublishThreshold, thresholds.GossipThreshold)
	assert.Less(t, thresholds.GraylistThreshold, thresholds.PublishThreshold)

	assert.Zero(t, scoreParams.AppSpecificScore("good"))
	scorer.Report(time.Now(), "bad", beacon.Fatal)
	assert.EqualValues(t, bannedPeerScore, scoreParams.AppSpecificScore("bad"))
}
