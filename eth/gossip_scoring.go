package eth

import (
	"math"
	"strings"
	"time"

	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p"
	"github.com/OffchainLabs/prysm/v6/config/params"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// check Prysm implementation as reference: https://github.com/prysmaticlabs/prysm/blob/develop/beacon-chain/p2p/gossip_scoring_params.go

const (
	// topic weights
	beaconBlockWeight = 0.8
	blobSidecarWeight = 0.1

	// mesh-related params
	maxInMeshScore        = 10
	maxFirstDeliveryScore = 40

	decayToZero = 0.01

	// banned peers get this app specific score
	bannedPeerScore = -10_000
)

// gossipScoring derives the gossipsub peer score parameters from the
// beacon chain timing.
type gossipScoring struct {
	secondsPerSlot uint64
	slotsPerEpoch  uint64
}

func newGossipScoring(cfg *params.BeaconChainConfig) *gossipScoring {
	return &gossipScoring{
		secondsPerSlot: cfg.SecondsPerSlot,
		slotsPerEpoch:  uint64(cfg.SlotsPerEpoch),
	}
}

// peerScoreParams scores the block and blob topics among topics. The app
// specific score is the reputation kept by scorer.
func (g *gossipScoring) peerScoreParams(topics []string, scorer *PeerScorer) (*pubsub.PeerScoreParams, *pubsub.PeerScoreThresholds) {
	topicParams := map[string]*pubsub.TopicScoreParams{}
	for _, topic := range topics {
		if tp := g.topicParams(topic); tp != nil {
			topicParams[topic] = tp
		}
	}

	scoreParams := &pubsub.PeerScoreParams{
		Topics:        topicParams,
		TopicScoreCap: 32.72,
		AppSpecificScore: func(pid peer.ID) float64 {
			score := scorer.Score(time.Now(), pid)
			if math.IsInf(score, -1) {
				return bannedPeerScore
			}
			return score
		},
		AppSpecificWeight:           1,
		IPColocationFactorWeight:    -35.11,
		IPColocationFactorThreshold: 10,
		BehaviourPenaltyWeight:      -15.92,
		BehaviourPenaltyThreshold:   6,
		BehaviourPenaltyDecay:       g.scoreDecay(10 * g.epoch()),
		DecayInterval:               g.slot(),
		DecayToZero:                 decayToZero,
		RetainScore:                 100 * g.epoch(),
	}

	thresholds := &pubsub.PeerScoreThresholds{
		GossipThreshold:             -4000,
		PublishThreshold:            -8000,
		GraylistThreshold:           -16000,
		AcceptPXThreshold:           100,
		OpportunisticGraftThreshold: 5,
	}

	return scoreParams, thresholds
}

func (g *gossipScoring) topicParams(topic string) *pubsub.TopicScoreParams {
	switch {
	case strings.Contains(topic, p2p.GossipBlockMessage):
		return g.blockTopicParams()
	case strings.Contains(topic, p2p.GossipBlobSidecarMessage):
		return g.blobTopicParams()
	default:
		return nil
	}
}

// blockTopicParams returns the Block-topic specific parameters that need to be given to the topic subscriber
func (g *gossipScoring) blockTopicParams() *pubsub.TopicScoreParams {
	decayEpoch := time.Duration(5)
	blocksPerEpoch := g.slotsPerEpoch
	meshWeight := -0.717
	return &pubsub.TopicScoreParams{
		TopicWeight:                     beaconBlockWeight,
		TimeInMeshWeight:                maxInMeshScore / g.inMeshCap(),
		TimeInMeshQuantum:               g.slot(),
		TimeInMeshCap:                   g.inMeshCap(),
		FirstMessageDeliveriesWeight:    1,
		FirstMessageDeliveriesDecay:     g.scoreDecay(20 * g.epoch()),
		FirstMessageDeliveriesCap:       23,
		MeshMessageDeliveriesWeight:     meshWeight,
		MeshMessageDeliveriesDecay:      g.scoreDecay(decayEpoch * g.epoch()),
		MeshMessageDeliveriesCap:        float64(blocksPerEpoch * uint64(decayEpoch)),
		MeshMessageDeliveriesThreshold:  float64(blocksPerEpoch*uint64(decayEpoch)) / 10,
		MeshMessageDeliveriesWindow:     2 * time.Second,
		MeshMessageDeliveriesActivation: 4 * g.epoch(),
		MeshFailurePenaltyWeight:        meshWeight,
		MeshFailurePenaltyDecay:         g.scoreDecay(decayEpoch * g.epoch()),
		InvalidMessageDeliveriesWeight:  -140.4475,
		InvalidMessageDeliveriesDecay:   g.scoreDecay(50 * g.epoch()),
	}
}

// blobTopicParams scores first deliveries and invalid messages only. Blob
// subnets carry at most one sidecar per slot, so mesh delivery rates are
// not meaningful.
func (g *gossipScoring) blobTopicParams() *pubsub.TopicScoreParams {
	return &pubsub.TopicScoreParams{
		TopicWeight:                    blobSidecarWeight,
		TimeInMeshWeight:               maxInMeshScore / g.inMeshCap(),
		TimeInMeshQuantum:              g.slot(),
		TimeInMeshCap:                  g.inMeshCap(),
		FirstMessageDeliveriesWeight:   maxFirstDeliveryScore / float64(g.slotsPerEpoch),
		FirstMessageDeliveriesDecay:    g.scoreDecay(20 * g.epoch()),
		FirstMessageDeliveriesCap:      float64(g.slotsPerEpoch),
		InvalidMessageDeliveriesWeight: -140.4475,
		InvalidMessageDeliveriesDecay:  g.scoreDecay(50 * g.epoch()),
	}
}

func (g *gossipScoring) slot() time.Duration {
	return time.Duration(g.secondsPerSlot) * time.Second
}

func (g *gossipScoring) epoch() time.Duration {
	return time.Duration(g.slotsPerEpoch) * g.slot()
}

// scoreDecay determines the per slot decay so that a counter drops to
// decayToZero within total.
func (g *gossipScoring) scoreDecay(total time.Duration) float64 {
	ticks := total / g.slot()
	return math.Pow(decayToZero, 1/float64(ticks))
}

// the cap for `inMesh` time scoring.
func (g *gossipScoring) inMeshCap() float64 {
	return float64((3600 * time.Second) / g.slot())
}
