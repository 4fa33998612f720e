package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"
)

// ScoreKeeper holds the latest gossipsub score snapshot of every peer.
// Register [ScoreKeeper.Update] with [pubsub.WithPeerScoreInspect].
type ScoreKeeper struct {
	Freq time.Duration

	lk     sync.Mutex
	scores map[peer.ID]*pubsub.PeerScoreSnapshot

	meterNegative metric.Int64Gauge
}

func NewScoreKeeper(freq time.Duration, meter metric.Meter) (*ScoreKeeper, error) {
	sk := &ScoreKeeper{
		Freq:   freq,
		scores: make(map[peer.ID]*pubsub.PeerScoreSnapshot),
	}

	var err error
	sk.meterNegative, err = meter.Int64Gauge("gossip_negative_score_peers", metric.WithDescription("Peers with a negative gossip score"))
	if err != nil {
		return nil, fmt.Errorf("new gossip_negative_score_peers gauge: %w", err)
	}

	return sk, nil
}

func (sk *ScoreKeeper) Update(scores map[peer.ID]*pubsub.PeerScoreSnapshot) {
	negative := 0
	for _, s := range scores {
		if s.Score < 0 {
			negative++
		}
	}

	sk.lk.Lock()
	sk.scores = scores
	sk.lk.Unlock()

	sk.meterNegative.Record(context.TODO(), int64(negative))
}

// Score returns the last known gossip score of the peer.
func (sk *ScoreKeeper) Score(pid peer.ID) (float64, bool) {
	sk.lk.Lock()
	defer sk.lk.Unlock()

	s, ok := sk.scores[pid]
	if !ok {
		return 0, false
	}
	return s.Score, true
}
