package eth

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/tele"
)

// ScoreOutcome is what the caller of [PeerScorer.Report] has to do with
// the peer.
type ScoreOutcome uint8

const (
	ScoreKeep ScoreOutcome = iota
	ScoreDisconnect
	ScoreBan
)

func (o ScoreOutcome) String() string {
	switch o {
	case ScoreKeep:
		return "keep"
	case ScoreDisconnect:
		return "disconnect"
	case ScoreBan:
		return "ban"
	default:
		return "unknown"
	}
}

type ScorerConfig struct {
	// HalfLife is the time after which a penalty counts half.
	HalfLife time.Duration
	// DisconnectThreshold and BanThreshold are negative scores.
	DisconnectThreshold float64
	BanThreshold        float64
	BanDuration         time.Duration
	// Size bounds the number of peers we remember a score for.
	Size int
}

func DefaultScorerConfig() *ScorerConfig {
	return &ScorerConfig{
		HalfLife:            10 * time.Minute,
		DisconnectThreshold: -20,
		BanThreshold:        -50,
		BanDuration:         30 * time.Minute,
		Size:                4096,
	}
}

func (c *ScorerConfig) Validate() error {
	if c.HalfLife <= 0 {
		return fmt.Errorf("half life must be positive")
	}

	if c.DisconnectThreshold >= 0 || c.BanThreshold > c.DisconnectThreshold {
		return fmt.Errorf("thresholds must be negative with ban <= disconnect")
	}

	if c.BanDuration <= 0 {
		return fmt.Errorf("ban duration must be positive")
	}

	if c.Size <= 0 {
		return fmt.Errorf("score cache size must be positive")
	}

	return nil
}

type peerScore struct {
	value   float64
	updated time.Time
}

// PeerScorer keeps a decaying reputation per peer and bans peers that
// misbehave repeatedly. It also gates connections of banned peers.
type PeerScorer struct {
	cfg *ScorerConfig
	log *slog.Logger

	mu     sync.Mutex
	scores *lru.Cache[peer.ID, peerScore]
	banned *expirable.LRU[peer.ID, time.Time]

	meterReports metric.Int64Counter
}

var _ connmgr.ConnectionGater = (*PeerScorer)(nil)

func NewPeerScorer(cfg *ScorerConfig, log *slog.Logger, meter metric.Meter) (*PeerScorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scorer config: %w", err)
	}

	scores, err := lru.New[peer.ID, peerScore](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("new score cache: %w", err)
	}

	s := &PeerScorer{
		cfg:    cfg,
		log:    log.With("component", "peer_scorer"),
		scores: scores,
		banned: expirable.NewLRU[peer.ID, time.Time](cfg.Size, nil, cfg.BanDuration),
	}

	s.meterReports, err = meter.Int64Counter("peer_reports", metric.WithDescription("Peer actions reported by sync"))
	if err != nil {
		return nil, fmt.Errorf("new peer_reports counter: %w", err)
	}

	return s, nil
}

func penalty(action beacon.PeerAction) float64 {
	switch action {
	case beacon.LowToleranceError:
		return -10
	case beacon.MidToleranceError:
		return -5
	case beacon.HighToleranceError:
		return -1
	default:
		return math.Inf(-1)
	}
}

// decayed returns the score at now.
func (s *PeerScorer) decayed(sc peerScore, now time.Time) float64 {
	elapsed := now.Sub(sc.updated)
	if elapsed <= 0 {
		return sc.value
	}
	return sc.value * math.Exp2(-float64(elapsed)/float64(s.cfg.HalfLife))
}

// Report applies the penalty of action to the peer.
func (s *PeerScorer) Report(now time.Time, pid peer.ID, action beacon.PeerAction) ScoreOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, _ := s.scores.Get(pid)
	value := s.decayed(sc, now) + penalty(action)

	outcome := ScoreKeep
	switch {
	case value <= s.cfg.BanThreshold:
		outcome = ScoreBan
		s.banned.Add(pid, now)
		s.scores.Remove(pid)
	case value <= s.cfg.DisconnectThreshold:
		outcome = ScoreDisconnect
		s.scores.Add(pid, peerScore{value: value, updated: now})
	default:
		s.scores.Add(pid, peerScore{value: value, updated: now})
	}

	s.meterReports.Add(context.TODO(), 1, metric.WithAttributes(
		attribute.String("action", action.String()),
		attribute.String("outcome", outcome.String()),
	))

	return outcome
}

// Score returns the current score of the peer. Banned peers score
// negative infinity.
func (s *PeerScorer) Score(now time.Time, pid peer.ID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.banned.Contains(pid) {
		return math.Inf(-1)
	}

	sc, _ := s.scores.Get(pid)
	return s.decayed(sc, now)
}

func (s *PeerScorer) IsBanned(pid peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banned.Contains(pid)
}

func (s *PeerScorer) InterceptPeerDial(pid peer.ID) bool {
	if s.IsBanned(pid) {
		s.log.Debug("Refusing to dial banned peer", tele.LogAttrPeerID(pid))
		return false
	}
	return true
}

func (s *PeerScorer) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

func (s *PeerScorer) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (s *PeerScorer) InterceptSecured(_ network.Direction, pid peer.ID, _ network.ConnMultiaddrs) bool {
	if s.IsBanned(pid) {
		s.log.Debug("Rejecting connection of banned peer", tele.LogAttrPeerID(pid))
		return false
	}
	return true
}

func (s *PeerScorer) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
