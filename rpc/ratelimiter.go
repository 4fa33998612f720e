package rpc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

// ErrTooLarge is returned by [RateLimiter.Allows] when the requested amount
// of tokens exceeds the bucket capacity. Waiting will never help.
var ErrTooLarge = errors.New("request exceeds the bucket capacity")

// TooSoonError is returned by [RateLimiter.Allows] when the bucket holds
// too few tokens. The same amount is granted after Wait has passed.
type TooSoonError struct {
	Wait time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.Wait)
}

type limiterKey struct {
	peer  peer.ID
	proto Protocol
}

// RateLimiter keeps one token bucket per peer and protocol. All methods take
// the current time so that decisions are a pure function of the bucket state
// and now. It is not safe for concurrent use.
type RateLimiter struct {
	quotas  map[Protocol]Quota
	buckets map[limiterKey]*rate.Limiter
}

func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	quotas := make(map[Protocol]Quota, len(Protocols))
	for _, p := range Protocols {
		quotas[p] = cfg.Quota(p)
	}

	return &RateLimiter{
		quotas:  quotas,
		buckets: map[limiterKey]*rate.Limiter{},
	}, nil
}

// Allows takes tokens from the bucket of pid and proto. It returns
// [ErrTooLarge] if tokens can never be granted and a [*TooSoonError] if they
// can be granted later. Nothing is taken from the bucket on error.
func (r *RateLimiter) Allows(now time.Time, pid peer.ID, proto Protocol, tokens uint64) error {
	q, ok := r.quotas[proto]
	if !ok {
		return nil
	}

	if tokens > q.MaxTokens {
		return ErrTooLarge
	}

	key := limiterKey{peer: pid, proto: proto}
	lim, found := r.buckets[key]
	if !found {
		lim = rate.NewLimiter(limitOf(q), int(q.MaxTokens))
		r.buckets[key] = lim
	}

	available := lim.TokensAt(now)
	if available >= float64(tokens) && lim.AllowN(now, int(tokens)) {
		return nil
	}

	missing := float64(tokens) - available
	wait := time.Duration(math.Ceil(missing / float64(lim.Limit()) * float64(time.Second)))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	// float rounding may leave the bucket a fraction of a token short at
	// now+wait
	for lim.TokensAt(now.Add(wait)) < float64(tokens) {
		wait += time.Nanosecond
	}

	return &TooSoonError{Wait: wait}
}

// Prune drops the buckets that are full at now. A full bucket behaves like
// a missing one.
func (r *RateLimiter) Prune(now time.Time) {
	for key, lim := range r.buckets {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(r.buckets, key)
		}
	}
}

// Len returns the number of tracked buckets.
func (r *RateLimiter) Len() int {
	return len(r.buckets)
}

func limitOf(q Quota) rate.Limit {
	return rate.Limit(float64(q.MaxTokens) / q.ReplenishAllEvery.Seconds())
}
