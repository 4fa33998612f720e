package rpc

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiterConfig() RateLimiterConfig {
	cfg := DefaultRateLimiterConfig()
	cfg.BlocksByRange = Quota{MaxTokens: 2, ReplenishAllEvery: time.Second}
	return cfg
}

func TestRateLimiter_Allows(t *testing.T) {
	rl, err := NewRateLimiter(testLimiterConfig())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	pid := peer.ID("peer-a")

	require.NoError(t, rl.Allows(now, pid, ProtocolBlocksByRange, 1))
	require.NoError(t, rl.Allows(now, pid, ProtocolBlocksByRange, 1))

	err = rl.Allows(now, pid, ProtocolBlocksByRange, 1)
	var tooSoon *TooSoonError
	require.ErrorAs(t, err, &tooSoon)
	assert.Equal(t, 500*time.Millisecond, tooSoon.Wait)

	// other peers have their own bucket
	require.NoError(t, rl.Allows(now, peer.ID("peer-b"), ProtocolBlocksByRange, 2))

	// after the announced wait the same request passes
	require.NoError(t, rl.Allows(now.Add(tooSoon.Wait), pid, ProtocolBlocksByRange, 1))
}

func TestRateLimiter_WaitIsEnough(t *testing.T) {
	quotas := []Quota{
		{MaxTokens: 3, ReplenishAllEvery: 7 * time.Second},
		{MaxTokens: 5, ReplenishAllEvery: 13 * time.Second},
		{MaxTokens: 7, ReplenishAllEvery: 3 * time.Second},
		{MaxTokens: 128, ReplenishAllEvery: 10 * time.Second},
	}
	offsets := []time.Duration{0, time.Nanosecond, time.Millisecond, 333 * time.Millisecond, 1_234_567 * time.Nanosecond, 2 * time.Second}

	for _, q := range quotas {
		t.Run(q.String(), func(t *testing.T) {
			cfg := DefaultRateLimiterConfig()
			cfg.BlocksByRange = q
			rl, err := NewRateLimiter(cfg)
			require.NoError(t, err)

			pid := peer.ID("peer-a")
			now := time.Unix(1_700_000_000, 0)
			limited := 0

			for i := 0; i < 2000; i++ {
				now = now.Add(offsets[i%len(offsets)])
				tokens := 1 + uint64(i)%q.MaxTokens

				err := rl.Allows(now, pid, ProtocolBlocksByRange, tokens)
				if err == nil {
					continue
				}

				var tooSoon *TooSoonError
				require.ErrorAs(t, err, &tooSoon)
				require.Positive(t, tooSoon.Wait)
				limited++

				now = now.Add(tooSoon.Wait)
				require.NoError(t, rl.Allows(now, pid, ProtocolBlocksByRange, tokens), fmt.Sprintf("%d tokens after waiting %s", tokens, tooSoon.Wait))
			}

			assert.Positive(t, limited)
		})
	}
}

func TestRateLimiter_TooLarge(t *testing.T) {
	rl, err := NewRateLimiter(testLimiterConfig())
	require.NoError(t, err)

	err = rl.Allows(time.Now(), peer.ID("peer-a"), ProtocolBlocksByRange, 3)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 0, rl.Len())
}

func TestRateLimiter_Prune(t *testing.T) {
	rl, err := NewRateLimiter(testLimiterConfig())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, rl.Allows(now, peer.ID("peer-a"), ProtocolBlocksByRange, 2))
	assert.Equal(t, 1, rl.Len())

	rl.Prune(now.Add(500 * time.Millisecond))
	assert.Equal(t, 1, rl.Len())

	rl.Prune(now.Add(time.Second))
	assert.Equal(t, 0, rl.Len())
}

func TestNewRateLimiter_InvalidQuota(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	cfg.Status = Quota{MaxTokens: 0, ReplenishAllEvery: time.Second}

	_, err := NewRateLimiter(cfg)
	assert.Error(t, err)
}

func TestDelayQueue(t *testing.T) {
	dq := NewDelayQueue[string]()
	start := time.Unix(1_700_000_000, 0)

	dq.InsertAt("third", start.Add(3*time.Second))
	dq.InsertAt("first", start.Add(time.Second))
	dq.InsertAt("second", start.Add(2*time.Second))
	assert.Equal(t, 3, dq.Len())

	next, ok := dq.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Second), next)

	_, ok = dq.PopExpired(start)
	assert.False(t, ok)

	var got []string
	for {
		v, ok := dq.PopExpired(start.Add(5 * time.Second))
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)

	_, ok = dq.NextDeadline()
	assert.False(t, ok)
}

func TestActiveRequestsLimiter(t *testing.T) {
	l := NewActiveRequestsLimiter()
	pid := peer.ID("peer-a")

	id := func(n uint64) InboundID { return InboundID{Conn: "conn", Substream: SubstreamID(n)} }

	assert.True(t, l.Allows(pid, ProtocolBlocksByRoot, id(1)))
	assert.True(t, l.Allows(pid, ProtocolBlocksByRoot, id(2)))
	assert.False(t, l.Allows(pid, ProtocolBlocksByRoot, id(3)))

	// other protocols are counted separately
	assert.True(t, l.Allows(pid, ProtocolStatus, id(4)))

	l.RemoveRequest(pid, id(1))
	assert.Equal(t, 1, l.Active(pid, ProtocolBlocksByRoot))
	assert.True(t, l.Allows(pid, ProtocolBlocksByRoot, id(5)))

	l.RemovePeer(pid)
	assert.Equal(t, 0, l.Active(pid, ProtocolBlocksByRoot))
	assert.Equal(t, 0, l.Active(pid, ProtocolStatus))
}
