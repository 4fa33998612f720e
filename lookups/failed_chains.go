package lookups

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/probe-lab/beacon-sync/beacon"
)

// FailedChains remembers the roots of chains that could not be imported.
// Entries expire so that a chain can be attempted again later.
type FailedChains struct {
	cache *expirable.LRU[beacon.Root, struct{}]
}

func NewFailedChains(size int, ttl time.Duration) *FailedChains {
	return &FailedChains{
		cache: expirable.NewLRU[beacon.Root, struct{}](size, nil, ttl),
	}
}

func (f *FailedChains) Insert(root beacon.Root) {
	f.cache.Add(root, struct{}{})
}

// Contains reports whether root failed and did not expire yet.
func (f *FailedChains) Contains(root beacon.Root) bool {
	_, found := f.cache.Peek(root)
	return found
}

func (f *FailedChains) Len() int {
	return f.cache.Len()
}
