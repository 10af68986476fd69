/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const concurrencyShardsNum = 32

// concurrencyTracker counts in-flight requests per client.
// Counters are transient: an entry is removed as soon as it drops to zero,
// so the tracker needs no separate eviction beyond the janitor's guard check.
type concurrencyTracker struct {
	shards [concurrencyShardsNum]concurrencyShard
}

type concurrencyShard struct {
	mu     sync.Mutex
	counts map[string]int
}

func newConcurrencyTracker() *concurrencyTracker {
	t := &concurrencyTracker{}
	for i := range t.shards {
		t.shards[i].counts = make(map[string]int)
	}
	return t
}

func (t *concurrencyTracker) shard(clientID string) *concurrencyShard {
	return &t.shards[xxhash.Sum64String(clientID)%concurrencyShardsNum]
}

func (t *concurrencyTracker) inFlight(clientID string) int {
	shard := t.shard(clientID)
	shard.mu.Lock()
	n := shard.counts[clientID]
	shard.mu.Unlock()
	return n
}

// acquire increments the client's counter unless that would exceed limit.
// The check and the increment happen under one shard lock, so two racing
// acquisitions can never both succeed for the last free slot (fail-closed).
// A limit of Unlimited always succeeds.
func (t *concurrencyTracker) acquire(clientID string, limit int) bool {
	shard := t.shard(clientID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if limit != Unlimited && shard.counts[clientID] >= limit {
		return false
	}
	shard.counts[clientID]++
	return true
}

// release decrements the client's counter, floored at zero.
func (t *concurrencyTracker) release(clientID string) {
	shard := t.shard(clientID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	n := shard.counts[clientID]
	switch {
	case n <= 1:
		delete(shard.counts, clientID)
	default:
		shard.counts[clientID] = n - 1
	}
}
