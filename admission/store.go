/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultMaxClients is a default bound for the number of tracked clients.
const DefaultMaxClients = 10000

const bucketStoreShardsNum = 32

// bucketStore keeps per-client buckets in a sharded map so that request
// paths for different clients never contend on a single store-wide mutex.
// The shard mutex guards only map access; per-bucket state is guarded by
// the bucket's own mutex.
type bucketStore struct {
	maxClients int
	shards     [bucketStoreShardsNum]bucketStoreShard
}

type bucketStoreShard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

func newBucketStore(maxClients int) *bucketStore {
	s := &bucketStore{maxClients: maxClients}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*bucket)
	}
	return s
}

func (s *bucketStore) shard(clientID string) *bucketStoreShard {
	return &s.shards[xxhash.Sum64String(clientID)%bucketStoreShardsNum]
}

func (s *bucketStore) get(clientID string) (*bucket, bool) {
	shard := s.shard(clientID)
	shard.mu.RLock()
	b, ok := shard.buckets[clientID]
	shard.mu.RUnlock()
	return b, ok
}

// getOrCreate returns the client's bucket, initializing one on first use.
// When the store is at capacity, the stalest evictable bucket of the target
// shard is dropped to make room; if nothing is evictable the bound is
// exceeded rather than the request being refused.
func (s *bucketStore) getOrCreate(clientID string, plan Plan, now time.Time, canEvict func(clientID string) bool) *bucket {
	shard := s.shard(clientID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if b, ok := shard.buckets[clientID]; ok {
		return b
	}
	if s.maxClients > 0 && len(shard.buckets) >= s.maxClients/bucketStoreShardsNum+1 {
		shard.evictStalest(canEvict)
	}
	b := newBucket(plan, now)
	shard.buckets[clientID] = b
	return b
}

func (s *bucketStore) delete(clientID string) {
	shard := s.shard(clientID)
	shard.mu.Lock()
	delete(shard.buckets, clientID)
	shard.mu.Unlock()
}

func (s *bucketStore) len() int {
	n := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.RLock()
		n += len(shard.buckets)
		shard.mu.RUnlock()
	}
	return n
}

// sweep deletes every bucket that has not been touched for staleAfter and
// is evictable (no in-flight requests). Returns the number of evictions.
// Each shard is locked separately, and bucket timestamps are read under the
// bucket's own mutex, so the sweep never blocks the whole store.
func (s *bucketStore) sweep(staleAfter time.Duration, now time.Time, canEvict func(clientID string) bool) int {
	evicted := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for clientID, b := range shard.buckets {
			b.mu.Lock()
			stale := now.Sub(b.lastSeen) >= staleAfter
			b.mu.Unlock()
			if stale && (canEvict == nil || canEvict(clientID)) {
				delete(shard.buckets, clientID)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}

func (sh *bucketStoreShard) evictStalest(canEvict func(clientID string) bool) {
	var stalestID string
	var stalestSeen time.Time
	for clientID, b := range sh.buckets {
		b.mu.Lock()
		seen := b.lastSeen
		b.mu.Unlock()
		if (stalestID == "" || seen.Before(stalestSeen)) && (canEvict == nil || canEvict(clientID)) {
			stalestID, stalestSeen = clientID, seen
		}
	}
	if stalestID != "" {
		delete(sh.buckets, stalestID)
	}
}
