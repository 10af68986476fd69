/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketStoreGetOrCreate(t *testing.T) {
	store := newBucketStore(DefaultMaxClients)
	plan := testPlan()
	now := time.Now()

	b1 := store.getOrCreate("alice", plan, now, nil)
	require.NotNil(t, b1)
	require.Equal(t, 1, store.len())

	// The same bucket comes back for the same client.
	b2 := store.getOrCreate("alice", plan, now.Add(time.Second), nil)
	require.Same(t, b1, b2)
	require.Equal(t, 1, store.len())

	_, ok := store.get("alice")
	require.True(t, ok)
	_, ok = store.get("bob")
	require.False(t, ok)
}

func TestBucketStoreDelete(t *testing.T) {
	store := newBucketStore(DefaultMaxClients)
	now := time.Now()

	store.getOrCreate("alice", testPlan(), now, nil)
	store.delete("alice")
	require.Equal(t, 0, store.len())
	_, ok := store.get("alice")
	require.False(t, ok)

	store.delete("alice") // deleting a missing client is a no-op
}

func TestBucketStoreSweep(t *testing.T) {
	store := newBucketStore(DefaultMaxClients)
	plan := testPlan()
	now := time.Now()

	store.getOrCreate("old", plan, now.Add(-time.Hour), nil)
	store.getOrCreate("fresh", plan, now, nil)
	store.getOrCreate("busy", plan, now.Add(-time.Hour), nil)

	evicted := store.sweep(5*time.Minute, now, func(clientID string) bool {
		return clientID != "busy"
	})
	require.Equal(t, 1, evicted)
	require.Equal(t, 2, store.len())

	_, ok := store.get("old")
	require.False(t, ok)
	_, ok = store.get("fresh")
	require.True(t, ok)
	// A client with in-flight requests survives even when stale.
	_, ok = store.get("busy")
	require.True(t, ok)
}

func TestBucketStoreEvictsStalestAtCapacity(t *testing.T) {
	// maxClients 0 means one bucket per shard before eviction kicks in.
	store := newBucketStore(1)
	plan := testPlan()
	now := time.Now()

	var clientA, clientB string
	// Find two client IDs landing in the same shard.
	shard := store.shard("client-0")
	clientA = "client-0"
	for i := 1; ; i++ {
		id := fmt.Sprintf("client-%d", i)
		if store.shard(id) == shard {
			clientB = id
			break
		}
	}

	store.getOrCreate(clientA, plan, now.Add(-time.Minute), nil)
	store.getOrCreate(clientB, plan, now, nil)

	// The stalest bucket of the shard was dropped to make room.
	_, ok := store.get(clientA)
	require.False(t, ok)
	_, ok = store.get(clientB)
	require.True(t, ok)
}
