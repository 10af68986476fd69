/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Default tier queue parameters.
const (
	DefaultQueueSize      = 100
	DefaultQueueMaxActive = 64
)

// ErrQueueFull is returned by TierQueue.Enqueue when the tier's queue is at capacity.
var ErrQueueFull = errors.New("tier queue is full")

// TierQueue holds pending request IDs in per-tier FIFO queues and dispatches
// them strictly by plan priority under a global active-slot cap: a request
// of a lower-priority tier is never dispatched while a higher-priority tier
// has one waiting.
type TierQueue struct {
	maxActive int
	maxQueued int

	mu     sync.Mutex
	active int
	order  []string // tier names, highest priority first
	queues map[string][]string
}

// NewTierQueue creates a queue with one FIFO per catalog tier, each bounded
// by queueSize, dispatching at most maxActive requests at a time.
func NewTierQueue(catalog *PlanCatalog, maxActive, queueSize int) *TierQueue {
	tiers := catalog.Tiers()
	sort.Slice(tiers, func(i, j int) bool {
		pi, _ := catalog.Plan(tiers[i])
		pj, _ := catalog.Plan(tiers[j])
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		return tiers[i] < tiers[j]
	})
	queues := make(map[string][]string, len(tiers))
	for _, tier := range tiers {
		queues[tier] = nil
	}
	return &TierQueue{
		maxActive: maxActive,
		maxQueued: queueSize,
		order:     tiers,
		queues:    queues,
	}
}

// Enqueue appends the request to its tier's queue.
func (q *TierQueue) Enqueue(requestID, tier string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue, ok := q.queues[tier]
	if !ok {
		return fmt.Errorf("enqueue %q: %w", requestID, &UnknownTierError{Tier: tier})
	}
	if len(queue) >= q.maxQueued {
		return fmt.Errorf("enqueue %q for tier %q: %w", requestID, tier, ErrQueueFull)
	}
	q.queues[tier] = append(queue, requestID)
	return nil
}

// Next pops the next request ID to dispatch, strictly adhering to tier
// priority, and claims an active slot. It returns false when all active
// slots are taken or every queue is empty.
func (q *TierQueue) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active >= q.maxActive {
		return "", false
	}
	for _, tier := range q.order {
		queue := q.queues[tier]
		if len(queue) == 0 {
			continue
		}
		requestID := queue[0]
		q.queues[tier] = queue[1:]
		q.active++
		return requestID, true
	}
	return "", false
}

// Release frees an active slot, floored at zero.
func (q *TierQueue) Release() {
	q.mu.Lock()
	if q.active > 0 {
		q.active--
	}
	q.mu.Unlock()
}

// Active returns the number of claimed active slots.
func (q *TierQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Queued returns the number of pending requests for the tier.
func (q *TierQueue) Queued(tier string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[tier])
}
