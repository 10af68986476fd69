/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"sync"
	"time"
)

// fixedWindow is a request counter bound to a window-start timestamp.
// The counter resets exactly once per boundary crossing and the start
// timestamp only moves forward.
type fixedWindow struct {
	count int
	start time.Time
}

func (w *fixedWindow) advance(now time.Time, period time.Duration) {
	if now.Sub(w.start) >= period {
		w.count = 0
		w.start = now
	}
}

// resetIn returns how long until the window rolls over.
func (w *fixedWindow) resetIn(now time.Time, period time.Duration) time.Duration {
	left := period - now.Sub(w.start)
	if left < 0 {
		return 0
	}
	return left
}

// bucket holds the per-client mutable state. It is created lazily on the
// first request and destroyed by the janitor after inactivity.
// All fields are guarded by mu; the engine holds mu across decide+commit.
type bucket struct {
	mu sync.Mutex

	// plan is a snapshot of the client's effective plan, refreshed on
	// every decision so that Record and Refund need only the client ID.
	plan Plan

	tokens     float64
	lastRefill time.Time

	second fixedWindow
	minute fixedWindow
	hour   fixedWindow
	day    fixedWindow

	burstTokens   int
	burstLastUsed time.Time

	// lastSeen drives staleness-based eviction. It is bumped on every
	// touch, unlike lastRefill which only advances when tokens are added.
	lastSeen time.Time
}

func newBucket(plan Plan, now time.Time) *bucket {
	b := &bucket{
		plan:          plan,
		lastRefill:    now,
		second:        fixedWindow{start: now},
		minute:        fixedWindow{start: now},
		hour:          fixedWindow{start: now},
		day:           fixedWindow{start: now},
		burstTokens:   plan.BurstLimit,
		burstLastUsed: now,
		lastSeen:      now,
	}
	if plan.RequestsPerMinute != Unlimited {
		b.tokens = float64(plan.RequestsPerMinute)
	}
	return b
}

// refill adds tokens accumulated since the last refill and replenishes the
// burst pool. Must be called with b.mu held.
//
// The token pool refills at plan.RequestsPerMinute per minute, capped at
// plan.RequestsPerMinute. lastRefill advances only when at least one whole
// token was accumulated, so rapid successive calls do not lose fractional
// progress. The burst pool gains strictly one token per elapsed cooldown
// interval, regardless of how long it has been idle.
func (b *bucket) refill(plan Plan, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < 0 {
		elapsed = 0 // clock skew
	}
	if plan.RequestsPerMinute != Unlimited {
		tokensToAdd := float64(elapsed.Milliseconds() * int64(plan.RequestsPerMinute) / millisPerMinute)
		if tokensToAdd >= 1 {
			b.tokens += tokensToAdd
			if tokensCap := float64(plan.RequestsPerMinute); b.tokens > tokensCap {
				b.tokens = tokensCap
			}
			b.lastRefill = now
		}
	}
	if plan.BurstLimit > 0 && b.burstTokens < plan.BurstLimit && plan.BurstCooldown > 0 {
		if sinceBurst := now.Sub(b.burstLastUsed); sinceBurst >= plan.BurstCooldown {
			b.burstTokens++
			b.burstLastUsed = now
		}
	}
}

const millisPerMinute = 60000

// advanceWindows rolls over every window whose own period has fully elapsed.
// The four windows advance independently, not in lockstep.
// Must be called with b.mu held.
func (b *bucket) advanceWindows(now time.Time) {
	b.second.advance(now, time.Second)
	b.minute.advance(now, time.Minute)
	b.hour.advance(now, time.Hour)
	b.day.advance(now, 24*time.Hour)
}

// commit registers one consumed request in every window and spends a token.
// If the effective minute limit is already reached, a burst token is spent
// instead of regular minute capacity being available. Must be called with
// b.mu held after refill and advanceWindows.
func (b *bucket) commit(plan Plan, effectiveMinuteLimit int, now time.Time) (usedBurst bool) {
	if plan.RequestsPerMinute != Unlimited &&
		effectiveMinuteLimit != Unlimited &&
		b.minute.count >= effectiveMinuteLimit &&
		b.burstTokens > 0 {
		b.burstTokens--
		b.burstLastUsed = now
		usedBurst = true
	}
	b.second.count++
	b.minute.count++
	b.hour.count++
	b.day.count++
	if b.tokens > 0 {
		b.tokens--
	}
	b.lastSeen = now
	return usedBurst
}

// refund compensates one committed request after a caller-side abort.
// Counters are floored at zero. Must be called with b.mu held.
func (b *bucket) refund(plan Plan) {
	decFloor := func(w *fixedWindow) {
		if w.count > 0 {
			w.count--
		}
	}
	decFloor(&b.second)
	decFloor(&b.minute)
	decFloor(&b.hour)
	decFloor(&b.day)
	if plan.RequestsPerMinute != Unlimited {
		b.tokens++
		if tokensCap := float64(plan.RequestsPerMinute); b.tokens > tokensCap {
			b.tokens = tokensCap
		}
	}
}
