/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff tuning for denied decisions.
const (
	throttledBackoffMaxElapsedTime = 2 * time.Minute
	throttledBackoffMultiplier     = 1.5
	capacityBackoffMultiplier      = 2.0
)

// DenialBackOff returns a retry policy for a denied Decision, seeded with
// the decision's RetryAfter. Capacity denials (concurrent_limit, day_limit)
// get an unbounded exponential schedule, while throttles get a short one,
// so callers back off longer from exhausted capacity than from a transient
// rate limit. An allowed decision yields backoff.Stop immediately.
func DenialBackOff(d Decision) backoff.BackOff {
	if d.Allowed {
		return &backoff.StopBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.RetryAfter
	if b.InitialInterval < time.Second {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = 24 * time.Hour

	if d.Reason.IsCapacity() {
		b.Multiplier = capacityBackoffMultiplier
		b.MaxElapsedTime = 0 // retry until the period rolls over
	} else {
		b.Multiplier = throttledBackoffMultiplier
		b.MaxElapsedTime = throttledBackoffMaxElapsedTime
	}

	b.Reset()
	return b
}
