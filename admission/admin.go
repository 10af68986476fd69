/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ClientUsage is a point-in-time view of a single client's admission state.
type ClientUsage struct {
	ClientID    string    `json:"clientId"`
	Tier        string    `json:"tier"`
	Tokens      float64   `json:"tokens"`
	BurstTokens int       `json:"burstTokens"`
	InFlight    int       `json:"inFlight"`
	SecondCount int       `json:"secondCount"`
	MinuteCount int       `json:"minuteCount"`
	HourCount   int       `json:"hourCount"`
	DayCount    int       `json:"dayCount"`
	LastRefill  time.Time `json:"lastRefill"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Metrics returns an immutable snapshot of the aggregate decision counters.
func (e *Engine) Metrics() MetricsSnapshot {
	snapshot := e.recorder.snapshot()
	snapshot.AdaptiveMultiplier = e.adaptive.value()
	snapshot.TrackedClients = e.store.len()
	return snapshot
}

// ClientUsage returns the client's current usage, or false when the client
// has no materialized state.
func (e *Engine) ClientUsage(clientID string) (ClientUsage, bool) {
	b, ok := e.store.get(clientID)
	if !ok {
		return ClientUsage{}, false
	}
	b.mu.Lock()
	usage := ClientUsage{
		ClientID:    clientID,
		Tier:        b.plan.Tier,
		Tokens:      b.tokens,
		BurstTokens: b.burstTokens,
		SecondCount: b.second.count,
		MinuteCount: b.minute.count,
		HourCount:   b.hour.count,
		DayCount:    b.day.count,
		LastRefill:  b.lastRefill,
		LastSeen:    b.lastSeen,
	}
	b.mu.Unlock()
	usage.InFlight = e.tracker.inFlight(clientID)
	return usage, true
}

// ResetClientLimits drops the client's bucket so that the next request
// starts with full quota. The in-flight counter is left untouched.
func (e *Engine) ResetClientLimits(clientID string) {
	e.store.delete(clientID)
}

// SetCustomPlan installs a per-client plan override consulted before the
// tier's catalog plan.
func (e *Engine) SetCustomPlan(clientID string, plan Plan) error {
	if err := e.catalog.SetOverride(clientID, plan); err != nil {
		return err
	}
	// The bucket snapshot is refreshed on the next decision; dropping it
	// re-initializes token and burst pools to the new plan's caps.
	e.store.delete(clientID)
	return nil
}

// SetCustomLimits installs a per-client plan override from an untyped
// overrides map (as received by the administrative API). Keys follow the
// PlanConfig field names (requestsPerSecond, burstLimit, burstCooldown and
// so on). The base values are taken from the client's existing override if
// one is installed, otherwise from the catalog plan named by the "tier"
// key. Unknown keys and invalid values are configuration errors.
func (e *Engine) SetCustomLimits(clientID string, overrides map[string]interface{}) error {
	base, haveBase := e.catalog.Override(clientID)
	if !haveBase {
		tier, _ := overrides["tier"].(string)
		if tier == "" {
			return fmt.Errorf("overrides for client %q: either an existing override or a %q key is required",
				clientID, "tier")
		}
		var ok bool
		if base, ok = e.catalog.Plan(tier); !ok {
			return &UnknownTierError{Tier: tier}
		}
	}

	planCfg := makePlanConfig(base)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  MapstructureDecodeHook(),
		ErrorUnused: true,
		Result:      &planCfg,
	})
	if err != nil {
		return fmt.Errorf("new overrides decoder: %w", err)
	}
	src := make(map[string]interface{}, len(overrides))
	for k, v := range overrides {
		if k != "tier" {
			src[k] = v
		}
	}
	if err = decoder.Decode(src); err != nil {
		return fmt.Errorf("decode overrides for client %q: %w", clientID, err)
	}

	plan := planCfg.toPlan(base.Tier)
	return e.SetCustomPlan(clientID, plan)
}

// RemoveCustomLimits deletes the client's plan override if one is installed.
func (e *Engine) RemoveCustomLimits(clientID string) {
	e.catalog.RemoveOverride(clientID)
	e.store.delete(clientID)
}
