/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"sync"
	"time"
)

// Unlimited is a sentinel quota value meaning "no limit for this field".
const Unlimited = -1

// Built-in tier names.
const (
	TierStarter    = "starter"
	TierBusiness   = "business"
	TierEnterprise = "enterprise"
	TierUnlimited  = "unlimited"
)

// Plan describes the quotas of a single service tier.
// A Plan is a value and is never mutated after it is put into a catalog.
type Plan struct {
	Tier              string
	RequestsPerSecond int
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	BurstLimit        int
	BurstCooldown     time.Duration
	MaxConcurrent     int
	Priority          int
}

// IsUnlimited reports whether the plan bypasses admission control entirely.
// Such a plan never materializes per-client state.
func (p Plan) IsUnlimited() bool {
	return p.RequestsPerSecond == Unlimited &&
		p.RequestsPerMinute == Unlimited &&
		p.RequestsPerHour == Unlimited &&
		p.RequestsPerDay == Unlimited &&
		p.MaxConcurrent == Unlimited
}

// Validate validates plan values. Quota fields must be positive or Unlimited.
func (p Plan) Validate() error {
	checkQuota := func(name string, v int) error {
		if v < 1 && v != Unlimited {
			return fmt.Errorf("%s should be >= 1 or %d (unlimited), got %d", name, Unlimited, v)
		}
		return nil
	}
	if err := checkQuota("requests per second", p.RequestsPerSecond); err != nil {
		return err
	}
	if err := checkQuota("requests per minute", p.RequestsPerMinute); err != nil {
		return err
	}
	if err := checkQuota("requests per hour", p.RequestsPerHour); err != nil {
		return err
	}
	if err := checkQuota("requests per day", p.RequestsPerDay); err != nil {
		return err
	}
	if err := checkQuota("max concurrent", p.MaxConcurrent); err != nil {
		return err
	}
	if p.BurstLimit < 0 {
		return fmt.Errorf("burst limit should be >= 0, got %d", p.BurstLimit)
	}
	if p.BurstCooldown < 0 {
		return fmt.Errorf("burst cooldown should be >= 0, got %s", p.BurstCooldown)
	}
	if p.Priority < 1 {
		return fmt.Errorf("priority should be >= 1, got %d", p.Priority)
	}
	return nil
}

// PlanCatalog is a read-only tier -> Plan table populated at startup,
// plus per-client plan overrides installed by the administrative API.
// Overrides always win over the tier's catalog plan.
type PlanCatalog struct {
	plans map[string]Plan

	mu        sync.RWMutex
	overrides map[string]Plan
}

// NewPlanCatalog creates a catalog from the passed tier -> Plan table.
func NewPlanCatalog(plans map[string]Plan) (*PlanCatalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}
	catalogPlans := make(map[string]Plan, len(plans))
	for tier, plan := range plans {
		plan.Tier = tier
		if err := plan.Validate(); err != nil {
			return nil, fmt.Errorf("validate plan for tier %q: %w", tier, err)
		}
		catalogPlans[tier] = plan
	}
	return &PlanCatalog{plans: catalogPlans, overrides: make(map[string]Plan)}, nil
}

// DefaultPlans returns the built-in tier table.
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		TierStarter: {
			RequestsPerSecond: 2,
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			RequestsPerDay:    10000,
			BurstLimit:        10,
			BurstCooldown:     time.Minute,
			MaxConcurrent:     5,
			Priority:          3,
		},
		TierBusiness: {
			RequestsPerSecond: 10,
			RequestsPerMinute: 300,
			RequestsPerHour:   10000,
			RequestsPerDay:    100000,
			BurstLimit:        50,
			BurstCooldown:     30 * time.Second,
			MaxConcurrent:     20,
			Priority:          2,
		},
		TierEnterprise: {
			RequestsPerSecond: 50,
			RequestsPerMinute: 1200,
			RequestsPerHour:   50000,
			RequestsPerDay:    1000000,
			BurstLimit:        200,
			BurstCooldown:     10 * time.Second,
			MaxConcurrent:     100,
			Priority:          1,
		},
		TierUnlimited: {
			RequestsPerSecond: Unlimited,
			RequestsPerMinute: Unlimited,
			RequestsPerHour:   Unlimited,
			RequestsPerDay:    Unlimited,
			BurstLimit:        0,
			MaxConcurrent:     Unlimited,
			Priority:          1,
		},
	}
}

// MustDefaultPlanCatalog returns a catalog with the built-in tier table.
func MustDefaultPlanCatalog() *PlanCatalog {
	catalog, err := NewPlanCatalog(DefaultPlans())
	if err != nil {
		panic(err)
	}
	return catalog
}

// Plan returns the catalog plan for the tier.
func (c *PlanCatalog) Plan(tier string) (Plan, bool) {
	plan, ok := c.plans[tier]
	return plan, ok
}

// PlanForClient returns the effective plan for the client:
// a per-client override if one is installed, the tier's catalog plan otherwise.
func (c *PlanCatalog) PlanForClient(clientID, tier string) (Plan, bool) {
	c.mu.RLock()
	plan, ok := c.overrides[clientID]
	c.mu.RUnlock()
	if ok {
		return plan, true
	}
	return c.Plan(tier)
}

// SetOverride installs a per-client plan override.
func (c *PlanCatalog) SetOverride(clientID string, plan Plan) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("validate plan override for client %q: %w", clientID, err)
	}
	c.mu.Lock()
	c.overrides[clientID] = plan
	c.mu.Unlock()
	return nil
}

// Override returns the per-client plan override if one is installed.
func (c *PlanCatalog) Override(clientID string) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	plan, ok := c.overrides[clientID]
	return plan, ok
}

// RemoveOverride deletes the per-client plan override if one is installed.
func (c *PlanCatalog) RemoveOverride(clientID string) {
	c.mu.Lock()
	delete(c.overrides, clientID)
	c.mu.Unlock()
}

// Tiers returns the names of all tiers in the catalog.
func (c *PlanCatalog) Tiers() []string {
	tiers := make([]string, 0, len(c.plans))
	for tier := range c.plans {
		tiers = append(tiers, tier)
	}
	return tiers
}
