/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Plan)
		wantErr string
	}{
		{name: "valid", mutate: func(p *Plan) {}},
		{name: "unlimited quotas are valid", mutate: func(p *Plan) {
			p.RequestsPerSecond = Unlimited
			p.MaxConcurrent = Unlimited
		}},
		{name: "zero quota", mutate: func(p *Plan) { p.RequestsPerMinute = 0 },
			wantErr: "requests per minute"},
		{name: "negative quota", mutate: func(p *Plan) { p.RequestsPerHour = -5 },
			wantErr: "requests per hour"},
		{name: "negative burst limit", mutate: func(p *Plan) { p.BurstLimit = -1 },
			wantErr: "burst limit"},
		{name: "negative burst cooldown", mutate: func(p *Plan) { p.BurstCooldown = -time.Second },
			wantErr: "burst cooldown"},
		{name: "zero priority", mutate: func(p *Plan) { p.Priority = 0 },
			wantErr: "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := testPlan()
			tt.mutate(&plan)
			err := plan.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPlanIsUnlimited(t *testing.T) {
	require.False(t, testPlan().IsUnlimited())

	plans := DefaultPlans()
	require.True(t, plans[TierUnlimited].IsUnlimited())
	require.False(t, plans[TierStarter].IsUnlimited())

	// Partially unlimited plans are still limited.
	p := testPlan()
	p.RequestsPerSecond = Unlimited
	require.False(t, p.IsUnlimited())
}

func TestNewPlanCatalog(t *testing.T) {
	t.Run("empty table", func(t *testing.T) {
		_, err := NewPlanCatalog(nil)
		require.ErrorContains(t, err, "empty")
	})

	t.Run("invalid plan", func(t *testing.T) {
		_, err := NewPlanCatalog(map[string]Plan{"bad": {}})
		require.ErrorContains(t, err, `tier "bad"`)
	})

	t.Run("tier name is stamped onto the plan", func(t *testing.T) {
		catalog, err := NewPlanCatalog(map[string]Plan{"custom": {
			RequestsPerSecond: 1, RequestsPerMinute: 1, RequestsPerHour: 1,
			RequestsPerDay: 1, MaxConcurrent: 1, Priority: 1,
		}})
		require.NoError(t, err)
		plan, ok := catalog.Plan("custom")
		require.True(t, ok)
		require.Equal(t, "custom", plan.Tier)
	})
}

func TestPlanCatalogDefaults(t *testing.T) {
	catalog := MustDefaultPlanCatalog()
	require.ElementsMatch(t,
		[]string{TierStarter, TierBusiness, TierEnterprise, TierUnlimited},
		catalog.Tiers())

	starter, ok := catalog.Plan(TierStarter)
	require.True(t, ok)
	require.Equal(t, 60, starter.RequestsPerMinute)
	require.Equal(t, 5, starter.MaxConcurrent)

	_, ok = catalog.Plan("gold")
	require.False(t, ok)
}

func TestPlanCatalogOverrides(t *testing.T) {
	catalog := MustDefaultPlanCatalog()

	// Without an override the tier's plan wins.
	plan, ok := catalog.PlanForClient("alice", TierStarter)
	require.True(t, ok)
	require.Equal(t, TierStarter, plan.Tier)

	custom := testPlan()
	custom.RequestsPerMinute = 999
	require.NoError(t, catalog.SetOverride("alice", custom))

	plan, ok = catalog.PlanForClient("alice", TierStarter)
	require.True(t, ok)
	require.Equal(t, 999, plan.RequestsPerMinute)

	// The override is per-client, not per-tier.
	plan, _ = catalog.PlanForClient("bob", TierStarter)
	require.Equal(t, 60, plan.RequestsPerMinute)

	catalog.RemoveOverride("alice")
	plan, _ = catalog.PlanForClient("alice", TierStarter)
	require.Equal(t, 60, plan.RequestsPerMinute)

	// An invalid override is rejected.
	require.Error(t, catalog.SetOverride("alice", Plan{}))
}
