/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-appkit/config"
)

func TestConfigLoadFromYAML(t *testing.T) {
	cfgData := `
admission:
  plans:
    starter:
      requestsPerSecond: 2
      requestsPerMinute: 60
      requestsPerHour: 1000
      requestsPerDay: 10000
      burstLimit: 10
      burstCooldown: 1m
      maxConcurrent: 5
      priority: 3
    unlimited:
      requestsPerSecond: -1
      requestsPerMinute: -1
      requestsPerHour: -1
      requestsPerDay: -1
      maxConcurrent: -1
      priority: 1
  adaptive:
    enabled: true
    interval: 10s
    threshold: 85
    hysteresis: 15
    step: 0.2
    capacityPerSec: 500
  burst:
    enabled: true
  queue:
    enabled: true
    size: 42
    maxActive: 7
  gracePeriod: 30s
  cleanup:
    interval: 2m
    staleAfter: 10m
  maxClients: 5000
`
	cfg := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(strings.NewReader(cfgData), config.DataTypeYAML, cfg)
	require.NoError(t, err)

	require.Len(t, cfg.Plans, 2)
	starter := cfg.Plans["starter"]
	require.Equal(t, 60, starter.RequestsPerMinute)
	require.Equal(t, config.TimeDuration(time.Minute), starter.BurstCooldown)
	require.Equal(t, 5, starter.MaxConcurrent)

	require.True(t, cfg.Adaptive.Enabled)
	require.Equal(t, config.TimeDuration(10*time.Second), cfg.Adaptive.Interval)
	require.Equal(t, 85.0, cfg.Adaptive.Threshold)
	require.Equal(t, 15.0, cfg.Adaptive.Hysteresis)
	require.Equal(t, 0.2, cfg.Adaptive.Step)
	require.Equal(t, 500.0, cfg.Adaptive.CapacityPerSec)

	require.True(t, cfg.Queue.Enabled)
	require.Equal(t, 42, cfg.Queue.Size)
	require.Equal(t, 7, cfg.Queue.MaxActive)

	require.Equal(t, config.TimeDuration(30*time.Second), cfg.GracePeriod)
	require.Equal(t, 2*time.Minute, cfg.Cleanup.intervalOrDefault())
	require.Equal(t, 10*time.Minute, cfg.Cleanup.staleAfterOrDefault())
	require.Equal(t, 5000, cfg.maxClientsOrDefault())
}

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(strings.NewReader("{}"), config.DataTypeYAML, cfg)
	require.NoError(t, err)

	require.True(t, cfg.Adaptive.Enabled)
	require.True(t, cfg.Burst.Enabled)
	require.False(t, cfg.Queue.Enabled)
	require.Equal(t, config.TimeDuration(DefaultAdaptiveInterval), cfg.Adaptive.Interval)
	require.Equal(t, DefaultAdaptiveThreshold, cfg.Adaptive.Threshold)
	require.Equal(t, DefaultQueueSize, cfg.Queue.Size)
	require.Equal(t, DefaultQueueMaxActive, cfg.Queue.MaxActive)
	require.Equal(t, DefaultCleanupInterval, cfg.Cleanup.intervalOrDefault())
	require.Equal(t, DefaultStaleAfter, cfg.Cleanup.staleAfterOrDefault())
	require.Equal(t, DefaultMaxClients, cfg.maxClientsOrDefault())

	// Without a plan table the built-in catalog applies.
	plans := cfg.plansOrDefault()
	require.Contains(t, plans, TierStarter)
	require.Contains(t, plans, TierUnlimited)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{name: "invalid plan", mutate: func(cfg *Config) {
			cfg.Plans = map[string]PlanConfig{"bad": {RequestsPerMinute: -2}}
		}, wantErr: `tier "bad"`},
		{name: "threshold out of range", mutate: func(cfg *Config) {
			cfg.Adaptive.Threshold = 150
		}, wantErr: "threshold"},
		{name: "negative step", mutate: func(cfg *Config) {
			cfg.Adaptive.Step = -0.1
		}, wantErr: "step"},
		{name: "step above multiplier range", mutate: func(cfg *Config) {
			cfg.Adaptive.Step = 0.7
		}, wantErr: "step"},
		{name: "negative queue size", mutate: func(cfg *Config) {
			cfg.Queue.Size = -1
		}, wantErr: "size"},
		{name: "negative grace period", mutate: func(cfg *Config) {
			cfg.GracePeriod = config.TimeDuration(-time.Second)
		}, wantErr: "grace period"},
		{name: "negative cleanup interval", mutate: func(cfg *Config) {
			cfg.Cleanup.Interval = config.TimeDuration(-time.Minute)
		}, wantErr: "interval"},
		{name: "negative max clients", mutate: func(cfg *Config) {
			cfg.MaxClients = -1
		}, wantErr: "max clients"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestConfigKeyPrefix(t *testing.T) {
	require.Equal(t, "admission", NewConfig().KeyPrefix())
	require.Equal(t, "limits.admission", NewConfig(WithKeyPrefix("limits.admission")).KeyPrefix())

	cfgData := `
limits:
  admission:
    maxClients: 123
`
	cfg := NewConfig(WithKeyPrefix("limits.admission"))
	err := config.NewDefaultLoader("").LoadFromReader(strings.NewReader(cfgData), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, 123, cfg.MaxClients)
}

func TestConfigUnmarshalYAMLDirectly(t *testing.T) {
	cfgData := `
plans:
  business:
    requestsPerSecond: 10
    requestsPerMinute: 300
    requestsPerHour: 10000
    requestsPerDay: 100000
    burstLimit: 50
    burstCooldown: 30s
    maxConcurrent: 20
    priority: 2
burst:
  enabled: true
gracePeriod: 5s
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(cfgData), &cfg))
	require.NoError(t, cfg.Validate())

	business := cfg.Plans["business"]
	require.Equal(t, 300, business.RequestsPerMinute)
	require.Equal(t, config.TimeDuration(30*time.Second), business.BurstCooldown)
	require.Equal(t, config.TimeDuration(5*time.Second), cfg.GracePeriod)
	require.True(t, cfg.Burst.Enabled)
}

func TestPlanConfigRoundTrip(t *testing.T) {
	plan := testPlan()
	got := makePlanConfig(plan).toPlan(plan.Tier)
	require.Equal(t, plan, got)
}
