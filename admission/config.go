/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/acronis/go-appkit/config"
)

// DefaultAdaptiveCapacityPerSec is a default request rate treated as 100% load
// by the built-in load sampler.
const DefaultAdaptiveCapacityPerSec = 1000.0

const cfgDefaultKeyPrefix = "admission"

// Config represents a configuration for the admission Engine.
// Configuration can be loaded in different formats (YAML, JSON) using
// config.Loader, viper, or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Plans contains the tier -> plan table.
	// If empty, the built-in catalog is used.
	Plans map[string]PlanConfig `mapstructure:"plans" yaml:"plans" json:"plans"`

	// Adaptive configures load-based scaling of effective per-minute limits.
	Adaptive AdaptiveConfig `mapstructure:"adaptive" yaml:"adaptive" json:"adaptive"`

	// Burst configures the burst pools absorbing spikes above the minute quota.
	Burst BurstConfig `mapstructure:"burst" yaml:"burst" json:"burst"`

	// Queue configures the tiered priority dispatch queue.
	Queue QueueConfig `mapstructure:"queue" yaml:"queue" json:"queue"`

	// GracePeriod is a warm-up window after engine construction during
	// which rate denials are converted to allows. Zero disables it.
	GracePeriod config.TimeDuration `mapstructure:"gracePeriod" yaml:"gracePeriod" json:"gracePeriod"`

	// Cleanup configures eviction of idle per-client state.
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup" json:"cleanup"`

	// MaxClients bounds the number of clients with materialized state.
	MaxClients int `mapstructure:"maxClients" yaml:"maxClients" json:"maxClients"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// AdaptiveConfig represents a configuration of the adaptive monitor.
type AdaptiveConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Interval is the sampling period of the monitor.
	Interval config.TimeDuration `mapstructure:"interval" yaml:"interval" json:"interval"`

	// Threshold is the load percentage above which the multiplier is lowered.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold" json:"threshold"`

	// Hysteresis is subtracted from Threshold to get the raise boundary.
	Hysteresis float64 `mapstructure:"hysteresis" yaml:"hysteresis" json:"hysteresis"`

	// Step is the multiplier change applied per adjustment.
	Step float64 `mapstructure:"step" yaml:"step" json:"step"`

	// CapacityPerSec is the request rate the built-in sampler treats as 100% load.
	CapacityPerSec float64 `mapstructure:"capacityPerSec" yaml:"capacityPerSec" json:"capacityPerSec"`
}

// BurstConfig represents a configuration of burst handling.
type BurstConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// QueueConfig represents a configuration of the tiered dispatch queue.
type QueueConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Size bounds each tier's pending queue.
	Size int `mapstructure:"size" yaml:"size" json:"size"`

	// MaxActive bounds the number of simultaneously dispatched requests.
	MaxActive int `mapstructure:"maxActive" yaml:"maxActive" json:"maxActive"`
}

// CleanupConfig represents a configuration of the janitor.
type CleanupConfig struct {
	// Interval is the sweep period.
	Interval config.TimeDuration `mapstructure:"interval" yaml:"interval" json:"interval"`

	// StaleAfter is the idle age beyond which a client's state is evicted.
	StaleAfter config.TimeDuration `mapstructure:"staleAfter" yaml:"staleAfter" json:"staleAfter"`
}

// PlanConfig represents quotas of a single tier in the configuration.
// Quota fields accept -1 meaning "unlimited".
type PlanConfig struct {
	RequestsPerSecond int                 `mapstructure:"requestsPerSecond" yaml:"requestsPerSecond" json:"requestsPerSecond"`
	RequestsPerMinute int                 `mapstructure:"requestsPerMinute" yaml:"requestsPerMinute" json:"requestsPerMinute"`
	RequestsPerHour   int                 `mapstructure:"requestsPerHour" yaml:"requestsPerHour" json:"requestsPerHour"`
	RequestsPerDay    int                 `mapstructure:"requestsPerDay" yaml:"requestsPerDay" json:"requestsPerDay"`
	BurstLimit        int                 `mapstructure:"burstLimit" yaml:"burstLimit" json:"burstLimit"`
	BurstCooldown     config.TimeDuration `mapstructure:"burstCooldown" yaml:"burstCooldown" json:"burstCooldown"`
	MaxConcurrent     int                 `mapstructure:"maxConcurrent" yaml:"maxConcurrent" json:"maxConcurrent"`
	Priority          int                 `mapstructure:"priority" yaml:"priority" json:"priority"`
}

func (pc PlanConfig) toPlan(tier string) Plan {
	return Plan{
		Tier:              tier,
		RequestsPerSecond: pc.RequestsPerSecond,
		RequestsPerMinute: pc.RequestsPerMinute,
		RequestsPerHour:   pc.RequestsPerHour,
		RequestsPerDay:    pc.RequestsPerDay,
		BurstLimit:        pc.BurstLimit,
		BurstCooldown:     time.Duration(pc.BurstCooldown),
		MaxConcurrent:     pc.MaxConcurrent,
		Priority:          pc.Priority,
	}
}

func makePlanConfig(p Plan) PlanConfig {
	return PlanConfig{
		RequestsPerSecond: p.RequestsPerSecond,
		RequestsPerMinute: p.RequestsPerMinute,
		RequestsPerHour:   p.RequestsPerHour,
		RequestsPerDay:    p.RequestsPerDay,
		BurstLimit:        p.BurstLimit,
		BurstCooldown:     config.TimeDuration(p.BurstCooldown),
		MaxConcurrent:     p.MaxConcurrent,
		Priority:          p.Priority,
	}
}

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing
// configuration parameters. This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config with defaults:
// built-in plan catalog, adaptive limiting and bursts enabled.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		Adaptive:  AdaptiveConfig{Enabled: true},
		Burst:     BurstConfig{Enabled: true},
		keyPrefix: opts.keyPrefix,
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters
// should be presented. Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault("adaptive.enabled", true)
	dp.SetDefault("adaptive.interval", DefaultAdaptiveInterval.String())
	dp.SetDefault("adaptive.threshold", DefaultAdaptiveThreshold)
	dp.SetDefault("adaptive.hysteresis", DefaultAdaptiveHysteresis)
	dp.SetDefault("adaptive.step", DefaultAdaptiveStep)
	dp.SetDefault("adaptive.capacityPerSec", DefaultAdaptiveCapacityPerSec)
	dp.SetDefault("burst.enabled", true)
	dp.SetDefault("queue.size", DefaultQueueSize)
	dp.SetDefault("queue.maxActive", DefaultQueueMaxActive)
	dp.SetDefault("cleanup.interval", DefaultCleanupInterval.String())
	dp.SetDefault("cleanup.staleAfter", DefaultStaleAfter.String())
	dp.SetDefault("maxClients", DefaultMaxClients)
}

// Set sets admission configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.Unmarshal(c, func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.DecodeHook = MapstructureDecodeHook()
	}); err != nil {
		return err
	}
	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	for tier, planCfg := range c.Plans {
		if err := planCfg.toPlan(tier).Validate(); err != nil {
			return fmt.Errorf("validate plan for tier %q: %w", tier, err)
		}
	}
	if err := c.Adaptive.Validate(); err != nil {
		return fmt.Errorf("validate adaptive config: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("validate queue config: %w", err)
	}
	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("validate cleanup config: %w", err)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period should be >= 0, got %s", time.Duration(c.GracePeriod))
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max clients should be >= 0, got %d", c.MaxClients)
	}
	return nil
}

// Validate validates adaptive configuration.
func (c *AdaptiveConfig) Validate() error {
	if c.Threshold < 0 || c.Threshold > 100 {
		return fmt.Errorf("threshold should be in [0, 100], got %v", c.Threshold)
	}
	if c.Hysteresis < 0 || c.Hysteresis > c.Threshold && c.Threshold != 0 {
		return fmt.Errorf("hysteresis should be in [0, threshold], got %v", c.Hysteresis)
	}
	if c.Step < 0 || c.Step > AdaptiveMultiplierMax-AdaptiveMultiplierMin {
		return fmt.Errorf("step should be in [0, %v], got %v",
			AdaptiveMultiplierMax-AdaptiveMultiplierMin, c.Step)
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval should be >= 0, got %s", time.Duration(c.Interval))
	}
	if c.CapacityPerSec < 0 {
		return fmt.Errorf("capacity per second should be >= 0, got %v", c.CapacityPerSec)
	}
	return nil
}

// Validate validates queue configuration.
func (c *QueueConfig) Validate() error {
	if c.Size < 0 {
		return fmt.Errorf("size should be >= 0, got %d", c.Size)
	}
	if c.MaxActive < 0 {
		return fmt.Errorf("max active should be >= 0, got %d", c.MaxActive)
	}
	return nil
}

// Validate validates cleanup configuration.
func (c *CleanupConfig) Validate() error {
	if c.Interval < 0 {
		return fmt.Errorf("interval should be >= 0, got %s", time.Duration(c.Interval))
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale after should be >= 0, got %s", time.Duration(c.StaleAfter))
	}
	return nil
}

func (c *Config) plansOrDefault() map[string]Plan {
	if len(c.Plans) == 0 {
		return DefaultPlans()
	}
	plans := make(map[string]Plan, len(c.Plans))
	for tier, planCfg := range c.Plans {
		plans[tier] = planCfg.toPlan(tier)
	}
	return plans
}

func (c *Config) maxClientsOrDefault() int {
	if c.MaxClients == 0 {
		return DefaultMaxClients
	}
	return c.MaxClients
}

func (c *AdaptiveConfig) withDefaults() AdaptiveConfig {
	res := *c
	if res.Interval == 0 {
		res.Interval = config.TimeDuration(DefaultAdaptiveInterval)
	}
	if res.Threshold == 0 {
		res.Threshold = DefaultAdaptiveThreshold
	}
	if res.Hysteresis == 0 {
		res.Hysteresis = DefaultAdaptiveHysteresis
	}
	if res.Step == 0 {
		res.Step = DefaultAdaptiveStep
	}
	return res
}

func (c *AdaptiveConfig) capacityOrDefault() float64 {
	if c.CapacityPerSec == 0 {
		return DefaultAdaptiveCapacityPerSec
	}
	return c.CapacityPerSec
}

func (c *QueueConfig) sizeOrDefault() int {
	if c.Size == 0 {
		return DefaultQueueSize
	}
	return c.Size
}

func (c *QueueConfig) maxActiveOrDefault() int {
	if c.MaxActive == 0 {
		return DefaultQueueMaxActive
	}
	return c.MaxActive
}

func (c *CleanupConfig) intervalOrDefault() time.Duration {
	if c.Interval == 0 {
		return DefaultCleanupInterval
	}
	return time.Duration(c.Interval)
}

func (c *CleanupConfig) staleAfterOrDefault() time.Duration {
	if c.StaleAfter == 0 {
		return DefaultStaleAfter
	}
	return time.Duration(c.StaleAfter)
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
