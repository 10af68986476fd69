/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"
)

// DenyReason explains why a Decision denied a request.
type DenyReason string

// Deny reasons, in the order they are evaluated.
const (
	DenyReasonConcurrentLimit DenyReason = "concurrent_limit"
	DenyReasonSecondLimit     DenyReason = "second_limit"
	DenyReasonMinuteLimit     DenyReason = "minute_limit"
	DenyReasonHourLimit       DenyReason = "hour_limit"
	DenyReasonDayLimit        DenyReason = "day_limit"
)

// IsCapacity reports whether the denial is terminal for the current period
// (capacity exhausted, long backoff) as opposed to a short-lived throttle.
func (r DenyReason) IsCapacity() bool {
	return r == DenyReasonConcurrentLimit || r == DenyReasonDayLimit
}

// HTTP header names carried by every Decision.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

const headerValUnlimited = "unlimited"

// Decision is the outcome of an admission check. Denial is an expected,
// frequent outcome and is represented as Allowed == false, never as an error.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetIn    time.Duration
	RetryAfter time.Duration
	Reason     DenyReason
	UsedBurst  bool
	Headers    map[string]string
}

// UnknownTierError is returned when a request references a tier that is not
// present in the plan catalog. It is a configuration error, not a denial.
type UnknownTierError struct {
	Tier string
}

// Error is a part of error interface.
func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier %q", e.Tier)
}

// Engine is the decision core. It consults the plan catalog, the bucket
// store, the concurrency tracker and the adaptive multiplier to produce
// Decisions in a fixed precedence order:
//
//	unlimited bypass > concurrent_limit > second_limit > minute_limit
//	(burst may absorb) > hour_limit > day_limit > allowed.
//
// All public methods are safe for concurrent use and are non-blocking apart
// from short per-client critical sections.
type Engine struct {
	catalog *PlanCatalog
	store   *bucketStore
	tracker *concurrencyTracker

	adaptive        *adaptiveState
	adaptiveEnabled bool
	adaptiveCfg     AdaptiveConfig
	sampler         LoadSampler
	rateSampler     *RateLoadSampler

	recorder *metricsRecorder
	prom     *MetricsCollector

	queue *TierQueue

	burstEnabled    bool
	gracePeriod     time.Duration
	cleanupInterval time.Duration
	staleAfter      time.Duration

	startedAt time.Time
	logger    log.FieldLogger
	timeNow   func() time.Time
}

// EngineOpts represents an options for the Engine.
type EngineOpts struct {
	// Logger is used by the background workers. Disabled if nil.
	Logger log.FieldLogger

	// MetricsCollector enables Prometheus metrics for decisions.
	// The collector is not registered by the engine; call MustRegister.
	MetricsCollector *MetricsCollector

	// LoadSampler overrides the default request-rate load sampler
	// feeding the adaptive monitor.
	LoadSampler LoadSampler
}

// NewEngine creates a new admission Engine from the passed configuration.
// A nil cfg means all defaults (built-in plan catalog included).
func NewEngine(cfg *Config, opts EngineOpts) (*Engine, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	catalog, err := NewPlanCatalog(cfg.plansOrDefault())
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}

	now := time.Now()
	e := &Engine{
		catalog:         catalog,
		store:           newBucketStore(cfg.maxClientsOrDefault()),
		tracker:         newConcurrencyTracker(),
		adaptive:        newAdaptiveState(),
		adaptiveEnabled: cfg.Adaptive.Enabled,
		adaptiveCfg:     cfg.Adaptive.withDefaults(),
		recorder:        newMetricsRecorder(catalog.Tiers()),
		prom:            opts.MetricsCollector,
		burstEnabled:    cfg.Burst.Enabled,
		gracePeriod:     time.Duration(cfg.GracePeriod),
		cleanupInterval: cfg.Cleanup.intervalOrDefault(),
		staleAfter:      cfg.Cleanup.staleAfterOrDefault(),
		startedAt:       now,
		logger:          logger,
		timeNow:         time.Now,
	}

	if cfg.Adaptive.Enabled {
		e.sampler = opts.LoadSampler
		if e.sampler == nil {
			e.rateSampler = NewRateLoadSampler(e.adaptiveCfg.capacityOrDefault(), time.Duration(e.adaptiveCfg.Interval))
			e.sampler = e.rateSampler
		}
	}

	if cfg.Queue.Enabled {
		e.queue = NewTierQueue(catalog, cfg.Queue.maxActiveOrDefault(), cfg.Queue.sizeOrDefault())
	}

	return e, nil
}

// Queue returns the tiered dispatch queue, or nil when priority queueing
// is disabled.
func (e *Engine) Queue() *TierQueue {
	return e.queue
}

// CheckLimit decides whether a request of the client may proceed. It only
// performs idempotent bookkeeping (token refill, window advancement); the
// caller commits actual consumption with Record once the guarded operation
// begins, which lets it abort without consuming quota.
//
// Note that CheckLimit followed by Record is not atomic: two racing
// requests for the same client may both pass the check before either
// commits. Use Allow for a linearizable decision+commit.
func (e *Engine) CheckLimit(clientID, tier string) (Decision, error) {
	return e.decide(clientID, tier, false)
}

// Allow folds CheckLimit and Record into a single per-client critical
// section: if the decision is positive, consumption is committed before the
// bucket is unlocked. A caller that aborts afterwards should compensate
// with Refund.
func (e *Engine) Allow(clientID, tier string) (Decision, error) {
	return e.decide(clientID, tier, true)
}

func (e *Engine) decide(clientID, tier string, commit bool) (Decision, error) {
	plan, ok := e.catalog.PlanForClient(clientID, tier)
	if !ok {
		return Decision{}, &UnknownTierError{Tier: tier}
	}
	if !e.burstEnabled {
		plan.BurstLimit = 0
	}

	if e.rateSampler != nil {
		e.rateSampler.Observe()
	}

	// Step 1: the unlimited tier bypasses all per-client state.
	if plan.IsUnlimited() {
		d := unlimitedDecision()
		e.observe(tier, d)
		return d, nil
	}

	now := e.timeNow()

	// Step 2: concurrency ceiling, checked before any bucket mutation.
	if plan.MaxConcurrent != Unlimited && e.tracker.inFlight(clientID) >= plan.MaxConcurrent {
		d := e.concurrentDenial(clientID, plan, now)
		e.observe(tier, d)
		return d, nil
	}

	b := e.store.getOrCreate(clientID, plan, now, e.canEvict)
	b.mu.Lock()
	b.plan = plan
	d, effMinute := e.evaluateLocked(b, plan, now)
	if !d.Allowed && d.Reason != DenyReasonConcurrentLimit && e.graceActive(now) {
		d = graced(d)
	}
	if d.Allowed && commit {
		b.commit(plan, effMinute, now)
		d.Remaining = remainingOf(effMinute, b.minute.count)
		d.Headers[HeaderRateLimitRemaining] = limitHeaderValue(d.Remaining)
	}
	b.mu.Unlock()

	e.observe(tier, d)
	return d, nil
}

// Record commits consumption for the client after a successful CheckLimit:
// all four window counters are incremented and a token is spent. If the
// effective minute limit is already reached, a burst token is consumed.
// Calling Record for an unknown or unlimited client is a no-op.
func (e *Engine) Record(clientID string) {
	b, ok := e.store.get(clientID)
	if !ok {
		return
	}
	now := e.timeNow()
	b.mu.Lock()
	plan := b.plan
	b.refill(plan, now)
	b.advanceWindows(now)
	b.commit(plan, e.effectiveMinuteLimit(plan), now)
	b.mu.Unlock()
}

// Refund compensates one committed request after a caller-side abort.
func (e *Engine) Refund(clientID string) {
	b, ok := e.store.get(clientID)
	if !ok {
		return
	}
	b.mu.Lock()
	b.refund(b.plan)
	b.mu.Unlock()
}

// StartConcurrent acquires an in-flight slot for the client. The ceiling is
// re-validated atomically, so the acquisition is fail-closed even if the
// client's state changed since CheckLimit. The returned release must run on
// every exit path of the guarded operation; EndConcurrent is idempotent at
// zero.
func (e *Engine) StartConcurrent(clientID, tier string) (bool, error) {
	plan, ok := e.catalog.PlanForClient(clientID, tier)
	if !ok {
		return false, &UnknownTierError{Tier: tier}
	}
	if plan.IsUnlimited() {
		return true, nil
	}
	return e.tracker.acquire(clientID, plan.MaxConcurrent), nil
}

// EndConcurrent releases the client's in-flight slot, floored at zero.
func (e *Engine) EndConcurrent(clientID string) {
	e.tracker.release(clientID)
}

// InFlight returns the client's current number of in-flight requests.
func (e *Engine) InFlight(clientID string) int {
	return e.tracker.inFlight(clientID)
}

// AdaptiveMultiplier returns the current process-wide multiplier.
func (e *Engine) AdaptiveMultiplier() float64 {
	return e.adaptive.value()
}

// TrackedClients returns the number of clients with materialized state.
func (e *Engine) TrackedClients() int {
	return e.store.len()
}

// AdaptiveMonitor returns the worker adjusting the adaptive multiplier,
// or nil when adaptive limiting is disabled. One Run call performs a single
// sample-and-adjust pass; drive it with service.NewPeriodicWorker.
func (e *Engine) AdaptiveMonitor() *AdaptiveMonitor {
	if !e.adaptiveEnabled {
		return nil
	}
	var onChange func(float64)
	if e.prom != nil {
		onChange = e.prom.AdaptiveMultiplier.Set
	}
	return newAdaptiveMonitor(e.adaptive, e.sampler,
		e.adaptiveCfg.Threshold, e.adaptiveCfg.Hysteresis, e.adaptiveCfg.Step, onChange, e.logger)
}

// Janitor returns the worker evicting idle per-client state.
// One Run call performs a single sweep; drive it with service.NewPeriodicWorker.
func (e *Engine) Janitor() *Janitor {
	var onSweep func(tracked int)
	if e.prom != nil {
		onSweep = func(tracked int) { e.prom.TrackedClients.Set(float64(tracked)) }
	}
	return newJanitor(e.store, e.tracker, e.staleAfter, onSweep, e.logger, e.timeNow)
}

// BackgroundUnit composes the janitor and, if enabled, the adaptive monitor
// into a single service.Unit with start/stop lifecycle.
func (e *Engine) BackgroundUnit() service.Unit {
	units := []service.Unit{
		service.NewWorkerUnit(service.NewPeriodicWorker(e.Janitor(), e.cleanupInterval, e.logger)),
	}
	if monitor := e.AdaptiveMonitor(); monitor != nil {
		units = append(units,
			service.NewWorkerUnit(service.NewPeriodicWorker(monitor, time.Duration(e.adaptiveCfg.Interval), e.logger)))
	}
	return service.NewCompositeUnit(units...)
}

func (e *Engine) effectiveMinuteLimit(plan Plan) int {
	if plan.RequestsPerMinute == Unlimited {
		return Unlimited
	}
	if !e.adaptiveEnabled {
		return plan.RequestsPerMinute
	}
	return int(float64(plan.RequestsPerMinute) * e.adaptive.value())
}

// evaluateLocked runs steps 3-7 of the precedence order.
// Must be called with b.mu held.
func (e *Engine) evaluateLocked(b *bucket, plan Plan, now time.Time) (Decision, int) {
	b.refill(plan, now)
	b.advanceWindows(now)
	b.lastSeen = now

	effMinute := e.effectiveMinuteLimit(plan)

	if plan.RequestsPerSecond != Unlimited && b.second.count >= plan.RequestsPerSecond {
		return denial(DenyReasonSecondLimit, time.Second, b.second.resetIn(now, time.Second), effMinute, b.minute.count), effMinute
	}

	if effMinute != Unlimited && b.minute.count >= effMinute {
		if b.burstTokens > 0 {
			d := allowedDecision(effMinute, b.minute.count, b.minute.resetIn(now, time.Minute))
			d.UsedBurst = true
			return d, effMinute
		}
		left := b.minute.resetIn(now, time.Minute)
		return denial(DenyReasonMinuteLimit, left, left, effMinute, b.minute.count), effMinute
	}

	if plan.RequestsPerHour != Unlimited && b.hour.count >= plan.RequestsPerHour {
		left := b.hour.resetIn(now, time.Hour)
		return denial(DenyReasonHourLimit, left, left, effMinute, b.minute.count), effMinute
	}

	if plan.RequestsPerDay != Unlimited && b.day.count >= plan.RequestsPerDay {
		left := untilNextUTCMidnight(now)
		return denial(DenyReasonDayLimit, left, left, effMinute, b.minute.count), effMinute
	}

	return allowedDecision(effMinute, b.minute.count, b.minute.resetIn(now, time.Minute)), effMinute
}

func (e *Engine) concurrentDenial(clientID string, plan Plan, now time.Time) Decision {
	effMinute := e.effectiveMinuteLimit(plan)
	minuteCount := 0
	resetIn := time.Minute
	if b, ok := e.store.get(clientID); ok {
		b.mu.Lock()
		b.advanceWindows(now)
		minuteCount = b.minute.count
		resetIn = b.minute.resetIn(now, time.Minute)
		b.mu.Unlock()
	}
	d := denial(DenyReasonConcurrentLimit, time.Second, resetIn, effMinute, minuteCount)
	return d
}

func (e *Engine) graceActive(now time.Time) bool {
	return e.gracePeriod > 0 && now.Sub(e.startedAt) < e.gracePeriod
}

func (e *Engine) canEvict(clientID string) bool {
	return e.tracker.inFlight(clientID) == 0
}

func (e *Engine) observe(tier string, d Decision) {
	e.recorder.observe(tier, d.Allowed, d.Reason, d.UsedBurst)
	if e.prom != nil {
		e.prom.observeDecision(tier, d)
	}
}

func remainingOf(effMinute, minuteCount int) int {
	if effMinute == Unlimited {
		return Unlimited
	}
	if remaining := effMinute - minuteCount; remaining > 0 {
		return remaining
	}
	return 0
}

func allowedDecision(effMinute, minuteCount int, resetIn time.Duration) Decision {
	remaining := remainingOf(effMinute, minuteCount)
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetIn:   resetIn,
		Headers:   buildHeaders(effMinute, remaining, resetIn),
	}
}

func denial(reason DenyReason, retryAfter, resetIn time.Duration, effMinute, minuteCount int) Decision {
	remaining := remainingOf(effMinute, minuteCount)
	headers := buildHeaders(effMinute, remaining, resetIn)
	headers[HeaderRetryAfter] = strconv.Itoa(int(math.Ceil(retryAfter.Seconds())))
	return Decision{
		Remaining:  remaining,
		ResetIn:    resetIn,
		RetryAfter: retryAfter,
		Reason:     reason,
		Headers:    headers,
	}
}

// graced converts a rate denial into an allow during the warm-up period.
func graced(d Decision) Decision {
	d.Allowed = true
	d.Reason = ""
	d.RetryAfter = 0
	delete(d.Headers, HeaderRetryAfter)
	return d
}

func unlimitedDecision() Decision {
	return Decision{
		Allowed:   true,
		Remaining: Unlimited,
		Headers: map[string]string{
			HeaderRateLimitLimit:     headerValUnlimited,
			HeaderRateLimitRemaining: headerValUnlimited,
			HeaderRateLimitReset:     "0",
		},
	}
}

func buildHeaders(effMinute, remaining int, resetIn time.Duration) map[string]string {
	return map[string]string{
		HeaderRateLimitLimit:     limitHeaderValue(effMinute),
		HeaderRateLimitRemaining: limitHeaderValue(remaining),
		HeaderRateLimitReset:     strconv.Itoa(int(math.Ceil(resetIn.Seconds()))),
	}
}

func limitHeaderValue(v int) string {
	if v == Unlimited {
		return headerValUnlimited
	}
	return strconv.Itoa(v)
}

func untilNextUTCMidnight(now time.Time) time.Duration {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour).Sub(now.UTC())
}
