/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"go.uber.org/atomic"

	"github.com/acronis/go-appkit/log"
)

// Bounds and defaults for the adaptive per-minute multiplier.
const (
	AdaptiveMultiplierMin = 0.5
	AdaptiveMultiplierMax = 1.0

	DefaultAdaptiveInterval   = 5 * time.Second
	DefaultAdaptiveThreshold  = 80.0
	DefaultAdaptiveHysteresis = 10.0
	DefaultAdaptiveStep       = 0.1
)

// adaptiveState holds the process-wide multiplier applied to effective
// per-minute limits. Reads sit on the hot decision path, so the value is a
// single atomic float.
type adaptiveState struct {
	multiplier *atomic.Float64
}

func newAdaptiveState() *adaptiveState {
	return &adaptiveState{multiplier: atomic.NewFloat64(AdaptiveMultiplierMax)}
}

func (s *adaptiveState) value() float64 {
	return s.multiplier.Load()
}

func (s *adaptiveState) set(v float64) {
	if v < AdaptiveMultiplierMin {
		v = AdaptiveMultiplierMin
	}
	if v > AdaptiveMultiplierMax {
		v = AdaptiveMultiplierMax
	}
	s.multiplier.Store(v)
}

// LoadSampler reports an aggregate load signal as a percentage in [0, 100].
// Implementations may sample request rate, CPU usage, queue depth or any
// other signal; the default is request rate (see RateLoadSampler).
type LoadSampler interface {
	Sample() float64
}

// LoadSamplerFunc is an adapter to allow the use of ordinary functions as LoadSampler.
type LoadSamplerFunc func() float64

// Sample is a part of LoadSampler interface.
func (f LoadSamplerFunc) Sample() float64 {
	return f()
}

// RateLoadSampler reports the observed request rate over a sliding window
// as a percentage of a configured capacity (requests per second that count
// as 100% load). The engine feeds it with one observation per decision.
type RateLoadSampler struct {
	capacityPerSec float64
	windowSize     time.Duration

	mu   sync.Mutex
	prev slidingwindow.Window
	cur  slidingwindow.Window
	now  func() time.Time
}

// NewRateLoadSampler creates a sampler that treats capacityPerSec requests
// per second as 100% load.
func NewRateLoadSampler(capacityPerSec float64, windowSize time.Duration) *RateLoadSampler {
	prev, _ := slidingwindow.NewLocalWindow()
	cur, _ := slidingwindow.NewLocalWindow()
	start := time.Now().Truncate(windowSize)
	prev.Reset(start.Add(-windowSize), 0)
	cur.Reset(start, 0)
	return &RateLoadSampler{
		capacityPerSec: capacityPerSec,
		windowSize:     windowSize,
		prev:           prev,
		cur:            cur,
		now:            time.Now,
	}
}

// Observe registers one request.
func (s *RateLoadSampler) Observe() {
	s.mu.Lock()
	s.rotate(s.now())
	s.cur.AddCount(1)
	s.mu.Unlock()
}

// Sample returns the current load percentage. The count is interpolated
// between the previous and the current window the same way the sliding
// window limiter does it.
func (s *RateLoadSampler) Sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rotate(now)
	elapsed := now.Sub(s.cur.Start())
	weight := 1 - float64(elapsed)/float64(s.windowSize)
	if weight < 0 {
		weight = 0
	}
	count := weight*float64(s.prev.Count()) + float64(s.cur.Count())

	ratePerSec := count / s.windowSize.Seconds()
	if s.capacityPerSec <= 0 {
		return 0
	}
	loadPct := ratePerSec / s.capacityPerSec * 100
	if loadPct > 100 {
		loadPct = 100
	}
	return loadPct
}

func (s *RateLoadSampler) rotate(now time.Time) {
	newStart := now.Truncate(s.windowSize)
	curStart := s.cur.Start()
	if !newStart.After(curStart) {
		return
	}
	if newStart.Sub(curStart) == s.windowSize {
		// The current window just ended and becomes the previous one.
		s.prev.Reset(curStart, s.cur.Count())
	} else {
		// More than a full window of idle time, nothing to carry over.
		s.prev.Reset(newStart.Add(-s.windowSize), 0)
	}
	s.cur.Reset(newStart, 0)
}

// AdaptiveMonitor adjusts the process-wide multiplier from the sampled load.
// One Run call performs a single sample-and-adjust pass; it is meant to be
// driven by service.NewPeriodicWorker. Hysteresis between the raise and the
// lower thresholds prevents oscillation around a single boundary.
type AdaptiveMonitor struct {
	state      *adaptiveState
	sampler    LoadSampler
	threshold  float64
	hysteresis float64
	step       float64
	onChange   func(multiplier float64)
	logger     log.FieldLogger
}

func newAdaptiveMonitor(
	state *adaptiveState, sampler LoadSampler, threshold, hysteresis, step float64,
	onChange func(multiplier float64), logger log.FieldLogger,
) *AdaptiveMonitor {
	return &AdaptiveMonitor{
		state:      state,
		sampler:    sampler,
		threshold:  threshold,
		hysteresis: hysteresis,
		step:       step,
		onChange:   onChange,
		logger:     logger,
	}
}

// Run is a part of service.Worker interface.
func (m *AdaptiveMonitor) Run(_ context.Context) error {
	loadPct := m.sampler.Sample()
	old := m.state.value()

	switch {
	case loadPct > m.threshold:
		m.state.set(old - m.step)
	case loadPct < m.threshold-m.hysteresis:
		m.state.set(old + m.step)
	default:
		return nil
	}

	if newVal := m.state.value(); newVal != old {
		if m.onChange != nil {
			m.onChange(newVal)
		}
		m.logger.Info("adaptive multiplier adjusted",
			log.Float64("load_pct", loadPct),
			log.Float64("old_multiplier", old),
			log.Float64("new_multiplier", newVal),
		)
	}
	return nil
}
