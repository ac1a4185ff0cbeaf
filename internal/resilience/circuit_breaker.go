// Package resilience provides the failure-handling primitives shared by the
// agent pool and runtime adapters: an adaptive circuit breaker, jittered
// retry, and a token-bucket rate limiter.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker opens when the failure rate over a rolling window exceeds a
// threshold, and probes recovery via a bounded number of half-open requests.
// Used per runtime type by the agent pool's health checker (spec §4.3) so a
// flapping runtime stops being offered for new acquisitions.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs a breaker using a rolling window of the given
// size split into buckets, opening once minSamples have been observed and
// the failure rate reaches failureRateOpen.
func NewCircuitBreaker(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
	}
}

// Allow reports whether a probe/request is currently permitted.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 0
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a success or failure outcome and evolves breaker state.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

// Healthy reports whether the breaker currently considers its target healthy
// (closed or half-open) versus unavailable (open).
func (c *CircuitBreaker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != stateOpen
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("dagexec")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("dagexec_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("dagexec")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := meter.Int64Counter("dagexec_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// BreakerConfig is the shared construction parameters for every breaker a
// PartitionedBreaker lazily creates.
type BreakerConfig struct {
	WindowSize        time.Duration
	Buckets           int
	MinSamples        int
	FailureRateOpen   float64
	HalfOpenAfter     time.Duration
	MaxHalfOpenProbes int
}

// PartitionedBreaker owns one CircuitBreaker per key, constructed lazily
// from a shared BreakerConfig on first use. The agent pool (spec §4.3) must
// isolate failures of one runtime type (e.g. a flapping Aider binary) from
// every other registered runtime, which previously meant the pool kept its
// own map[runtime.Type]*CircuitBreaker and had to remember to seed it at
// RegisterRuntime time; folding that bookkeeping in here means a caller
// just asks For(key) and the breaker appears the first time that key is
// ever seen, closed, with no separate registration step to forget.
type PartitionedBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
}

func NewPartitionedBreaker(cfg BreakerConfig) *PartitionedBreaker {
	return &PartitionedBreaker{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for key, creating it closed on first use.
func (p *PartitionedBreaker) For(key string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(p.cfg.WindowSize, p.cfg.Buckets, p.cfg.MinSamples, p.cfg.FailureRateOpen, p.cfg.HalfOpenAfter, p.cfg.MaxHalfOpenProbes)
		p.breakers[key] = cb
	}
	return cb
}

// Allow reports whether key's breaker currently permits a request. An
// unseen key is treated as closed (never having failed), matching the
// pool's prior behavior of only consulting a breaker once one existed.
func (p *PartitionedBreaker) Allow(key string) bool { return p.For(key).Allow() }

// RecordResult records a success/failure outcome against key's breaker.
func (p *PartitionedBreaker) RecordResult(key string, success bool) { p.For(key).RecordResult(success) }

// Healthy reports key's breaker's current health without creating it if it
// doesn't already exist, since a health probe for a runtime type the pool
// has never dispatched to shouldn't itself start tracking failures for it.
func (p *PartitionedBreaker) Healthy(key string) bool {
	p.mu.Lock()
	cb, ok := p.breakers[key]
	p.mu.Unlock()
	return !ok || cb.Healthy()
}

type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
}

type bucket struct {
	slot          int64
	success, fail int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
	}
}

func (w *slidingWindow) currentSlot(now time.Time) int64 {
	return now.UnixNano() / w.interval.Nanoseconds()
}

func (w *slidingWindow) add(success bool) {
	slot := w.currentSlot(time.Now())
	idx := int(slot % int64(w.buckets))
	if w.data[idx].slot != slot {
		w.data[idx] = bucket{slot: slot}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	cur := w.currentSlot(time.Now())
	for _, b := range w.data {
		if cur-b.slot >= int64(w.buckets) {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
