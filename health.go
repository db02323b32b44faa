package imagegate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
	// healthProbeTimeout frees a probe slot whose holder never reported back.
	healthProbeTimeout     = 2 * time.Minute
)

// HealthState describes the health of a provider backend.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-provider health using a circuit breaker pattern.
// Only provider-side failures count; content-safety and validation errors
// say nothing about provider health. While half-open a single request at a
// time is admitted as the probe.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*providerHealth
	now       func() time.Time
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
	probing     bool
	probeAt     time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithHealthClock overrides time.Now.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthTracker) { h.now = now }
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		providers: make(map[string]*providerHealth),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetHealth returns the current health state for a provider.
func (h *HealthTracker) GetHealth(provider string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return HealthHealthy
	}
	h.refresh(ph)
	return ph.state
}

// Acquire reports whether a request may be sent to provider. probe is true
// when the caller took the half-open probe slot; it must then record the
// outcome or call Release.
func (h *HealthTracker) Acquire(provider string) (ok, probe bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, found := h.providers[provider]
	if !found {
		return true, false
	}
	h.refresh(ph)

	switch ph.state {
	case HealthHealthy:
		return true, false
	case HealthUnhealthy:
		return false, false
	}

	now := h.now()
	if ph.probing && now.Sub(ph.probeAt) < healthProbeTimeout {
		return false, false
	}
	ph.probing = true
	ph.probeAt = now
	return true, true
}

// Release frees the probe slot without recording an outcome.
func (h *HealthTracker) Release(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ph, ok := h.providers[provider]; ok {
		ph.probing = false
	}
}

// refresh moves an unhealthy provider to half-open once the unhealthy period
// has elapsed.
func (h *HealthTracker) refresh(ph *providerHealth) {
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= healthUnhealthyPeriod {
		ph.state = HealthHalfOpen
		ph.probing = false
	}
}

// RecordSuccess records a successful call.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.state = HealthHealthy
	ph.probing = false
	ph.failures = ph.failures[:0]
}

// RecordFailure records a failed call.
func (h *HealthTracker) RecordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.probing = false
	now := h.now()

	// A failed probe while half-open reopens the breaker immediately.
	if ph.state == HealthHalfOpen {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
		return
	}
	if ph.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= healthFailureThreshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[provider] = ph
	}
	return ph
}
