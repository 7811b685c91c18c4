// Package health implements the HealthMonitor & CircuitBreaker
// (spec.md §4.3): per-(key_id, endpoint_signature) breaker states, and
// adaptive RPM learning. The state machine itself is the teacher's
// internal/proxy/circuitbreaker.go Allow/RecordSuccess/RecordFailure
// logic, regrounded from a per-provider-name key to a per-bucket key
// and extended with the auth/429-ceiling trip conditions and
// exponential-with-jitter cooldown spec.md §4.3 adds.
package health

import (
	"math/rand"
	"sync"
	"time"
)

// State is the circuit breaker's operational state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes the breaker. Zero values fall back to defaults.
type Config struct {
	ErrorThreshold     int
	TimeWindow         time.Duration
	BaseCooldown       time.Duration
	MaxCooldown        time.Duration
	RetryAfterCeiling  time.Duration // a 429 with Retry-After beyond this trips the breaker directly
}

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return 5
}

func (c Config) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return 60 * time.Second
}

func (c Config) baseCooldown() time.Duration {
	if c.BaseCooldown > 0 {
		return c.BaseCooldown
	}
	return 30 * time.Second
}

func (c Config) maxCooldown() time.Duration {
	if c.MaxCooldown > 0 {
		return c.MaxCooldown
	}
	return 10 * time.Minute
}

func (c Config) retryAfterCeiling() time.Duration {
	if c.RetryAfterCeiling > 0 {
		return c.RetryAfterCeiling
	}
	return 5 * time.Minute
}

// bucket holds per-(key,signature) breaker state.
type bucket struct {
	mu            sync.Mutex
	state         State
	errorCount    int
	consecutiveOpens int // drives exponential cooldown growth
	windowStart   time.Time
	openedAt      time.Time
	cooldown      time.Duration
	probeInflight bool
}

// CircuitBreaker manages independent breakers keyed by BucketKey(keyID, signature).
type CircuitBreaker struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	cfg      Config
	rngMu    sync.Mutex
	rng      *rand.Rand
}

// BucketKey forms the canonical (key_id, endpoint_signature) breaker key.
func BucketKey(keyID, signature string) string { return keyID + "|" + signature }

// New creates a CircuitBreaker with the given config.
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (cb *CircuitBreaker) get(key string) *bucket {
	cb.mu.RLock()
	b, ok := cb.buckets[key]
	cb.mu.RUnlock()
	if ok {
		return b
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if b, ok = cb.buckets[key]; ok {
		return b
	}
	b = &bucket{state: Closed, windowStart: time.Now()}
	cb.buckets[key] = b
	return b
}

// Allow reports (available, reason) for key — reason is attached to the
// candidate's skip record per spec.md §4.3.
func (cb *CircuitBreaker) Allow(key string) (bool, string) {
	b := cb.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, ""
	case Open:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.probeInflight = true
			return true, ""
		}
		return false, "circuit_open"
	case HalfOpen:
		if b.probeInflight {
			return false, "half_open_probe_in_flight"
		}
		b.probeInflight = true
		return true, ""
	}
	return true, ""
}

// RecordSuccess transitions half_open->closed on one success; in the
// closed state it simply resets the error counter.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	b := cb.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.errorCount = 0
	b.consecutiveOpens = 0
	b.probeInflight = false
	b.windowStart = time.Now()
}

// RecordFailure counts a plain failure; trips the breaker once
// errorThreshold is reached within TimeWindow, or immediately if
// half_open (one failure reopens per spec.md §4.3).
func (cb *CircuitBreaker) RecordFailure(key string) {
	b := cb.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		cb.trip(b)
		return
	}

	now := time.Now()
	if now.Sub(b.windowStart) > cb.cfg.timeWindow() {
		b.errorCount = 0
		b.windowStart = now
	}
	b.errorCount++
	b.probeInflight = false

	if b.errorCount >= cb.cfg.errorThreshold() {
		cb.trip(b)
	}
}

// RecordAuthFailure trips the breaker immediately on a 401/403, per
// spec.md §4.3 ("closed -> open ... OR a 401/403").
func (cb *CircuitBreaker) RecordAuthFailure(key string) {
	b := cb.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cb.trip(b)
}

// RecordRateLimit trips the breaker immediately when retryAfter exceeds
// the configured ceiling, per spec.md §4.3 ("a 429 with a Retry-After
// that exceeds a ceiling").
func (cb *CircuitBreaker) RecordRateLimit(key string, retryAfter time.Duration) {
	if retryAfter <= cb.cfg.retryAfterCeiling() {
		return
	}
	b := cb.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cb.trip(b)
}

// trip opens the breaker with an exponentially-growing cooldown capped
// at maxCooldown and jittered by up to 20%, per spec.md §4.3
// "(exponential with ceiling and jitter)". Caller must hold b.mu.
func (cb *CircuitBreaker) trip(b *bucket) {
	b.state = Open
	b.openedAt = time.Now()
	b.probeInflight = false
	b.consecutiveOpens++

	cooldown := cb.cfg.baseCooldown()
	for i := 1; i < b.consecutiveOpens; i++ {
		cooldown *= 2
		if cooldown >= cb.cfg.maxCooldown() {
			cooldown = cb.cfg.maxCooldown()
			break
		}
	}

	cb.rngMu.Lock()
	jitter := 1 + (cb.rng.Float64()*0.4 - 0.2) // +/-20%
	cb.rngMu.Unlock()

	b.cooldown = time.Duration(float64(cooldown) * jitter)
}

// State returns the current breaker state for key.
func (cb *CircuitBreaker) State(key string) State {
	b := cb.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
