package concurrency

import (
	"context"
	"math"
)

// RPMCounter is implemented by Counter (Redis) and MemoryCounter
// (in-process fallback).
type RPMCounter interface {
	TryAdmit(ctx context.Context, keyID string, limit int) (bool, error)
	CurrentCount(ctx context.Context, keyID string) (int, error)
}

// Manager is the ConcurrencyManager of spec.md §4.4: it applies the
// admission rule using a reservation ratio supplied by an
// AdaptiveReservationManager, while the atomic counter check/increment
// itself is the single source of admission correctness (spec.md §5:
// "the AdaptiveReservation state...never blocks admission correctness").
type Manager struct {
	counter RPMCounter
}

// NewManager constructs a Manager over the given RPMCounter.
func NewManager(counter RPMCounter) *Manager {
	return &Manager{counter: counter}
}

// Admit applies spec.md §4.4's admission rule directly:
//
//	cached user: admit iff c < L
//	new user:    admit iff c < max(1, floor(L * (1-r)))
//
// Because a plain counter check-then-increment would race, the
// effective limit passed to the atomic TryAdmit call is already the
// reservation-adjusted ceiling — the Lua/in-memory script performs the
// check and increment as one atomic unit against that ceiling.
func (m *Manager) Admit(ctx context.Context, keyID string, limit int, isCachedUser bool, reservation float64) (bool, error) {
	effective := limit
	if !isCachedUser {
		effective = EffectiveNewUserLimit(limit, reservation)
	}
	return m.counter.TryAdmit(ctx, keyID, effective)
}

// EffectiveNewUserLimit computes max(1, floor(L * (1-r))), the new-user
// ceiling of spec.md §4.4 and the boundary example of spec.md §8
// ("L=10, r=0.2 -> floor(10*0.8)=8").
func EffectiveNewUserLimit(limit int, reservation float64) int {
	v := int(math.Floor(float64(limit) * (1 - reservation)))
	if v < 1 {
		v = 1
	}
	return v
}

// CurrentRPM returns the current observed count for keyID, used by
// adaptive RPM learning when a 429 is received.
func (m *Manager) CurrentRPM(ctx context.Context, keyID string) (int, error) {
	return m.counter.CurrentCount(ctx, keyID)
}
