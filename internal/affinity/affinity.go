// Package affinity implements the CacheAffinityManager (spec.md §4.5):
// (affinity_key, endpoint_signature, global_model_id) -> resolved
// (provider, endpoint, key), with a sliding TTL sourced from the
// chosen key's cache_ttl_minutes. It is built directly on the
// teacher's internal/cache.Cache interface (ExactCache/MemoryCache),
// repurposed from response-body caching to affinity-struct caching.
package affinity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
)

// Entry is the value stored per affinity key.
type Entry struct {
	ProviderID      string `json:"provider_id"`
	EndpointID      string `json:"endpoint_id"`
	KeyID           string `json:"key_id"`
	RequestCount    int    `json:"request_count"`
	SupportsCaching bool   `json:"supports_caching"`
}

// Manager resolves and maintains cache affinity.
type Manager struct {
	store cache.Cache
}

// New constructs a Manager over the given cache backend.
func New(store cache.Cache) *Manager {
	return &Manager{store: store}
}

func affinityKey(affinityKey, signature, globalModelID string) string {
	return "affinity:" + affinityKey + ":" + signature + ":" + globalModelID
}

// Lookup returns the affinity entry for (affinityKeyStr, signature, globalModelID), if any.
func (m *Manager) Lookup(ctx context.Context, affinityKeyStr, signature, globalModelID string) (*Entry, bool) {
	raw, ok := m.store.Get(ctx, affinityKey(affinityKeyStr, signature, globalModelID))
	if !ok {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// RecordSuccess resets the entry's sliding TTL on each successful use,
// per spec.md §4.5. ttlMinutes == 0 disables affinity for this key.
func (m *Manager) RecordSuccess(ctx context.Context, affinityKeyStr, signature, globalModelID string, entry Entry, ttlMinutes int) error {
	if ttlMinutes == 0 {
		return nil
	}
	entry.RequestCount++
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, affinityKey(affinityKeyStr, signature, globalModelID), raw, time.Duration(ttlMinutes)*time.Minute)
}

// Invalidate removes the affinity entry. Called on auth failure,
// circuit-open events, or explicit key rotation — never on a 429
// (spec.md §9 Open Question, decided: do not invalidate on 429).
func (m *Manager) Invalidate(ctx context.Context, affinityKeyStr, signature, globalModelID string) error {
	return m.store.Delete(ctx, affinityKey(affinityKeyStr, signature, globalModelID))
}
