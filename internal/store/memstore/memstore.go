// Package memstore is an in-memory reference implementation of the
// store interfaces, used by tests and by the internal/app composition root.
// It mirrors the teacher's in-process MemoryCache pattern
// (internal/cache/memory.go: a mutex-guarded map with no external
// dependency) rather than introducing a throwaway SQL driver.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// ProviderStore is an in-memory ProviderStore.
type ProviderStore struct {
	mu        sync.RWMutex
	providers map[string]*model.Provider
	endpoints map[string][]*model.Endpoint // by providerID
	keys      map[string][]*model.ProviderAPIKey
	models    map[string][]*model.Model
	globals   map[string]*model.GlobalModel // by name
}

// NewProviderStore creates an empty in-memory ProviderStore.
func NewProviderStore() *ProviderStore {
	return &ProviderStore{
		providers: make(map[string]*model.Provider),
		endpoints: make(map[string][]*model.Endpoint),
		keys:      make(map[string][]*model.ProviderAPIKey),
		models:    make(map[string][]*model.Model),
		globals:   make(map[string]*model.GlobalModel),
	}
}

// AddProvider registers a Provider along with its Endpoints, Keys and Models.
func (s *ProviderStore) AddProvider(p *model.Provider, endpoints []*model.Endpoint, keys []*model.ProviderAPIKey, models []*model.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
	s.endpoints[p.ID] = endpoints
	s.keys[p.ID] = keys
	s.models[p.ID] = models
}

// AddModels appends Model rows for an already-registered provider,
// e.g. when a provider's models are derived from a separate catalog
// pass after AddProvider (AddProvider's own models argument covers the
// common case of models known up front).
func (s *ProviderStore) AddModels(providerID string, models []*model.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[providerID] = append(s.models[providerID], models...)
}

// AddGlobalModel registers a GlobalModel by name.
func (s *ProviderStore) AddGlobalModel(gm *model.GlobalModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[gm.Name] = gm
}

func (s *ProviderStore) ActiveProviders(_ context.Context, offset, limit int) ([]*model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderPriority != out[j].ProviderPriority {
			return out[i].ProviderPriority < out[j].ProviderPriority
		}
		return out[i].ID < out[j].ID
	})

	if offset >= len(out) {
		return nil, nil
	}
	end := len(out)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return out[offset:end], nil
}

func (s *ProviderStore) EndpointsForProvider(_ context.Context, providerID string) ([]*model.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[providerID], nil
}

func (s *ProviderStore) KeysForProvider(_ context.Context, providerID string) ([]*model.ProviderAPIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[providerID], nil
}

func (s *ProviderStore) ModelsForProvider(_ context.Context, providerID string) ([]*model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.models[providerID], nil
}

func (s *ProviderStore) GlobalModelByName(_ context.Context, name string) (*model.GlobalModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gm, ok := s.globals[name]
	if !ok {
		return nil, fmt.Errorf("memstore: global model %q not found", name)
	}
	return gm, nil
}

// ConfigStore is an in-memory ConfigStore.
type ConfigStore struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewConfigStore creates an empty in-memory ConfigStore.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{vals: make(map[string]string)}
}

// Set stores a raw string value for key.
func (s *ConfigStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
}

func (s *ConfigStore) Get(_ context.Context, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	return v, ok
}

func (s *ConfigStore) GetBool(ctx context.Context, key string, def bool) bool {
	v, ok := s.Get(ctx, key)
	if !ok {
		return def
	}
	return v == "true" || v == "1"
}

func (s *ConfigStore) GetInt(ctx context.Context, key string, def int) int {
	v, ok := s.Get(ctx, key)
	if !ok {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
