package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// UsageStore is an in-memory UsageStore, used by tests and by internal/app.
type UsageStore struct {
	mu         sync.Mutex
	usage      map[string]*model.Usage
	candidates map[string][]*model.RequestCandidate
}

// NewUsageStore creates an empty in-memory UsageStore.
func NewUsageStore() *UsageStore {
	return &UsageStore{
		usage:      make(map[string]*model.Usage),
		candidates: make(map[string][]*model.RequestCandidate),
	}
}

func (s *UsageStore) CreatePending(_ context.Context, u *model.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.usage[u.RequestID] = &cp
	return nil
}

func (s *UsageStore) UpdateStatus(_ context.Context, requestID string, status model.UsageStatus, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[requestID]
	if !ok {
		return fmt.Errorf("memstore: usage %q not found", requestID)
	}
	if u.Status.IsTerminal() {
		// refuse to move a terminal state backward (spec.md §4.11)
		return nil
	}
	u.Status = status
	applyUsageFields(u, fields)
	u.UpdatedAt = time.Now()
	return nil
}

func (s *UsageStore) RecordTerminal(_ context.Context, u *model.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.usage[u.RequestID]
	if ok && existing.Status.IsTerminal() {
		// idempotent: repeated terminal updates are a no-op (spec.md §8)
		return nil
	}
	cp := *u
	cp.UpdatedAt = time.Now()
	if ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.usage[u.RequestID] = &cp
	return nil
}

func (s *UsageStore) CleanupStalePending(_ context.Context, timeoutMinutes int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(timeoutMinutes) * time.Minute)
	n := 0
	for _, u := range s.usage {
		if !u.Status.IsTerminal() && u.CreatedAt.Before(cutoff) {
			u.Status = model.UsageFailed
			u.StatusCode = 504
			u.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *UsageStore) CreateCandidate(_ context.Context, c *model.RequestCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.CreatedAt = time.Now()
	s.candidates[c.RequestID] = append(s.candidates[c.RequestID], &cp)
	return nil
}

func (s *UsageStore) UpdateCandidate(_ context.Context, c *model.RequestCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.candidates[c.RequestID] {
		if existing.ID == c.ID {
			*existing = *c
			return nil
		}
	}
	return fmt.Errorf("memstore: candidate %q not found", c.ID)
}

func (s *UsageStore) CandidatesByRequestID(_ context.Context, requestID string) ([]*model.RequestCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]*model.RequestCandidate(nil), s.candidates[requestID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateIndex < out[j].CandidateIndex })
	return out, nil
}

func applyUsageFields(u *model.Usage, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "provider_id":
			u.ProviderID, _ = v.(string)
		case "endpoint_id":
			u.EndpointID, _ = v.(string)
		case "key_id":
			u.KeyID, _ = v.(string)
		case "first_byte_time_ms":
			u.FirstByteTimeMs, _ = v.(int)
		case "api_format":
			u.WireFormat, _ = v.(string)
		case "has_format_conversion":
			u.HasFormatConversion, _ = v.(bool)
		}
	}
}
