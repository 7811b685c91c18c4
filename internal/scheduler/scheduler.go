// Package scheduler implements the Scheduler (spec.md §4.7): orders a
// candidate list by priority mode and scheduling mode, and promotes a
// cache-affinity match to the front. Grounded on original_source
// src/services/cache/aware_scheduler.py's _apply_priority_mode_sort /
// _sort_by_global_priority_with_hash / _apply_load_balance /
// _shuffle_keys_by_internal_priority.
package scheduler

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/affinity"
	"github.com/nulpointcorp/llm-gateway/internal/candidate"
)

// PriorityMode governs the ordering of candidates sharing an endpoint.
type PriorityMode string

const (
	PriorityProvider  PriorityMode = "provider"   // ProviderPriority, then InternalPriority
	PriorityGlobalKey PriorityMode = "global_key" // GlobalPriorityByFmt, ties broken by a deterministic hash
)

// NormalizePriorityMode defaults unknown/empty values to PriorityProvider,
// mirroring _normalize_priority_mode's permissive fallback.
func NormalizePriorityMode(v string) PriorityMode {
	switch PriorityMode(v) {
	case PriorityGlobalKey:
		return PriorityGlobalKey
	default:
		return PriorityProvider
	}
}

// SchedulingMode governs how the priority-ordered candidates are walked.
type SchedulingMode string

const (
	ModeFixedOrder     SchedulingMode = "fixed_order"
	ModeCacheAffinity  SchedulingMode = "cache_affinity"
	ModeLoadBalance    SchedulingMode = "load_balance"
)

// NormalizeSchedulingMode defaults unknown/empty values to ModeCacheAffinity,
// the gateway's recommended default (spec.md §4.7).
func NormalizeSchedulingMode(v string) SchedulingMode {
	switch SchedulingMode(v) {
	case ModeFixedOrder:
		return ModeFixedOrder
	case ModeLoadBalance:
		return ModeLoadBalance
	default:
		return ModeCacheAffinity
	}
}

// Scheduler orders candidate lists for dispatch.
type Scheduler struct {
	affinity       *affinity.Manager
	priorityMode   PriorityMode
	schedulingMode SchedulingMode
}

// New constructs a Scheduler with the given modes.
func New(aff *affinity.Manager, priorityMode PriorityMode, schedulingMode SchedulingMode) *Scheduler {
	return &Scheduler{affinity: aff, priorityMode: priorityMode, schedulingMode: schedulingMode}
}

// SetPriorityMode updates the priority mode at runtime (config-reloadable).
func (s *Scheduler) SetPriorityMode(mode string) { s.priorityMode = NormalizePriorityMode(mode) }

// SetSchedulingMode updates the scheduling mode at runtime (config-reloadable).
func (s *Scheduler) SetSchedulingMode(mode string) {
	s.schedulingMode = NormalizeSchedulingMode(mode)
}

// Order produces the final dispatch order for a list of candidates
// already split exact-first by the CandidateBuilder: priority sort
// within each group, then the scheduling mode's placement rule.
func (s *Scheduler) Order(ctx context.Context, candidates []candidate.Candidate, affinityKeyStr, signature, globalModelID string) []candidate.Candidate {
	if len(candidates) == 0 {
		return candidates
	}

	ordered := s.applyPriorityModeSort(candidates, affinityKeyStr)

	switch s.schedulingMode {
	case ModeFixedOrder:
		return ordered
	case ModeLoadBalance:
		return s.applyLoadBalance(ordered)
	default:
		return s.applyCacheAffinity(ctx, ordered, affinityKeyStr, signature, globalModelID)
	}
}

// applyPriorityModeSort sorts by the configured PriorityMode, stable
// within groups so CandidateBuilder's endpoint ordering is preserved.
func (s *Scheduler) applyPriorityModeSort(candidates []candidate.Candidate, affinityKeyStr string) []candidate.Candidate {
	out := append([]candidate.Candidate(nil), candidates...)

	switch s.priorityMode {
	case PriorityGlobalKey:
		s.sortByGlobalPriorityWithHash(out, affinityKeyStr)
	default:
		sort.SliceStable(out, func(i, j int) bool {
			pi, pj := out[i].Provider.ProviderPriority, out[j].Provider.ProviderPriority
			if pi != pj {
				return pi < pj
			}
			return out[i].Key.InternalPriority < out[j].Key.InternalPriority
		})
	}
	return out
}

// sortByGlobalPriorityWithHash sorts by GlobalPriorityByFmt[signature],
// breaking ties with a deterministic hash of (affinityKey, keyID) so
// repeated calls for the same caller land on the same key instead of
// round-robining arbitrarily — grounded on
// _sort_by_global_priority_with_hash.
func (s *Scheduler) sortByGlobalPriorityWithHash(candidates []candidate.Candidate, affinityKeyStr string) {
	priorityOf := func(c candidate.Candidate) int {
		if p, ok := c.Key.GlobalPriorityByFmt[c.ProviderAPIFormat]; ok {
			return p
		}
		return c.Key.InternalPriority
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := priorityOf(candidates[i]), priorityOf(candidates[j])
		if pi != pj {
			return pi < pj
		}
		return tieBreakHash(affinityKeyStr, candidates[i].Key.ID) < tieBreakHash(affinityKeyStr, candidates[j].Key.ID)
	})
}

func tieBreakHash(affinityKey, keyID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(affinityKey))
	h.Write([]byte{0})
	h.Write([]byte(keyID))
	return h.Sum32()
}

// applyCacheAffinity promotes a cached match to index 0, per spec.md
// §4.7's cache_affinity scheduling mode. A match marked IsSkipped is
// promoted the same way; there is no within-group promotion.
func (s *Scheduler) applyCacheAffinity(ctx context.Context, candidates []candidate.Candidate, affinityKeyStr, signature, globalModelID string) []candidate.Candidate {
	if s.affinity == nil || affinityKeyStr == "" {
		return candidates
	}
	entry, ok := s.affinity.Lookup(ctx, affinityKeyStr, signature, globalModelID)
	if !ok {
		return candidates
	}

	idx := -1
	for i, c := range candidates {
		if c.Provider.ID == entry.ProviderID && c.Endpoint.ID == entry.EndpointID && c.Key.ID == entry.KeyID {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return candidates
	}

	out := make([]candidate.Candidate, 0, len(candidates))
	out = append(out, candidates[idx])
	out = append(out, candidates[:idx]...)
	out = append(out, candidates[idx+1:]...)
	out[0].IsCached = true
	return out
}

// applyLoadBalance shuffles keys sharing the same (provider, endpoint)
// priority tier when every one of them has cache_ttl_minutes == 0,
// spreading load instead of hammering a single key — grounded on
// _shuffle_keys_by_internal_priority.
func (s *Scheduler) applyLoadBalance(candidates []candidate.Candidate) []candidate.Candidate {
	out := append([]candidate.Candidate(nil), candidates...)

	start := 0
	for start < len(out) {
		end := start + 1
		for end < len(out) && samePriorityTier(out[start], out[end]) {
			end++
		}
		if allRotationMode(out[start:end]) {
			shuffle(out[start:end])
		}
		start = end
	}
	return out
}

func samePriorityTier(a, b candidate.Candidate) bool {
	return a.Provider.ID == b.Provider.ID && a.Endpoint.ID == b.Endpoint.ID
}

func allRotationMode(group []candidate.Candidate) bool {
	for _, c := range group {
		if c.Key.CacheTTLMinutes != 0 {
			return false
		}
	}
	return len(group) > 1
}

func shuffle(group []candidate.Candidate) {
	rand.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
}
