// Package candidate implements the CandidateBuilder (spec.md §4.6):
// assembling eligible (Provider, Endpoint, Key) triples from the store
// with all filters applied. Grounded on original_source
// src/services/cache/aware_scheduler.py's _query_providers /
// _check_key_availability / _get_effective_restrictions.
package candidate

import (
	"context"
	"errors"
	"path"
	"regexp"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// ErrModelNotSupported is raised when model_name does not resolve to a GlobalModel.
var ErrModelNotSupported = errors.New("candidate: model not supported")

// Candidate is a concrete (Provider, Endpoint, Key) triple that could
// serve a given request — the spec.md GLOSSARY definition.
type Candidate struct {
	Provider            *model.Provider
	Endpoint            *model.Endpoint
	Key                 *model.ProviderAPIKey
	NeedsConversion     bool
	ProviderAPIFormat   string
	MappingMatchedModel string
	IsCached            bool
	IsSkipped           bool
	SkipReason          string
}

// Restrictions is the effective intersection of caller-key and
// caller-user allow-lists on {api_formats, providers, models}.
type Restrictions struct {
	APIFormats []string // nil ⇒ unrestricted
	Providers  []string
	Models     []string
}

func intersect(a, b []string) []string {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

// EffectiveRestrictions computes the intersection of key-level and
// user-level restrictions, per spec.md §4.6 step 2.
func EffectiveRestrictions(keyRestr, userRestr Restrictions) Restrictions {
	return Restrictions{
		APIFormats: intersect(keyRestr.APIFormats, userRestr.APIFormats),
		Providers:  intersect(keyRestr.Providers, userRestr.Providers),
		Models:     intersect(keyRestr.Models, userRestr.Models),
	}
}

func contains(list []string, v string) bool {
	if list == nil {
		return true
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Request bundles the CandidateBuilder inputs of spec.md §4.6.
type Request struct {
	ClientSignature       string
	ModelName             string
	CallerID              string
	RequiredCapabilities  map[string]bool
	IsStream              bool
	ProviderOffset        int
	ProviderLimit         int
	GlobalConversionOn    bool
	Restrictions          Restrictions
}

// providerStore is the subset of store.ProviderStore the builder needs.
// Declared locally so this package depends on store only structurally,
// matching the teacher's preference for small consumer-side interfaces.
type providerStore interface {
	ActiveProviders(ctx context.Context, offset, limit int) ([]*model.Provider, error)
	EndpointsForProvider(ctx context.Context, providerID string) ([]*model.Endpoint, error)
	KeysForProvider(ctx context.Context, providerID string) ([]*model.ProviderAPIKey, error)
	ModelsForProvider(ctx context.Context, providerID string) ([]*model.Model, error)
	GlobalModelByName(ctx context.Context, name string) (*model.GlobalModel, error)
}

// Builder assembles candidates against a ProviderStore.
type Builder struct {
	ps      providerStore
	breaker *health.CircuitBreaker
}

// NewBuilder constructs a Builder over the given store and breaker.
func NewBuilder(providers providerStore, breaker *health.CircuitBreaker) *Builder {
	return &Builder{ps: providers, breaker: breaker}
}

// Build executes CandidateBuilder steps 1-5, returning exact candidates
// first followed by convertible candidates.
func (b *Builder) Build(ctx context.Context, req Request) (exact []Candidate, convertible []Candidate, err error) {
	gm, err := b.ps.GlobalModelByName(ctx, req.ModelName)
	if err != nil || gm == nil || !gm.IsActive {
		return nil, nil, ErrModelNotSupported
	}

	providers, err := b.ps.ActiveProviders(ctx, req.ProviderOffset, req.ProviderLimit)
	if err != nil {
		return nil, nil, err
	}

	for _, p := range providers {
		if !contains(req.Restrictions.Providers, p.ID) {
			continue
		}
		endpoints, err := b.ps.EndpointsForProvider(ctx, p.ID)
		if err != nil {
			continue
		}
		endpoints = orderEndpoints(endpoints, req.ClientSignature)

		models, _ := b.ps.ModelsForProvider(ctx, p.ID)
		keys, _ := b.ps.KeysForProvider(ctx, p.ID)

		for _, ep := range endpoints {
			if !ep.IsActive {
				continue
			}
			sig := ep.Signature()
			skipCheck := req.GlobalConversionOn || p.EnableFormatConversion
			compat := classify(req.ClientSignature, sig, ep.FormatAcceptance, req.IsStream, skipCheck)
			if compat == incompatible {
				continue
			}

			gModel := findModelForGlobal(models, gm.ID)
			if gModel == nil || !gModel.IsActive {
				continue
			}
			if !streamingSupported(gModel, req.IsStream) {
				continue
			}

			for _, k := range keys {
				if !k.IsActive || !k.EligibleFor(sig) {
					continue
				}
				cbKey := health.BucketKey(k.ID, sig)
				allowed, reason := true, ""
				if b.breaker != nil {
					allowed, reason = b.breaker.Allow(cbKey)
				}

				mappingMatched, modelOK := matchAllowedModel(k.AllowedModels, gModel.ProviderModelName, gm.ModelMappings)
				if !modelOK {
					continue
				}
				if !capabilitiesMatch(k.Capabilities, req.RequiredCapabilities) {
					continue
				}

				c := Candidate{
					Provider:            p,
					Endpoint:            ep,
					Key:                 k,
					NeedsConversion:     compat == convertibleCompat,
					ProviderAPIFormat:   sig,
					MappingMatchedModel: mappingMatched,
					IsSkipped:           !allowed,
					SkipReason:          reason,
				}

				if compat == exactCompat || compat == passthroughCompat {
					exact = append(exact, c)
				} else {
					convertible = append(convertible, c)
				}
			}
		}
	}

	return exact, convertible, nil
}

type compatResult int

const (
	exactCompat compatResult = iota
	passthroughCompat
	convertibleCompat
	incompatible
)

// classify implements is_format_compatible of spec.md §4.6.
func classify(clientSig, endpointSig string, fac model.FormatAcceptanceConfig, _ bool, skipEndpointCheck bool) compatResult {
	if clientSig == endpointSig {
		return exactCompat
	}
	if !fac.Enabled && !skipEndpointCheck {
		return incompatible
	}
	for _, f := range fac.AcceptFormats {
		if f == clientSig {
			return passthroughCompat
		}
	}
	if fac.StreamConversion || skipEndpointCheck {
		return convertibleCompat
	}
	return incompatible
}

// orderEndpoints orders endpoints preferring same-kind&same-family, then
// same-kind, then same-family, then other; within each group by family
// priority openai<claude<gemini<other — spec.md §4.6 step 4.
func orderEndpoints(endpoints []*model.Endpoint, clientSig string) []*model.Endpoint {
	clientFamily, clientKind := splitSignature(clientSig)

	group := func(e *model.Endpoint) int {
		sameFamily := string(e.APIFamily) == clientFamily
		sameKind := string(e.EndpointKind) == clientKind
		switch {
		case sameFamily && sameKind:
			return 0
		case sameKind:
			return 1
		case sameFamily:
			return 2
		default:
			return 3
		}
	}
	familyRank := func(f model.ApiFamily) int {
		switch f {
		case model.FamilyOpenAI:
			return 0
		case model.FamilyClaude:
			return 1
		case model.FamilyGemini:
			return 2
		default:
			return 3
		}
	}

	out := append([]*model.Endpoint(nil), endpoints...)
	sort.SliceStable(out, func(i, j int) bool {
		gi, gj := group(out[i]), group(out[j])
		if gi != gj {
			return gi < gj
		}
		return familyRank(out[i].APIFamily) < familyRank(out[j].APIFamily)
	})
	return out
}

func splitSignature(sig string) (family, kind string) {
	for i, c := range sig {
		if c == ':' {
			return sig[:i], sig[i+1:]
		}
	}
	return sig, ""
}

func findModelForGlobal(models []*model.Model, globalModelID string) *model.Model {
	for _, m := range models {
		if m.GlobalModelID == globalModelID {
			return m
		}
	}
	return nil
}

func streamingSupported(m *model.Model, isStream bool) bool {
	if !isStream {
		return true
	}
	if m.SupportsStreaming == nil {
		return true
	}
	return *m.SupportsStreaming
}

// matchAllowedModel checks the key's allowed_models against the
// provider-side model name directly, or through a GlobalModel mapping
// pattern (glob, or a size-bounded regex). Returns the mapping pattern
// matched, if any, and whether the model is allowed.
func matchAllowedModel(allowed []string, providerModelName string, mappings []model.ModelMapping) (string, bool) {
	if allowed == nil {
		return "", true
	}
	for _, a := range allowed {
		if a == providerModelName {
			return "", true
		}
	}
	for _, mp := range mappings {
		if !contains(allowed, mp.Pattern) {
			continue
		}
		if mp.IsRegex {
			if matchBoundedRegex(mp.Pattern, providerModelName) {
				return mp.Pattern, true
			}
			continue
		}
		if ok, _ := path.Match(mp.Pattern, providerModelName); ok {
			return mp.Pattern, true
		}
	}
	return "", false
}

// maxPatternLength bounds the regex compiled from a mapping pattern,
// per spec.md §4.6's "bounded regex" requirement.
const maxPatternLength = 256

func matchBoundedRegex(pattern, s string) bool {
	if len(pattern) > maxPatternLength {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// capabilitiesMatch applies the three-valued required/exclusive/forbidden
// semantics of spec.md §3: required caps must be present; forbidden caps
// must be absent; exclusive caps are only used when the request demands
// them (handled by the caller via requiredCaps, so here it behaves like
// required when demanded).
func capabilitiesMatch(keyCaps map[string]model.CapabilityMode, requiredCaps map[string]bool) bool {
	for name, mode := range keyCaps {
		if mode == model.CapForbidden && requiredCaps[name] {
			return false
		}
	}
	for name, demanded := range requiredCaps {
		if !demanded {
			continue
		}
		mode, has := keyCaps[name]
		if !has {
			return false
		}
		if mode == model.CapForbidden {
			return false
		}
	}
	return true
}
