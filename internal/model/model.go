// Package model holds the flat data-model types shared by the
// scheduling and dispatch engine. Relations between these types are
// expressed as ID fields joined through a store.ProviderStore, not as
// embedded pointers, so the graph of Providers/Endpoints/Keys/Models
// stays a set of arena-style records rather than a cyclic object graph.
package model

import "time"

// BillingType classifies how a Provider's usage is charged.
type BillingType string

const (
	BillingStandard BillingType = "standard"
	BillingFreeTier BillingType = "free_tier"
)

// Provider is a logical upstream account/organization.
type Provider struct {
	ID                     string
	Name                   string
	ProviderPriority       int // lower is better
	ProviderType           string
	BillingType            BillingType
	MonthlyUsedUSD         float64
	RequestTimeout         time.Duration
	StreamFirstByteTimeout time.Duration
	EnableFormatConversion bool
	KeepPriorityOnConversion bool
	Proxy                  string
	IsActive               bool
}

// ApiFamily is the wire family of an Endpoint.
type ApiFamily string

const (
	FamilyOpenAI  ApiFamily = "openai"
	FamilyClaude  ApiFamily = "claude"
	FamilyGemini  ApiFamily = "gemini"
	FamilyOther   ApiFamily = "other"
)

// EndpointKind distinguishes entry points sharing the same family.
type EndpointKind string

const (
	KindChat  EndpointKind = "chat"
	KindCLI   EndpointKind = "cli"
	KindVideo EndpointKind = "video"
)

// Signature returns the canonical "family:kind" pair for an Endpoint.
func Signature(family ApiFamily, kind EndpointKind) string {
	return string(family) + ":" + string(kind)
}

// FormatAcceptanceConfig governs which wire formats an Endpoint accepts
// without (or with) conversion.
type FormatAcceptanceConfig struct {
	Enabled          bool
	AcceptFormats    []string
	StreamConversion bool
}

// Endpoint is a wire-compatible HTTP target owned by a Provider.
type Endpoint struct {
	ID                     string
	ProviderID             string
	APIFamily              ApiFamily
	EndpointKind           EndpointKind
	BaseURL                string
	IsActive               bool
	FormatAcceptance       FormatAcceptanceConfig
	HeaderRules            map[string]string
	BodyRules              map[string]any
	Timeout                time.Duration
}

// Signature returns the canonical "family:kind" pair of this Endpoint.
func (e *Endpoint) Signature() string { return Signature(e.APIFamily, e.EndpointKind) }

// CapabilityMode is the three-valued interpretation of a capability flag.
type CapabilityMode string

const (
	CapRequired  CapabilityMode = "required"
	CapExclusive CapabilityMode = "exclusive"
	CapForbidden CapabilityMode = "forbidden"
)

// AuthType is the credential mechanism a ProviderAPIKey uses.
type AuthType string

const (
	AuthAPIKey   AuthType = "api_key"
	AuthOAuth    AuthType = "oauth"
	AuthVertexAI AuthType = "vertex_ai"
)

// ProviderAPIKey is a credential bound to a Provider.
type ProviderAPIKey struct {
	ID                  string
	ProviderID          string
	APIKey              string // encrypted at rest by an external crypto_service
	AuthType            AuthType
	APIFormats          []string // nil ≡ all signatures eligible
	AllowedModels       []string
	Capabilities        map[string]CapabilityMode
	InternalPriority    int
	GlobalPriorityByFmt map[string]int
	RateMultipliers     map[string]float64
	RPMLimit            *int // nil ⇒ adaptive
	LearnedRPMLimit     int
	CacheTTLMinutes     int // 0 ⇒ rotation mode
	UpstreamMetadata    map[string]any
	Proxy               string
	IsActive            bool
}

// EligibleFor reports whether the key may serve the given endpoint signature.
func (k *ProviderAPIKey) EligibleFor(signature string) bool {
	if k.APIFormats == nil {
		return true
	}
	for _, f := range k.APIFormats {
		if f == signature {
			return true
		}
	}
	return false
}

// RateMultiplier returns the rate multiplier for a signature, defaulting to 1.
func (k *ProviderAPIKey) RateMultiplier(signature string) float64 {
	if v, ok := k.RateMultipliers[signature]; ok {
		return v
	}
	return 1
}

// GlobalModel is the canonical model name exposed to callers.
type GlobalModel struct {
	ID                     string
	Name                   string
	IsActive               bool
	SupportedCapabilities  []string
	ModelMappings          []ModelMapping
	UsageCount             int64
}

// ModelMapping is a glob/regex pattern accepting alternate provider-side names.
type ModelMapping struct {
	Pattern    string
	IsRegex    bool
	APIFormats []string
	Priority   int
}

// ProviderModelMapping is a provider-scoped alias entry for a Model.
type ProviderModelMapping struct {
	Name       string
	APIFormats []string
	Priority   int
}

// Model is a Provider's implementation of a GlobalModel.
type Model struct {
	ProviderID             string
	GlobalModelID          string
	ProviderModelName      string
	ProviderModelMappings  []ProviderModelMapping
	SupportsStreaming      *bool // nullable override
	IsActive               bool
}

// UsageStatus is the lifecycle state of a Usage row.
type UsageStatus string

const (
	UsagePending    UsageStatus = "pending"
	UsageStreaming  UsageStatus = "streaming"
	UsageCompleted  UsageStatus = "completed"
	UsageFailed     UsageStatus = "failed"
	UsageCancelled  UsageStatus = "cancelled"
)

// IsTerminal reports whether status is a terminal state.
func (s UsageStatus) IsTerminal() bool {
	return s == UsageCompleted || s == UsageFailed || s == UsageCancelled
}

// TokenCounts holds the token fields tracked per Usage row.
type TokenCounts struct {
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheCreation5m   int
	CacheCreation1h   int
}

// Usage is the write-only billing/telemetry sink, one row per request_id.
type Usage struct {
	RequestID          string
	CallerID           string
	WireFormat         string
	ModelName          string
	ProviderID         string
	EndpointID         string
	KeyID              string
	Tokens             TokenCounts
	ResponseTimeMs     int
	FirstByteTimeMs    int
	StatusCode         int
	Status             UsageStatus
	TotalCostUSD       float64
	ActualTotalCostUSD float64
	HasFormatConversion bool
	RedactedHeaders    map[string]string
	RedactedBody       string
	RequestMetadata    map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CandidateStatus is the lifecycle state of a RequestCandidate row.
type CandidateStatus string

const (
	CandidateAvailable CandidateStatus = "available"
	CandidatePending   CandidateStatus = "pending"
	CandidateStreaming CandidateStatus = "streaming"
	CandidateSuccess   CandidateStatus = "success"
	CandidateFailed    CandidateStatus = "failed"
	CandidateSkipped   CandidateStatus = "skipped"
	CandidateCancelled CandidateStatus = "cancelled"
)

// RequestCandidate is the audit-trail row for one (request_id, candidate_index, retry_index).
type RequestCandidate struct {
	ID                 string
	RequestID          string
	CandidateIndex      int
	RetryIndex         int
	ProviderID         string
	EndpointID         string
	KeyID              string
	Status             CandidateStatus
	SkipReason         string
	ErrorType          string
	ErrorMessage       string
	StatusCode         int
	LatencyMs          int
	FirstByteTimeMs    int
	ConcurrentRequests int
	ExtraData          map[string]any
	CreatedAt          time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
}

// VideoTask is a long-running async generation task (supplemented from
// original_source/src/services/task/schema.py).
type VideoTask struct {
	ID              string
	RequestID       string
	Status          string // pending|running|completed|failed
	BillingRuleSnap BillingRule
	Dimensions      map[string]float64
	TotalCostUSD    float64
	CreatedAt       time.Time
	FinishedAt      *time.Time
}

// BillingRule is a frozen pricing-rule snapshot captured at submit time
// so price-catalog edits mid-task never change the caller's final cost.
type BillingRule struct {
	RuleID            string
	Expression        string
	Variables         map[string]float64
	DimensionMappings map[string]string
}

// ProviderBehavior is the data-driven per-provider_type quirk record
// replacing duck-typed dispatch (spec.md §9): envelope hook name,
// rectification eligibility, and quota predicate live here instead of
// scattered type switches.
type ProviderBehavior struct {
	ProviderType          string
	SupportsStage2Rectify bool // true only for "antigravity"
	HasEnvelope           bool
	QuotaField            string // key into ProviderAPIKey.UpstreamMetadata
}
