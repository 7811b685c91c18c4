// Package store defines the collaborator interfaces the core engine
// consumes but does not own: provider/endpoint/key/model records,
// usage writes, and config toggles. Persistent schema, migrations, and
// an admin UI are out of scope (spec.md §1); this package only states
// the boundary the core dispatches through.
package store

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// ProviderStore reads Provider/Endpoint/Key/Model records.
type ProviderStore interface {
	ActiveProviders(ctx context.Context, offset, limit int) ([]*model.Provider, error)
	EndpointsForProvider(ctx context.Context, providerID string) ([]*model.Endpoint, error)
	KeysForProvider(ctx context.Context, providerID string) ([]*model.ProviderAPIKey, error)
	ModelsForProvider(ctx context.Context, providerID string) ([]*model.Model, error)
	GlobalModelByName(ctx context.Context, name string) (*model.GlobalModel, error)
}

// UsageStore writes billing/telemetry rows.
type UsageStore interface {
	CreatePending(ctx context.Context, u *model.Usage) error
	UpdateStatus(ctx context.Context, requestID string, status model.UsageStatus, fields map[string]any) error
	RecordTerminal(ctx context.Context, u *model.Usage) error
	CleanupStalePending(ctx context.Context, timeout int) (int, error)

	CreateCandidate(ctx context.Context, c *model.RequestCandidate) error
	UpdateCandidate(ctx context.Context, c *model.RequestCandidate) error
	CandidatesByRequestID(ctx context.Context, requestID string) ([]*model.RequestCandidate, error)
}

// ConfigStore reads dynamic toggles (scheduling mode, billing strictness, etc).
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, bool)
	GetBool(ctx context.Context, key string, def bool) bool
	GetInt(ctx context.Context, key string, def int) int
}
