package app

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/affinity"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/candidate"
	"github.com/nulpointcorp/llm-gateway/internal/concurrency"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/failover"
	"github.com/nulpointcorp/llm-gateway/internal/format"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/scheduler"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/telemetry"
)

// admitterAdapter bridges concurrency.Manager's admission check (which
// takes a reservation ratio as a plain parameter) to
// concurrency.AdaptiveReservationManager's per-key ratio, so
// failover.Engine only ever needs to pass a single failover.Admitter
// and never has to know the ratio is itself a per-key moving target.
// Without this, RunParams.Reservation would have to carry one ratio
// for every candidate in a request, which defeats the point of an
// adaptive-per-key estimator.
type admitterAdapter struct {
	manager *concurrency.Manager
	reserve *concurrency.AdaptiveReservationManager
}

func (a *admitterAdapter) Admit(ctx context.Context, keyID string, limit int, isCachedUser bool, _ float64) (bool, error) {
	r := a.reserve.Reservation(keyID)
	return a.manager.Admit(ctx, keyID, limit, isCachedUser, r)
}

// CoreDeps bundles the store-backed collaborators a ProviderStore/
// UsageStore deployment supplies. The static single-key-per-provider
// config.Config has no equivalent of per-key RPM limits, capability
// flags, or multiple keys per provider; initCore converts it into a
// ProviderStore with bootstrapProviderStore before calling NewCore.
type CoreDeps struct {
	Providers   store.ProviderStore
	Usage       store.UsageStore
	Catalog     telemetry.Catalog
	Behaviors   failover.BehaviorLookup
	CacheBackend npCache.Cache
}

// NewCore assembles a proxy.Core over CoreDeps: CandidateBuilder,
// Scheduler, FailoverEngine (with ConcurrencyManager/
// AdaptiveReservationManager/CircuitBreaker/CacheAffinityManager/
// RPMLearner wired as its collaborators), a Dispatcher over the
// transportCache's provider clients, and a UsageService. Returns the
// Core and a closer that drains the UsageService's async writer.
func NewCore(ctx context.Context, cfg *config.Config, deps CoreDeps, log *slog.Logger) (*proxy.Core, func(), error) {
	breaker := health.New(health.Config{
		ErrorThreshold:  cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      cfg.CircuitBreaker.TimeWindow,
		BaseCooldown:    cfg.CircuitBreaker.HalfOpenTimeout,
	})
	rpm := health.NewRPMLearner()
	reserve := concurrency.NewAdaptiveReservationManager()
	counter := concurrency.NewMemoryCounter()
	concMgr := concurrency.NewManager(counter)

	var affMgr *affinity.Manager
	if deps.CacheBackend != nil {
		affMgr = affinity.New(deps.CacheBackend)
	}

	builder := candidate.NewBuilder(deps.Providers, breaker)
	sched := scheduler.New(affMgr, scheduler.NormalizePriorityMode(cfg.Scheduling.PriorityMode), scheduler.NormalizeSchedulingMode(cfg.Scheduling.SchedulingMode))

	transports := newTransportCache(ctx)
	dispatcher := dispatch.New(transports.Factory())

	engine := failover.New(failover.Config{
		Admitter:   &admitterAdapter{manager: concMgr, reserve: reserve},
		Breaker:    breaker,
		Affinity:   affinityAdapter{affMgr},
		RPM:        rpm,
		Reserve:    reserve,
		Dispatcher: dispatcher,
		Streamer:   dispatcher,
		Behaviors:  deps.Behaviors,
		MaxRetries: cfg.Failover.MaxRetries,
	})

	usageSvc := telemetry.New(ctx, deps.Usage, deps.Catalog, cfg.Billing.Strict, log)

	formats := format.NewRegistry()
	formats.Register(format.NewOpenAINormalizer())
	formats.Register(format.NewClaudeNormalizer())
	formats.Register(format.NewGeminiNormalizer())

	core := proxy.NewCore(proxy.CoreConfig{
		Formats:            formats,
		Models:             deps.Providers,
		Builder:            builder,
		Sched:              sched,
		Engine:             engine,
		Usage:              usageSvc,
		Log:                log,
		GlobalConversionOn: cfg.EnableFormatConversion,
	})

	return core, usageSvc.Close, nil
}

// affinityAdapter satisfies failover.AffinityInvalidator even when no
// cache backend is configured (affMgr nil), since *affinity.Manager's
// Invalidate is only safe to call on a non-nil receiver.
type affinityAdapter struct {
	mgr *affinity.Manager
}

func (a affinityAdapter) Invalidate(ctx context.Context, affinityKeyStr, signature, globalModelID string) error {
	if a.mgr == nil {
		return nil
	}
	return a.mgr.Invalidate(ctx, affinityKeyStr, signature, globalModelID)
}
