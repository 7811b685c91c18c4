package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/store/memstore"
	"github.com/nulpointcorp/llm-gateway/internal/telemetry"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map used for health probing.
// At least one provider must be configured — this is enforced by
// config.Validate() before we reach here. Candidate/failover routing
// itself no longer goes through this map; see bootstrapProviderStore.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initCore wires a store-backed proxy.Core: bootstrapProviderStore
// converts the same static env-var credentials buildProviders reads
// into a ProviderStore-shaped Provider/Endpoint/Key/Model graph,
// CandidateBuilder/Scheduler/FailoverEngine/Dispatcher/UsageService are
// assembled over it by app.NewCore, and a HealthChecker is built from
// the flat provider map initProviders already produced (HealthChecker
// only ever needed Name()/HealthCheck(ctx), never routing data).
func (a *App) initCore(ctx context.Context) error {
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — affinity.Manager is skipped entirely when nil (see app/core.go).
	}

	providerStore := bootstrapProviderStore(a.cfg)
	usageStore := memstore.NewUsageStore()

	deps := CoreDeps{
		Providers:    providerStore,
		Usage:        usageStore,
		Catalog:      telemetry.NewStaticCatalog(nil),
		CacheBackend: cacheImpl,
	}

	core, closeUsage, err := NewCore(a.baseCtx, a.cfg, deps, a.log)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	a.core = core
	a.closeUsage = closeUsage

	a.healthChecker = proxy.NewHealthChecker(a.baseCtx, a.provs, cacheReady, a.prom)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	_ = ctx
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
