package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// coreRouter builds the fasthttp handler StartCore serves, routing each
// wire format's native endpoint to Core.HandleChat. /v1/embeddings has
// no Core equivalent (the engine's candidate/scheduler/failover modules
// are chat-shaped only) and is not registered here. Split out from
// StartCore so tests can drive it over an in-memory listener without a
// real corsOrigins-wrapped, timeout-configured server.
func coreRouter(core *Core, health *HealthChecker, mgmt *ManagementRoutes, corsOrigins []string) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", func(ctx *fasthttp.RequestCtx) {
		core.HandleChat(ctx, "openai", model.FamilyOpenAI, model.KindChat)
	})
	r.POST("/v1/messages", func(ctx *fasthttp.RequestCtx) {
		core.HandleChat(ctx, "claude", model.FamilyClaude, model.KindChat)
	})
	r.POST("/v1beta/models/:model", func(ctx *fasthttp.RequestCtx) {
		core.HandleChat(ctx, "gemini", model.FamilyGemini, model.KindChat)
	})

	r.GET("/health", func(ctx *fasthttp.RequestCtx) {
		if health == nil {
			writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
			return
		}
		writeJSON(ctx, health.Snapshot())
	})
	r.GET("/readiness", func(ctx *fasthttp.RequestCtx) {
		if health == nil || health.ReadinessOK() {
			writeJSON(ctx, map[string]string{"status": "ok"})
			return
		}
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
	})

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(corsOrigins),
		securityHeaders,
	)
}

// StartCore starts the HTTP server against a store-backed Core.
func StartCore(addr string, core *Core, health *HealthChecker, mgmt *ManagementRoutes, corsOrigins []string) error {
	srv := &fasthttp.Server{
		Handler:      coreRouter(core, health, mgmt, corsOrigins),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
