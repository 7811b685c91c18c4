// Core is the spec.md §4 request-handling engine: CandidateBuilder ->
// Scheduler -> FailoverEngine -> UsageService, replacing gateway.go's
// direct dispatchChat/requestWithFailover calls with the generalized,
// multi-wire-format pipeline built in internal/candidate,
// internal/scheduler, internal/failover, internal/dispatch and
// internal/telemetry. Core is the only request handler: coreRouter
// routes /v1/chat/completions and the Claude/Gemini-native routes to
// it, and /v1/embeddings is not served.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/candidate"
	"github.com/nulpointcorp/llm-gateway/internal/errs"
	"github.com/nulpointcorp/llm-gateway/internal/failover"
	"github.com/nulpointcorp/llm-gateway/internal/format"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/scheduler"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
	"github.com/nulpointcorp/llm-gateway/internal/telemetry"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// modelResolver is the one store.ProviderStore method Core needs
// directly (the rest is already behind candidate.Builder), declared
// locally per the teacher's small-consumer-interface convention.
type modelResolver interface {
	GlobalModelByName(ctx context.Context, name string) (*model.GlobalModel, error)
}

// CoreConfig bundles Core's collaborators. Every field is required
// except Log and StreamFallback.
type CoreConfig struct {
	Formats  *format.Registry
	Models   modelResolver
	Builder  *candidate.Builder
	Sched    *scheduler.Scheduler
	Engine   *failover.Engine
	Usage    *telemetry.Service
	Log      *slog.Logger

	// GlobalConversionOn reports whether cross-family format conversion
	// is enabled gateway-wide (a ConfigStore-backed toggle in a full
	// deployment; a plain bool here since Core takes no direct
	// store.ConfigStore dependency).
	GlobalConversionOn bool

	// StreamFallback is an optional last-resort handler for req.Stream
	// requests whose wire format has no registered Normalizer capable of
	// streaming (Capabilities().SupportsStream == false). When nil, such
	// requests get a 501. Ordinary streaming requests are served by
	// Core's own stream.Pipeline, not this callback.
	StreamFallback func(ctx *fasthttp.RequestCtx)
}

// Core is the spec.md §4 request-handling engine.
type Core struct {
	cfg      CoreConfig
	log      *slog.Logger
	pipeline *stream.Pipeline
}

// NewCore constructs a Core from its collaborators.
func NewCore(cfg CoreConfig) *Core {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	// No ConnChecker: fasthttp's RequestCtx exposes no non-blocking way
	// to probe an idle connection's liveness outside of the write path
	// itself, so a disconnect during an idle upstream gap is caught the
	// same way the teacher's writeSSE catches it — the next w.Write
	// call failing — rather than by a dedicated poll.
	return &Core{cfg: cfg, log: log, pipeline: stream.New(nil)}
}

// decodeBody parses the raw request body generically (as a map) so any
// registered format.Normalizer can translate it, rather than binding to
// one wire format's JSON struct tags.
func decodeBody(raw []byte) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// HandleChat serves one chat/completions-shaped request in the given
// wire format, for the given endpoint family/kind this route targets.
func (c *Core) HandleChat(ctx *fasthttp.RequestCtx, wireFormat string, family model.ApiFamily, kind model.EndpointKind) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)
	if reqID == "" {
		reqID = uuid.NewString()
	}

	normalizer, ok := c.cfg.Formats.Normalizer(wireFormat)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "unsupported wire format: "+wireFormat,
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	body, err := decodeBody(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// Gemini's native route carries the model name in the URL path
	// (/v1beta/models/{model}:generateContent), not the body; splice it
	// in under the same "model" key GeminiNormalizer reads from the body.
	if m, ok := ctx.UserValue("model").(string); ok && m != "" {
		if _, has := body["model"]; !has {
			body["model"] = stripGeminiMethodSuffix(m)
		}
	}

	internalReq, err := normalizer.RequestToInternal(body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	internalReq.ID = reqID

	if internalReq.Stream && !normalizer.Capabilities().SupportsStream {
		if c.cfg.StreamFallback != nil {
			c.cfg.StreamFallback(ctx)
			return
		}
		apierr.Write(ctx, fasthttp.StatusNotImplemented, "streaming not available for "+wireFormat,
			apierr.TypeServerError, apierr.CodeNotImplemented)
		return
	}

	callerToken, callerID := c.extractCallerKey(ctx)
	_ = callerToken // reserved for a future client-supplied-key passthrough

	gm, err := c.cfg.Models.GlobalModelByName(ctx, internalReq.Model)
	if err != nil || gm == nil || !gm.IsActive {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "model not supported: "+internalReq.Model,
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	sig := model.Signature(family, kind)
	candReq := candidate.Request{
		ClientSignature:    sig,
		ModelName:          internalReq.Model,
		CallerID:           callerID,
		RequiredCapabilities: requiredCapabilities(internalReq),
		IsStream:           internalReq.Stream,
		GlobalConversionOn: c.cfg.GlobalConversionOn,
	}

	exact, convertible, err := c.cfg.Builder.Build(ctx, candReq)
	if err != nil {
		if errors.Is(err, candidate.ErrModelNotSupported) {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "model not supported: "+internalReq.Model,
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	candidates := append(exact, convertible...)
	if len(candidates) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no eligible candidates for model "+internalReq.Model,
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	ordered := c.cfg.Sched.Order(ctx, candidates, callerID, sig, gm.ID)

	usage := &model.Usage{
		RequestID:  reqID,
		CallerID:   callerID,
		WireFormat: wireFormat,
		ModelName:  internalReq.Model,
	}
	c.cfg.Usage.CreatePending(usage)

	params := failover.RunParams{
		AffinityKey:   callerID,
		Signature:     sig,
		GlobalModelID: gm.ID,
		RPMLimit:      0,
		IsCachedUser:  len(ordered) > 0 && ordered[0].IsCached,
		Reservation:   0,
	}

	if internalReq.Stream {
		c.handleStream(ctx, normalizer, wireFormat, internalReq, ordered, params, usage, reqID, start)
		return
	}

	resp, outcomes, err := c.cfg.Engine.Run(ctx, ordered, internalReq, params)
	c.recordOutcomes(reqID, outcomes)

	if err != nil {
		usage.HasFormatConversion = len(outcomes) > 0 && outcomes[len(outcomes)-1].Candidate.NeedsConversion
		c.cfg.Usage.RecordFailure(usage, err)
		c.writeEngineError(ctx, err)
		return
	}

	winner := outcomes[len(outcomes)-1].Candidate
	usage.ProviderID = winner.Provider.ID
	usage.EndpointID = winner.Endpoint.ID
	usage.KeyID = winner.Key.ID
	usage.HasFormatConversion = winner.NeedsConversion
	usage.Tokens = model.TokenCounts{
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
		CacheReadTokens: resp.Usage.CacheReadTokens,
		CacheCreation5m: resp.Usage.CacheCreation5m,
		CacheCreation1h: resp.Usage.CacheCreation1h,
	}
	usage.ResponseTimeMs = int(time.Since(start).Milliseconds())
	usage.StatusCode = fasthttp.StatusOK
	c.cfg.Usage.RecordSuccess(usage)

	out, err := normalizer.ResponseFromInternal(resp)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to render response",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	respBody, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(respBody)

	c.log.DebugContext(ctx, "core_response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", winner.Provider.Name),
		slog.String("model", internalReq.Model),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// handleStream serves a streaming chat request: it walks ordered via
// failover.Engine.StartStream (which prefetches each attempted
// candidate's first chunk before declaring it the winner, so a
// TTFB-level failure still falls through to the next candidate per
// spec.md §4.10 S3), and only once a winner's first chunk has actually
// arrived does it commit to a 200 text/event-stream response and hand
// the rest of the source to stream.Pipeline.Relay.
func (c *Core) handleStream(ctx *fasthttp.RequestCtx, clientNormalizer format.Normalizer, wireFormat string, internalReq *format.Internal, ordered []candidate.Candidate, params failover.RunParams, usage *model.Usage, reqID string, start time.Time) {
	sourceNormalizer, ok := c.cfg.Formats.Normalizer("openai")
	if !ok {
		c.cfg.Usage.RecordFailure(usage, errors.New("no openai normalizer registered for stream source decoding"))
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "streaming misconfigured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	streamStart, outcomes, err := c.cfg.Engine.StartStream(ctx, ordered, internalReq, params, c.pipeline.Prefetch)
	c.recordOutcomes(reqID, outcomes)
	if err != nil {
		usage.HasFormatConversion = len(outcomes) > 0 && outcomes[len(outcomes)-1].Candidate.NeedsConversion
		c.cfg.Usage.RecordFailure(usage, err)
		c.writeEngineError(ctx, err)
		return
	}

	winner := streamStart.Candidate
	usage.ProviderID = winner.Provider.ID
	usage.EndpointID = winner.Endpoint.ID
	usage.KeyID = winner.Key.ID
	usage.HasFormatConversion = winner.NeedsConversion

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	state := format.NewStreamState(reqID, internalReq.Model)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // mirrors gateway.go's writeSSE panic recovery

		res := c.pipeline.Relay(ctx, streamStart.Source, sourceNormalizer, clientNormalizer, wireFormat, state,
			w, streamStart.First, streamStart.FirstDone, streamStart.FirstByteTimeMs)

		usage.Tokens = model.TokenCounts{
			InputTokens:     res.Usage.InputTokens,
			OutputTokens:    res.Usage.OutputTokens,
			CacheReadTokens: res.Usage.CacheReadTokens,
			CacheCreation5m: res.Usage.CacheCreation5m,
			CacheCreation1h: res.Usage.CacheCreation1h,
		}
		usage.ResponseTimeMs = int(time.Since(start).Milliseconds())

		if res.Err != nil && res.CancelReason != stream.CancelClientDisconnect {
			usage.StatusCode = fasthttp.StatusBadGateway
			c.cfg.Usage.RecordFailure(usage, res.Err)
			c.log.WarnContext(ctx, "core_stream_failed",
				slog.String("request_id", reqID),
				slog.String("provider", winner.Provider.Name),
				slog.Int("cancel_reason", int(res.CancelReason)),
			)
			return
		}

		// A client disconnect (499) still bills whatever partial output
		// was actually generated and relayed, per spec.md §4.10 S4.
		usage.StatusCode = fasthttp.StatusOK
		if res.CancelReason == stream.CancelClientDisconnect {
			usage.StatusCode = 499
		}
		c.cfg.Usage.RecordSuccess(usage)

		c.log.DebugContext(ctx, "core_stream_ok",
			slog.String("request_id", reqID),
			slog.String("provider", winner.Provider.Name),
			slog.String("model", internalReq.Model),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// recordOutcomes writes one RequestCandidate audit row per attempt,
// indexed by its position in the ordered candidate list.
func (c *Core) recordOutcomes(requestID string, outcomes []failover.Outcome) {
	for i, o := range outcomes {
		status := model.CandidateSuccess
		errType, errMsg, statusCode := "", "", 0
		switch {
		case o.Skipped:
			status = model.CandidateSkipped
		case o.Err != nil:
			status = model.CandidateFailed
			errMsg = o.Err.Error()
			var e *errs.Error
			if errors.As(o.Err, &e) {
				errType = string(e.Kind)
				statusCode = e.Status
			}
		}
		c.cfg.Usage.CreateCandidate(&model.RequestCandidate{
			ID:             uuid.NewString(),
			RequestID:      requestID,
			CandidateIndex: i,
			ProviderID:     o.Candidate.Provider.ID,
			EndpointID:     o.Candidate.Endpoint.ID,
			KeyID:          o.Candidate.Key.ID,
			Status:         status,
			SkipReason:     o.SkipReason,
			ErrorType:      errType,
			ErrorMessage:   errMsg,
			StatusCode:     statusCode,
			LatencyMs:      int(o.LatencyMs),
		})
	}
}

// writeEngineError maps the terminal failover error to an HTTP response,
// reusing errors.go's handleProviderError so a statusCoder error (every
// errs.Error satisfies HTTPStatus()) maps through the same
// 429/5xx/timeout rules regardless of which handler produced it.
func (c *Core) writeEngineError(ctx *fasthttp.RequestCtx, err error) {
	handleProviderError(ctx, err)
}

// stripGeminiMethodSuffix splits "{model}:generateContent" (or
// ":streamGenerateContent") into just the model name, matching how
// Google's client libraries pack the RPC method onto the path segment.
func stripGeminiMethodSuffix(pathParam string) string {
	for i := 0; i < len(pathParam); i++ {
		if pathParam[i] == ':' {
			return pathParam[:i]
		}
	}
	return pathParam
}

// requiredCapabilities derives the capability-demand map CandidateBuilder
// checks keys' Capabilities against (spec.md §3's three-valued
// required/exclusive/forbidden semantics) from the request itself —
// today that is just "thinking", the one capability the request body
// can turn on.
func requiredCapabilities(req *format.Internal) map[string]bool {
	if !req.ThinkingEnabled {
		return nil
	}
	return map[string]bool{"thinking": true}
}

// extractCallerKey returns the client's bearer token (if present) and a
// deterministic hash of it suitable as both a cache-partition key and
// the CandidateBuilder/Scheduler's caller/affinity key.
func (c *Core) extractCallerKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	raw := string(ctx.Request.Header.Peek("Authorization"))
	token = parseBearerToken(raw)
	if token == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:])
}
