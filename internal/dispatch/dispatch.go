// Package dispatch implements the Dispatcher/RequestBuilder/Transport
// trio of spec.md §4.9: turning a chosen candidate.Candidate plus a
// format.Internal request into one upstream call. It wraps the
// teacher's existing internal/providers/* clients (each already an
// SDK-backed providers.Provider) as the Transport layer, instead of
// the gateway handler calling them directly.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/candidate"
	"github.com/nulpointcorp/llm-gateway/internal/errs"
	"github.com/nulpointcorp/llm-gateway/internal/format"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
)

// Transport performs one upstream call for a resolved provider family.
// Each of the teacher's internal/providers/* packages supplies one.
type Transport interface {
	Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error)
}

// TransportFactory builds (or reuses) a Transport for a candidate's key
// and proxy settings. The factory owns the client cache and chooses its
// key (internal/app's factory keys it by key ID and proxy) so repeated
// candidates for the same key reuse a client.
type TransportFactory func(family model.ApiFamily, key *model.ProviderAPIKey, proxy string) (Transport, error)

// Dispatcher is the spec.md §4.9 Dispatcher.
type Dispatcher struct {
	transportFor TransportFactory
}

// New constructs a Dispatcher over the given TransportFactory.
func New(factory TransportFactory) *Dispatcher {
	return &Dispatcher{transportFor: factory}
}

// Attempt performs one dispatch attempt: build the upstream request,
// enforce the stream-first-byte timeout, call the transport, and
// translate the result back to format.Internal or a classified error.
//
// state is accepted to match the failover.Attempter signature; the
// non-streaming path here does not mutate it (StreamPipeline owns
// StreamState during a genuine SSE read).
func (d *Dispatcher) Attempt(ctx context.Context, c candidate.Candidate, req *format.Internal, _ *format.StreamState) (*format.Internal, error) {
	transport, err := d.transportFor(c.Endpoint.APIFamily, c.Key, proxyFor(c))
	if err != nil {
		return nil, errs.Infra("transport construction failed", err)
	}

	proxyReq := toProxyRequest(req, c)

	callCtx := ctx
	if !req.Stream && c.Provider.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Provider.RequestTimeout)
		defer cancel()
	} else if req.Stream && c.Provider.StreamFirstByteTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Provider.StreamFirstByteTimeout)
		defer cancel()
	}

	resp, err := transport.Request(callCtx, proxyReq)
	if err != nil {
		return nil, classify(err)
	}
	return fromProxyResponse(resp), nil
}

// Stream performs one streaming dispatch attempt, returning a
// stream.Source that yields synthesized OpenAI-delta-shaped chunk
// payloads. The wrapped SDK clients in internal/providers/* only
// expose a flattened <-chan providers.StreamChunk of already-decoded
// text deltas (see e.g. openai.Provider.handleStreaming), not raw wire
// bytes, so true per-family SSE passthrough isn't available here; the
// Dispatcher instead re-serializes each chunk into the one shape every
// format.Normalizer already knows how to parse as a source
// (StreamChunkToInternal), and StreamPipeline.Relay converts from that
// fixed source shape into whatever the caller actually requested.
func (d *Dispatcher) Stream(ctx context.Context, c candidate.Candidate, req *format.Internal) (stream.Source, error) {
	transport, err := d.transportFor(c.Endpoint.APIFamily, c.Key, proxyFor(c))
	if err != nil {
		return nil, errs.Infra("transport construction failed", err)
	}

	proxyReq := toProxyRequest(req, c)
	proxyReq.Stream = true

	var callCtx context.Context = ctx
	var cancel context.CancelFunc
	if c.Provider.StreamFirstByteTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.Provider.StreamFirstByteTimeout)
	}

	resp, err := transport.Request(callCtx, proxyReq)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, classify(err)
	}
	if resp.Stream == nil {
		if cancel != nil {
			cancel()
		}
		return nil, errs.Infra("transport returned no stream channel", nil)
	}
	return &chunkSource{ch: resp.Stream, cancel: cancel}, nil
}

// chunkSource adapts a providers.StreamChunk channel (already-flattened
// text deltas, one per upstream SSE event) into a stream.Source by
// re-encoding each chunk as an OpenAI "chat.completion.chunk" delta
// payload, matching the convention every internal/providers/* client
// uses to signal an in-band error: a terminal chunk with
// FinishReason == "error" and Content holding the error text.
type chunkSource struct {
	ch     <-chan providers.StreamChunk
	cancel context.CancelFunc
}

func (s *chunkSource) Next(ctx context.Context) ([]byte, bool, error) {
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			if s.cancel != nil {
				s.cancel()
			}
			return nil, true, nil
		}
		if chunk.FinishReason == "error" {
			if s.cancel != nil {
				s.cancel()
			}
			return nil, true, errs.Transient(0, chunk.Content, nil)
		}
		payload, err := encodeOpenAIDelta(chunk)
		if err != nil {
			return nil, false, err
		}
		done := chunk.FinishReason != ""
		if done && s.cancel != nil {
			s.cancel()
		}
		return payload, done, nil
	case <-ctx.Done():
		if s.cancel != nil {
			s.cancel()
		}
		return nil, false, ctx.Err()
	}
}

func encodeOpenAIDelta(chunk providers.StreamChunk) ([]byte, error) {
	delta := map[string]any{}
	if chunk.Content != "" {
		delta["content"] = chunk.Content
	}
	choice := map[string]any{"index": 0, "delta": delta}
	if chunk.FinishReason != "" {
		choice["finish_reason"] = chunk.FinishReason
	} else {
		choice["finish_reason"] = nil
	}
	payload, err := json.Marshal(map[string]any{
		"choices": []any{choice},
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode stream chunk: %w", err)
	}
	return payload, nil
}

func proxyFor(c candidate.Candidate) string {
	if c.Key.Proxy != "" {
		return c.Key.Proxy
	}
	return c.Provider.Proxy
}

// toProxyRequest flattens format.Internal to the teacher's plain-text
// ProxyRequest shape. Tool-use/thinking content is flattened to text,
// since the wrapped SDK clients only model a linear text turn; neither
// the sync nor the streaming dispatch path preserves multi-part
// fidelity beyond what providers.Message already carries.
func toProxyRequest(req *format.Internal, c candidate.Candidate) *providers.ProxyRequest {
	msgs := make([]providers.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, providers.Message{Role: string(m.Role), Content: format.FlattenText(m.Content)})
	}

	modelName := c.MappingMatchedModel
	if modelName == "" {
		modelName = req.Model
	}

	return &providers.ProxyRequest{
		Model:       modelName,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		APIKey:      c.Key.APIKey,
		APIKeyID:    c.Key.ID,
	}
}

func fromProxyResponse(resp *providers.ProxyResponse) *format.Internal {
	return &format.Internal{
		ID:    resp.ID,
		Model: resp.Model,
		Messages: []format.Message{
			{Role: format.RoleAssistant, Content: []format.ContentPart{{Type: format.PartText, Text: resp.Content}}},
		},
		StopReason: format.StopEndTurn,
		Usage: format.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
}

// classify maps a providers.StatusCoder error into the errs taxonomy so
// the failover engine can dispatch on Kind.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(0, "upstream timeout", err)
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 401 || status == 403:
			return errs.Auth(status, err.Error())
		case status == 429:
			return errs.RateLimit(err.Error(), 0)
		case status == 400 || status == 422:
			if errs.IsClientErrorBody(err.Error()) {
				return errs.UpstreamClient(status, err.Error())
			}
			return errs.Transient(status, err.Error(), err)
		case status >= 500:
			return errs.Transient(status, err.Error(), err)
		default:
			return errs.Transient(status, err.Error(), err)
		}
	}
	return errs.Transient(0, "upstream error", err)
}
