package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/candidate"
	"github.com/nulpointcorp/llm-gateway/internal/errs"
	"github.com/nulpointcorp/llm-gateway/internal/failover"
	"github.com/nulpointcorp/llm-gateway/internal/format"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/scheduler"
	"github.com/nulpointcorp/llm-gateway/internal/store/memstore"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
	"github.com/nulpointcorp/llm-gateway/internal/telemetry"
)

// --- fixtures ---------------------------------------------------------

func newTestProviderStore() *memstore.ProviderStore {
	ps := memstore.NewProviderStore()

	ps.AddGlobalModel(&model.GlobalModel{
		ID:       "gm-gpt4o",
		Name:     "gpt-4o",
		IsActive: true,
	})

	provider := &model.Provider{
		ID:       "prov-1",
		Name:     "test-provider",
		IsActive: true,
	}
	endpoint := &model.Endpoint{
		ID:           "ep-1",
		ProviderID:   "prov-1",
		APIFamily:    model.FamilyOpenAI,
		EndpointKind: model.KindChat,
		IsActive:     true,
	}
	key := &model.ProviderAPIKey{
		ID:         "key-1",
		ProviderID: "prov-1",
		IsActive:   true,
	}
	pmodel := &model.Model{
		ProviderID:        "prov-1",
		GlobalModelID:     "gm-gpt4o",
		ProviderModelName: "gpt-4o",
		IsActive:          true,
	}
	ps.AddProvider(provider, []*model.Endpoint{endpoint}, []*model.ProviderAPIKey{key}, []*model.Model{pmodel})
	return ps
}

// fakeAttempter implements failover.Attempter without touching the network.
type fakeAttempter struct {
	resp *format.Internal
	err  error
}

func (f *fakeAttempter) Attempt(_ context.Context, _ candidate.Candidate, _ *format.Internal, _ *format.StreamState) (*format.Internal, error) {
	return f.resp, f.err
}

func newTestCore(t *testing.T, attempter failover.Attempter) *Core {
	t.Helper()

	ps := newTestProviderStore()
	breaker := health.New(health.Config{})
	builder := candidate.NewBuilder(ps, breaker)
	sched := scheduler.New(nil, scheduler.PriorityProvider, scheduler.ModeFixedOrder)

	engine := failover.New(failover.Config{
		Dispatcher: attempter,
		MaxRetries: 3,
	})

	usage := telemetry.New(context.Background(), memstoreUsageStore(), telemetry.NewStaticCatalog(nil), false, nil)
	t.Cleanup(usage.Close)

	formats := format.NewRegistry()
	formats.Register(format.NewOpenAINormalizer())

	return NewCore(CoreConfig{
		Formats: formats,
		Models:  ps,
		Builder: builder,
		Sched:   sched,
		Engine:  engine,
		Usage:   usage,
	})
}

// memstoreUsageStore returns a minimal store.UsageStore the Service can
// write to without asserting on its contents.
func memstoreUsageStore() *memstore.UsageStore {
	return memstore.NewUsageStore()
}

// --- tests --------------------------------------------------------------

func TestCore_HandleChat_InvalidJSON(t *testing.T) {
	c := newTestCore(t, &fakeAttempter{})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{not json`))
	ctx.SetUserValue("request_id", "req-1")

	c.HandleChat(ctx, "openai", model.FamilyOpenAI, model.KindChat)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestCore_HandleChat_UnknownModel(t *testing.T) {
	c := newTestCore(t, &fakeAttempter{})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"does-not-exist","messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "req-2")

	c.HandleChat(ctx, "openai", model.FamilyOpenAI, model.KindChat)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestCore_HandleChat_Success(t *testing.T) {
	attempter := &fakeAttempter{resp: &format.Internal{
		Model: "gpt-4o",
		Messages: []format.Message{
			{Role: format.RoleAssistant, Content: []format.ContentPart{{Type: format.PartText, Text: "hello there"}}},
		},
		StopReason: format.StopEndTurn,
		Usage:      format.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	c := newTestCore(t, attempter)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "req-3")

	c.HandleChat(ctx, "openai", model.FamilyOpenAI, model.KindChat)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	var out map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
}

func TestCore_HandleChat_AllCandidatesFail(t *testing.T) {
	attempter := &fakeAttempter{err: errs.Caller(fasthttp.StatusBadRequest, "boom")}
	c := newTestCore(t, attempter)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "req-4")

	c.HandleChat(ctx, "openai", model.FamilyOpenAI, model.KindChat)

	if ctx.Response.StatusCode() < 400 {
		t.Fatalf("expected an error status, got %d", ctx.Response.StatusCode())
	}
}

// fakeChunkSource replays a fixed list of OpenAI-delta-shaped SSE
// payloads, mirroring dispatch.chunkSource's Next contract.
type fakeChunkSource struct {
	payloads [][]byte
	i        int
}

func (s *fakeChunkSource) Next(_ context.Context) ([]byte, bool, error) {
	if s.i >= len(s.payloads) {
		return nil, true, nil
	}
	p := s.payloads[s.i]
	s.i++
	return p, s.i == len(s.payloads), nil
}

// fakeStreamAttempter implements failover.StreamAttempter without
// touching the network.
type fakeStreamAttempter struct {
	src stream.Source
	err error
}

func (f *fakeStreamAttempter) Stream(_ context.Context, _ candidate.Candidate, _ *format.Internal) (stream.Source, error) {
	return f.src, f.err
}

func TestCore_HandleChat_StreamingRelaysThroughPipeline(t *testing.T) {
	ps := newTestProviderStore()
	breaker := health.New(health.Config{})
	builder := candidate.NewBuilder(ps, breaker)
	sched := scheduler.New(nil, scheduler.PriorityProvider, scheduler.ModeFixedOrder)

	streamer := &fakeStreamAttempter{src: &fakeChunkSource{payloads: [][]byte{
		[]byte(`{"choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null}]}`),
		[]byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
	}}}

	engine := failover.New(failover.Config{
		Dispatcher: &fakeAttempter{},
		Streamer:   streamer,
		MaxRetries: 3,
	})

	usage := telemetry.New(context.Background(), memstoreUsageStore(), telemetry.NewStaticCatalog(nil), false, nil)
	t.Cleanup(usage.Close)

	formats := format.NewRegistry()
	formats.Register(format.NewOpenAINormalizer())

	c := NewCore(CoreConfig{
		Formats: formats,
		Models:  ps,
		Builder: builder,
		Sched:   sched,
		Engine:  engine,
		Usage:   usage,
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "req-5")

	c.HandleChat(ctx, "openai", model.FamilyOpenAI, model.KindChat)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ctx.Response.Header.ContentType())
	}

	body := string(ctx.Response.Body())
	if !strings.Contains(body, `"content":"hi"`) {
		t.Errorf("expected relayed content delta in body, got %q", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("expected a DONE sentinel in body, got %q", body)
	}
}

// noStreamNormalizer wraps OpenAINormalizer but reports SupportsStream:
// false, standing in for a wire format whose client library has no
// streaming mode of its own.
type noStreamNormalizer struct{ format.Normalizer }

func (noStreamNormalizer) Capabilities() format.Capabilities {
	return format.Capabilities{SupportsStream: false, SupportsTools: true}
}

func TestCore_HandleChat_StreamingUnsupportedFormatUsesFallback(t *testing.T) {
	ps := newTestProviderStore()
	breaker := health.New(health.Config{})
	builder := candidate.NewBuilder(ps, breaker)
	sched := scheduler.New(nil, scheduler.PriorityProvider, scheduler.ModeFixedOrder)
	engine := failover.New(failover.Config{Dispatcher: &fakeAttempter{}, MaxRetries: 3})

	usage := telemetry.New(context.Background(), memstoreUsageStore(), telemetry.NewStaticCatalog(nil), false, nil)
	t.Cleanup(usage.Close)

	formats := format.NewRegistry()
	formats.Register(noStreamNormalizer{format.NewOpenAINormalizer()})

	c := NewCore(CoreConfig{
		Formats: formats,
		Models:  ps,
		Builder: builder,
		Sched:   sched,
		Engine:  engine,
		Usage:   usage,
	})

	called := false
	c.cfg.StreamFallback = func(*fasthttp.RequestCtx) { called = true }

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "req-6")

	c.HandleChat(ctx, "openai", model.FamilyOpenAI, model.KindChat)

	if !called {
		t.Fatal("expected StreamFallback to be invoked when the normalizer can't stream")
	}
}

func TestStripGeminiMethodSuffix(t *testing.T) {
	cases := map[string]string{
		"gemini-1.5-pro:generateContent":       "gemini-1.5-pro",
		"gemini-1.5-pro:streamGenerateContent": "gemini-1.5-pro",
		"gemini-1.5-pro":                       "gemini-1.5-pro",
	}
	for in, want := range cases {
		if got := stripGeminiMethodSuffix(in); got != want {
			t.Errorf("stripGeminiMethodSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}
