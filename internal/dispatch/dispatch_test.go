package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/candidate"
	"github.com/nulpointcorp/llm-gateway/internal/errs"
	"github.com/nulpointcorp/llm-gateway/internal/format"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// fakeTransport returns a canned ProxyResponse or error, recording the
// last request it was asked to make.
type fakeTransport struct {
	resp    *providers.ProxyResponse
	err     error
	lastReq *providers.ProxyRequest
}

func (f *fakeTransport) Request(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func testCandidate() candidate.Candidate {
	return candidate.Candidate{
		Provider: &model.Provider{ID: "prov-1", Name: "openai"},
		Endpoint: &model.Endpoint{ID: "ep-1", APIFamily: model.FamilyOpenAI},
		Key:      &model.ProviderAPIKey{ID: "key-1", APIKey: "sk-test"},
	}
}

func newDispatcherOver(tr Transport) *Dispatcher {
	return New(func(model.ApiFamily, *model.ProviderAPIKey, string) (Transport, error) {
		return tr, nil
	})
}

func TestDispatcher_Stream_RelaysChunksAsOpenAIDeltas(t *testing.T) {
	ch := make(chan providers.StreamChunk, 2)
	ch <- providers.StreamChunk{Content: "hel"}
	ch <- providers.StreamChunk{Content: "lo", FinishReason: "stop"}
	close(ch)

	tr := &fakeTransport{resp: &providers.ProxyResponse{Stream: ch}}
	d := newDispatcherOver(tr)

	src, err := d.Stream(context.Background(), testCandidate(), &format.Internal{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.lastReq.Stream {
		t.Error("expected the outgoing ProxyRequest to have Stream=true")
	}

	payload, done, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on first chunk: %v", err)
	}
	if done {
		t.Fatal("first chunk should not be final")
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	choices, _ := decoded["choices"].([]any)
	if len(choices) != 1 {
		t.Fatalf("expected one choice, got %v", decoded)
	}
	delta := choices[0].(map[string]any)["delta"].(map[string]any)
	if delta["content"] != "hel" {
		t.Errorf("expected content=hel, got %v", delta)
	}

	payload, done, err = src.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on second chunk: %v", err)
	}
	if !done {
		t.Error("second (finish_reason=stop) chunk should be final")
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
}

func TestDispatcher_Stream_InBandErrorBecomesTransient(t *testing.T) {
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Content: "[stream error] upstream reset", FinishReason: "error"}
	close(ch)

	tr := &fakeTransport{resp: &providers.ProxyResponse{Stream: ch}}
	d := newDispatcherOver(tr)

	src, err := d.Stream(context.Background(), testCandidate(), &format.Internal{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error opening the stream: %v", err)
	}

	_, _, err = src.Next(context.Background())
	if err == nil {
		t.Fatal("expected the in-band error chunk to surface as an error")
	}
	if errs.KindOf(err) != errs.KindTransient {
		t.Errorf("expected KindTransient, got %v", errs.KindOf(err))
	}
}

func TestDispatcher_Stream_NoStreamChannelIsInfraError(t *testing.T) {
	tr := &fakeTransport{resp: &providers.ProxyResponse{Stream: nil}}
	d := newDispatcherOver(tr)

	_, err := d.Stream(context.Background(), testCandidate(), &format.Internal{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected an error when the transport returns no stream channel")
	}
	if errs.KindOf(err) != errs.KindInfra {
		t.Errorf("expected KindInfra, got %v", errs.KindOf(err))
	}
}

func TestDispatcher_Stream_TransportErrorIsClassified(t *testing.T) {
	tr := &fakeTransport{err: context.DeadlineExceeded}
	d := newDispatcherOver(tr)

	_, err := d.Stream(context.Background(), testCandidate(), &format.Internal{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errs.KindOf(err) != errs.KindTransient {
		t.Errorf("expected KindTransient for a deadline error, got %v", errs.KindOf(err))
	}
}

func TestDispatcher_Stream_ChunkSourceClosedChannelIsDone(t *testing.T) {
	ch := make(chan providers.StreamChunk)
	close(ch)

	tr := &fakeTransport{resp: &providers.ProxyResponse{Stream: ch}}
	d := newDispatcherOver(tr)

	src, err := d.Stream(context.Background(), testCandidate(), &format.Internal{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, done, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Error("a closed channel with no chunks should report done=true")
	}
}

func TestDispatcher_Stream_ContextCancelPropagates(t *testing.T) {
	ch := make(chan providers.StreamChunk) // never produces
	tr := &fakeTransport{resp: &providers.ProxyResponse{Stream: ch}}
	d := newDispatcherOver(tr)

	src, err := d.Stream(context.Background(), testCandidate(), &format.Internal{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err = src.Next(ctx)
	if err == nil {
		t.Fatal("expected the context deadline to surface as an error")
	}
}
