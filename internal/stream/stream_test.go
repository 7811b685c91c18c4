package stream

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/format"
)

// fakeSource replays a fixed list of OpenAI-delta-shaped payloads, one
// per Next call, mirroring dispatch.chunkSource's contract: done is
// true on the call that returns the final payload.
type fakeSource struct {
	payloads [][]byte
	i        int
	err      error // returned once, after all payloads are exhausted
}

func (s *fakeSource) Next(_ context.Context) ([]byte, bool, error) {
	if s.i >= len(s.payloads) {
		if s.err != nil {
			return nil, false, s.err
		}
		return nil, true, nil
	}
	p := s.payloads[s.i]
	s.i++
	return p, s.i == len(s.payloads) && s.err == nil, nil
}

// buf is a Writer that records every write and can be made to fail
// after N successful writes, simulating a client disconnect mid-stream.
type buf struct {
	bytes.Buffer
	failAfter int
	writes    int
}

func (b *buf) Write(p []byte) (int, error) {
	b.writes++
	if b.failAfter > 0 && b.writes > b.failAfter {
		return 0, errors.New("write: broken pipe")
	}
	return b.Buffer.Write(p)
}

func (b *buf) Flush() error { return nil }

func openAIChunk(content, finishReason string) []byte {
	fr := `null`
	if finishReason != "" {
		fr = `"` + finishReason + `"`
	}
	return []byte(`{"choices":[{"index":0,"delta":{"content":"` + content + `"},"finish_reason":` + fr + `}]}`)
}

func TestPipeline_Run_SameFormatPassthrough(t *testing.T) {
	src := &fakeSource{payloads: [][]byte{
		openAIChunk("hel", ""),
		openAIChunk("lo", "stop"),
	}}

	openai := format.NewOpenAINormalizer()
	state := format.NewStreamState("msg-1", "gpt-4o")
	w := &buf{}

	p := New(nil)
	res := p.Run(context.Background(), src, openai, openai, "openai", state, w)

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	out := w.String()
	if !bytes.Contains([]byte(out), []byte(`"content":"hel"`)) {
		t.Errorf("missing first delta in output: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte(`"content":"lo"`)) {
		t.Errorf("missing second delta in output: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("data: [DONE]")) {
		t.Errorf("expected DONE sentinel, got %q", out)
	}
}

func TestPipeline_Run_CrossFormatConversion(t *testing.T) {
	src := &fakeSource{payloads: [][]byte{
		openAIChunk("hi", ""),
		openAIChunk("", "stop"),
	}}

	openai := format.NewOpenAINormalizer()
	claude := format.NewClaudeNormalizer()
	state := format.NewStreamState("msg-2", "claude-3-5-sonnet")
	w := &buf{}

	p := New(nil)
	res := p.Run(context.Background(), src, openai, claude, "claude", state, w)

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	out := w.String()
	// A genuinely converted stream carries Claude's event-typed SSE
	// shape, not OpenAI's flat "chat.completion.chunk" delta — and must
	// never emit the OpenAI-only [DONE] sentinel.
	if !bytes.Contains([]byte(out), []byte("event: content_block_delta")) {
		t.Errorf("expected a Claude content_block_delta event, got %q", out)
	}
	if bytes.Contains([]byte(out), []byte("data: [DONE]")) {
		t.Errorf("claude output must not carry the openai DONE sentinel, got %q", out)
	}
}

func TestPipeline_Prefetch_ThenRelay(t *testing.T) {
	src := &fakeSource{payloads: [][]byte{
		openAIChunk("a", ""),
		openAIChunk("b", "stop"),
	}}

	openai := format.NewOpenAINormalizer()
	state := format.NewStreamState("msg-3", "gpt-4o")
	w := &buf{}

	p := New(nil)
	first, done, _, err := p.Prefetch(context.Background(), src)
	if err != nil {
		t.Fatalf("prefetch failed: %v", err)
	}
	if done {
		t.Fatal("prefetch should not report done before the final chunk")
	}

	res := p.Relay(context.Background(), src, openai, openai, "openai", state, w, first, done, 0)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !bytes.Contains(w.Bytes(), []byte(`"content":"a"`)) || !bytes.Contains(w.Bytes(), []byte(`"content":"b"`)) {
		t.Errorf("expected both deltas relayed, got %q", w.String())
	}
}

func TestPipeline_Prefetch_UpstreamErrorNeverCommits(t *testing.T) {
	// A prefetch failure (S3: try-the-next-candidate) must surface
	// before any bytes reach the writer, so the caller can still fail
	// over instead of having committed to a half-written stream.
	boom := errors.New("upstream: connection refused")
	src := &fakeSource{payloads: nil, err: boom}

	p := New(nil)
	_, _, _, err := p.Prefetch(context.Background(), src)
	if !errors.Is(err, boom) {
		t.Fatalf("expected prefetch to surface the upstream error, got %v", err)
	}
}

func TestPipeline_Relay_ClientDisconnectBillsPartial(t *testing.T) {
	src := &fakeSource{payloads: [][]byte{
		openAIChunk("first", ""),
		openAIChunk("second", ""),
		openAIChunk("third", "stop"),
	}}

	openai := format.NewOpenAINormalizer()
	state := format.NewStreamState("msg-4", "gpt-4o")
	w := &buf{failAfter: 1} // first write succeeds, every write after fails

	p := New(nil)
	first, done, _, err := p.Prefetch(context.Background(), src)
	if err != nil {
		t.Fatalf("prefetch failed: %v", err)
	}

	res := p.Relay(context.Background(), src, openai, openai, "openai", state, w, first, done, 0)
	if res.Err == nil {
		t.Fatal("expected a write failure to surface as an error")
	}
	if res.CancelReason != CancelClientDisconnect {
		t.Errorf("expected CancelClientDisconnect, got %v", res.CancelReason)
	}
	// The first chunk ("first") must have already reached the writer
	// before the simulated disconnect, so partial output is billable.
	if !bytes.Contains(w.Bytes(), []byte(`"content":"first"`)) {
		t.Errorf("expected partial output before disconnect, got %q", w.String())
	}
}

func TestPipeline_Relay_ConnCheckerDetectsIdleDisconnect(t *testing.T) {
	// No second chunk ever arrives; the conn checker alone must notice
	// the disconnect instead of hanging until ctx cancellation.
	src := &blockingSource{}
	connOpen := false // already closed by the time Relay starts polling

	openai := format.NewOpenAINormalizer()
	state := format.NewStreamState("msg-5", "gpt-4o")
	w := &buf{}

	p := New(func() bool { return connOpen })
	res := p.Relay(context.Background(), src, openai, openai, "openai", state, w,
		openAIChunk("only", ""), false, 0)

	if res.CancelReason != CancelClientDisconnect {
		t.Fatalf("expected CancelClientDisconnect from the idle poll, got %v", res.CancelReason)
	}
}

// blockingSource never resolves Next until its context is cancelled,
// simulating an upstream gap long enough for the poll-interval disconnect
// check to fire first.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) ([]byte, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func TestPipeline_Relay_MalformedChunkDoesNotPanic(t *testing.T) {
	// gjson tolerates non-JSON input by returning zero values rather than
	// erroring, so this is a regression guard against relayChunk
	// panicking on garbage rather than an assertion on FormatConversionError.
	src := &fakeSource{payloads: [][]byte{[]byte(`not json at all`)}}

	openai := format.NewOpenAINormalizer()
	state := format.NewStreamState("msg-6", "gpt-4o")
	w := &buf{}

	p := New(nil)
	first, done, _, err := p.Prefetch(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected prefetch error: %v", err)
	}
	p.Relay(context.Background(), src, openai, openai, "openai", state, w, first, done, 0)
}
