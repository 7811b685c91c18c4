// Package stream implements the StreamPipeline (spec.md §4.10): a
// generic SSE relay that prefetches the first upstream chunk, converts
// each subsequent chunk through a format.Normalizer with a
// format.StreamState, detects client disconnects on an idle poll, and
// distinguishes a client-initiated cancellation (499) from a
// server-side timeout/failure (503). Grounded on the teacher's
// internal/proxy/gateway.go writeSSE (fasthttp SetBodyStreamWriter +
// bufio.Writer), generalized away from a single hardcoded OpenAI-style
// delta shape to a Normalizer-mediated conversion.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/format"
)

// pollInterval is how often the pipeline checks for a client disconnect
// while waiting on an upstream chunk, per spec.md §4.10.
const pollInterval = 500 * time.Millisecond

// Source yields raw upstream SSE payloads (the bytes between "data: "
// and the terminating blank line, already extracted by the Transport).
// Next blocks until a chunk is ready, the stream ends (done=true), or
// ctx is cancelled.
type Source interface {
	Next(ctx context.Context) (payload []byte, done bool, err error)
}

// Writer is the minimal sink the pipeline needs: fasthttp's
// bufio.Writer already satisfies it, as does any io.Writer the caller
// wraps with a no-op Flush.
type Writer interface {
	io.Writer
	Flush() error
}

// ConnChecker reports whether the client side of the connection is
// still open. The fasthttp adapter implements this by checking the
// RequestCtx's connection state; it is optional — a nil checker
// disables disconnect detection.
type ConnChecker func() bool

// CancelReason distinguishes why a stream ended early, driving the
// status code the caller reports upstream (499 vs 503).
type CancelReason int

const (
	CancelNone CancelReason = iota
	CancelClientDisconnect
	CancelServerTimeout
	CancelUpstreamError
)

// Result summarizes one pipeline run for telemetry.
type Result struct {
	FirstByteTimeMs int64
	BytesWritten    int
	Usage           format.Usage
	StopReason      format.StopReason
	CancelReason    CancelReason
	Err             error
}

// Pipeline relays one upstream SSE stream to a client in the client's
// wire format.
type Pipeline struct {
	conn ConnChecker
}

// New constructs a Pipeline. conn may be nil to disable disconnect polling.
func New(conn ConnChecker) *Pipeline {
	return &Pipeline{conn: conn}
}

// Run prefetches the first chunk (so a same-request format-conversion
// failure can still produce a clean non-streaming error instead of a
// half-written stream), then relays the remainder, converting each
// upstream chunk via fromNormalizer.StreamChunkToInternal and
// re-rendering it via toNormalizer.StreamChunkFromInternal — two
// distinct normalizers so a request whose candidate endpoint differs
// from the caller's wire format is genuinely format-converted, not just
// passed through. Exists as a single-call convenience; a caller that
// needs to commit to SSE response headers only after a successful
// prefetch (the callers in internal/failover/internal/proxy do, since
// fasthttp's streamed response has already sent a 200 once the body
// writer starts) should call Prefetch then Relay directly instead.
func (p *Pipeline) Run(ctx context.Context, src Source, fromNormalizer, toNormalizer format.Normalizer, clientFmt string, state *format.StreamState, w Writer) Result {
	first, done, firstMs, err := p.Prefetch(ctx, src)
	if err != nil {
		return Result{Err: err, CancelReason: classifyErr(ctx, err)}
	}
	return p.Relay(ctx, src, fromNormalizer, toNormalizer, clientFmt, state, w, first, done, firstMs)
}

// Prefetch blocks for the first upstream chunk only, returning its
// arrival latency. A caller uses this to decide whether to commit to a
// streaming response at all (spec.md §4.10 S3: a failure here is a
// same-request "try the next candidate" condition, not a mid-stream one).
func (p *Pipeline) Prefetch(ctx context.Context, src Source) (payload []byte, done bool, firstByteTimeMs int64, err error) {
	start := time.Now()
	payload, done, err = src.Next(ctx)
	return payload, done, time.Since(start).Milliseconds(), err
}

// Relay converts and writes the already-prefetched first chunk, then
// continues draining src until it is done or a terminal condition (a
// format-conversion failure, a write failure, a client disconnect, or
// ctx cancellation) is hit.
func (p *Pipeline) Relay(ctx context.Context, src Source, fromNormalizer, toNormalizer format.Normalizer, clientFmt string, state *format.StreamState, w Writer, first []byte, firstDone bool, firstByteTimeMs int64) Result {
	var res Result
	res.FirstByteTimeMs = firstByteTimeMs

	if !p.relayChunk(first, fromNormalizer, toNormalizer, clientFmt, state, w, &res) {
		return res
	}
	if firstDone {
		p.finish(clientFmt, w, &res)
		return res
	}

	for {
		payload, done, err := p.nextWithPoll(ctx, src)
		if err != nil {
			res.Err = err
			res.CancelReason = classifyErr(ctx, err)
			// Flush whatever was already converted before the connection
			// drops, per spec.md §4.10's connection-close flush rule.
			_ = w.Flush()
			return res
		}
		if !p.relayChunk(payload, fromNormalizer, toNormalizer, clientFmt, state, w, &res) {
			return res
		}
		if done {
			p.finish(clientFmt, w, &res)
			return res
		}
	}
}

// nextWithPoll waits for src.Next while periodically checking the
// client connection, so a disconnect during an idle upstream gap is
// detected within one pollInterval instead of only at the next chunk.
func (p *Pipeline) nextWithPoll(ctx context.Context, src Source) ([]byte, bool, error) {
	type result struct {
		payload []byte
		done    bool
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		payload, done, err := src.Next(ctx)
		ch <- result{payload, done, err}
	}()

	for {
		select {
		case r := <-ch:
			return r.payload, r.done, r.err
		case <-time.After(pollInterval):
			if p.conn != nil && !p.conn() {
				return nil, false, errClientDisconnected
			}
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

var errClientDisconnected = errors.New("stream: client disconnected")

func classifyErr(ctx context.Context, err error) CancelReason {
	if errors.Is(err, errClientDisconnected) {
		return CancelClientDisconnect
	}
	if ctx.Err() != nil {
		return CancelServerTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CancelServerTimeout
	}
	return CancelUpstreamError
}

// relayChunk converts one upstream payload to client-format SSE events
// via fromNormalizer/toNormalizer and writes each to w. Returns false
// (and records the failure in res) if conversion fails — a stream that
// cannot be completed cleanly must never emit malformed output
// (spec.md §4.1).
func (p *Pipeline) relayChunk(payload []byte, fromNormalizer, toNormalizer format.Normalizer, clientFmt string, state *format.StreamState, w Writer, res *Result) bool {
	events, err := fromNormalizer.StreamChunkToInternal(payload, state)
	if err != nil {
		res.Err = &format.FormatConversionError{Format: clientFmt, Reason: err.Error()}
		return false
	}

	for _, ev := range events {
		res.Usage.MergeMax(state.RunningUsage)
		if ev.StopReason != "" {
			res.StopReason = ev.StopReason
		}
	}

	lines, err := toNormalizer.StreamChunkFromInternal(events, state)
	if err != nil {
		res.Err = &format.FormatConversionError{Format: clientFmt, Reason: err.Error()}
		return false
	}
	for _, line := range lines {
		n, werr := w.Write(line)
		res.BytesWritten += n
		if werr != nil {
			res.Err = werr
			res.CancelReason = CancelClientDisconnect
			return false
		}
	}
	if len(lines) > 0 {
		if ferr := w.Flush(); ferr != nil {
			res.Err = ferr
			res.CancelReason = CancelClientDisconnect
			return false
		}
	}
	return true
}

// finish writes the client-format terminal marker. OpenAI-family
// clients expect a literal "data: [DONE]\n\n" sentinel; other families
// close the stream on the last content event alone.
func (p *Pipeline) finish(clientFmt string, w Writer, res *Result) {
	if needsDoneSentinel(clientFmt) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	_ = w.Flush()
}

func needsDoneSentinel(clientFmt string) bool {
	return len(clientFmt) >= 6 && clientFmt[:6] == "openai"
}
