package failover

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/candidate"
	"github.com/nulpointcorp/llm-gateway/internal/errs"
	"github.com/nulpointcorp/llm-gateway/internal/format"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
)

func testCandidate(id string) candidate.Candidate {
	return candidate.Candidate{
		Provider: &model.Provider{ID: "prov-" + id, Name: id},
		Endpoint: &model.Endpoint{ID: "ep-" + id},
		Key:      &model.ProviderAPIKey{ID: "key-" + id},
	}
}

// fakeSource always returns the same single chunk then reports done.
type fakeSource struct{ payload []byte }

func (s *fakeSource) Next(context.Context) ([]byte, bool, error) {
	return s.payload, true, nil
}

// fakeStreamer opens a stream per candidate key ID, returning either a
// canned error or a fakeSource, so a test can make one candidate fail to
// open and a later one succeed.
type fakeStreamer struct {
	errByKey map[string]error
}

func (f *fakeStreamer) Stream(_ context.Context, c candidate.Candidate, _ *format.Internal) (stream.Source, error) {
	if err, ok := f.errByKey[c.Key.ID]; ok {
		return nil, err
	}
	return &fakeSource{payload: []byte("ok")}, nil
}

// recordingBreaker tracks which keys recorded a success or failure, so
// tests can assert StartStream drives the same side effects Run does.
type recordingBreaker struct {
	successes []string
	failures  []string
}

func (b *recordingBreaker) RecordSuccess(key string)          { b.successes = append(b.successes, key) }
func (b *recordingBreaker) RecordFailure(key string)          { b.failures = append(b.failures, key) }
func (b *recordingBreaker) RecordAuthFailure(key string)      {}
func (b *recordingBreaker) RecordRateLimit(string, time.Duration) {}

func alwaysPrefetchOK(ctx context.Context, src stream.Source) ([]byte, bool, int64, error) {
	payload, done, err := src.Next(ctx)
	return payload, done, 0, err
}

func TestEngine_StartStream_FirstCandidateSucceeds(t *testing.T) {
	streamer := &fakeStreamer{errByKey: map[string]error{}}
	e := New(Config{Streamer: streamer, MaxRetries: 3})

	candidates := []candidate.Candidate{testCandidate("a"), testCandidate("b")}
	start, outcomes, err := e.StartStream(context.Background(), candidates, &format.Internal{}, RunParams{}, alwaysPrefetchOK)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start.Candidate.Key.ID != "key-a" {
		t.Errorf("expected the first candidate to win, got %s", start.Candidate.Key.ID)
	}
	if len(outcomes) != 1 {
		t.Errorf("expected exactly one outcome, got %d", len(outcomes))
	}
}

func TestEngine_StartStream_PrefetchFailureFallsOverToNextCandidate(t *testing.T) {
	// key-a opens fine but its prefetch will fail (empty payload signals
	// a forced error below); key-b should then win.
	streamer := &fakeStreamer{errByKey: map[string]error{}}
	e := New(Config{Streamer: streamer, MaxRetries: 3})

	failFirst := func(i *int) func(ctx context.Context, src stream.Source) ([]byte, bool, int64, error) {
		return func(ctx context.Context, src stream.Source) ([]byte, bool, int64, error) {
			*i++
			if *i == 1 {
				return nil, false, 0, errs.Transient(0, "TTFB timeout", nil)
			}
			return alwaysPrefetchOK(ctx, src)
		}
	}
	calls := 0
	prefetch := failFirst(&calls)

	candidates := []candidate.Candidate{testCandidate("a"), testCandidate("b")}
	start, outcomes, err := e.StartStream(context.Background(), candidates, &format.Internal{}, RunParams{}, prefetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start.Candidate.Key.ID != "key-b" {
		t.Errorf("expected the second candidate to win after a TTFB failure, got %s", start.Candidate.Key.ID)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected two outcomes (one failed, one succeeded), got %d", len(outcomes))
	}
	if outcomes[0].Err == nil {
		t.Error("expected the first outcome to record the prefetch failure")
	}
}

func TestEngine_StartStream_OpenStreamErrorSharesBreakerWithRun(t *testing.T) {
	streamer := &fakeStreamer{errByKey: map[string]error{
		"key-a": errs.Transient(502, "upstream unavailable", nil),
	}}
	breaker := &recordingBreaker{}
	e := New(Config{Streamer: streamer, Breaker: breaker, MaxRetries: 3})

	candidates := []candidate.Candidate{testCandidate("a"), testCandidate("b")}
	start, _, err := e.StartStream(context.Background(), candidates, &format.Internal{}, RunParams{}, alwaysPrefetchOK)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start.Candidate.Key.ID != "key-b" {
		t.Errorf("expected fallover to key-b, got %s", start.Candidate.Key.ID)
	}
	if len(breaker.failures) != 1 || breaker.failures[0] != "key-a|" {
		t.Errorf("expected key-a's open-stream error recorded on the breaker, got %v", breaker.failures)
	}
	if len(breaker.successes) != 1 || breaker.successes[0] != "key-b|" {
		t.Errorf("expected key-b's success recorded on the breaker, got %v", breaker.successes)
	}
}

func TestEngine_StartStream_AllCandidatesFail(t *testing.T) {
	streamer := &fakeStreamer{errByKey: map[string]error{
		"key-a": errs.Transient(0, "boom a", nil),
		"key-b": errs.Transient(0, "boom b", nil),
	}}
	e := New(Config{Streamer: streamer, MaxRetries: 3})

	candidates := []candidate.Candidate{testCandidate("a"), testCandidate("b")}
	_, outcomes, err := e.StartStream(context.Background(), candidates, &format.Internal{}, RunParams{}, alwaysPrefetchOK)
	if err == nil {
		t.Fatal("expected an error when every candidate fails to open")
	}
	if len(outcomes) != 2 {
		t.Errorf("expected two failed outcomes, got %d", len(outcomes))
	}
}

func TestEngine_StartStream_CallerErrorIsNonRetryable(t *testing.T) {
	streamer := &fakeStreamer{errByKey: map[string]error{
		"key-a": errs.Caller(400, "bad request"),
	}}
	e := New(Config{Streamer: streamer, MaxRetries: 3})

	candidates := []candidate.Candidate{testCandidate("a"), testCandidate("b")}
	_, outcomes, err := e.StartStream(context.Background(), candidates, &format.Internal{}, RunParams{}, alwaysPrefetchOK)
	if err == nil {
		t.Fatal("expected a terminal error")
	}
	if len(outcomes) != 1 {
		t.Errorf("a caller error must stop the loop without trying key-b, got %d outcomes", len(outcomes))
	}
}
