// Package failover implements the FailoverEngine (spec.md §4.8): the
// per-request retry loop over a scheduler-ordered candidate list, with
// per-error-kind dispatch and thinking-signature rectification. It
// generalizes the teacher's internal/proxy/failover.go
// requestWithFailover/isRetryable/classifyError from a fixed
// DefaultFallbackOrder provider list to a dynamic candidate.Candidate
// sequence produced by the scheduler.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/candidate"
	"github.com/nulpointcorp/llm-gateway/internal/errs"
	"github.com/nulpointcorp/llm-gateway/internal/format"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
)

// BehaviorLookup resolves a Provider's data-driven quirk record
// (spec.md §9: ProviderBehavior replacing duck-typed dispatch).
type BehaviorLookup func(providerType string) model.ProviderBehavior

// Admitter gates a candidate on concurrency before it is attempted —
// the ConcurrencyLimitError case of spec.md §4.8 is handled as an
// admission-check failure rather than a dispatch error, so it never
// touches the circuit breaker or retry budget.
type Admitter interface {
	Admit(ctx context.Context, keyID string, limit int, isCachedUser bool, reservation float64) (bool, error)
}

// Breaker is the subset of health.CircuitBreaker the engine drives.
type Breaker interface {
	RecordSuccess(key string)
	RecordFailure(key string)
	RecordAuthFailure(key string)
	RecordRateLimit(key string, retryAfter time.Duration)
}

// AffinityInvalidator is the subset of affinity.Manager the engine drives.
type AffinityInvalidator interface {
	Invalidate(ctx context.Context, affinityKeyStr, signature, globalModelID string) error
}

// RPMFeeder is the subset of health.RPMLearner the engine drives.
type RPMFeeder interface {
	OnRateLimited(key string, observedRPM int) int
	OnSuccessNearLimit(key string) int
}

// ReservationFeeder is the subset of concurrency.AdaptiveReservationManager
// the engine drives.
type ReservationFeeder interface {
	RecordSuccess(key string)
	RecordRateLimit(key string)
}

// Attempter performs one dispatch attempt against a single candidate and
// returns the internal-format response or a classified error. It is
// implemented by internal/dispatch.Dispatcher; declared here as a small
// consumer-side interface to avoid a package cycle.
type Attempter interface {
	Attempt(ctx context.Context, c candidate.Candidate, req *format.Internal, state *format.StreamState) (*format.Internal, error)
}

// StreamAttempter opens a streaming dispatch attempt against a single
// candidate, returning a stream.Source on success. It is implemented by
// internal/dispatch.Dispatcher's Stream method; declared here as a
// small consumer-side interface to avoid a package cycle.
type StreamAttempter interface {
	Stream(ctx context.Context, c candidate.Candidate, req *format.Internal) (stream.Source, error)
}

// Outcome records one candidate attempt for the caller's audit trail
// (internal/store RequestCandidate rows).
type Outcome struct {
	Candidate  candidate.Candidate
	Err        error
	LatencyMs  int64
	Skipped    bool
	SkipReason string
}

// Engine runs the failover loop of spec.md §4.8.
type Engine struct {
	admitter   Admitter
	breaker    Breaker
	affinity   AffinityInvalidator
	rpm        RPMFeeder
	reserve    ReservationFeeder
	dispatcher Attempter
	streamer   StreamAttempter
	behaviors  BehaviorLookup
	maxRetries int
}

// Config bundles Engine's collaborators. Any field may be nil to
// disable that side effect (e.g. in tests).
type Config struct {
	Admitter   Admitter
	Breaker    Breaker
	Affinity   AffinityInvalidator
	RPM        RPMFeeder
	Reserve    ReservationFeeder
	Dispatcher Attempter
	Streamer   StreamAttempter
	Behaviors  BehaviorLookup
	MaxRetries int
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	behaviors := cfg.Behaviors
	if behaviors == nil {
		behaviors = func(string) model.ProviderBehavior { return model.ProviderBehavior{} }
	}
	return &Engine{
		admitter:   cfg.Admitter,
		breaker:    cfg.Breaker,
		affinity:   cfg.Affinity,
		rpm:        cfg.RPM,
		reserve:    cfg.Reserve,
		dispatcher: cfg.Dispatcher,
		streamer:   cfg.Streamer,
		behaviors:  behaviors,
		maxRetries: maxRetries,
	}
}

// RunParams bundles the per-request context the loop needs to feed
// affinity invalidation and rate-limit learning.
type RunParams struct {
	AffinityKey   string
	Signature     string
	GlobalModelID string
	RPMLimit      int
	IsCachedUser  bool
	Reservation   float64
}

// Run walks candidates in order, dispatching req through each until one
// succeeds, a non-retryable error is hit, or candidates are exhausted.
// It returns the winning response, the outcomes recorded along the way
// (for the RequestCandidate audit trail), and a terminal error if every
// candidate failed.
func (e *Engine) Run(ctx context.Context, candidates []candidate.Candidate, req *format.Internal, params RunParams) (*format.Internal, []Outcome, error) {
	var outcomes []Outcome
	var lastErr error
	attempts := 0

	state := &format.StreamState{}

	for _, c := range candidates {
		if attempts >= e.maxRetries {
			break
		}

		if outcome, ok := e.admitCandidate(ctx, c, params); !ok {
			outcomes = append(outcomes, outcome)
			continue
		}

		// StreamState is reset on every retry, per spec.md §4.10: a
		// rectified or retried attempt must never carry over
		// partially-built blocks from a previous candidate.
		*state = format.StreamState{}

		start := time.Now()
		resp, err := e.attemptWithRectification(ctx, c, req, state)
		latencyMs := time.Since(start).Milliseconds()
		attempts++

		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess(breakerKey(c))
			}
			if e.reserve != nil {
				e.reserve.RecordSuccess(c.Key.ID)
			}
			if e.rpm != nil && e.admitter != nil {
				e.rpm.OnSuccessNearLimit(c.Key.ID)
			}
			outcomes = append(outcomes, Outcome{Candidate: c, LatencyMs: latencyMs})
			return resp, outcomes, nil
		}

		outcomes = append(outcomes, Outcome{Candidate: c, Err: err, LatencyMs: latencyMs})
		lastErr = err

		if !e.recordDispatchFailure(ctx, c, err, params) {
			// Non-retryable: further candidates are unlikely to return a
			// different result for the same request parameters.
			return nil, outcomes, lastErr
		}
	}

	if lastErr == nil {
		lastErr = errors.New("failover: no candidates available")
	}
	return nil, outcomes, fmt.Errorf("failover: all candidates failed after %d attempt(s): %w", attempts, lastErr)
}

// recordDispatchFailure applies the per-Kind side effects (circuit
// breaker, affinity invalidation, RPM learning, reservation feedback)
// for one failed dispatch attempt, shared by Run and StartStream so
// the two loops observe identical breaker/affinity/RPM state no matter
// which path a request took. It reports whether the loop should advance
// to the next candidate (true) or stop retrying (false).
func (e *Engine) recordDispatchFailure(ctx context.Context, c candidate.Candidate, err error, params RunParams) bool {
	switch errs.KindOf(err) {
	case errs.KindAuth:
		if e.breaker != nil {
			e.breaker.RecordAuthFailure(breakerKey(c))
		}
		if e.affinity != nil {
			_ = e.affinity.Invalidate(ctx, params.AffinityKey, params.Signature, params.GlobalModelID)
		}
		return true

	case errs.KindRateLimit:
		retryAfter := errs.RetryAfter(err)
		if e.breaker != nil {
			e.breaker.RecordRateLimit(breakerKey(c), retryAfter)
		}
		if e.reserve != nil {
			e.reserve.RecordRateLimit(c.Key.ID)
		}
		if e.rpm != nil {
			e.rpm.OnRateLimited(c.Key.ID, params.RPMLimit)
		}
		return true

	case errs.KindTransient, errs.KindEmbedded, errs.KindInfra:
		if e.breaker != nil {
			e.breaker.RecordFailure(breakerKey(c))
		}
		return true

	case errs.KindCaller, errs.KindUpstreamClient:
		return false

	default:
		return true
	}
}

// admitCandidate applies the concurrency-admission and skip checks
// shared by Run and StartStream, returning the Outcome to record (with
// Skipped set) when the candidate must not be attempted.
func (e *Engine) admitCandidate(ctx context.Context, c candidate.Candidate, params RunParams) (Outcome, bool) {
	if e.admitter != nil {
		limit := c.Key.RPMLimit
		l := params.RPMLimit
		if limit != nil {
			l = *limit
		}
		admitted, err := e.admitter.Admit(ctx, c.Key.ID, l, params.IsCachedUser, params.Reservation)
		if err == nil && !admitted {
			return Outcome{Candidate: c, Skipped: true, SkipReason: "concurrency_limit"}, false
		}
	}
	if c.IsSkipped {
		return Outcome{Candidate: c, Skipped: true, SkipReason: c.SkipReason}, false
	}
	return Outcome{}, true
}

// StreamStart is the result of a successful StartStream call: the
// winning candidate's source is already past its first chunk, so the
// caller can commit to SSE response headers and hand first/firstDone
// straight to stream.Pipeline.Relay.
type StreamStart struct {
	Candidate       candidate.Candidate
	Source          stream.Source
	First           []byte
	FirstDone       bool
	FirstByteTimeMs int64
}

// StartStream walks candidates exactly like Run, but opens a streaming
// attempt and prefetches its first chunk (via pipeline.Prefetch, passed
// in by the caller so there is one Pipeline per request) instead of
// collecting a full response. A prefetch failure is treated as a normal
// dispatch failure — candidate.IsSkipped/Admitter/Breaker/RPM/Reserve
// all observe it exactly as Run's failures do — so a TTFB failure still
// advances to the next candidate (spec.md §4.10 S3), and only once a
// candidate's first chunk has actually arrived does HandleChat commit
// to a 200 streaming response.
func (e *Engine) StartStream(ctx context.Context, candidates []candidate.Candidate, req *format.Internal, params RunParams, prefetch func(ctx context.Context, src stream.Source) ([]byte, bool, int64, error)) (*StreamStart, []Outcome, error) {
	var outcomes []Outcome
	var lastErr error
	attempts := 0

	for _, c := range candidates {
		if attempts >= e.maxRetries {
			break
		}

		if outcome, ok := e.admitCandidate(ctx, c, params); !ok {
			outcomes = append(outcomes, outcome)
			continue
		}

		start := time.Now()
		src, err := e.streamer.Stream(ctx, c, req)
		if err == nil {
			var first []byte
			var done bool
			var firstMs int64
			first, done, firstMs, err = prefetch(ctx, src)
			if err == nil {
				latencyMs := time.Since(start).Milliseconds()
				attempts++
				if e.breaker != nil {
					e.breaker.RecordSuccess(breakerKey(c))
				}
				if e.reserve != nil {
					e.reserve.RecordSuccess(c.Key.ID)
				}
				if e.rpm != nil && e.admitter != nil {
					e.rpm.OnSuccessNearLimit(c.Key.ID)
				}
				outcomes = append(outcomes, Outcome{Candidate: c, LatencyMs: latencyMs})
				return &StreamStart{Candidate: c, Source: src, First: first, FirstDone: done, FirstByteTimeMs: firstMs}, outcomes, nil
			}
		}

		latencyMs := time.Since(start).Milliseconds()
		attempts++
		outcomes = append(outcomes, Outcome{Candidate: c, Err: err, LatencyMs: latencyMs})
		lastErr = err

		if !e.recordDispatchFailure(ctx, c, err, params) {
			return nil, outcomes, lastErr
		}
	}

	if lastErr == nil {
		lastErr = errors.New("failover: no candidates available")
	}
	return nil, outcomes, fmt.Errorf("failover: all candidates failed after %d attempt(s): %w", attempts, lastErr)
}

// attemptWithRectification dispatches once, and on a rectifiable
// thinking-signature error retries the SAME candidate with stage-1 (and
// if that also fails, stage-2) rectification applied to req — spec.md
// §4.8's "retry same candidate" rule, the sole exception to "always
// advance to the next candidate on failure".
func (e *Engine) attemptWithRectification(ctx context.Context, c candidate.Candidate, req *format.Internal, state *format.StreamState) (*format.Internal, error) {
	resp, err := e.dispatcher.Attempt(ctx, c, req, state)
	if err == nil || errs.KindOf(err) != errs.KindRectifiable {
		return resp, err
	}

	stage1 := RectifyStage1(req)
	*state = format.StreamState{}
	resp, err = e.dispatcher.Attempt(ctx, c, stage1, state)
	if err == nil || errs.KindOf(err) != errs.KindRectifiable {
		return resp, err
	}

	if !e.behaviors(c.Provider.ProviderType).SupportsStage2Rectify {
		return resp, err
	}
	stage2 := RectifyStage2(stage1)
	*state = format.StreamState{}
	return e.dispatcher.Attempt(ctx, c, stage2, state)
}

func breakerKey(c candidate.Candidate) string {
	return c.Key.ID + "|" + c.ProviderAPIFormat
}
