// Package telemetry implements the UsageService (spec.md §4.11): the
// write-only billing/telemetry sink. Writes are queued on a buffered
// channel and flushed in batches by a background goroutine, exactly
// the teacher's internal/logger non-blocking pattern — so an upstream
// storage hiccup never blocks the request hot path — generalized from
// a fire-and-forget RequestLog to a full Usage lifecycle
// (pending -> streaming -> terminal) plus the RequestCandidate audit
// trail.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/errs"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// write is one queued mutation against the UsageStore.
type write struct {
	kind       writeKind
	usage      *model.Usage
	candidate  *model.RequestCandidate
	requestID  string
	status     model.UsageStatus
	fields     map[string]any
}

type writeKind int

const (
	writeCreatePending writeKind = iota
	writeUpdateStatus
	writeRecordTerminal
	writeCreateCandidate
	writeUpdateCandidate
)

// Service is the UsageService: create_pending/update_status/
// record_success/record_failure/record_cancelled, backed by an async
// batched writer over a store.UsageStore.
type Service struct {
	store   store.UsageStore
	catalog Catalog
	strict  bool

	ch        chan write
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedWrites int64
	mu            sync.Mutex

	log *slog.Logger
}

// New constructs a Service and starts its background flush loop.
func New(ctx context.Context, usageStore store.UsageStore, catalog Catalog, strict bool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:   usageStore,
		catalog: catalog,
		strict:  strict,
		ch:      make(chan write, channelBuffer),
		done:    make(chan struct{}),
		log:     log,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

func (s *Service) enqueue(w write) {
	select {
	case s.ch <- w:
	default:
		s.mu.Lock()
		s.droppedWrites++
		s.mu.Unlock()
	}
}

// DroppedWrites reports how many writes were discarded because the
// buffer was full, mirroring logger.Logger.DroppedLogs.
func (s *Service) DroppedWrites() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedWrites
}

// Close drains the remaining queue and stops the flush loop.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// CreatePending records a new in-flight request, status=pending.
func (s *Service) CreatePending(u *model.Usage) {
	u.Status = model.UsagePending
	s.enqueue(write{kind: writeCreatePending, usage: u})
}

// UpdateStatus transitions a Usage row's status (e.g. pending -> streaming).
func (s *Service) UpdateStatus(requestID string, status model.UsageStatus, fields map[string]any) {
	s.enqueue(write{kind: writeUpdateStatus, requestID: requestID, status: status, fields: fields})
}

// RecordSuccess finalizes a Usage row as completed, pricing it against
// the catalog first (so the stored row always carries its final cost,
// never a placeholder to be priced later).
func (s *Service) RecordSuccess(u *model.Usage) {
	cost, err := Compute(s.catalog, u.ModelName, u.Tokens, s.strict)
	if err != nil {
		s.log.Warn("telemetry_pricing_failed", slog.String("request_id", u.RequestID), slog.String("error", err.Error()))
	} else {
		f, _ := cost.Float64()
		u.TotalCostUSD = f
		u.ActualTotalCostUSD = f
	}
	u.Status = model.UsageCompleted
	s.enqueue(write{kind: writeRecordTerminal, usage: u})
}

// RecordFailure finalizes a Usage row as failed. Per spec.md §9's
// decided Open Question, partial output on a mid-stream 5xx IS billed:
// callers pass whatever TokenCounts were accumulated before the
// failure, and they are priced like a success.
func (s *Service) RecordFailure(u *model.Usage, cause error) {
	if u.Tokens.OutputTokens > 0 || u.Tokens.InputTokens > 0 {
		cost, err := Compute(s.catalog, u.ModelName, u.Tokens, s.strict)
		if err == nil {
			f, _ := cost.Float64()
			u.TotalCostUSD = f
			u.ActualTotalCostUSD = f
		}
	}
	u.Status = model.UsageFailed
	if u.RequestMetadata == nil {
		u.RequestMetadata = map[string]any{}
	}
	if cause != nil {
		u.RequestMetadata["error_kind"] = string(errs.KindOf(cause))
		u.RequestMetadata["error"] = cause.Error()
	}
	s.enqueue(write{kind: writeRecordTerminal, usage: u})
}

// RecordCancelled finalizes a Usage row as cancelled (client disconnect).
func (s *Service) RecordCancelled(u *model.Usage) {
	u.Status = model.UsageCancelled
	s.enqueue(write{kind: writeRecordTerminal, usage: u})
}

// CreateCandidate / UpdateCandidate queue RequestCandidate audit rows.
func (s *Service) CreateCandidate(c *model.RequestCandidate) {
	s.enqueue(write{kind: writeCreateCandidate, candidate: c})
}

func (s *Service) UpdateCandidate(c *model.RequestCandidate) {
	s.enqueue(write{kind: writeUpdateCandidate, candidate: c})
}

// CleanupStalePending runs synchronously (it is a periodic maintenance
// call, not on the request hot path) and returns how many rows it reaped.
func (s *Service) CleanupStalePending(ctx context.Context, timeoutMinutes int) (int, error) {
	return s.store.CleanupStalePending(ctx, timeoutMinutes)
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]write, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, w := range batch {
			if err := s.apply(ctx, w); err != nil {
				s.log.Warn("telemetry_write_failed", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case w := <-s.ch:
			batch = append(batch, w)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case w := <-s.ch:
					batch = append(batch, w)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Service) apply(ctx context.Context, w write) error {
	switch w.kind {
	case writeCreatePending:
		return s.store.CreatePending(ctx, w.usage)
	case writeUpdateStatus:
		return s.store.UpdateStatus(ctx, w.requestID, w.status, w.fields)
	case writeRecordTerminal:
		return s.store.RecordTerminal(ctx, w.usage)
	case writeCreateCandidate:
		return s.store.CreateCandidate(ctx, w.candidate)
	case writeUpdateCandidate:
		return s.store.UpdateCandidate(ctx, w.candidate)
	}
	return nil
}
