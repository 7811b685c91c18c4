package telemetry

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// ClickHouseStore is an analytic store.UsageStore implementation.
// internal/app does not construct one; it wires memstore.UsageStore.
// Usage and RequestCandidate rows are append-only: every write is an
// INSERT, and the latest state per (request_id[, candidate_index,
// retry_index]) is expected to be read back with a ReplacingMergeTree
// table engine ordered on an updated_at column, the standard ClickHouse
// idiom for a mutable-looking row on an insert-only engine.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore wraps an already-opened clickhouse-go/v2 connection.
func NewClickHouseStore(conn driver.Conn) *ClickHouseStore {
	return &ClickHouseStore{conn: conn}
}

const insertUsageSQL = `INSERT INTO usage (
	request_id, caller_id, wire_format, model_name, provider_id, endpoint_id, key_id,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_5m, cache_creation_1h,
	response_time_ms, first_byte_time_ms, status_code, status,
	total_cost_usd, actual_total_cost_usd, has_format_conversion, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (c *ClickHouseStore) insertUsage(ctx context.Context, u *model.Usage) error {
	batch, err := c.conn.PrepareBatch(ctx, insertUsageSQL)
	if err != nil {
		return err
	}
	if err := batch.Append(
		u.RequestID, u.CallerID, u.WireFormat, u.ModelName, u.ProviderID, u.EndpointID, u.KeyID,
		u.Tokens.InputTokens, u.Tokens.OutputTokens, u.Tokens.CacheReadTokens, u.Tokens.CacheCreation5m, u.Tokens.CacheCreation1h,
		u.ResponseTimeMs, u.FirstByteTimeMs, u.StatusCode, string(u.Status),
		u.TotalCostUSD, u.ActualTotalCostUSD, u.HasFormatConversion, time.Now().UTC(),
	); err != nil {
		return err
	}
	return batch.Send()
}

// CreatePending inserts the initial pending-state row.
func (c *ClickHouseStore) CreatePending(ctx context.Context, u *model.Usage) error {
	return c.insertUsage(ctx, u)
}

// UpdateStatus inserts a new version of the row carrying the updated
// status and any supplied field overrides (ClickHouse has no UPDATE;
// the ReplacingMergeTree engine collapses to the latest updated_at).
func (c *ClickHouseStore) UpdateStatus(ctx context.Context, requestID string, status model.UsageStatus, fields map[string]any) error {
	u := &model.Usage{RequestID: requestID, Status: status}
	applyUsageFields(u, fields)
	return c.insertUsage(ctx, u)
}

// RecordTerminal inserts the final-state row.
func (c *ClickHouseStore) RecordTerminal(ctx context.Context, u *model.Usage) error {
	return c.insertUsage(ctx, u)
}

// applyUsageFields overlays a field-override map onto a Usage row, the
// same key set memstore.applyUsageFields recognizes, kept consistent so
// callers see identical UpdateStatus semantics regardless of which
// store.UsageStore backs the Service.
func applyUsageFields(u *model.Usage, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "provider_id":
			u.ProviderID, _ = v.(string)
		case "endpoint_id":
			u.EndpointID, _ = v.(string)
		case "key_id":
			u.KeyID, _ = v.(string)
		case "first_byte_time_ms":
			u.FirstByteTimeMs, _ = v.(int)
		case "api_format":
			u.WireFormat, _ = v.(string)
		case "has_format_conversion":
			u.HasFormatConversion, _ = v.(bool)
		}
	}
}

// CleanupStalePending is a no-op against an append-only analytic store:
// a pending row simply never collapses to a terminal one and is
// filtered out by query-time `argMax(status, updated_at) != 'pending'`
// logic instead of being deleted. Reported count is always zero.
func (c *ClickHouseStore) CleanupStalePending(_ context.Context, _ int) (int, error) {
	return 0, nil
}

const insertCandidateSQL = `INSERT INTO request_candidate (
	id, request_id, candidate_index, retry_index, provider_id, endpoint_id, key_id,
	status, skip_reason, error_type, error_message, status_code, latency_ms,
	first_byte_time_ms, concurrent_requests, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (c *ClickHouseStore) insertCandidate(ctx context.Context, rc *model.RequestCandidate) error {
	batch, err := c.conn.PrepareBatch(ctx, insertCandidateSQL)
	if err != nil {
		return err
	}
	if err := batch.Append(
		rc.ID, rc.RequestID, rc.CandidateIndex, rc.RetryIndex, rc.ProviderID, rc.EndpointID, rc.KeyID,
		string(rc.Status), rc.SkipReason, rc.ErrorType, rc.ErrorMessage, rc.StatusCode, rc.LatencyMs,
		rc.FirstByteTimeMs, rc.ConcurrentRequests, time.Now().UTC(),
	); err != nil {
		return err
	}
	return batch.Send()
}

func (c *ClickHouseStore) CreateCandidate(ctx context.Context, rc *model.RequestCandidate) error {
	return c.insertCandidate(ctx, rc)
}

func (c *ClickHouseStore) UpdateCandidate(ctx context.Context, rc *model.RequestCandidate) error {
	return c.insertCandidate(ctx, rc)
}

// CandidatesByRequestID reads back the latest row per
// (candidate_index, retry_index) for a request, using argMax over
// updated_at in place of a relational UPDATE.
func (c *ClickHouseStore) CandidatesByRequestID(ctx context.Context, requestID string) ([]*model.RequestCandidate, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT
			argMax(id, updated_at), request_id, candidate_index, retry_index,
			argMax(provider_id, updated_at), argMax(endpoint_id, updated_at), argMax(key_id, updated_at),
			argMax(status, updated_at), argMax(skip_reason, updated_at),
			argMax(error_type, updated_at), argMax(error_message, updated_at),
			argMax(status_code, updated_at), argMax(latency_ms, updated_at),
			argMax(first_byte_time_ms, updated_at), argMax(concurrent_requests, updated_at)
		FROM request_candidate
		WHERE request_id = ?
		GROUP BY request_id, candidate_index, retry_index
		ORDER BY candidate_index, retry_index
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RequestCandidate
	for rows.Next() {
		var rc model.RequestCandidate
		var status string
		if err := rows.Scan(
			&rc.ID, &rc.RequestID, &rc.CandidateIndex, &rc.RetryIndex,
			&rc.ProviderID, &rc.EndpointID, &rc.KeyID,
			&status, &rc.SkipReason, &rc.ErrorType, &rc.ErrorMessage,
			&rc.StatusCode, &rc.LatencyMs, &rc.FirstByteTimeMs, &rc.ConcurrentRequests,
		); err != nil {
			return nil, err
		}
		rc.Status = model.CandidateStatus(status)
		out = append(out, &rc)
	}
	return out, rows.Err()
}

// FlushAll sends any batched writers concurrently — exposed for a
// caller that accumulates several PrepareBatch calls itself and wants
// them flushed in parallel rather than serially; the Service above
// does not need it since it sends each batch immediately, but a bulk
// backfill job does.
func FlushAll(ctx context.Context, batches ...driver.Batch) error {
	g, _ := errgroup.WithContext(ctx)
	for _, b := range batches {
		b := b
		g.Go(func() error { return b.Send() })
	}
	return g.Wait()
}
