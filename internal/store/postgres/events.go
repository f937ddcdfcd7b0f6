package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantforge/exec-core/internal/eventstore"
	"github.com/quantforge/exec-core/pkg/types"
)

// EventStore is the durable implementation of eventstore.Store: every
// append gets both its run-scoped Sequence (assigned by the Orchestrator)
// and a database-assigned global_seq, so ListSince can offer a genuine
// cross-run cursor that eventstore.MemStore cannot.
type EventStore struct{ pool *pgxpool.Pool }

func NewEventStore(pool *pgxpool.Pool) *EventStore { return &EventStore{pool: pool} }

var _ eventstore.Store = (*EventStore)(nil)

func (s *EventStore) Append(ctx context.Context, ev types.ExecutionEvent) error {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal event metadata for run %s: %w", ev.RunID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_events
			(run_id, sequence, account_id, order_id, status, requested_at, completed_at, latency_ms, message, metadata, simulated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.RunID, ev.Sequence, ev.AccountID, ev.OrderID, string(ev.Status), ev.RequestedAt,
		ev.CompletedAt, ev.LatencyMs, ev.Message, metadata, ev.Simulated)
	if err != nil {
		return fmt.Errorf("postgres: append event run=%s seq=%d: %w", ev.RunID, ev.Sequence, err)
	}
	return nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (types.ExecutionEvent, error) {
	var ev types.ExecutionEvent
	var status string
	var metadata []byte
	if err := scanner.Scan(&ev.RunID, &ev.Sequence, &ev.AccountID, &ev.OrderID, &status,
		&ev.RequestedAt, &ev.CompletedAt, &ev.LatencyMs, &ev.Message, &metadata, &ev.Simulated); err != nil {
		return types.ExecutionEvent{}, err
	}
	ev.Status = types.LegStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return types.ExecutionEvent{}, err
		}
	}
	return ev, nil
}

const eventCols = `run_id, sequence, account_id, order_id, status, requested_at, completed_at, latency_ms, message, metadata, simulated`

func (s *EventStore) ListByRun(ctx context.Context, runID types.ID) ([]types.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventCols+` FROM execution_events WHERE run_id = $1 ORDER BY sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []types.ExecutionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, eventstore.ErrNotFound
	}
	return out, nil
}

// ListSince returns up to limit events with global_seq greater than the one
// recorded for `since`'s own append, ordered by global_seq; this backs the
// Analytics Aggregator's incremental sweep over the whole event log.
func (s *EventStore) ListSince(ctx context.Context, since types.ID, limit int) ([]types.ExecutionEvent, error) {
	var cursor int64
	if since != (types.ID{}) {
		if err := s.pool.QueryRow(ctx,
			`SELECT global_seq FROM execution_events WHERE run_id = $1 ORDER BY global_seq LIMIT 1`, since,
		).Scan(&cursor); err != nil {
			return nil, mapNoRows(err)
		}
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventCols+` FROM execution_events WHERE global_seq > $1 ORDER BY global_seq LIMIT $2`,
		cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events since %s: %w", since, err)
	}
	defer rows.Close()

	var out []types.ExecutionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
