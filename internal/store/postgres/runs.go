package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantforge/exec-core/pkg/types"
)

// RunStore persists ExecutionRun headers. Legs are not stored here; they
// live in the Event Store as an append-only log keyed by run id.
type RunStore struct{ pool *pgxpool.Pool }

func NewRunStore(pool *pgxpool.Pool) *RunStore { return &RunStore{pool: pool} }

// Create inserts a run's initial (pending) row, before the Orchestrator has
// planned or gated anything.
func (s *RunStore) Create(ctx context.Context, r types.ExecutionRun) error {
	intent, err := json.Marshal(r.Intent)
	if err != nil {
		return fmt.Errorf("postgres: marshal intent for run %s: %w", r.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_runs (id, user_id, group_id, strategy_run_id, requested_at, status, intent)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.UserID, r.GroupID, r.StrategyRunID, r.RequestedAt, string(r.Status), intent)
	if err != nil {
		return fmt.Errorf("postgres: create execution run %s: %w", r.ID, err)
	}
	return nil
}

// Save persists a run's terminal (or intermediate) state: status,
// allocation, latency aggregate and failure code. Called once per state
// machine transition by the Orchestrator's caller, not by the Orchestrator
// itself (it operates on an in-memory types.ExecutionRun value).
func (s *RunStore) Save(ctx context.Context, r types.ExecutionRun) error {
	allocation, err := json.Marshal(r.Allocation)
	if err != nil {
		return fmt.Errorf("postgres: marshal allocation for run %s: %w", r.ID, err)
	}
	var latency []byte
	if r.Latency != nil {
		if latency, err = json.Marshal(r.Latency); err != nil {
			return fmt.Errorf("postgres: marshal latency for run %s: %w", r.ID, err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE execution_runs SET
			status = $1, allocation = $2, latency = $3, failure_code = $4, completed_at = $5
		WHERE id = $6`,
		string(r.Status), allocation, latency, r.FailureCode, r.CompletedAt, r.ID)
	if err != nil {
		return fmt.Errorf("postgres: save execution run %s: %w", r.ID, err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, id types.ID) (types.ExecutionRun, error) {
	var r types.ExecutionRun
	var status string
	var intentRaw, allocationRaw, latencyRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, group_id, strategy_run_id, requested_at, completed_at, status, intent, allocation, latency, failure_code
		FROM execution_runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.UserID, &r.GroupID, &r.StrategyRunID, &r.RequestedAt, &r.CompletedAt,
		&status, &intentRaw, &allocationRaw, &latencyRaw, &r.FailureCode)
	if err != nil {
		return types.ExecutionRun{}, mapNoRows(err)
	}
	r.Status = types.RunStatus(status)
	if len(intentRaw) > 0 {
		if err := json.Unmarshal(intentRaw, &r.Intent); err != nil {
			return types.ExecutionRun{}, fmt.Errorf("postgres: unmarshal intent for run %s: %w", id, err)
		}
	}
	if len(allocationRaw) > 0 {
		if err := json.Unmarshal(allocationRaw, &r.Allocation); err != nil {
			return types.ExecutionRun{}, fmt.Errorf("postgres: unmarshal allocation for run %s: %w", id, err)
		}
	}
	if len(latencyRaw) > 0 {
		r.Latency = &types.LatencyAggregate{}
		if err := json.Unmarshal(latencyRaw, r.Latency); err != nil {
			return types.ExecutionRun{}, fmt.Errorf("postgres: unmarshal latency for run %s: %w", id, err)
		}
	}
	return r, nil
}

// ListByGroup returns an ExecutionGroup's runs, newest first, for `GET
// /execution-groups/{id}/runs`.
func (s *RunStore) ListByGroup(ctx context.Context, groupID types.ID, limit int) ([]types.ExecutionRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, group_id, strategy_run_id, requested_at, completed_at, status, intent, allocation, latency, failure_code
		FROM execution_runs WHERE group_id = $1 ORDER BY requested_at DESC LIMIT $2`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []types.ExecutionRun
	for rows.Next() {
		var r types.ExecutionRun
		var status string
		var intentRaw, allocationRaw, latencyRaw []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.GroupID, &r.StrategyRunID, &r.RequestedAt, &r.CompletedAt,
			&status, &intentRaw, &allocationRaw, &latencyRaw, &r.FailureCode); err != nil {
			return nil, err
		}
		r.Status = types.RunStatus(status)
		_ = json.Unmarshal(intentRaw, &r.Intent)
		_ = json.Unmarshal(allocationRaw, &r.Allocation)
		if len(latencyRaw) > 0 {
			r.Latency = &types.LatencyAggregate{}
			_ = json.Unmarshal(latencyRaw, r.Latency)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListByUser returns a user's most recent runs, newest first, for the
// history API endpoint.
func (s *RunStore) ListByUser(ctx context.Context, userID types.ID, limit int) ([]types.ExecutionRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, group_id, strategy_run_id, requested_at, completed_at, status, intent, allocation, latency, failure_code
		FROM execution_runs WHERE user_id = $1 ORDER BY requested_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []types.ExecutionRun
	for rows.Next() {
		var r types.ExecutionRun
		var status string
		var intentRaw, allocationRaw, latencyRaw []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.GroupID, &r.StrategyRunID, &r.RequestedAt, &r.CompletedAt,
			&status, &intentRaw, &allocationRaw, &latencyRaw, &r.FailureCode); err != nil {
			return nil, err
		}
		r.Status = types.RunStatus(status)
		_ = json.Unmarshal(intentRaw, &r.Intent)
		_ = json.Unmarshal(allocationRaw, &r.Allocation)
		if len(latencyRaw) > 0 {
			r.Latency = &types.LatencyAggregate{}
			_ = json.Unmarshal(latencyRaw, r.Latency)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
