package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantforge/exec-core/pkg/types"
)

// StrategyStore persists Strategy definitions.
type StrategyStore struct{ pool *pgxpool.Pool }

func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore { return &StrategyStore{pool: pool} }

func (s *StrategyStore) Create(ctx context.Context, st types.Strategy) error {
	params, err := json.Marshal(st.Params)
	if err != nil {
		return fmt.Errorf("postgres: marshal params for strategy %s: %w", st.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO strategies (id, user_id, name, type, params, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		st.ID, st.UserID, st.Name, string(st.Type), params, string(st.Status), st.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create strategy %s: %w", st.ID, err)
	}
	return nil
}

func (s *StrategyStore) Get(ctx context.Context, id types.ID) (types.Strategy, error) {
	var st types.Strategy
	var typ, status string
	var params []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, type, params, status, created_at FROM strategies WHERE id = $1`, id,
	).Scan(&st.ID, &st.UserID, &st.Name, &typ, &params, &status, &st.CreatedAt)
	if err != nil {
		return types.Strategy{}, mapNoRows(err)
	}
	st.Type = types.StrategyType(typ)
	st.Status = types.StrategyStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &st.Params); err != nil {
			return types.Strategy{}, fmt.Errorf("postgres: unmarshal params for strategy %s: %w", id, err)
		}
	}
	return st, nil
}

// ListByUser returns a user's Strategies, newest first, for `GET /strategies`.
func (s *StrategyStore) ListByUser(ctx context.Context, userID types.ID) ([]types.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, type, params, status, created_at FROM strategies
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []types.Strategy
	for rows.Next() {
		var st types.Strategy
		var typ, status string
		var params []byte
		if err := rows.Scan(&st.ID, &st.UserID, &st.Name, &typ, &params, &status, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Type, st.Status = types.StrategyType(typ), types.StrategyStatus(status)
		if len(params) > 0 {
			_ = json.Unmarshal(params, &st.Params)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetStatus flips a strategy between active and stopped, used by the
// Strategy Runner's circuit breaker to stop a Strategy that errors too often.
func (s *StrategyStore) SetStatus(ctx context.Context, id types.ID, status types.StrategyStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE strategies SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: set strategy status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StrategyRunStore persists StrategyRun rows, the join between a Strategy
// and the zero or more ExecutionRuns it produced.
type StrategyRunStore struct{ pool *pgxpool.Pool }

func NewStrategyRunStore(pool *pgxpool.Pool) *StrategyRunStore { return &StrategyRunStore{pool: pool} }

func (s *StrategyRunStore) Create(ctx context.Context, r types.StrategyRun) error {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("postgres: marshal metrics for strategy run %s: %w", r.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO strategy_runs (id, strategy_id, mode, status, started_at, finished_at, result_metrics)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.StrategyID, string(r.Mode), string(r.Status), r.StartedAt, r.FinishedAt, metrics)
	if err != nil {
		return fmt.Errorf("postgres: create strategy run %s: %w", r.ID, err)
	}
	return nil
}

// Finish records a StrategyRun's terminal status and accumulated metrics;
// called once the run's last ExecutionRun reaches a terminal status.
func (s *StrategyRunStore) Finish(ctx context.Context, id types.ID, status types.StrategyRunStatus, metrics types.StrategyRunMetrics) error {
	raw, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("postgres: marshal metrics for strategy run %s: %w", id, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE strategy_runs SET status = $1, result_metrics = $2, finished_at = NOW() WHERE id = $3`,
		string(status), raw, id)
	if err != nil {
		return fmt.Errorf("postgres: finish strategy run %s: %w", id, err)
	}
	return nil
}

// ListByStrategy returns a Strategy's StrategyRuns, newest first, for `GET
// /strategies/{id}/logs` and `/pnl`.
func (s *StrategyRunStore) ListByStrategy(ctx context.Context, strategyID types.ID) ([]types.StrategyRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, strategy_id, mode, status, started_at, finished_at, result_metrics
		 FROM strategy_runs WHERE strategy_id = $1 ORDER BY started_at DESC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategy runs for strategy %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []types.StrategyRun
	for rows.Next() {
		var r types.StrategyRun
		var mode, status string
		var metrics []byte
		if err := rows.Scan(&r.ID, &r.StrategyID, &mode, &status, &r.StartedAt, &r.FinishedAt, &metrics); err != nil {
			return nil, err
		}
		r.Mode, r.Status = types.RunMode(mode), types.StrategyRunStatus(status)
		if len(metrics) > 0 {
			_ = json.Unmarshal(metrics, &r.Metrics)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *StrategyRunStore) Get(ctx context.Context, id types.ID) (types.StrategyRun, error) {
	var r types.StrategyRun
	var mode, status string
	var metrics []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, strategy_id, mode, status, started_at, finished_at, result_metrics FROM strategy_runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.StrategyID, &mode, &status, &r.StartedAt, &r.FinishedAt, &metrics)
	if err != nil {
		return types.StrategyRun{}, mapNoRows(err)
	}
	r.Mode = types.RunMode(mode)
	r.Status = types.StrategyRunStatus(status)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &r.Metrics); err != nil {
			return types.StrategyRun{}, fmt.Errorf("postgres: unmarshal metrics for strategy run %s: %w", id, err)
		}
	}
	return r, nil
}

// ScheduledJobStore persists cron-triggered Strategy firings.
type ScheduledJobStore struct{ pool *pgxpool.Pool }

func NewScheduledJobStore(pool *pgxpool.Pool) *ScheduledJobStore { return &ScheduledJobStore{pool: pool} }

func (s *ScheduledJobStore) Create(ctx context.Context, j types.ScheduledJob) error {
	context, err := json.Marshal(j.Context)
	if err != nil {
		return fmt.Errorf("postgres: marshal context for job %s: %w", j.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scheduled_jobs (id, strategy_id, cron_expr, enabled, context) VALUES ($1,$2,$3,$4,$5)`,
		j.ID, j.StrategyID, j.CronExpr, j.Enabled, context)
	if err != nil {
		return fmt.Errorf("postgres: create scheduled job %s: %w", j.ID, err)
	}
	return nil
}

// ListEnabled returns every enabled job, loaded once at scheduler startup.
func (s *ScheduledJobStore) ListEnabled(ctx context.Context) ([]types.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, strategy_id, cron_expr, enabled, last_fired_at, context FROM scheduled_jobs WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled jobs: %w", err)
	}
	defer rows.Close()

	var out []types.ScheduledJob
	for rows.Next() {
		var j types.ScheduledJob
		var context []byte
		if err := rows.Scan(&j.ID, &j.StrategyID, &j.CronExpr, &j.Enabled, &j.LastFiredAt, &context); err != nil {
			return nil, err
		}
		if len(context) > 0 {
			_ = json.Unmarshal(context, &j.Context)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *ScheduledJobStore) MarkFired(ctx context.Context, id types.ID) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduled_jobs SET last_fired_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark job fired %s: %w", id, err)
	}
	return nil
}

// WebhookConnectorStore persists external webhook bindings. Token is
// stored as given and GetByToken matches it with plain SQL equality; no
// constant-time comparison is made here or in internal/webhook.
type WebhookConnectorStore struct{ pool *pgxpool.Pool }

func NewWebhookConnectorStore(pool *pgxpool.Pool) *WebhookConnectorStore {
	return &WebhookConnectorStore{pool: pool}
}

func (s *WebhookConnectorStore) Create(ctx context.Context, c types.WebhookConnector) error {
	transform, err := json.Marshal(c.Transform)
	if err != nil {
		return fmt.Errorf("postgres: marshal transform for webhook %s: %w", c.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO webhook_connectors (id, user_id, token, strategy_id, transform, enabled)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.UserID, c.Token, c.StrategyID, transform, c.Enabled)
	if err != nil {
		return fmt.Errorf("postgres: create webhook connector %s: %w", c.ID, err)
	}
	return nil
}

func (s *WebhookConnectorStore) Get(ctx context.Context, id types.ID) (types.WebhookConnector, error) {
	var c types.WebhookConnector
	var transform []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token, strategy_id, transform, enabled FROM webhook_connectors WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Token, &c.StrategyID, &transform, &c.Enabled)
	if err != nil {
		return types.WebhookConnector{}, mapNoRows(err)
	}
	if len(transform) > 0 {
		_ = json.Unmarshal(transform, &c.Transform)
	}
	return c, nil
}

// GetByToken resolves the connector whose Token matches the path segment a
// webhook delivery arrives on; the path segment IS the authentication
// material (spec §3), so lookup happens by token rather than by id.
func (s *WebhookConnectorStore) GetByToken(ctx context.Context, token string) (types.WebhookConnector, error) {
	var c types.WebhookConnector
	var transform []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token, strategy_id, transform, enabled FROM webhook_connectors WHERE token = $1`, token,
	).Scan(&c.ID, &c.UserID, &c.Token, &c.StrategyID, &transform, &c.Enabled)
	if err != nil {
		return types.WebhookConnector{}, mapNoRows(err)
	}
	if len(transform) > 0 {
		_ = json.Unmarshal(transform, &c.Transform)
	}
	return c, nil
}
