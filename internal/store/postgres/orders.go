package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantforge/exec-core/pkg/types"
)

// OrderStore persists Orders, one row per dispatched leg, keyed to its
// owning ExecutionRun.
type OrderStore struct{ pool *pgxpool.Pool }

func NewOrderStore(pool *pgxpool.Pool) *OrderStore { return &OrderStore{pool: pool} }

func (s *OrderStore) Create(ctx context.Context, o types.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders
			(id, run_id, account_id, strategy_id, broker_order_id, symbol, side, qty, order_type,
			 price, take_profit, stop_loss, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, o.RunID, o.AccountID, o.StrategyID, o.BrokerOrderID, o.Symbol, string(o.Side), o.Qty,
		string(o.OrderType), o.Price, o.TakeProfit, o.StopLoss, string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

func (s *OrderStore) Get(ctx context.Context, id types.ID) (types.Order, error) {
	var o types.Order
	var side, orderType, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, account_id, strategy_id, broker_order_id, symbol, side, qty, order_type,
			price, take_profit, stop_loss, status, created_at, updated_at
		FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.RunID, &o.AccountID, &o.StrategyID, &o.BrokerOrderID, &o.Symbol, &side, &o.Qty,
		&orderType, &o.Price, &o.TakeProfit, &o.StopLoss, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return types.Order{}, mapNoRows(err)
	}
	o.Side, o.OrderType, o.Status = types.OrderSide(side), types.IntentOrderType(orderType), types.OrderStatus(status)
	return o, nil
}

// ListByRun returns every Order dispatched for one ExecutionRun, for the
// `GET /execution-groups/{id}/orders`-adjacent order history endpoints.
func (s *OrderStore) ListByRun(ctx context.Context, runID types.ID) ([]types.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, account_id, strategy_id, broker_order_id, symbol, side, qty, order_type,
			price, take_profit, stop_loss, status, created_at, updated_at
		FROM orders WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var side, orderType, status string
		if err := rows.Scan(&o.ID, &o.RunID, &o.AccountID, &o.StrategyID, &o.BrokerOrderID, &o.Symbol, &side,
			&o.Qty, &orderType, &o.Price, &o.TakeProfit, &o.StopLoss, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Side, o.OrderType, o.Status = types.OrderSide(side), types.IntentOrderType(orderType), types.OrderStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListByUser returns a user's most recent orders across every run, newest
// first, for `GET /orders`.
func (s *OrderStore) ListByUser(ctx context.Context, userID types.ID, limit int) ([]types.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.run_id, o.account_id, o.strategy_id, o.broker_order_id, o.symbol, o.side, o.qty,
			o.order_type, o.price, o.take_profit, o.stop_loss, o.status, o.created_at, o.updated_at
		FROM orders o
		JOIN execution_runs r ON r.id = o.run_id
		WHERE r.user_id = $1
		ORDER BY o.created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var side, orderType, status string
		if err := rows.Scan(&o.ID, &o.RunID, &o.AccountID, &o.StrategyID, &o.BrokerOrderID, &o.Symbol, &side,
			&o.Qty, &orderType, &o.Price, &o.TakeProfit, &o.StopLoss, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Side, o.OrderType, o.Status = types.OrderSide(side), types.IntentOrderType(orderType), types.OrderStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

// TradeStore persists Trades, one row per realised fill, linked to its
// owning Order.
type TradeStore struct{ pool *pgxpool.Pool }

func NewTradeStore(pool *pgxpool.Pool) *TradeStore { return &TradeStore{pool: pool} }

func (s *TradeStore) Create(ctx context.Context, t types.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, order_id, account_id, symbol, side, qty, price, realized_pnl, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.OrderID, t.AccountID, t.Symbol, string(t.Side), t.Qty, t.Price, t.RealizedPnL, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("postgres: create trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByRun returns every Trade realised under one ExecutionRun, joining
// through its Orders. This is the Analytics Aggregator's source of truth
// for realised PnL (spec §6's daily-pnl export).
func (s *TradeStore) ListByRun(ctx context.Context, runID types.ID) ([]types.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.order_id, t.account_id, t.symbol, t.side, t.qty, t.price, t.realized_pnl, t.executed_at
		FROM trades t
		JOIN orders o ON o.id = t.order_id
		WHERE o.run_id = $1
		ORDER BY t.executed_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.AccountID, &t.Symbol, &side, &t.Qty, &t.Price, &t.RealizedPnL, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side = types.OrderSide(side)
		out = append(out, t)
	}
	return out, rows.Err()
}
