package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantforge/exec-core/pkg/types"
)

// RmsConfigStore persists per-user RmsConfig rows and implements
// rms.ConfigStore so the Gate can resolve limits without the caller
// threading a config through every call.
type RmsConfigStore struct{ pool *pgxpool.Pool }

func NewRmsConfigStore(pool *pgxpool.Pool) *RmsConfigStore { return &RmsConfigStore{pool: pool} }

const rmsConfigCols = `user_id, max_daily_loss, max_daily_lots, max_lots_per_order, exposure_limit,
	margin_buffer_pct, profit_lock, trailing_sl, drawdown_limit, auto_square_off_enabled,
	auto_square_off_buffer_pct, notify_email, notify_telegram`

func (s *RmsConfigStore) Get(ctx context.Context, userID types.ID) (types.RmsConfig, error) {
	var c types.RmsConfig
	var profitLock, drawdownLimit *decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT `+rmsConfigCols+` FROM rms_configs WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.MaxDailyLoss, &c.MaxDailyLots, &c.MaxLotsPerOrder, &c.ExposureLimit,
		&c.MarginBufferPct, &profitLock, &c.TrailingSL, &drawdownLimit, &c.AutoSquareOffEnabled,
		&c.AutoSquareOffBufferPct, &c.NotifyEmail, &c.NotifyTelegram)
	if err != nil {
		return types.RmsConfig{}, mapNoRows(err)
	}
	c.ProfitLock = profitLock
	c.DrawdownLimit = drawdownLimit
	return c, nil
}

// Upsert creates or replaces a user's RmsConfig; called from the
// configuration API handler, never from the hot trading path.
func (s *RmsConfigStore) Upsert(ctx context.Context, c types.RmsConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rms_configs (`+rmsConfigCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (user_id) DO UPDATE SET
			max_daily_loss = EXCLUDED.max_daily_loss,
			max_daily_lots = EXCLUDED.max_daily_lots,
			max_lots_per_order = EXCLUDED.max_lots_per_order,
			exposure_limit = EXCLUDED.exposure_limit,
			margin_buffer_pct = EXCLUDED.margin_buffer_pct,
			profit_lock = EXCLUDED.profit_lock,
			trailing_sl = EXCLUDED.trailing_sl,
			drawdown_limit = EXCLUDED.drawdown_limit,
			auto_square_off_enabled = EXCLUDED.auto_square_off_enabled,
			auto_square_off_buffer_pct = EXCLUDED.auto_square_off_buffer_pct,
			notify_email = EXCLUDED.notify_email,
			notify_telegram = EXCLUDED.notify_telegram`,
		c.UserID, c.MaxDailyLoss, c.MaxDailyLots, c.MaxLotsPerOrder, c.ExposureLimit,
		c.MarginBufferPct, c.ProfitLock, c.TrailingSL, c.DrawdownLimit, c.AutoSquareOffEnabled,
		c.AutoSquareOffBufferPct, c.NotifyEmail, c.NotifyTelegram)
	if err != nil {
		return fmt.Errorf("postgres: upsert rms config %s: %w", c.UserID, err)
	}
	return nil
}
