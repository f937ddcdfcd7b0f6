// Package rms is the RMS Gate of spec §4.4, generalizing the teacher's
// RiskManager (internal/execution/risk_manager.go) from a single-account
// daily-loss/exposure gate keyed by one global mutex into the per-user,
// per-trading-day gate this spec requires: dailyTrades/totalExposure/dailyPnL
// become lots_today/open_notional/realized_pnl_today, and the teacher's
// single sync.RWMutex becomes one sync.Mutex per user (spec §9: "two
// orthogonal lock domains; do not conflate").
package rms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

// AuditEvent is one record of an RMS decision, for the audit log named in
// §9 of the expanded spec.
type AuditEvent struct {
	UserID    types.ID
	Rule      string
	Message   string
	At        time.Time
}

// ConfigStore resolves a user's RmsConfig; callers are expected to cache or
// back this with Postgres.
type ConfigStore interface {
	Get(ctx context.Context, userID types.ID) (types.RmsConfig, error)
}

// MarginProvider resolves the current available margin for an account,
// typically backed by broker.SessionManager.Margin.
type MarginProvider interface {
	AvailableMargin(ctx context.Context, accountID types.ID) (decimal.Decimal, error)
}

// LegRequest is one prospective leg presented to the pre-trade gate.
type LegRequest struct {
	UserID    types.ID
	AccountID types.ID
	Lots      int
	LotSize   int
	RefPrice  decimal.Decimal
}

// Reservation is returned on acceptance; callers must pass it exactly once
// to Release (leg rejected or errored) or Settle (leg accepted or filled).
type Reservation struct {
	UserID   types.ID
	Lots     int
	Notional decimal.Decimal
	day      string
}

// userCounters pairs one user's mutable RmsCounters with its own lock, so
// distinct users never contend (spec §5).
type userCounters struct {
	mu       sync.Mutex
	counters map[string]*types.RmsCounters // keyed by trading_day
}

// Gate is the RMS Gate: pre-trade guardrails plus the periodic enforcement
// sweep, both described in spec §4.4.
type Gate struct {
	logger  *zap.Logger
	cfgs    ConfigStore
	margin  MarginProvider
	timezone *time.Location

	mu    sync.Mutex
	users map[types.ID]*userCounters

	auditMu sync.Mutex
	audit   []AuditEvent
}

// LoadTimezone parses a config.Config.ExchangeTimezone value into a
// *time.Location, falling back to Asia/Kolkata (spec §9's resolved default)
// on an empty name.
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" {
		name = "Asia/Kolkata"
	}
	return time.LoadLocation(name)
}

// New builds a Gate. tz is the exchange timezone used for the trading-day
// boundary (spec §9 open question; default Asia/Kolkata per config).
func New(logger *zap.Logger, cfgs ConfigStore, margin MarginProvider, tz *time.Location) *Gate {
	return &Gate{
		logger:   logger.Named("rms"),
		cfgs:     cfgs,
		margin:   margin,
		timezone: tz,
		users:    make(map[types.ID]*userCounters),
	}
}

func (g *Gate) userLock(userID types.ID) *userCounters {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[userID]
	if !ok {
		u = &userCounters{counters: make(map[string]*types.RmsCounters)}
		g.users[userID] = u
	}
	return u
}

func (g *Gate) tradingDay(at time.Time) string {
	return at.In(g.timezone).Format("2006-01-02")
}

// countersLocked returns (creating if absent) the counters row for today.
// Caller must hold u.mu.
func (u *userCounters) countersLocked(userID types.ID, day string) *types.RmsCounters {
	c, ok := u.counters[day]
	if !ok {
		c = &types.RmsCounters{UserID: userID, TradingDay: day}
		u.counters[day] = c
	}
	return c
}

func (g *Gate) recordAudit(userID types.ID, rule, message string) {
	g.auditMu.Lock()
	g.audit = append(g.audit, AuditEvent{UserID: userID, Rule: rule, Message: message, At: time.Now()})
	g.auditMu.Unlock()
	g.logger.Info("rms audit", zap.String("user", userID.String()), zap.String("rule", rule), zap.String("message", message))
}

// AuditLog returns a snapshot of recorded audit events.
func (g *Gate) AuditLog() []AuditEvent {
	g.auditMu.Lock()
	defer g.auditMu.Unlock()
	out := make([]AuditEvent, len(g.audit))
	copy(out, g.audit)
	return out
}

// PreTrade runs the pre-trade checks of spec §4.4 under the per-user
// counter lock and, on acceptance, reserves lots/notional. Margin lookup
// happens before the lock is taken (broker I/O must stay outside the lock
// per spec §4.4's rationale).
func (g *Gate) PreTrade(ctx context.Context, req LegRequest, cfg types.RmsConfig) (*Reservation, *rmscore.Error) {
	notional := decimal.NewFromInt(int64(req.Lots * req.LotSize)).Mul(req.RefPrice)

	var available decimal.Decimal
	if g.margin != nil {
		var err error
		available, err = g.margin.AvailableMargin(ctx, req.AccountID)
		if err != nil {
			return nil, rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "margin lookup failed", err)
		}
	}

	u := g.userLock(req.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()

	day := g.tradingDay(time.Now())
	c := u.countersLocked(req.UserID, day)

	if cfg.MaxLotsPerOrder > 0 && req.Lots > cfg.MaxLotsPerOrder {
		g.recordAudit(req.UserID, "max_lots_per_order", fmt.Sprintf("leg lots %d exceeds max_lots_per_order %d", req.Lots, cfg.MaxLotsPerOrder))
		return nil, rmscore.New(rmscore.KindRMS, rmscore.CodeRMSMaxLots, "order lots exceed max_lots_per_order")
	}
	if cfg.MaxDailyLots > 0 && c.LotsToday+req.Lots > cfg.MaxDailyLots {
		g.recordAudit(req.UserID, "max_daily_lots", fmt.Sprintf("lots_today=%d +leg=%d exceeds max_daily_lots=%d", c.LotsToday, req.Lots, cfg.MaxDailyLots))
		return nil, rmscore.New(rmscore.KindRMS, rmscore.CodeRMSMaxLots, "would exceed max_daily_lots")
	}
	if !cfg.ExposureLimit.IsZero() && c.OpenNotional.Add(notional).GreaterThan(cfg.ExposureLimit) {
		g.recordAudit(req.UserID, "exposure_limit", fmt.Sprintf("open_notional=%s +leg=%s exceeds exposure_limit=%s", c.OpenNotional, notional, cfg.ExposureLimit))
		return nil, rmscore.New(rmscore.KindRMS, rmscore.CodeRMSExposure, "would exceed exposure_limit")
	}
	if g.margin != nil {
		required := notional.Mul(decimal.NewFromInt(1).Add(cfg.MarginBufferPct))
		if available.LessThan(required) {
			g.recordAudit(req.UserID, "margin", fmt.Sprintf("available=%s required=%s", available, required))
			return nil, rmscore.New(rmscore.KindRMS, rmscore.CodeRMSMargin, "insufficient margin")
		}
	}
	if !cfg.MaxDailyLoss.IsZero() && c.RealizedPnLToday.LessThanOrEqual(cfg.MaxDailyLoss.Neg()) {
		g.recordAudit(req.UserID, "max_daily_loss", "daily loss limit already tripped")
		return nil, rmscore.New(rmscore.KindRMS, rmscore.CodeRMSMaxLoss, "daily loss limit already tripped")
	}

	c.LotsToday += req.Lots
	c.OpenNotional = c.OpenNotional.Add(notional)
	c.ReservedLots += req.Lots
	c.ReservedNotional = c.ReservedNotional.Add(notional)

	return &Reservation{UserID: req.UserID, Lots: req.Lots, Notional: notional, day: day}, nil
}

// Release returns a reservation's lots/notional to the pool. Called when a
// leg that was accepted ends in rejected/error (accepted→filled keeps the
// reservation, per spec §4.4); filled legs instead call Settle.
func (g *Gate) Release(r *Reservation) {
	if r == nil {
		return
	}
	u := g.userLock(r.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.countersLocked(r.UserID, r.day)
	c.LotsToday -= r.Lots
	c.OpenNotional = c.OpenNotional.Sub(r.Notional)
	c.ReservedLots -= r.Lots
	c.ReservedNotional = c.ReservedNotional.Sub(r.Notional)
}

// Settle records a leg's realised PnL against the daily counter and clears
// its reservation bookkeeping (notional moves from reserved to realised).
func (g *Gate) Settle(r *Reservation, realizedPnL decimal.Decimal) {
	if r == nil {
		return
	}
	u := g.userLock(r.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.countersLocked(r.UserID, r.day)
	c.RealizedPnLToday = c.RealizedPnLToday.Add(realizedPnL)
	if c.RealizedPnLToday.GreaterThan(c.SessionPeakPnL) {
		c.SessionPeakPnL = c.RealizedPnLToday
	}
	c.ReservedLots -= r.Lots
	c.ReservedNotional = c.ReservedNotional.Sub(r.Notional)
}

// Snapshot returns a copy of today's counters for a user, for the
// /rms/status endpoint.
func (g *Gate) Snapshot(userID types.ID) types.RmsCounters {
	u := g.userLock(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	day := g.tradingDay(time.Now())
	c := u.countersLocked(userID, day)
	return *c
}

// SquareOffFunc closes all open positions for a user; supplied by the
// orchestrator/broker layer so the Gate itself never talks to an adapter.
type SquareOffFunc func(ctx context.Context, userID types.ID) error

// EnforcementAction is one outcome of a sweep, for audit and for the
// /rms/enforce endpoint's response.
type EnforcementAction struct {
	Rule    string
	Message string
}

// Enforce runs the in-trade / enforcement sweep of spec §4.4 for one user.
func (g *Gate) Enforce(ctx context.Context, userID types.ID, cfg types.RmsConfig, squareOff SquareOffFunc) ([]EnforcementAction, error) {
	u := g.userLock(userID)
	u.mu.Lock()
	day := g.tradingDay(time.Now())
	c := u.countersLocked(userID, day)
	snapshot := *c
	u.mu.Unlock()

	var actions []EnforcementAction

	if !cfg.MaxDailyLoss.IsZero() && snapshot.RealizedPnLToday.LessThanOrEqual(cfg.MaxDailyLoss.Neg()) && cfg.AutoSquareOffEnabled {
		if squareOff != nil {
			if err := squareOff(ctx, userID); err != nil {
				return actions, fmt.Errorf("rms: square-off on max_daily_loss: %w", err)
			}
		}
		g.recordAudit(userID, "max_daily_loss_squareoff", fmt.Sprintf("realized_pnl=%s", snapshot.RealizedPnLToday))
		actions = append(actions, EnforcementAction{Rule: "max_daily_loss", Message: "square-off triggered"})
	}

	if cfg.ProfitLock != nil && snapshot.RealizedPnLToday.GreaterThanOrEqual(*cfg.ProfitLock) {
		g.recordAudit(userID, "profit_lock", fmt.Sprintf("realized_pnl=%s >= profit_lock=%s; trailing_sl tightened", snapshot.RealizedPnLToday, *cfg.ProfitLock))
		actions = append(actions, EnforcementAction{Rule: "profit_lock", Message: "trailing_sl tightened"})
	}

	if cfg.DrawdownLimit != nil {
		drawdown := snapshot.SessionPeakPnL.Sub(snapshot.RealizedPnLToday)
		if drawdown.GreaterThanOrEqual(*cfg.DrawdownLimit) {
			if squareOff != nil {
				if err := squareOff(ctx, userID); err != nil {
					return actions, fmt.Errorf("rms: square-off on drawdown_limit: %w", err)
				}
			}
			g.recordAudit(userID, "drawdown_limit", fmt.Sprintf("drawdown=%s >= limit=%s", drawdown, *cfg.DrawdownLimit))
			actions = append(actions, EnforcementAction{Rule: "drawdown_limit", Message: "square-off triggered"})
		}
	}

	return actions, nil
}
