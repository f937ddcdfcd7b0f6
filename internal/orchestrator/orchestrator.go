// Package orchestrator drives the Execution Orchestrator of spec §4.5: the
// per-run state machine that turns a TradeIntent into dispatched broker
// orders. Grounded on the teacher's execution.Executor (logger, adapter
// map, risk manager, mutex-guarded state, metrics struct) and on
// internal/workers.Pool for bounded per-leg fan-out, with
// golang.org/x/sync/errgroup coordinating completion and first-error
// capture across the pool's goroutines.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantforge/exec-core/internal/allocation"
	"github.com/quantforge/exec-core/internal/broker"
	"github.com/quantforge/exec-core/internal/rms"
	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/internal/telemetry"
	"github.com/quantforge/exec-core/internal/workers"
	"github.com/quantforge/exec-core/pkg/types"
)

// AccountResolver resolves an Account to its owning BrokerLink, typically
// backed by internal/store/postgres.
type AccountResolver interface {
	Resolve(ctx context.Context, accountID types.ID) (types.BrokerLink, types.Account, error)
}

// EventSink persists one ExecutionEvent, typically backed by
// internal/eventstore.
type EventSink interface {
	Append(ctx context.Context, ev types.ExecutionEvent) error
}

// OrderSink persists the Order each dispatched leg produces and the Trade
// realised on a fill, typically backed by internal/store/postgres. This is
// what makes a leg's outcome visible to the Analytics Aggregator and to the
// `orders` array spec §6 requires back from the place-order endpoint.
type OrderSink interface {
	CreateOrder(ctx context.Context, o types.Order) error
	CreateTrade(ctx context.Context, t types.Trade) error
}

// Dependencies wires everything the state machine needs; every field is
// required except RunDeadline, which defaults to 30s per mode, and Metrics.
type Dependencies struct {
	Logger      *zap.Logger
	Gate        *rms.Gate
	RmsConfigs  rms.ConfigStore
	Accounts    AccountResolver
	Registry    *broker.Registry
	Sessions    *broker.SessionManager
	Events      EventSink
	Orders      OrderSink
	RunDeadline func(mode types.GroupMode) time.Duration
	// Metrics is optional; when set, finalised runs and RMS rejections are
	// recorded against it.
	Metrics *telemetry.Metrics
}

// Orchestrator runs ExecutionRuns through Planning -> Gating -> Dispatching
// -> Finalising (-> Rollback), one Run call per ExecutionRun.
type Orchestrator struct {
	deps Dependencies
}

// New builds an Orchestrator from its Dependencies.
func New(deps Dependencies) *Orchestrator {
	if deps.RunDeadline == nil {
		deps.RunDeadline = func(types.GroupMode) time.Duration { return 30 * time.Second }
	}
	return &Orchestrator{deps: deps}
}

// RunInput is everything Run needs beyond what lives on the ExecutionRun
// itself: the group's account mappings, its dispatch mode, and the
// sync-mode rollback toggle (spec §4.5's Rollback step; spec §9 open
// question resolved as "the run's overall per-mode deadline also bounds
// rollback, it is not a separate budget").
type RunInput struct {
	Mappings                []types.GroupAccountMapping
	Mode                    types.GroupMode
	RollbackOnPartial       bool
	StaggerDelay            time.Duration
	StaggerFailureThreshold int
}

// leg is the orchestrator's private bookkeeping for one allocated account,
// carrying its RMS reservation and dispatch outcome alongside the
// ExecutionEvent sequence it owns.
type leg struct {
	sequence      int
	accountID     types.ID
	lots          int
	status        types.LegStatus
	message       string
	code          rmscore.Code
	latencyNs     int64
	hasLatency    bool
	reservation   *rms.Reservation
	brokerOrderID string
	orderID       *types.ID
	realizedPnL   decimal.Decimal
}

// Run drives one ExecutionRun through the full state machine and returns it
// in its terminal (or Failed-at-Planning) state. Every leg transition is
// appended to Dependencies.Events as it happens.
func (o *Orchestrator) Run(ctx context.Context, run types.ExecutionRun, in RunInput) types.ExecutionRun {
	logger := o.deps.Logger.With(zap.String("run_id", run.ID.String()))

	// Planning.
	alloc, err := allocation.Plan(in.Mappings, run.Intent.TotalLots)
	if err != nil {
		return o.fail(run, err)
	}
	run.Allocation = alloc

	cfg, cerr := o.deps.RmsConfigs.Get(ctx, run.UserID)
	if cerr != nil {
		return o.fail(run, rmscore.Wrap(rmscore.KindInternal, rmscore.CodeNotFound, "rms config not found", cerr))
	}

	// Gating. Each leg's BrokerID/Quantity are resolved here too: Plan only
	// ever sees accounts and lots, so the allocation it returns carries
	// neither (spec §6's allocation array documents both alongside lots).
	legs := make([]*leg, 0, len(alloc.Legs))
	seq := 0
	for i := range alloc.Legs {
		al := &alloc.Legs[i]
		seq++
		l := &leg{sequence: seq, accountID: al.AccountID, lots: al.Lots}

		if link, _, rerr := o.deps.Accounts.Resolve(ctx, al.AccountID); rerr == nil {
			al.BrokerID = link.ID
		}
		al.Quantity = run.Intent.Quantity(al.Lots)

		refPrice := decimal.Zero
		if run.Intent.Price != nil {
			refPrice = *run.Intent.Price
		}
		reservation, rerr := o.deps.Gate.PreTrade(ctx, rms.LegRequest{
			UserID: run.UserID, AccountID: al.AccountID, Lots: al.Lots,
			LotSize: run.Intent.LotSize, RefPrice: refPrice,
		}, cfg)

		now := time.Now()
		ev := types.ExecutionEvent{RunID: run.ID, Sequence: seq, AccountID: al.AccountID, RequestedAt: now}
		if rerr != nil {
			l.status = types.LegRejected
			l.message = rerr.Message
			l.code = rerr.Code
			ev.Status = types.LegRejected
			ev.Message = rerr.Message
			ev.CompletedAt = &now
			if o.deps.Metrics != nil {
				o.deps.Metrics.RMSRejections.WithLabelValues(string(rerr.Code)).Inc()
			}
		} else {
			l.status = types.LegAccepted
			l.reservation = reservation
			ev.Status = types.LegRequested
		}
		o.append(ctx, ev, logger)
		legs = append(legs, l)
	}

	eligible := make([]*leg, 0, len(legs))
	for _, l := range legs {
		if l.status != types.LegRejected {
			eligible = append(eligible, l)
		}
	}
	if len(eligible) == 0 {
		return o.finalise(run, legs, logger, in.Mode)
	}

	// Dispatching.
	deadline := o.deps.RunDeadline(in.Mode)
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	switch in.Mode {
	case types.GroupModeSync:
		o.dispatchSync(dctx, run, eligible, logger)
	case types.GroupModeStaggered:
		o.dispatchStaggered(dctx, run, eligible, in.StaggerDelay, in.StaggerFailureThreshold, logger)
	default:
		o.dispatchParallel(dctx, run, eligible, logger)
	}

	result := o.finalise(run, legs, logger, in.Mode)

	// Rollback: sync mode only, opt-in, and only on a Partial outcome.
	if in.Mode == types.GroupModeSync && in.RollbackOnPartial && result.Status == types.RunPartial {
		o.rollback(dctx, result, eligible, logger)
		result.Status = types.RunRolledBack
	}

	return result
}

func (o *Orchestrator) append(ctx context.Context, ev types.ExecutionEvent, logger *zap.Logger) {
	if err := o.deps.Events.Append(ctx, ev); err != nil {
		logger.Error("failed to append execution event", zap.Int("sequence", ev.Sequence), zap.Error(err))
	}
}

func (o *Orchestrator) fail(run types.ExecutionRun, err error) types.ExecutionRun {
	now := time.Now()
	run.Status = types.RunFailed
	run.CompletedAt = &now
	if rerr, ok := err.(*rmscore.Error); ok {
		run.FailureCode = string(rerr.Code)
	} else {
		run.FailureCode = string(rmscore.CodeAllocationInvalid)
	}
	return run
}

// dispatchParallel fans every eligible leg out through a bounded pool,
// waiting up to the context deadline for all terminal events.
func (o *Orchestrator) dispatchParallel(ctx context.Context, run types.ExecutionRun, legs []*leg, logger *zap.Logger) {
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("dispatch-"+run.ID.String(), len(legs)))
	pool.Start()
	defer pool.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range legs {
		l := l
		g.Go(func() error {
			return pool.SubmitWait(workers.TaskFunc(func() error {
				o.dispatchLeg(gctx, run, l, logger)
				return nil
			}))
		})
	}
	_ = g.Wait()
}

// dispatchSync dispatches legs strictly in allocation order; the first
// error/rejected outcome skips every remaining leg as cancelled_before_send.
func (o *Orchestrator) dispatchSync(ctx context.Context, run types.ExecutionRun, legs []*leg, logger *zap.Logger) {
	abort := false
	for _, l := range legs {
		if abort || ctx.Err() != nil {
			o.cancelBeforeSend(ctx, run, l, logger)
			continue
		}
		o.dispatchLeg(ctx, run, l, logger)
		if l.status == types.LegError || l.status == types.LegRejected {
			abort = true
		}
	}
}

// dispatchStaggered releases legs on a fixed inter-leg delay; once
// cumulative failures reach the configured threshold, later legs are
// cancelled instead of dispatched.
func (o *Orchestrator) dispatchStaggered(ctx context.Context, run types.ExecutionRun, legs []*leg, delay time.Duration, failureThreshold int, logger *zap.Logger) {
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("dispatch-"+run.ID.String(), len(legs)))
	pool.Start()
	defer pool.Stop()

	g, gctx := errgroup.WithContext(ctx)
	var failures int

	for i, l := range legs {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		if (failureThreshold > 0 && failures >= failureThreshold) || ctx.Err() != nil {
			o.cancelBeforeSend(ctx, run, l, logger)
			continue
		}
		l := l
		g.Go(func() error {
			return pool.SubmitWait(workers.TaskFunc(func() error {
				o.dispatchLeg(gctx, run, l, logger)
				if l.status == types.LegError || l.status == types.LegRejected {
					failures++
				}
				return nil
			}))
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) cancelBeforeSend(ctx context.Context, run types.ExecutionRun, l *leg, logger *zap.Logger) {
	l.status = types.LegCancelledBeforeSend
	o.deps.Gate.Release(l.reservation)
	now := time.Now()
	o.append(ctx, types.ExecutionEvent{
		RunID: run.ID, Sequence: l.sequence, AccountID: l.accountID,
		Status: types.LegCancelledBeforeSend, RequestedAt: now, CompletedAt: &now,
		Message: "skipped after an earlier leg failed",
	}, logger)
}

// dispatchLeg resolves the leg's account/adapter and places the order
// through the session manager, recording the terminal ExecutionEvent.
func (o *Orchestrator) dispatchLeg(ctx context.Context, run types.ExecutionRun, l *leg, logger *zap.Logger) {
	if ctx.Err() != nil {
		o.cancelBeforeSend(ctx, run, l, logger)
		return
	}

	requestedAt := time.Now()
	link, _, err := o.deps.Accounts.Resolve(ctx, l.accountID)
	if err != nil {
		o.recordDispatchFailure(ctx, run, l, requestedAt, err, logger)
		return
	}
	adapter, err := o.deps.Registry.New(link.BrokerKind)
	if err != nil {
		o.recordDispatchFailure(ctx, run, l, requestedAt, err, logger)
		return
	}

	intent := run.Intent
	oi := broker.OrderIntent{
		AccountID: l.accountID, Symbol: intent.Symbol, Side: intent.Side,
		Qty: intent.Quantity(l.lots), OrderType: intent.OrderType,
		Price: intent.Price, TakeProfit: intent.TakeProfit, StopLoss: intent.StopLoss,
	}

	res, err := o.deps.Sessions.Place(ctx, adapter, link, oi)
	completedAt := time.Now()
	latencyNs := completedAt.Sub(requestedAt).Nanoseconds()
	latencyMs := float64(latencyNs) / 1e6

	if err != nil {
		o.deps.Gate.Release(l.reservation)
		status := types.LegError
		if rerr, ok := err.(*rmscore.Error); ok && rerr.Kind == rmscore.KindBrokerReject {
			status = types.LegRejected
		}
		l.status = status
		l.message = err.Error()
		l.code = failureCode(err)
		l.latencyNs, l.hasLatency = latencyNs, true
		o.append(ctx, types.ExecutionEvent{
			RunID: run.ID, Sequence: l.sequence, AccountID: l.accountID, Status: status,
			RequestedAt: requestedAt, CompletedAt: &completedAt, LatencyMs: &latencyMs, Message: err.Error(),
		}, logger)
		return
	}

	l.brokerOrderID = res.BrokerOrderID
	l.latencyNs, l.hasLatency = latencyNs, true
	if res.Status == types.OrderStatusFilled {
		l.status = types.LegFilled
	} else {
		l.status = types.LegAccepted
	}

	order := types.Order{
		ID: types.NewID(), RunID: run.ID, AccountID: l.accountID, StrategyID: run.Intent.StrategyID,
		BrokerOrderID: res.BrokerOrderID, Symbol: intent.Symbol, Side: intent.Side, Qty: oi.Qty,
		OrderType: intent.OrderType, Price: intent.Price, TakeProfit: intent.TakeProfit, StopLoss: intent.StopLoss,
		Status: res.Status, CreatedAt: requestedAt, UpdatedAt: completedAt,
	}
	if err := o.deps.Orders.CreateOrder(ctx, order); err != nil {
		logger.Error("failed to persist order", zap.String("broker_order_id", res.BrokerOrderID), zap.Error(err))
	} else {
		l.orderID = &order.ID
	}
	if l.status == types.LegFilled {
		l.realizedPnL = res.RealizedPnL
		trade := types.Trade{
			ID: types.NewID(), OrderID: order.ID, AccountID: l.accountID, Symbol: intent.Symbol,
			Side: intent.Side, Qty: oi.Qty, Price: res.FillPrice, RealizedPnL: res.RealizedPnL, ExecutedAt: completedAt,
		}
		if err := o.deps.Orders.CreateTrade(ctx, trade); err != nil {
			logger.Error("failed to persist trade", zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
	o.deps.Gate.Settle(l.reservation, res.RealizedPnL)

	ev := types.ExecutionEvent{
		RunID: run.ID, Sequence: l.sequence, AccountID: l.accountID, Status: l.status,
		RequestedAt: requestedAt, CompletedAt: &completedAt, LatencyMs: &latencyMs,
		Metadata: map[string]any{"broker_order_id": res.BrokerOrderID, "fill_price": res.FillPrice.String()},
	}
	if l.orderID != nil {
		ev.OrderID = l.orderID
	}
	o.append(ctx, ev, logger)
}

func (o *Orchestrator) recordDispatchFailure(ctx context.Context, run types.ExecutionRun, l *leg, requestedAt time.Time, err error, logger *zap.Logger) {
	o.deps.Gate.Release(l.reservation)
	l.status = types.LegError
	l.message = err.Error()
	l.code = failureCode(err)
	now := time.Now()
	latencyNs := now.Sub(requestedAt).Nanoseconds()
	latencyMs := float64(latencyNs) / 1e6
	l.latencyNs, l.hasLatency = latencyNs, true
	o.append(ctx, types.ExecutionEvent{
		RunID: run.ID, Sequence: l.sequence, AccountID: l.accountID, Status: types.LegError,
		RequestedAt: requestedAt, CompletedAt: &now, LatencyMs: &latencyMs, Message: err.Error(),
	}, logger)
}

// failureCode extracts the rmscore.Code carried by a dispatch error, or
// CodeInternal when the error originated outside the rmscore envelope
// (e.g. an account-resolution failure).
func failureCode(err error) rmscore.Code {
	var rerr *rmscore.Error
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return rmscore.CodeInternal
}

// finalise aggregates every leg's terminal status into the run's outcome
// and computes the latency aggregate over legs that were actually
// dispatched (spec §4.5: "over legs with latency_ms present").
func (o *Orchestrator) finalise(run types.ExecutionRun, legs []*leg, logger *zap.Logger, mode types.GroupMode) types.ExecutionRun {
	defer func() {
		if o.deps.Metrics != nil {
			o.deps.Metrics.OrchestratorRuns.WithLabelValues(string(run.Status), string(mode)).Inc()
		}
	}()
	var successes, failures int
	var latenciesNs []int64

	for _, l := range legs {
		switch l.status {
		case types.LegAccepted, types.LegFilled:
			successes++
		default:
			failures++
		}
		if l.hasLatency {
			latenciesNs = append(latenciesNs, l.latencyNs)
		}
	}

	switch {
	case successes > 0 && failures == 0:
		run.Status = types.RunSucceeded
	case successes > 0 && failures > 0:
		run.Status = types.RunPartial
	default:
		run.Status = types.RunFailed
		run.FailureCode = string(dominantFailureCode(legs))
	}

	if len(latenciesNs) > 0 {
		run.Latency = &types.LatencyAggregate{
			Count: len(latenciesNs),
			AvgMs: avgMs(latenciesNs),
			P50Ms: workers.Percentile(latenciesNs, 0.50).Seconds() * 1000,
			P95Ms: workers.Percentile(latenciesNs, 0.95).Seconds() * 1000,
		}
	}

	now := time.Now()
	run.CompletedAt = &now
	logger.Info("execution run finalised",
		zap.String("status", string(run.Status)),
		zap.Int("successes", successes),
		zap.Int("failures", failures),
	)
	return run
}

// dominantFailureCode picks the most frequent rmscore.Code across every
// failed leg (first-seen order breaks ties), so an all-failed run's
// FailureCode reflects its actual dominant cause instead of an arbitrary
// fixed default.
func dominantFailureCode(legs []*leg) rmscore.Code {
	counts := make(map[rmscore.Code]int)
	var order []rmscore.Code
	for _, l := range legs {
		if l.code == "" {
			continue
		}
		if counts[l.code] == 0 {
			order = append(order, l.code)
		}
		counts[l.code]++
	}
	best, bestCount := rmscore.CodeBrokerRejected, 0
	for _, c := range order {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}

func avgMs(samplesNs []int64) float64 {
	var sum int64
	for _, s := range samplesNs {
		sum += s
	}
	return (float64(sum) / float64(len(samplesNs))) / 1e6
}

// rollback best-effort cancels every leg that reached accepted/filled, per
// spec §4.5's sync-mode-only, opt-in rollback policy. Failures to cancel
// are logged, not retried: rollback is itself best-effort.
func (o *Orchestrator) rollback(ctx context.Context, run types.ExecutionRun, legs []*leg, logger *zap.Logger) {
	for _, l := range legs {
		if l.status != types.LegAccepted && l.status != types.LegFilled {
			continue
		}
		if l.brokerOrderID == "" {
			continue
		}
		link, _, err := o.deps.Accounts.Resolve(ctx, l.accountID)
		if err != nil {
			logger.Warn("rollback: could not resolve account", zap.Error(err))
			continue
		}
		adapter, err := o.deps.Registry.New(link.BrokerKind)
		if err != nil {
			logger.Warn("rollback: could not resolve adapter", zap.Error(err))
			continue
		}
		if err := o.deps.Sessions.Cancel(ctx, adapter, link, l.brokerOrderID); err != nil {
			logger.Warn("rollback: cancel failed", zap.String("broker_order_id", l.brokerOrderID), zap.Error(err))
			continue
		}
		now := time.Now()
		o.append(ctx, types.ExecutionEvent{
			RunID: run.ID, Sequence: l.sequence, AccountID: l.accountID, Status: types.LegCancelled,
			RequestedAt: now, CompletedAt: &now, Message: fmt.Sprintf("rolled back after partial run %s", run.ID),
		}, logger)
	}
}
