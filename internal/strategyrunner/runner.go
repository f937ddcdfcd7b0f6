// Package strategyrunner binds a Strategy to the Orchestrator across
// backtest, paper and live modes, sharing one dispatch path the way spec
// §4.7 requires ("the same Orchestrator code path independent of Mode").
// Grounded on the teacher's autonomous.TradingAgent: a long-lived component
// with a logger, a metrics struct, and stop/cancel control, generalized
// from "poll signals and trade" to "consume a TradeIntent stream and drive
// ExecutionRuns."
package strategyrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/internal/orchestrator"
	"github.com/quantforge/exec-core/pkg/types"
)

// RunRepo persists ExecutionRun headers; satisfied by postgres.RunStore.
type RunRepo interface {
	Create(ctx context.Context, r types.ExecutionRun) error
	Save(ctx context.Context, r types.ExecutionRun) error
}

// StrategyRunRepo persists StrategyRun rows; satisfied by
// postgres.StrategyRunStore.
type StrategyRunRepo interface {
	Create(ctx context.Context, r types.StrategyRun) error
	Finish(ctx context.Context, id types.ID, status types.StrategyRunStatus, metrics types.StrategyRunMetrics) error
}

// StrategyStatusSetter flips a Strategy's administrative status; satisfied
// by postgres.StrategyStore. The circuit breaker below uses it to stop a
// Strategy that is erroring too often (spec §4.7).
type StrategyStatusSetter interface {
	SetStatus(ctx context.Context, id types.ID, status types.StrategyStatus) error
}

// TradeReader resolves the Trades realised under an ExecutionRun; satisfied
// by postgres.TradeStore. Used to roll realised PnL into result_metrics.
type TradeReader interface {
	ListByRun(ctx context.Context, runID types.ID) ([]types.Trade, error)
}

const (
	// defaultErrorThreshold and defaultErrorWindow bound the circuit
	// breaker: a StrategyRun that fails this many ExecutionRuns inside
	// this window stops its Strategy (spec §4.7: "errors exceeding a
	// configured count within a window transition the Strategy to
	// stopped").
	defaultErrorThreshold = 5
	defaultErrorWindow    = 5 * time.Minute
)

// Dependencies wires the Runner to the rest of the system.
type Dependencies struct {
	Logger       *zap.Logger
	Orchestrator *orchestrator.Orchestrator
	Runs         RunRepo
	StrategyRuns StrategyRunRepo
	Strategies   StrategyStatusSetter
	Trades       TradeReader

	// ErrorThreshold/ErrorWindow configure the circuit breaker; both
	// default when zero.
	ErrorThreshold int
	ErrorWindow    time.Duration
}

// GroupBinding is the fixed execution shape (which accounts, which
// dispatch mode) a StrategyRun trades through; set once at launch.
type GroupBinding struct {
	GroupID  types.ID
	Mappings []types.GroupAccountMapping
	Mode     types.GroupMode
}

// Runner drives zero or more concurrent StrategyRuns, each consuming a
// channel of TradeIntents and turning every one into an ExecutionRun.
type Runner struct {
	deps Dependencies

	mu     sync.Mutex
	active map[types.ID]context.CancelFunc
}

// New builds a Runner. Logger defaults to a no-op logger if nil so callers
// in tests do not need to wire one.
func New(deps Dependencies) *Runner {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.ErrorThreshold <= 0 {
		deps.ErrorThreshold = defaultErrorThreshold
	}
	if deps.ErrorWindow <= 0 {
		deps.ErrorWindow = defaultErrorWindow
	}
	return &Runner{deps: deps, active: make(map[types.ID]context.CancelFunc)}
}

// Launch starts a StrategyRun in the given mode, consuming intents until
// the channel closes or the run is stopped. It returns the StrategyRun id
// immediately; the run proceeds on its own goroutine.
func (r *Runner) Launch(ctx context.Context, strategy types.Strategy, mode types.RunMode, binding GroupBinding, intents <-chan types.TradeIntent) (types.ID, error) {
	srun := types.StrategyRun{
		ID:         types.NewID(),
		StrategyID: strategy.ID,
		Mode:       mode,
		Status:     types.StrategyRunRunning,
		StartedAt:  time.Now(),
	}
	if err := r.deps.StrategyRuns.Create(ctx, srun); err != nil {
		return types.ID{}, fmt.Errorf("strategyrunner: create strategy run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.active[srun.ID] = cancel
	r.mu.Unlock()

	go r.drive(runCtx, strategy, srun, binding, intents)

	return srun.ID, nil
}

// Stop cancels a running StrategyRun; its goroutine finishes the in-flight
// ExecutionRun (if any) before observing cancellation and exiting.
func (r *Runner) Stop(strategyRunID types.ID) {
	r.mu.Lock()
	cancel, ok := r.active[strategyRunID]
	delete(r.active, strategyRunID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Runner) drive(ctx context.Context, strategy types.Strategy, srun types.StrategyRun, binding GroupBinding, intents <-chan types.TradeIntent) {
	log := r.deps.Logger.With(zap.String("strategyRunId", srun.ID.String()), zap.String("mode", string(srun.Mode)))

	metrics := types.StrategyRunMetrics{PnL: decimal.Zero}
	status := types.StrategyRunSucceeded
	var latencySum float64
	var latencyCount int
	var errorTimes []time.Time

	defer func() {
		r.mu.Lock()
		delete(r.active, srun.ID)
		r.mu.Unlock()
		if latencyCount > 0 {
			metrics.AvgLatencyMs = latencySum / float64(latencyCount)
		}
		if err := r.deps.StrategyRuns.Finish(context.Background(), srun.ID, status, metrics); err != nil {
			log.Error("finish strategy run", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			status = types.StrategyRunStopped
			return
		case intent, ok := <-intents:
			if !ok {
				return
			}
			execRun := types.ExecutionRun{
				ID:            types.NewID(),
				UserID:        strategy.UserID,
				GroupID:       &binding.GroupID,
				StrategyRunID: &srun.ID,
				RequestedAt:   time.Now(),
				Status:        types.RunPending,
				Intent:        intent,
			}
			if err := r.deps.Runs.Create(ctx, execRun); err != nil {
				log.Error("create execution run", zap.Error(err))
				status = types.StrategyRunFailed
				continue
			}

			execRun = r.deps.Orchestrator.Run(ctx, execRun, orchestrator.RunInput{
				Mappings: binding.Mappings,
				Mode:     binding.Mode,
			})
			if err := r.deps.Runs.Save(ctx, execRun); err != nil {
				log.Error("save execution run", zap.Error(err))
			}

			metrics.Orders++
			metrics.ExecutionRunIDs = append(metrics.ExecutionRunIDs, execRun.ID)
			for _, leg := range execRun.Allocation.Legs {
				metrics.TotalLots += leg.Lots
			}
			if execRun.Latency != nil {
				latencySum += execRun.Latency.AvgMs * float64(execRun.Latency.Count)
				latencyCount += execRun.Latency.Count
			}
			if r.deps.Trades != nil {
				if trades, err := r.deps.Trades.ListByRun(ctx, execRun.ID); err != nil {
					log.Error("list trades for pnl", zap.Error(err))
				} else {
					for _, t := range trades {
						metrics.PnL = metrics.PnL.Add(t.RealizedPnL)
					}
				}
			}
			if execRun.Status == types.RunFailed {
				status = types.StrategyRunFailed
				if r.tripBreaker(&errorTimes) {
					log.Warn("strategy error rate exceeded threshold, stopping",
						zap.Int("threshold", r.deps.ErrorThreshold), zap.Duration("window", r.deps.ErrorWindow))
					if r.deps.Strategies != nil {
						if err := r.deps.Strategies.SetStatus(context.Background(), strategy.ID, types.StrategyStopped); err != nil {
							log.Error("stop strategy after error threshold", zap.Error(err))
						}
					}
					return
				}
			}
		}
	}
}

// tripBreaker records a failure timestamp, prunes entries outside the
// configured window, and reports whether the threshold is now met.
func (r *Runner) tripBreaker(errorTimes *[]time.Time) bool {
	now := time.Now()
	*errorTimes = append(*errorTimes, now)
	cutoff := now.Add(-r.deps.ErrorWindow)
	fresh := (*errorTimes)[:0]
	for _, t := range *errorTimes {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	*errorTimes = fresh
	return len(*errorTimes) >= r.deps.ErrorThreshold
}
