// Package analytics is the Analytics Aggregator of spec §4.9: it derives
// PnL, leg-status histograms and latency percentiles from the Execution
// Event Store. Percentile computation is grounded on workers.Percentile
// (generalized from a fixed-size ring buffer to a query-windowed slice);
// the PnL aggregation style is grounded on the teacher's
// backtester.MetricsCalculator (per-bucket totals/win-loss accumulation
// over a decimal series).
package analytics

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/exec-core/internal/eventstore"
	"github.com/quantforge/exec-core/internal/workers"
	"github.com/quantforge/exec-core/pkg/types"
)

// RunReader resolves ExecutionRun headers for PnL/strategy attribution;
// satisfied by postgres.RunStore.
type RunReader interface {
	ListByUser(ctx context.Context, userID types.ID, limit int) ([]types.ExecutionRun, error)
}

// TradeReader resolves the Trades realised under a run, the source of
// truth for realised PnL; satisfied by postgres.TradeStore.
type TradeReader interface {
	ListByRun(ctx context.Context, runID types.ID) ([]types.Trade, error)
}

// Aggregator derives dashboard and export data from the event store, run
// history and trade ledger. It holds no mutable state of its own; every
// method recomputes from source on call, matching spec's "on demand or
// on a refresh cadence" phrasing (the cadence, if any, lives in the
// caller).
type Aggregator struct {
	events eventstore.Store
	runs   RunReader
	trades TradeReader
}

func New(events eventstore.Store, runs RunReader, trades TradeReader) *Aggregator {
	return &Aggregator{events: events, runs: runs, trades: trades}
}

// DailyPnL is one day's realised/unrealised PnL and trade count.
// UnrealizedPnL stays at its zero value: mark-to-market of open positions
// needs a durably persisted Position row, which this pass does not add.
type DailyPnL struct {
	Date          string          `json:"date"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	TradeCount    int             `json:"tradeCount"`
}

// LegStatusHistogram counts terminal ExecutionEvents by status.
type LegStatusHistogram map[types.LegStatus]int

// LatencySummary is the percentile/average latency over a window of legs.
type LatencySummary struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avgMs"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
}

// Dashboard is the payload for GET /analytics/dashboard.
type Dashboard struct {
	RunCount       int                `json:"runCount"`
	FailedRunCount int                `json:"failedRunCount"`
	LegStatuses    LegStatusHistogram `json:"legStatuses"`
	Latency        LatencySummary     `json:"latency"`
	TotalPnL       decimal.Decimal    `json:"totalPnl"`
}

// Dashboard aggregates run counts, leg-status histogram, latency, and PnL
// for a user's most recent runs (bounded by limit to keep the sweep cheap).
func (a *Aggregator) Dashboard(ctx context.Context, userID types.ID, limit int) (Dashboard, error) {
	runs, err := a.runs.ListByUser(ctx, userID, limit)
	if err != nil {
		return Dashboard{}, fmt.Errorf("analytics: list runs: %w", err)
	}

	dash := Dashboard{LegStatuses: make(LegStatusHistogram), TotalPnL: decimal.Zero}
	var latencies []int64
	var latencySumMs float64

	for _, run := range runs {
		dash.RunCount++
		if run.Status == types.RunFailed {
			dash.FailedRunCount++
		}
		events, err := a.events.ListByRun(ctx, run.ID)
		if err != nil {
			continue
		}
		for _, ev := range events {
			dash.LegStatuses[ev.Status]++
			if ev.LatencyMs != nil {
				latencySumMs += *ev.LatencyMs
				latencies = append(latencies, int64(*ev.LatencyMs*float64(time.Millisecond)))
			}
		}
		trades, err := a.trades.ListByRun(ctx, run.ID)
		if err != nil {
			continue
		}
		for _, t := range trades {
			dash.TotalPnL = dash.TotalPnL.Add(t.RealizedPnL)
		}
	}

	if len(latencies) > 0 {
		dash.Latency = LatencySummary{
			Count: len(latencies),
			AvgMs: latencySumMs / float64(len(latencies)),
			P50Ms: workers.Percentile(latencies, 0.50).Seconds() * 1000,
			P95Ms: workers.Percentile(latencies, 0.95).Seconds() * 1000,
		}
	}

	return dash, nil
}

// DailyPnL buckets a user's runs' realised PnL by ISO calendar date in tz,
// ascending by date (matching the CSV export's required ordering).
func (a *Aggregator) DailyPnL(ctx context.Context, userID types.ID, tz *time.Location, limit int) ([]DailyPnL, error) {
	runs, err := a.runs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: list runs: %w", err)
	}

	byDate := make(map[string]*DailyPnL)
	for _, run := range runs {
		date := run.RequestedAt.In(tz).Format("2006-01-02")
		bucket, ok := byDate[date]
		if !ok {
			bucket = &DailyPnL{Date: date, RealizedPnL: decimal.Zero, UnrealizedPnL: decimal.Zero}
			byDate[date] = bucket
		}
		trades, err := a.trades.ListByRun(ctx, run.ID)
		if err != nil {
			continue
		}
		for _, t := range trades {
			bucket.RealizedPnL = bucket.RealizedPnL.Add(t.RealizedPnL)
			bucket.TradeCount++
		}
	}

	out := make([]DailyPnL, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// LegStatusSummary returns the terminal leg-status histogram over a
// user's most recent runs, for GET /analytics/exports/leg-status.
func (a *Aggregator) LegStatusSummary(ctx context.Context, userID types.ID, limit int) (LegStatusHistogram, error) {
	runs, err := a.runs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: list runs: %w", err)
	}
	hist := make(LegStatusHistogram)
	for _, run := range runs {
		events, err := a.events.ListByRun(ctx, run.ID)
		if err != nil {
			continue
		}
		for _, ev := range events {
			hist[ev.Status]++
		}
	}
	return hist, nil
}

// LatencySummaryStats returns the latency percentile/average summary over
// a user's most recent runs, for GET /analytics/exports/latency-summary.
func (a *Aggregator) LatencySummaryStats(ctx context.Context, userID types.ID, limit int) (LatencySummary, error) {
	runs, err := a.runs.ListByUser(ctx, userID, limit)
	if err != nil {
		return LatencySummary{}, fmt.Errorf("analytics: list runs: %w", err)
	}
	var latencies []int64
	var sumMs float64
	for _, run := range runs {
		events, err := a.events.ListByRun(ctx, run.ID)
		if err != nil {
			continue
		}
		for _, ev := range events {
			if ev.LatencyMs != nil {
				sumMs += *ev.LatencyMs
				latencies = append(latencies, int64(*ev.LatencyMs*float64(time.Millisecond)))
			}
		}
	}
	if len(latencies) == 0 {
		return LatencySummary{}, nil
	}
	return LatencySummary{
		Count: len(latencies),
		AvgMs: sumMs / float64(len(latencies)),
		P50Ms: workers.Percentile(latencies, 0.50).Seconds() * 1000,
		P95Ms: workers.Percentile(latencies, 0.95).Seconds() * 1000,
	}, nil
}

// WriteLegStatusCSV writes the leg-status histogram as status,count rows,
// sorted by status name for a stable export.
func WriteLegStatusCSV(w io.Writer, hist LegStatusHistogram) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"status", "count"}); err != nil {
		return err
	}
	statuses := make([]string, 0, len(hist))
	for status := range hist {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		if err := cw.Write([]string{status, fmt.Sprintf("%d", hist[types.LegStatus(status)])}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteLatencySummaryCSV writes a single summary row: count,avg_ms,p50_ms,p95_ms.
func WriteLatencySummaryCSV(w io.Writer, s LatencySummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"count", "avg_ms", "p50_ms", "p95_ms"}); err != nil {
		return err
	}
	if err := cw.Write([]string{
		fmt.Sprintf("%d", s.Count),
		fmt.Sprintf("%.3f", s.AvgMs),
		fmt.Sprintf("%.3f", s.P50Ms),
		fmt.Sprintf("%.3f", s.P95Ms),
	}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// WriteDailyPnLCSV writes rows in the exact column order spec.md §6 fixes:
// date,realized_pnl,unrealized_pnl,trade_count.
func WriteDailyPnLCSV(w io.Writer, rows []DailyPnL) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "realized_pnl", "unrealized_pnl", "trade_count"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.Date,
			r.RealizedPnL.String(),
			r.UnrealizedPnL.String(),
			fmt.Sprintf("%d", r.TradeCount),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
