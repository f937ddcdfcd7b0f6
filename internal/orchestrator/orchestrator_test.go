package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/internal/broker"
	"github.com/quantforge/exec-core/internal/rms"
	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

type fakeAccounts struct {
	link types.BrokerLink
}

func (f fakeAccounts) Resolve(ctx context.Context, accountID types.ID) (types.BrokerLink, types.Account, error) {
	return f.link, types.Account{ID: accountID, BrokerLinkID: f.link.ID}, nil
}

type fakeEvents struct {
	events []types.ExecutionEvent
}

func (f *fakeEvents) Append(ctx context.Context, ev types.ExecutionEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeRmsConfigs struct{ cfg types.RmsConfig }

func (f fakeRmsConfigs) Get(ctx context.Context, userID types.ID) (types.RmsConfig, error) {
	return f.cfg, nil
}

type fakeOrders struct {
	orders []types.Order
	trades []types.Trade
}

func (f *fakeOrders) CreateOrder(ctx context.Context, o types.Order) error {
	f.orders = append(f.orders, o)
	return nil
}

func (f *fakeOrders) CreateTrade(ctx context.Context, t types.Trade) error {
	f.trades = append(f.trades, t)
	return nil
}

// rejectingAdapter rejects a configured ordinal Place call (1-indexed across
// calls to this adapter instance) with BROKER_REJECTED, otherwise delegates
// to a PaperAdapter.
type rejectingAdapter struct {
	broker.PaperAdapter
	rejectOnCall int
	calls        int
}

func (r *rejectingAdapter) Place(ctx context.Context, sess broker.Session, intent broker.OrderIntent) (broker.PlaceResult, error) {
	r.calls++
	if r.calls == r.rejectOnCall {
		return broker.PlaceResult{}, rmscore.New(rmscore.KindBrokerReject, rmscore.CodeBrokerRejected, "rejected by broker")
	}
	return r.PaperAdapter.Place(ctx, sess, intent)
}

func newTestOrchestrator(t *testing.T, adapter broker.Adapter) (*Orchestrator, *fakeEvents) {
	t.Helper()
	registry := broker.NewRegistry()
	registry.Register("paper", func() broker.Adapter { return adapter })

	loc, err := rms.LoadTimezone("Asia/Kolkata")
	require.NoError(t, err)
	gate := rms.New(zap.NewNop(), nil, nil, loc)

	creds := func(ctx context.Context, link types.BrokerLink) (broker.Credentials, error) {
		return broker.Credentials{APIKey: "k"}, nil
	}
	sessions := broker.NewSessionManager(creds, time.Second, time.Second)
	events := &fakeEvents{}

	o := New(Dependencies{
		Logger:     zap.NewNop(),
		Gate:       gate,
		RmsConfigs: fakeRmsConfigs{cfg: types.RmsConfig{MaxDailyLots: 1000}},
		Accounts:   fakeAccounts{link: types.BrokerLink{ID: types.NewID(), BrokerKind: "paper"}},
		Registry:   registry,
		Sessions:   sessions,
		Events:     events,
		Orders:     &fakeOrders{},
		RunDeadline: func(types.GroupMode) time.Duration { return 5 * time.Second },
	})
	return o, events
}

func mappings(n int) []types.GroupAccountMapping {
	out := make([]types.GroupAccountMapping, n)
	for i := range out {
		out[i] = types.GroupAccountMapping{AccountID: types.NewID(), Policy: types.PolicyProportional}
	}
	return out
}

// TestS5SyncAbort is scenario S5 from spec.md §8.
func TestS5SyncAbort(t *testing.T) {
	adapter := &rejectingAdapter{PaperAdapter: *broker.NewPaperAdapter(), rejectOnCall: 2}
	o, _ := newTestOrchestrator(t, adapter)

	run := types.ExecutionRun{
		ID: types.NewID(), UserID: types.NewID(),
		Intent: types.TradeIntent{Symbol: "X", Side: types.SideBuy, TotalLots: 3, LotSize: 1, OrderType: types.IntentMarket},
	}
	result := o.Run(context.Background(), run, RunInput{Mappings: mappings(3), Mode: types.GroupModeSync})

	require.Equal(t, types.RunPartial, result.Status)
}

func TestParallelAllSucceed(t *testing.T) {
	adapter := broker.NewPaperAdapter()
	o, events := newTestOrchestrator(t, adapter)

	run := types.ExecutionRun{
		ID: types.NewID(), UserID: types.NewID(),
		Intent: types.TradeIntent{Symbol: "X", Side: types.SideBuy, TotalLots: 3, LotSize: 1, OrderType: types.IntentMarket},
	}
	result := o.Run(context.Background(), run, RunInput{Mappings: mappings(3), Mode: types.GroupModeParallel})

	require.Equal(t, types.RunSucceeded, result.Status)
	require.NotNil(t, result.Latency)
	require.Equal(t, 3, result.Latency.Count)
	require.Len(t, events.events, 6) // 3 gating "requested" + 3 dispatch terminal
}

func TestRollbackOnPartialSync(t *testing.T) {
	adapter := &rejectingAdapter{PaperAdapter: *broker.NewPaperAdapter(), rejectOnCall: 2}
	o, _ := newTestOrchestrator(t, adapter)

	run := types.ExecutionRun{
		ID: types.NewID(), UserID: types.NewID(),
		Intent: types.TradeIntent{Symbol: "X", Side: types.SideBuy, TotalLots: 3, LotSize: 1, Price: decimalPtr(100), OrderType: types.IntentLimit},
	}
	result := o.Run(context.Background(), run, RunInput{Mappings: mappings(3), Mode: types.GroupModeSync, RollbackOnPartial: true})

	require.Equal(t, types.RunRolledBack, result.Status)
}

func decimalPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
