package rms

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	loc, err := LoadTimezone("Asia/Kolkata")
	require.NoError(t, err)
	return New(zap.NewNop(), nil, nil, loc)
}

// TestS3RMSTripOnMaxDailyLots is scenario S3 from spec.md §8: max_daily_lots=5,
// counter already at 4, a 3-account proportional intent allocates [1,1,1];
// the first leg is accepted (counter -> 5), the remaining two are rejected
// RMS_MAX_LOTS.
func TestS3RMSTripOnMaxDailyLots(t *testing.T) {
	g := testGate(t)
	userID := types.NewID()
	cfg := types.RmsConfig{UserID: userID, MaxDailyLots: 5}

	// Prime the counter to 4 lots already used today via a throwaway
	// reservation+settle cycle.
	prime, rerr := g.PreTrade(context.Background(), LegRequest{
		UserID: userID, AccountID: types.NewID(), Lots: 4, LotSize: 1, RefPrice: decimal.NewFromInt(100),
	}, cfg)
	require.Nil(t, rerr)
	g.Settle(prime, decimal.Zero)

	legs := []int{1, 1, 1}
	var accepted int
	var rejected int
	for _, lots := range legs {
		r, rerr := g.PreTrade(context.Background(), LegRequest{
			UserID: userID, AccountID: types.NewID(), Lots: lots, LotSize: 1, RefPrice: decimal.NewFromInt(100),
		}, cfg)
		if rerr != nil {
			require.Equal(t, rmscore.CodeRMSMaxLots, rerr.Code)
			rejected++
			continue
		}
		accepted++
		g.Settle(r, decimal.Zero)
	}

	require.Equal(t, 1, accepted)
	require.Equal(t, 2, rejected)

	snap := g.Snapshot(userID)
	require.Equal(t, 5, snap.LotsToday)
}

func TestReservationReleaseIsExact(t *testing.T) {
	g := testGate(t)
	userID := types.NewID()
	cfg := types.RmsConfig{MaxDailyLots: 10}

	r, rerr := g.PreTrade(context.Background(), LegRequest{
		UserID: userID, AccountID: types.NewID(), Lots: 3, LotSize: 1, RefPrice: decimal.NewFromInt(50),
	}, cfg)
	require.Nil(t, rerr)
	require.Equal(t, 3, g.Snapshot(userID).LotsToday)

	g.Release(r)
	snap := g.Snapshot(userID)
	require.Equal(t, 0, snap.LotsToday)
	require.True(t, snap.OpenNotional.IsZero())
	require.Equal(t, 0, snap.ReservedLots)
}

func TestMaxDailyLossAlreadyTrippedRejectsNewLegs(t *testing.T) {
	g := testGate(t)
	userID := types.NewID()
	cfg := types.RmsConfig{MaxDailyLots: 100, MaxDailyLoss: decimal.NewFromInt(1000)}

	r, rerr := g.PreTrade(context.Background(), LegRequest{
		UserID: userID, AccountID: types.NewID(), Lots: 1, LotSize: 1, RefPrice: decimal.NewFromInt(10),
	}, cfg)
	require.Nil(t, rerr)
	g.Settle(r, decimal.NewFromInt(-1000))

	_, rerr = g.PreTrade(context.Background(), LegRequest{
		UserID: userID, AccountID: types.NewID(), Lots: 1, LotSize: 1, RefPrice: decimal.NewFromInt(10),
	}, cfg)
	require.NotNil(t, rerr)
	require.Equal(t, rmscore.CodeRMSMaxLoss, rerr.Code)
}

func TestEnforceTriggersSquareOffOnDrawdownLimit(t *testing.T) {
	g := testGate(t)
	userID := types.NewID()
	limit := decimal.NewFromInt(200)
	cfg := types.RmsConfig{MaxDailyLots: 100, DrawdownLimit: &limit}

	r, rerr := g.PreTrade(context.Background(), LegRequest{
		UserID: userID, AccountID: types.NewID(), Lots: 1, LotSize: 1, RefPrice: decimal.NewFromInt(10),
	}, cfg)
	require.Nil(t, rerr)
	g.Settle(r, decimal.NewFromInt(500))

	r2, rerr := g.PreTrade(context.Background(), LegRequest{
		UserID: userID, AccountID: types.NewID(), Lots: 1, LotSize: 1, RefPrice: decimal.NewFromInt(10),
	}, cfg)
	require.Nil(t, rerr)
	g.Settle(r2, decimal.NewFromInt(-300))

	var squaredOff bool
	actions, err := g.Enforce(context.Background(), userID, cfg, func(ctx context.Context, u types.ID) error {
		squaredOff = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, squaredOff)
	require.Len(t, actions, 1)
	require.Equal(t, "drawdown_limit", actions[0].Rule)
}
