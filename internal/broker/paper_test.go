package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/exec-core/pkg/types"
)

func TestPaperAdapterFillsAtIntentPrice(t *testing.T) {
	p := NewPaperAdapter()
	ctx := context.Background()
	sess, err := p.Connect(ctx, Credentials{})
	require.NoError(t, err)

	price := decimal.NewFromInt(250)
	account := types.NewID()
	res, err := p.Place(ctx, sess, OrderIntent{AccountID: account, Symbol: "NIFTY", Side: types.SideBuy, Qty: 10, Price: &price})
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusFilled, res.Status)
	require.True(t, res.FillPrice.Equal(price))

	positions, err := p.Positions(ctx, sess)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 10, positions[0].NetQty)
	require.True(t, positions[0].AvgPrice.Equal(price))
}

func TestPaperAdapterRealisesPnLOnClose(t *testing.T) {
	p := NewPaperAdapter()
	ctx := context.Background()
	sess, _ := p.Connect(ctx, Credentials{})
	account := types.NewID()

	entry := decimal.NewFromInt(100)
	_, err := p.Place(ctx, sess, OrderIntent{AccountID: account, Symbol: "X", Side: types.SideBuy, Qty: 5, Price: &entry})
	require.NoError(t, err)

	exit := decimal.NewFromInt(120)
	_, err = p.Place(ctx, sess, OrderIntent{AccountID: account, Symbol: "X", Side: types.SideSell, Qty: 5, Price: &exit})
	require.NoError(t, err)

	positions, err := p.Positions(ctx, sess)
	require.NoError(t, err)
	require.Len(t, positions, 0) // flat position is excluded from Positions()

	p.mu.Lock()
	pos := p.positions[account]["X"]
	p.mu.Unlock()
	require.Equal(t, 0, pos.NetQty)
	require.True(t, pos.RunningPnL.Equal(decimal.NewFromInt(100)), "expected pnl 100, got %s", pos.RunningPnL)
}

func TestPaperAdapterAccountsAreIsolated(t *testing.T) {
	p := NewPaperAdapter()
	ctx := context.Background()
	sess, _ := p.Connect(ctx, Credentials{})

	a1, a2 := types.NewID(), types.NewID()
	price := decimal.NewFromInt(50)
	_, err := p.Place(ctx, sess, OrderIntent{AccountID: a1, Symbol: "Y", Side: types.SideBuy, Qty: 3, Price: &price})
	require.NoError(t, err)
	_, err = p.Place(ctx, sess, OrderIntent{AccountID: a2, Symbol: "Y", Side: types.SideBuy, Qty: 7, Price: &price})
	require.NoError(t, err)

	positions, err := p.Positions(ctx, sess)
	require.NoError(t, err)
	require.Len(t, positions, 2)
}
