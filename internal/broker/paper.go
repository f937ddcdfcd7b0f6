package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

// PaperAdapter is the mandatory deterministic broker variant of spec §4.1:
// it accepts all orders, assigns synthetic broker_order_ids, fills MARKET
// immediately at the intent price, and records positions in-process.
// Grounded on the teacher's Executor.simulateExecution
// (internal/execution/executor.go), generalized from a single-account
// paper book to one in-process book per Account so concurrent execution
// runs against different accounts never interleave state.
type PaperAdapter struct {
	mu        sync.Mutex
	positions map[types.ID]map[string]*types.Position // accountID -> symbol -> position
	margin    decimal.Decimal
}

// NewPaperAdapter builds a paper adapter with a large fixed margin pool so
// RMS margin checks never reject in tests unless explicitly configured to.
func NewPaperAdapter() *PaperAdapter {
	return &PaperAdapter{
		positions: make(map[types.ID]map[string]*types.Position),
		margin:    decimal.NewFromInt(10_000_000),
	}
}

func (p *PaperAdapter) Kind() string { return "paper" }

func (p *PaperAdapter) Connect(ctx context.Context, creds Credentials) (Session, error) {
	return Session{Token: "paper-session", ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (p *PaperAdapter) Refresh(ctx context.Context, sess Session, creds Credentials) (Session, error) {
	return Session{Token: sess.Token, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (p *PaperAdapter) Logout(ctx context.Context, sess Session) error { return nil }

// Place fills MARKET orders immediately at the intent price (or 100.0 if
// none supplied, a stable reference for tests); LIMIT orders fill at their
// limit price. Both are deterministic, matching spec §4.1.
func (p *PaperAdapter) Place(ctx context.Context, sess Session, intent OrderIntent) (PlaceResult, error) {
	price := decimal.NewFromInt(100)
	if intent.Price != nil {
		price = *intent.Price
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.positions[intent.AccountID]
	if !ok {
		book = make(map[string]*types.Position)
		p.positions[intent.AccountID] = book
	}
	pos, ok := book[intent.Symbol]
	if !ok {
		pos = &types.Position{AccountID: intent.AccountID, Symbol: intent.Symbol}
		book[intent.Symbol] = pos
	}
	realized := applyFill(pos, intent.Side, intent.Qty, price)
	pos.UpdatedAt = time.Now()

	return PlaceResult{
		BrokerOrderID: "paper-" + uuid.NewString(),
		Status:        types.OrderStatusFilled,
		FillPrice:     price,
		RealizedPnL:   realized,
	}, nil
}

// applyFill updates net_qty/avg_price/running PnL the way the teacher's
// OrderManager.updatePosition averages long/short fills
// (internal/execution/order_manager.go), generalized to signed lots. It
// returns the PnL realised by this fill (zero on a pure opening fill).
func applyFill(pos *types.Position, side types.OrderSide, qty int, price decimal.Decimal) decimal.Decimal {
	signed := qty
	if side == types.SideSell {
		signed = -qty
	}
	if pos.NetQty == 0 || sameSign(pos.NetQty, signed) {
		totalQty := pos.NetQty + signed
		if totalQty != 0 {
			weightedOld := pos.AvgPrice.Mul(decimal.NewFromInt(int64(abs(pos.NetQty))))
			weightedNew := price.Mul(decimal.NewFromInt(int64(abs(signed))))
			pos.AvgPrice = weightedOld.Add(weightedNew).Div(decimal.NewFromInt(int64(abs(totalQty))))
		}
		pos.NetQty = totalQty
		return decimal.Zero
	}

	// Closing or flipping: realise PnL on the closed portion, then treat
	// any quantity that crosses through zero as a fresh fill at price.
	closing := min(abs(pos.NetQty), abs(signed))
	var pnlPerUnit decimal.Decimal
	if pos.NetQty > 0 {
		pnlPerUnit = price.Sub(pos.AvgPrice)
	} else {
		pnlPerUnit = pos.AvgPrice.Sub(price)
	}
	realized := pnlPerUnit.Mul(decimal.NewFromInt(int64(closing)))
	pos.RunningPnL = pos.RunningPnL.Add(realized)

	remaining := pos.NetQty + signed
	pos.NetQty = remaining
	if remaining != 0 {
		pos.AvgPrice = price
	}
	return realized
}

func sameSign(a, b int) bool { return (a >= 0) == (b >= 0) }
func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

func (p *PaperAdapter) Modify(ctx context.Context, sess Session, brokerOrderID string, patch OrderPatch) error {
	return nil
}

func (p *PaperAdapter) Cancel(ctx context.Context, sess Session, brokerOrderID string) error {
	return nil
}

func (p *PaperAdapter) Positions(ctx context.Context, sess Session) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Position
	for _, book := range p.positions {
		for _, pos := range book {
			if pos.NetQty != 0 {
				out = append(out, *pos)
			}
		}
	}
	return out, nil
}

func (p *PaperAdapter) Holdings(ctx context.Context, sess Session) ([]types.Position, error) {
	return p.Positions(ctx, sess)
}

func (p *PaperAdapter) Margin(ctx context.Context, sess Session, accountID types.ID) (Margin, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Margin{Available: p.margin, AsOf: time.Now()}, nil
}

func (p *PaperAdapter) ConvertPosition(ctx context.Context, sess Session, accountID types.ID, symbol string) error {
	return rmscore.New(rmscore.KindBrokerReject, rmscore.CodeBrokerRejected,
		fmt.Sprintf("paper broker does not support position conversion for %s", symbol))
}

func (p *PaperAdapter) OrderFeed(ctx context.Context, sess Session) (<-chan OrderFeedEvent, error) {
	return nil, nil
}
