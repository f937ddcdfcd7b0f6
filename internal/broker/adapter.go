// Package broker is the Broker Adapter Registry of spec §4.1: a narrow
// uniform contract over heterogeneous broker APIs, grounded on the
// teacher's execution.ExchangeAdapter interface (internal/execution/executor.go)
// generalized from a crypto-exchange connect/price/orderbook shape to the
// lots/lot_size, margin/holdings shape this spec's brokers expose.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

// OrderIntent is what the Orchestrator hands to an Adapter for one leg.
type OrderIntent struct {
	AccountID  types.ID
	Symbol     string
	Side       types.OrderSide
	Qty        int
	OrderType  types.IntentOrderType
	Price      *decimal.Decimal
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
}

// PlaceResult is the outcome of a single Place call. RealizedPnL is the
// portion of the fill that closed or flipped an existing position, zero
// on a pure opening fill; adapters that can't report this synchronously
// (REST brokers relying on an async feed) leave it at its zero value.
type PlaceResult struct {
	BrokerOrderID string
	Status        types.OrderStatus
	FillPrice     decimal.Decimal
	Message       string
	RealizedPnL   decimal.Decimal
}

// OrderPatch describes a Modify request.
type OrderPatch struct {
	Qty   *int
	Price *decimal.Decimal
}

// Session is what Connect/Refresh return: the adapter-opaque session token
// plus its expiry, matched against spec §4.1's "sessions carry expires_at".
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the session needs a refresh before use.
func (s Session) Expired(at time.Time) bool { return !s.ExpiresAt.IsZero() && at.After(s.ExpiresAt) }

// Margin is a point-in-time margin snapshot for one Account.
type Margin struct {
	Available decimal.Decimal
	AsOf      time.Time
}

// OrderFeedEvent is one lifecycle update pushed from an adapter's async feed.
type OrderFeedEvent struct {
	BrokerOrderID string
	Status        types.OrderStatus
	Message       string
	At            time.Time
}

// Credentials is the plaintext the vault hands an adapter for one call.
type Credentials struct {
	APIKey    string
	APISecret string
	ClientID  string
	TOTPCode  string // pre-computed by the caller from the vault's TOTP seed
}

// Adapter is the uniform capability set every broker variant implements.
// Deliberately narrow per spec §9: broker-specific quirks live in the
// concrete adapter's own option struct, never widen this interface.
type Adapter interface {
	Kind() string

	Connect(ctx context.Context, creds Credentials) (Session, error)
	Refresh(ctx context.Context, sess Session, creds Credentials) (Session, error)
	Logout(ctx context.Context, sess Session) error

	Place(ctx context.Context, sess Session, intent OrderIntent) (PlaceResult, error)
	Modify(ctx context.Context, sess Session, brokerOrderID string, patch OrderPatch) error
	Cancel(ctx context.Context, sess Session, brokerOrderID string) error

	Positions(ctx context.Context, sess Session) ([]types.Position, error)
	Holdings(ctx context.Context, sess Session) ([]types.Position, error)
	Margin(ctx context.Context, sess Session, accountID types.ID) (Margin, error)

	// ConvertPosition is optional; adapters that don't support it return
	// rmscore.CodeBrokerRejected.
	ConvertPosition(ctx context.Context, sess Session, accountID types.ID, symbol string) error

	// OrderFeed streams lifecycle events until ctx is cancelled. Adapters
	// with no push feed may return a nil channel and nil error.
	OrderFeed(ctx context.Context, sess Session) (<-chan OrderFeedEvent, error)
}

// Factory constructs a fresh Adapter instance for one broker_kind.
type Factory func() Adapter

// Registry maps broker_kind to its Factory, initialised at startup and
// read-only thereafter (spec §5: "no global mutable state other than the
// broker-kind → factory registry").
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a broker_kind factory. Intended to be called only during
// process startup.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New constructs a fresh Adapter for the given broker_kind.
func (r *Registry) New(kind string) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, rmscore.New(rmscore.KindValidation, rmscore.CodeAllocationInvalid,
			fmt.Sprintf("unknown broker_kind %q", kind))
	}
	return f(), nil
}

// Kinds lists every registered broker_kind, for the /brokers/supported
// endpoint.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}
