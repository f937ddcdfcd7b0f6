// Package types provides the shared domain vocabulary for the execution and
// risk core: the entities described in the data model, independent of how
// any one package persists, transports or mutates them.
package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ID is an opaque 128-bit entity identifier.
type ID = uuid.UUID

// NewID generates a fresh opaque identifier.
func NewID() ID { return uuid.New() }

// ParseID parses the string form of an ID.
func ParseID(s string) (ID, error) { return uuid.Parse(s) }

// Role is a User's workspace role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleTrader Role = "trader"
	RoleViewer Role = "viewer"
)

// User owns workspaces, broker links, strategies and RMS config.
type User struct {
	ID        ID        `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// BrokerLinkStatus is the connection state of a BrokerLink.
type BrokerLinkStatus string

const (
	BrokerLinkConnected    BrokerLinkStatus = "connected"
	BrokerLinkExpired      BrokerLinkStatus = "expired"
	BrokerLinkError        BrokerLinkStatus = "error"
	BrokerLinkDisconnected BrokerLinkStatus = "disconnected"
)

// BrokerLink is a user's authenticated connection to one broker.
// Credentials never leave the vault in plaintext outside a single adapter
// call frame; EncryptedCredentials is vault ciphertext, never decrypted here.
type BrokerLink struct {
	ID                   ID               `json:"id"`
	UserID               ID               `json:"userId"`
	BrokerKind           string           `json:"brokerKind"`
	ClientCode           string           `json:"clientCode"`
	EncryptedCredentials []byte           `json:"-"`
	SessionState         string           `json:"-"`
	ExpiresAt            *time.Time       `json:"expiresAt,omitempty"`
	Status               BrokerLinkStatus `json:"status"`
	LastLoginAt          *time.Time       `json:"lastLoginAt,omitempty"`
	CreatedAt            time.Time        `json:"createdAt"`
}

// Account is a broker-side trading account under a BrokerLink.
type Account struct {
	ID               ID              `json:"id"`
	BrokerLinkID     ID              `json:"brokerLinkId"`
	BrokerAccountRef string          `json:"brokerAccountRef"`
	Currency         string          `json:"currency"`
	MarginAvailable  decimal.Decimal `json:"marginAvailable"`
	MarginSnapshotAt time.Time       `json:"marginSnapshotAt"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// GroupMode controls how an ExecutionGroup's legs are dispatched.
type GroupMode string

const (
	GroupModeParallel  GroupMode = "parallel"
	GroupModeSync      GroupMode = "sync"
	GroupModeStaggered GroupMode = "staggered"
)

// ExecutionGroup is a named set of accounts that trade together.
type ExecutionGroup struct {
	ID          ID        `json:"id"`
	UserID      ID        `json:"userId"`
	Name        string    `json:"name"`
	Mode        GroupMode `json:"mode"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MappingPolicy is the per-account allocation policy within a group.
type MappingPolicy string

const (
	PolicyProportional MappingPolicy = "proportional"
	PolicyFixed        MappingPolicy = "fixed"
	PolicyWeighted     MappingPolicy = "weighted"
)

// GroupAccountMapping binds an Account into an ExecutionGroup under a policy.
//
// Invariant: Policy==PolicyWeighted implies Weight>0; Policy==PolicyFixed
// implies FixedLots>0; an Account appears at most once per Group (enforced
// by the store's unique index, not re-checked here).
type GroupAccountMapping struct {
	ID        ID              `json:"id"`
	GroupID   ID              `json:"groupId"`
	AccountID ID              `json:"accountId"`
	Policy    MappingPolicy   `json:"policy"`
	Weight    decimal.Decimal `json:"weight,omitempty"`
	FixedLots int             `json:"fixedLots,omitempty"`
}

// Validate checks the policy/field invariant for one mapping.
func (m GroupAccountMapping) Validate() error {
	switch m.Policy {
	case PolicyWeighted:
		if m.Weight.LessThanOrEqual(decimal.Zero) {
			return ErrInvalidMapping("weighted mapping requires weight>0")
		}
	case PolicyFixed:
		if m.FixedLots <= 0 {
			return ErrInvalidMapping("fixed mapping requires fixed_lots>0")
		}
	case PolicyProportional:
		// no extra field required
	default:
		return ErrInvalidMapping("unknown mapping policy: " + string(m.Policy))
	}
	return nil
}

// ErrInvalidMapping is a lightweight string error for mapping validation;
// callers that need a typed RMS/validation error wrap it via rmscore.
type ErrInvalidMapping string

func (e ErrInvalidMapping) Error() string { return string(e) }

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// IntentOrderType is the requested order type for a TradeIntent.
type IntentOrderType string

const (
	IntentMarket IntentOrderType = "MARKET"
	IntentLimit  IntentOrderType = "LIMIT"
)

// TradeIntent is the normalized request that enters the Orchestrator,
// whether it originated from a manual API call, a StrategyRun or a webhook.
type TradeIntent struct {
	Symbol     string           `json:"symbol"`
	Side       OrderSide        `json:"side"`
	TotalLots  int              `json:"totalLots"`
	LotSize    int              `json:"lotSize"`
	OrderType  IntentOrderType  `json:"orderType"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	TakeProfit *decimal.Decimal `json:"takeProfit,omitempty"`
	StopLoss   *decimal.Decimal `json:"stopLoss,omitempty"`
	Exchange   string           `json:"exchange,omitempty"`
	Token      string           `json:"token,omitempty"`
	StrategyID *ID              `json:"strategyId,omitempty"`
}

// Quantity returns the order quantity implied by lots and lot size.
func (t TradeIntent) Quantity(lots int) int { return lots * t.LotSize }

// AllocationLeg is one (account, lots) pair in a planned Allocation.
// BrokerID and Quantity are filled in after Plan runs, once the caller has
// resolved each account's BrokerLink and multiplied lots by the intent's
// lot size; Plan itself only ever sees accounts and lots.
type AllocationLeg struct {
	AccountID ID              `json:"accountId"`
	BrokerID  ID              `json:"brokerId,omitempty"`
	Lots      int             `json:"lots"`
	Quantity  int             `json:"quantity,omitempty"`
	Policy    MappingPolicy   `json:"allocationPolicy"`
	Weight    decimal.Decimal `json:"weight,omitempty"`
	FixedLots int             `json:"fixedLots,omitempty"`
}

// Allocation is the ordered, deterministic output of the Allocation Planner.
type Allocation struct {
	Legs []AllocationLeg `json:"legs"`
	// Trace retains every mapping considered, including ones that ended up
	// with zero lots, for observability (spec 4.3 rule 4).
	Trace []AllocationLeg `json:"trace"`
}

// RunStatus is the terminal or in-flight status of an ExecutionRun.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunPartial    RunStatus = "partial"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
)

// IsTerminal reports whether status is one the Orchestrator no longer mutates.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunRolledBack:
		return true
	default:
		return false
	}
}

// LatencyAggregate summarises per-leg latency for a finished run.
type LatencyAggregate struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avgMs"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
}

// ExecutionRun is the unit of work the Orchestrator drives through its
// state machine. Once terminal it is immutable.
type ExecutionRun struct {
	ID            ID                `json:"id"`
	UserID        ID                `json:"userId"`
	GroupID       *ID               `json:"groupId,omitempty"`
	StrategyRunID *ID               `json:"strategyRunId,omitempty"`
	RequestedAt   time.Time         `json:"requestedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	Status        RunStatus         `json:"status"`
	Intent        TradeIntent       `json:"intent"`
	Allocation    Allocation        `json:"allocation"`
	Latency       *LatencyAggregate `json:"latency,omitempty"`
	FailureCode   string            `json:"failureCode,omitempty"`
}

// LegStatus is the lifecycle state of one dispatched ExecutionEvent.
type LegStatus string

const (
	LegRequested           LegStatus = "requested"
	LegAccepted            LegStatus = "accepted"
	LegRejected            LegStatus = "rejected"
	LegFilled              LegStatus = "filled"
	LegCancelled           LegStatus = "cancelled"
	LegCancelledBeforeSend LegStatus = "cancelled_before_send"
	LegError               LegStatus = "error"
)

// ExecutionEvent is one append-only record in the per-run event log.
type ExecutionEvent struct {
	RunID       ID             `json:"runId"`
	Sequence    int            `json:"sequence"`
	AccountID   ID             `json:"accountId"`
	OrderID     *ID            `json:"orderId,omitempty"`
	Status      LegStatus      `json:"status"`
	RequestedAt time.Time      `json:"requestedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	LatencyMs   *float64       `json:"latencyMs,omitempty"`
	Message     string         `json:"message,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Simulated   bool           `json:"simulated,omitempty"`
}

// OrderStatus is the broker-facing status of an Order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partially_filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is linked to its ExecutionRun and optional Strategy.
type Order struct {
	ID            ID              `json:"id"`
	RunID         ID              `json:"runId"`
	AccountID     ID              `json:"accountId"`
	StrategyID    *ID             `json:"strategyId,omitempty"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Qty           int             `json:"qty"`
	OrderType     IntentOrderType `json:"orderType"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	TakeProfit    *decimal.Decimal `json:"takeProfit,omitempty"`
	StopLoss      *decimal.Decimal `json:"stopLoss,omitempty"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Trade is a realised fill attached to an Order.
type Trade struct {
	ID          ID              `json:"id"`
	OrderID     ID              `json:"orderId"`
	AccountID   ID              `json:"accountId"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Qty         int             `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	ExecutedAt  time.Time       `json:"executedAt"`
}

// Position is the materialised (account, symbol) net position.
type Position struct {
	AccountID  ID              `json:"accountId"`
	Symbol     string          `json:"symbol"`
	NetQty     int             `json:"netQty"`
	AvgPrice   decimal.Decimal `json:"avgPrice"`
	RunningPnL decimal.Decimal `json:"runningPnl"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// RmsConfig holds per-user risk scalars.
type RmsConfig struct {
	UserID                 ID               `json:"userId"`
	MaxDailyLoss           decimal.Decimal  `json:"maxDailyLoss"`
	MaxDailyLots           int              `json:"maxDailyLots"`
	MaxLotsPerOrder        int              `json:"maxLotsPerOrder,omitempty"`
	ExposureLimit          decimal.Decimal  `json:"exposureLimit"`
	MarginBufferPct        decimal.Decimal  `json:"marginBufferPct"`
	ProfitLock             *decimal.Decimal `json:"profitLock,omitempty"`
	TrailingSL             decimal.Decimal  `json:"trailingSl"`
	DrawdownLimit          *decimal.Decimal `json:"drawdownLimit,omitempty"`
	AutoSquareOffEnabled   bool             `json:"autoSquareOffEnabled"`
	AutoSquareOffBufferPct decimal.Decimal  `json:"autoSquareOffBufferPct"`
	NotifyEmail            string           `json:"notifyEmail,omitempty"`
	NotifyTelegram         string           `json:"notifyTelegram,omitempty"`
}

// RmsCounters are the per (user, trading_day) mutable risk counters.
type RmsCounters struct {
	UserID           ID              `json:"userId"`
	TradingDay       string          `json:"tradingDay"` // YYYY-MM-DD in the exchange timezone
	RealizedPnLToday decimal.Decimal `json:"realizedPnlToday"`
	LotsToday        int             `json:"lotsToday"`
	OpenNotional     decimal.Decimal `json:"openNotional"`
	SessionPeakPnL   decimal.Decimal `json:"sessionPeakPnl"`
	// ReservedLots/ReservedNotional track in-flight reservations so a
	// rejected/errored leg can release exactly what it reserved.
	ReservedLots     int             `json:"-"`
	ReservedNotional decimal.Decimal `json:"-"`
}

// StrategyType classifies how a Strategy produces TradeIntents.
type StrategyType string

const (
	StrategyBuiltIn   StrategyType = "built-in"
	StrategyCustom    StrategyType = "custom"
	StrategyConnector StrategyType = "connector"
)

// StrategyStatus is active or administratively stopped.
type StrategyStatus string

const (
	StrategyActive  StrategyStatus = "active"
	StrategyStopped StrategyStatus = "stopped"
)

// Strategy is a named, parametrised source of TradeIntents.
type Strategy struct {
	ID        ID             `json:"id"`
	UserID    ID             `json:"userId"`
	Name      string         `json:"name"`
	Type      StrategyType   `json:"type"`
	Params    map[string]any `json:"params"`
	Status    StrategyStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
}

// RunMode is how a StrategyRun is bound to broker execution.
type RunMode string

const (
	ModeBacktest RunMode = "backtest"
	ModePaper    RunMode = "paper"
	ModeLive     RunMode = "live"
)

// StrategyRunStatus tracks a StrategyRun's lifecycle.
type StrategyRunStatus string

const (
	StrategyRunPending   StrategyRunStatus = "pending"
	StrategyRunRunning   StrategyRunStatus = "running"
	StrategyRunSucceeded StrategyRunStatus = "succeeded"
	StrategyRunFailed    StrategyRunStatus = "failed"
	StrategyRunStopped   StrategyRunStatus = "stopped"
)

// StrategyRunMetrics is the result_metrics payload of a finished StrategyRun.
type StrategyRunMetrics struct {
	PnL             decimal.Decimal `json:"pnl"`
	Orders          int             `json:"orders"`
	TotalLots       int             `json:"totalLots"`
	AvgLatencyMs    float64         `json:"avgLatencyMs"`
	ExecutionRunIDs []ID            `json:"executionRunIds"`
}

// StrategyRun links a Strategy to zero or more ExecutionRuns.
type StrategyRun struct {
	ID         ID                 `json:"id"`
	StrategyID ID                 `json:"strategyId"`
	Mode       RunMode            `json:"mode"`
	Status     StrategyRunStatus  `json:"status"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Metrics    StrategyRunMetrics `json:"resultMetrics"`
}

// ScheduledJob fires a Strategy on a cron schedule.
type ScheduledJob struct {
	ID          ID             `json:"id"`
	StrategyID  ID             `json:"strategyId"`
	CronExpr    string         `json:"cronExpr"`
	Enabled     bool           `json:"enabled"`
	LastFiredAt *time.Time     `json:"lastFiredAt,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// WebhookConnector lets an external signal trigger a Strategy. Token is
// authentication material and doubles as the delivery URL's path segment;
// it is never rendered in JSON.
type WebhookConnector struct {
	ID         ID                `json:"id"`
	UserID     ID                `json:"userId"`
	Token      string            `json:"-"`
	StrategyID ID                `json:"strategyId"`
	Transform  map[string]string `json:"transform"`
	Enabled    bool              `json:"enabled"`
}
