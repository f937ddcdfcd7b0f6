package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

// RESTOptions carries broker-specific knobs per spec §9 ("push
// broker-specific knobs into per-adapter option structs rather than
// widening the common interface"): distinct REST brokers differ in base
// URL, header name for the API key, and whether login requires a TOTP code.
type RESTOptions struct {
	BrokerKind    string
	BaseURL       string
	APIKeyHeader  string
	RequiresTOTP  bool
	RateLimitMax  int
	RateLimitEach time.Duration
	// OrderFeedURL is the order-update WebSocket endpoint; empty disables
	// OrderFeed (the adapter still satisfies Adapter, it just reports no
	// async feed for brokers that don't offer one).
	OrderFeedURL string
}

// RESTBroker is a generic REST broker client grounded on the teacher's
// BinanceAdapter (internal/execution/adapters/binance.go): HMAC request
// signing, a token-bucket RateLimiter, and an HTTP client with a fixed
// timeout, reshaped from spot-crypto orders to lots/lot_size broker orders
// and augmented with session expiry + TOTP login per spec §4.1/§4.2.
type RESTBroker struct {
	opts       RESTOptions
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *RateLimiter
	refreshSF  singleflight.Group
}

// NewRESTBroker builds a REST broker adapter for one broker_kind.
func NewRESTBroker(opts RESTOptions, logger *zap.Logger) *RESTBroker {
	if opts.RateLimitMax == 0 {
		opts.RateLimitMax = 60
	}
	if opts.RateLimitEach == 0 {
		opts.RateLimitEach = time.Minute
	}
	return &RESTBroker{
		opts:       opts,
		logger:     logger.Named(opts.BrokerKind),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    NewRateLimiter(opts.RateLimitMax, opts.RateLimitEach/time.Duration(opts.RateLimitMax)),
	}
}

func (b *RESTBroker) Kind() string { return b.opts.BrokerKind }

// Connect logs in, optionally presenting a pre-computed TOTP code, and
// returns a Session carrying the upstream-issued expires_at.
func (b *RESTBroker) Connect(ctx context.Context, creds Credentials) (Session, error) {
	if b.opts.RequiresTOTP && creds.TOTPCode == "" {
		return Session{}, rmscore.New(rmscore.KindAuth, rmscore.CodeUnauthorized,
			fmt.Sprintf("%s login requires a TOTP code", b.opts.BrokerKind))
	}
	if !b.limiter.Acquire(2 * time.Second) {
		return Session{}, rmscore.New(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "rate limited during login")
	}

	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("totp", creds.TOTPCode)
	form.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	form.Set("signature", b.sign(creds.APISecret, form.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.BaseURL+"/session/login", strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("restbroker: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(b.apiKeyHeader(), creds.APIKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Session{}, rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "login request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Session{}, rmscore.New(rmscore.KindBrokerReject, rmscore.CodeBrokerRejected, string(body))
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresInSeconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Session{}, fmt.Errorf("restbroker: decode login response: %w", err)
	}
	return Session{Token: payload.Token, ExpiresAt: time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)}, nil
}

// Refresh re-authenticates exactly once per caller, coalesced via
// singleflight so concurrent legs of the same run never issue duplicate
// refresh calls against the upstream session endpoint.
func (b *RESTBroker) Refresh(ctx context.Context, sess Session, creds Credentials) (Session, error) {
	v, err, _ := b.refreshSF.Do(creds.ClientID, func() (any, error) {
		return b.Connect(ctx, creds)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (b *RESTBroker) Logout(ctx context.Context, sess Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.BaseURL+"/session/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "logout failed", err)
	}
	defer resp.Body.Close()
	return nil
}

// Place submits one order. A SESSION_EXPIRED response is surfaced verbatim;
// the SessionManager (not this adapter) owns the single-retry-after-reauth policy
// described in spec §4.1, so an adapter only ever reports the fact.
func (b *RESTBroker) Place(ctx context.Context, sess Session, intent OrderIntent) (PlaceResult, error) {
	if !b.limiter.Acquire(5 * time.Second) {
		return PlaceResult{}, rmscore.New(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "rate limited placing order")
	}

	form := url.Values{}
	form.Set("symbol", intent.Symbol)
	form.Set("side", string(intent.Side))
	form.Set("qty", strconv.Itoa(intent.Qty))
	form.Set("order_type", string(intent.OrderType))
	if intent.Price != nil {
		form.Set("price", intent.Price.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.BaseURL+"/orders", strings.NewReader(form.Encode()))
	if err != nil {
		return PlaceResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return PlaceResult{}, rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "place request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var payload struct {
			BrokerOrderID string          `json:"brokerOrderId"`
			Status        string          `json:"status"`
			FillPrice     decimal.Decimal `json:"fillPrice"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return PlaceResult{}, fmt.Errorf("restbroker: decode place response: %w", err)
		}
		return PlaceResult{BrokerOrderID: payload.BrokerOrderID, Status: convertStatus(payload.Status), FillPrice: payload.FillPrice}, nil
	case http.StatusUnauthorized:
		return PlaceResult{}, rmscore.New(rmscore.KindBrokerSession, rmscore.CodeBrokerSessionExpired, "session expired")
	default:
		return PlaceResult{}, rmscore.New(rmscore.KindBrokerReject, rmscore.CodeBrokerRejected, string(body))
	}
}

func (b *RESTBroker) Modify(ctx context.Context, sess Session, brokerOrderID string, patch OrderPatch) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, b.opts.BaseURL+"/orders/"+brokerOrderID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "modify failed", err)
	}
	defer resp.Body.Close()
	return nil
}

func (b *RESTBroker) Cancel(ctx context.Context, sess Session, brokerOrderID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.opts.BaseURL+"/orders/"+brokerOrderID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "cancel failed", err)
	}
	defer resp.Body.Close()
	return nil
}

func (b *RESTBroker) Positions(ctx context.Context, sess Session) ([]types.Position, error) {
	return b.fetchPositions(ctx, sess, "/positions")
}

func (b *RESTBroker) Holdings(ctx context.Context, sess Session) ([]types.Position, error) {
	return b.fetchPositions(ctx, sess, "/holdings")
}

func (b *RESTBroker) fetchPositions(ctx context.Context, sess Session, path string) ([]types.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.opts.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "fetch positions failed", err)
	}
	defer resp.Body.Close()

	var positions []types.Position
	if err := json.NewDecoder(resp.Body).Decode(&positions); err != nil {
		return nil, fmt.Errorf("restbroker: decode positions: %w", err)
	}
	return positions, nil
}

func (b *RESTBroker) Margin(ctx context.Context, sess Session, accountID types.ID) (Margin, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.opts.BaseURL+"/margin", nil)
	if err != nil {
		return Margin{}, err
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Margin{}, rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "fetch margin failed", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Available decimal.Decimal `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Margin{}, fmt.Errorf("restbroker: decode margin: %w", err)
	}
	return Margin{Available: payload.Available, AsOf: time.Now()}, nil
}

func (b *RESTBroker) ConvertPosition(ctx context.Context, sess Session, accountID types.ID, symbol string) error {
	return rmscore.New(rmscore.KindBrokerReject, rmscore.CodeBrokerRejected, b.opts.BrokerKind+" does not support position conversion")
}

// OrderFeed dials the broker's order-update WebSocket and translates its
// messages into OrderFeedEvents, grounded on the teacher's
// BinanceAdapter.subscribeToStreams/readWebSocket pair: a single dial with
// a bounded handshake timeout, then a read loop that exits on context
// cancellation or a connection error.
func (b *RESTBroker) OrderFeed(ctx context.Context, sess Session) (<-chan OrderFeedEvent, error) {
	if b.opts.OrderFeedURL == "" {
		return nil, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.Token)
	conn, _, err := dialer.DialContext(ctx, b.opts.OrderFeedURL, header)
	if err != nil {
		return nil, rmscore.Wrap(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "order feed dial failed", err)
	}

	events := make(chan OrderFeedEvent, 64)
	go b.readOrderFeed(ctx, conn, events)
	return events, nil
}

func (b *RESTBroker) readOrderFeed(ctx context.Context, conn *websocket.Conn, events chan<- OrderFeedEvent) {
	defer close(events)
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("order feed read error", zap.Error(err))
			}
			return
		}
		var payload struct {
			BrokerOrderID string `json:"broker_order_id"`
			Status        string `json:"status"`
			Message       string `json:"message"`
		}
		if err := json.Unmarshal(message, &payload); err != nil {
			b.logger.Warn("order feed decode error", zap.Error(err))
			continue
		}
		ev := OrderFeedEvent{
			BrokerOrderID: payload.BrokerOrderID,
			Status:        types.OrderStatus(payload.Status),
			Message:       payload.Message,
			At:            time.Now(),
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (b *RESTBroker) apiKeyHeader() string {
	if b.opts.APIKeyHeader != "" {
		return b.opts.APIKeyHeader
	}
	return "X-API-KEY"
}

func (b *RESTBroker) sign(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func convertStatus(s string) types.OrderStatus {
	switch s {
	case "OPEN":
		return types.OrderStatusOpen
	case "FILLED":
		return types.OrderStatusFilled
	case "PARTIAL":
		return types.OrderStatusPartial
	case "CANCELLED":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}
