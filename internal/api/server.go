// Package api is the HTTP/WebSocket surface of spec §6, grounded on the
// teacher's internal/api.Server: gorilla/mux router, rs/cors wrapping, an
// http.Server with read/write timeouts, and a websocket Hub for live
// push — generalized from the teacher's backtest/symbol endpoints to the
// execution-group/RMS/analytics/webhook surface this core exposes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/internal/analytics"
	"github.com/quantforge/exec-core/internal/broker"
	"github.com/quantforge/exec-core/internal/orchestrator"
	"github.com/quantforge/exec-core/internal/rms"
	"github.com/quantforge/exec-core/internal/store/postgres"
	"github.com/quantforge/exec-core/internal/strategyrunner"
	"github.com/quantforge/exec-core/internal/vault"
	"github.com/quantforge/exec-core/internal/webhook"
	"github.com/quantforge/exec-core/pkg/types"
)

// Dependencies wires every backing service the HTTP surface fronts.
type Dependencies struct {
	Logger         *zap.Logger
	Addr           string
	Users          *postgres.UserStore
	BrokerLinks    *postgres.BrokerLinkStore
	Accounts       *postgres.AccountStore
	Groups         *postgres.GroupStore
	Runs           *postgres.RunStore
	Orders         *postgres.OrderStore
	Events         *postgres.EventStore
	RmsConfigs     *postgres.RmsConfigStore
	Strategies     *postgres.StrategyStore
	StrategyRuns   *postgres.StrategyRunStore
	Gate           *rms.Gate
	SquareOff      rms.SquareOffFunc
	Registry       *broker.Registry
	Sessions       *broker.SessionManager
	Vault          *vault.Vault
	Orchestrator   *orchestrator.Orchestrator
	Analytics      *analytics.Aggregator
	StrategyRunner *strategyrunner.Runner
	Webhook        *webhook.Handler
	Tokens         *TokenStore
}

// Server is the execution core's HTTP/WebSocket front door.
type Server struct {
	deps       Dependencies
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	upgrader   websocket.Upgrader
	tokens     *TokenStore
}

// New builds a Server and registers every route.
func New(deps Dependencies) *Server {
	if deps.Tokens == nil {
		deps.Tokens = NewTokenStore()
	}
	s := &Server{
		deps:   deps,
		logger: deps.Logger.Named("api"),
		router: mux.NewRouter(),
		hub:    newHub(deps.Logger),
		tokens: deps.Tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Hub exposes the websocket hub so a caller can publish events onto it;
// cmd/server does not call it.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/auth/register", s.handleRegister).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/auth/login", s.handleLogin).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/users/me", s.requireAuth(s.handleUsersMe)).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/brokers/supported", s.requireAuth(s.handleBrokersSupported)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/brokers/connect", s.requireAuth(s.handleBrokersConnect)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/brokers", s.requireAuth(s.handleListBrokers)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/brokers/{id}", s.requireAuth(s.handleDeleteBroker)).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/v1/brokers/{id}/login", s.requireAuth(s.handleBrokerLogin)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/brokers/{id}/logout", s.requireAuth(s.handleBrokerLogout)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/brokers/{id}/convert", s.requireAuth(s.handleBrokerConvert)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/brokers/{id}/positions", s.requireAuth(s.handleBrokerPositions)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/brokers/{id}/holdings", s.requireAuth(s.handleBrokerHoldings)).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/execution-groups", s.requireAuth(s.handleCreateGroup)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/execution-groups", s.requireAuth(s.handleListGroups)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/execution-groups/{id}", s.requireAuth(s.handleGetGroup)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/execution-groups/{id}", s.requireAuth(s.handlePatchGroup)).Methods(http.MethodPatch)
	s.router.HandleFunc("/api/v1/execution-groups/{id}", s.requireAuth(s.handleDeleteGroup)).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/v1/execution-groups/{id}/accounts", s.requireAuth(s.handleAddMapping)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/execution-groups/{id}/accounts", s.requireAuth(s.handleListMappings)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/execution-groups/{id}/accounts/{mappingId}", s.requireAuth(s.handleDeleteMapping)).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/v1/execution-groups/{id}/preview", s.requireAuth(s.handlePreview)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/execution-groups/{id}/orders", s.requireAuth(s.handlePlaceOrder)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/execution-groups/{id}/runs", s.requireAuth(s.handleListGroupRuns)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/execution-groups/{id}/runs/{runId}/events", s.requireAuth(s.handleRunEvents)).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/orders", s.requireAuth(s.handlePlaceSingleOrder)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/orders", s.requireAuth(s.handleListOrders)).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/rms/config", s.requireAuth(s.handleGetRmsConfig)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/rms/config", s.requireAuth(s.handleSetRmsConfig)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/rms/status", s.requireAuth(s.handleRmsStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/rms/squareoff", s.requireAuth(s.handleSquareOff)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/rms/enforce", s.requireAuth(s.handleEnforce)).Methods(http.MethodPost)

	s.router.HandleFunc("/api/v1/strategies", s.requireAuth(s.handleCreateStrategy)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/strategies", s.requireAuth(s.handleListStrategies)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/strategies/{id}/start", s.requireAuth(s.handleStartStrategy)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/strategies/{id}/stop", s.requireAuth(s.handleStopStrategy)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/strategies/{id}/logs", s.requireAuth(s.handleStrategyLogs)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/strategies/{id}/pnl", s.requireAuth(s.handleStrategyPnL)).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/analytics/dashboard", s.requireAuth(s.handleAnalyticsDashboard)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/analytics/daily-pnl", s.requireAuth(s.handleAnalyticsDailyPnL)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/analytics/exports/daily-pnl", s.requireAuth(s.handleAnalyticsExportDailyPnL)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/analytics/exports/latency-summary", s.requireAuth(s.handleAnalyticsExportLatencySummary)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/analytics/exports/leg-status", s.requireAuth(s.handleAnalyticsExportLegStatus)).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.deps.Webhook != nil {
		s.deps.Webhook.Register(s.router)
	}
}

// Start runs the HTTP server and the WebSocket hub loop; it blocks until
// the server stops.
func (s *Server) Start() error {
	go s.hub.Run()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.deps.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("starting api server", zap.String("addr", s.deps.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{id: types.NewID().String(), conn: conn, send: make(chan []byte, 32), subscriptions: make(map[string]bool)}
	s.hub.register <- c
	go c.writePump()
	go c.readPump(s.hub)
}
