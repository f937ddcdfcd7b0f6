// Package main wires the execution and risk core's services together and
// runs the HTTP/WebSocket server, the webhook ingress, and the Strategy
// scheduler side by side until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantforge/exec-core/internal/analytics"
	"github.com/quantforge/exec-core/internal/api"
	"github.com/quantforge/exec-core/internal/broker"
	"github.com/quantforge/exec-core/internal/config"
	"github.com/quantforge/exec-core/internal/orchestrator"
	"github.com/quantforge/exec-core/internal/rms"
	"github.com/quantforge/exec-core/internal/scheduler"
	"github.com/quantforge/exec-core/internal/store/postgres"
	"github.com/quantforge/exec-core/internal/store/redisstore"
	"github.com/quantforge/exec-core/internal/strategyrunner"
	"github.com/quantforge/exec-core/internal/telemetry"
	"github.com/quantforge/exec-core/internal/vault"
	"github.com/quantforge/exec-core/internal/webhook"
	"github.com/quantforge/exec-core/pkg/types"
	"github.com/quantforge/exec-core/pkg/utils"

	promclient "github.com/prometheus/client_golang/prometheus"
)

func main() {
	logger := setupLogger(getEnvOrDefault("LOG_LEVEL", "info"))
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open postgres pool", zap.Error(err))
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse redis url", zap.Error(err))
	}
	redisClient, err := redisstore.New(ctx, redisstore.ClientConfig{
		Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB,
	})
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	v, err := vault.New(cfg.VaultKeyHex, logger, func(event string, linkID types.ID) {
		logger.Info("vault audit", zap.String("event", event), zap.Stringer("link_id", linkID))
	})
	if err != nil {
		logger.Fatal("failed to initialise vault", zap.Error(err))
	}

	// ---- persistence ----
	users := postgres.NewUserStore(pool)
	brokerLinks := postgres.NewBrokerLinkStore(pool)
	accounts := postgres.NewAccountStore(pool)
	accountResolver := postgres.NewAccountResolver(pool)
	groups := postgres.NewGroupStore(pool)
	runs := postgres.NewRunStore(pool)
	events := postgres.NewEventStore(pool)
	rmsConfigs := postgres.NewRmsConfigStore(pool)
	strategies := postgres.NewStrategyStore(pool)
	strategyRuns := postgres.NewStrategyRunStore(pool)
	scheduledJobs := postgres.NewScheduledJobStore(pool)
	webhookConnectors := postgres.NewWebhookConnectorStore(pool)
	orders := postgres.NewOrderStore(pool)
	trades := postgres.NewTradeStore(pool)

	// ---- broker layer ----
	registry := broker.NewRegistry()
	registry.Register("paper", func() broker.Adapter { return broker.NewPaperAdapter() })
	for kind, baseURL := range cfg.BrokerEndpoints {
		kind, baseURL := kind, baseURL
		registry.Register(kind, func() broker.Adapter {
			return broker.NewRESTBroker(broker.RESTOptions{BrokerKind: kind, BaseURL: baseURL}, logger)
		})
	}
	sessions := broker.NewSessionManager(broker.NewCredentialSource(v), cfg.AdapterPlaceTimeout, cfg.AdapterMetadataTimeout)

	// ---- RMS gate ----
	tz, err := rms.LoadTimezone(cfg.ExchangeTimezone)
	if err != nil {
		logger.Fatal("failed to load exchange timezone", zap.Error(err))
	}
	margin := &marginResolver{accounts: accountResolver, registry: registry, sessions: sessions}
	gate := rms.New(logger, rmsConfigs, margin, tz)
	sweeper := &squareOffSweeper{brokerLinks: brokerLinks, registry: registry, sessions: sessions, logger: logger}

	// ---- telemetry ----
	promReg := promclient.NewRegistry()
	metrics := telemetry.New(promReg)
	go serveMetrics(logger, promReg)

	// ---- orchestrator ----
	orch := orchestrator.New(orchestrator.Dependencies{
		Logger:     logger,
		Gate:       gate,
		RmsConfigs: rmsConfigs,
		Accounts:   accountResolver,
		Registry:   registry,
		Sessions:   sessions,
		Events:     events,
		Orders:     &orderSink{orders: orders, trades: trades},
		RunDeadline: func(mode types.GroupMode) time.Duration {
			return cfg.RunDeadline(string(mode))
		},
		Metrics: metrics,
	})

	// ---- strategy runner ----
	runner := strategyrunner.New(strategyrunner.Dependencies{
		Logger: logger, Orchestrator: orch, Runs: runs, StrategyRuns: strategyRuns,
		Strategies: strategies, Trades: trades,
	})

	// ---- scheduler ----
	sched := scheduler.New(logger, scheduledJobs, func(ctx context.Context, job types.ScheduledJob) error {
		// Loading the strategy row can race a concurrent edit; retry a
		// couple of times before giving up on this tick.
		strat, err := utils.Retry(utils.DefaultRetryConfig(), func() (types.Strategy, error) {
			return strategies.Get(ctx, job.StrategyID)
		})
		if err != nil {
			return fmt.Errorf("scheduler: load strategy %s: %w", job.StrategyID, err)
		}
		binding := bindingFromContext(job.Context)
		intents := make(chan types.TradeIntent)
		close(intents)
		_, err = runner.Launch(ctx, strat, types.ModeLive, binding, intents)
		return err
	})
	if err := sched.LoadAndStart(ctx); err != nil {
		logger.Error("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// ---- webhook ingress ----
	idemp := redisstore.NewIdempotencyStore(redisClient)
	webhookHandler := webhook.New(logger, webhookConnectors, idemp, cfg.WebhookIdempotencyWindow,
		func(ctx context.Context, connector types.WebhookConnector, payload map[string]any) (types.ID, error) {
			strat, err := strategies.Get(ctx, connector.StrategyID)
			if err != nil {
				return types.ID{}, fmt.Errorf("webhook: load strategy %s: %w", connector.StrategyID, err)
			}
			intent, err := intentFromPayload(payload, connector.Transform)
			if err != nil {
				return types.ID{}, err
			}
			intents := make(chan types.TradeIntent, 1)
			intents <- intent
			close(intents)
			metrics.WebhookDeliveries.WithLabelValues("accepted").Inc()
			return runner.Launch(ctx, strat, types.ModeLive, strategyrunner.GroupBinding{Mode: types.GroupModeParallel}, intents)
		})

	// ---- analytics ----
	aggregator := analytics.New(events, runs, trades)

	// ---- HTTP API ----
	server := api.New(api.Dependencies{
		Logger: logger, Addr: cfg.HTTPAddr,
		Users: users, BrokerLinks: brokerLinks, Accounts: accounts,
		Groups: groups, Runs: runs, Orders: orders, Events: events, RmsConfigs: rmsConfigs,
		Strategies: strategies, StrategyRuns: strategyRuns,
		Gate: gate, SquareOff: sweeper.SquareOffUser, Registry: registry, Sessions: sessions, Vault: v,
		Orchestrator: orch, Analytics: aggregator, StrategyRunner: runner,
		Webhook: webhookHandler,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("execution core started",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Strings("broker_kinds", registry.Kinds()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
	logger.Info("execution core stopped")
}

// marginResolver adapts the broker session layer into rms.MarginProvider.
type marginResolver struct {
	accounts *postgres.AccountResolver
	registry *broker.Registry
	sessions *broker.SessionManager
}

func (m *marginResolver) AvailableMargin(ctx context.Context, accountID types.ID) (decimal.Decimal, error) {
	link, _, err := m.accounts.Resolve(ctx, accountID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	adapter, err := m.registry.New(link.BrokerKind)
	if err != nil {
		return decimal.Decimal{}, err
	}
	margin, err := m.sessions.Margin(ctx, adapter, link, accountID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return margin.Available, nil
}

// orderSink combines the separate order and trade stores into the single
// orchestrator.OrderSink the dispatch path writes through.
type orderSink struct {
	orders *postgres.OrderStore
	trades *postgres.TradeStore
}

func (s *orderSink) CreateOrder(ctx context.Context, o types.Order) error { return s.orders.Create(ctx, o) }
func (s *orderSink) CreateTrade(ctx context.Context, t types.Trade) error { return s.trades.Create(ctx, t) }

// squareOffSweeper closes every open position across a user's BrokerLinks
// with an opposing MARKET order, satisfying both rms.SquareOffFunc (called
// by Gate.Enforce's automated sweep) and the manual POST /rms/squareoff
// handler.
type squareOffSweeper struct {
	brokerLinks *postgres.BrokerLinkStore
	registry    *broker.Registry
	sessions    *broker.SessionManager
	logger      *zap.Logger
}

func (s *squareOffSweeper) SquareOffUser(ctx context.Context, userID types.ID) error {
	links, err := s.brokerLinks.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("squareoff: list broker links for user %s: %w", userID, err)
	}
	var firstErr error
	for _, link := range links {
		if link.Status != types.BrokerLinkConnected {
			continue
		}
		adapter, err := s.registry.New(link.BrokerKind)
		if err != nil {
			s.logger.Error("squareoff: resolve adapter", zap.String("broker_link_id", link.ID.String()), zap.Error(err))
			continue
		}
		positions, err := s.sessions.Positions(ctx, adapter, link)
		if err != nil {
			s.logger.Error("squareoff: list positions", zap.String("broker_link_id", link.ID.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, pos := range positions {
			if pos.NetQty == 0 {
				continue
			}
			side := types.SideSell
			qty := pos.NetQty
			if qty < 0 {
				side, qty = types.SideBuy, -qty
			}
			_, err := s.sessions.Place(ctx, adapter, link, broker.OrderIntent{
				AccountID: pos.AccountID, Symbol: pos.Symbol, Side: side, Qty: qty, OrderType: types.IntentMarket,
			})
			if err != nil {
				s.logger.Error("squareoff: place closing order",
					zap.String("broker_link_id", link.ID.String()), zap.String("symbol", pos.Symbol), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func bindingFromContext(jobCtx map[string]any) strategyrunner.GroupBinding {
	binding := strategyrunner.GroupBinding{Mode: types.GroupModeParallel}
	if raw, ok := jobCtx["groupId"].(string); ok {
		if id, err := types.ParseID(raw); err == nil {
			binding.GroupID = id
		}
	}
	return binding
}

func intentFromPayload(payload map[string]any, transform map[string]string) (types.TradeIntent, error) {
	get := func(key string) any {
		if mapped, ok := transform[key]; ok {
			return payload[mapped]
		}
		return payload[key]
	}
	symbol, _ := get("symbol").(string)
	if symbol == "" {
		return types.TradeIntent{}, fmt.Errorf("webhook: payload missing symbol")
	}
	side, _ := get("side").(string)
	lots, _ := get("lots").(float64)
	lotSize, _ := get("lotSize").(float64)
	if lots <= 0 || lotSize <= 0 {
		return types.TradeIntent{}, fmt.Errorf("webhook: payload missing lots/lotSize")
	}
	return types.TradeIntent{
		Symbol: symbol, Side: types.OrderSide(side), TotalLots: int(lots), LotSize: int(lotSize),
		OrderType: types.IntentMarket,
	}, nil
}

func serveMetrics(logger *zap.Logger, reg *promclient.Registry) {
	addr := getEnvOrDefault("METRICS_ADDR", ":9090")
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, telemetry.Handler(reg)); err != nil {
		logger.Error("metrics server error", zap.Error(err))
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
