package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"time"

	"github.com/shopspring/decimal"

	"trailbot/config"
	"trailbot/internal/adapters/binanceclient"
	"trailbot/internal/adapters/logger"
	"trailbot/internal/adapters/sqlite"
	"trailbot/internal/app"
	"trailbot/internal/engine"
	"trailbot/internal/orchestrator"
	"trailbot/internal/portfolio"
	"trailbot/internal/ports"
	"trailbot/internal/ratelimit"
	"trailbot/internal/signals"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogFormat == "zap" {
		zapLogger, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize zap logger: %v", err)
		}
		defer zapLogger.Sync() //nolint:errcheck // stdout sync failure on exit is harmless
		appLogger = zapLogger
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{
		"level": cfg.LogLevel.String(), "format": cfg.LogFormat,
	})

	// 3. Initialize Store (Database Adapter)
	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database store")
		log.Fatalf("FATAL: Failed to initialize database store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database store")
		}
	}()
	appLogger.Info(context.Background(), "Database store initialized")

	// 4. Initialize the shared rate-limit policy and exchange client
	limits := ratelimit.New(map[string]ratelimit.Quota{
		ratelimit.EndpointOrders:    {Requests: cfg.RateLimit.OrdersPerSecond, Window: time.Second},
		ratelimit.EndpointOrderByID: {Requests: cfg.RateLimit.OrdersPerSecond, Window: time.Second},
	}, ratelimit.Quota{Requests: cfg.RateLimit.DefaultPerSecond, Window: time.Second})

	exchange, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
		RateLimits: limits,
		Symbols:    cfg.Symbols(),
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Initialize Portfolio Manager
	allocations := make([]portfolio.PairAllocation, 0, len(cfg.Pairs))
	productIDs := make([]string, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		allocations = append(allocations, portfolio.PairAllocation{
			ProductID:        p.ProductID,
			CorrelationGroup: p.CorrelationGroup,
			TargetPct:        p.PositionSizePct,
		})
		productIDs = append(productIDs, p.ProductID)
	}
	riskManager, err := portfolio.New(portfolio.Config{
		TotalCapital:                cfg.Portfolio.TotalCapital,
		MaxPositionSizePct:          cfg.Portfolio.MaxPositionSizePct,
		MaxPositions:                cfg.Portfolio.MaxPositions,
		MaxCorrelatedExposurePct:    cfg.Portfolio.MaxCorrelatedExposurePct,
		RebalanceThresholdPct:       cfg.Portfolio.RebalanceThresholdPct,
		EmergencyLiquidationLossPct: cfg.Portfolio.EmergencyLiquidationLossPct,
		Allocations:                 allocations,
		Logger:                      appLogger,
		Positions:                   store,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize portfolio manager")
		log.Fatalf("FATAL: Failed to initialize portfolio manager: %v", err)
	}
	appLogger.Info(context.Background(), "Portfolio manager initialized", map[string]interface{}{"pairs": len(cfg.Pairs)})

	// 6. Initialize per-pair execution engines
	engines := make([]orchestrator.Engine, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		eng, err := engine.New(engine.Config{
			Pair: engine.PairConfig{
				ProductID:             p.ProductID,
				TrailPct:              p.TrailPct,
				StopLimitBufferPct:    p.StopLimitBufferPct,
				MinRatchet:            p.MinRatchet,
				StopEscalationStepPct: p.StopEscalationStepPct,
				MaxEntryWaitCandles:   p.MaxEntryWaitCandles,
				StopTimeout:           p.StopTimeout,
			},
			Logger:    appLogger,
			Exchange:  exchange,
			Store:     store,
			Portfolio: riskManager,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize engine", map[string]interface{}{"productID": p.ProductID})
			log.Fatalf("FATAL: Failed to initialize engine for %s: %v", p.ProductID, err)
		}
		engines = append(engines, eng)
	}

	// 7. Initialize Orchestrator
	orch, err := orchestrator.New(orchestrator.Config{
		Logger:    appLogger,
		Store:     store,
		Portfolio: riskManager,
		Engines:   engines,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize orchestrator")
		log.Fatalf("FATAL: Failed to initialize orchestrator: %v", err)
	}

	// 8. Initialize the entry signal source
	notionals := make(map[string]decimal.Decimal, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		notionals[p.ProductID] = cfg.Portfolio.TotalCapital.Mul(p.PositionSizePct).Div(decimal.NewFromInt(100))
	}
	entrySignals, err := signals.New(signals.Config{
		ShortTermMAPeriod: 20,
		LongTermMAPeriod:  50,
		EMAPeriod:         20,
		RSIPeriod:         14,
		RSIOverbought:     70.0,
		RSIOversold:       30.0,
		Interval:          "1m",
		Notionals:         notionals,
		Klines:            exchange,
		Logger:            appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal source")
		log.Fatalf("FATAL: Failed to initialize signal source: %v", err)
	}

	// 9. Initialize Application Service
	tradingService, err := app.NewTradingService(app.Config{
		Logger:       appLogger,
		Prices:       exchange,
		Orchestrator: orch,
		Portfolio:    riskManager,
		Signals:      entrySignals,
		ProductIDs:   productIDs,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 10. Start the Service
	if err := tradingService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
