package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/api"
	"trading-engine/internal/engine"
	"trading-engine/internal/errs"
	"trading-engine/internal/exchange"
	"trading-engine/internal/gateway"
	"trading-engine/internal/order"
	"trading-engine/internal/persistence"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/logger"
	"trading-engine/pkg/secret"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML configuration")
		envFile    = flag.String("env", ".env", "environment file with exchange credentials")
		issueToken = flag.String("issue-token", "", "print an API token for this operator and exit")
		seal       = flag.String("seal", "", "seal a credential with "+config.SealingKeyEnv+" and exit")
		genKey     = flag.Bool("generate-sealing-key", false, "print a new sealing key and exit")
	)
	flag.Parse()

	if *genKey {
		key, err := secret.GenerateKey()
		exitOnErr(err)
		fmt.Println(key)
		return
	}
	if *seal != "" {
		sealer, err := secret.NewSealerFromBase64(os.Getenv(config.SealingKeyEnv), 1)
		exitOnErr(err)
		sealed, err := sealer.Seal(*seal)
		exitOnErr(err)
		fmt.Println(sealed)
		return
	}

	cfg, err := config.Load(*configPath, *envFile)
	exitOnErr(err)

	if *issueToken != "" {
		token, expiresAt, err := api.IssueToken(*issueToken, cfg.API.JWTSecret, cfg.API.TokenTTL)
		exitOnErr(err)
		fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
		return
	}

	log, err := logger.New(cfg.Logging)
	exitOnErr(err)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("engine stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	storage := persistence.New(database, persistence.Config{BotID: cfg.Storage.BotID, Logger: log})
	defer func() {
		if err := storage.Close(); err != nil {
			log.Warn("flush storage", zap.Error(err))
		}
	}()

	rt := exchange.NewRuntime(log)
	gwCfg := gateway.DefaultConfig()
	gwCfg.Storage = storage
	gwCfg.SnapshotInterval = cfg.Storage.SnapshotInterval
	gwCfg.Logger = log
	gw := gateway.NewManager(rt, gwCfg)
	// Stopping uses a fresh context; ctx is already done on a signal.
	defer gw.Stop(context.Background())

	log.Info("starting trading engine",
		zap.String("bot_id", storage.BotID()),
		zap.Bool("backtesting", cfg.Backtesting.Enabled),
		zap.Bool("trading", cfg.TradingEnabled()))

	if err := gw.Build(ctx, cfg); err != nil {
		return err
	}
	if len(gw.Entries()) == 0 {
		return errs.New(errs.InvalidArgument, "no enabled exchange configured")
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	svc := engine.NewImpl(engine.Config{
		Runtime: rt,
		Health:  gw,
		Meta: engine.SystemStatus{
			Mode:    mode(cfg),
			Version: version(),
			BotID:   storage.BotID(),
		},
	})

	if cfg.Backtesting.Enabled {
		if err := gw.RunBacktests(ctx); err != nil {
			return err
		}
		report(ctx, svc, log)
		return nil
	}

	if cfg.API.Enabled {
		server := api.NewServer(svc, api.Options{JWTSecret: cfg.API.JWTSecret, Logger: log})
		if err := server.Run(ctx, cfg.API.Address); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		log.Info("shutting down")
		return nil
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// report logs the final portfolio of every exchange.
func report(ctx context.Context, svc engine.Service, log *zap.Logger) {
	exchanges, err := svc.ListExchanges(ctx)
	if err != nil {
		log.Warn("list exchanges", zap.Error(err))
		return
	}
	for _, ex := range exchanges {
		pf, err := svc.GetPortfolio(ctx, ex.ID)
		if err != nil {
			log.Warn("portfolio", zap.String("exchange", ex.ID), zap.Error(err))
			continue
		}
		trades, _ := svc.GetTrades(ctx, ex.ID, order.TradeFilter{})
		log.Info("backtest result",
			zap.String("exchange", ex.ID),
			zap.String("reference_market", pf.ReferenceMarket),
			zap.String("value", pf.Value.String()),
			zap.Int("trades", len(trades)))
	}
}

func mode(cfg *config.Config) string {
	switch {
	case cfg.Backtesting.Enabled:
		return "backtesting"
	case cfg.Trader.Enabled:
		return "live"
	case cfg.TraderSimulator.Enabled:
		return "simulated"
	default:
		return "watch-only"
	}
}

func version() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "v0.1-dev"
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
