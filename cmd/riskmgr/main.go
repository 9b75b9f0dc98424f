package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/risk_lifecycle/internal/config"
	"github.com/vitos/risk_lifecycle/internal/infrastructure/exchange"
	"github.com/vitos/risk_lifecycle/internal/infrastructure/logger"
	"github.com/vitos/risk_lifecycle/internal/infrastructure/storage"
	"github.com/vitos/risk_lifecycle/internal/notify"
	"github.com/vitos/risk_lifecycle/internal/usecase"
	"github.com/vitos/risk_lifecycle/internal/web"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Config loaded",
		zap.String("exchange", cfg.Exchange.Name),
		zap.String("endpoint", cfg.Exchange.RESTEndpoint),
		zap.String("api_key", cfg.MaskedKey()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Init Storage
	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.StorageDSN())
	if err != nil {
		log.Fatal("Failed to init storage", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	defer store.Close()

	// 4. Risk model
	tiers, err := cfg.BuildTiers()
	if err != nil {
		log.Fatal("Invalid tier config", zap.Error(err))
	}
	resolver, err := usecase.NewTierResolver(tiers)
	if err != nil {
		log.Fatal("Invalid tier config", zap.Error(err))
	}
	calc, err := usecase.NewRiskCalculator(cfg.CalculatorConfig())
	if err != nil {
		log.Fatal("Invalid calculator config", zap.Error(err))
	}

	// 5. Init Exchange (Binance futures)
	adapter := exchange.NewBinanceAdapter(cfg.BinanceConfig(), log)

	if _, err := adapter.SyncTime(ctx); err != nil {
		log.Warn("Initial time sync failed", zap.Error(err))
	}
	modes := usecase.NewPositionModeNegotiator(adapter, cfg.ModeTTL(), log)
	if mode, err := modes.CurrentMode(ctx); err != nil {
		log.Warn("Could not read position mode", zap.Error(err))
	} else {
		log.Info("Position mode", zap.Bool("hedge", mode.DualSidePosition))
	}

	// 6. Events
	hub := web.NewEventHub(log)
	dispatcher := notify.NewDispatcher(cfg.Events.Buffer, log,
		notify.NewLogSink(log),
		notify.NewRepositorySink(store),
		hub,
	)
	// events outlive ctx so transitions finishing during shutdown still get out
	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()
	go dispatcher.Run(eventsCtx)

	// 7. Lifecycle manager
	positions := usecase.NewPositionStore(store)
	if err := positions.Load(ctx); err != nil {
		log.Fatal("Failed to load positions", zap.Error(err))
	}
	log.Info("Positions restored", zap.Int("count", positions.Len()))

	manager := usecase.NewLifecycleManager(adapter, modes, resolver, calc, positions, store, dispatcher, cfg.LifecycleConfig(), log)
	managerDone := make(chan error, 1)
	go func() {
		managerDone <- manager.Run(ctx)
	}()

	// 8. Web server
	server := web.NewServer(cfg.Server.Port, manager, store, hub, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Web server failed", zap.Error(err))
			stop()
		}
	}()

	// 9. Wait for Shutdown
	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown", zap.Error(err))
	}
	select {
	case err := <-managerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Lifecycle manager stopped with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		log.Warn("Lifecycle manager did not stop in time")
	}

	// the repository sink writes to the store, so drain before it closes
	stopEvents()
	select {
	case <-dispatcher.Done():
	case <-shutdownCtx.Done():
		log.Warn("Event dispatcher did not drain in time", zap.Int("dropped", dispatcher.Dropped()))
	}
	log.Info("Stopped")
}
