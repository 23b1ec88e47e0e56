package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/exchange"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/logger"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/storage"
	"github.com/vitos/crypto_grid_bot/internal/usecase"
)

type Config struct {
	Exchange struct {
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		MarketWS     string `yaml:"market_ws"`
		AccountWS    string `yaml:"account_ws"`
	} `yaml:"exchange"`
	Trading struct {
		Symbol          string  `yaml:"symbol"`
		Leverage        int     `yaml:"leverage"`
		OrderSizeUSDT   float64 `yaml:"order_size_usdt"`
		SpacingType     string  `yaml:"spacing_type"`
		Spacing         float64 `yaml:"spacing"`
		RangePercent    float64 `yaml:"range_percent"`
		MaxTotalOrders  int     `yaml:"max_total_orders"`
		AnchorEnabled   bool    `yaml:"anchor_enabled"`
		AnchorValue     float64 `yaml:"anchor_value"`
		TPPercent       float64 `yaml:"tp_percent"`
		CycleIntervalMs int     `yaml:"cycle_interval_ms"`
		FeeRate         float64 `yaml:"fee_rate"`
	} `yaml:"trading"`
	TPAdjuster struct {
		Enabled         bool    `yaml:"enabled"`
		IntervalMinutes int     `yaml:"interval_minutes"`
		MarginPercent   float64 `yaml:"margin_percent"`
		MinTPPercent    float64 `yaml:"min_tp_percent"`
		MaxTPPercent    float64 `yaml:"max_tp_percent"`
	} `yaml:"tp_adjuster"`
	Reconciler struct {
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"reconciler"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Metrics struct {
		Port int `yaml:"port"`
	} `yaml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = "bot.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	adapter := exchange.NewBinanceAdapter(
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint,
		cfg.Exchange.MarketWS,
		cfg.Exchange.AccountWS,
		log,
	)

	gridDefaults := domain.GridSettings{
		SpacingType:    cfg.Trading.SpacingType,
		Spacing:        cfg.Trading.Spacing,
		RangePercent:   cfg.Trading.RangePercent,
		MaxTotalOrders: cfg.Trading.MaxTotalOrders,
		AnchorEnabled:  cfg.Trading.AnchorEnabled,
		AnchorValue:    cfg.Trading.AnchorValue,
		TPPercent:      cfg.Trading.TPPercent,
		OrderSizeUSDT:  cfg.Trading.OrderSizeUSDT,
	}

	tracker := usecase.NewOrderTracker(gridDefaults.Spacing, log)
	persist := usecase.NewPersistWorker(store, log)

	coordinator := usecase.NewCoordinator(
		usecase.CoordinatorConfig{
			Symbol:        cfg.Trading.Symbol,
			CycleInterval: time.Duration(cfg.Trading.CycleIntervalMs) * time.Millisecond,
			Defaults:      gridDefaults,
			Leverage:      cfg.Trading.Leverage,
		},
		adapter,
		tracker,
		&usecase.StaticSignalFilter{Allow: true, State: domain.StateActive},
		&usecase.StaticGridConfig{Settings: gridDefaults},
		persist,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adapter.Connect(ctx, []string{cfg.Trading.Symbol}); err != nil {
		log.Fatal("Failed to connect exchange streams", zap.Error(err))
	}
	defer adapter.Close()

	if err := coordinator.Restore(ctx); err != nil {
		log.Fatal("Failed to restore state from exchange", zap.Error(err))
	}

	go persist.Run(ctx)
	go coordinator.Run(ctx)

	if cfg.TPAdjuster.Enabled {
		auditLog, err := logger.NewFileLogger("tp_adjustments.log", "info")
		if err != nil {
			log.Error("Failed to init TP audit logger, using default", zap.Error(err))
			auditLog = log
		}
		adjuster := usecase.NewTPAdjuster(
			usecase.TPAdjusterConfig{
				Symbol:        cfg.Trading.Symbol,
				Interval:      time.Duration(cfg.TPAdjuster.IntervalMinutes) * time.Minute,
				BaseTPPercent: cfg.Trading.TPPercent,
				MarginPercent: cfg.TPAdjuster.MarginPercent,
				MinTPPercent:  cfg.TPAdjuster.MinTPPercent,
				MaxTPPercent:  cfg.TPAdjuster.MaxTPPercent,
			},
			adapter, tracker, persist, log, auditLog,
		)
		go adjuster.Run(ctx)
	}

	reconciler := usecase.NewReconciler(
		cfg.Trading.Symbol,
		cfg.Trading.FeeRate,
		adapter, store, log,
	)
	go reconciler.Run(ctx, time.Duration(cfg.Reconciler.IntervalMinutes)*time.Minute)

	if cfg.Metrics.Port > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("Metrics listener started", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("Metrics listener failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()

	// Cancel remaining pending orders with a fresh context; the run
	// context is already dead.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	coordinator.Stop(shutdownCtx)
}
