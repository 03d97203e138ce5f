package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-control-core/config"
	"trading-control-core/internal/api"
	"trading-control-core/internal/auth"
	"trading-control-core/internal/bandit"
	"trading-control-core/internal/cache"
	"trading-control-core/internal/consensus"
	"trading-control-core/internal/database"
	"trading-control-core/internal/emergency"
	"trading-control-core/internal/events"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/metrics"
	"trading-control-core/internal/notification"
	"trading-control-core/internal/pipeline"
	"trading-control-core/internal/risk"
	"trading-control-core/internal/signals"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize event bus and metrics
	eventBus := events.NewEventBus()
	collector := metrics.NewCollector()
	collector.Attach(eventBus)
	logger.Info("Event bus initialized")

	// Initialize notification manager
	var notifyManager *notification.Manager
	if cfg.NotificationConfig.Enabled {
		notifyManager = notification.NewManager(cfg.NotificationConfig.Manager(), logger)

		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info("Telegram notifications enabled")
		}

		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info("Discord notifications enabled")
		}
		logger.Info("Notification manager initialized", "providers", notifyManager.Providers())
	}

	// Initialize database (optional)
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Name,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
			MaxConns: int32(cfg.DatabaseConfig.MaxConns),
		}, logger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		repo = database.NewRepository(db)
	}

	// Load preset catalogue
	presets, err := config.LoadPresets(cfg.PresetsFile)
	if err != nil {
		log.Fatalf("Failed to load presets: %v", err)
	}
	defaultPreset, err := presets.Get(cfg.ConsensusConfig.DefaultPreset)
	if err != nil {
		log.Fatalf("Default preset: %v", err)
	}
	logger.Info("Presets loaded", "presets", presets.Names(), "default", defaultPreset.Name)

	// Initialize consensus engine
	feed := market.NewStaticFeed()
	engine, err := consensus.NewEngine(cfg.ConsensusConfig.Engine(), defaultPreset, feed, logger)
	if err != nil {
		log.Fatalf("Failed to create consensus engine: %v", err)
	}
	engine.SetEventBus(eventBus)
	pinned := registerSources(engine, logger)

	// Initialize position sizer
	riskStore := risk.NewRiskMetricsStore(0)
	sizer, err := risk.NewDynamicPositionSizer(cfg.SizingConfig, riskStore, logger)
	if err != nil {
		log.Fatalf("Failed to create position sizer: %v", err)
	}
	sizer.SetEventBus(eventBus)

	// Initialize allocation bandit
	allocator, err := bandit.New(cfg.BanditConfig, logger, bandit.WithEventBus(eventBus))
	if err != nil {
		log.Fatalf("Failed to create bandit: %v", err)
	}

	// Initialize emergency controller. The pipeline is created afterwards and
	// feeds the health loop through coordinator.HealthMetrics.
	var coordinator *pipeline.Coordinator
	opts := []emergency.Option{
		emergency.WithEventBus(eventBus),
		emergency.WithMetricsSource(emergency.MetricsFunc(func(ctx context.Context) ([]emergency.SystemMetrics, error) {
			if coordinator == nil {
				return nil, nil
			}
			return coordinator.HealthMetrics(ctx)
		})),
	}
	if notifyManager != nil {
		opts = append(opts, emergency.WithNotifier(notifyManager))
	}
	if repo != nil {
		opts = append(opts, emergency.WithRecorder(repo))
	}
	controller := emergency.NewController(cfg.EmergencyConfig.Controller(), logger, opts...)
	engine.SetGate(controller)
	collector.TrackStatus(func() (string, int) {
		st := controller.GetEmergencyStatus()
		return string(st.SystemStatus), st.ActiveCount
	})

	// Initialize pipeline
	deps := pipeline.Deps{
		Gate:      controller,
		Engine:    engine,
		Sizer:     sizer,
		Allocator: allocator,
		Monitor:   controller,
		Feed:      feed,
		Presets:   presets,
		Ledger:    risk.NewDailyLedger(cfg.AccountBalance),
	}
	if repo != nil {
		deps.Journal = repo
	}
	coordinator, err = pipeline.New(deps, logger)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	// Restore learned state from Redis (optional)
	var snapshotsDone <-chan struct{}
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn("Redis unavailable, learned state will not persist", "error", err)
		} else {
			defer cacheService.Close()
			snapshots := cache.NewSnapshotStore(cacheService, riskStore, allocator,
				time.Duration(cfg.RedisConfig.SnapshotInterval)*time.Second, logger)
			if err := snapshots.Load(ctx); err != nil {
				logger.Warn("Failed to restore snapshots", "error", err)
			}
			snapshotsDone = snapshots.Start(ctx)
		}
	}

	controller.Start(ctx)

	// Initialize web server
	apiDeps := api.Deps{
		Engine:    engine,
		Sizer:     sizer,
		Risk:      riskStore,
		Emergency: controller,
		Bandit:    allocator,
		Planner:   coordinator,
		Presets:   presets,
		Bus:       eventBus,
		Metrics:   collector.Handler(),
		Signals:   pinned,
		Quotes:    feed,
	}
	if repo != nil {
		apiDeps.Archive = repo
	}
	if cfg.AuthConfig.Enabled() {
		apiDeps.Auth = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, cfg.AuthConfig.TokenDuration)
		logger.Info("Operator authentication enabled", "issuer", cfg.AuthConfig.Issuer)
	} else {
		logger.Warn("AUTH_JWT_SECRET not set, operator routes are unauthenticated")
	}

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: cfg.LoggingConfig.JSONFormat,
		AllowedOrigins: cfg.ServerConfig.Origins(),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
	}, apiDeps, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Web server failed", "error", err)
			if notifyManager != nil {
				notifyManager.SendError("Control core web server failed", err.Error())
			}
			cancel()
		}
	}()
	logger.Info("Control core started", "port", cfg.ServerConfig.Port)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down web server", "error", err)
	}
	controller.Stop()
	cancel()
	if snapshotsDone != nil {
		<-snapshotsDone
	}

	logger.Info("Shutdown complete")
}

// registerSources adds one pinnable static source per category. Unpinned
// symbols vote NEUTRAL with zero confidence, which never clears the
// confidence gate.
func registerSources(engine *consensus.Engine, logger *logging.Logger) map[signals.Category]api.SignalPinner {
	pinned := make(map[signals.Category]api.SignalPinner, len(signals.AllCategories))
	for _, cat := range signals.AllCategories {
		src := signals.NewStaticSource("static-"+string(cat), cat)
		src.SetDefault(signals.DirectionNeutral, 0)
		if err := engine.AddSource(src); err != nil {
			logger.Warn("Failed to register source", "category", string(cat), "error", err)
			continue
		}
		pinned[cat] = src
	}
	return pinned
}
