package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/lsventura/cryptoTrader/config"
	"github.com/lsventura/cryptoTrader/internal/api"
	"github.com/lsventura/cryptoTrader/internal/auth"
	"github.com/lsventura/cryptoTrader/internal/binance"
	"github.com/lsventura/cryptoTrader/internal/database"
	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/execution"
	"github.com/lsventura/cryptoTrader/internal/logging"
	"github.com/lsventura/cryptoTrader/internal/monitor"
	"github.com/lsventura/cryptoTrader/internal/notification"
	"github.com/lsventura/cryptoTrader/internal/persistence"
	"github.com/lsventura/cryptoTrader/internal/risk"
	"github.com/lsventura/cryptoTrader/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to configuration file (.json or .toml)")
	generateConfig := flag.String("generate-config", "", "Write a sample configuration to this path and exit")
	hashToken := flag.String("hash-token", "", "Print the bcrypt hash of an API token and exit")
	flag.Parse()

	if *generateConfig != "" {
		if err := config.GenerateSampleConfig(*generateConfig); err != nil {
			log.Fatalf("Failed to generate config: %v", err)
		}
		fmt.Printf("Sample config written to %s\n", *generateConfig)
		return
	}

	if *hashToken != "" {
		hash, err := auth.HashToken(*hashToken, bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash token: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	logger.Info().
		Str("symbol", cfg.TradingConfig.Symbol).
		Bool("paper", cfg.BinanceConfig.PaperTrading).
		Bool("testnet", cfg.BinanceConfig.TestNet).
		Msg("Starting position risk monitor")

	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("Exited with error")
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
	logCloser.Close()
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// Credentials from Vault win over the config file
	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		creds, err := vc.Credentials(ctx)
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		cfg.BinanceConfig.APIKey = creds.APIKey
		cfg.BinanceConfig.SecretKey = creds.SecretKey
		cfg.BinanceConfig.TestNet = cfg.BinanceConfig.TestNet || creds.IsTestnet
		logger.Info().Str("path", cfg.VaultConfig.SecretPath).Msg("Loaded exchange credentials from Vault")
	}

	gw := newGateway(cfg, logger)

	// ==================== PERSISTENCE ====================

	fileStore, err := persistence.NewFileStore(cfg.PersistenceConfig.SnapshotPath, logger)
	if err != nil {
		return err
	}
	var store monitor.Store = fileStore

	g, gctx := errgroup.WithContext(ctx)

	var rdb *redis.Client
	if cfg.RedisConfig.Enabled {
		rdb, err = persistence.NewRedisClient(ctx, persistence.RedisConfig{
			Addr:       cfg.RedisConfig.Address,
			Password:   cfg.RedisConfig.Password,
			DB:         cfg.RedisConfig.DB,
			PoolSize:   cfg.RedisConfig.PoolSize,
			TLSEnabled: cfg.RedisConfig.TLSEnabled,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()

		lock, err := persistence.NewLockManager(rdb).Acquire(ctx, cfg.RedisConfig.LockKey, cfg.RedisConfig.LockTTL.Duration())
		if errors.Is(err, persistence.ErrLockHeld) {
			return fmt.Errorf("another instance holds lock %q: %w", cfg.RedisConfig.LockKey, err)
		}
		if err != nil {
			return err
		}
		defer lock.Release()

		g.Go(func() error {
			if err := lock.KeepAlive(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("instance lock lost: %w", err)
			}
			return nil
		})

		if cfg.PersistenceConfig.RedisMirror {
			mirror := persistence.NewRedisStore(rdb, cfg.PersistenceConfig.RedisKey, cfg.PersistenceConfig.RedisTTL.Duration(), logger)
			store = persistence.NewMirrorStore(logger, fileStore, mirror)
		}
	}

	bus := events.NewEventBus()

	// ==================== AUDIT TRAIL ====================

	var (
		audit  api.AuditReader
		health api.HealthChecker
	)
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, database.Config{
			URL:      cfg.DatabaseConfig.URL,
			MaxConns: int32(cfg.DatabaseConfig.MaxConns),
		}, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		if cfg.DatabaseConfig.RunMigrations {
			if err := db.RunMigrations(ctx); err != nil {
				return err
			}
		}
		repo := database.NewAuditRepository(db.Pool, logger)
		repo.Subscribe(bus)
		audit = repo
		health = db
	}

	// ==================== NOTIFICATIONS ====================

	if cfg.NotificationConfig.Enabled {
		manager := notification.NewManager(logger)
		tg, err := notification.NewTelegramNotifier(notification.TelegramConfig{
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Telegram notifier disabled")
		} else {
			manager.AddNotifier(tg)
		}
		manager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
		}))
		manager.Subscribe(bus)
		logger.Info().Int("notifiers", manager.Len()).Msg("Notifications enabled")
	}

	// ==================== MONITORS ====================

	registry := monitor.NewRegistry(store, gw, monitor.Options{
		PollInterval: cfg.MonitorConfig.PollInterval.Duration(),
		RetryBackoff: cfg.MonitorConfig.PriceRetryBackoff.Duration(),
		CloseTimeout: cfg.MonitorConfig.CloseTimeout.Duration(),
	}, logger, bus)

	defaults := monitor.RiskDefaults{
		StopLossPct:           cfg.RiskConfig.StopLossPct,
		TrailingActivationPct: cfg.RiskConfig.TrailingActivationPct,
		CallbackRatePct:       cfg.RiskConfig.TrailingCallbackRate,
	}
	if cfg.MonitorConfig.ReconcileOnStartup {
		snap, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load monitor snapshot: %w", err)
		}
		report, err := monitor.Reconcile(ctx, registry, snap, gw, defaults, logger)
		if err != nil {
			return err
		}
		logger.Info().
			Int("restored", len(report.Restored)).
			Int("orphans", len(report.Orphans)).
			Int("invalid", len(report.Invalid)).
			Int("unverified", len(report.Unverified)).
			Msg("Startup reconciliation complete")
	} else {
		logger.Warn().Msg("Startup reconciliation disabled, persisted monitors will not be restored")
	}

	sizer := risk.NewRiskManager(risk.Config{
		RiskPerTradePct:  cfg.RiskConfig.RiskPerTradePct,
		Leverage:         cfg.TradingConfig.Leverage,
		MinNotional:      cfg.TradingConfig.MinNotional,
		MinNotionalScale: cfg.TradingConfig.MinNotionalScale,
	})
	orchestrator := execution.New(gw, registry, sizer, execution.Config{
		Symbol:                cfg.TradingConfig.Symbol,
		QuoteAsset:            cfg.TradingConfig.QuoteAsset,
		Leverage:              cfg.TradingConfig.Leverage,
		StopLossPct:           cfg.RiskConfig.StopLossPct,
		TrailingActivationPct: cfg.RiskConfig.TrailingActivationPct,
		CallbackRatePct:       cfg.RiskConfig.TrailingCallbackRate,
		MaxEntryAttempts:      cfg.TradingConfig.MaxEntryAttempts,
		JoinTimeout:           cfg.MonitorConfig.JoinTimeout.Duration(),
	}, logger, bus)

	// ==================== API SERVER ====================

	if cfg.ServerConfig.Enabled {
		server := api.NewServer(api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			ProductionMode: !cfg.BinanceConfig.TestNet && !cfg.BinanceConfig.PaperTrading,
			AllowedOrigins: splitOrigins(cfg.ServerConfig.AllowedOrigins),
			ReadTimeout:    cfg.ServerConfig.ReadTimeout.Duration(),
			WriteTimeout:   cfg.ServerConfig.WriteTimeout.Duration(),
			StopTimeout:    cfg.MonitorConfig.JoinTimeout.Duration(),
			AuthEnabled:    cfg.ServerConfig.AuthEnabled,
			JWTSecret:      cfg.ServerConfig.JWTSecret,
			APITokenHash:   cfg.ServerConfig.APITokenHash,
		}, api.Deps{
			Executor: orchestrator,
			Monitors: registry,
			Audit:    audit,
			DB:       health,
			Bus:      bus,
		}, logger)

		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerConfig.ShutdownTimeout.Duration())
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down monitors")
		if err := registry.Shutdown(cfg.MonitorConfig.JoinTimeout.Duration()); err != nil {
			logger.Warn().Err(err).Msg("Some monitors did not stop in time")
		}
		if !bus.Drain(5 * time.Second) {
			logger.Warn().Msg("Event handlers still running at exit")
		}
		return nil
	})

	return g.Wait()
}

// newGateway picks the paper or live exchange client
func newGateway(cfg *config.Config, logger zerolog.Logger) *binance.Gateway {
	live := binance.NewFuturesClient(binance.ClientConfig{
		APIKey:     cfg.BinanceConfig.APIKey,
		SecretKey:  cfg.BinanceConfig.SecretKey,
		Testnet:    cfg.BinanceConfig.TestNet,
		BaseURL:    cfg.BinanceConfig.BaseURL,
		Timeout:    cfg.BinanceConfig.Timeout.Duration(),
		MaxRetries: cfg.BinanceConfig.MaxRetries,
	}, logger)

	if cfg.BinanceConfig.PaperTrading {
		logger.Info().Float64("balance", cfg.BinanceConfig.PaperBalance).Msg("Paper trading against live prices")
		return binance.NewGateway(binance.NewPaperClient(cfg.BinanceConfig.PaperBalance, live.GetFuturesCurrentPrice), logger)
	}
	return binance.NewGateway(live, logger)
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
