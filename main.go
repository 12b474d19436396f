package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"triad-trading-bot/config"
	"triad-trading-bot/internal/api"
	"triad-trading-bot/internal/bot"
	"triad-trading-bot/internal/cache"
	"triad-trading-bot/internal/database"
	"triad-trading-bot/internal/events"
	"triad-trading-bot/internal/notification"
	"triad-trading-bot/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	sampleConfig := flag.String("sample-config", "", "write a sample config to the given path and exit")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		fmt.Printf("Sample config written to %s\n", *sampleConfig)
		return
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().
		Str("bot_id", cfg.BotConfig.BotID).
		Str("symbol", cfg.BotConfig.Symbol).
		Str("instrument_class", cfg.BotConfig.InstrumentClass).
		Msg("Starting")

	ctx := context.Background()

	eventBus := events.NewEventBus(logger)
	defer eventBus.Close()

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Database migrations failed")
	}

	var cacheService *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Cache unavailable, group counters fall back to local sequence")
			cacheService = nil
		} else {
			defer cacheService.Close()
		}
	}

	apiKey, secretKey := cfg.BrokerConfig.APIKey, cfg.BrokerConfig.SecretKey
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("Vault client failed")
		}
		creds, err := vaultClient.GetCredentials(ctx, cfg.BotConfig.BotID)
		if err != nil {
			logger.Fatal().Err(err).Msg("Loading broker credentials from Vault failed")
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
		logger.Info().Msg("Broker credentials loaded from Vault")
	}

	if cfg.NotificationConfig.Enabled {
		notifyManager := notification.NewManager(true, logger)
		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
			logger.Info().Msg("Telegram notifications enabled")
		}
		notifyManager.SubscribeTo(eventBus)
	}

	tradingBot, err := bot.New(bot.Deps{
		Config:    cfg,
		Repo:      db,
		Cache:     cacheService,
		Bus:       eventBus,
		APIKey:    apiKey,
		SecretKey: secretKey,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Bot assembly failed")
	}

	if err := tradingBot.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Bot startup failed")
	}

	var apiServer *api.Server
	if cfg.APIConfig.Enabled {
		apiServer = api.NewServer(cfg.APIConfig, tradingBot.Ledger(), tradingBot.RateLimiter(), tradingBot, logger)
		apiServer.AddHealthCheck("database", db.Ping)
		if cacheService != nil {
			apiServer.AddHealthCheck("redis", func(context.Context) error {
				if !cacheService.IsHealthy() {
					return fmt.Errorf("circuit breaker open")
				}
				return nil
			})
		}
		apiServer.AddHealthCheck("broker", func(context.Context) error {
			if tradingBot.RateLimiter().IsCircuitOpen() {
				return fmt.Errorf("rate limit circuit open")
			}
			return nil
		})
		if err := apiServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("API server startup failed")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-tradingBot.Done():
		logger.Error().Msg("Bot halted itself, shutting down")
	}

	if apiServer != nil {
		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("API shutdown failed")
		}
	}
	tradingBot.Stop()

	if err := tradingBot.FatalErr(); err != nil {
		logger.Error().Err(err).Msg("Exited after fatal error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

// newLogger builds the root zerolog logger from the logging config.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
