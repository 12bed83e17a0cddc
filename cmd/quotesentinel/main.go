package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rewired-gh/quotesentinel/internal/alert"
	"github.com/rewired-gh/quotesentinel/internal/config"
	"github.com/rewired-gh/quotesentinel/internal/dedup"
	"github.com/rewired-gh/quotesentinel/internal/detector"
	"github.com/rewired-gh/quotesentinel/internal/feed"
	"github.com/rewired-gh/quotesentinel/internal/logger"
	"github.com/rewired-gh/quotesentinel/internal/models"
	"github.com/rewired-gh/quotesentinel/internal/storage"
	"github.com/rewired-gh/quotesentinel/internal/subscription"
	"github.com/rewired-gh/quotesentinel/internal/supervisor"
	"github.com/rewired-gh/quotesentinel/internal/telegram"
	"github.com/rewired-gh/quotesentinel/internal/watchlist"
	flag "github.com/spf13/pflag"
)

var (
	configPath = flag.StringP("config", "c", "configs/config.yaml", "Path to configuration file")
	envFile    = flag.String("env-file", ".env", "Path to a .env file with secrets")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAgeDays); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Configuration loaded from %s", *configPath)

	loc := cfg.Location()
	gate := dedup.New(
		dedup.WithLocation(loc),
		dedup.WithCutoverHour(cfg.Monitor.TradingDayCutoverHour),
		dedup.WithCooldown(cfg.Monitor.Cooldown),
	)

	var sessionLog supervisor.SessionLog
	if cfg.Storage.Enabled {
		store, err := storage.New(0, cfg.Storage.DBPath)
		if err != nil {
			logger.Fatal("Failed to initialize storage: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		sessionLog = store
	}

	var sender alert.Sender = alert.LogSender{}
	if cfg.Webhook.Enabled {
		sender = alert.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret)
		logger.Info("Webhook delivery enabled (%s)", cfg.MaskedWebhook())
	} else {
		logger.Warn("Webhook disabled, alerts are only logged")
	}

	dispatchOpts := []alert.Option{
		alert.WithRetry(cfg.Webhook.RetryTimes, cfg.Webhook.RetryInterval),
		alert.WithAttemptTimeout(cfg.Webhook.Timeout),
		alert.WithRateLimit(cfg.Webhook.RatePerMinute),
		alert.WithFailureAlertAfter(cfg.Webhook.FailureAlertAfter),
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		dispatchOpts = append(dispatchOpts, alert.WithMirror(telegramClient))
		logger.Info("Telegram mirror initialized successfully")
	} else {
		logger.Debug("Telegram mirror disabled")
	}
	dispatcher := alert.NewDispatcher(sender, gate, dispatchOpts...)

	feedOpts := feed.Options{
		WSURL:        cfg.Provider.WSURL,
		RESTURL:      cfg.Provider.RESTURL,
		AppKey:       cfg.Provider.AppKey,
		AccessToken:  cfg.Provider.AccessToken,
		Timeout:      cfg.Provider.Timeout,
		PingInterval: cfg.Provider.PingInterval,
	}

	var source subscription.WatchlistSource
	if cfg.Watchlist.File != "" {
		source = watchlist.NewFileSource(cfg.Watchlist.File, cfg.Watchlist.Groups)
		logger.Info("Using watchlist file %s", cfg.Watchlist.File)
	} else {
		source = watchlist.NewHTTPSource(cfg.Provider.RESTURL, cfg.Provider.AccessToken, cfg.Watchlist.Groups, cfg.Provider.Timeout)
	}
	manager := subscription.NewManager(source, cfg.Monitor.Symbols, models.SubTypeQuote)

	envThresholds, err := config.ThresholdsFromEnv(config.DefaultThresholds())
	if err != nil {
		logger.Warn("Ignoring malformed threshold environment values: %v", err)
	}

	resetHour, resetMinute := cfg.DailyReset()
	sup := supervisor.New(supervisor.Config{
		TickInterval:     cfg.Monitor.TickInterval,
		RefreshInterval:  cfg.Monitor.RefreshInterval,
		Workers:          cfg.Monitor.Workers,
		QueueSize:        cfg.Monitor.QueueSize,
		MaxRetries:       cfg.Monitor.MaxRetries,
		BaseDelay:        cfg.Monitor.BaseDelay,
		MaxDelay:         cfg.Monitor.MaxDelay,
		DegradedCooldown: cfg.Monitor.DegradedCooldown,
		ShutdownGrace:    cfg.Monitor.ShutdownGrace,
		Location:         loc,
		ResetHour:        resetHour,
		ResetMinute:      resetMinute,
	}, supervisor.Components{
		Dial: func(ctx context.Context) (supervisor.Connection, error) {
			conn, err := feed.Dial(ctx, feedOpts)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Puller:     feed.NewPuller(feedOpts),
		Manager:    manager,
		Detector:   detector.New(detector.WithRiskFreeRate(cfg.Monitor.RiskFreeRate)),
		Thresholds: config.NewThresholdStore(cfg.Thresholds),
		Gate:       gate,
		Alerts:     dispatcher,
		Log:        sessionLog,
		Reload: func(context.Context) (config.Thresholds, []string, error) {
			return config.LoadThresholds(*configPath, envThresholds)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, sup)
	}

	logger.Info("Starting quote monitor (tick: %v, refresh: %v, cutover: %02d:00, daily reset: %02d:%02d %s)",
		cfg.Monitor.TickInterval,
		cfg.Monitor.RefreshInterval,
		cfg.Monitor.TradingDayCutoverHour,
		resetHour, resetMinute, loc,
	)

	if err := sup.Run(ctx); err != nil {
		logger.Error("Supervisor exited: %v", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}
