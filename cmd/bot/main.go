package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"gatekeeper-bot/internal/clock"
	"gatekeeper-bot/internal/config"
	"gatekeeper-bot/internal/cooldown"
	"gatekeeper-bot/internal/feed"
	"gatekeeper-bot/internal/lifecycle"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/roster"
	"gatekeeper-bot/internal/settings"
	"gatekeeper-bot/internal/storage"
	"gatekeeper-bot/internal/telegram"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to a config file (default: search ., ./configs, /etc/gatekeeper-bot)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	var logLevel slog.Level
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if cfg.Logging.JSONFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Create root context with cancellation
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// WaitGroup for tracking active goroutines
	var wg sync.WaitGroup

	db, err := storage.Open(rootCtx, cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	settingsStore := settings.NewSQLiteStore(db)
	if err := settingsStore.ReplaceDefaults(rootCtx, cfg.Defaults); err != nil {
		logger.Error("failed to store default settings", "error", err)
		os.Exit(1)
	}

	api, err := telegram.Connect(cfg.Telegram)
	if err != nil {
		logger.Error("failed to create telegram bot", "error", err)
		os.Exit(1)
	}
	adapter := telegram.NewAdapter(api, logger)

	clk := clock.NewRealClock()
	var publisher lifecycle.Publisher
	var feedServer *feed.Server
	if cfg.Feed.ListenAddr != "" {
		hub := feed.NewHub(logger)
		publisher = hub
		feedServer = feed.NewServer(cfg.Feed.ListenAddr, hub, logger)
	}

	engine := lifecycle.New(lifecycle.Deps{
		Platform:       adapter,
		Settings:       settingsStore,
		Cooldowns:      cooldown.NewStore(db, clk),
		Tickets:        request.NewSQLiteTickets(db, clk),
		TicketRequests: request.NewSQLiteTicketRequests(db, clk),
		Verifications:  request.NewSQLiteVerifications(db, clk),
		Roster:         roster.NewStore(db, clk),
		Clock:          clk,
		Publisher:      publisher,
		Logger:         logger,
	}, cfg.LifecycleOptions())

	restored, err := engine.Rehydrate(rootCtx)
	if err != nil {
		logger.Error("failed to restore pending requests", "error", err)
		os.Exit(1)
	}
	logger.Info("restored pending requests", "count", restored)

	bot := telegram.NewBot(cfg.Telegram, api, telegram.NewHandler(adapter, engine, settingsStore, cfg.Telegram, logger), logger)

	// Start bot in goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bot.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bot error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeps stopped", "error", err)
		}
	}()

	if feedServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feedServer.Run(rootCtx); err != nil {
				logger.Error("feed server error", "error", err)
			}
		}()
	}

	logger.Info("gatekeeper started",
		"allowed_chats", cfg.Telegram.AllowedChats,
		"database", cfg.Database.Path,
		"feed_addr", cfg.Feed.ListenAddr,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig)

	// Cancel root context to signal all goroutines
	rootCancel()

	// Wait for graceful shutdown with timeout
	shutdownTimeout := 30 * time.Second
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("graceful shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}
}
