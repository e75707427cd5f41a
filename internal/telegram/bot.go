package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gatekeeper-bot/internal/config"
)

// Bot represents the Telegram bot
type Bot struct {
	api     *tgbotapi.BotAPI
	handler *Handler
	cfg     config.TelegramConfig
	logger  *slog.Logger

	// Track active update processing
	activeRequests sync.WaitGroup
}

// Connect authenticates with the Bot API.
func Connect(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return api, nil
}

// NewBot creates a new Telegram bot
func NewBot(cfg config.TelegramConfig, api *tgbotapi.BotAPI, handler *Handler, logger *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts the bot and blocks until context is cancelled
func (b *Bot) Run(ctx context.Context) error {
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()

	updates := make(chan Update, 100)
	go b.poll(pollCtx, updates)

	b.logger.Info("bot started", "username", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stopping bot, waiting for active requests")
			stopPolling()

			// Wait for active requests with timeout
			done := make(chan struct{})
			go func() {
				b.activeRequests.Wait()
				close(done)
			}()

			select {
			case <-done:
				b.logger.Info("all active requests completed")
			case <-time.After(25 * time.Second):
				b.logger.Warn("some requests may not have completed")
			}

			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				return nil
			}

			b.activeRequests.Add(1)
			go func(upd Update) {
				defer b.activeRequests.Done()

				// Shutdown does not cancel handlers; only the request timeout does.
				reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.RequestTimeout)
				defer cancel()

				b.handler.HandleUpdate(reqCtx, upd)
			}(update)
		}
	}
}

// GetBotInfo returns information about the bot
func (b *Bot) GetBotInfo() tgbotapi.User {
	return b.api.Self
}
