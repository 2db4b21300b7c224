// Package telegram is the primary chat channel: long polling for updates,
// an optional user allowlist, photo download and reply delivery.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/aide/pkg/channels"
	"github.com/harun/aide/pkg/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultPollTimeout = 60
	// MaxPhotoSize bounds a downloaded photo.
	MaxPhotoSize = 5 * 1024 * 1024
)

// botAPI is the part of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Config configures the bot.
type Config struct {
	Token string
	// Allowlist holds the Telegram user ids allowed to talk to the bot.
	// Empty allows everyone.
	Allowlist   []int64
	PollTimeout int // seconds
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
}

// Bot is the Telegram channel. It implements channels.Channel.
type Bot struct {
	api    botAPI
	cfg    Config
	logger zerolog.Logger
	allow  map[int64]bool
	client *http.Client

	mu      sync.Mutex
	enqueue channels.EnqueueFunc
	running bool
	done    chan struct{}
}

// New authenticates with the bot token.
func New(cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	b := newBot(cfg, api)
	b.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return b, nil
}

func newBot(cfg Config, api botAPI) *Bot {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	allow := make(map[int64]bool, len(cfg.Allowlist))
	for _, id := range cfg.Allowlist {
		allow[id] = true
	}
	return &Bot{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "telegram").Logger(),
		allow:  allow,
		client: client,
	}
}

// Name returns the telegram source.
func (b *Bot) Name() ingest.Source { return ingest.SourceTelegram }

// Start begins long polling. Updates are turned into items and enqueued.
func (b *Bot) Start(ctx context.Context, enqueue channels.EnqueueFunc) error {
	if enqueue == nil {
		return fmt.Errorf("enqueue function is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "new", Description: "Start a new conversation"},
		tgbotapi.BotCommand{Command: "reset", Description: "Start a new conversation"},
		tgbotapi.BotCommand{Command: "help", Description: "Show help"},
	)); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to set bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(u)

	b.enqueue = enqueue
	b.running = true
	b.done = make(chan struct{})
	go b.processUpdates(context.WithoutCancel(ctx), updates, b.done)

	b.logger.Info().Int("allowlist", len(b.allow)).Msg("Telegram bot started")
	return nil
}

// Stop ends long polling and waits for the update loop to finish.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	done := b.done
	b.mu.Unlock()

	b.api.StopReceivingUpdates()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("telegram update loop did not stop: %w", ctx.Err())
	}
	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for update := range updates {
		if err := b.handleUpdate(ctx, update); err != nil {
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("Failed to handle update")
		}
	}
}

// Deliver sends d.Text to the chat encoded in d.SenderKey, split into
// Telegram-sized messages.
func (b *Bot) Deliver(_ context.Context, d channels.Delivery) error {
	chatID, err := ChatID(d.SenderKey)
	if err != nil {
		return err
	}
	for _, part := range SplitMessage(d.Text, maxMessageRunes) {
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	b.logger.Debug().Int64("chat_id", chatID).Str("session_id", d.SessionID).Msg("Reply delivered")
	return nil
}

// SenderKey builds the sender key for a chat.
func SenderKey(chatID int64) string {
	return string(ingest.SourceTelegram) + ":" + strconv.FormatInt(chatID, 10)
}

// ChatID parses a sender key built by SenderKey.
func ChatID(senderKey string) (int64, error) {
	raw, ok := strings.CutPrefix(senderKey, string(ingest.SourceTelegram)+":")
	if !ok {
		return 0, fmt.Errorf("not a telegram sender key: %q", senderKey)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	return id, nil
}
