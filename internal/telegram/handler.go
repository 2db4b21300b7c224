package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/aide/pkg/ingest"
)

const helpText = "Send me a message or a photo and I'll answer.\n" +
	"/new or /reset starts a new conversation."

// handleUpdate turns one update into at most one item.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}
	if len(b.allow) > 0 && !b.allow[msg.From.ID] {
		b.logger.Warn().
			Int64("user_id", msg.From.ID).
			Str("username", msg.From.UserName).
			Msg("Message from user outside the allowlist ignored")
		return nil
	}

	item := ingest.InboundItem{
		ID:         strconv.Itoa(update.UpdateID),
		Source:     ingest.SourceTelegram,
		SenderKey:  SenderKey(msg.Chat.ID),
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "new", "reset":
			item.Kind = ingest.KindReset
			return b.submit(ctx, item)
		case "start", "help":
			return b.reply(msg.Chat.ID, helpText)
		}
		// Other commands go to the model as text.
	}

	item.Content.Text = msg.Text
	if msg.Caption != "" {
		item.Content.Text = msg.Caption
	}

	if att, ok, err := b.imageAttachment(ctx, msg); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Image download failed")
		if strings.TrimSpace(item.Content.Text) == "" {
			return b.reply(msg.Chat.ID, "Sorry, I couldn't download that image.")
		}
	} else if ok {
		item.Content.Attachments = append(item.Content.Attachments, att)
	}

	if item.Content.Empty() {
		b.logger.Debug().Int64("chat_id", msg.Chat.ID).Msg("Unsupported message ignored")
		return nil
	}

	b.logger.Debug().
		Int64("chat_id", msg.Chat.ID).
		Int64("user_id", msg.From.ID).
		Int("attachments", len(item.Content.Attachments)).
		Msg("Message received")

	if _, err := b.api.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug().Err(err).Msg("Typing action failed")
	}
	return b.submit(ctx, item)
}

func (b *Bot) submit(ctx context.Context, item ingest.InboundItem) error {
	b.mu.Lock()
	enqueue := b.enqueue
	b.mu.Unlock()

	err := enqueue(ctx, item)
	if errors.Is(err, ingest.ErrDuplicate) {
		return nil
	}
	return err
}

func (b *Bot) reply(chatID int64, text string) error {
	_, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}
