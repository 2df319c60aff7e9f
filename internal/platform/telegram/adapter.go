// Package telegram implements the Telegram adapter on the Bot API. Inbound
// messages arrive through long polling; conversation ids are chat ids.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/platform"
)

// Adapter sends and receives messages through the Telegram Bot API.
type Adapter struct {
	bot       *tgbotapi.BotAPI
	allowlist *platform.Allowlist
	handler   platform.Handler
	log       *logger.Logger
	stopCh    chan struct{}
}

// New creates a Telegram adapter and authenticates the bot token.
func New(botToken string, allowedUserIDs []string, handler platform.Handler, log *logger.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Adapter{
		bot:       bot,
		allowlist: platform.NewAllowlist(allowedUserIDs),
		handler:   handler,
		log:       log,
		stopCh:    make(chan struct{}),
	}, nil
}

// SendMessage sends into the chat, splitting at Telegram's 4096 limit.
func (a *Adapter) SendMessage(_ context.Context, conversationID, message string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", conversationID, err)
	}
	for _, part := range platform.SplitMessage(message, platform.TelegramMessageLimit) {
		if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("failed to send telegram message: %w", err)
		}
	}
	return nil
}

// StreamingMode is stream: chat clients expect incremental replies.
func (a *Adapter) StreamingMode() platform.StreamingMode { return platform.ModeStream }

// PlatformType identifies the adapter.
func (a *Adapter) PlatformType() platform.Type { return platform.TypeTelegram }

// EnsureThread is a no-op: Telegram chats are flat.
func (a *Adapter) EnsureThread(_ context.Context, conversationID string, _ *platform.ThreadContext) (string, error) {
	return conversationID, nil
}

// Start begins long polling for updates. Each accepted message is
// dispatched fire-and-forget.
func (a *Adapter) Start(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := a.bot.GetUpdatesChan(cfg)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				a.handleUpdate(ctx, update)
			}
		}
	}()
	a.log.WithPlatform(string(platform.TypeTelegram)).Info("Telegram adapter started")
}

// Stop ends long polling.
func (a *Adapter) Stop() {
	a.bot.StopReceivingUpdates()
	close(a.stopCh)
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" || update.Message.From == nil {
		return
	}
	senderID := strconv.FormatInt(update.Message.From.ID, 10)
	if !a.allowlist.Check(ctx, a.log, platform.TypeTelegram, senderID) {
		return
	}

	msg := platform.InboundMessage{
		Platform:       platform.TypeTelegram,
		ConversationID: strconv.FormatInt(update.Message.Chat.ID, 10),
		Text:           update.Message.Text,
	}
	go a.handler.HandleInbound(ctx, msg)
}

var _ platform.Adapter = (*Adapter)(nil)
