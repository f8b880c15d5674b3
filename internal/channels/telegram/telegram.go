// Package telegram connects the gateway to the Telegram Bot API with
// long polling. Streamed responses render as a draft message that is
// edited in place, throttled to stay under the Bot API edit limits.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/drostlabs/drost/internal/channels"
	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/events"
	"github.com/drostlabs/drost/internal/runtime"
)

const (
	defaultEditThrottle = 1500 * time.Millisecond
	maxMessageLen       = 4000
	pollTimeoutSec      = 30
)

// Channel is the Telegram adapter.
type Channel struct {
	cfg    config.TelegramConfig
	bot    *telego.Bot
	cc     channels.Context
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the adapter. The token must already be resolved.
func New(cfg config.TelegramConfig) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{cfg: cfg, bot: bot}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Connect starts long polling and returns once updates flow.
func (c *Channel) Connect(ctx context.Context, cc channels.Context) error {
	c.cc = cc
	c.logger = cc.Logger
	if c.logger == nil {
		c.logger = slog.Default()
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        pollTimeoutSec,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	c.cancel = cancel
	c.done = make(chan struct{})

	c.logger.Info("telegram.connected", "username", c.bot.Username())

	go func() {
		defer close(c.done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.logger.Info("telegram.updates_closed")
					return
				}
				if update.Message != nil {
					// Lanes serialize per session, so concurrent chats
					// must not block the poll loop on each other.
					go c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Disconnect cancels polling and waits for the poll goroutine so the
// getUpdates lock is released before a restart reconnects.
func (c *Channel) Disconnect(context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(10 * time.Second):
			c.logger.Warn("telegram.poll_shutdown_timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	userID := fmt.Sprintf("%d", msg.From.ID)
	if !channels.Allowed(c.cfg.AllowFrom, userID, msg.From.Username) {
		c.logger.Debug("telegram.message_rejected", "userId", userID, "username", msg.From.Username)
		return
	}

	chatID := msg.Chat.ID
	identity := runtime.Identity{
		Channel: "telegram",
		ChatID:  fmt.Sprintf("%d", chatID),
		UserID:  userID,
	}
	if msg.MessageThreadID != 0 {
		identity.ThreadID = fmt.Sprintf("%d", msg.MessageThreadID)
	}
	slug := identity.Slug()

	content := msg.Text
	if msg.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += msg.Caption
	}

	imageRefs := c.collectImages(ctx, slug, msg)
	if content == "" && len(imageRefs) == 0 {
		return
	}
	if content == "" {
		content = "[image]"
	}

	c.logger.Debug("telegram.message_received",
		"chatId", chatID, "userId", userID, "images", len(imageRefs),
		"preview", channels.Truncate(content, 60))

	if strings.HasPrefix(content, "/") {
		if res := c.cc.Gateway.DispatchCommand(ctx, runtime.CommandRequest{SessionID: slug, Command: content}); res.Handled {
			c.send(ctx, chatID, res.Text)
			return
		}
	}

	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))

	d := newDraft(c.bot, chatID, c.editThrottle())
	onEvent := func(ev events.Event) {
		if p, ok := ev.Delta(); ok {
			d.append(ctx, p.Text)
		}
	}

	result, err := c.cc.Gateway.RunChannelTurn(ctx, identity, content, imageRefs, onEvent)
	if err != nil {
		c.logger.Error("telegram.turn_failed", "session", slug, "error", err)
		d.finish(ctx, fmt.Sprintf("Something went wrong: %v", err))
		return
	}
	if err := d.finish(ctx, result.Response); err != nil {
		c.logger.Warn("telegram.send_failed", "session", slug, "error", err)
	}
}

func (c *Channel) editThrottle() time.Duration {
	if c.cfg.EditThrottleMs > 0 {
		return time.Duration(c.cfg.EditThrottleMs) * time.Millisecond
	}
	return defaultEditThrottle
}

func (c *Channel) send(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	for _, chunk := range channels.SplitMessage(text, maxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			c.logger.Warn("telegram.send_failed", "chatId", chatID, "error", err)
			return
		}
	}
}
