package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/drostlabs/drost/internal/channels"
)

// draft renders a streaming response as one Telegram message edited in
// place. Edits are throttled; the final text always lands via finish.
type draft struct {
	bot      *telego.Bot
	chatID   int64
	throttle time.Duration

	mu        sync.Mutex
	buf       strings.Builder
	messageID int
	lastEdit  time.Time
}

func newDraft(bot *telego.Bot, chatID int64, throttle time.Duration) *draft {
	return &draft{bot: bot, chatID: chatID, throttle: throttle}
}

// append accumulates a net-new text suffix and refreshes the draft
// message when the throttle window has passed. Preview stops growing
// past the single-message limit; finish re-chunks the full text.
func (d *draft) append(ctx context.Context, text string) {
	if text == "" {
		return
	}
	d.mu.Lock()
	d.buf.WriteString(text)
	preview := d.buf.String()
	due := time.Since(d.lastEdit) >= d.throttle
	if !due || len(preview) > maxMessageLen {
		d.mu.Unlock()
		return
	}
	d.lastEdit = time.Now()
	messageID := d.messageID
	d.mu.Unlock()

	if messageID == 0 {
		sent, err := d.bot.SendMessage(ctx, tu.Message(tu.ID(d.chatID), preview))
		if err != nil {
			return
		}
		d.mu.Lock()
		if d.messageID == 0 {
			d.messageID = sent.MessageID
		}
		d.mu.Unlock()
		return
	}
	_, _ = d.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(d.chatID),
		MessageID: messageID,
		Text:      preview,
	})
}

// finish replaces the draft with the final text, chunking overflow into
// follow-up messages.
func (d *draft) finish(ctx context.Context, final string) error {
	d.mu.Lock()
	messageID := d.messageID
	d.messageID = 0
	d.mu.Unlock()

	if final == "" {
		return nil
	}
	chunks := channels.SplitMessage(final, maxMessageLen)

	start := 0
	if messageID != 0 {
		if _, err := d.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(d.chatID),
			MessageID: messageID,
			Text:      chunks[0],
		}); err == nil {
			start = 1
		}
	}
	for _, chunk := range chunks[start:] {
		if _, err := d.bot.SendMessage(ctx, tu.Message(tu.ID(d.chatID), chunk)); err != nil {
			return err
		}
	}
	return nil
}
