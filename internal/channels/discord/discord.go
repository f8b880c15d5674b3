// Package discord connects the gateway to Discord. Guild messages must
// mention the bot; direct messages always reach the runtime. Responses
// are chunked to the 2000-character message limit.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/drostlabs/drost/internal/channels"
	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/events"
	"github.com/drostlabs/drost/internal/media"
	"github.com/drostlabs/drost/internal/runtime"
)

const maxMessageLen = 2000

// Channel is the Discord adapter.
type Channel struct {
	cfg       config.DiscordConfig
	session   *discordgo.Session
	cc        channels.Context
	logger    *slog.Logger
	botUserID string
}

// New builds the adapter. The token must already be resolved.
func New(cfg config.DiscordConfig) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Channel{cfg: cfg, session: session}, nil
}

func (c *Channel) Name() string { return "discord" }

// Connect opens the gateway session and resolves the bot identity.
func (c *Channel) Connect(ctx context.Context, cc channels.Context) error {
	c.cc = cc
	c.logger = cc.Logger
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.logger.Info("discord.connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway session.
func (c *Channel) Disconnect(context.Context) error {
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if !channels.Allowed(c.cfg.AllowFrom, m.Author.ID, m.Author.Username) {
		c.logger.Debug("discord.message_rejected", "userId", m.Author.ID, "username", m.Author.Username)
		return
	}

	isDM := m.GuildID == ""
	content := m.Content
	if !isDM {
		mentioned, stripped := c.stripMention(m, content)
		if !mentioned {
			return
		}
		content = stripped
	}
	content = strings.TrimSpace(content)

	ctx := context.Background()
	identity := runtime.Identity{
		Channel:     "discord",
		WorkspaceID: m.GuildID,
		ChatID:      m.ChannelID,
		UserID:      m.Author.ID,
	}
	slug := identity.Slug()

	imageRefs := c.collectImages(ctx, slug, m)
	if content == "" && len(imageRefs) == 0 {
		return
	}
	if content == "" {
		content = "[image]"
	}

	c.logger.Debug("discord.message_received",
		"channelId", m.ChannelID, "userId", m.Author.ID, "images", len(imageRefs),
		"preview", channels.Truncate(content, 60))

	if strings.HasPrefix(content, "/") {
		if res := c.cc.Gateway.DispatchCommand(ctx, runtime.CommandRequest{SessionID: slug, Command: content}); res.Handled {
			c.send(m.ChannelID, res.Text)
			return
		}
	}

	_ = c.session.ChannelTyping(m.ChannelID)

	// Discord rate limits edits hard, so no streaming preview here: keep
	// the typing indicator alive on tool activity and send once.
	onEvent := func(ev events.Event) {
		if ev.Type == events.ToolCallStarted {
			_ = c.session.ChannelTyping(m.ChannelID)
		}
	}

	result, err := c.cc.Gateway.RunChannelTurn(ctx, identity, content, imageRefs, onEvent)
	if err != nil {
		c.logger.Error("discord.turn_failed", "session", slug, "error", err)
		c.send(m.ChannelID, fmt.Sprintf("Something went wrong: %v", err))
		return
	}
	c.send(m.ChannelID, result.Response)
}

// stripMention reports whether the bot was mentioned and returns the
// content without the mention token.
func (c *Channel) stripMention(m *discordgo.MessageCreate, content string) (bool, string) {
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return false, content
	}
	for _, token := range []string{"<@" + c.botUserID + ">", "<@!" + c.botUserID + ">"} {
		content = strings.ReplaceAll(content, token, "")
	}
	return true, content
}

// collectImages downloads image attachments into the media store.
func (c *Channel) collectImages(ctx context.Context, sessionSlug string, m *discordgo.MessageCreate) []string {
	if c.cc.Media == nil {
		return nil
	}
	var refs []string
	for _, att := range m.Attachments {
		if att == nil || !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}
		data, err := c.download(ctx, att.URL)
		if err != nil {
			c.logger.Warn("discord.attachment_download_failed", "url", att.URL, "error", err)
			continue
		}
		ref, err := c.cc.Media.Put(sessionSlug, data, att.ContentType, "discord")
		if err != nil {
			c.logger.Warn("discord.attachment_store_failed", "filename", att.Filename, "error", err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (c *Channel) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, media.MaxItemBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > media.MaxItemBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", media.MaxItemBytes)
	}
	return data, nil
}

func (c *Channel) send(channelID, text string) {
	if text == "" {
		return
	}
	for _, chunk := range channels.SplitMessage(text, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			c.logger.Warn("discord.send_failed", "channelId", channelID, "error", err)
			return
		}
	}
}
