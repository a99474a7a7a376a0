// Package discord connects the bot to Discord using discordgo.
//
// Features:
//   - Mention-triggered replies in guild channels and DMs
//   - Placeholder message edited in place once the reply is ready
//   - Long replies split across messages at the 2000 character limit
//   - Guild and channel allowlists
//   - History access for the message search engine
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Responder produces a reply for an incoming message. It must always return
// displayable text; transport-level failures are its own concern.
type Responder interface {
	// SetSelfID tells the responder the bot's own user ID so it can strip
	// self-mentions from incoming text.
	SetSelfID(id string)

	// Handle returns the reply for one message. Never returns empty text.
	Handle(ctx context.Context, userID, rawText string) string
}

// Config holds Discord connection configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// Placeholder is sent immediately on mention, then edited into the reply.
	Placeholder string `yaml:"placeholder"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// ReplyTimeoutSeconds bounds how long one reply may take end to end.
	ReplyTimeoutSeconds int `yaml:"reply_timeout_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Placeholder:         "🤔 Let me think about that...",
		ReplyTimeoutSeconds: 300,
	}
}

// Bot is the Discord front end. Create it with New, attach a Responder with
// SetHandler, then Connect.
type Bot struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session
	handler Responder

	// connected tracks connection state.
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Bot and its underlying discordgo session without connecting.
// The session is usable for History() immediately.
func New(cfg Config, logger *slog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultConfig().Placeholder
	}
	if cfg.ReplyTimeoutSeconds <= 0 {
		cfg.ReplyTimeoutSeconds = DefaultConfig().ReplyTimeoutSeconds
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}

	return &Bot{
		cfg:     cfg,
		logger:  logger.With("component", "discord"),
		session: session,
	}, nil
}

// SetHandler attaches the message responder. Must be called before Connect.
func (b *Bot) SetHandler(h Responder) { b.handler = h }

// History returns a history adapter over this bot's session, suitable for
// the search engine.
func (b *Bot) History() *History {
	return &History{session: b.session, logger: b.logger}
}

// Connect opens the Discord gateway WebSocket connection.
func (b *Bot) Connect(ctx context.Context) error {
	if b.handler == nil {
		return fmt.Errorf("discord: no handler attached")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)

	// Set intents.
	b.session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	// Register handlers.
	b.session.AddHandler(b.onMessageCreate)

	// Open the WebSocket connection.
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	b.connected.Store(true)

	user := b.session.State.User
	b.handler.SetSelfID(user.ID)
	b.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)

	return nil
}

// Disconnect closes the Discord gateway connection.
func (b *Bot) Disconnect() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.session != nil {
		b.session.Close()
	}
	b.connected.Store(false)
	b.logger.Info("discord: disconnected")
	return nil
}

// IsConnected returns true if the bot is connected.
func (b *Bot) IsConnected() bool { return b.connected.Load() }

// ---------- Event Handlers ----------

// onMessageCreate handles incoming Discord messages.
func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from the bot itself.
	if m.Author.ID == s.State.User.ID {
		return
	}

	// Ignore bot messages.
	if m.Author.Bot {
		return
	}

	// Apply guild filter.
	if len(b.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !contains(b.cfg.AllowedGuilds, m.GuildID) {
		return
	}

	// Apply channel filter.
	if len(b.cfg.AllowedChannels) > 0 && !contains(b.cfg.AllowedChannels, m.ChannelID) {
		return
	}

	// In guild channels only react when mentioned. DMs are always for us.
	if m.GuildID != "" && !mentions(m.Mentions, s.State.User.ID) {
		return
	}

	// Reply off the event goroutine so slow model calls don't block the
	// gateway dispatcher.
	go b.respond(m)
}

// respond posts the placeholder, computes the reply, and edits it in.
func (b *Bot) respond(m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(b.ctx, time.Duration(b.cfg.ReplyTimeoutSeconds)*time.Second)
	defer cancel()

	placeholder, err := b.session.ChannelMessageSend(m.ChannelID, b.cfg.Placeholder)
	if err != nil {
		b.logger.Warn("discord: sending placeholder failed", "channel_id", m.ChannelID, "error", err)
		placeholder = nil
	}

	reply := b.handler.Handle(ctx, m.Author.ID, m.Content)

	chunks := splitMessage(reply, maxMessageLen)
	if len(chunks) == 0 {
		return
	}

	// Edit the placeholder into the first chunk; send the rest as follow-ups.
	rest := chunks
	if placeholder != nil {
		if _, err := b.session.ChannelMessageEdit(m.ChannelID, placeholder.ID, chunks[0]); err != nil {
			b.logger.Warn("discord: editing placeholder failed", "channel_id", m.ChannelID, "error", err)
		} else {
			rest = chunks[1:]
		}
	}
	for _, chunk := range rest {
		if _, err := b.session.ChannelMessageSend(m.ChannelID, chunk); err != nil {
			b.logger.Warn("discord: sending reply chunk failed", "channel_id", m.ChannelID, "error", err)
			return
		}
	}
}

// ---------- Helpers ----------

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// mentions reports whether the given user appears in a message's mentions.
func mentions(users []*discordgo.User, id string) bool {
	for _, u := range users {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

// splitMessage splits a message into chunks respecting the 2000 char limit.
// Discord counts characters, not bytes, so cuts land on rune boundaries.
func splitMessage(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		// Try to split at a newline.
		cutAt := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}
