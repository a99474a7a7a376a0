package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/lbaudet/avis/pkg/avis/search"
)

// History adapts a discordgo session to the search engine's channel
// resolver and history source. It reads guild state populated by the
// gateway and falls back to REST where the cache misses.
type History struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// Resolve looks up a single guild text channel by ID.
func (h *History) Resolve(ctx context.Context, channelID string) (search.ChannelRef, error) {
	ch, err := h.session.State.Channel(channelID)
	if err != nil {
		ch, err = h.session.Channel(channelID)
		if err != nil {
			return search.ChannelRef{}, fmt.Errorf("%w: %s", search.ErrChannelNotFound, channelID)
		}
	}
	if !isTextChannel(ch) {
		return search.ChannelRef{}, fmt.Errorf("%w: %s is not a text channel", search.ErrChannelNotFound, channelID)
	}
	return search.ChannelRef{ID: ch.ID, Name: ch.Name}, nil
}

// ListReadable enumerates guild text channels the bot can read history in,
// in gateway enumeration order.
func (h *History) ListReadable(ctx context.Context) ([]search.ChannelRef, error) {
	self := h.session.State.User
	if self == nil {
		return nil, fmt.Errorf("discord: session not ready")
	}

	var refs []search.ChannelRef
	for _, guild := range h.session.State.Guilds {
		channels := guild.Channels
		if len(channels) == 0 {
			fetched, err := h.session.GuildChannels(guild.ID)
			if err != nil {
				h.logger.Debug("discord: listing guild channels failed",
					"guild_id", guild.ID, "error", err)
				continue
			}
			channels = fetched
		}

		for _, ch := range channels {
			if !isTextChannel(ch) {
				continue
			}
			if !h.canReadHistory(self.ID, ch.ID) {
				continue
			}
			refs = append(refs, search.ChannelRef{ID: ch.ID, Name: ch.Name})
		}
	}
	return refs, nil
}

// Fetch reads one page of a channel's history, newest-first.
func (h *History) Fetch(ctx context.Context, channel search.ChannelRef, beforeID string, pageSize int) ([]search.HistoryMessage, error) {
	if pageSize > 100 {
		pageSize = 100 // Discord API maximum per request.
	}

	msgs, err := h.session.ChannelMessages(channel.ID, pageSize, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		if isPermissionError(err) {
			return nil, fmt.Errorf("%w: channel %s", search.ErrPermissionDenied, channel.ID)
		}
		return nil, fmt.Errorf("discord: fetching history for %s: %w", channel.ID, err)
	}

	out := make([]search.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Author == nil {
			continue
		}
		out = append(out, search.HistoryMessage{
			ID:         m.ID,
			AuthorID:   m.Author.ID,
			AuthorName: displayName(m.Author),
			Content:    m.Content,
			Timestamp:  m.Timestamp,
		})
	}
	return out, nil
}

// canReadHistory checks the bot's permissions on a channel via cached state.
func (h *History) canReadHistory(selfID, channelID string) bool {
	perms, err := h.session.State.UserChannelPermissions(selfID, channelID)
	if err != nil {
		return false
	}
	need := int64(discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory)
	return perms&need == need
}

func isTextChannel(ch *discordgo.Channel) bool {
	return ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews
}

// isPermissionError reports whether a REST error is a 403.
func isPermissionError(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden
}

// displayName prefers the global display name over the legacy username.
func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Compile-time interface verification.
var (
	_ search.ChannelResolver = (*History)(nil)
	_ search.HistorySource   = (*History)(nil)
)
