// Package search implements the bounded multi-channel message search that
// the agent exposes as a tool. The engine scans channel history through a
// HistorySource, filters by author and recency window, and returns a
// sorted, truncated view together with scan metadata.
//
// The scan is best-effort: per-channel budgets and a global limit bound the
// cost, and channels the bot cannot read are skipped rather than failing
// the whole search.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Sentinel errors returned by Search. Callers match them with errors.Is.
var (
	// ErrInvalidQuery indicates a malformed query (empty author set).
	ErrInvalidQuery = errors.New("search: invalid query")

	// ErrChannelNotFound indicates the named channel does not resolve or
	// is not accessible to the bot.
	ErrChannelNotFound = errors.New("search: channel not found")

	// ErrPermissionDenied is returned by a HistorySource when the bot lacks
	// read-history permission on a channel. The engine recovers from it by
	// skipping the channel.
	ErrPermissionDenied = errors.New("search: permission denied")

	// ErrUpstreamTimeout indicates the scan deadline expired before any
	// message could be collected.
	ErrUpstreamTimeout = errors.New("search: upstream timeout")

	// ErrUpstreamFailure indicates the history source or channel listing
	// failed for a reason other than permissions.
	ErrUpstreamFailure = errors.New("search: upstream failure")
)

// Query describes one search request.
type Query struct {
	// AuthorIDs is the set of author identifiers to match. Must be non-empty.
	AuthorIDs []string

	// ChannelID scopes the search to a single channel. Empty means every
	// channel the bot can read history in.
	ChannelID string

	// Lookback bounds the recency window to [now-Lookback, now).
	Lookback time.Duration

	// Limit caps the total number of results.
	Limit int
}

// Message is one matched history entry. Immutable once produced.
type Message struct {
	MessageID  string
	AuthorName string
	Content    string
	Timestamp  time.Time
	Channel    string
}

// Result is the ordered outcome of a search: messages sorted by timestamp
// descending, truncated to the query limit.
type Result struct {
	Messages []Message

	// ChannelsScanned counts channels that were actually read. Channels
	// skipped for permission reasons are excluded.
	ChannelsScanned int
}

// ChannelRef identifies a scannable channel.
type ChannelRef struct {
	ID   string
	Name string
}

// ChannelResolver resolves the channels a search should cover.
type ChannelResolver interface {
	// Resolve returns the channel with the given ID, or an error wrapping
	// ErrChannelNotFound when it does not exist or is not accessible.
	Resolve(ctx context.Context, channelID string) (ChannelRef, error)

	// ListReadable enumerates every channel the bot holds read-history
	// permission for, in the platform's enumeration order. That order is
	// not guaranteed stable between calls.
	ListReadable(ctx context.Context) ([]ChannelRef, error)
}

// HistoryMessage is one raw entry read from a channel's history.
type HistoryMessage struct {
	ID         string
	AuthorID   string
	AuthorName string
	Content    string
	Timestamp  time.Time
}

// HistorySource reads a channel's history newest-first, one page at a time.
type HistorySource interface {
	// Fetch returns up to pageSize messages strictly older than beforeID,
	// newest-first. An empty beforeID starts at the channel head. Returns
	// an error wrapping ErrPermissionDenied when the channel cannot be read.
	Fetch(ctx context.Context, channel ChannelRef, beforeID string, pageSize int) ([]HistoryMessage, error)
}

// Config holds engine tuning knobs.
type Config struct {
	// PerChannelDivisor divides the global limit into per-channel budgets
	// when scanning all channels, so one busy channel cannot starve the
	// rest. A throughput/recall tradeoff, not a correctness requirement.
	PerChannelDivisor int `yaml:"per_channel_divisor"`

	// PageSize is how many messages each history fetch requests.
	PageSize int `yaml:"page_size"`

	// MaxPages bounds how many pages are read per channel.
	MaxPages int `yaml:"max_pages"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PerChannelDivisor: 10,
		PageSize:          100,
		MaxPages:          10,
	}
}

// Engine scans history sources. It holds no mutable state between calls;
// concurrent searches are safe.
type Engine struct {
	resolver ChannelResolver
	source   HistorySource
	cfg      Config
	logger   *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewEngine creates a search engine over the given resolver and source.
func NewEngine(resolver ChannelResolver, source HistorySource, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PerChannelDivisor <= 0 {
		cfg.PerChannelDivisor = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	return &Engine{
		resolver: resolver,
		source:   source,
		cfg:      cfg,
		logger:   logger.With("component", "search"),
		now:      time.Now,
	}
}

// Search executes a query and returns the merged, sorted, truncated result.
// Read-only apart from log emission.
func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	if len(q.AuthorIDs) == 0 {
		return nil, fmt.Errorf("%w: empty author set", ErrInvalidQuery)
	}
	if q.Limit <= 0 {
		return nil, fmt.Errorf("%w: non-positive limit %d", ErrInvalidQuery, q.Limit)
	}
	if q.Lookback <= 0 {
		return nil, fmt.Errorf("%w: non-positive lookback %s", ErrInvalidQuery, q.Lookback)
	}

	authors := make(map[string]struct{}, len(q.AuthorIDs))
	for _, id := range q.AuthorIDs {
		authors[id] = struct{}{}
	}
	cutoff := e.now().Add(-q.Lookback)

	channels, perChannelCap, err := e.resolveScope(ctx, q)
	if err != nil {
		return nil, err
	}

	start := e.now()
	var (
		collected []Message
		scanned   int
	)

	for _, ch := range channels {
		if len(collected) >= q.Limit {
			break
		}

		msgs, err := e.scanChannel(ctx, ch, authors, cutoff, perChannelCap)
		switch {
		case err == nil:
			collected = append(collected, msgs...)
			scanned++
		case errors.Is(err, ErrPermissionDenied):
			// Recoverable: skip the channel, keep it out of the scanned count.
			e.logger.Debug("channel skipped, no read permission",
				"channel", ch.Name, "channel_id", ch.ID)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			// Out of time. Return the partial view if we have one.
			collected = append(collected, msgs...)
			if len(collected) == 0 {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
			}
			return e.finish(collected, scanned, q.Limit), nil
		default:
			return nil, fmt.Errorf("%w: scanning channel %s: %v", ErrUpstreamFailure, ch.ID, err)
		}
	}

	result := e.finish(collected, scanned, q.Limit)

	e.logger.Info("search complete",
		"authors", len(q.AuthorIDs),
		"channels_scanned", result.ChannelsScanned,
		"matches", len(result.Messages),
		"limit", q.Limit,
		"duration_ms", e.now().Sub(start).Milliseconds(),
	)

	return result, nil
}

// resolveScope determines the channel list and the per-channel budget.
func (e *Engine) resolveScope(ctx context.Context, q Query) ([]ChannelRef, int, error) {
	if q.ChannelID != "" {
		ch, err := e.resolver.Resolve(ctx, q.ChannelID)
		if err != nil {
			if errors.Is(err, ErrChannelNotFound) {
				return nil, 0, err
			}
			return nil, 0, fmt.Errorf("%w: resolving channel %s: %v", ErrChannelNotFound, q.ChannelID, err)
		}
		return []ChannelRef{ch}, q.Limit, nil
	}

	channels, err := e.resolver.ListReadable(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing channels: %v", ErrUpstreamFailure, err)
	}

	perChannel := q.Limit / e.cfg.PerChannelDivisor
	if perChannel < 1 {
		perChannel = 1
	}
	return channels, perChannel, nil
}

// scanChannel pages through one channel's history newest-first, collecting
// matches until the budget is spent or the window is left behind.
func (e *Engine) scanChannel(ctx context.Context, ch ChannelRef, authors map[string]struct{}, cutoff time.Time, budget int) ([]Message, error) {
	var (
		found    []Message
		beforeID string
	)

	for page := 0; page < e.cfg.MaxPages; page++ {
		msgs, err := e.source.Fetch(ctx, ch, beforeID, e.cfg.PageSize)
		if err != nil {
			return found, err
		}
		if len(msgs) == 0 {
			return found, nil
		}

		for _, m := range msgs {
			// History arrives newest-first; once past the cutoff the rest
			// of the channel is older still.
			if m.Timestamp.Before(cutoff) {
				return found, nil
			}
			if _, ok := authors[m.AuthorID]; !ok {
				continue
			}
			found = append(found, Message{
				MessageID:  m.ID,
				AuthorName: m.AuthorName,
				Content:    m.Content,
				Timestamp:  m.Timestamp,
				Channel:    ch.Name,
			})
			if len(found) >= budget {
				return found, nil
			}
		}

		if len(msgs) < e.cfg.PageSize {
			return found, nil
		}
		beforeID = msgs[len(msgs)-1].ID
	}

	return found, nil
}

// finish sorts descending by timestamp and truncates to the limit.
func (e *Engine) finish(msgs []Message, scanned, limit int) *Result {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return &Result{Messages: msgs, ChannelsScanned: scanned}
}
