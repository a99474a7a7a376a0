package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"
)

// fakeHistory serves canned per-channel histories and can simulate
// permission failures.
type fakeHistory struct {
	channels map[string][]HistoryMessage // keyed by channel ID, newest-first
	denied   map[string]bool
	timedOut map[string]bool
	fetches  int
}

func (f *fakeHistory) Fetch(_ context.Context, ch ChannelRef, beforeID string, pageSize int) ([]HistoryMessage, error) {
	f.fetches++
	if f.denied[ch.ID] {
		return nil, fmt.Errorf("reading %s: %w", ch.ID, ErrPermissionDenied)
	}
	if f.timedOut[ch.ID] {
		return nil, fmt.Errorf("reading %s: %w", ch.ID, context.DeadlineExceeded)
	}
	msgs := f.channels[ch.ID]
	start := 0
	if beforeID != "" {
		for i, m := range msgs {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := start + pageSize
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[start:end], nil
}

func (f *fakeHistory) Resolve(_ context.Context, channelID string) (ChannelRef, error) {
	if _, ok := f.channels[channelID]; !ok {
		return ChannelRef{}, fmt.Errorf("channel %s: %w", channelID, ErrChannelNotFound)
	}
	return ChannelRef{ID: channelID, Name: "#" + channelID}, nil
}

func (f *fakeHistory) ListReadable(_ context.Context) ([]ChannelRef, error) {
	var refs []ChannelRef
	// Enumerate deterministically for the test: general, random, private.
	for _, id := range []string{"general", "random", "private"} {
		if _, ok := f.channels[id]; ok || f.denied[id] || f.timedOut[id] {
			refs = append(refs, ChannelRef{ID: id, Name: "#" + id})
		}
	}
	return refs, nil
}

func testEngine(t *testing.T, f *fakeHistory, cfg Config) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e := NewEngine(f, f, cfg, logger)
	e.now = func() time.Time { return time.Unix(1000, 0) }
	return e
}

func msgAt(id, author string, sec int64) HistoryMessage {
	return HistoryMessage{
		ID:         id,
		AuthorID:   author,
		AuthorName: "name-" + author,
		Content:    "content " + id,
		Timestamp:  time.Unix(sec, 0),
	}
}

func TestSearchFiltersByAuthorAndWindow(t *testing.T) {
	// Window is [now-15s, now) with now=1000s. Only the message from X at
	// t=990 qualifies: Y is the wrong author, X at t=5 is out of window.
	f := &fakeHistory{channels: map[string][]HistoryMessage{
		"general": {
			msgAt("m2", "Y", 995),
			msgAt("m1", "X", 990),
			msgAt("m0", "X", 5),
		},
	}}
	e := testEngine(t, f, DefaultConfig())

	res, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		ChannelID: "general",
		Lookback:  15 * time.Second,
		Limit:     50,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	if res.Messages[0].MessageID != "m1" {
		t.Errorf("expected m1, got %s", res.Messages[0].MessageID)
	}
	if res.ChannelsScanned != 1 {
		t.Errorf("expected 1 channel scanned, got %d", res.ChannelsScanned)
	}
}

func TestSearchSortsDescendingAndTruncates(t *testing.T) {
	f := &fakeHistory{channels: map[string][]HistoryMessage{
		"general": {
			msgAt("m5", "X", 950),
			msgAt("m4", "X", 940),
			msgAt("m3", "X", 930),
		},
		"random": {
			msgAt("m2", "X", 945),
			msgAt("m1", "X", 935),
		},
	}}
	e := testEngine(t, f, DefaultConfig())

	res, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		Lookback:  time.Hour,
		Limit:     3,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(res.Messages))
	}
	want := []string{"m5", "m2", "m4"}
	for i, id := range want {
		if res.Messages[i].MessageID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, res.Messages[i].MessageID)
		}
	}
	for i := 1; i < len(res.Messages); i++ {
		if res.Messages[i].Timestamp.After(res.Messages[i-1].Timestamp) {
			t.Errorf("messages not sorted descending at position %d", i)
		}
	}
}

func TestSearchSkipsDeniedChannels(t *testing.T) {
	f := &fakeHistory{
		channels: map[string][]HistoryMessage{
			"general": {msgAt("m1", "X", 990)},
			"private": {msgAt("m2", "X", 995)},
		},
		denied: map[string]bool{"private": true},
	}
	e := testEngine(t, f, DefaultConfig())

	res, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		Lookback:  time.Hour,
		Limit:     50,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].MessageID != "m1" {
		t.Fatalf("expected only m1, got %+v", res.Messages)
	}
	// Only general counts; the denied channel is excluded from the tally.
	if res.ChannelsScanned != 1 {
		t.Errorf("expected 1 channel scanned, got %d", res.ChannelsScanned)
	}
}

func TestSearchEmptyAuthorsRejected(t *testing.T) {
	f := &fakeHistory{channels: map[string][]HistoryMessage{"general": nil}}
	e := testEngine(t, f, DefaultConfig())

	_, err := e.Search(context.Background(), Query{
		Lookback: time.Hour,
		Limit:    10,
	})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestSearchUnknownChannel(t *testing.T) {
	f := &fakeHistory{channels: map[string][]HistoryMessage{"general": nil}}
	e := testEngine(t, f, DefaultConfig())

	_, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		ChannelID: "nope",
		Lookback:  time.Hour,
		Limit:     10,
	})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestSearchNoMatchesIsNotAnError(t *testing.T) {
	f := &fakeHistory{channels: map[string][]HistoryMessage{
		"general": {msgAt("m1", "Y", 990)},
	}}
	e := testEngine(t, f, DefaultConfig())

	res, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		ChannelID: "general",
		Lookback:  time.Hour,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(res.Messages))
	}
	if res.ChannelsScanned != 1 {
		t.Errorf("expected 1 channel scanned, got %d", res.ChannelsScanned)
	}
}

func TestSearchPerChannelBudget(t *testing.T) {
	// 30 matching messages in one channel; an all-channel scan with
	// limit 20 and divisor 10 must take at most 2 from it.
	var generalMsgs []HistoryMessage
	for i := 0; i < 30; i++ {
		generalMsgs = append(generalMsgs, msgAt(fmt.Sprintf("g%02d", i), "X", 999-int64(i)))
	}
	f := &fakeHistory{channels: map[string][]HistoryMessage{
		"general": generalMsgs,
		"random":  {msgAt("r1", "X", 998)},
	}}
	e := testEngine(t, f, DefaultConfig())

	res, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		Lookback:  time.Hour,
		Limit:     20,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// 2 from general (20/10) + 1 from random.
	if len(res.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(res.Messages))
	}
}

func TestSearchStopsAtLimit(t *testing.T) {
	f := &fakeHistory{channels: map[string][]HistoryMessage{
		"general": {msgAt("m1", "X", 990)},
		"random":  {msgAt("m2", "X", 991)},
		"private": {msgAt("m3", "X", 992)},
	}}
	e := testEngine(t, f, DefaultConfig())

	res, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		Lookback:  time.Hour,
		Limit:     1,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	// The limit was reached after the first channel; later channels must
	// not have been fetched.
	if f.fetches != 1 {
		t.Errorf("expected 1 fetch, got %d", f.fetches)
	}
}

func TestSearchPaginatesWithinChannel(t *testing.T) {
	var msgs []HistoryMessage
	for i := 0; i < 250; i++ {
		author := "Y"
		if i == 240 {
			author = "X"
		}
		msgs = append(msgs, msgAt(fmt.Sprintf("m%03d", i), author, 999-int64(i)))
	}
	f := &fakeHistory{channels: map[string][]HistoryMessage{"general": msgs}}
	e := testEngine(t, f, DefaultConfig())

	res, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		ChannelID: "general",
		Lookback:  time.Hour,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].MessageID != "m240" {
		t.Fatalf("expected only m240, got %+v", res.Messages)
	}
	if f.fetches != 3 {
		t.Errorf("expected 3 page fetches, got %d", f.fetches)
	}
}

func TestSearchDeadlineReturnsPartialView(t *testing.T) {
	// The scan runs out of time on the second channel. Whatever was
	// collected from the first is still returned, not discarded.
	f := &fakeHistory{
		channels: map[string][]HistoryMessage{
			"general": {msgAt("m1", "X", 990)},
		},
		timedOut: map[string]bool{"random": true},
	}
	e := testEngine(t, f, DefaultConfig())

	res, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		Lookback:  time.Minute,
		Limit:     50,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].MessageID != "m1" {
		t.Errorf("expected the partial view [m1], got %+v", res.Messages)
	}
	if res.ChannelsScanned != 1 {
		t.Errorf("expected 1 channel scanned, got %d", res.ChannelsScanned)
	}
}

func TestSearchDeadlineWithNothingCollected(t *testing.T) {
	// Time expires before any message is read: the caller gets the
	// timeout sentinel instead of a silently empty result.
	f := &fakeHistory{
		timedOut: map[string]bool{"general": true},
	}
	e := testEngine(t, f, DefaultConfig())

	_, err := e.Search(context.Background(), Query{
		AuthorIDs: []string{"X"},
		Lookback:  time.Minute,
		Limit:     50,
	})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want ErrUpstreamTimeout", err)
	}
}
