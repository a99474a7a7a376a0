// tools.go implements the tool registry the agent loop dispatches into,
// plus the built-in capabilities: current time, relative time, and the
// channel history search. Tool output is plain text rendered for the
// model; the search engine itself only returns structured results.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lbaudet/avis/pkg/avis/search"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 30 * time.Second

// toolTimeFormat renders timestamps for the model, weekday included.
const toolTimeFormat = "2006-01-02 15:04:05 (Monday)"

// contentPreviewLen is how many runes of a found message are shown.
const contentPreviewLen = 100

// ToolHandlerFunc executes one tool call with parsed arguments.
type ToolHandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// registeredTool bundles a definition with its handler.
type registeredTool struct {
	Definition ToolDefinition
	Handler    ToolHandlerFunc
}

// ToolResult holds the output of a single tool execution.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	Err        error
}

// ToolExecutor manages tool registration and dispatches tool calls.
type ToolExecutor struct {
	tools   map[string]*registeredTool
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewToolExecutor creates an empty executor.
func NewToolExecutor(logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{
		tools:   make(map[string]*registeredTool),
		timeout: DefaultToolTimeout,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool. A tool with the same name is overwritten.
func (e *ToolExecutor) Register(def ToolDefinition, handler ToolHandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[def.Function.Name] = &registeredTool{Definition: def, Handler: handler}
	e.logger.Debug("tool registered", "name", def.Function.Name)
}

// Tools returns all registered definitions for the model.
func (e *ToolExecutor) Tools() []ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(e.tools))
	for _, t := range e.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

// Execute dispatches a batch of tool calls, returning results in input
// order. Tool failures become text results for the model, never errors
// that abort the conversation.
func (e *ToolExecutor) Execute(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	for i, call := range calls {
		results[i] = e.executeSingle(ctx, call)
	}
	return results
}

func (e *ToolExecutor) executeSingle(ctx context.Context, call ToolCall) ToolResult {
	name := call.Function.Name
	result := ToolResult{ToolCallID: call.ID, Name: name}

	e.mu.RLock()
	tool, ok := e.tools[name]
	e.mu.RUnlock()
	if !ok {
		result.Content = fmt.Sprintf("Error: unknown tool %q", name)
		result.Err = fmt.Errorf("unknown tool: %s", name)
		e.logger.Warn("unknown tool called", "name", name)
		return result
	}

	args := make(map[string]any)
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			result.Content = fmt.Sprintf("Error parsing arguments: %v", err)
			result.Err = err
			e.logger.Warn("tool argument parse error", "name", name, "error", err)
			return result
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Handler(execCtx, args)
	if err != nil {
		result.Content = fmt.Sprintf("Error: %v", err)
		result.Err = err
		e.logger.Warn("tool execution failed",
			"name", name,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return result
	}

	result.Content = output
	e.logger.Debug("tool executed",
		"name", name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

// ---------- Time Tools ----------

// timeTools bundles the clock so tests can pin it.
type timeTools struct {
	now func() time.Time
}

// RegisterTimeTools adds the current_time and time_ago capabilities.
func RegisterTimeTools(e *ToolExecutor) {
	registerTimeTools(e, time.Now)
}

func registerTimeTools(e *ToolExecutor, now func() time.Time) {
	tt := &timeTools{now: now}

	e.Register(ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        "current_time",
			Description: "Get the current date and time.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}, tt.currentTime)

	e.Register(ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        "time_ago",
			Description: "Calculate the date and time a given number of days, hours, and minutes ago.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"days":    {"type": "integer", "description": "Days ago"},
					"hours":   {"type": "integer", "description": "Hours ago"},
					"minutes": {"type": "integer", "description": "Minutes ago"}
				}
			}`),
		},
	}, tt.timeAgo)
}

func (tt *timeTools) currentTime(_ context.Context, _ map[string]any) (string, error) {
	return tt.now().Format(toolTimeFormat), nil
}

func (tt *timeTools) timeAgo(_ context.Context, args map[string]any) (string, error) {
	d := time.Duration(intArg(args, "days", 0)) * 24 * time.Hour
	d += time.Duration(intArg(args, "hours", 0)) * time.Hour
	d += time.Duration(intArg(args, "minutes", 0)) * time.Minute
	return tt.now().Add(-d).Format(toolTimeFormat), nil
}

// ---------- Search Tool ----------

// Searcher is the slice of the search engine the tool needs.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Result, error)
}

// SearchDefaults fills in unspecified search tool arguments.
type SearchDefaults struct {
	// ChannelID scopes unscoped searches; empty means all channels.
	ChannelID string

	// Lookback is the window used when the model gives none.
	Lookback time.Duration

	// Limit caps results when the model gives none.
	Limit int
}

// RegisterSearchTool adds the search_messages capability backed by the
// given engine.
func RegisterSearchTool(e *ToolExecutor, engine Searcher, defaults SearchDefaults) {
	if defaults.Lookback <= 0 {
		defaults.Lookback = 240 * time.Hour
	}
	if defaults.Limit <= 0 {
		defaults.Limit = 50
	}

	e.Register(ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        "search_messages",
			Description: "Search recent Discord messages written by specific users. Returns author, channel, timestamp and content for each match, newest first.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"user_ids":   {"type": "array", "items": {"type": "string"}, "description": "Discord user IDs to search for"},
					"channel_id": {"type": "string", "description": "Channel ID to search in; omit to search all accessible channels"},
					"hours_back": {"type": "integer", "description": "How many hours back to search"},
					"limit":      {"type": "integer", "description": "Maximum number of messages to return"}
				},
				"required": ["user_ids"]
			}`),
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		q := search.Query{
			AuthorIDs: stringSliceArg(args, "user_ids"),
			ChannelID: stringArg(args, "channel_id", defaults.ChannelID),
			Lookback:  time.Duration(intArg(args, "hours_back", 0)) * time.Hour,
			Limit:     intArg(args, "limit", 0),
		}
		if q.Lookback <= 0 {
			q.Lookback = defaults.Lookback
		}
		if q.Limit <= 0 {
			q.Limit = defaults.Limit
		}

		res, err := engine.Search(ctx, q)
		if err != nil {
			return "", err
		}
		return formatSearchResult(res, q), nil
	})
}

// formatSearchResult renders the structured result as text for the model.
// Presentation only: previews are truncated, timestamps shortened.
func formatSearchResult(res *search.Result, q search.Query) string {
	var b strings.Builder

	if len(res.Messages) == 0 {
		fmt.Fprintf(&b, "No messages found for the given users in the last %d hours.\n",
			int(q.Lookback.Hours()))
		fmt.Fprintf(&b, "Channels searched: %d\n", res.ChannelsScanned)
		return b.String()
	}

	fmt.Fprintf(&b, "Found %d message(s) across %d channel(s):\n\n",
		len(res.Messages), res.ChannelsScanned)

	for i, m := range res.Messages {
		fmt.Fprintf(&b, "%d. %s in #%s (%s):\n   %s\n\n",
			i+1,
			m.AuthorName,
			m.Channel,
			m.Timestamp.Format("02/01 15:04"),
			preview(m.Content, contentPreviewLen),
		)
	}
	return b.String()
}

// preview truncates content to max runes with an ellipsis.
func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// ---------- Argument Helpers ----------

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch s := v.(type) {
		case string:
			out = append(out, s)
		case float64:
			out = append(out, fmt.Sprintf("%.0f", s))
		}
	}
	return out
}
