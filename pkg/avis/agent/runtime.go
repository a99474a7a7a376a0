// runtime.go implements the agent runtime: per-session conversation state
// and the converse loop that iterates model calls with tool execution
// until a final reply is produced or the turn budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxTurns is the maximum number of model round-trips per reply.
	DefaultMaxTurns = 8

	// DefaultTurnTimeout bounds a single model call within the loop.
	DefaultTurnTimeout = 60 * time.Second

	// DefaultMaxHistory is how many exchanges a conversation retains.
	DefaultMaxHistory = 20
)

// ErrUnknownSession indicates a converse call for a session the runtime
// does not hold. Happens after a sweep evicted it; the caller should
// re-create the session.
var ErrUnknownSession = errors.New("agent: unknown session")

// Config holds runtime tuning knobs.
type Config struct {
	// Instructions is the system prompt for the advisory agent.
	Instructions string `yaml:"instructions"`

	// MaxTurns caps model round-trips per reply.
	MaxTurns int `yaml:"max_turns"`

	// TurnTimeoutSeconds bounds each model call.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`

	// MaxHistory is how many past exchanges each session keeps.
	MaxHistory int `yaml:"max_history"`
}

// DefaultConfig returns runtime defaults, including the advisory system
// prompt.
func DefaultConfig() Config {
	return Config{
		Instructions: strings.TrimSpace(`
You are a helpful advisory agent for Discord users. Provide thoughtful,
constructive advice on any topic. Be concise but informative, friendly but
professional.

Guidelines:
- Keep responses conversational and short enough for Discord chat
- Provide actionable advice when possible
- If you don't know something, admit it and suggest ways to find out
- Use your tools when the user asks about times or past messages`),
		MaxTurns:           DefaultMaxTurns,
		TurnTimeoutSeconds: int(DefaultTurnTimeout / time.Second),
		MaxHistory:         DefaultMaxHistory,
	}
}

// exchange is one completed user/assistant turn kept as history.
type exchange struct {
	UserMessage       string
	AssistantResponse string
	At                time.Time
}

// conversation is the runtime state of one session.
type conversation struct {
	userID  string
	history []exchange
	mu      sync.Mutex
}

// Reply is the outcome of one converse call: the response fragments in
// delivery order plus aggregated token usage.
type Reply struct {
	Fragments []string
	Usage     Usage
}

// Text joins the fragments in delivery order.
func (r *Reply) Text() string {
	return strings.Join(r.Fragments, "")
}

// Runtime owns sessions and drives the agent loop. Safe for concurrent use
// by multiple users; a single session's conversations are serialized.
type Runtime struct {
	llm      *LLMClient
	executor *ToolExecutor
	cfg      Config
	logger   *slog.Logger

	conversations map[string]*conversation
	mu            sync.Mutex
}

// NewRuntime creates a runtime over the given model client and tools.
func NewRuntime(llm *LLMClient, executor *ToolExecutor, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Instructions == "" {
		cfg.Instructions = def.Instructions
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.TurnTimeoutSeconds <= 0 {
		cfg.TurnTimeoutSeconds = def.TurnTimeoutSeconds
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	return &Runtime{
		llm:           llm,
		executor:      executor,
		cfg:           cfg,
		logger:        logger.With("component", "agent"),
		conversations: make(map[string]*conversation),
	}
}

// CreateSession opens a new conversational session for the user and
// returns its ID. Fails when the model client has no credentials, so a
// misconfigured runtime is caught at session time rather than mid-reply.
func (rt *Runtime) CreateSession(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !rt.llm.Configured() {
		return "", fmt.Errorf("%w: API key not configured", ErrUpstreamFailure)
	}

	sessionID := uuid.NewString()

	rt.mu.Lock()
	rt.conversations[sessionID] = &conversation{userID: userID}
	rt.mu.Unlock()

	rt.logger.Info("session opened", "session_id", sessionID, "user_id", userID)
	return sessionID, nil
}

// EndSession drops the session's conversation state. Unknown IDs are a
// no-op.
func (rt *Runtime) EndSession(sessionID string) {
	rt.mu.Lock()
	_, ok := rt.conversations[sessionID]
	delete(rt.conversations, sessionID)
	rt.mu.Unlock()

	if ok {
		rt.logger.Info("session closed", "session_id", sessionID)
	}
}

// SessionCount returns the number of open sessions.
func (rt *Runtime) SessionCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.conversations)
}

// Converse runs the agent loop for one user utterance and returns the
// response fragments in delivery order. The loop iterates model call →
// tool execution until the model stops requesting tools or the turn
// budget is exhausted.
func (rt *Runtime) Converse(ctx context.Context, sessionID, text string) (*Reply, error) {
	rt.mu.Lock()
	conv, ok := rt.conversations[sessionID]
	rt.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	messages := rt.buildMessages(conv, text)
	tools := rt.executor.Tools()
	reply := &Reply{}
	start := time.Now()

	for turn := 1; turn <= rt.cfg.MaxTurns; turn++ {
		resp, err := rt.callModel(ctx, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", turn, err)
		}
		rt.accumulate(reply, resp)

		if resp.Content != "" {
			reply.Fragments = append(reply.Fragments, resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			rt.finishExchange(conv, text, reply)
			rt.logger.Info("conversation turn complete",
				"session_id", sessionID,
				"turns", turn,
				"fragments", len(reply.Fragments),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return reply, nil
		}

		messages = append(messages, chatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		names := make([]string, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			names[i] = tc.Function.Name
		}
		rt.logger.Info("executing tool calls",
			"session_id", sessionID,
			"turn", turn,
			"tools", strings.Join(names, ","),
		)

		for _, result := range rt.executor.Execute(ctx, resp.ToolCalls) {
			messages = append(messages, chatMessage{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
			})
		}
	}

	// Turn budget spent while the model was still using tools: ask for the
	// best answer with what it has, without offering tools again.
	messages = append(messages, chatMessage{
		Role:    "user",
		Content: "Please answer now with the information gathered so far.",
	})
	resp, err := rt.callModel(ctx, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("final turn: %w", err)
	}
	rt.accumulate(reply, resp)
	if resp.Content != "" {
		reply.Fragments = append(reply.Fragments, resp.Content)
	}
	rt.finishExchange(conv, text, reply)
	return reply, nil
}

// callModel runs one model call under the per-turn timeout.
func (rt *Runtime) callModel(ctx context.Context, messages []chatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	turnCtx, cancel := context.WithTimeout(ctx, time.Duration(rt.cfg.TurnTimeoutSeconds)*time.Second)
	defer cancel()
	return rt.llm.CompleteWithTools(turnCtx, messages, tools)
}

// buildMessages assembles system prompt, retained history, and the new
// utterance. Caller holds conv.mu.
func (rt *Runtime) buildMessages(conv *conversation, text string) []chatMessage {
	messages := make([]chatMessage, 0, len(conv.history)*2+2)
	if rt.cfg.Instructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: rt.cfg.Instructions})
	}
	for _, ex := range conv.history {
		messages = append(messages, chatMessage{Role: "user", Content: ex.UserMessage})
		if ex.AssistantResponse != "" {
			messages = append(messages, chatMessage{Role: "assistant", Content: ex.AssistantResponse})
		}
	}
	return append(messages, chatMessage{Role: "user", Content: text})
}

// finishExchange records the completed turn in session history, trimming
// to the retention cap. Caller holds conv.mu.
func (rt *Runtime) finishExchange(conv *conversation, text string, reply *Reply) {
	conv.history = append(conv.history, exchange{
		UserMessage:       text,
		AssistantResponse: reply.Text(),
		At:                time.Now(),
	})
	if len(conv.history) > rt.cfg.MaxHistory {
		conv.history = conv.history[len(conv.history)-rt.cfg.MaxHistory:]
	}
}

func (rt *Runtime) accumulate(reply *Reply, resp *LLMResponse) {
	reply.Usage.PromptTokens += resp.Usage.PromptTokens
	reply.Usage.CompletionTokens += resp.Usage.CompletionTokens
	reply.Usage.TotalTokens += resp.Usage.TotalTokens
}
