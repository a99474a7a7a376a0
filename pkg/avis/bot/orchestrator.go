// Package bot implements the conversation orchestrator: the single entry
// point the delivery layer calls for each inbound message. It composes
// the session registry and the agent runtime, and guarantees the caller
// always gets text back; every failure maps to a fixed user-safe reply
// while the underlying error is logged for operators.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lbaudet/avis/pkg/avis/agent"
	"github.com/lbaudet/avis/pkg/avis/session"
	"github.com/lbaudet/avis/pkg/avis/transcript"
)

// Sessions is the registry surface the orchestrator needs.
type Sessions interface {
	GetOrCreate(ctx context.Context, userID string) (*session.Session, error)
	Invalidate(userID string)
}

// Agent is the conversational surface of the runtime.
type Agent interface {
	Converse(ctx context.Context, sessionID, text string) (*agent.Reply, error)
}

// Recorder receives completed exchanges for the audit transcript.
type Recorder interface {
	Record(ex transcript.Exchange) error
}

// Replies are the fixed user-facing strings. Configurable; the defaults
// keep the bot's original voice.
type Replies struct {
	// Greeting is fed to the agent when a mention carries no text.
	Greeting string `yaml:"greeting"`

	// Busy replaces an empty agent response.
	Busy string `yaml:"busy"`

	// SessionInit is returned when a session could not be started.
	SessionInit string `yaml:"session_init"`

	// Failure is the generic fallback for any other error.
	Failure string `yaml:"failure"`

	// Blocked is the fixed literal returned to blocklisted users.
	Blocked string `yaml:"blocked"`
}

// DefaultReplies returns the stock reply set.
func DefaultReplies() Replies {
	return Replies{
		Greeting:    "Hello! How can I help you today?",
		Busy:        "Desole chui occupe.",
		SessionInit: "Je n'arrive pas a demarrer notre session, reessaie dans un instant.",
		Failure:     "Oups ca marche pas.",
		Blocked:     "ftg sale merde a la niche",
	}
}

// Orchestrator routes one user utterance through session lookup and the
// agent, mapping every failure to a fallback reply.
type Orchestrator struct {
	sessions Sessions
	agent    Agent
	recorder Recorder // nil disables transcripts
	replies  Replies
	blocked  map[string]struct{}
	logger   *slog.Logger

	// selfID is the bot's own user ID, set by the delivery layer once it
	// knows its identity. Used to strip self-mention markup.
	selfID atomic.Value // string
}

// New creates an orchestrator. recorder may be nil.
func New(sessions Sessions, ag Agent, recorder Recorder, replies Replies, blockedUsers []string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	blocked := make(map[string]struct{}, len(blockedUsers))
	for _, id := range blockedUsers {
		blocked[id] = struct{}{}
	}
	def := DefaultReplies()
	if replies.Greeting == "" {
		replies.Greeting = def.Greeting
	}
	if replies.Busy == "" {
		replies.Busy = def.Busy
	}
	if replies.SessionInit == "" {
		replies.SessionInit = def.SessionInit
	}
	if replies.Failure == "" {
		replies.Failure = def.Failure
	}
	if replies.Blocked == "" {
		replies.Blocked = def.Blocked
	}
	return &Orchestrator{
		sessions: sessions,
		agent:    ag,
		recorder: recorder,
		replies:  replies,
		blocked:  blocked,
		logger:   logger.With("component", "orchestrator"),
	}
}

// SetSelfID tells the orchestrator the bot's own user ID so mention
// markup can be stripped from inbound text.
func (o *Orchestrator) SetSelfID(id string) {
	o.selfID.Store(id)
}

// Handle processes one inbound message and always returns reply text,
// never an error. Failures are logged and collapse to fallback strings.
func (o *Orchestrator) Handle(ctx context.Context, userID, rawText string) string {
	start := time.Now()
	logger := o.logger.With("user_id", userID)

	// Blocklist carve-out before any session work.
	if _, ok := o.blocked[userID]; ok {
		logger.Info("blocked user short-circuited")
		return o.replies.Blocked
	}

	text := o.stripSelfMention(rawText)
	if text == "" {
		text = o.replies.Greeting
	}

	sess, err := o.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		logger.Error("session lookup failed", "error", err)
		if errors.Is(err, session.ErrSessionInit) {
			return o.replies.SessionInit
		}
		return o.replies.Failure
	}

	reply, err := o.agent.Converse(ctx, sess.SessionID, text)
	if errors.Is(err, agent.ErrUnknownSession) {
		// The runtime lost the session (swept). Drop the stale handle
		// and retry once with a fresh one.
		o.sessions.Invalidate(userID)
		fresh, freshErr := o.sessions.GetOrCreate(ctx, userID)
		if freshErr != nil {
			logger.Error("session recreate failed", "error", freshErr)
			if errors.Is(freshErr, session.ErrSessionInit) {
				return o.replies.SessionInit
			}
			return o.replies.Failure
		}
		sess = fresh
		reply, err = o.agent.Converse(ctx, sess.SessionID, text)
	}
	if err != nil {
		logger.Error("conversation failed", "error", err, "session_id", sess.SessionID)
		return o.replies.Failure
	}

	content := reply.Text()
	if strings.TrimSpace(content) == "" {
		logger.Warn("agent produced no content", "session_id", sess.SessionID)
		return o.replies.Busy
	}

	o.record(sess.SessionID, userID, text, content, reply, start)

	logger.Info("message handled",
		"session_id", sess.SessionID,
		"reply_len", len(content),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return content
}

// record writes the exchange to the transcript. Transcript failures are
// logged, never surfaced to the user.
func (o *Orchestrator) record(sessionID, userID, prompt, content string, reply *agent.Reply, start time.Time) {
	if o.recorder == nil {
		return
	}
	err := o.recorder.Record(transcript.Exchange{
		UserID:           userID,
		SessionID:        sessionID,
		Prompt:           prompt,
		Reply:            content,
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
		DurationMS:       time.Since(start).Milliseconds(),
	})
	if err != nil {
		o.logger.Warn("transcript record failed", "error", err)
	}
}

// stripSelfMention removes the bot's own mention markup (<@id> and
// <@!id>) and trims whitespace.
func (o *Orchestrator) stripSelfMention(text string) string {
	if id, ok := o.selfID.Load().(string); ok && id != "" {
		text = strings.ReplaceAll(text, "<@!"+id+">", "")
		text = strings.ReplaceAll(text, "<@"+id+">", "")
	}
	return strings.TrimSpace(text)
}
