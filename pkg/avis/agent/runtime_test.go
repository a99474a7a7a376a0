package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

// mockModel serves a scripted sequence of chat completion responses and
// records the requests it received.
type mockModel struct {
	t         *testing.T
	responses []chatResponse
	requests  []chatRequest
	calls     int
}

func (m *mockModel) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" {
		m.t.Errorf("unexpected path %s", r.URL.Path)
		http.NotFound(w, r)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.t.Errorf("decoding request: %v", err)
	}
	m.requests = append(m.requests, req)

	if m.calls >= len(m.responses) {
		m.t.Errorf("unexpected extra model call %d", m.calls+1)
		http.Error(w, "no more responses", http.StatusInternalServerError)
		return
	}
	resp := m.responses[m.calls]
	m.calls++
	_ = json.NewEncoder(w).Encode(resp)
}

func modelResponse(content string, toolCalls ...ToolCall) chatResponse {
	var resp chatResponse
	resp.Choices = []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}{{}}
	resp.Choices[0].Message.Content = content
	resp.Choices[0].Message.ToolCalls = toolCalls
	resp.Choices[0].FinishReason = "stop"
	resp.Usage.PromptTokens = 10
	resp.Usage.CompletionTokens = 5
	resp.Usage.TotalTokens = 15
	return resp
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRuntime(t *testing.T, m *mockModel) *Runtime {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(m.handler))
	t.Cleanup(server.Close)

	logger := testLogger()
	llm := NewLLMClient(server.URL, "test-key", "test-model", logger)
	executor := NewToolExecutor(logger)
	executor.Register(ToolDefinition{
		Type:     "function",
		Function: FunctionDef{Name: "echo", Parameters: json.RawMessage(`{"type":"object"}`)},
	}, func(_ context.Context, args map[string]any) (string, error) {
		return "echo: " + stringArg(args, "text", ""), nil
	})

	return NewRuntime(llm, executor, Config{}, logger)
}

func TestConverseSimpleReply(t *testing.T) {
	m := &mockModel{t: t, responses: []chatResponse{
		modelResponse("Here is some advice."),
	}}
	rt := newTestRuntime(t, m)

	sessionID, err := rt.CreateSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	reply, err := rt.Converse(context.Background(), sessionID, "help me")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if got := reply.Text(); got != "Here is some advice." {
		t.Errorf("unexpected reply %q", got)
	}
	if reply.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", reply.Usage.TotalTokens)
	}

	// The request carries system prompt and the user message.
	req := m.requests[0]
	if req.Messages[0].Role != "system" {
		t.Errorf("first message role = %s, want system", req.Messages[0].Role)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "help me" {
		t.Errorf("unexpected last message %+v", last)
	}
}

func TestConverseToolLoop(t *testing.T) {
	m := &mockModel{t: t, responses: []chatResponse{
		modelResponse("Let me check.", ToolCall{
			ID:   "call_1",
			Type: "function",
			Function: FunctionCall{
				Name:      "echo",
				Arguments: `{"text":"ping"}`,
			},
		}),
		modelResponse("The tool said ping."),
	}}
	rt := newTestRuntime(t, m)

	sessionID, _ := rt.CreateSession(context.Background(), "alice")
	reply, err := rt.Converse(context.Background(), sessionID, "use the tool")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}

	// Fragments arrive in delivery order and concatenate.
	if len(reply.Fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(reply.Fragments))
	}
	if got := reply.Text(); got != "Let me check.The tool said ping." {
		t.Errorf("unexpected reply %q", got)
	}

	// The second request includes the tool result.
	if len(m.requests) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(m.requests))
	}
	second := m.requests[1]
	var sawToolResult bool
	for _, msg := range second.Messages {
		if msg.Role == "tool" && msg.ToolCallID == "call_1" && msg.Content == "echo: ping" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Error("tool result missing from follow-up model call")
	}

	// Usage accumulates across turns.
	if reply.Usage.TotalTokens != 30 {
		t.Errorf("expected 30 total tokens, got %d", reply.Usage.TotalTokens)
	}
}

func TestConverseKeepsHistory(t *testing.T) {
	m := &mockModel{t: t, responses: []chatResponse{
		modelResponse("First answer."),
		modelResponse("Second answer."),
	}}
	rt := newTestRuntime(t, m)

	sessionID, _ := rt.CreateSession(context.Background(), "alice")
	if _, err := rt.Converse(context.Background(), sessionID, "first question"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Converse(context.Background(), sessionID, "second question"); err != nil {
		t.Fatal(err)
	}

	second := m.requests[1]
	var sawFirstExchange bool
	for i, msg := range second.Messages {
		if msg.Role == "user" && msg.Content == "first question" {
			if i+1 < len(second.Messages) && second.Messages[i+1].Content == "First answer." {
				sawFirstExchange = true
			}
		}
	}
	if !sawFirstExchange {
		t.Error("second conversation did not carry the first exchange")
	}
}

func TestConverseUnknownSession(t *testing.T) {
	m := &mockModel{t: t}
	rt := newTestRuntime(t, m)

	_, err := rt.Converse(context.Background(), "no-such-session", "hi")
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestCreateSessionRequiresCredentials(t *testing.T) {
	logger := testLogger()
	llm := NewLLMClient("", "", "test-model", logger)
	rt := NewRuntime(llm, NewToolExecutor(logger), Config{}, logger)

	_, err := rt.CreateSession(context.Background(), "alice")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("expected ErrUpstreamFailure, got %v", err)
	}
	if rt.SessionCount() != 0 {
		t.Errorf("failed creation must not leave a conversation, count=%d", rt.SessionCount())
	}
}

func TestEndSessionReleasesState(t *testing.T) {
	m := &mockModel{t: t}
	rt := newTestRuntime(t, m)

	sessionID, _ := rt.CreateSession(context.Background(), "alice")
	if rt.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", rt.SessionCount())
	}

	rt.EndSession(sessionID)
	rt.EndSession(sessionID) // tolerate unknown IDs
	if rt.SessionCount() != 0 {
		t.Errorf("expected 0 sessions, got %d", rt.SessionCount())
	}

	if _, err := rt.Converse(context.Background(), sessionID, "hi"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession after EndSession, got %v", err)
	}
}

func TestConverseUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	logger := testLogger()
	llm := NewLLMClient(server.URL, "test-key", "test-model", logger)
	rt := NewRuntime(llm, NewToolExecutor(logger), Config{}, logger)

	sessionID, _ := rt.CreateSession(context.Background(), "alice")
	_, err := rt.Converse(context.Background(), sessionID, "hi")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("expected ErrUpstreamFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention the status code, got %v", err)
	}
}
