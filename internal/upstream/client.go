// Package upstream is the HTTP client for the LLM inference service the
// rest of this repo calls Upstream: the Producer-trigger POST /chat call,
// the best-effort /stop call, and the two FIFO-reconciliation calls
// (/sessionName, /sessionhistory) spec.md §4.4 and §6 describe.
//
// Grounded on internal/engine/llm_client.go's llmClient: one *http.Client
// shared across calls, each call wrapping ctx in its own
// context.WithTimeout rather than relying on a single client-wide
// deadline, and JSON request/response bodies throughout.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"egobackend/internal/models"
)

// Per-call timeouts, spec.md §5: "Upstream HTTP requests carry their own
// upper bounds: 10s (metadata calls), 15s (history), 30s (chat), 100s
// (stop)."
const (
	ChatTimeout        = 30 * time.Second
	StopTimeout        = 100 * time.Second
	SessionNameTimeout = 10 * time.Second
	HistoryTimeout     = 15 * time.Second
)

// ChatEnvelope is the Producer-trigger request body, spec.md §6: "Chat
// request payload."
type ChatEnvelope struct {
	UserID            string            `json:"user_id"`
	ChatID            string            `json:"chat_id"`
	SessionID         int               `json:"session_id"`
	LLMModelID        string            `json:"llm_model_id"`
	SummarizeFlag     bool              `json:"summarize_flag"`
	CodebaseSearchFlag bool             `json:"codebase_search_flag"`
	PersonalizeFlag   bool              `json:"personalize_flag"`
	TempFileFlag      bool              `json:"temp_file_flag"`
	FirstChatFlag     bool              `json:"first_chat_flag"`
	WebSearchFlag     bool              `json:"web_search_flag"`
	Prompt            string            `json:"prompt"`
	TempFilePaths     []string          `json:"temp_file_paths,omitempty"`
	RoomID            string            `json:"room_id"`
}

// ChatResult is Upstream's parsed synchronous reply to POST /chat: whether
// it considers the turn already complete, any text it returned inline, and
// — on the first chat of a session — the session name it minted.
type ChatResult struct {
	IsComplete  bool   `json:"is_complete"`
	Content     string `json:"content"`
	SessionName string `json:"session_name"`
}

// Client talks to one Upstream base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client. httpClient is shared process-wide, matching the
// teacher's single *http.Client reused across every llmClient call.
func New(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, http: httpClient}
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("upstream: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream: %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("upstream: decode response: %w", err)
	}
	return nil
}

// TriggerChat is the Producer trigger of spec.md §4.1 step 4: it POSTs the
// prompt envelope and returns Upstream's parsed completion status. Per
// spec.md §5, a timeout here does not abort the Bus consumer — Upstream
// may still be generating and publishing tokens in the background, which
// is why this call's error is surfaced to the coordinator as a distinct
// signal rather than treated as "no reply ever coming."
func (c *Client) TriggerChat(ctx context.Context, env ChatEnvelope) (ChatResult, error) {
	var result ChatResult
	err := c.do(ctx, ChatTimeout, http.MethodPost, "/chat", env, &result)
	return result, err
}

// Stop forwards a stop intent, spec.md §4.2 step 1: "best-effort, 100s
// deadline." Callers must proceed with local cleanup regardless of the
// error this returns — that is the critical invariant §4.2 calls out, and
// it lives in the coordinator, not here.
func (c *Client) Stop(ctx context.Context, userID string, sessionID int, chatID string) error {
	body := map[string]interface{}{"user_id": userID, "session_id": sessionID}
	if chatID != "" {
		body["chat_id"] = chatID
	}
	return c.do(ctx, StopTimeout, http.MethodPost, "/stop", body, nil)
}

// SessionName triggers the FIFO re-sync of spec.md §4.4: Upstream
// publishes the authoritative latest-10 session list onto the
// session-index Bus queue asynchronously; this call only has to land
// before that publish can be assumed to have happened, which is why
// httpapi.SessionsHandler's subscribe-before-trigger ordering (spec.md
// §4.3) matters more than this call's return value.
func (c *Client) SessionName(ctx context.Context, userID string) error {
	body := map[string]string{"user_id": userID}
	return c.do(ctx, SessionNameTimeout, http.MethodPost, "/sessionName", body, nil)
}

// DeleteSession asks Upstream to delete sessionID, the Upstream half of
// spec.md §6's "DELETE /deletesession/{id}: delete locally and on Upstream."
func (c *Client) DeleteSession(ctx context.Context, userID string, sessionID int) error {
	body := map[string]interface{}{"user_id": userID, "session_id": sessionID}
	return c.do(ctx, SessionNameTimeout, http.MethodDelete, "/deletesession", body, nil)
}

// SessionHistory requests a transcript backfill for sessionID, used by
// POST /sessionhistory's "memory-first, then Upstream+Bus" path (spec.md
// §6) when the in-memory Transcript Store has nothing for this session
// (e.g. after a process restart or eviction).
func (c *Client) SessionHistory(ctx context.Context, userID string, sessionID int) error {
	body := map[string]interface{}{"user_id": userID, "session_id": sessionID}
	return c.do(ctx, HistoryTimeout, http.MethodPost, "/sessionhistory", body, nil)
}

// BuildChatEnvelope assembles the wire request for a ChatRequest, spec.md
// §6's flag-set mapping.
func BuildChatEnvelope(userID string, req models.ChatRequest, roomID string) ChatEnvelope {
	return ChatEnvelope{
		UserID:             userID,
		ChatID:             req.ChatID,
		SessionID:          req.SessionID,
		LLMModelID:         req.ModelID,
		SummarizeFlag:      req.Flags.Summarize,
		CodebaseSearchFlag: req.Flags.CodebaseSearch,
		PersonalizeFlag:    req.Flags.Personalize,
		TempFileFlag:       req.Flags.TempFile,
		FirstChatFlag:      req.Flags.FirstChat,
		WebSearchFlag:      req.Flags.WebSearch,
		Prompt:             req.Prompt,
		TempFilePaths:      req.TempFilePaths,
		RoomID:             roomID,
	}
}
