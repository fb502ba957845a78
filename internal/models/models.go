// Package models defines the data structures shared across the orchestrator:
// the in-memory session/transcript domain model, the wire DTOs exchanged with
// clients, and the payload shapes exchanged with Upstream and the Bus.
package models

import "time"

// SessionSource records where a Session's current title/state last came from.
type SessionSource string

const (
	SourceLocal                  SessionSource = "local"
	SourceUpstream                SessionSource = "upstream"
	SourceLocalUpdatedFromUpstream SessionSource = "local_updated_from_upstream"
)

// StopReason formalizes the completion_type values a chat stream can end with.
type StopReason string

const (
	StopReasonNone            StopReason = ""
	StopReasonUserStopped     StopReason = "user_stopped"
	StopReasonTimeoutStopped  StopReason = "timeout_stopped"
)

// MaxSessionsPerUser is the sliding-window bound on a user's session catalog.
const MaxSessionsPerUser = 10

// MaxChatsPerSession is the per-session prompt limit.
const MaxChatsPerSession = 15

// Session represents one conversation thread belonging to a user.
type Session struct {
	ID              int           `json:"id"`
	Title           string        `json:"title"`
	OwnerUserID     string        `json:"owner_user_id"`
	CurrentChatID   string        `json:"current_chat_id"`
	TotalChats      int           `json:"total_chats"`
	Source          SessionSource `json:"source"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
}

// Chat identifies a single prompt/response pair within a Session.
type Chat struct {
	SessionID int
	ChatID    string
}

// MessageType distinguishes the lanes a Message's content is split into.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageThinking  MessageType = "thinking"
	MessageAssistant MessageType = "assistant"
)

// Message is one turn of a Transcript. Assistant messages start incomplete
// and are filled in as stream events arrive; IsComplete flips exactly once.
type Message struct {
	Role            string      `json:"role"`
	Content         string      `json:"content"`
	ThinkingContent string      `json:"thinking_content,omitempty"`
	ChatID          string      `json:"chat_id"`
	SessionID       int         `json:"session_id"`
	UserID          string      `json:"user_id"`
	Timestamp       time.Time   `json:"timestamp"`
	MessageType     MessageType `json:"message_type"`
	IsComplete      bool        `json:"is_complete"`
	TokenCount      int         `json:"token_count"`
	TempFileName    string      `json:"temp_file_name,omitempty"`
}

// ModelProfile describes the thinking-tag protocol a given model uses.
type ModelProfile struct {
	ModelID          string
	SupportsThinking bool
	ThinkStart       string
	ThinkEnd         string
	ResponseStart    string
	ResponseEnd      string
	// GPTOSSStyle marks models where ResponseStart (not ThinkEnd) terminates
	// the thinking region.
	GPTOSSStyle bool
}

// StreamFlags are the optional behavior toggles a chat request may set.
type StreamFlags struct {
	Summarize       bool `json:"summarize,omitempty"`
	CodebaseSearch  bool `json:"codebase_search,omitempty"`
	Personalize     bool `json:"personalize,omitempty"`
	TempFile        bool `json:"temp_file,omitempty"`
	FirstChat       bool `json:"first_chat,omitempty"`
	WebSearch       bool `json:"web_search,omitempty"`
}

// ChatRequest is the inbound request to open a new chat stream, arriving
// either over HTTP POST /api/chat/stream or as a push-channel
// "stream_request" message.
type ChatRequest struct {
	Prompt        string      `json:"prompt" validate:"required,max=200000"`
	SessionID     int         `json:"session_id" validate:"required"`
	ChatID        string      `json:"chat_id" validate:"required"`
	InstanceID    string      `json:"instance_id,omitempty"`
	ModelID       string      `json:"model_id" validate:"required"`
	Flags         StreamFlags `json:"flags,omitempty"`
	TempFilePaths []string    `json:"temp_file_paths,omitempty" validate:"max=5,dive"`
}

// StopRequest cancels the active stream for a chat.
type StopRequest struct {
	SessionID int    `json:"session_id" validate:"required"`
	ChatID    string `json:"chat_id" validate:"required"`
}

// SessionNameRequest asks for a FIFO re-sync of the user's session catalog.
type SessionNameRequest struct {
	SessionID int `json:"session_id,omitempty"`
}

// EventType enumerates the discriminated push/HTTP stream event kinds.
type EventType string

const (
	EventHistoryStart      EventType = "history_start"
	EventHistory           EventType = "history"
	EventHistoryEnd        EventType = "history_end"
	EventThinking          EventType = "thinking"
	EventThinkingComplete  EventType = "thinking_complete"
	EventMoveToThinking    EventType = "move_to_thinking"
	EventStream            EventType = "stream"
	EventError             EventType = "error"
	EventComplete          EventType = "complete"
)

// Event is the wire envelope for every event the Streaming Coordinator emits,
// whether delivered over the chunked HTTP response or the push channel.
type Event struct {
	Type       EventType `json:"type"`
	Content    string    `json:"content,omitempty"`
	ChatID     string    `json:"chat_id"`
	SessionID  int       `json:"session_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// history / history_start / history_end
	Messages []Message `json:"messages,omitempty"`

	// thinking / move_to_thinking
	MessageID     string   `json:"message_id,omitempty"`
	PendingTokens []string `json:"pending_tokens,omitempty"`
	IsPending     bool     `json:"is_pending_thinking,omitempty"`

	// error
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// complete
	CompletionType StopReason `json:"completion_type,omitempty"`
}

// SessionDTO is the client-facing representation of a Session.
type SessionDTO struct {
	ID            int       `json:"id"`
	Title         string    `json:"title"`
	CurrentChatID string    `json:"current_chat_id"`
	TotalChats    int       `json:"total_chats"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ToSessionDTO converts an internal Session to its wire representation.
func ToSessionDTO(s Session) SessionDTO {
	return SessionDTO{
		ID:            s.ID,
		Title:         s.Title,
		CurrentChatID: s.CurrentChatID,
		TotalChats:    s.TotalChats,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// ToSessionDTOList converts a slice of Sessions to their wire representation.
func ToSessionDTOList(sessions []Session) []SessionDTO {
	out := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		out[i] = ToSessionDTO(s)
	}
	return out
}

// RequestMetrics is the ambient, Postgres-backed completion telemetry row.
// It is not part of the in-memory session/transcript domain: it is an
// observability sink written once per finished chat.
type RequestMetrics struct {
	ID             int64     `db:"id"`
	UserID         string    `db:"user_id"`
	SessionID      int       `db:"session_id"`
	ChatID         string    `db:"chat_id"`
	ResponseTimeMs int       `db:"response_time_ms"`
	TokenCount     int       `db:"token_count"`
	HadThinking    bool      `db:"had_thinking"`
	StopReason     string    `db:"stop_reason"`
	CreatedAt      time.Time `db:"created_at"`
}

// S3Config holds the configuration for connecting to an S3-compatible
// service used to resolve tempFilePaths[] references.
type S3Config struct {
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
	Bucket   string
}
