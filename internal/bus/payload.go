package bus

import (
	"encoding/json"

	"egobackend/internal/models"
)

// PayloadKind distinguishes the structurally different message shapes that
// can arrive on the chat/session-index/session-history queues. The design
// note calls for a discriminated, structural decode rather than one struct
// wide enough to hold every field — each shape is parsed into its own type
// and callers switch on Kind.
type PayloadKind int

const (
	KindUnknown PayloadKind = iota
	KindToken
	KindStatus
	KindSessionIndex
	KindHistory
)

// TokenPayload is a single streamed token or content fragment for a chat.
// Upstream emits two wire shapes for this (spec.md §6): a "token" envelope
// carrying the text in "data", and a bare "content" fragment. Both
// normalize to Text.
type TokenPayload struct {
	ChatID     string `json:"chat_id"`
	SessionID  int    `json:"session_id"`
	InstanceID string `json:"instance_id,omitempty"`
	Text       string
}

// StatusPayload signals a terminal or error condition for a chat's stream,
// e.g. the canonical Bus completion message. Upstream emits this as either
// {type:"status", token:"done"} or {type:"completion", status:"done"};
// both normalize to Status here.
type StatusPayload struct {
	ChatID    string `json:"chat_id"`
	SessionID int    `json:"session_id"`
	Status    string
	Message   string `json:"message,omitempty"`
}

// SessionIndexEntry is one (id, title) pair out of a session-index payload,
// regardless of which of the three wire shapes it arrived in.
type SessionIndexEntry struct {
	SessionID int
	Title     string
	CreatedAt string
}

// SessionIndexPayload is the FIFO re-sync payload: Upstream's authoritative
// latest-10 list for one user. spec.md §6 documents three interchangeable
// wire shapes for this queue:
//   - a bare array of [sid, title] pairs
//   - a bare object {user_id, sessions:[{s_id, s_name, created_at?}]}
//   - a bare array of such objects (one per user, rare but documented)
//
// Decode normalizes all three into Entries.
type SessionIndexPayload struct {
	UserID  string
	Entries []SessionIndexEntry
}

// HistoryPayload is the full-transcript backfill Upstream publishes onto
// the session-history queue in reply to POST /sessionhistory.
type HistoryPayload struct {
	UserID    string           `json:"user_id"`
	SessionID int              `json:"session_id"`
	Messages  []models.Message `json:"messages"`
}

type rawObjectEnvelope struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	SessionID int    `json:"session_id"`

	Type    string `json:"type"`
	Data    string `json:"data"`
	Content string `json:"content"`
	Status  string `json:"status"`
	Token   string `json:"token"`
	Message string `json:"message"`

	Title       string                `json:"title"`
	TitleSource string                `json:"title_source"`
	Sessions    []rawIndexSessionItem `json:"sessions"`
	Messages    []models.Message      `json:"messages"`
}

type rawIndexSessionItem struct {
	SID       int    `json:"s_id"`
	SName     string `json:"s_name"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Decode inspects the raw body structurally — first whether it is a bare
// JSON array (the session-index [sid,title] or object-list shapes), then by
// which fields are present on an object — and returns the matching typed
// payload plus its Kind. It never attempts to unmarshal into one
// all-encompassing struct, per the spec's discriminated-union design note.
func Decode(body []byte) (PayloadKind, interface{}, error) {
	trimmed := firstNonSpace(body)
	if trimmed == '[' {
		return decodeArray(body)
	}
	return decodeObject(body)
}

func firstNonSpace(body []byte) byte {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}

// decodeArray handles the two bare-array session-index shapes: an array of
// [sid, title] pairs, or an array of {user_id, sessions:[...]} objects.
func decodeArray(body []byte) (PayloadKind, interface{}, error) {
	var pairs []json.RawMessage
	if err := json.Unmarshal(body, &pairs); err != nil {
		return KindUnknown, nil, err
	}
	if len(pairs) == 0 {
		return KindSessionIndex, SessionIndexPayload{}, nil
	}

	if firstNonSpace(pairs[0]) == '[' {
		var p SessionIndexPayload
		for _, raw := range pairs {
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
				continue
			}
			var id int
			var title string
			if err := json.Unmarshal(pair[0], &id); err != nil {
				continue
			}
			_ = json.Unmarshal(pair[1], &title)
			p.Entries = append(p.Entries, SessionIndexEntry{SessionID: id, Title: title})
		}
		return KindSessionIndex, p, nil
	}

	var merged SessionIndexPayload
	for _, raw := range pairs {
		var obj rawObjectEnvelope
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if merged.UserID == "" {
			merged.UserID = obj.UserID
		}
		for _, s := range obj.Sessions {
			merged.Entries = append(merged.Entries, SessionIndexEntry{
				SessionID: s.SID, Title: s.SName, CreatedAt: s.CreatedAt,
			})
		}
	}
	return KindSessionIndex, merged, nil
}

// decodeObject handles every bare-object payload shape: token, content,
// status, session-index (single object), and history. Field presence is
// checked in an order chosen so the more specific shapes (history,
// session-index) are never mistaken for a token/status fragment that
// happens to share a field name.
func decodeObject(body []byte) (PayloadKind, interface{}, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return KindUnknown, nil, err
	}

	var obj rawObjectEnvelope
	if err := json.Unmarshal(body, &obj); err != nil {
		return KindUnknown, nil, err
	}

	if _, ok := probe["messages"]; ok && len(obj.Messages) > 0 {
		return KindHistory, HistoryPayload{UserID: obj.UserID, SessionID: obj.SessionID, Messages: obj.Messages}, nil
	}

	if _, ok := probe["sessions"]; ok {
		p := SessionIndexPayload{UserID: obj.UserID}
		for _, s := range obj.Sessions {
			p.Entries = append(p.Entries, SessionIndexEntry{SessionID: s.SID, Title: s.SName, CreatedAt: s.CreatedAt})
		}
		return KindSessionIndex, p, nil
	}

	if _, ok := probe["title"]; ok {
		return KindSessionIndex, SessionIndexPayload{
			UserID:  obj.UserID,
			Entries: []SessionIndexEntry{{SessionID: obj.SessionID, Title: obj.Title, CreatedAt: obj.TitleSource}},
		}, nil
	}

	if _, ok := probe["status"]; ok {
		return KindStatus, StatusPayload{
			ChatID: obj.ChatID, SessionID: obj.SessionID,
			Status: obj.Status, Message: obj.Message,
		}, nil
	}
	if obj.Type == "status" || obj.Type == "completion" {
		status := obj.Status
		if status == "" {
			status = obj.Token
		}
		return KindStatus, StatusPayload{
			ChatID: obj.ChatID, SessionID: obj.SessionID,
			Status: status, Message: obj.Message,
		}, nil
	}

	if _, ok := probe["data"]; ok || obj.Type == "token" {
		return KindToken, TokenPayload{
			ChatID: obj.ChatID, SessionID: obj.SessionID,
			Text: obj.Data,
		}, nil
	}

	if _, ok := probe["content"]; ok {
		return KindToken, TokenPayload{
			ChatID: obj.ChatID, SessionID: obj.SessionID,
			Text: obj.Content,
		}, nil
	}

	return KindUnknown, nil, nil
}
