package parley

import (
	"errors"
	"net/http"
	"time"
)

// ============================================================================
// Domain Types
// ============================================================================

// MessageKind is the wire value of a message's type field.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageAudio MessageKind = "audio"
)

// Conversation is one entry from GET /chats.
type Conversation struct {
	ChatID       string   `json:"chat_id"`
	Participants []string `json:"participants"`
}

// Message is one entry from GET /chats/{chatId}/messages, ordered by
// server-assigned timestamp.
type Message struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Kind      MessageKind `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage is the body of POST /chats/{chatId}/messages.
type NewMessage struct {
	UserID  string      `json:"user_id"`
	Kind    MessageKind `json:"type"`
	Content string      `json:"content"`
}

// PresenceStatus is a participant's ephemeral status within a conversation.
type PresenceStatus string

const (
	StatusOnline PresenceStatus = "online"
	StatusTyping PresenceStatus = "typing"
)

// PresenceUpdate is the body of POST /chats/{chatId}/presence and the data
// payload of a presence_updated push event.
type PresenceUpdate struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}

// Ack identifies an accepted message submission. SubmissionID is assigned
// client-side before the request goes out; Message is the server's created
// record.
type Ack struct {
	SubmissionID string
	Message      *Message
}

// ============================================================================
// Transport Events
// ============================================================================

// Push event discriminants carried in the envelope's event field.
const (
	EventMessageCreated  = "message_created"
	EventPresenceUpdated = "presence_updated"
)

// Event is a decoded push frame. Exactly one of Message or Presence is set,
// according to Type. Events are cache-invalidation hints, not content; the
// store refetches over REST to observe the new state.
type Event struct {
	Type     string
	ChatID   string
	Message  *Message
	Presence *PresenceUpdate
}

// ============================================================================
// Error Taxonomy
// ============================================================================

// Error codes. Transport errors drive reconnection; invalid content fails a
// single submission; send and fetch failures are non-fatal and never retried
// automatically.
const (
	CodeTransport      = "TRANSPORT"
	CodeInvalidContent = "INVALID_CONTENT"
	CodeSendFailed     = "SEND_FAILED"
	CodeFetchFailed    = "FETCH_FAILED"
)

// APIError is the error type for every failure the SDK surfaces. Status is
// the HTTP status when the failure came from a response, 0 otherwise.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Retryable reports whether retrying the same request could succeed.
// Client errors (4xx) are permanent; server errors and network failures
// are not.
func (e *APIError) Retryable() bool {
	if e.Code == CodeInvalidContent {
		return false
	}
	if e.Status >= http.StatusBadRequest && e.Status < http.StatusInternalServerError {
		return false
	}
	return true
}

// IsInvalidContent reports whether err is a validation failure that was
// rejected before any network request.
func IsInvalidContent(err error) bool {
	return errCode(err) == CodeInvalidContent
}

// IsSendFailed reports whether err is a submission failure after validation
// passed. The compose draft is preserved so the user can retry.
func IsSendFailed(err error) bool {
	return errCode(err) == CodeSendFailed
}

func errCode(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
