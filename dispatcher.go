package parley

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Dispatcher validates and submits outgoing messages, then invalidates the
// conversation store so delivery is confirmed by refetch rather than by
// trusting the ack payload.
type Dispatcher struct {
	client *Client
	store  *Store
}

// Send validates and submits one message.
//
// Content must be non-empty after trimming, and for image or audio kinds it
// must be a well-formed absolute URL; otherwise the submission fails with
// INVALID_CONTENT and no request is issued. A network or server failure
// yields SEND_FAILED, which is never retried automatically — the caller
// keeps the draft and may resubmit.
func (d *Dispatcher) Send(ctx context.Context, chatID, authorID string, kind MessageKind, content string) (*Ack, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &APIError{Code: CodeInvalidContent, Message: "empty content"}
	}
	if kind == MessageImage || kind == MessageAudio {
		if !isAbsoluteURL(content) {
			return nil, &APIError{Code: CodeInvalidContent, Message: "content must be an absolute " + string(kind) + " URL"}
		}
	}
	if authorID == "" {
		authorID = d.client.userID
	}

	submissionID := uuid.NewString()
	created, err := d.client.PostMessage(ctx, chatID, NewMessage{
		UserID:  authorID,
		Kind:    kind,
		Content: content,
	})
	if err != nil {
		return nil, err
	}

	if d.store != nil {
		d.store.Invalidate(MessagesKey(chatID))
	}
	return &Ack{SubmissionID: submissionID, Message: created}, nil
}

// CreateChat starts a conversation and invalidates the conversation list on
// success.
func (d *Dispatcher) CreateChat(ctx context.Context, participants []string) (*Conversation, error) {
	created, err := d.client.CreateChat(ctx, participants)
	if err != nil {
		return nil, err
	}
	if d.store != nil {
		d.store.Invalidate(KeyConversations)
	}
	return created, nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
