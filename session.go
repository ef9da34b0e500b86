package parley

import (
	"context"
	"sync"
)

// Session is the per-view controller for one active conversation. It owns
// the push channel, the presence tracker and the compose draft, and wires
// transport events into the store and tracker.
//
// A session holds at most one live channel. Selecting a conversation closes
// the previous channel synchronously — cancelling its pending reconnect —
// before the new one opens, and events from a channel that is no longer the
// active one are ignored.
type Session struct {
	client     *Client
	store      *Store
	dispatcher *Dispatcher

	mu          sync.Mutex
	chatID      string
	channel     *Channel
	tracker     *Tracker
	draft       string
	onTransport func(*APIError)
	onPeer      func(userID string, typing bool)
	closed      bool
}

func newSession(client *Client, store *Store) *Session {
	return &Session{
		client:     client,
		store:      store,
		dispatcher: &Dispatcher{client: client, store: store},
	}
}

// OnTransportError registers an observer for channel-level failures, which
// are informational; reconnection is automatic.
func (s *Session) OnTransportError(fn func(*APIError)) {
	s.mu.Lock()
	s.onTransport = fn
	s.mu.Unlock()
}

// OnPeerStatusChanged registers an observer for the peer-typing flag of the
// active conversation.
func (s *Session) OnPeerStatusChanged(fn func(userID string, typing bool)) {
	s.mu.Lock()
	s.onPeer = fn
	if s.tracker != nil {
		s.tracker.OnPeerStatusChanged(fn)
	}
	s.mu.Unlock()
}

// ActiveChat returns the selected conversation id, or "".
func (s *Session) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// ChannelState returns the push channel's connection state.
func (s *Session) ChannelState() ChannelState {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return StateDisconnected
	}
	return ch.State()
}

// PeerTyping reports whether a peer in the active conversation is typing.
func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	tr := s.tracker
	s.mu.Unlock()
	return tr != nil && tr.PeerTyping()
}

// Select makes chatID the active conversation: the previous channel and
// tracker are torn down first, then the new channel opens and the message
// cache for chatID is invalidated to prime the view. Selecting "" just
// leaves no conversation active. Selecting the current conversation is a
// no-op.
//
// The channel dials and retries in the background for as long as the
// conversation stays selected, so Select takes no context: its work does
// not end when the caller's call frame does.
func (s *Session) Select(chatID string) {
	s.mu.Lock()
	if s.closed || chatID == s.chatID {
		s.mu.Unlock()
		return
	}

	prevChannel := s.channel
	prevTracker := s.tracker
	s.channel = nil
	s.tracker = nil
	s.chatID = chatID
	s.draft = ""

	var tracker *Tracker
	if chatID != "" {
		tracker = s.client.NewTracker(chatID)
		if s.onPeer != nil {
			tracker.OnPeerStatusChanged(s.onPeer)
		}
		s.tracker = tracker
	}
	onTransport := s.onTransport
	s.mu.Unlock()

	// The old channel must be dead before the new one dials: the server
	// budgets one live channel per client view.
	if prevChannel != nil {
		prevChannel.Close()
	}
	if prevTracker != nil {
		prevTracker.Close()
	}
	if chatID == "" {
		return
	}

	channel := s.client.OpenChannel(chatID, func(ev Event) {
		s.handleEvent(chatID, ev)
	}, onTransport)

	s.mu.Lock()
	if s.closed || s.chatID != chatID {
		// Lost a race with a newer Select or Close.
		s.mu.Unlock()
		channel.Close()
		return
	}
	s.channel = channel
	s.mu.Unlock()

	s.store.Invalidate(MessagesKey(chatID))
}

// handleEvent fans one push event out to the store and the tracker. Events
// for a conversation that is no longer active are dropped.
func (s *Session) handleEvent(chatID string, ev Event) {
	s.mu.Lock()
	if s.closed || s.chatID != chatID {
		s.mu.Unlock()
		return
	}
	tracker := s.tracker
	s.mu.Unlock()

	// Every event for the active conversation is a hint that its message
	// cache is stale.
	s.store.Invalidate(MessagesKey(chatID))

	switch ev.Type {
	case EventPresenceUpdated:
		if ev.Presence != nil && tracker != nil {
			tracker.HandleRemote(*ev.Presence)
		}
	case EventMessageCreated:
		if ev.Message != nil && ev.Message.UserID != s.client.userID && tracker != nil {
			tracker.ClearPeer()
		}
	}
}

// Draft returns the compose field content.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SetDraft replaces the compose field content and records typing activity.
func (s *Session) SetDraft(ctx context.Context, text string) {
	s.mu.Lock()
	if s.closed || s.chatID == "" {
		s.mu.Unlock()
		return
	}
	s.draft = text
	tracker := s.tracker
	s.mu.Unlock()

	if tracker != nil {
		tracker.NotifyActivity(ctx)
	}
}

// SendDraft submits the compose draft as a message of the given kind. On
// success the draft is cleared and the typing session reset; on any failure
// the draft is left untouched so the user may retry.
func (s *Session) SendDraft(ctx context.Context, kind MessageKind) (*Ack, error) {
	s.mu.Lock()
	chatID := s.chatID
	draft := s.draft
	tracker := s.tracker
	s.mu.Unlock()

	if chatID == "" {
		return nil, &APIError{Code: CodeInvalidContent, Message: "no active conversation"}
	}

	ack, err := s.dispatcher.Send(ctx, chatID, s.client.userID, kind, draft)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Only clear if the draft was not replaced while the request was out.
	if s.chatID == chatID && s.draft == draft {
		s.draft = ""
	}
	s.mu.Unlock()
	if tracker != nil {
		tracker.Reset()
	}
	return ack, nil
}

// Close tears down the channel and tracker. The session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channel := s.channel
	tracker := s.tracker
	s.channel = nil
	s.tracker = nil
	s.chatID = ""
	s.mu.Unlock()

	if tracker != nil {
		tracker.Close()
	}
	if channel != nil {
		return channel.Close()
	}
	return nil
}
