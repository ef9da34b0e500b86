package parley

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ChannelState represents the push-channel connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// wireEvent is the envelope of one inbound push frame.
type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Channel is one push connection, exclusive to a single conversation.
//
// A dropped or failed connection is re-dialed after a fixed delay for as
// long as the channel stays open; Close cancels the connection and any
// pending reconnect so a channel for an abandoned view can never resurrect
// itself. Unparseable frames are dropped; they are transport noise, not
// application failures.
type Channel struct {
	client  *Client
	chatID  string
	onEvent func(Event)
	onError func(*APIError)

	mu         sync.Mutex
	state      ChannelState
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	retry      *time.Timer
	closed     bool
}

// OpenChannel opens the push channel for a conversation. The connection is
// established in the background; onEvent receives every decoded frame and
// onError (optional) observes connection-level failures, which are
// recoverable and never fatal.
func (c *Client) OpenChannel(chatID string, onEvent func(Event), onError func(*APIError)) *Channel {
	ch := &Channel{
		client:  c,
		chatID:  chatID,
		onEvent: onEvent,
		onError: onError,
		state:   StateConnecting,
	}
	go ch.connect()
	return ch
}

// ChatID returns the conversation this channel is bound to.
func (ch *Channel) ChatID() string {
	return ch.chatID
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// PendingReconnect reports whether a reconnect attempt is scheduled.
func (ch *Channel) PendingReconnect() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.retry != nil
}

// Close tears the channel down and cancels any pending reconnect.
// It is safe to call more than once.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	if ch.retry != nil {
		ch.retry.Stop()
		ch.retry = nil
	}
	cancel := ch.cancelRead
	ch.cancelRead = nil
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "view closed")
	}
	return nil
}

func (ch *Channel) connect() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	ch.cancelRead = cancel
	ch.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ch.client.WSURL(ch.chatID), nil)
	if err != nil {
		ch.mu.Lock()
		closed := ch.closed
		ch.mu.Unlock()
		// Close cancels the dial context; that failure is the teardown
		// itself, not a connection problem worth surfacing.
		if closed {
			return
		}
		ch.reportError("dial failed", err)
		ch.scheduleReconnect()
		return
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "view closed")
		return
	}
	ch.conn = conn
	ch.state = StateConnected
	ch.mu.Unlock()

	ch.client.logger.Debug("push channel connected", "chat_id", ch.chatID)
	ch.readLoop(ctx, conn)
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			closed := ch.closed
			ch.conn = nil
			if !closed {
				ch.state = StateDisconnected
			}
			ch.mu.Unlock()
			if closed {
				return
			}
			ch.reportError("connection closed", err)
			ch.scheduleReconnect()
			return
		}

		var frame wireEvent
		if err := json.Unmarshal(data, &frame); err != nil {
			ch.client.logger.Debug("dropping malformed frame", "chat_id", ch.chatID, "error", err)
			continue
		}
		ev, ok := ch.decodeFrame(frame)
		if !ok {
			continue
		}
		ch.onEvent(ev)
	}
}

func (ch *Channel) decodeFrame(frame wireEvent) (Event, bool) {
	ev := Event{Type: frame.Event, ChatID: ch.chatID}
	switch frame.Event {
	case EventMessageCreated:
		var msg Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			ch.client.logger.Debug("dropping malformed message_created payload", "chat_id", ch.chatID, "error", err)
			return Event{}, false
		}
		ev.Message = &msg
	case EventPresenceUpdated:
		var pres PresenceUpdate
		if err := json.Unmarshal(frame.Data, &pres); err != nil {
			ch.client.logger.Debug("dropping malformed presence_updated payload", "chat_id", ch.chatID, "error", err)
			return Event{}, false
		}
		ev.Presence = &pres
	default:
		ch.client.logger.Debug("dropping frame with unknown event", "chat_id", ch.chatID, "event", frame.Event)
		return Event{}, false
	}
	return ev, true
}

// scheduleReconnect arms a single reconnect timer at the fixed delay. An
// already-armed timer is left alone so overlapping failure paths collapse
// into one attempt.
func (ch *Channel) scheduleReconnect() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.retry != nil {
		return
	}
	ch.state = StateReconnecting
	ch.retry = time.AfterFunc(ch.client.reconnectDelay, func() {
		ch.mu.Lock()
		ch.retry = nil
		closed := ch.closed
		ch.mu.Unlock()
		if closed {
			return
		}
		ch.connect()
	})
}

func (ch *Channel) reportError(msg string, err error) {
	ae := &APIError{Code: CodeTransport, Message: msg + ": " + err.Error()}
	ch.client.logger.Warn("push channel error", "chat_id", ch.chatID, "error", err)
	if ch.onError != nil {
		ch.onError(ae)
	}
}
