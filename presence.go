package parley

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tracker converts local input activity into timed presence announcements
// and remote presence events into a peer-is-typing flag, for one
// conversation.
//
// Local side: the first activity in a window announces "typing" over REST;
// further activity inside the window only re-arms the idle timer. After the
// idle window passes with no activity, "online" is announced exactly once.
// Each timer arm bumps a generation counter carried into the callback, so a
// timer stopped after it already fired cannot act on a newer session.
//
// Remote side: a presence event for another user sets or clears PeerTyping.
// The sender's "online" revert can be lost, so a receiver-side expiry timer
// clears a stuck flag; a fresh message from the peer clears it too.
type Tracker struct {
	client  *Client
	chatID  string
	limiter *rate.Limiter

	mu         sync.Mutex
	typing     bool
	peerTyping bool
	idle       *time.Timer
	idleGen    uint64
	expiry     *time.Timer
	expiryGen  uint64
	onPeer     func(userID string, typing bool)
	closed     bool
}

// NewTracker creates a presence tracker for one conversation.
func (c *Client) NewTracker(chatID string) *Tracker {
	return &Tracker{
		client:  c,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(c.typingIdle), 1),
	}
}

// OnPeerStatusChanged registers a callback for peer typing flips. Only
// remote users trigger it; the tracker's own announcements never do.
func (t *Tracker) OnPeerStatusChanged(fn func(userID string, typing bool)) {
	t.mu.Lock()
	t.onPeer = fn
	t.mu.Unlock()
}

// NotifyActivity records one unit of local input activity (a keystroke).
// At most one "typing" announcement goes out per idle window of continued
// activity; the idle timer is re-armed on every call.
func (t *Tracker) NotifyActivity(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	announce := t.limiter.Allow()
	t.typing = true
	if t.idle != nil {
		t.idle.Stop()
	}
	// Stop does not cancel a callback that already fired and is waiting on
	// the mutex; the generation check in revertToOnline neutralizes it.
	t.idleGen++
	gen := t.idleGen
	t.idle = time.AfterFunc(t.client.typingIdle, func() { t.revertToOnline(gen) })
	t.mu.Unlock()

	if announce {
		if err := t.client.UpdatePresence(ctx, t.chatID, t.client.userID, StatusTyping); err != nil {
			t.client.logger.Warn("typing announcement failed", "chat_id", t.chatID, "error", err)
		}
	}
}

// Reset abandons the current typing session without announcing, stopping
// the idle timer. Used when a message is sent: the created message itself
// tells the peer the author stopped typing.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing = false
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	t.idleGen++
}

// Typing reports whether a local typing session is in progress.
func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// PeerTyping reports whether a remote participant is currently typing.
func (t *Tracker) PeerTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerTyping
}

// HandleRemote applies a presence event from the push channel. Events for
// the tracker's own user are ignored.
func (t *Tracker) HandleRemote(update PresenceUpdate) {
	if update.UserID == t.client.userID {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	typing := update.Status == StatusTyping
	changed := t.peerTyping != typing
	t.peerTyping = typing
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	t.expiryGen++
	if typing && t.client.typingExpiry > 0 {
		gen := t.expiryGen
		t.expiry = time.AfterFunc(t.client.typingExpiry, func() { t.expirePeer(gen) })
	}
	fn := t.onPeer
	t.mu.Unlock()

	if changed && fn != nil {
		fn(update.UserID, typing)
	}
}

// ClearPeer clears the peer-typing flag, as when a message from the peer
// arrives.
func (t *Tracker) ClearPeer() {
	t.clearPeer("")
}

func (t *Tracker) clearPeer(userID string) {
	t.mu.Lock()
	if t.closed || !t.peerTyping {
		t.mu.Unlock()
		return
	}
	t.peerTyping = false
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	t.expiryGen++
	fn := t.onPeer
	t.mu.Unlock()

	if fn != nil {
		fn(userID, false)
	}
}

// expirePeer is the expiry timer callback. A stale timer, stopped after it
// fired but before it got the lock, observes a newer generation and does
// nothing.
func (t *Tracker) expirePeer(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.expiryGen || !t.peerTyping {
		t.mu.Unlock()
		return
	}
	t.peerTyping = false
	t.expiry = nil
	fn := t.onPeer
	t.mu.Unlock()

	if fn != nil {
		fn("", false)
	}
}

// Close stops both timers. A pending "revert to online" for a view the
// user navigated away from must never fire.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.typing = false
	t.peerTyping = false
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	t.idleGen++
	t.expiryGen++
}

// revertToOnline is the idle timer callback. gen identifies the timer that
// was armed; a later NotifyActivity or Reset bumps the generation, turning
// an already-fired stale timer into a no-op instead of an "online"
// announcement in the middle of a live typing session.
func (t *Tracker) revertToOnline(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.idleGen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := t.client.UpdatePresence(ctx, t.chatID, t.client.userID, StatusOnline); err != nil {
		t.client.logger.Warn("online revert failed", "chat_id", t.chatID, "error", err)
	}
}
