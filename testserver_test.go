package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeServer implements the REST surface and the per-conversation push
// channel in-process, recording everything the client does.
type fakeServer struct {
	t  *testing.T
	mu sync.Mutex

	chats    []Conversation
	messages map[string][]Message
	nextID   int

	presence map[string][]PresenceUpdate

	conns      map[string][]*websocket.Conn
	wsAttempts map[string]int
	refuseWS   bool
	wsGate     chan struct{} // non-nil: ws upgrades block until closed

	msgPosts  int
	failPosts int
	failCode  int

	getCount map[string]int
	getGate  chan struct{} // non-nil: message GETs block until closed

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		t:          t,
		messages:   make(map[string][]Message),
		presence:   make(map[string][]PresenceUpdate),
		conns:      make(map[string][]*websocket.Conn),
		wsAttempts: make(map[string]int),
		getCount:   make(map[string]int),
		failCode:   http.StatusInternalServerError,
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.route))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/ws/"):
		fs.handleWS(w, r)
	case path == "/chats" && r.Method == http.MethodGet:
		fs.mu.Lock()
		chats := append([]Conversation(nil), fs.chats...)
		fs.mu.Unlock()
		writeJSON(w, chats)
	case path == "/chats" && r.Method == http.MethodPost:
		var body struct {
			Participants []string `json:"participants"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.nextID++
		chat := Conversation{ChatID: fmt.Sprintf("chat%d", fs.nextID), Participants: body.Participants}
		fs.chats = append(fs.chats, chat)
		fs.mu.Unlock()
		writeJSON(w, chat)
	default:
		fs.handleChatSubpath(w, r)
	}
}

func (fs *fakeServer) handleChatSubpath(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/chats/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	chatID, leaf := parts[0], parts[1]

	switch {
	case leaf == "messages" && r.Method == http.MethodGet:
		fs.mu.Lock()
		gate := fs.getGate
		fs.getCount[chatID]++
		fs.mu.Unlock()
		if gate != nil {
			<-gate
		}
		fs.mu.Lock()
		msgs := append([]Message(nil), fs.messages[chatID]...)
		fs.mu.Unlock()
		writeJSON(w, msgs)

	case leaf == "messages" && r.Method == http.MethodPost:
		fs.mu.Lock()
		fs.msgPosts++
		if fs.failPosts > 0 {
			fs.failPosts--
			code := fs.failCode
			fs.mu.Unlock()
			http.Error(w, "boom", code)
			return
		}
		fs.mu.Unlock()
		var body NewMessage
		json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.nextID++
		msg := Message{
			ID:        fmt.Sprintf("msg%d", fs.nextID),
			UserID:    body.UserID,
			Kind:      body.Kind,
			Content:   body.Content,
			Timestamp: time.Now().UTC(),
		}
		fs.messages[chatID] = append(fs.messages[chatID], msg)
		fs.mu.Unlock()
		writeJSON(w, msg)

	case leaf == "presence" && r.Method == http.MethodPost:
		var body PresenceUpdate
		json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.presence[chatID] = append(fs.presence[chatID], body)
		fs.mu.Unlock()
		writeJSON(w, map[string]bool{"ok": true})

	default:
		http.NotFound(w, r)
	}
}

func (fs *fakeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimPrefix(r.URL.Path, "/ws/")
	fs.mu.Lock()
	fs.wsAttempts[chatID]++
	refuse := fs.refuseWS
	gate := fs.wsGate
	fs.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns[chatID] = append(fs.conns[chatID], conn)
	fs.mu.Unlock()

	// The client never sends frames; Read blocks until either side closes.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}

	fs.mu.Lock()
	live := fs.conns[chatID][:0]
	for _, c := range fs.conns[chatID] {
		if c != conn {
			live = append(live, c)
		}
	}
	fs.conns[chatID] = live
	fs.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ── accessors ───────────────────────────────────────────────

func (fs *fakeServer) liveConns(chatID string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns[chatID])
}

func (fs *fakeServer) attempts(chatID string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.wsAttempts[chatID]
}

func (fs *fakeServer) presenceLog(chatID string) []PresenceUpdate {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]PresenceUpdate(nil), fs.presence[chatID]...)
}

func (fs *fakeServer) postCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.msgPosts
}

func (fs *fakeServer) fetchCount(chatID string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.getCount[chatID]
}

// gateWS makes incoming ws upgrades block until gate is closed, holding
// client dials in flight.
func (fs *fakeServer) gateWS(gate chan struct{}) {
	fs.mu.Lock()
	fs.wsGate = gate
	fs.mu.Unlock()
}

func (fs *fakeServer) setRefuseWS(refuse bool) {
	fs.mu.Lock()
	fs.refuseWS = refuse
	fs.mu.Unlock()
}

func (fs *fakeServer) failNextPosts(n, code int) {
	fs.mu.Lock()
	fs.failPosts = n
	fs.failCode = code
	fs.mu.Unlock()
}

func (fs *fakeServer) addChat(chat Conversation) {
	fs.mu.Lock()
	fs.chats = append(fs.chats, chat)
	fs.mu.Unlock()
}

func (fs *fakeServer) addMessage(chatID string, msg Message) {
	fs.mu.Lock()
	fs.messages[chatID] = append(fs.messages[chatID], msg)
	fs.mu.Unlock()
}

// dropConns closes every live push connection for a conversation from the
// server side, simulating an unexpected disconnect.
func (fs *fakeServer) dropConns(chatID string) {
	fs.mu.Lock()
	conns := append([]*websocket.Conn(nil), fs.conns[chatID]...)
	fs.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "dropped")
	}
}

// push sends one event frame to every live channel of a conversation.
func (fs *fakeServer) push(chatID, event string, data any) {
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		fs.t.Fatalf("marshal push frame: %v", err)
	}
	fs.pushRaw(chatID, raw)
}

func (fs *fakeServer) pushRaw(chatID string, raw []byte) {
	fs.mu.Lock()
	conns := append([]*websocket.Conn(nil), fs.conns[chatID]...)
	fs.mu.Unlock()
	if len(conns) == 0 {
		fs.t.Fatalf("no live channel for %s", chatID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, raw); err != nil {
			fs.t.Fatalf("push to %s: %v", chatID, err)
		}
	}
}

// ── misc helpers ────────────────────────────────────────────

// newTestClient returns a client pointed at the fake server with timings
// shortened for tests.
func (fs *fakeServer) newTestClient(opts ...ClientOption) *Client {
	base := []ClientOption{
		WithBaseURL(fs.srv.URL),
		WithReconnectDelay(40 * time.Millisecond),
		WithTypingIdle(100 * time.Millisecond),
		WithTypingExpiry(200 * time.Millisecond),
	}
	return NewClient("user1", append(base, opts...)...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
