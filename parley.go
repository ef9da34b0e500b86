// Package parley is a Go client for the Parley chat service.
//
// It covers the REST surface (conversations, messages, presence) and the
// real-time synchronization core that keeps a client's view of a
// conversation consistent with the server: a per-conversation push channel
// with automatic reconnection, a typing/presence tracker, an
// invalidate-and-refetch conversation store, and a validating message
// dispatcher.
//
// Example:
//
//	client := parley.NewClient("user1")
//
//	store := client.NewStore()
//	session := client.NewSession(store)
//	defer session.Close()
//
//	store.Subscribe(parley.MessagesKey("c1"), func() { /* re-render */ })
//	session.Select("c1")
//	session.SetDraft("hello")
//	session.SendDraft(context.Background(), parley.MessageText)
package parley

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	// DefaultReconnectDelay is the fixed wait before re-opening a dropped
	// push channel for a still-active conversation.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultTypingIdle is how long without local input before the tracker
	// reverts an announced "typing" status back to "online".
	DefaultTypingIdle = 2 * time.Second

	// DefaultTypingExpiry clears a peer's typing flag when their "online"
	// revert announcement never arrives.
	DefaultTypingExpiry = 10 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to a Parley server on behalf of one user.
type Client struct {
	userID         string
	baseURL        string
	httpClient     *http.Client
	logger         *slog.Logger
	reconnectDelay time.Duration
	typingIdle     time.Duration
	typingExpiry   time.Duration
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithReconnectDelay overrides the fixed delay between push-channel
// reconnect attempts.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithTypingIdle overrides the idle window after which a local "typing"
// announcement reverts to "online".
func WithTypingIdle(d time.Duration) ClientOption {
	return func(c *Client) { c.typingIdle = d }
}

// WithTypingExpiry overrides the receiver-side timeout that clears a stuck
// peer-typing flag. Zero disables the safeguard.
func WithTypingExpiry(d time.Duration) ClientOption {
	return func(c *Client) { c.typingExpiry = d }
}

// NewClient creates a new Parley client acting as userID.
func NewClient(userID string, opts ...ClientOption) *Client {
	c := &Client{
		userID:  userID,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		reconnectDelay: DefaultReconnectDelay,
		typingIdle:     DefaultTypingIdle,
		typingExpiry:   DefaultTypingExpiry,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// UserID returns the identity this client acts as.
func (c *Client) UserID() string {
	return c.userID
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSURL returns the push-channel URL for a conversation.
func (c *Client) WSURL(chatID string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/" + chatID
}

// ============================================================================
// Internal request helper
// ============================================================================

// call performs one REST request and converts every failure mode into an
// *APIError carrying code. Non-2xx responses are failures; 4xx are reported
// as non-retryable via APIError.Retryable.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, code string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &APIError{Code: code, Message: fmt.Sprintf("marshal request: %v", err)}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, &APIError{Code: code, Message: fmt.Sprintf("create request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Code: code, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Code: code, Message: fmt.Sprintf("read response: %v", err), Status: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Code: code, Message: msg, Status: resp.StatusCode}
	}
	return data, nil
}

func decodeJSON[T any](data []byte, code string) (T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return result, &APIError{Code: code, Message: fmt.Sprintf("unmarshal response: %v", err)}
	}
	return result, nil
}

// ============================================================================
// REST Endpoints
// ============================================================================

// ListChats fetches the conversation list.
func (c *Client) ListChats(ctx context.Context) ([]Conversation, error) {
	data, err := c.call(ctx, http.MethodGet, "/chats", nil, CodeFetchFailed)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Conversation](data, CodeFetchFailed)
}

// ListMessages fetches a conversation's message history, ordered by
// timestamp ascending.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	data, err := c.call(ctx, http.MethodGet, "/chats/"+chatID+"/messages", nil, CodeFetchFailed)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Message](data, CodeFetchFailed)
}

// PostMessage submits a message without validation. Most callers want
// Dispatcher.Send instead.
func (c *Client) PostMessage(ctx context.Context, chatID string, msg NewMessage) (*Message, error) {
	data, err := c.call(ctx, http.MethodPost, "/chats/"+chatID+"/messages", msg, CodeSendFailed)
	if err != nil {
		return nil, err
	}
	created, err := decodeJSON[Message](data, CodeSendFailed)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// CreateChat starts a conversation between two or more participants.
func (c *Client) CreateChat(ctx context.Context, participants []string) (*Conversation, error) {
	body := map[string][]string{"participants": participants}
	data, err := c.call(ctx, http.MethodPost, "/chats", body, CodeSendFailed)
	if err != nil {
		return nil, err
	}
	created, err := decodeJSON[Conversation](data, CodeSendFailed)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdatePresence announces a user's status in a conversation. Presence is
// submitted over REST, never over the push channel.
func (c *Client) UpdatePresence(ctx context.Context, chatID, userID string, status PresenceStatus) error {
	body := PresenceUpdate{UserID: userID, Status: status}
	_, err := c.call(ctx, http.MethodPost, "/chats/"+chatID+"/presence", body, CodeSendFailed)
	return err
}

// ============================================================================
// Factories
// ============================================================================

// NewStore creates a conversation store backed by this client.
func (c *Client) NewStore() *Store {
	return NewStore(c)
}

// NewDispatcher creates a message dispatcher that invalidates store on
// successful submissions.
func (c *Client) NewDispatcher(store *Store) *Dispatcher {
	return &Dispatcher{client: c, store: store}
}

// NewSession creates a per-view session controller. One session owns at
// most one live push channel at a time.
func (c *Client) NewSession(store *Store) *Session {
	return newSession(c, store)
}
