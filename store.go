package parley

import (
	"context"
	"sync"
)

// KeyConversations is the cache key for the conversation list.
const KeyConversations = "conversations"

// MessagesKey returns the cache key for a conversation's message history.
func MessagesKey(chatID string) string {
	return "messages:" + chatID
}

// Store caches the conversation list and per-conversation message history
// with invalidate-and-refetch semantics.
//
// Invalidate marks a key stale and triggers one asynchronous refetch.
// Invalidations that arrive while a refetch is in flight collapse into a
// single follow-up refetch, which is guaranteed to observe server state at
// least as fresh as the latest trigger. A failed refetch keeps the previous
// snapshot; stale data beats no data.
type Store struct {
	client *Client

	mu            sync.Mutex
	conversations []Conversation
	messages      map[string][]Message
	fetching      map[string]bool
	dirty         map[string]bool
	subs          map[string]map[int]func()
	nextSubID     int
	onError       func(key string, err error)
}

// NewStore creates an empty store backed by client.
func NewStore(client *Client) *Store {
	return &Store{
		client:   client,
		messages: make(map[string][]Message),
		fetching: make(map[string]bool),
		dirty:    make(map[string]bool),
		subs:     make(map[string]map[int]func()),
	}
}

// Conversations returns the cached conversation list.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conversation(nil), s.conversations...)
}

// Messages returns the cached history for a conversation, ordered by
// timestamp ascending. The result lags the true server state between a
// push event and the refetch it triggers completing.
func (s *Store) Messages(chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[chatID]...)
}

// Subscribe registers fn to run after every successful refetch of key.
// The returned function removes the subscription.
func (s *Store) Subscribe(key string, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func())
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[key][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
	}
}

// OnFetchError registers an observer for refetch failures. Failures are
// non-fatal; the stale snapshot stays visible.
func (s *Store) OnFetchError(fn func(key string, err error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Invalidate marks key stale. If a refetch for key is already in flight,
// one follow-up refetch is scheduled instead of a duplicate; duplicate
// invalidations are idempotent.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	if s.fetching[key] {
		s.dirty[key] = true
		s.mu.Unlock()
		return
	}
	s.fetching[key] = true
	s.mu.Unlock()
	go s.refetch(key)
}

func (s *Store) refetch(key string) {
	timeout := s.client.httpClient.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := s.fetchKey(ctx, key)
		cancel()

		if err != nil {
			s.client.logger.Warn("refetch failed, keeping stale snapshot", "key", key, "error", err)
			s.mu.Lock()
			fn := s.onError
			s.mu.Unlock()
			if fn != nil {
				fn(key, err)
			}
		} else {
			s.notify(key)
		}

		s.mu.Lock()
		if !s.dirty[key] {
			s.fetching[key] = false
			s.mu.Unlock()
			return
		}
		delete(s.dirty, key)
		s.mu.Unlock()
	}
}

func (s *Store) fetchKey(ctx context.Context, key string) error {
	if key == KeyConversations {
		chats, err := s.client.ListChats(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conversations = chats
		s.mu.Unlock()
		return nil
	}

	chatID, ok := chatIDFromKey(key)
	if !ok {
		return &APIError{Code: CodeFetchFailed, Message: "unknown cache key " + key}
	}
	msgs, err := s.client.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messages[chatID] = msgs
	s.mu.Unlock()
	return nil
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subs[key]))
	for _, fn := range s.subs[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in subscriber callbacks
			fn()
		}()
	}
}

func chatIDFromKey(key string) (string, bool) {
	const prefix = "messages:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):], true
	}
	return "", false
}
