// Package session binds a chat transport to one room for the lifetime of a
// chat screen.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsocket/src/history"
	"github.com/orchestra-mcp/chatsocket/src/store"
	"github.com/orchestra-mcp/chatsocket/src/stream"
	"github.com/orchestra-mcp/chatsocket/src/transport"
	"github.com/orchestra-mcp/chatsocket/src/types"
	"github.com/rs/zerolog"
)

// ErrNotOpen is returned by operations that need an open room.
var ErrNotOpen = errors.New("chat session is not open")

const historyTimeout = 15 * time.Second

// Transport is the connection the session drives.
type Transport interface {
	Connect(ctx context.Context, roomID int64, token string) error
	Send(ctx context.Context, req types.SendRequest) error
	Disconnect() error
	Messages() *stream.Stream
	State() transport.State
	OnStateChange(fn func(transport.State))
	Stats() transport.Stats
	Err() error
}

// Cache keeps recent messages as a fallback when history is unavailable.
type Cache interface {
	Append(ctx context.Context, msg types.ChatMessage) error
	Recent(ctx context.Context, roomID int64, n int) ([]types.ChatMessage, error)
}

// Option configures a Session.
type Option func(*Session)

// WithCache enables the recent-message cache.
func WithCache(c Cache) Option {
	return func(s *Session) { s.cache = c }
}

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Session provides the chat API used by the UI layer.
type Session struct {
	transport Transport
	history   history.Fetcher
	tokens    history.TokenProvider
	cache     Cache
	store     *store.Store
	profileID int64
	pageSize  int
	logger    zerolog.Logger

	mu          sync.Mutex
	room        int64
	subs        map[int64]string // room -> subscription id
	relay       *relay
	historyDone chan struct{}
	historyErr  error

	// arming is set while Open waits in Connect; pending is the listener
	// taken on the new stream before the receive loop starts.
	arming  bool
	pending *stream.Subscription
}

type relay struct {
	sub    *stream.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a session for the signed-in profile.
func New(t Transport, h history.Fetcher, tokens history.TokenProvider, profileID int64, logger zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		transport: t,
		history:   h,
		tokens:    tokens,
		store:     store.New(),
		profileID: profileID,
		pageSize:  50,
		logger:    logger.With().Str("component", "chat-session").Logger(),
		subs:      make(map[int64]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	t.OnStateChange(s.watch)
	return s
}

// watch subscribes to a new connection's stream as soon as its socket is
// open, so no delivery can precede the relay's listener.
func (s *Session) watch(state transport.State) {
	if state != transport.AwaitingHandshake {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arming && s.pending == nil {
		s.pending = s.transport.Messages().Subscribe()
	}
}

// Open connects to roomID and loads its latest history. History is merged
// into the store before any live message is appended. Open returns once the
// socket is open; use WaitHistory to wait for the initial page.
func (s *Session) Open(ctx context.Context, roomID int64) error {
	token, ok := s.tokens.Token(ctx)
	if !ok {
		return transport.ErrUnauthenticated
	}

	s.mu.Lock()
	s.stopRelayLocked()
	if s.store.Room() != roomID {
		s.store.Reset(roomID)
	}
	s.room = roomID
	historyDone := make(chan struct{})
	s.historyDone = historyDone
	s.historyErr = nil
	s.arming = true
	s.pending = nil
	s.mu.Unlock()

	go s.loadHistory(roomID, historyDone)

	err := s.transport.Connect(ctx, roomID, token)

	s.mu.Lock()
	sub := s.pending
	s.arming = false
	s.pending = nil
	if err != nil {
		// Connect tears down any previous connection before dialing.
		s.subs = make(map[int64]string)
		s.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		s.logger.Error().Err(err).Int64("room", roomID).Msg("connect failed")
		return err
	}
	if sub == nil {
		sub = s.transport.Messages().Subscribe()
	}
	relayCtx, cancel := context.WithCancel(context.Background())
	r := &relay{sub: sub, cancel: cancel, done: make(chan struct{})}
	s.stopRelayLocked()
	s.relay = r
	s.subs = map[int64]string{roomID: transport.SubscriptionID}
	s.mu.Unlock()

	go s.runRelay(relayCtx, r, historyDone)

	s.logger.Debug().Int64("room", roomID).Msg("session opened")
	return nil
}

// SendText sends content to the open room. Blank content is ignored.
func (s *Session) SendText(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	room := s.Room()
	if room == 0 {
		return ErrNotOpen
	}
	return s.transport.Send(ctx, types.SendRequest{
		RoomID:    room,
		ProfileID: s.profileID,
		Content:   content,
	})
}

// Close disconnects and forgets the room subscription. The store keeps its
// messages until another room is opened.
func (s *Session) Close() error {
	s.mu.Lock()
	r := s.relay
	s.relay = nil
	s.subs = make(map[int64]string)
	s.mu.Unlock()

	err := s.transport.Disconnect()
	if r != nil {
		r.stop()
	}
	s.logger.Debug().Int64("room", s.Room()).Msg("session closed")
	return err
}

// Reconnect re-opens the session's room. Backoff is the caller's policy.
func (s *Session) Reconnect(ctx context.Context) error {
	room := s.Room()
	if room == 0 {
		return ErrNotOpen
	}
	s.logger.Info().Int64("room", room).Msg("reconnecting")
	return s.Open(ctx, room)
}

// LoadOlder fetches the page before the oldest stored message and returns how
// many messages were added.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	room := s.Room()
	if room == 0 {
		return 0, ErrNotOpen
	}
	var before int64
	if oldest, ok := s.store.Oldest(); ok {
		before = oldest.ID
	}
	page, err := s.history.FetchPage(ctx, room, before, s.pageSize)
	if err != nil {
		return 0, err
	}
	return s.store.MergeHistory(page), nil
}

// WaitHistory blocks until the history requested by the last Open has been
// merged and returns the fetch error, if any.
func (s *Session) WaitHistory(ctx context.Context) error {
	s.mu.Lock()
	done := s.historyDone
	s.mu.Unlock()
	if done == nil {
		return ErrNotOpen
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyErr
}

// Messages returns a new listener on the live stream of the current
// connection.
func (s *Session) Messages() *stream.Subscription {
	return s.transport.Messages().Subscribe()
}

// Store returns the message list of the open room.
func (s *Session) Store() *store.Store { return s.store }

// Room returns the bound room, or zero before the first Open.
func (s *Session) Room() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Subscription returns the subscription id held for roomID.
func (s *Session) Subscription(roomID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.subs[roomID]
	return id, ok
}

// State returns the transport state.
func (s *Session) State() transport.State { return s.transport.State() }

// OnStateChange registers a transport state observer.
func (s *Session) OnStateChange(fn func(transport.State)) { s.transport.OnStateChange(fn) }

// Stats returns transport counters.
func (s *Session) Stats() transport.Stats { return s.transport.Stats() }

// Err returns the transport's last failure.
func (s *Session) Err() error { return s.transport.Err() }

func (s *Session) stopRelayLocked() {
	if s.relay != nil {
		s.relay.cancel()
		s.relay.sub.Close()
		s.relay = nil
	}
}

func (r *relay) stop() {
	r.cancel()
	r.sub.Close()
	<-r.done
}

func (s *Session) loadHistory(roomID int64, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	page, err := s.history.FetchPage(ctx, roomID, 0, s.pageSize)
	if err != nil {
		s.logger.Warn().Err(err).Int64("room", roomID).Msg("history fetch failed")
		s.mu.Lock()
		if s.historyDone == done {
			s.historyErr = err
		}
		s.mu.Unlock()

		if s.cache == nil {
			return
		}
		cached, cerr := s.cache.Recent(ctx, roomID, s.pageSize)
		if cerr != nil {
			s.logger.Warn().Err(cerr).Int64("room", roomID).Msg("cache read failed")
			return
		}
		page = cached
	}

	added := s.store.MergeHistory(page)
	s.logger.Debug().Int64("room", roomID).Int("added", added).Msg("history merged")
}

// runRelay appends live messages to the store once history is in place.
func (s *Session) runRelay(ctx context.Context, r *relay, historyDone <-chan struct{}) {
	defer close(r.done)

	select {
	case <-historyDone:
	case <-ctx.Done():
		return
	}

	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			return
		}
		if !s.store.Append(msg) {
			continue
		}
		if s.cache != nil {
			if err := s.cache.Append(ctx, msg); err != nil {
				s.logger.Warn().Err(err).Int64("id", msg.ID).Msg("cache append failed")
			}
		}
	}
}
