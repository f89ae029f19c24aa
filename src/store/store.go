// Package store holds the ordered message list the chat screen renders.
package store

import (
	"slices"
	"sync"

	"github.com/orchestra-mcp/chatsocket/src/types"
)

// Store is the in-memory message list of the active room. History pages are
// merged in front, live deliveries are appended in arrival order.
type Store struct {
	mu        sync.RWMutex
	room      int64
	msgs      []types.ChatMessage
	ids       map[int64]struct{}
	onAppend  []func(types.ChatMessage)
	onPrepend []func([]types.ChatMessage)
}

// New creates an empty store.
func New() *Store {
	return &Store{ids: make(map[int64]struct{})}
}

// Reset empties the store and binds it to roomID.
func (s *Store) Reset(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = roomID
	s.msgs = nil
	s.ids = make(map[int64]struct{})
}

// Room returns the room the store is bound to.
func (s *Store) Room() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// MergeHistory merges an oldest-first page. Messages older than the first
// stored message go in front; newer ones, missed while disconnected, are
// appended. Messages already present or belonging to another room are
// skipped. It returns how many messages were added.
func (s *Store) MergeHistory(page []types.ChatMessage) int {
	s.mu.Lock()
	var front, tail []types.ChatMessage
	for _, m := range page {
		if m.RoomID != s.room {
			continue
		}
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		if len(s.msgs) == 0 || m.ID < s.msgs[0].ID {
			front = append(front, m)
		} else {
			tail = append(tail, m)
		}
	}
	if len(front) == 0 && len(tail) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.msgs = append(append(front, s.msgs...), tail...)
	prepend := slices.Clone(s.onPrepend)
	appendFns := slices.Clone(s.onAppend)
	s.mu.Unlock()

	if len(front) > 0 {
		out := append([]types.ChatMessage(nil), front...)
		for _, fn := range prepend {
			fn(out)
		}
	}
	for _, m := range tail {
		for _, fn := range appendFns {
			fn(m)
		}
	}
	return len(front) + len(tail)
}

// Append adds a live message at the end. Messages for another room are
// ignored.
func (s *Store) Append(msg types.ChatMessage) bool {
	s.mu.Lock()
	if msg.RoomID != s.room {
		s.mu.Unlock()
		return false
	}
	s.ids[msg.ID] = struct{}{}
	s.msgs = append(s.msgs, msg)
	observers := slices.Clone(s.onAppend)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(msg)
	}
	return true
}

// OnAppend registers a callback for live appends.
func (s *Store) OnAppend(fn func(types.ChatMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = append(s.onAppend, fn)
}

// OnPrepend registers a callback for merged history pages.
func (s *Store) OnPrepend(fn func([]types.ChatMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPrepend = append(s.onPrepend, fn)
}

// Snapshot returns a copy of the stored messages in display order.
func (s *Store) Snapshot() []types.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ChatMessage(nil), s.msgs...)
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Oldest returns the first stored message.
func (s *Store) Oldest() (types.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return types.ChatMessage{}, false
	}
	return s.msgs[0], true
}
