package history

import (
	"context"
	"strings"
	"sync"
)

// TokenProvider supplies the current bearer token, if any.
type TokenProvider interface {
	Token(ctx context.Context) (string, bool)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, bool)

func (f TokenFunc) Token(ctx context.Context) (string, bool) { return f(ctx) }

// StaticToken is a TokenProvider holding a token that can be replaced at
// runtime, e.g. after a refresh.
type StaticToken struct {
	mu    sync.RWMutex
	token string
}

// NewStaticToken creates a provider holding token.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: strings.TrimSpace(token)}
}

// Token implements TokenProvider.
func (s *StaticToken) Token(context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set replaces the token. An empty token signs the user out.
func (s *StaticToken) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
}
