// Package token holds the bearer credential used by both the REST client and
// the real-time transport, and coordinates refreshing it.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-client/pkg/logger"
	"chat-client/storage"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoRefresh is returned by Refresh when no refresh callback was supplied.
var ErrNoRefresh = errors.New("no token refresh callback configured")

// RefreshFunc re-authenticates against the backend and returns a new token.
type RefreshFunc func(ctx context.Context) (string, error)

type Store struct {
	mu       sync.RWMutex
	token    string
	onRemove []func()

	// refreshMu serializes refresh attempts so overlapping 401s trigger a
	// single network round-trip.
	refreshMu sync.Mutex
	refresh   RefreshFunc

	store storage.Store
	log   *logger.Logger
}

type Option func(*Store)

// WithStorage makes the token survive process restarts.
func WithStorage(st storage.Store) Option {
	return func(s *Store) { s.store = st }
}

func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

func NewStore(refresh RefreshFunc, opts ...Option) *Store {
	s := &Store{
		refresh: refresh,
		log:     logger.Named("token"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store != nil {
		if tok, err := s.store.LoadToken(context.Background()); err != nil {
			s.log.Error("Failed to load persisted token: %v", err)
		} else if tok != "" {
			s.token = tok
		}
	}
	return s
}

// Get returns the cached token, or "" when the client is unauthenticated.
func (s *Store) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Store) Set(ctx context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveToken(ctx, token); err != nil {
			return fmt.Errorf("failed to persist token: %w", err)
		}
	}
	return nil
}

// Remove clears the credential. Token invalidation means the session is no
// longer authenticated, so every registered OnRemove hook fires (the
// connection monitor uses one to disconnect the transport).
func (s *Store) Remove(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	hooks := append([]func(){}, s.onRemove...)
	s.mu.Unlock()

	var err error
	if s.store != nil {
		if derr := s.store.DeleteToken(ctx); derr != nil {
			err = fmt.Errorf("failed to delete persisted token: %w", derr)
		}
	}
	for _, hook := range hooks {
		hook()
	}
	return err
}

// OnRemove registers a hook invoked whenever the token is removed.
func (s *Store) OnRemove(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

// Refresh invokes the caller-supplied refresh callback. On success the new
// token is stored and returned; on failure the prior token is left untouched
// and the caller must treat the operation as unauthenticated.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	if s.refresh == nil {
		return "", ErrNoRefresh
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	newToken, err := s.refresh(ctx)
	if err != nil {
		s.log.Error("Token refresh failed: %v", err)
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	if newToken == "" {
		return "", errors.New("token refresh returned an empty token")
	}
	if err := s.Set(ctx, newToken); err != nil {
		return "", err
	}
	s.log.Debug("Token refreshed")
	return newToken, nil
}

// expirySkew treats a token expiring within this window as already expired,
// so a connect started now does not race the deadline.
const expirySkew = 30 * time.Second

// Expired reports whether the cached token carries an exp claim in the past.
// Opaque (non-JWT) tokens and tokens without an exp claim never expire here;
// the backend's 401 remains the source of truth for those.
func (s *Store) Expired() bool {
	tok := s.Get()
	if tok == "" {
		return true
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(time.Now().Add(expirySkew))
}
