// Package auth persists the archive session (token, user, server URL) across
// process restarts and validates it on startup. An invalid token is cleared
// rather than retried; the caller re-authenticates.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"slidewrangler/internal/archive"
	"slidewrangler/internal/state"
)

// ErrNoSession is returned when no stored session exists.
var ErrNoSession = errors.New("auth: no stored session")

// Session is the persisted authentication record.
type Session struct {
	Token     string       `json:"token"`
	User      archive.User `json:"user"`
	ServerURL string       `json:"serverUrl,omitempty"`
	LastLogin time.Time    `json:"lastLogin"`
}

// Store owns the session record and its persistence at the auth key.
type Store struct {
	kv  state.KV
	now func() time.Time

	mu      sync.Mutex
	session Session
}

// NewStore restores any persisted session from the state store.
func NewStore(ctx context.Context, kv state.KV) (*Store, error) {
	s := &Store{kv: kv, now: time.Now}
	raw, ok, err := kv.Get(ctx, state.KeyAuth)
	if err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &s.session); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
	}
	return s, nil
}

// Session returns the stored session; ok is false when no token is held.
func (s *Store) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.session.Token != ""
}

// Login authenticates against the archive and persists the session.
func (s *Store) Login(ctx context.Context, client archive.Client, serverURL, username, password string) (Session, error) {
	result, err := client.Authenticate(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token:     result.Token,
		User:      result.User,
		ServerURL: serverURL,
		LastLogin: s.now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Validate checks the stored token against the archive. An auth rejection
// clears the session before returning the error; other failures (network,
// server down) leave it in place for a later retry.
func (s *Store) Validate(ctx context.Context, client archive.Client) (archive.User, error) {
	s.mu.Lock()
	token := s.session.Token
	s.mu.Unlock()
	if token == "" {
		return archive.User{}, ErrNoSession
	}

	user, err := client.CurrentUser(ctx)
	if err != nil {
		if archive.IsAuth(err) {
			if clearErr := s.Clear(ctx); clearErr != nil {
				return archive.User{}, fmt.Errorf("clear invalid session: %w", clearErr)
			}
		}
		return archive.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.session
	session.User = user
	if err := s.persistLocked(ctx, session); err != nil {
		return archive.User{}, err
	}
	return user, nil
}

// Logout invalidates the archive token and drops the stored session. The
// local record is cleared even when the remote logout fails.
func (s *Store) Logout(ctx context.Context, client archive.Client) error {
	logoutErr := client.Logout(ctx)
	if err := s.Clear(ctx); err != nil {
		return err
	}
	return logoutErr
}

// Clear drops the stored session.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = Session{}
	if err := s.kv.Delete(ctx, state.KeyAuth); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.kv.Put(ctx, state.KeyAuth, raw); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.session = session
	return nil
}
