// Package identity tracks who the engine acts for. Resolution of the signed-in
// user may still be in flight when the first intents arrive, so callers wait
// for it with a bound instead of failing immediately.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/models"
)

type Provider interface {
	// Current returns the user if one is signed in right now.
	Current() (models.UserID, bool)
	// Wait returns the user, blocking up to timeout while resolution is in
	// flight. A signed-out state fails immediately with ErrUnauthenticated.
	Wait(ctx context.Context, timeout time.Duration) (models.UserID, error)
}

type state int

const (
	resolving state = iota
	signedIn
	signedOut
)

// Session is a Provider driven by sign-in events.
type Session struct {
	mu      sync.Mutex
	state   state
	user    models.UserID
	settled chan struct{}
}

// NewSession starts in the resolving state.
func NewSession() *Session {
	return &Session{state: resolving, settled: make(chan struct{})}
}

// NewSignedIn returns a session already resolved to user.
func NewSignedIn(user models.UserID) *Session {
	s := NewSession()
	s.SignIn(user)
	return s
}

var _ Provider = (*Session)(nil)

func (s *Session) settle(st state, user models.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.user = user
	select {
	case <-s.settled:
	default:
		close(s.settled)
	}
}

func (s *Session) SignIn(user models.UserID) {
	if user.IsZero() {
		s.SignOut()
		return
	}
	s.settle(signedIn, user)
}

func (s *Session) SignOut() { s.settle(signedOut, "") }

// Resolving puts the session back into the in-flight state, e.g. while a
// refreshed token is verified.
func (s *Session) Resolving() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == resolving {
		return
	}
	s.state = resolving
	s.user = ""
	s.settled = make(chan struct{})
}

func (s *Session) Current() (models.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.state == signedIn
}

func (s *Session) Wait(ctx context.Context, timeout time.Duration) (models.UserID, error) {
	s.mu.Lock()
	st, user, settled := s.state, s.user, s.settled
	s.mu.Unlock()

	switch st {
	case signedIn:
		return user, nil
	case signedOut:
		return "", constants.ErrUnauthenticated
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-settled:
		if user, ok := s.Current(); ok {
			return user, nil
		}
		return "", constants.ErrUnauthenticated
	case <-timer.C:
		return "", fmt.Errorf("%w: identity still resolving after %s", constants.ErrUnauthenticated, timeout)
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", constants.ErrUnauthenticated, ctx.Err())
	}
}
