// Package token tracks short-lived, single-use reply tokens issued by inbound
// channel events.
//
// A token authorizes exactly one reply message inside a narrow validity
// window. Consume is the only mutation point; it never succeeds twice for the
// same token and never succeeds past expiry, regardless of whether the
// delivery that follows succeeds.
package token

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("reply token not found")
	ErrExpired         = errors.New("reply token expired")
	ErrAlreadyConsumed = errors.New("reply token already consumed")
)

// Token is one reply credential. SourceID is the recipient that caused the
// issuing event (used for audit, not authorization).
type Token struct {
	ID        string
	SourceID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// Store keeps tokens in memory. Expired entries are garbage-collected lazily
// on lookup and in bulk by Sweep (driven by the janitor).
type Store struct {
	mu       sync.Mutex
	tokens   map[string]*Token
	validity time.Duration

	now func() time.Time
}

func NewStore(validity time.Duration) *Store {
	if validity <= 0 {
		validity = time.Minute
	}
	return &Store{
		tokens:   make(map[string]*Token),
		validity: validity,
		now:      time.Now,
	}
}

// Issue registers a token for id. Re-issuing an id refreshes its window
// (at-least-once webhook delivery can replay the same event).
func (s *Store) Issue(id, sourceID string) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := &Token{
		ID:        id,
		SourceID:  sourceID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.validity),
	}
	s.tokens[id] = t
	return *t
}

// Consume marks a token used. It returns ErrNotFound, ErrExpired or
// ErrAlreadyConsumed for the expected failure cases; an expired token is
// removed, never consumed.
func (s *Store) Consume(id string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	if s.now().After(t.ExpiresAt) {
		delete(s.tokens, id)
		return Token{}, ErrExpired
	}
	if t.Consumed {
		return *t, ErrAlreadyConsumed
	}
	t.Consumed = true
	return *t, nil
}

// Sweep removes expired tokens and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, t := range s.tokens {
		if now.After(t.ExpiresAt) {
			delete(s.tokens, id)
			n++
		}
	}
	return n
}

// Len reports the number of live entries (including consumed, not yet swept).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
