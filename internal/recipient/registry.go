// Package recipient tracks the channel audience learned from follow and
// unfollow webhook events. The registry backs alert routes that don't pin
// static targets.
package recipient

import (
	"context"
	"sort"
	"sync"
	"time"

	"gaswatch/internal/storage"
)

// Registry is the audience store. Follow after Unfollow reactivates the
// user.
type Registry interface {
	Follow(ctx context.Context, userID string, at time.Time) error
	Unfollow(ctx context.Context, userID string) error
	ActiveRecipients(ctx context.Context) ([]string, error)
}

// Memory is the in-process registry used when storage is disabled. The
// audience then resets on restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memberState
}

type memberState struct {
	followedAt time.Time
	active     bool
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]memberState{}}
}

func (m *Memory) Follow(_ context.Context, userID string, at time.Time) error {
	if userID == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	m.entries[userID] = memberState{followedAt: at, active: true}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Unfollow(_ context.Context, userID string) error {
	m.mu.Lock()
	if st, ok := m.entries[userID]; ok {
		st.active = false
		m.entries[userID] = st
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) ActiveRecipients(_ context.Context) ([]string, error) {
	m.mu.RLock()
	type member struct {
		id string
		at time.Time
	}
	members := make([]member, 0, len(m.entries))
	for id, st := range m.entries {
		if st.active {
			members = append(members, member{id: id, at: st.followedAt})
		}
	}
	m.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].at.Equal(members[j].at) {
			return members[i].id < members[j].id
		}
		return members[i].at.Before(members[j].at)
	})
	out := make([]string, len(members))
	for i, mb := range members {
		out[i] = mb.id
	}
	return out, nil
}

// StoreBacked persists the audience through the SQLite store so it survives
// restarts.
type StoreBacked struct {
	st *storage.Store
}

func NewStoreBacked(st *storage.Store) *StoreBacked {
	return &StoreBacked{st: st}
}

func (r *StoreBacked) Follow(ctx context.Context, userID string, at time.Time) error {
	return r.st.UpsertRecipient(ctx, userID, at)
}

func (r *StoreBacked) Unfollow(ctx context.Context, userID string) error {
	return r.st.DeactivateRecipient(ctx, userID)
}

func (r *StoreBacked) ActiveRecipients(ctx context.Context) ([]string, error) {
	return r.st.ActiveRecipients(ctx)
}
