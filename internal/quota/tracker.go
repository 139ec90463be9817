// Package quota enforces per-channel send budgets over fixed periods.
//
// Each channel owns an independent counter with its own lock, so a busy push
// channel never serializes broadcast or multicast reservations. A reservation
// that would exceed the limit is rejected without incrementing; rejected
// requests are never queued.
package quota

import (
	"errors"
	"sync"
	"time"
)

var ErrExceeded = errors.New("quota exceeded")

// Limit configures one channel. Limit 0 means unlimited (used for the reply
// channel, whose budget is bounded by token validity instead).
type Limit struct {
	Limit  int
	Period time.Duration
}

type counter struct {
	mu          sync.Mutex
	limit       Limit
	periodStart time.Time
	count       int
}

// Tracker holds the counters for all configured channels. Channels without a
// configured limit are unlimited.
type Tracker struct {
	mu       sync.RWMutex
	counters map[string]*counter

	now func() time.Time
}

func NewTracker(limits map[string]Limit) *Tracker {
	t := &Tracker{
		counters: make(map[string]*counter, len(limits)),
		now:      time.Now,
	}
	for ch, l := range limits {
		t.counters[ch] = &counter{limit: l}
	}
	return t
}

// Reserve atomically checks and increments the counter for channel.
// It returns ErrExceeded without incrementing when the period budget is spent.
func (t *Tracker) Reserve(channel string) error {
	return t.ReserveN(channel, 1)
}

// ReserveN reserves n sends at once (all or nothing). Used when multicast
// quota is charged per target.
func (t *Tracker) ReserveN(channel string, n int) error {
	if n <= 0 {
		return nil
	}

	t.mu.RLock()
	c := t.counters[channel]
	t.mu.RUnlock()
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit.Limit <= 0 {
		return nil
	}

	now := t.now()
	if c.limit.Period > 0 && now.Sub(c.periodStart) >= c.limit.Period {
		c.periodStart = now
		c.count = 0
	}
	if c.count+n > c.limit.Limit {
		return ErrExceeded
	}
	c.count += n
	return nil
}

// UpdateLimits swaps channel limits in place, keeping current counts and
// period starts so a config reload cannot be used to reset a spent budget.
// Channels absent from limits lose their counter and become unlimited.
func (t *Tracker) UpdateLimits(limits map[string]Limit) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ch := range t.counters {
		if _, ok := limits[ch]; !ok {
			delete(t.counters, ch)
		}
	}
	for ch, l := range limits {
		if c, ok := t.counters[ch]; ok {
			c.mu.Lock()
			c.limit = l
			c.mu.Unlock()
			continue
		}
		t.counters[ch] = &counter{limit: l}
	}
}

// Usage reports the current count and limit for a channel; ok is false for
// channels without a configured counter.
func (t *Tracker) Usage(channel string) (count, limit int, ok bool) {
	t.mu.RLock()
	c := t.counters[channel]
	t.mu.RUnlock()
	if c == nil {
		return 0, 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := t.now()
	if c.limit.Period > 0 && now.Sub(c.periodStart) >= c.limit.Period {
		return 0, c.limit.Limit, true
	}
	return c.count, c.limit.Limit, true
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}
