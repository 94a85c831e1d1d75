package geocode

import (
	"context"
	"sync"
	"time"
)

// MinCooldown is the shortest quota halt.
const MinCooldown = 60 * time.Second

// Limiter is the process-wide outbound throttle and quota breaker shared by
// every geocoder. Requests are spaced at least interval apart, and after a
// quota error all lookups short-circuit until the halt expires.
type Limiter struct {
	mu        sync.Mutex
	interval  time.Duration
	next      time.Time
	haltUntil time.Time
	now       func() time.Time
}

// NewLimiter creates a limiter; interval <= 0 disables spacing.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval, now: time.Now}
}

// Wait blocks until the caller's request slot. Slots are reserved under the
// lock so concurrent callers queue in order.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.interval <= 0 {
		l.mu.Unlock()
		return nil
	}
	now := l.now()
	slot := now
	if l.next.After(now) {
		slot = l.next
	}
	l.next = slot.Add(l.interval)
	l.mu.Unlock()

	d := slot.Sub(now)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Halt stops lookups for cooldown (at least MinCooldown). An existing later
// halt is kept. It returns the effective halt deadline.
func (l *Limiter) Halt(cooldown time.Duration) time.Time {
	if cooldown < MinCooldown {
		cooldown = MinCooldown
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := l.now().Add(cooldown); until.After(l.haltUntil) {
		l.haltUntil = until
	}
	return l.haltUntil
}

// Halted reports whether a quota halt is in effect.
func (l *Limiter) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.haltUntil)
}

// HaltedUntil returns the halt deadline, zero if never halted.
func (l *Limiter) HaltedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.haltUntil
}
