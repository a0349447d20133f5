// Package locker provides in-process mutual exclusion keyed by account ID.
//
// Every operation that touches an account's live session must hold that
// account's lock for its duration. Different keys never block each other;
// waiters on the same key are granted strictly in arrival order.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout indicates a waiter exceeded its acquisition bound. A waiter
// that times out never receives the lock afterward, even if a release
// races the timeout.
var ErrTimeout = errors.New("lock acquisition timed out")

// DefaultTimeout bounds Acquire when the caller passes no explicit timeout.
const DefaultTimeout = 30 * time.Second

// Info describes a currently held lock.
type Info struct {
	Key        string    `json:"key"`
	Operation  string    `json:"operation"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// waiter is one parked Acquire call. granted and removal from the queue are
// both mutated only under Locker.mu, which makes the release-side pop and
// the timeout-side removal mutually exclusive.
type waiter struct {
	operation  string
	enqueuedAt time.Time
	ready      chan struct{}
	granted    bool
}

// Locker is a per-key mutual exclusion primitive with FIFO waiter queues
// and bounded waiting. The zero value is not usable; use New.
type Locker struct {
	mu      sync.Mutex
	held    map[string]*Info
	waiters map[string][]*waiter
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{
		held:    make(map[string]*Info),
		waiters: make(map[string][]*waiter),
	}
}

// Handle releases a held lock. Release is safe to call more than once;
// only the first call has any effect.
type Handle struct {
	l    *Locker
	key  string
	once sync.Once
}

// Key returns the key this handle guards.
func (h *Handle) Key() string { return h.key }

// Release gives up the lock and hands it to the head waiter, if any.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.l.release(h.key)
	})
}

// Acquire obtains the lock for key, waiting up to timeout if it is held.
// A timeout <= 0 selects DefaultTimeout. Cancellation of ctx is treated
// like a timeout. operation is recorded for diagnostics only.
func (l *Locker) Acquire(ctx context.Context, key, operation string, timeout time.Duration) (*Handle, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	l.mu.Lock()
	if _, busy := l.held[key]; !busy {
		l.grantLocked(key, operation)
		l.mu.Unlock()
		return &Handle{l: l, key: key}, nil
	}

	w := &waiter{
		operation:  operation,
		enqueuedAt: time.Now(),
		ready:      make(chan struct{}),
	}
	l.waiters[key] = append(l.waiters[key], w)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return &Handle{l: l, key: key}, nil
	case <-timer.C:
		return nil, l.abandon(key, w, ErrTimeout)
	case <-ctx.Done():
		return nil, l.abandon(key, w, ctx.Err())
	}
}

// TryAcquire obtains the lock for key without waiting. The second return
// value is false when the key is already held.
func (l *Locker) TryAcquire(key, operation string) (*Handle, bool) {
	if key == "" {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.grantLocked(key, operation)
	return &Handle{l: l, key: key}, true
}

// ForceRelease clears the lock for key unconditionally and reports whether
// it was held. The legitimate holder is not notified; if it is still
// operating, two callers may act on the account concurrently. This is an
// administrative escape hatch, not part of normal operation.
func (l *Locker) ForceRelease(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; !busy {
		return false
	}
	l.releaseLocked(key)
	return true
}

// IsLocked reports whether key is currently held.
func (l *Locker) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}

// GetInfo returns a copy of the lock info for key, if held.
func (l *Locker) GetInfo(key string) (Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.held[key]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Snapshot returns info for every currently held lock.
func (l *Locker) Snapshot() []Info {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Info, 0, len(l.held))
	for _, info := range l.held {
		out = append(out, *info)
	}
	return out
}

// Waiting returns the number of parked waiters for key.
func (l *Locker) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters[key])
}

// grantLocked records key as held. Caller holds l.mu.
func (l *Locker) grantLocked(key, operation string) {
	l.held[key] = &Info{
		Key:        key,
		Operation:  operation,
		AcquiredAt: time.Now(),
	}
}

// release clears the entry for key and hands the lock to the head waiter.
func (l *Locker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(key)
}

// releaseLocked pops the head of the waiter queue, if any, and grants it
// the lock before signalling. Abandoned waiters are never in the queue, so
// whoever is at the head is still waiting. Caller holds l.mu.
func (l *Locker) releaseLocked(key string) {
	delete(l.held, key)

	queue := l.waiters[key]
	if len(queue) == 0 {
		delete(l.waiters, key)
		return
	}

	head := queue[0]
	rest := queue[1:]
	if len(rest) == 0 {
		delete(l.waiters, key)
	} else {
		l.waiters[key] = rest
	}

	head.granted = true
	l.grantLocked(key, head.operation)
	close(head.ready)
}

// abandon removes w from key's queue after its timer or context fired. If a
// release granted w the lock before we took the mutex, the grant is
// forwarded to the next waiter (or cleared) so the timed-out caller never
// holds it.
func (l *Locker) abandon(key string, w *waiter, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.granted {
		// Lost the race: hand the lock straight on.
		l.releaseLocked(key)
	} else {
		queue := l.waiters[key]
		for i, cand := range queue {
			if cand == w {
				l.waiters[key] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(l.waiters[key]) == 0 {
			delete(l.waiters, key)
		}
	}

	if errors.Is(cause, ErrTimeout) {
		return fmt.Errorf("lock %q held too long (waited since %s): %w",
			key, w.enqueuedAt.Format(time.RFC3339), ErrTimeout)
	}
	return fmt.Errorf("lock %q acquisition aborted: %w", key, cause)
}
