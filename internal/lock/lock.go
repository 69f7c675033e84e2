// Package lock provides a keyed read/write lock with acquisition timeouts
// and writer priority. It serializes access to shared per-key state
// (credentials, rate-limit counters, breaker state) without one global lock
// coupling unrelated keys.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is used when a Keyed is constructed with a zero timeout.
const DefaultTimeout = 30 * time.Second

// TimeoutError is returned when a lock could not be acquired within the
// timeout. Callers should treat it as a retryable transient failure.
type TimeoutError struct {
	Key     string
	Write   bool
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	mode := "read"
	if e.Write {
		mode = "write"
	}
	return fmt.Sprintf("lock: timed out after %s waiting for %s lock on %q", e.Timeout, mode, e.Key)
}

// waiter is one queued acquisition. ready is closed exactly once when the
// waiter is granted; granted is written under Keyed.mu so the timeout path
// can detect a grant that raced with its timer.
type waiter struct {
	write   bool
	ready   chan struct{}
	granted bool
}

// entry is the lock state for a single key. Created lazily on first
// acquisition, removed once no holders or waiters remain.
type entry struct {
	readers   int
	writer    bool
	heldSince time.Time
	waiters   []*waiter // strict FIFO; this is what gives writers priority
}

func (e *entry) idle() bool {
	return e.readers == 0 && !e.writer && len(e.waiters) == 0
}

// KeyStats is a diagnostic snapshot of one key's lock state.
type KeyStats struct {
	Readers        int
	Writer         bool
	WaitingReaders int
	WaitingWriters int
	HeldFor        time.Duration
}

// Keyed is the keyed read/write lock. The zero value is not usable; use New.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// New creates a Keyed lock with the given default acquisition timeout.
func New(timeout time.Duration) *Keyed {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Keyed{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

// Read acquires a shared lock on key using the default timeout.
func (k *Keyed) Read(ctx context.Context, key string) (*Handle, error) {
	return k.acquire(ctx, key, false, k.timeout)
}

// Write acquires an exclusive lock on key using the default timeout.
func (k *Keyed) Write(ctx context.Context, key string) (*Handle, error) {
	return k.acquire(ctx, key, true, k.timeout)
}

// ReadTimeout is Read with an explicit timeout.
func (k *Keyed) ReadTimeout(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	return k.acquire(ctx, key, false, timeout)
}

// WriteTimeout is Write with an explicit timeout.
func (k *Keyed) WriteTimeout(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	return k.acquire(ctx, key, true, timeout)
}

func (k *Keyed) acquire(ctx context.Context, key string, write bool, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = k.timeout
	}

	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}

	// Fast path: grant immediately only when nobody is queued ahead.
	// A reader arriving while a writer waits goes to the back of the queue,
	// so a steady stream of reads cannot starve a pending write.
	if len(e.waiters) == 0 {
		if write && e.readers == 0 && !e.writer {
			e.writer = true
			e.heldSince = time.Now()
			k.mu.Unlock()
			return &Handle{k: k, key: key, write: true}, nil
		}
		if !write && !e.writer {
			if e.readers == 0 {
				e.heldSince = time.Now()
			}
			e.readers++
			k.mu.Unlock()
			return &Handle{k: k, key: key, write: false}, nil
		}
	}

	w := &waiter{write: write, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return &Handle{k: k, key: key, write: write}, nil
	case <-timer.C:
		if k.abandon(key, w) {
			return nil, &TimeoutError{Key: key, Write: write, Timeout: timeout}
		}
		// The grant raced our timer; we hold the lock after all.
		return &Handle{k: k, key: key, write: write}, nil
	case <-ctx.Done():
		if k.abandon(key, w) {
			return nil, fmt.Errorf("lock: acquire %q: %w", key, ctx.Err())
		}
		return &Handle{k: k, key: key, write: write}, nil
	}
}

// abandon removes w from the wait queue. Returns false if w was already
// granted, in which case the caller owns the lock.
func (k *Keyed) abandon(key string, w *waiter) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w.granted {
		return false
	}
	e := k.entries[key]
	for i, qw := range e.waiters {
		if qw == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	// Removing a queued writer may unblock readers queued behind it.
	k.grantLocked(e)
	if e.idle() {
		delete(k.entries, key)
	}
	return true
}

// release is called by Handle.Release.
func (k *Keyed) release(key string, write bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		return
	}
	if write {
		e.writer = false
	} else if e.readers > 0 {
		e.readers--
	}
	k.grantLocked(e)
	if e.idle() {
		delete(k.entries, key)
	} else if e.readers == 0 && !e.writer {
		e.heldSince = time.Time{}
	}
}

// grantLocked hands the lock to the next eligible waiters: either exactly
// one writer, or every reader queued ahead of the first writer. Caller
// holds k.mu.
func (k *Keyed) grantLocked(e *entry) {
	for len(e.waiters) > 0 {
		head := e.waiters[0]
		if head.write {
			if e.readers > 0 || e.writer {
				return
			}
			e.writer = true
			e.heldSince = time.Now()
			e.waiters = e.waiters[1:]
			head.granted = true
			close(head.ready)
			return
		}
		if e.writer {
			return
		}
		if e.readers == 0 {
			e.heldSince = time.Now()
		}
		e.readers++
		e.waiters = e.waiters[1:]
		head.granted = true
		close(head.ready)
	}
}

// Stats reports the current state of a key's lock. A zero KeyStats means
// the key is unlocked with no waiters.
func (k *Keyed) Stats(key string) KeyStats {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		return KeyStats{}
	}
	s := KeyStats{Readers: e.readers, Writer: e.writer}
	for _, w := range e.waiters {
		if w.write {
			s.WaitingWriters++
		} else {
			s.WaitingReaders++
		}
	}
	if !e.heldSince.IsZero() {
		s.HeldFor = time.Since(e.heldSince)
	}
	return s
}

// Handle releases an acquired lock. Release is safe to call more than once;
// only the first call has an effect.
type Handle struct {
	k     *Keyed
	key   string
	write bool
	once  sync.Once
}

// Release gives the lock back and wakes the next eligible waiter(s).
func (h *Handle) Release() {
	h.once.Do(func() {
		h.k.release(h.key, h.write)
	})
}
