// Package workerpool implements a fixed-size worker pool, ported from the
// reference implementation's thread-pool.c: a binary semaphore wakeup
// primitive, a singly linked job queue coupled to it, and the pool lifecycle
// built on top of both.
package workerpool

import (
	"fmt"
	"sync"
)

// BinarySemaphore is a saturating single-bit signal, the Go translation of
// the reference implementation's bsem_t: value is always 0 or 1, Post is
// idempotent (posting an already-signaled semaphore is a no-op), and Wait
// blocks until the value is 1 then consumes it.
type BinarySemaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int
}

// NewBinarySemaphore constructs a BinarySemaphore initialized to v, which
// must be 0 or 1 — mirroring bsem_init's fatal check on an invalid value.
func NewBinarySemaphore(v int) (*BinarySemaphore, error) {
	if v != 0 && v != 1 {
		return nil, fmt.Errorf("workerpool: binary semaphore init value must be 0 or 1, got %d", v)
	}
	b := &BinarySemaphore{value: v}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// mustNewBinarySemaphore is the zero-value-unsafe internal constructor used
// by code paths that already know v is valid; it panics instead of
// propagating an error, matching the original's die() semantics for a
// genuinely unreachable misuse.
func mustNewBinarySemaphore(v int) *BinarySemaphore {
	b, err := NewBinarySemaphore(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Reset reinitializes the semaphore to v (0 or 1).
func (b *BinarySemaphore) Reset(v int) {
	if v != 0 && v != 1 {
		panic(fmt.Sprintf("workerpool: binary semaphore reset value must be 0 or 1, got %d", v))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = v
}

// Post sets the semaphore to 1 and wakes exactly one waiter, matching
// bsem_post's single signal.
func (b *BinarySemaphore) Post() {
	b.mu.Lock()
	b.value = 1
	b.cond.Signal()
	b.mu.Unlock()
}

// PostAll sets the semaphore to 1 and wakes every current waiter, matching
// bsem_post_all — used by Pool.Destroy to unblock every idle worker at once.
func (b *BinarySemaphore) PostAll() {
	b.mu.Lock()
	b.value = 1
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Wait blocks until the semaphore's value is 1, then consumes it back to 0.
// Loops on the condition variable to tolerate spurious wakeups, matching
// bsem_wait's while-loop around pthread_cond_wait.
func (b *BinarySemaphore) Wait() {
	b.mu.Lock()
	for b.value != 1 {
		b.cond.Wait()
	}
	b.value = 0
	b.mu.Unlock()
}
