package arbiter

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend with an injectable clock, used by
// tests (to drive lease expiry deterministically) and single-process runs.
type MemoryBackend struct {
	mu     sync.Mutex
	now    func() time.Time
	holder string
	expiry time.Time
	queue  []string
}

// NewMemoryBackend uses the real clock when now is nil.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{now: now}
}

// leaseActive must be called with the mutex held.
func (b *MemoryBackend) leaseActive() bool {
	return b.holder != "" && b.now().Before(b.expiry)
}

// JoinQueue appends the waiter unless already queued.
func (b *MemoryBackend) JoinQueue(ctx context.Context, waiter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, w := range b.queue {
		if w == waiter {
			return nil
		}
	}
	b.queue = append(b.queue, waiter)
	return nil
}

// LeaveQueue removes the waiter.
func (b *MemoryBackend) LeaveQueue(ctx context.Context, waiter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, w := range b.queue {
		if w == waiter {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

// QueueHead returns the oldest waiter.
func (b *MemoryBackend) QueueHead(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return "", nil
	}
	return b.queue[0], nil
}

// TryAcquire takes the lease iff it is free or lapsed.
func (b *MemoryBackend) TryAcquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leaseActive() {
		return false, nil
	}
	b.holder = holder
	b.expiry = b.now().Add(ttl)
	return true, nil
}

// Refresh extends the lease iff holder still owns it.
func (b *MemoryBackend) Refresh(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.holder != holder || !b.leaseActive() {
		return false, nil
	}
	b.expiry = b.now().Add(ttl)
	return true, nil
}

// Release frees the lease iff holder still owns it.
func (b *MemoryBackend) Release(ctx context.Context, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.holder == holder {
		b.holder = ""
		b.expiry = time.Time{}
	}
	return nil
}

// Holder returns the current owner, or "" once the lease has lapsed.
func (b *MemoryBackend) Holder(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.leaseActive() {
		return "", nil
	}
	return b.holder, nil
}
