// Package arbiter serializes access to the single accelerator slot shared
// by every worker process. Requests are granted in arrival order, and the
// grant is a time-bounded lease: if a holder dies without releasing, the
// slot is reclaimed once the lease expires.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend is the shared-state mechanism behind the arbiter. The redis
// implementation coordinates across processes; the memory implementation
// serves tests and single-process runs.
type Backend interface {
	// JoinQueue registers a waiter, preserving its original position if it
	// is already queued. It also refreshes the waiter's liveness, so the
	// arbiter calls it on every poll.
	JoinQueue(ctx context.Context, waiter string) error

	// LeaveQueue removes a waiter.
	LeaveQueue(ctx context.Context, waiter string) error

	// QueueHead returns the oldest live waiter, or "" if none.
	QueueHead(ctx context.Context) (string, error)

	// TryAcquire takes the lease for holder iff the slot is free.
	TryAcquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// Refresh extends the lease iff holder still owns it.
	Refresh(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// Release frees the lease iff holder still owns it.
	Release(ctx context.Context, holder string) error

	// Holder returns the current lease owner, or "" if the slot is free.
	Holder(ctx context.Context) (string, error)
}

// Arbiter grants exclusive use of the accelerator slot, FIFO, lease-bounded.
type Arbiter struct {
	backend Backend
	ttl     time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// New builds an arbiter over the given backend.
func New(backend Backend, ttl, poll time.Duration, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{backend: backend, ttl: ttl, poll: poll, logger: logger}
}

// Acquire blocks until the slot is granted or ctx ends. The returned
// release function is safe to call more than once. While the lease is held
// a heartbeat goroutine keeps extending it; a crashed process simply stops
// heartbeating and the lease lapses.
func (a *Arbiter) Acquire(ctx context.Context) (func(), error) {
	waiter := uuid.New().String()

	if err := a.backend.JoinQueue(ctx, waiter); err != nil {
		return nil, fmt.Errorf("join accelerator queue: %w", err)
	}

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		head, err := a.backend.QueueHead(ctx)
		if err != nil {
			a.abandonWait(waiter)
			return nil, fmt.Errorf("inspect accelerator queue: %w", err)
		}

		if head == waiter {
			ok, err := a.backend.TryAcquire(ctx, waiter, a.ttl)
			if err != nil {
				a.abandonWait(waiter)
				return nil, fmt.Errorf("acquire accelerator lease: %w", err)
			}
			if ok {
				if err := a.backend.LeaveQueue(ctx, waiter); err != nil {
					a.logger.Warn("failed to leave accelerator queue after grant", "waiter", waiter, "error", err)
				}
				return a.holdLease(waiter), nil
			}
		}

		select {
		case <-ctx.Done():
			a.abandonWait(waiter)
			return nil, fmt.Errorf("waiting for accelerator slot: %w", ctx.Err())
		case <-ticker.C:
			// Re-join refreshes this waiter's liveness so a crashed waiter
			// ahead of us is eventually pruned by the backend.
			if err := a.backend.JoinQueue(ctx, waiter); err != nil {
				a.abandonWait(waiter)
				return nil, fmt.Errorf("refresh accelerator queue position: %w", err)
			}
		}
	}
}

// holdLease starts the heartbeat and returns the idempotent release func.
func (a *Arbiter) holdLease(holder string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		interval := a.ttl / 3
		if interval <= 0 {
			interval = a.ttl
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), a.ttl)
				ok, err := a.backend.Refresh(ctx, holder, a.ttl)
				cancel()
				if err != nil {
					a.logger.Warn("accelerator lease refresh failed", "holder", holder, "error", err)
					continue
				}
				if !ok {
					a.logger.Error("accelerator lease lost before release", "holder", holder)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), a.ttl)
			defer cancel()
			if err := a.backend.Release(ctx, holder); err != nil {
				a.logger.Warn("accelerator lease release failed", "holder", holder, "error", err)
			}
		})
	}
}

// abandonWait best-effort removes the waiter after an aborted acquire.
func (a *Arbiter) abandonWait(waiter string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.backend.LeaveQueue(ctx, waiter); err != nil {
		a.logger.Warn("failed to leave accelerator queue", "waiter", waiter, "error", err)
	}
}

// Holder reports the current lease owner for the health endpoint.
func (a *Arbiter) Holder(ctx context.Context) (string, error) {
	return a.backend.Holder(ctx)
}
