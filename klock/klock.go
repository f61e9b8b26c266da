// Package klock implements the kernel's synchronization primitives:
// spinlocks, alertable/unalertable semaphores, sleep-locks and
// refcounts, used by every layer above it.
package klock

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

/// Spin is a busy-wait mutex. Never held across a sleep-lock acquire or
/// a semaphore wait; that discipline is a convention, not an
/// instrumented check, matching the original's lock-ordering comments.
type Spin struct {
	mu sync.Mutex
}

func (s *Spin) Lock()   { s.mu.Lock() }
func (s *Spin) Unlock() { s.mu.Unlock() }

/// Sem is a counting semaphore supporting both alertable waits (scoped
/// to a caller-supplied context, cancelled when the waiting process is
/// killed) and unalertable waits (background context, used where the
/// caller holds a disk-visible invariant that must not be abandoned).
type Sem struct {
	w *semaphore.Weighted
}

/// MkSem constructs a semaphore with the given initial count.
func MkSem(n int64) *Sem {
	s := &Sem{w: semaphore.NewWeighted(1 << 30)}
	if n < 1<<30 {
		s.w.Acquire(context.Background(), 1<<30-n)
	}
	return s
}

/// Wait performs an alertable wait: it returns false if ctx is
/// cancelled (the process was killed) before a post arrives.
func (s *Sem) Wait(ctx context.Context) bool {
	return s.w.Acquire(ctx, 1) == nil
}

/// WaitUninterruptible performs an unalertable wait: it ignores
/// cancellation entirely, for use while holding invariants that must
/// not be abandoned mid-operation (e.g. mid-commit).
func (s *Sem) WaitUninterruptible() {
	s.w.Acquire(context.Background(), 1)
}

/// Post wakes one waiter (or increments the count if none is waiting).
func (s *Sem) Post() {
	s.w.Release(1)
}

/// PostAll wakes up to n waiters at once, used for broadcast wakeups
/// (all begin_op waiters, all end_op waiters after a commit).
func (s *Sem) PostAll(n int) {
	if n <= 0 {
		return
	}
	s.w.Release(int64(n))
}

/// SleepLock is a mutex whose contention suspends the caller on a
/// semaphore instead of spinning, used for per-block and per-inode
/// content locks.
type SleepLock struct {
	sem *Sem
}

/// MkSleepLock returns an unlocked sleep-lock.
func MkSleepLock() *SleepLock {
	return &SleepLock{sem: MkSem(1)}
}

/// Lock acquires the sleep-lock, alertably.
func (l *SleepLock) Lock(ctx context.Context) bool {
	return l.sem.Wait(ctx)
}

/// LockUninterruptible acquires the sleep-lock ignoring kill.
func (l *SleepLock) LockUninterruptible() {
	l.sem.WaitUninterruptible()
}

/// Unlock releases the sleep-lock.
func (l *SleepLock) Unlock() {
	l.sem.Post()
}

/// RefCount is an atomic reference count, protected externally by
/// whatever table lock owns the object (the bcache lock, the inode
/// table lock); the counter itself only needs atomic increment.
type RefCount struct {
	n atomic.Int32
}

func (r *RefCount) Inc() int32 { return r.n.Add(1) }

/// Dec decrements the count and returns the new value. Panics if the
/// count would go negative: that is always a kernel bug (refcount
/// symmetry is a universal invariant).
func (r *RefCount) Dec() int32 {
	v := r.n.Add(-1)
	if v < 0 {
		panic("refcount underflow")
	}
	return v
}

func (r *RefCount) Count() int32 { return r.n.Load() }

/// CondWaitAlertable waits on cond, returning false early if ctx is
/// cancelled before cond is signaled. Used by pipe/console read/write
/// loops, which must poll the killed flag while blocked — the only
/// cancellation channel this kernel has (see the alertable-wait
/// convention above).
func CondWaitAlertable(ctx context.Context, cond *sync.Cond) bool {
	done := ctx.Done()
	if done == nil {
		cond.Wait()
		return true
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-done:
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-stop:
		}
	}()
	cond.Wait()
	close(stop)
	return ctx.Err() == nil
}
