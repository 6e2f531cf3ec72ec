// Package poise is the mutual-exclusion layer shared by every subsystem of
// the dispatch core.  One Spinlock guards one logical resource: the task
// table, the scheduler state, the interrupt table and the MPU and TrustZone
// tables each get their own instance, and no caller may hold more than one
// of them at a time.
package poise

import (
	"runtime"
	"sync/atomic"

	"composure/metal"
)

// Spinlock is a busy-wait lock with saved interrupt state.  Lock masks
// interrupts on the calling core before spinning, so the critical section
// cannot be re-entered from an interrupt on the same core; the spin only
// ever waits on the other core.  Critical sections must therefore be short
// and must never block.
type Spinlock struct {
	name   string
	ic     metal.IntControl
	locked atomic.Uint32
}

// New creates a spinlock for one logical resource.  The name is only used
// in diagnostics.
func New(name string, ic metal.IntControl) *Spinlock {
	return &Spinlock{name: name, ic: ic}
}

func (l *Spinlock) Name() string {
	return l.name
}

// Lock acquires the lock, blocking until it is free.  Interrupts are masked
// first and the saved state is returned; pass it back to Unlock.
func (l *Spinlock) Lock() metal.IntState {
	is := l.ic.Disable()
	for !l.locked.CompareAndSwap(0, 1) {
		// the holder is the other core; on a hosted build its goroutine
		// may need our thread to make progress
		runtime.Gosched()
	}
	return is
}

// TryLock attempts one acquisition without spinning.  On success it returns
// the saved interrupt state and true; on failure interrupts are restored
// immediately and the second return is false.
func (l *Spinlock) TryLock() (metal.IntState, bool) {
	is := l.ic.Disable()
	if l.locked.CompareAndSwap(0, 1) {
		return is, true
	}
	l.ic.Restore(is)
	return 0, false
}

// Unlock releases the lock and restores the interrupt state saved by Lock.
func (l *Spinlock) Unlock(is metal.IntState) {
	l.locked.Store(0)
	l.ic.Restore(is)
}
