// Package sync provides the spinlock used to serialize access to shared
// devices between the boot path and interrupt handlers.
package sync

import "sync/atomic"

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which Acquire invokes yieldFn (if set).
const attemptsBeforeYielding = 64

var (
	// yieldFn is nil while the kernel runs on a single boot task. Tests
	// substitute runtime.Gosched to let competing goroutines progress.
	yieldFn func()

	// saveAndDisableInterruptsFn and restoreInterruptsFn are nil until
	// SetInterruptControl installs the CPU primitives.
	saveAndDisableInterruptsFn func() uint64
	restoreInterruptsFn        func(uint64)
)

// SetInterruptControl installs the functions used by AcquireIRQSave and
// ReleaseIRQRestore to mask and restore interrupts. Until it is called (or if
// nil is passed for either argument) the IRQ-saving variants behave like
// Acquire and Release.
func SetInterruptControl(save func() uint64, restore func(uint64)) {
	if save == nil || restore == nil {
		saveAndDisableInterruptsFn, restoreInterruptsFn = nil, nil
		return
	}

	saveAndDisableInterruptsFn, restoreInterruptsFn = save, restore
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts == attemptsBeforeYielding {
			if yieldFn != nil {
				yieldFn()
			}
			attempts = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// AcquireIRQSave masks interrupts and then acquires the lock. It returns the
// saved RFLAGS value which must be passed to ReleaseIRQRestore. Holding the
// lock with interrupts masked prevents a handler running on this CPU from
// spinning forever on a lock owned by the code it interrupted.
func (l *Spinlock) AcquireIRQSave() uint64 {
	var flags uint64
	if saveAndDisableInterruptsFn != nil {
		flags = saveAndDisableInterruptsFn()
	}
	l.Acquire()
	return flags
}

// ReleaseIRQRestore releases the lock and restores the interrupt state
// captured by AcquireIRQSave.
func (l *Spinlock) ReleaseIRQRestore(flags uint64) {
	l.Release()
	if restoreInterruptsFn != nil {
		restoreInterruptsFn(flags)
	}
}
