package sync

import "gopheros/kernel/cpu"

var (
	interruptsEnabledFn = cpu.InterruptsEnabled
	enableInterruptsFn  = cpu.EnableInterrupts
	disableInterruptsFn = cpu.DisableInterrupts
)

// IRQLock is a spinlock that additionally disables interrupts for the
// duration of the critical section. On a single CPU, disabling interrupts
// is sufficient on its own to prevent reentrancy; the underlying CAS loop
// exists so that call sites do not need to change if the kernel ever grows
// additional cores.
//
// Release restores whatever interrupt state was in effect immediately
// before Acquire, rather than unconditionally re-enabling interrupts: a
// lock taken while interrupts were already disabled (e.g. from within
// another handler) must leave them disabled on release.
type IRQLock struct {
	inner            Spinlock
	prevWasEnabled   bool
}

// Acquire disables interrupts, remembers whether they were previously
// enabled, and busy-waits for the lock.
func (l *IRQLock) Acquire() {
	wasEnabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.inner.Acquire()
	l.prevWasEnabled = wasEnabled
}

// Release relinquishes the lock and restores the pre-Acquire interrupt
// state.
func (l *IRQLock) Release() {
	wasEnabled := l.prevWasEnabled
	l.inner.Release()
	if wasEnabled {
		enableInterruptsFn()
	}
}
