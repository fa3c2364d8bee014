// +build amd64

// Package fpu implements lazy FPU/SSE context switching using the CR0.TS
// trap mechanism: the register file is only saved and restored when a task
// that actually touches it is scheduled in, so tasks that never use
// floating-point or vector instructions pay nothing for context switches.
package fpu

import (
	"gopheros/kernel/gate"
	"unsafe"
)

// StateSize is the size in bytes of the buffer required by FXSAVE64/FXRSTOR64.
const StateSize = 512

// State is a 16-byte-aligned buffer suitable for FXSAVE64/FXRSTOR64. Tasks
// that use the FPU embed one of these in their task control block.
type State struct {
	_   [0]byte // enforce struct placement without affecting ABI
	buf [StateSize + 16]byte
}

func (s *State) aligned() unsafe.Pointer {
	addr := uintptr(unsafe.Pointer(&s.buf[0]))
	return unsafe.Pointer((addr + 15) &^ 15)
}

var (
	template State

	// currentOwner identifies the task slot that currently owns the live
	// FPU register file, or noOwner if nothing has used it yet.
	currentOwner  = noOwner
	ownerStateFn  func(slot int) *State
	switchOwnerFn func(slot int)

	// the following are mocked by tests and automatically inlined by the
	// compiler when building the kernel.
	clearTSFn   = clearTS
	setTSFn     = setTS
	fxsave64Fn  = fxsave64
	fxrstor64Fn = fxrstor64
	fninitFn    = fninit
	ldmxcsrFn   = ldmxcsr
)

// noOwner is the sentinel value of currentOwner before any task has used the
// FPU.
const noOwner = -1

// clearTS clears CR0.TS, allowing FPU/SSE instructions to execute without
// trapping.
func clearTS()

// setTS sets CR0.TS, causing the next FPU/SSE instruction to raise #NM.
func setTS()

// fxsave64 saves the current FPU/SSE/MMX state to the 16-byte-aligned buffer
// pointed to by dst.
func fxsave64(dst unsafe.Pointer)

// fxrstor64 restores FPU/SSE/MMX state from the 16-byte-aligned buffer
// pointed to by src.
func fxrstor64(src unsafe.Pointer)

// fninit resets the x87 FPU to its default state.
func fninit()

// ldmxcsr loads the MXCSR control/status register.
func ldmxcsr(value uint32)

// enableFPUBits and enableSSEBits toggle CR0.EM/CR0.MP and CR4.OSFXSR/OSXMMEXCPT
// respectively. They are architecture primitives with no meaningful Go-level
// state to mock beyond the call itself.
func enableFPUBits()
func enableSSEBits()

// Init clears CR0.EM, sets CR0.MP, enables CR4.OSFXSR/OSXMMEXCPT, resets the
// FPU via FNINIT, loads the default MXCSR value and captures the resulting
// state into the template copied into every newly spawned task. Init must
// run after gdt.Init (so the FPU is usable in ring 0) and before interrupts
// are enabled (so #NM becomes trappable only once a handler is registered).
func Init() {
	enableFPUBits()
	enableSSEBits()
	fninitFn()
	ldmxcsrFn(0x1F80)
	fxsave64Fn(template.aligned())

	currentOwner = noOwner

	gate.HandleInterrupt(gate.DeviceNotAvailable, 0, deviceNotAvailableHandler)
}

// NewState returns a freshly allocated FPU state buffer pre-filled with the
// captured post-reset template. Spawned tasks must never start with a
// zeroed buffer: a zero control word does not behave like the CPU's actual
// post-FNINIT state.
func NewState() *State {
	s := &State{}
	copy(s.buf[:], template.buf[:])
	return s
}

// SetOwnerHooks wires the scheduler's task-state accessors so the #NM
// handler can save/restore the right task's buffer. ownerState must return
// the FPU state for the given task slot; switchOwner records which slot now
// owns the live register file.
func SetOwnerHooks(ownerState func(slot int) *State, switchOwner func(slot int)) {
	ownerStateFn = ownerState
	switchOwnerFn = switchOwner
}

// CurrentTaskSlot is set by the scheduler before every dispatch so the #NM
// handler knows which task's state to restore.
var CurrentTaskSlot = noOwner

// deviceNotAvailableHandler lazily switches the FPU owner on the first
// FPU/SSE instruction executed by a newly scheduled task.
func deviceNotAvailableHandler(_ *gate.Registers) {
	clearTSFn()

	next := CurrentTaskSlot
	if currentOwner != noOwner && currentOwner != next && ownerStateFn != nil {
		fxsave64Fn(ownerStateFn(currentOwner).aligned())
	}

	if ownerStateFn != nil {
		fxrstor64Fn(ownerStateFn(next).aligned())
	}

	currentOwner = next
	if switchOwnerFn != nil {
		switchOwnerFn(next)
	}
}

// MarkSwitchedOut sets CR0.TS; called by the scheduler on every context
// switch so the next task's first FPU/SSE instruction traps into
// deviceNotAvailableHandler.
func MarkSwitchedOut() {
	setTSFn()
}
