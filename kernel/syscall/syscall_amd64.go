// Package syscall implements the kernel-side half of the int 0x80 ABI:
// dispatching a trapped syscall number to its handler and encoding the
// result back into a single 64-bit return value.
package syscall

import (
	"gopheros/kernel/driver/keyboard"
	"gopheros/kernel/driver/serial"
	"gopheros/kernel/gate"
	"gopheros/kernel/hal"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/sched"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// Number identifies a syscall entry point.
type Number uint64

const (
	// Yield gives up the remainder of the current task's timeslice.
	Yield Number = 0
	// WriteSerial writes a user buffer to the serial console.
	WriteSerial Number = 1
	// Exit terminates the calling task.
	Exit Number = 2
	// WriteConsole writes a user buffer to the active terminal.
	WriteConsole Number = 3
	// GetChar blocks until a decoded keypress is available.
	GetChar Number = 4
	// GetCursor returns the active terminal's cursor position.
	GetCursor Number = 5
	// SetCursor moves the active terminal's cursor.
	SetCursor Number = 6
	// ClearScreen clears the active terminal.
	ClearScreen Number = 7
)

const (
	// ErrUnsupported is returned for a syscall number outside the closed
	// set above.
	ErrUnsupported = ^uint64(0)
	// ErrInvalidArg is returned when argument validation fails.
	ErrInvalidArg = ^uint64(0) - 1
	// ErrIO is returned when a write could not be completed.
	ErrIO = ^uint64(0) - 2

	// maxOKValue is the largest value a successful call may return; the
	// three sentinels above occupy the top of the uint64 range.
	maxOKValue = ErrIO - 1
)

const (
	// userCanonicalLimit is the first address of the kernel half of the
	// address space; valid user pointers must lie entirely below it.
	userCanonicalLimit = uint64(0x0000_8000_0000_0000)

	// MaxSerialWriteLen bounds the number of bytes a single WriteSerial
	// call will transfer, regardless of the length the caller claims.
	MaxSerialWriteLen = 4096
	// MaxConsoleWriteLen bounds the number of bytes a single
	// WriteConsole call will transfer.
	MaxConsoleWriteLen = 4096
)

var traceEnabled int32 = 1

// SetTraceEnabled turns the per-dispatch trace log on or off.
func SetTraceEnabled(enabled bool) {
	v := int32(0)
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&traceEnabled, v)
}

// TraceEnabled reports whether dispatch tracing is currently on.
func TraceEnabled() bool {
	return atomic.LoadInt32(&traceEnabled) != 0
}

// Init registers the int 0x80 gate. Must run after the scheduler, serial and
// keyboard drivers have been initialized.
func Init() {
	gate.HandleInterruptReturningFrame(gate.Syscall, 0, handleSyscall)
}

// IsValidUserBuffer reports whether [ptr, ptr+len) is a well-formed user
// buffer descriptor: a zero-length buffer is always valid (nothing is ever
// dereferenced), a null pointer is rejected, and a non-empty range must lie
// entirely below the user/kernel split without overflowing. It does not
// check alignment or whether the range is actually mapped; a bad mapping
// surfaces as an ordinary page fault at access time.
func IsValidUserBuffer(ptr, length uint64) bool {
	if length == 0 {
		return true
	}
	if ptr == 0 {
		return false
	}

	end := ptr + length
	if end < ptr {
		return false // overflow
	}

	return ptr < userCanonicalLimit && end <= userCanonicalLimit
}

func handleSyscall(frame *gate.Registers) *gate.Registers {
	nr := Number(frame.Info)
	ret := dispatch(nr, frame.RDI, frame.RSI, frame.RDX, frame.R10)
	frame.RAX = ret

	if TraceEnabled() {
		kfmt.Printf("[SYSCALL] nr=%d name=%s arg0=%d ret=%d\n", uint64(nr), nameOf(nr), frame.RDI, ret)
	}

	switch nr {
	case Yield, Exit:
		return sched.OnTimerTick(frame)
	default:
		return frame
	}
}

func dispatch(nr Number, arg0, arg1, arg2, arg3 uint64) uint64 {
	switch nr {
	case Yield:
		return 0

	case Exit:
		sched.MarkCurrentAsZombie()
		return 0

	case WriteSerial:
		return doWrite(arg0, arg1, MaxSerialWriteLen, serial.Write)

	case WriteConsole:
		return doWrite(arg0, arg1, MaxConsoleWriteLen, writeConsole)

	case GetChar:
		return uint64(keyboard.ReadCharBlocking())

	case GetCursor:
		tty := hal.ActiveTTY()
		if tty == nil {
			return ErrIO
		}
		col, row := tty.CursorPosition()
		return (uint64(row) << 32) | uint64(col)

	case SetCursor:
		tty := hal.ActiveTTY()
		if tty == nil {
			return ErrIO
		}
		// arg0 is row, arg1 is col; SetCursorPosition takes (col, row).
		tty.SetCursorPosition(uint32(arg1), uint32(arg0))
		return 0

	case ClearScreen:
		tty := hal.ActiveTTY()
		if tty == nil {
			return ErrIO
		}
		tty.Clear()
		return 0

	default:
		return ErrUnsupported
	}
}

// writeConsole adapts the active terminal to the (ptr []byte) io.Writer
// shape doWrite expects.
func writeConsole(p []byte) (int, error) {
	tty := hal.ActiveTTY()
	if tty == nil {
		return 0, errNoActiveTerminal
	}
	return tty.Write(p)
}

var errNoActiveTerminal = &noActiveTerminalError{}

type noActiveTerminalError struct{}

func (e *noActiveTerminalError) Error() string { return "syscall: no active terminal" }

// doWrite validates the full claimed range before clamping so a
// structurally invalid descriptor always reports InvalidArg rather than a
// silently truncated partial write, then clamps to maxLen and writes.
func doWrite(ptr, length uint64, maxLen uint64, write func([]byte) (int, error)) uint64 {
	if !IsValidUserBuffer(ptr, length) {
		return ErrInvalidArg
	}
	if length == 0 {
		return 0
	}

	clamped := length
	if clamped > maxLen {
		clamped = maxLen
	}

	buf := userBytes(uintptr(ptr), uintptr(clamped))
	n, err := write(buf)
	if err != nil {
		return ErrIO
	}
	return uint64(n)
}

// userBytes overlays a []byte onto a raw user-space address range. Callers
// must have already validated the range with IsValidUserBuffer; an
// unmapped address still faults normally at first access.
func userBytes(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

func nameOf(nr Number) string {
	switch nr {
	case Yield:
		return "Yield"
	case WriteSerial:
		return "WriteSerial"
	case Exit:
		return "Exit"
	case WriteConsole:
		return "WriteConsole"
	case GetChar:
		return "GetChar"
	case GetCursor:
		return "GetCursor"
	case SetCursor:
		return "SetCursor"
	case ClearScreen:
		return "ClearScreen"
	default:
		return "unknown"
	}
}
