package gate

// IRQBase is the interrupt vector that IRQ0 is remapped to (see kernel/pic).
const IRQBase = InterruptNumber(32)

// IRQ returns the interrupt vector number for the given legacy IRQ line
// (0-15).
func IRQ(line uint8) InterruptNumber {
	return IRQBase + InterruptNumber(line)
}

const (
	// IRQTimer is the vector the PIT's periodic interrupt arrives on.
	IRQTimer = InterruptNumber(32)

	// IRQKeyboard is the vector the PS/2 keyboard controller's interrupt
	// arrives on.
	IRQKeyboard = InterruptNumber(33)

	// Syscall is the software interrupt vector used by ring-3 code to
	// enter the kernel via `int 0x80`. Unlike every other gate, it must
	// be reachable from DPL 3.
	Syscall = InterruptNumber(0x80)
)

// ReturningHandler is a handler whose return value is the register frame
// the CPU should resume execution from. This is the single mechanism by
// which a task switch physically happens: the assembly entrypoint calls the
// handler, then loads RSP from the returned frame's address before
// executing iretq, rather than resuming the frame that was interrupted.
//
// Ordinary ExceptionHandler-style callbacks registered via HandleInterrupt
// always resume the frame they were given; ReturningHandler exists
// specifically for the timer IRQ and the syscall gate, where resuming a
// different task is the whole point.
type ReturningHandler func(*Registers) *Registers

// HandleInterruptReturningFrame registers a handler for intNumber whose
// return value selects which saved frame execution resumes from. The DPL of
// the installed gate depends on the vector so ring-3 code can reach the
// syscall vector while hardware IRQs remain ring-0 only.
func HandleInterruptReturningFrame(intNumber InterruptNumber, istOffset uint8, handler ReturningHandler)
