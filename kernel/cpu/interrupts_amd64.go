package cpu

// InterruptsEnabled returns true if the interrupt flag (RFLAGS.IF) is
// currently set.
func InterruptsEnabled() bool
