// Package pit programs PIT channel 0 to generate the periodic timer
// interrupt that drives preemptive scheduling.
package pit

import "gopheros/kernel/cpu"

const (
	channel0Data   = uint16(0x40)
	commandPort    = uint16(0x43)
	rateGenerator  = uint8(0x36) // channel 0, lobyte/hibyte, mode 2, binary

	// baseFrequency is the PIT's fixed oscillator frequency in Hz.
	baseFrequency = 1193182
)

var outbFn = cpu.Outb

// InitPeriodicTimer programs channel 0 in rate-generator mode to fire at
// approximately hz interrupts per second. The requested frequency is
// converted to a 16-bit divisor and clamped to the representable range.
func InitPeriodicTimer(hz uint32) {
	divisor := Divisor(hz)

	outbFn(commandPort, rateGenerator)
	outbFn(channel0Data, uint8(divisor&0xFF))
	outbFn(channel0Data, uint8(divisor>>8))
}

// Divisor computes the 16-bit PIT reload value for the requested frequency,
// clamped to [1, 65535].
func Divisor(hz uint32) uint16 {
	if hz == 0 {
		hz = 1
	}

	d := (baseFrequency + hz/2) / hz
	switch {
	case d < 1:
		return 1
	case d > 65535:
		return 65535
	default:
		return uint16(d)
	}
}
