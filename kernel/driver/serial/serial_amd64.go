// Package serial implements a minimal 16550-compatible UART driver for COM1,
// used as a raw debug/output channel independent of the console/TTY stack.
package serial

import "gopheros/kernel/cpu"

const (
	com1Port = uint16(0x3F8)

	regData             = uint16(0)
	regInterruptEnable  = uint16(1)
	regFIFOControl      = uint16(2)
	regLineControl      = uint16(3)
	regModemControl     = uint16(4)
	regLineStatus       = uint16(5)
	lineStatusTHREEmpty = uint8(0x20)
)

var basePort = com1Port

// Init configures COM1 for 115200 baud, 8 data bits, no parity, 1 stop bit.
func Init() {
	outbFn(basePort+regInterruptEnable, 0x00)

	outbFn(basePort+regLineControl, 0x80) // enable DLAB
	outbFn(basePort+regData, 0x01)        // divisor low byte (115200 baud)
	outbFn(basePort+regInterruptEnable, 0x00)

	outbFn(basePort+regLineControl, 0x03) // 8N1, clears DLAB
	outbFn(basePort+regFIFOControl, 0xC7) // enable + clear FIFOs, 14-byte threshold
	outbFn(basePort+regModemControl, 0x0B)
}

func transmitEmpty() bool {
	return inbFn(basePort+regLineStatus)&lineStatusTHREEmpty != 0
}

// WriteByte blocks until the transmit holding register is empty, then sends
// b. A bare '\n' is preceded by '\r' so line endings display correctly in a
// typical terminal emulator.
func WriteByte(b byte) {
	if b == '\n' {
		writeRaw('\r')
	}
	writeRaw(b)
}

func writeRaw(b byte) {
	for !transmitEmpty() {
	}
	outbFn(basePort+regData, b)
}

// Write sends every byte in p and returns len(p), nil -- it never fails.
func Write(p []byte) (int, error) {
	for _, b := range p {
		WriteByte(b)
	}
	return len(p), nil
}

var (
	outbFn = cpu.Outb
	inbFn  = cpu.Inb
)
