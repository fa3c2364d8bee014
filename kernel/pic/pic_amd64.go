// Package pic remaps and masks the legacy 8259 programmable interrupt
// controllers so hardware IRQs land on vectors that don't collide with CPU
// exceptions, and so that only the timer and keyboard lines are initially
// enabled.
package pic

import "gopheros/kernel/cpu"

const (
	pic1Command = uint16(0x20)
	pic1Data    = uint16(0x21)
	pic2Command = uint16(0xA0)
	pic2Data    = uint16(0xA1)

	icwInit = uint8(0x10)
	icwICW4 = uint8(0x01)
	icw48086 = uint8(0x01)

	eoi = uint8(0x20)

	// Offset1 and Offset2 are the vector numbers IRQ0 and IRQ8 are
	// remapped to.
	Offset1 = uint8(32)
	Offset2 = uint8(40)

	// initialMasterMask leaves IRQ0 (timer) and IRQ1 (keyboard) unmasked
	// and every other master line masked.
	initialMasterMask = uint8(0xFC)
	initialSlaveMask  = uint8(0xFF)
)

var (
	outbFn = cpu.Outb
)

// ioWait gives the PIC time to process a command on real hardware by
// writing to the unused POST-diagnostic port 0x80.
func ioWait() {
	outbFn(0x80, 0)
}

// Remap reprograms both PICs to use Offset1/Offset2 and masks every IRQ
// line except the timer (IRQ0) and keyboard (IRQ1).
func Remap() {
	cmd := uint8(icwInit | icwICW4)

	outbFn(pic1Command, cmd)
	ioWait()
	outbFn(pic2Command, cmd)
	ioWait()

	outbFn(pic1Data, Offset1)
	ioWait()
	outbFn(pic2Data, Offset2)
	ioWait()

	outbFn(pic1Data, 0x04) // tell master about the slave on IRQ2
	ioWait()
	outbFn(pic2Data, 0x02) // tell slave its cascade identity
	ioWait()

	outbFn(pic1Data, icw48086)
	ioWait()
	outbFn(pic2Data, icw48086)
	ioWait()

	outbFn(pic1Data, initialMasterMask)
	outbFn(pic2Data, initialSlaveMask)
}

// SendEOI acknowledges the given IRQ line (0-15), notifying the slave PIC
// first when the line belongs to it.
func SendEOI(irq uint8) {
	if irq >= 8 {
		outbFn(pic2Command, eoi)
	}
	outbFn(pic1Command, eoi)
}
