// +build amd64

// Package gdt manages the kernel's global descriptor table and the single
// task state segment used to carry the ring-0 stack pointer and the
// double-fault emergency stack across privilege-level transitions.
package gdt

import "unsafe"

// Selector values for the descriptors installed by Init. These are fixed by
// the order in which descriptors are written to the table.
const (
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
	UserCodeSelector   = uint16(0x1B)
	UserDataSelector   = uint16(0x23)
	TSSSelector        = uint16(0x28)
)

const (
	// emergencyStackSize is the size of the IST1 stack used exclusively
	// by the double-fault handler.
	emergencyStackSize = 16 * 1024

	descriptorCount = 7 // null, kcode, kdata, ucode, udata, tss(x2)
)

// accessed/flag bits shared by every code/data descriptor.
const (
	flagPresent     = 1 << 7
	flagDPL3        = 3 << 5
	flagDescType    = 1 << 4 // 1 = code/data, 0 = system
	flagExecutable  = 1 << 3
	flagRW          = 1 << 1
	granularity4K   = 1 << 3
	longModeCode    = 1 << 1
	sizeFlag32Bit   = 1 << 2
	tssDescType     = 0x9 // 64-bit TSS (available)
)

type descriptor uint64

func codeDataDescriptor(dpl uint8, executable bool) descriptor {
	access := uint64(flagPresent | flagDescType | flagRW)
	if executable {
		access |= flagExecutable
	}
	access |= uint64(dpl&0x3) << 5

	flags := uint64(0)
	if executable {
		flags = longModeCode << 4
	} else {
		flags = sizeFlag32Bit << 4
	}

	// Limit/base are ignored in 64-bit mode except for the flags nibble
	// which lives in the same byte as the limit's top nibble.
	return descriptor(access<<40 | flags<<52)
}

// taskStateSegment mirrors the amd64 TSS layout; only RSP0 and IST1-7 are
// meaningful for this kernel.
type taskStateSegment struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

var (
	table [descriptorCount]descriptor
	tss   taskStateSegment

	emergencyStack [emergencyStackSize]byte

	// lgdtFn and ltrFn are mocked by tests and automatically inlined by
	// the compiler when building the kernel.
	lgdtFn = lgdt
	ltrFn  = ltr
)

// gdtDescriptor is the operand format expected by the LGDT instruction.
type gdtDescriptor struct {
	limit uint16
	base  uint64
}

// lgdt loads the GDT register from the given descriptor table pointer.
func lgdt(ptr uintptr)

// ltr loads the task register with the given TSS selector.
func ltr(selector uint16)

// Init builds the descriptor table (null, kernel code/data, user code/data,
// TSS), seeds RSP0 with the current kernel stack pointer, points IST1 at a
// dedicated emergency stack and activates the table and task register.
//
// Init does not reload CS: the boot trampoline already runs on a valid
// long-mode code selector and a far jump is unnecessary at this stage.
func Init(currentKernelRSP uintptr) {
	table[0] = 0
	table[1] = codeDataDescriptor(0, true)  // kernel code
	table[2] = codeDataDescriptor(0, false) // kernel data
	table[3] = codeDataDescriptor(3, true)  // user code
	table[4] = codeDataDescriptor(3, false) // user data

	tss = taskStateSegment{}
	tss.rsp[0] = uint64(currentKernelRSP)
	tss.ist[0] = uint64(uintptr(unsafe.Pointer(&emergencyStack[emergencyStackSize-1])) &^ 0xF)
	tss.ioMapBase = uint16(unsafe.Sizeof(tss)) // disables the IO permission bitmap

	tssBase := uint64(uintptr(unsafe.Pointer(&tss)))
	tssLimit := uint64(unsafe.Sizeof(tss) - 1)
	low := descriptor(tssLimit&0xFFFF | (tssBase&0xFFFFFF)<<16 | uint64(tssDescType|flagPresent)<<40 | (tssLimit&0xF0000)<<32 | (tssBase&0xFF000000)<<32)
	high := descriptor(tssBase >> 32)
	table[5] = low
	table[6] = high

	desc := gdtDescriptor{
		limit: uint16(unsafe.Sizeof(table) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&table[0]))),
	}
	lgdtFn(uintptr(unsafe.Pointer(&desc)))
	ltrFn(TSSSelector)
}

// SetKernelRSP0 updates the ring-0 stack pointer used on the next ring-3 to
// ring-0 transition. The scheduler calls this immediately before resuming a
// user task.
func SetKernelRSP0(rsp uintptr) {
	tss.rsp[0] = uint64(rsp)
}

// KernelRSP0 returns the currently programmed ring-0 stack pointer.
func KernelRSP0() uintptr {
	return uintptr(tss.rsp[0])
}

// KernelIST1 returns the top of the double-fault emergency stack.
func KernelIST1() uintptr {
	return uintptr(tss.ist[0])
}

// DescriptorSnapshot returns a copy of the raw descriptor table, primarily
// used by tests to assert the bit-packing of individual descriptors.
func DescriptorSnapshot() [descriptorCount]uint64 {
	var out [descriptorCount]uint64
	for i, d := range table {
		out[i] = uint64(d)
	}
	return out
}
