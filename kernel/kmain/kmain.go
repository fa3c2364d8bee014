// Package kmain wires together every subsystem this kernel needs and
// exposes the single Go entry point the rt0 boot stub jumps to.
package kmain

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/driver/keyboard"
	"gopheros/kernel/driver/serial"
	"gopheros/kernel/fpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/gdt"
	"gopheros/kernel/goruntime"
	"gopheros/kernel/hal"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/heap"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/pic"
	"gopheros/kernel/pit"
	"gopheros/kernel/sched"
	"gopheros/kernel/syscall"
	"unsafe"
)

const (
	// kernelVMA is the virtual base address the linker script loads the
	// kernel image at; ELF sections above it are mapped to the physical
	// frames the bootloader actually placed them in.
	kernelVMA = uintptr(0xffffffff80000000)

	// timerHz is the rate the PIT fires IRQ0 at, driving preemption.
	timerHz = uint32(100)
)

// Kmain is the only Go symbol the rt0 assembly calls into, after it has set
// up a minimal stack and long mode is active. multibootInfoPtr, kernelStart
// and kernelEnd are physical addresses supplied by that assembly stub.
//
// Kmain never returns: initialization failures panic, and once the idle loop
// is reached interrupts alone drive the rest of the system.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	}

	vmm.SetFrameAllocator(allocator.AllocFrame)
	vmm.SetFrameReleaser(allocator.FreeFrame)

	if err = vmm.Init(kernelVMA); err != nil {
		panic(err)
	}

	if err = goruntime.Init(); err != nil {
		panic(err)
	}

	heap.SetFrameAllocator(allocator.AllocFrame)
	if _, err = heap.Init(); err != nil {
		panic(err)
	}

	// stackMarker's address is a safe stand-in for the current stack
	// pointer: it sits on the stack rt0 set up for us, and SetKernelRSP0
	// replaces it with a real task stack as soon as the scheduler runs
	// its first ring-3 task.
	var stackMarker byte
	gdt.Init(uintptr(unsafe.Pointer(&stackMarker)))
	fpu.Init()

	gate.Init()
	pic.Remap()
	pit.InitPeriodicTimer(timerHz)

	sched.Init()
	sched.SetAddressSpaceDestroyer(vmm.DestroyUserAddressSpaceWithOptions)

	serial.Init()
	keyboard.Init()
	syscall.Init()

	hal.DetectHardware()

	kfmt.Printf("kernel initialized\n")

	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}
