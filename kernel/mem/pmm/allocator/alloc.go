package allocator

import (
	"gopheros/kernel"
	"gopheros/kernel/mem/pmm"
)

var (
	// freeList holds frames released via FreeFrame so AllocFrame can
	// recycle them before falling through to the early bump allocator.
	// The early allocator never reclaims a frame once handed out, so this
	// is the only source of reusable frames until a pool-based allocator
	// replaces it.
	freeList []pmm.Frame

	errDoubleFree = &kernel.Error{Module: "boot_mem_alloc", Message: "frame already free"}
)

// Init prepares the physical memory allocator using the kernel image bounds
// reported by the bootloader. It must be called once, before any call to
// AllocFrame.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()
	return nil
}

// AllocFrame reserves and returns the next available physical memory frame.
// Frames previously released via FreeFrame are handed out before any new
// frame is carved out of the regions reported by the bootloader.
//
// AllocFrame is declared as a standalone function rather than a method value
// bound to earlyAllocator so that vmm.SetFrameAllocator(AllocFrame) does not
// trip up the compiler's escape analysis into believing earlyAllocator
// escapes to the heap.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	if n := len(freeList); n > 0 {
		frame := freeList[n-1]
		freeList = freeList[:n-1]
		return frame, nil
	}

	return earlyAllocator.AllocFrame()
}

// FreeFrame returns a previously allocated frame to the pool of frames that
// AllocFrame can hand out again.
//
// The boot memory allocator this package wraps tracks allocations with a
// single watermark counter and cannot reclaim arbitrary frames (see
// bootMemAllocator's doc comment); FreeFrame supplies the missing release
// path with an explicit free list so that callers with well-defined ownership
// (such as the process loader's rollback path) can give frames back instead
// of leaking them for the lifetime of the kernel.
func FreeFrame(frame pmm.Frame) *kernel.Error {
	if frame == pmm.InvalidFrame {
		return errDoubleFree
	}

	for _, f := range freeList {
		if f == frame {
			return errDoubleFree
		}
	}

	freeList = append(freeList, frame)
	return nil
}
