// Package loader maps a flat binary image into a fresh user address space
// and hands it to the scheduler. Unlike the FAT12-backed loader this was
// ported from, it accepts the image as an in-memory []byte; reading it off a
// filesystem is the caller's problem.
package loader

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/sched"
	"reflect"
	"unsafe"
)

var (
	errImageTooLarge = &kernel.Error{Module: "loader", Message: "program image does not fit in USER_CODE"}
	errEmptyImage    = &kernel.Error{Module: "loader", Message: "program image is empty"}
	errSpawnFailed   = &kernel.Error{Module: "loader", Message: "scheduler rejected the loaded program"}

	// allocFrameFn, freeFrameFn, cloneFn and the vmm.* calls below are
	// swapped out in tests.
	allocFrameFn = allocator.AllocFrame
	freeFrameFn  = allocator.FreeFrame
	cloneFn      = vmm.CloneKernelPML4ForUser
	withSpaceFn  = vmm.WithAddressSpace
	mapUserFn    = vmm.MapUserPage
	destroyFn    = vmm.DestroyUserAddressSpaceWithOptions
	spawnUserFn  = sched.SpawnUserTaskOwningCode
)

// LoadedProgram describes a flat binary image that has been mapped into a
// fresh user address space and is ready to be spawned as a task.
type LoadedProgram struct {
	// CR3 is the physical address of the address space's PML4.
	CR3 uintptr

	// EntryRIP is the virtual address execution should resume at.
	EntryRIP uintptr

	// UserRSP is the initial user-mode stack pointer.
	UserRSP uintptr

	// ImageLen is the size in bytes of the loaded image.
	ImageLen int

	// CodePageCount is the number of USER_CODE pages the image occupies.
	CodePageCount int
}

// MapProgramImageIntoUserAddressSpace validates image, clones the kernel
// PML4 into a fresh user CR3, and maps image into USER_CODE starting at
// vmm.UserCodeBase plus a single bootstrap stack page at the top of
// USER_STACK.
//
// Every physical frame this function might need (one per code page, plus
// one for the bootstrap stack page) is allocated up front, before any
// mapping takes place, so that a later step can never fail because an
// earlier one exhausted memory. If anything past CR3 creation fails, the
// address space is destroyed and every frame allocated here is returned to
// the pmm before the error is reported.
func MapProgramImageIntoUserAddressSpace(image []byte) (LoadedProgram, *kernel.Error) {
	if len(image) == 0 {
		return LoadedProgram{}, errEmptyImage
	}
	if mem.Size(len(image)) > vmm.UserCodeMaxSize {
		return LoadedProgram{}, errImageTooLarge
	}

	codePageCount := (len(image) + int(mem.PageSize) - 1) / int(mem.PageSize)

	cr3, err := cloneFn()
	if err != nil {
		return LoadedProgram{}, err
	}

	codePFNs, stackPFN, err := allocateImageFrames(codePageCount)
	if err != nil {
		destroyFn(cr3, false)
		releaseFrames(codePFNs, stackPFN)
		return LoadedProgram{}, err
	}

	if err := mapAndCopyImage(cr3, image, codePFNs, stackPFN); err != nil {
		// destroyFn releases whichever pages had already been mapped
		// before the failure; releaseFrames covers the rest (frames
		// allocated above but never reached by a mapUserFn call). A
		// frame freed by both calls is simply rejected the second
		// time by FreeFrame's double-free check.
		destroyFn(cr3, true)
		releaseFrames(codePFNs, stackPFN)
		return LoadedProgram{}, err
	}

	return LoadedProgram{
		CR3:           cr3,
		EntryRIP:      vmm.UserCodeBase,
		UserRSP:       vmm.UserStackTop - 16,
		ImageLen:      len(image),
		CodePageCount: codePageCount,
	}, nil
}

// allocateImageFrames reserves every physical frame MapProgramImageIntoUserAddressSpace
// will need before any of them are mapped.
func allocateImageFrames(codePageCount int) (codePFNs []pmm.Frame, stackPFN pmm.Frame, err *kernel.Error) {
	codePFNs = make([]pmm.Frame, 0, codePageCount)
	stackPFN = pmm.InvalidFrame
	for i := 0; i < codePageCount; i++ {
		frame, ferr := allocFrameFn()
		if ferr != nil {
			return codePFNs, stackPFN, ferr
		}
		codePFNs = append(codePFNs, frame)
	}

	stackPFN, err = allocFrameFn()
	if err != nil {
		return codePFNs, pmm.InvalidFrame, err
	}

	return codePFNs, stackPFN, nil
}

// mapAndCopyImage runs entirely under cr3: it maps every code page
// writable, zeroes it, copies in the corresponding slice of image, remaps
// it read-only, and finally maps the bootstrap stack page.
func mapAndCopyImage(cr3 uintptr, image []byte, codePFNs []pmm.Frame, stackPFN pmm.Frame) *kernel.Error {
	return withSpaceFn(cr3, func() *kernel.Error {
		for i, frame := range codePFNs {
			va := vmm.UserCodeBase + uintptr(i)*uintptr(mem.PageSize)
			if err := mapUserFn(va, frame, true); err != nil {
				return err
			}
			mem.Memset(va, 0, mem.PageSize)

			start := i * int(mem.PageSize)
			end := start + int(mem.PageSize)
			if end > len(image) {
				end = len(image)
			}
			copyBytes(va, image[start:end])
		}

		for i, frame := range codePFNs {
			va := vmm.UserCodeBase + uintptr(i)*uintptr(mem.PageSize)
			if err := mapUserFn(va, frame, false); err != nil {
				return err
			}
		}

		stackPageVA := vmm.UserStackTop - uintptr(mem.PageSize)
		return mapUserFn(stackPageVA, stackPFN, true)
	})
}

// SpawnLoadedProgram hands loaded to the scheduler. On any failure the
// address space and every USER_CODE/USER_STACK frame it owns are released
// back to the pmm; the caller never has to clean up a partially-spawned
// program.
func SpawnLoadedProgram(loaded LoadedProgram) (int, *kernel.Error) {
	taskID, err := spawnUserFn(loaded.EntryRIP, loaded.UserRSP, loaded.CR3)
	if err != nil {
		destroyFn(loaded.CR3, true)
		return 0, errSpawnFailed
	}
	return taskID, nil
}

// copyBytes overlays a []byte onto addr and copies src into it. addr must
// already be mapped writable for len(src) bytes.
func copyBytes(addr uintptr, src []byte) {
	if len(src) == 0 {
		return
	}
	dst := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  len(src),
		Cap:  len(src),
		Data: addr,
	}))
	copy(dst, src)
}

func releaseFrames(codePFNs []pmm.Frame, stackPFN pmm.Frame) {
	for _, frame := range codePFNs {
		_ = freeFrameFn(frame)
	}
	if stackPFN != pmm.InvalidFrame {
		_ = freeFrameFn(stackPFN)
	}
}
