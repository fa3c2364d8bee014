package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"unsafe"
)

// Fixed layout for user address spaces. A single flat binary is mapped at
// UserCodeBase and a single bootstrap stack page sits just below
// UserStackTop; UserStackGuardPage is always left unmapped so a stack
// overflow faults instead of silently corrupting the page below it.
const (
	// UserCodeBase is the fixed virtual address where a loaded program's
	// first byte is mapped.
	UserCodeBase = uintptr(0x0000_7000_0000_0000)

	// UserCodeMaxSize bounds how large a single flat image may be.
	UserCodeMaxSize = mem.Size(2 * mem.Mb)

	// UserStackBase is the lowest address of the user stack region.
	UserStackBase = uintptr(0x0000_7fff_eff0_0000)

	// UserStackTop is the first address past the user stack region; the
	// initial stack pointer is derived from this address.
	UserStackTop = uintptr(0x0000_7fff_f000_0000)

	// UserStackGuardPage is the single page immediately below
	// UserStackBase. It is never mapped.
	UserStackGuardPage = UserStackBase - uintptr(mem.PageSize)
)

// FrameReleaserFn is a function that returns a previously allocated physical
// frame to the pmm.
type FrameReleaserFn func(pmm.Frame) *kernel.Error

var (
	// frameReleaser points to a frame release function registered using
	// SetFrameReleaser. Until this is set, DestroyUserAddressSpaceWithOptions
	// tears nothing down and returns errNoFrameReleaser.
	frameReleaser FrameReleaserFn

	errNotUserRegion   = &kernel.Error{Module: "vmm", Message: "virtual address does not belong to a user region"}
	errUserGuardPage   = &kernel.Error{Module: "vmm", Message: "virtual address falls on the user stack guard page"}
	errNoFrameReleaser = &kernel.Error{Module: "vmm", Message: "no frame releaser registered"}
)

// SetFrameReleaser registers the function used to return physical frames
// reclaimed while tearing down a user address space.
func SetFrameReleaser(releaseFn FrameReleaserFn) {
	frameReleaser = releaseFn
}

// isUserCodeRegion reports whether va lies within [UserCodeBase, UserCodeBase+UserCodeMaxSize).
func isUserCodeRegion(va uintptr) bool {
	return va >= UserCodeBase && va < UserCodeBase+uintptr(UserCodeMaxSize)
}

// isUserStackRegion reports whether va lies within [UserStackBase, UserStackTop).
func isUserStackRegion(va uintptr) bool {
	return va >= UserStackBase && va < UserStackTop
}

// MapUserPage establishes a user-accessible mapping for va in the currently
// active address space. va must fall inside USER_CODE or USER_STACK and must
// not be the stack guard page. Calling MapUserPage twice for the same va with
// a different frame or writable flag simply reinstalls the mapping with the
// new permissions and flushes the stale TLB entry.
func MapUserPage(va uintptr, frame pmm.Frame, writable bool) *kernel.Error {
	page := PageFromAddress(va)
	if page == PageFromAddress(UserStackGuardPage) {
		return errUserGuardPage
	}
	if !isUserCodeRegion(va) && !isUserStackRegion(va) {
		return errNotUserRegion
	}

	flags := FlagPresent | FlagUserAccessible
	if writable {
		flags |= FlagRW
	}

	return mapFn(page, frame, flags)
}

// UnmapVirtualAddress clears the leaf mapping for va in the active address
// space and returns the physical frame it pointed to.
func UnmapVirtualAddress(va uintptr) (pmm.Frame, *kernel.Error) {
	pte, err := pteForAddress(va)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	frame := pte.Frame()

	if err := unmapFn(PageFromAddress(va)); err != nil {
		return pmm.InvalidFrame, err
	}
	return frame, nil
}

// CloneKernelPML4ForUser allocates a fresh top-level page table, copies the
// currently active kernel PML4 into it so kernel code/data remain mapped
// regardless of which address space is active, and rewrites the clone's
// recursive self-map entry (511) to point back at the clone itself. The
// returned value is the physical address to load into CR3 for this address
// space.
func CloneKernelPML4ForUser() (uintptr, *kernel.Error) {
	newFrame, err := frameAllocator()
	if err != nil {
		return 0, err
	}

	scratch, err := mapTemporaryFn(newFrame)
	if err != nil {
		return 0, err
	}

	mem.Memcopy(pdtVirtualAddr, scratch.Address(), mem.PageSize)

	lastEntry := (*pageTableEntry)(unsafe.Pointer(scratch.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(newFrame)

	_ = unmapFn(scratch)

	return newFrame.Address(), nil
}

// WithAddressSpace runs fn with cr3 loaded as the active address space,
// restoring the caller's original CR3 (and interrupt state) before
// returning, regardless of the value fn returns. Nesting is safe: an inner
// WithAddressSpace call restores the outer one's cr3, not the very first
// caller's.
func WithAddressSpace(cr3 uintptr, fn func() *kernel.Error) *kernel.Error {
	wasEnabled := cpu.InterruptsEnabled()
	if wasEnabled {
		cpu.DisableInterrupts()
	}

	prevCR3 := activePDTFn()
	if cr3 != prevCR3 {
		switchPDTFn(cr3)
	}

	err := fn()

	if cr3 != prevCR3 {
		switchPDTFn(prevCR3)
	}
	if wasEnabled {
		cpu.EnableInterrupts()
	}

	return err
}

// DestroyUserAddressSpace tears down cr3, releasing USER_STACK PFNs but
// leaving USER_CODE PFNs alone (the caller still owns them, e.g. because it
// intends to reuse the image). It is equivalent to
// DestroyUserAddressSpaceWithOptions(cr3, false).
func DestroyUserAddressSpace(cr3 uintptr) *kernel.Error {
	return DestroyUserAddressSpaceWithOptions(cr3, false)
}

// DestroyUserAddressSpaceWithOptions tears down cr3: every mapped USER_CODE
// and USER_STACK page is unmapped, every intermediate page table that
// becomes empty as a result (PT, then its PD, then its PDP) is pruned and
// its frame released, and finally the PML4 frame itself is released.
// releaseCodeFrames controls whether USER_CODE leaf frames are returned to
// the pmm; loader-owned binaries want this, aliases of kernel-owned memory
// do not.
func DestroyUserAddressSpaceWithOptions(cr3 uintptr, releaseCodeFrames bool) *kernel.Error {
	if frameReleaser == nil {
		return errNoFrameReleaser
	}

	err := WithAddressSpace(cr3, func() *kernel.Error {
		tearDownRegion(UserCodeBase, UserCodeBase+uintptr(UserCodeMaxSize), releaseCodeFrames)
		tearDownRegion(UserStackBase, UserStackTop, true)
		return nil
	})
	if err != nil {
		return err
	}

	return frameReleaser(pmm.Frame(cr3 >> mem.PageShift))
}

// tearDownRegion walks every page in [startVA, endVA), unmapping present
// leaves and pruning any intermediate table that becomes empty as a result.
// Absent pages are skipped silently; DestroyUserAddressSpace is expected to
// be called against address spaces that may only be partially populated
// (e.g. a loader rollback after a partial mapping failure).
func tearDownRegion(startVA, endVA uintptr, releaseFrames bool) {
	for va := startVA; va < endVA; va += uintptr(mem.PageSize) {
		var ptes [pageLevels]*pageTableEntry
		fullyPresent := true

		walk(va, func(level uint8, pte *pageTableEntry) bool {
			ptes[level] = pte
			if !pte.HasFlags(FlagPresent) {
				fullyPresent = false
				return false
			}
			return true
		})
		if !fullyPresent {
			continue
		}

		leaf := ptes[pageLevels-1]
		leafFrame := leaf.Frame()
		leaf.ClearFlags(FlagPresent)
		flushTLBEntryFn(va)
		if releaseFrames {
			_ = frameReleaser(leafFrame)
		}

		// Prune now-empty intermediate tables, deepest first. The
		// table a given level's entry points to is addressed by
		// masking the NEXT level's entry pointer down to its
		// containing page, since recursive mapping places every
		// table's entries inside its own page.
		for level := int(pageLevels) - 2; level >= 0; level-- {
			childTableBase := uintptr(unsafe.Pointer(ptes[level+1])) &^ (uintptr(mem.PageSize) - 1)
			if !tableIsEmpty(childTableBase) {
				break
			}

			pte := ptes[level]
			tableFrame := pte.Frame()
			pte.ClearFlags(FlagPresent)
			_ = frameReleaser(tableFrame)
		}
	}
}

// tableIsEmpty reports whether every one of a table's 512 entries is
// non-present. tableBase must be the page-aligned virtual address at which
// the table's entries are visible (via the recursive mapping).
func tableIsEmpty(tableBase uintptr) bool {
	const entriesPerTable = 1 << 9
	for i := uintptr(0); i < entriesPerTable; i++ {
		entry := (*pageTableEntry)(unsafe.Pointer(tableBase + (i << mem.PointerShift)))
		if entry.HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}
