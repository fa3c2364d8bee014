package loader

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"testing"
)

func withMockedLoaderFns(t *testing.T) {
	savedAlloc, savedFree := allocFrameFn, freeFrameFn
	savedClone, savedWithSpace := cloneFn, withSpaceFn
	savedMapUser, savedDestroy, savedSpawn := mapUserFn, destroyFn, spawnUserFn

	t.Cleanup(func() {
		allocFrameFn, freeFrameFn = savedAlloc, savedFree
		cloneFn, withSpaceFn = savedClone, savedWithSpace
		mapUserFn, destroyFn, spawnUserFn = savedMapUser, savedDestroy, savedSpawn
	})
}

func TestMapProgramImageIntoUserAddressSpaceRejectsEmptyImage(t *testing.T) {
	withMockedLoaderFns(t)

	if _, err := MapProgramImageIntoUserAddressSpace(nil); err != errEmptyImage {
		t.Fatalf("expected errEmptyImage, got %v", err)
	}
}

func TestMapProgramImageIntoUserAddressSpaceRejectsOversizedImage(t *testing.T) {
	withMockedLoaderFns(t)

	image := make([]byte, int(vmm.UserCodeMaxSize)+1)
	if _, err := MapProgramImageIntoUserAddressSpace(image); err != errImageTooLarge {
		t.Fatalf("expected errImageTooLarge, got %v", err)
	}
}

func TestMapProgramImageIntoUserAddressSpaceReturnsCloneError(t *testing.T) {
	withMockedLoaderFns(t)

	wantErr := &kernel.Error{Module: "vmm", Message: "clone failed"}
	cloneFn = func() (uintptr, *kernel.Error) { return 0, wantErr }

	if _, err := MapProgramImageIntoUserAddressSpace([]byte{1, 2, 3}); err != wantErr {
		t.Fatalf("expected clone error, got %v", err)
	}
}

func TestMapProgramImageIntoUserAddressSpaceRollsBackOnFrameExhaustion(t *testing.T) {
	withMockedLoaderFns(t)

	var destroyedCR3 uintptr
	var releaseUserCode bool
	destroyFn = func(cr3 uintptr, releaseCode bool) *kernel.Error {
		destroyedCR3, releaseUserCode = cr3, releaseCode
		return nil
	}
	cloneFn = func() (uintptr, *kernel.Error) { return 0xf00d000, nil }

	wantErr := &kernel.Error{Module: "pmm", Message: "out of frames"}
	allocated := 0
	allocFrameFn = func() (pmm.Frame, *kernel.Error) {
		if allocated == 0 {
			allocated++
			return pmm.Frame(1), nil
		}
		return pmm.InvalidFrame, wantErr
	}

	freed := []pmm.Frame{}
	freeFrameFn = func(f pmm.Frame) *kernel.Error {
		freed = append(freed, f)
		return nil
	}

	// A two-page image forces a second allocFrameFn call (for the second
	// code page) to fail before the bootstrap stack frame is ever
	// requested.
	image := make([]byte, int(mem.PageSize)+1)
	if _, err := MapProgramImageIntoUserAddressSpace(image); err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if destroyedCR3 != 0xf00d000 || releaseUserCode {
		t.Fatalf("expected destroyFn(0xf00d000, false), got (%v, %v)", destroyedCR3, releaseUserCode)
	}
	if len(freed) != 1 || freed[0] != pmm.Frame(1) {
		t.Fatalf("expected the single allocated frame to be released, got %v", freed)
	}
}

func TestMapProgramImageIntoUserAddressSpaceRollsBackOnMappingFailure(t *testing.T) {
	withMockedLoaderFns(t)

	cloneFn = func() (uintptr, *kernel.Error) { return 0xf00d000, nil }

	nextFrame := pmm.Frame(1)
	allocFrameFn = func() (pmm.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	}

	withSpaceFn = func(cr3 uintptr, fn func() *kernel.Error) *kernel.Error {
		return fn()
	}

	wantErr := &kernel.Error{Module: "vmm", Message: "mapping refused"}
	mapUserFn = func(va uintptr, frame pmm.Frame, writable bool) *kernel.Error {
		return wantErr
	}

	var destroyedCR3 uintptr
	var releaseUserCode bool
	destroyFn = func(cr3 uintptr, releaseCode bool) *kernel.Error {
		destroyedCR3, releaseUserCode = cr3, releaseCode
		return nil
	}

	freed := map[pmm.Frame]int{}
	freeFrameFn = func(f pmm.Frame) *kernel.Error {
		freed[f]++
		return nil
	}

	image := []byte{1, 2, 3, 4}
	if _, err := MapProgramImageIntoUserAddressSpace(image); err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if destroyedCR3 != 0xf00d000 || !releaseUserCode {
		t.Fatalf("expected destroyFn(0xf00d000, true), got (%v, %v)", destroyedCR3, releaseUserCode)
	}
	// One code frame and one stack frame were allocated before the
	// mapping failure; releaseFrames must attempt to free both even
	// though destroyFn (mocked to a no-op here) didn't.
	if freed[pmm.Frame(1)] == 0 || freed[pmm.Frame(2)] == 0 {
		t.Fatalf("expected both allocated frames to be released, got %v", freed)
	}
}

func TestMapProgramImageIntoUserAddressSpaceSuccess(t *testing.T) {
	withMockedLoaderFns(t)

	cloneFn = func() (uintptr, *kernel.Error) { return 0xf00d000, nil }

	nextFrame := pmm.Frame(1)
	allocFrameFn = func() (pmm.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	}

	withSpaceFn = func(cr3 uintptr, fn func() *kernel.Error) *kernel.Error {
		return fn()
	}

	type mapping struct {
		va       uintptr
		frame    pmm.Frame
		writable bool
	}
	var mappings []mapping
	mapUserFn = func(va uintptr, frame pmm.Frame, writable bool) *kernel.Error {
		mappings = append(mappings, mapping{va, frame, writable})
		return nil
	}

	image := make([]byte, int(mem.PageSize)+10)
	for i := range image {
		image[i] = byte(i)
	}

	loaded, err := MapProgramImageIntoUserAddressSpace(image)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.CR3 != 0xf00d000 {
		t.Fatalf("unexpected CR3: %v", loaded.CR3)
	}
	if loaded.CodePageCount != 2 {
		t.Fatalf("expected 2 code pages, got %d", loaded.CodePageCount)
	}
	if loaded.ImageLen != len(image) {
		t.Fatalf("unexpected ImageLen: %d", loaded.ImageLen)
	}
	// writable pass (2) + read-only pass (2) + stack page (1) = 5 calls.
	if len(mappings) != 5 {
		t.Fatalf("expected 5 mapUserFn calls, got %d", len(mappings))
	}
	for i := 0; i < loaded.CodePageCount; i++ {
		if !mappings[i].writable {
			t.Fatalf("expected first pass over code page %d to be writable", i)
		}
	}
	for i := 0; i < loaded.CodePageCount; i++ {
		ro := mappings[loaded.CodePageCount+i]
		if ro.writable {
			t.Fatalf("expected second pass over code page %d to be read-only", i)
		}
	}
	stackMapping := mappings[len(mappings)-1]
	if !stackMapping.writable {
		t.Fatalf("expected the bootstrap stack page mapping to be writable")
	}
}

func TestSpawnLoadedProgramSuccess(t *testing.T) {
	withMockedLoaderFns(t)

	spawnUserFn = func(rip, rsp, cr3 uintptr) (int, *kernel.Error) {
		return 7, nil
	}

	loaded := LoadedProgram{CR3: 0xf00d000}
	taskID, err := SpawnLoadedProgram(loaded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taskID != 7 {
		t.Fatalf("unexpected task id: %d", taskID)
	}
}

func TestSpawnLoadedProgramDestroysAddressSpaceOnFailure(t *testing.T) {
	withMockedLoaderFns(t)

	spawnUserFn = func(rip, rsp, cr3 uintptr) (int, *kernel.Error) {
		return 0, &kernel.Error{Module: "sched", Message: "no room"}
	}

	var destroyedCR3 uintptr
	var releaseUserCode bool
	destroyFn = func(cr3 uintptr, releaseCode bool) *kernel.Error {
		destroyedCR3, releaseUserCode = cr3, releaseCode
		return nil
	}

	loaded := LoadedProgram{CR3: 0xf00d000}
	if _, err := SpawnLoadedProgram(loaded); err != errSpawnFailed {
		t.Fatalf("expected errSpawnFailed, got %v", err)
	}
	if destroyedCR3 != 0xf00d000 || !releaseUserCode {
		t.Fatalf("expected destroyFn(0xf00d000, true), got (%v, %v)", destroyedCR3, releaseUserCode)
	}
}
