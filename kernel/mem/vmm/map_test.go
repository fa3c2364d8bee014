package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"testing"
)

func TestIdentityMapRegion(t *testing.T) {
	defer func() { mapFn = Map }()

	startFrame := pmm.Frame(42)

	var gotPages []Page
	var gotFrames []pmm.Frame
	mapFn = func(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
		if exp := FlagPresent; flags != exp {
			t.Errorf("expected flags to be %d; got %d", exp, flags)
		}
		gotPages = append(gotPages, page)
		gotFrames = append(gotFrames, frame)
		return nil
	}

	page, err := IdentityMapRegion(startFrame, 3*mem.PageSize, FlagPresent)
	if err != nil {
		t.Fatal(err)
	}

	if exp := Page(startFrame); page != exp {
		t.Fatalf("expected returned page to be %d; got %d", exp, page)
	}

	if exp, got := 3, len(gotPages); exp != got {
		t.Fatalf("expected mapFn to be called %d times; got %d", exp, got)
	}

	for i := 0; i < 3; i++ {
		if exp, got := Page(startFrame)+Page(i), gotPages[i]; exp != got {
			t.Errorf("[call %d] expected page to be %d; got %d", i, exp, got)
		}

		if exp, got := startFrame+pmm.Frame(i), gotFrames[i]; exp != got {
			t.Errorf("[call %d] expected frame to be %d; got %d", i, exp, got)
		}
	}
}

func TestIdentityMapRegionRoundsSizeUpToPageBoundary(t *testing.T) {
	defer func() { mapFn = Map }()

	callCount := 0
	mapFn = func(Page, pmm.Frame, PageTableEntryFlag) *kernel.Error {
		callCount++
		return nil
	}

	if _, err := IdentityMapRegion(pmm.Frame(0), mem.PageSize+1, FlagPresent); err != nil {
		t.Fatal(err)
	}

	if exp := 2; callCount != exp {
		t.Fatalf("expected mapFn to be called %d times for a slightly-over-one-page region; got %d", exp, callCount)
	}
}

func TestIdentityMapRegionPropagatesMapError(t *testing.T) {
	defer func() { mapFn = Map }()

	expErr := &kernel.Error{Module: "test", Message: "mapFn failed"}
	mapFn = func(Page, pmm.Frame, PageTableEntryFlag) *kernel.Error { return expErr }

	if _, err := IdentityMapRegion(pmm.Frame(0), mem.PageSize, FlagPresent); err != expErr {
		t.Fatalf("expected to get %v; got %v", expErr, err)
	}
}
