package gdt

import "testing"

func TestInitInstallsDescriptors(t *testing.T) {
	var gotSelector uint16
	var lgdtCalled bool

	defer func() {
		lgdtFn = lgdt
		ltrFn = ltr
	}()
	lgdtFn = func(uintptr) { lgdtCalled = true }
	ltrFn = func(sel uint16) { gotSelector = sel }

	Init(0xdeadbeef)

	if !lgdtCalled {
		t.Fatal("expected lgdt to be invoked")
	}
	if gotSelector != TSSSelector {
		t.Fatalf("expected ltr to be called with selector 0x%x; got 0x%x", TSSSelector, gotSelector)
	}
	if got := KernelRSP0(); got != 0xdeadbeef {
		t.Fatalf("expected RSP0 to be seeded with 0xdeadbeef; got 0x%x", got)
	}
	if KernelIST1() == 0 {
		t.Fatal("expected IST1 to point at a non-zero emergency stack address")
	}
}

func TestSetKernelRSP0(t *testing.T) {
	defer func() {
		lgdtFn = lgdt
		ltrFn = ltr
	}()
	lgdtFn = func(uintptr) {}
	ltrFn = func(uint16) {}

	Init(1)
	SetKernelRSP0(0x1000)
	if got := KernelRSP0(); got != 0x1000 {
		t.Fatalf("expected RSP0 = 0x1000; got 0x%x", got)
	}
}

func TestSelectorValues(t *testing.T) {
	cases := []struct {
		name string
		sel  uint16
		want uint16
	}{
		{"kernel code", KernelCodeSelector, 0x08},
		{"kernel data", KernelDataSelector, 0x10},
		{"user code", UserCodeSelector, 0x1B},
		{"user data", UserDataSelector, 0x23},
		{"tss", TSSSelector, 0x28},
	}
	for _, c := range cases {
		if c.sel != c.want {
			t.Errorf("%s: expected selector 0x%x; got 0x%x", c.name, c.want, c.sel)
		}
	}
}
