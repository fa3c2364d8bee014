package keyboard

import (
	"gopheros/kernel/sync"
	"testing"
)

func withTestBuffers(t *testing.T) {
	t.Helper()
	buffer = sync.MustNewRingBuffer(inputBufferCapacity)
	state = decodeState{}
	t.Cleanup(func() {
		buffer = nil
		state = decodeState{}
	})
}

func TestHandleMakeLowercaseLetter(t *testing.T) {
	withTestBuffers(t)

	handleMake(&state, 0x1e) // 'a'

	ch, ok := buffer.Pop()
	if !ok || ch != 'a' {
		t.Fatalf("expected 'a'; got %q (ok=%v)", ch, ok)
	}
}

func TestHandleMakeShiftUppercases(t *testing.T) {
	withTestBuffers(t)

	handleMake(&state, 0x2a) // left shift make
	handleMake(&state, 0x1e) // 'a' while shifted

	ch, ok := buffer.Pop()
	if !ok || ch != 'A' {
		t.Fatalf("expected 'A'; got %q (ok=%v)", ch, ok)
	}
}

func TestHandleBreakReleasesShift(t *testing.T) {
	withTestBuffers(t)

	handleMake(&state, 0x2a)
	handleBreak(&state, 0x2a)
	handleMake(&state, 0x1e)

	ch, ok := buffer.Pop()
	if !ok || ch != 'a' {
		t.Fatalf("expected 'a' after shift release; got %q (ok=%v)", ch, ok)
	}
}

func TestCapsLockTogglesLettersOnly(t *testing.T) {
	withTestBuffers(t)

	handleMake(&state, 0x3a) // caps-lock make
	handleMake(&state, 0x1e) // 'a' -> 'A' under caps
	handleMake(&state, 0x02) // '1' is unaffected by caps lock

	ch1, _ := buffer.Pop()
	ch2, _ := buffer.Pop()
	if ch1 != 'A' {
		t.Fatalf("expected caps-lock to uppercase letters; got %q", ch1)
	}
	if ch2 != '1' {
		t.Fatalf("expected caps-lock to leave digits alone; got %q", ch2)
	}
}

func TestHandleScancodeDispatchesMakeAndBreak(t *testing.T) {
	withTestBuffers(t)

	handleScancode(&state, 0x1e)       // make 'a'
	handleScancode(&state, 0x1e|0x80) // break 'a', no output

	if _, ok := buffer.Pop(); !ok {
		t.Fatalf("expected a queued character from the make code")
	}
	if !buffer.Empty() {
		t.Fatalf("break code must not enqueue a character")
	}
}

func TestHandleIRQIgnoresEmptyOutputBuffer(t *testing.T) {
	withTestBuffers(t)
	raw = sync.MustNewRingBuffer(rawBufferCapacity)
	rawWaitQueue = sync.NewSingleWaitQueue()
	adapter = sync.NewAdapter(func(int32) {}, func(int32) {})

	origInb := inbFn
	t.Cleanup(func() { inbFn = origInb; raw = nil; rawWaitQueue = nil; adapter = nil })

	inbFn = func(port uint16) uint8 {
		if port == ctrlStatusReg {
			return 0
		}
		t.Fatalf("data port should not be read when output buffer is empty")
		return 0
	}

	handleIRQ(nil)

	if !raw.Empty() {
		t.Fatalf("expected no scancode to be queued")
	}
}

func TestHandleIRQQueuesScancode(t *testing.T) {
	withTestBuffers(t)
	raw = sync.MustNewRingBuffer(rawBufferCapacity)
	rawWaitQueue = sync.NewSingleWaitQueue()
	adapter = sync.NewAdapter(func(int32) {}, func(int32) {})

	origInb := inbFn
	t.Cleanup(func() { inbFn = origInb; raw = nil; rawWaitQueue = nil; adapter = nil })

	inbFn = func(port uint16) uint8 {
		switch port {
		case ctrlStatusReg:
			return statusOutBufFull
		case dataPort:
			return 0x1e
		}
		return 0
	}

	handleIRQ(nil)

	code, ok := raw.Pop()
	if !ok || code != 0x1e {
		t.Fatalf("expected queued scancode 0x1e; got %#x (ok=%v)", code, ok)
	}
}

func TestProcessPendingScancodesDecodesAndReportsActivity(t *testing.T) {
	withTestBuffers(t)
	raw = sync.MustNewRingBuffer(rawBufferCapacity)
	inputWaitQueue = sync.NewMultiWaitQueue()
	adapter = sync.NewAdapter(func(int32) {}, func(int32) {})
	t.Cleanup(func() { raw = nil; inputWaitQueue = nil; adapter = nil })

	raw.Push(0x1e) // 'a'

	if !processPendingScancodes() {
		t.Fatalf("expected processPendingScancodes to report activity")
	}

	ch, ok := buffer.Pop()
	if !ok || ch != 'a' {
		t.Fatalf("expected decoded 'a'; got %q (ok=%v)", ch, ok)
	}
}
