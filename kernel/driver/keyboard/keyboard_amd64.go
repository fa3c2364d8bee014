// Package keyboard implements a PS/2 keyboard driver: an IRQ1 top half that
// enqueues raw scancodes, and a scheduled worker task bottom half that
// decodes them into ASCII and wakes blocked readers.
package keyboard

import (
	"gopheros/kernel/cpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/sched"
	"gopheros/kernel/sync"
)

const (
	ctrlStatusReg    = uint16(0x64)
	dataPort         = uint16(0x60)
	statusOutBufFull = uint8(0x01)

	rawBufferCapacity   = 64
	inputBufferCapacity = 256

	scancodeTableLen = 0x59
)

// scancodesLower/scancodesUpper decode a make-code into its printable ASCII
// value (0 means "no printable character"); QWERTZ layout.
var scancodesLower = [scancodeTableLen]byte{
	0, 0x1B, '1', '2', '3', '4', '5', '6', '7', '8', '9', '0', 's', '=', 0x08, 0, 'q',
	'w', 'e', 'r', 't', 'z', 'u', 'i', 'o', 'p', '[', '+', '\n', 0, 'a', 's', 'd',
	'f', 'g', 'h', 'j', 'k', 'l', '{', '~', '<', 0, '#', 'y', 'x', 'c', 'v', 'b',
	'n', 'm', ',', '.', '-', 0, '*', 0, ' ', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var scancodesUpper = [scancodeTableLen]byte{
	0, 0x1B, '!', '"', '0', '$', '%', '&', '/', '(', ')', '=', '?', '`', 0x08, 0, 'Q',
	'W', 'E', 'R', 'T', 'Z', 'U', 'I', 'O', 'P', ']', '*', '\n', 0, 'A', 'S', 'D',
	'F', 'G', 'H', 'J', 'K', 'L', '}', '@', '>', 0, '\\', 'Y', 'X', 'C', 'V', 'B',
	'N', 'M', ';', ':', '_', 0, '*', 0, ' ', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

type decodeState struct {
	shift, capsLock, leftCtrl bool
}

var (
	raw    *sync.RingBuffer
	buffer *sync.RingBuffer

	rawWaitQueue   *sync.SingleWaitQueue
	inputWaitQueue *sync.MultiWaitQueue
	adapter        *sync.Adapter

	stateLock sync.Spinlock
	state     decodeState

	inbFn = cpu.Inb
)

// Init resets driver state, registers the IRQ1 handler and spawns the
// decode worker task. The scheduler must already be initialized.
func Init() {
	raw = sync.MustNewRingBuffer(rawBufferCapacity)
	buffer = sync.MustNewRingBuffer(inputBufferCapacity)
	rawWaitQueue = sync.NewSingleWaitQueue()
	inputWaitQueue = sync.NewMultiWaitQueue()
	adapter = sync.NewAdapter(sched.BlockTask, sched.UnblockTask)

	stateLock.Acquire()
	state = decodeState{}
	stateLock.Release()

	gate.HandleInterrupt(gate.IRQKeyboard, 0, handleIRQ)
	sched.SpawnKernelTaskFunc(workerTask)
}

func handleIRQ(_ *gate.Registers) {
	status := inbFn(ctrlStatusReg)
	if status&statusOutBufFull == 0 {
		return
	}
	code := inbFn(dataPort)
	raw.Push(code)
	adapter.WakeAllSingle(rawWaitQueue)
}

// ReadChar returns a decoded character if one is already buffered.
func ReadChar() (byte, bool) {
	return buffer.Pop()
}

// ReadCharBlocking blocks the calling task until a decoded character is
// available, then returns it. Panics if called outside a scheduled task
// context.
func ReadCharBlocking() byte {
	for {
		if ch, ok := ReadChar(); ok {
			return ch
		}

		taskID := sched.CurrentTaskID()
		if taskID < 0 {
			panic("keyboard: ReadCharBlocking called outside scheduled task")
		}

		if adapter.SleepIfMulti(inputWaitQueue, taskID, func() bool { return !buffer.Empty() }) != sync.ConditionFalse {
			sched.YieldNow()
		}
	}
}

// workerTask drains raw scancodes, decodes them, and wakes blocked readers.
// It runs for the lifetime of the kernel.
func workerTask() {
	var taskID int32
	for {
		taskID = sched.CurrentTaskID()
		if taskID >= 0 {
			break
		}
		sched.YieldNow()
	}

	for {
		processPendingScancodes()

		if adapter.SleepIfSingle(rawWaitQueue, taskID, func() bool { return !raw.Empty() }) != sync.ConditionFalse {
			sched.YieldNow()
		}
	}
}

// processPendingScancodes drains every buffered raw scancode, decoding each
// into the input buffer, and returns whether any were processed.
func processPendingScancodes() bool {
	processedAny := false

	for {
		code, ok := raw.Pop()
		if !ok {
			break
		}

		stateLock.Acquire()
		handleScancode(&state, code)
		stateLock.Release()

		processedAny = true
	}

	if processedAny && !buffer.Empty() {
		adapter.WakeAllMulti(inputWaitQueue)
	}

	return processedAny
}

func handleScancode(s *decodeState, code byte) {
	if code&0x80 != 0 {
		handleBreak(s, code&0x7f)
	} else {
		handleMake(s, code)
	}
}

func handleBreak(s *decodeState, code byte) {
	switch code {
	case 0x1d:
		s.leftCtrl = false
	case 0x2a, 0x36:
		s.shift = false
	}
}

func handleMake(s *decodeState, code byte) {
	switch code {
	case 0x1d:
		s.leftCtrl = true
		return
	case 0x3a:
		s.capsLock = !s.capsLock
		return
	case 0x2a, 0x36:
		s.shift = true
		return
	}

	useUpper := s.shift
	if isAlpha(code) {
		useUpper = s.shift != s.capsLock
	}

	table := &scancodesLower
	if useUpper {
		table = &scancodesUpper
	}

	if int(code) >= len(table) {
		return
	}
	if key := table[code]; key != 0 {
		buffer.Push(key)
	}
}

func isAlpha(code byte) bool {
	return (code >= 0x10 && code <= 0x19) ||
		(code >= 0x1e && code <= 0x26) ||
		(code >= 0x2c && code <= 0x32)
}
