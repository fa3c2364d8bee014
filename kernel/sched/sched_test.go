package sched

import (
	"gopheros/kernel"
	"gopheros/kernel/gate"
	"testing"
	"unsafe"
)

// withTestStacks backs every task stack allocation with a plain Go byte
// slice instead of the kernel heap, and neutralizes the arch callbacks so
// tests never touch real CR3/TSS state.
func withTestStacks(t *testing.T) {
	t.Helper()

	var bufs [][]byte

	allocStackFn = func() (uintptr, *kernel.Error) {
		buf := make([]byte, taskStackSize)
		bufs = append(bufs, buf)
		return uintptr(unsafe.Pointer(&buf[0])), nil
	}
	freeStackFn = func(uintptr) {}

	SetArchCallbacks(SchedulerArchCallbacks{
		ReadKernelCR3: func() uintptr { return 0xf00 },
		SetKernelRSP0: func(uintptr) {},
		SwitchCR3:     func(uintptr) {},
	})

	origTrigger := triggerYield
	t.Cleanup(func() {
		allocStackFn = allocateTaskStack
		freeStackFn = freeTaskStack
		ResetArchCallbacksToDefault()
		triggerYield = origTrigger
	})
}

func resetSchedState() {
	state = schedState{runningSlot: noRunningSlot}
}

func TestSpawnBeforeInitFails(t *testing.T) {
	withTestStacks(t)
	resetSchedState()

	if _, err := SpawnKernelTask(0x1000); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", err)
	}
}

func TestRoundRobinSelection(t *testing.T) {
	withTestStacks(t)
	resetSchedState()
	Init()

	a, err := SpawnKernelTask(0x1000)
	if err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	b, err := SpawnKernelTask(0x2000)
	if err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	Start()

	frameA := state.tasks[a].frame
	next := OnTimerTick(frameA)
	if next != state.tasks[b].frame {
		t.Fatalf("expected tick from a's frame to select b")
	}

	next = OnTimerTick(next)
	if next != state.tasks[a].frame {
		t.Fatalf("expected tick from b's frame to select a")
	}
}

func TestBlockedTaskIsSkipped(t *testing.T) {
	withTestStacks(t)
	resetSchedState()
	Init()

	a, _ := SpawnKernelTask(0x1000)
	b, _ := SpawnKernelTask(0x2000)
	Start()

	BlockTask(int32(b))

	next := OnTimerTick(state.tasks[a].frame)
	if next != state.tasks[a].frame {
		t.Fatalf("expected only runnable task (a) to be reselected while b is blocked")
	}

	UnblockTask(int32(b))
	next = OnTimerTick(state.tasks[a].frame)
	if next != state.tasks[b].frame {
		t.Fatalf("expected b to be selected once unblocked")
	}
}

func TestZombieReapedOnNextTick(t *testing.T) {
	withTestStacks(t)
	resetSchedState()
	Init()

	a, _ := SpawnKernelTask(0x1000)
	b, _ := SpawnKernelTask(0x2000)
	Start()

	lock.Acquire()
	state.runningSlot = a
	state.tasks[a].state = Running
	lock.Release()

	// Simulate a's exit: mark zombie, then tick from a's own frame.
	MarkCurrentAsZombieForTest(a)
	next := OnTimerTick(state.tasks[a].frame)
	if next != state.tasks[b].frame {
		t.Fatalf("expected reschedule onto b after a became a zombie")
	}

	if st, ok := TaskState(int32(a)); ok {
		t.Fatalf("expected a's slot to be freed after reaping; got state=%v", st)
	}
}

func TestEmptyRunQueueReturnsBootstrapFrame(t *testing.T) {
	withTestStacks(t)
	resetSchedState()
	Init()

	a, _ := SpawnKernelTask(0x1000)
	Start()

	bootstrap := &gate.Registers{}
	next := OnTimerTick(bootstrap)
	if next != state.tasks[a].frame {
		t.Fatalf("expected the sole task to be selected from an unrecognised frame")
	}

	lock.Acquire()
	removeTaskLocked(a)
	lock.Release()

	next = OnTimerTick(next)
	if next == nil {
		t.Fatalf("expected a non-nil fallback frame once the run queue empties")
	}
}

// MarkCurrentAsZombieForTest marks an arbitrary (not necessarily running)
// slot as a zombie, bypassing the "must be the running task" panic so tests
// can set up reaping scenarios without a real context switch.
func MarkCurrentAsZombieForTest(id int) {
	lock.Acquire()
	state.tasks[id].state = Zombie
	lock.Release()
}
