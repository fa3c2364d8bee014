// Package sched implements a single-core, preemptive round-robin scheduler.
//
// Tasks are heap-allocated kernel stacks carrying a saved gate.Registers
// frame. Selection happens inside the timer IRQ handler: OnTimerTick is
// handed the interrupted frame and returns the frame execution should
// resume from, which may belong to a different task entirely. The actual
// stack switch happens when the IRQ trampoline's iretq loads that returned
// frame's RSP/CS/SS/RIP/RFLAGS.
package sched

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/gdt"
	"gopheros/kernel/heap"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/sync"
	"reflect"
	"unsafe"
)

const (
	taskStackSize  = 64 * 1024
	stackAlignment = 16
	pageSize       = 4096

	rflagsIF       = uint64(1) << 9
	rflagsReserved = uint64(1) << 1
	defaultRFlags  = rflagsIF | rflagsReserved
)

var (
	errNotInitialized        = &kernel.Error{Module: "sched", Message: "scheduler has not been initialized"}
	errStackAllocationFailed = &kernel.Error{Module: "sched", Message: "task stack allocation failed"}
)

// SchedulerArchCallbacks isolates the MMU/TSS operations the core selection
// algorithm depends on, so tests can supply fakes without touching real
// hardware state.
type SchedulerArchCallbacks struct {
	ReadKernelCR3 func() uintptr
	SetKernelRSP0 func(uintptr)
	SwitchCR3     func(uintptr)
}

func defaultArchCallbacks() SchedulerArchCallbacks {
	return SchedulerArchCallbacks{
		ReadKernelCR3: cpu.ActivePDT,
		SetKernelRSP0: gdt.SetKernelRSP0,
		SwitchCR3:     cpu.SwitchPDT,
	}
}

var (
	archCallbacks = defaultArchCallbacks()

	// allocStackFn and freeStackFn are swapped out in tests so task stacks
	// can live on the Go heap instead of the kernel heap package.
	allocStackFn = allocateTaskStack
	freeStackFn  = freeTaskStack
)

// SetArchCallbacks replaces the MMU/TSS backend used by the scheduler core.
func SetArchCallbacks(cb SchedulerArchCallbacks) {
	cb0 := cb
	lock.Acquire()
	archCallbacks = cb0
	lock.Release()
}

// ResetArchCallbacksToDefault restores the real x86_64 backend.
func ResetArchCallbacksToDefault() {
	lock.Acquire()
	archCallbacks = defaultArchCallbacks()
	lock.Release()
}

var lock sync.IRQLock

// schedState holds every piece of mutable scheduler state. It is always
// accessed while holding lock.
type schedState struct {
	initialized bool
	started     bool

	bootstrapFrame *gate.Registers

	runningSlot int // -1 when no task is running
	cursor      int

	runQueue []int
	tasks    []task

	pendingFreeStacks []stackRange

	kernelCR3 uintptr
	activeCR3 uintptr
}

const noRunningSlot = -1

var state = schedState{runningSlot: noRunningSlot}

// Init resets all scheduler state, frees any previously allocated task
// stacks and registers the timer IRQ handler that drives preemption.
func Init() {
	var toFree []stackRange

	lock.Acquire()
	toFree = append(toFree, state.pendingFreeStacks...)
	for i := range state.tasks {
		if state.tasks[i].state != Free {
			toFree = append(toFree, stackRange{base: state.tasks[i].stackBase})
		}
	}

	state = schedState{
		initialized: true,
		runningSlot: noRunningSlot,
	}
	state.kernelCR3 = archCallbacks.ReadKernelCR3()
	state.activeCR3 = state.kernelCR3
	lock.Release()

	for _, r := range toFree {
		freeStackFn(r.base)
	}

	gate.HandleInterruptReturningFrame(gate.IRQTimer, 0, timerIRQHandler)
}

// Start marks the scheduler active if it has been initialized and at least
// one task has been spawned. The round-robin cursor is positioned so the
// very first tick selects slot 0.
func Start() {
	lock.Acquire()
	defer lock.Release()

	if !state.initialized || len(state.runQueue) == 0 {
		return
	}
	state.started = true
	state.bootstrapFrame = nil
	state.runningSlot = noRunningSlot
	state.cursor = len(state.runQueue) - 1
}

func timerIRQHandler(frame *gate.Registers) *gate.Registers {
	return OnTimerTick(frame)
}

// allocateTaskStack heap-allocates a stack and touches every page so the
// first access does not fault from inside IRQ context.
func allocateTaskStack() (uintptr, *kernel.Error) {
	ptr, err := heap.MallocAligned(taskStackSize, stackAlignment)
	if err != nil {
		return 0, err
	}

	base := uintptr(ptr)
	for off := uintptr(0); off < taskStackSize; off += pageSize {
		*(*byte)(unsafe.Pointer(base + off)) = 0
	}
	return base, nil
}

func freeTaskStack(base uintptr) {
	if base == 0 {
		return
	}
	if err := heap.Free(unsafe.Pointer(base)); err != nil {
		kfmt.Printf("[SCHED] failed to free task stack at %16x: %s\n", uint64(base), err.Error())
	}
}

func alignDown(value, align uintptr) uintptr {
	return value &^ (align - 1)
}

// buildKernelFrame lays out the initial saved register/IRETQ frame for a
// kernel task at the top of its stack, with one 8-byte slot below it holding
// a synthetic return address: if entry ever returns, execution traps into
// taskReturnTrap rather than running off the end of the stack.
func buildKernelFrame(stackBase uintptr, entry uintptr) (*gate.Registers, uintptr) {
	stackTop := stackBase + taskStackSize

	entryRSP := alignDown(stackTop, stackAlignment) - 8
	frameAddr := entryRSP - unsafe.Sizeof(gate.Registers{})
	frameAddr = alignDown(frameAddr, 8)

	*(*uintptr)(unsafe.Pointer(entryRSP)) = taskReturnTrapAddr

	frame := (*gate.Registers)(unsafe.Pointer(frameAddr))
	*frame = gate.Registers{
		RIP:    uint64(entry),
		CS:     uint64(gdt.KernelCodeSelector),
		RFlags: defaultRFlags,
		RSP:    uint64(entryRSP),
		SS:     uint64(gdt.KernelDataSelector),
	}
	return frame, stackTop
}

// buildUserFrame lays out the initial IRETQ frame for a ring-3 task.
func buildUserFrame(stackBase uintptr, entryRIP, userRSP uintptr) (*gate.Registers, uintptr) {
	stackTop := stackBase + taskStackSize
	frameAddr := alignDown(stackTop, stackAlignment) - unsafe.Sizeof(gate.Registers{})

	frame := (*gate.Registers)(unsafe.Pointer(frameAddr))
	*frame = gate.Registers{
		RIP:    uint64(entryRIP),
		CS:     uint64(gdt.UserCodeSelector),
		RFlags: defaultRFlags,
		RSP:    uint64(userRSP),
		SS:     uint64(gdt.UserDataSelector),
	}
	return frame, stackTop
}

// taskReturnTrapAddr is the synthetic return address written below a
// kernel task's entry frame: if entry ever returns instead of calling
// ExitCurrentTask itself, control traps here and terminates the task
// instead of running off the end of the stack.
var taskReturnTrapAddr = reflect.ValueOf(taskReturnTrap).Pointer()

func taskReturnTrap() {
	ExitCurrentTask()
}

type spawnRequest struct {
	isUser       bool
	entry        uintptr // kernel entry
	entryRIP     uintptr // user entry
	userRSP      uintptr
	cr3          uintptr
	ownsUserCode bool
}

// SpawnKernelTask creates a new kernel-mode task whose entry point is entry.
func SpawnKernelTask(entry uintptr) (int, *kernel.Error) {
	return spawn(spawnRequest{entry: entry})
}

// SpawnUserTask creates a ring-3 task resuming at rip with stack rsp inside
// address space cr3.
func SpawnUserTask(rip, rsp, cr3 uintptr) (int, *kernel.Error) {
	return spawn(spawnRequest{isUser: true, entryRIP: rip, userRSP: rsp, cr3: cr3})
}

// SpawnKernelTaskFunc spawns a kernel task whose entry point is a Go
// function value. It exists because SpawnKernelTask takes a raw uintptr
// entry address (the form the saved IRETQ frame actually stores); most
// callers have an ordinary Go func instead.
func SpawnKernelTaskFunc(entry func()) (int, *kernel.Error) {
	return SpawnKernelTask(reflect.ValueOf(entry).Pointer())
}

// SpawnUserTaskOwningCode is identical to SpawnUserTask but additionally
// records that the USER_CODE physical frames backing this task should be
// released back to the PMM when the task is torn down.
func SpawnUserTaskOwningCode(rip, rsp, cr3 uintptr) (int, *kernel.Error) {
	return spawn(spawnRequest{isUser: true, entryRIP: rip, userRSP: rsp, cr3: cr3, ownsUserCode: true})
}

func spawn(req spawnRequest) (int, *kernel.Error) {
	lock.Acquire()
	initialized := state.initialized
	lock.Release()
	if !initialized {
		return 0, errNotInitialized
	}

	// Allocate the stack outside the scheduler lock: heap.Malloc acquires
	// the heap's own lock, and nesting locks in the opposite order
	// elsewhere would risk a deadlock.
	stackBase, err := allocStackFn()
	if err != nil {
		return 0, errStackAllocationFailed
	}

	var frame *gate.Registers
	var stackTop uintptr
	if req.isUser {
		frame, stackTop = buildUserFrame(stackBase, req.entryRIP, req.userRSP)
	} else {
		frame, stackTop = buildKernelFrame(stackBase, req.entry)
	}

	lock.Acquire()
	defer lock.Release()

	if !state.initialized {
		freeStackFn(stackBase)
		return 0, errNotInitialized
	}

	slot := -1
	for i := range state.tasks {
		if state.tasks[i].state == Free {
			slot = i
			break
		}
	}
	if slot == -1 {
		state.tasks = append(state.tasks, task{})
		slot = len(state.tasks) - 1
	}

	state.tasks[slot] = task{
		state:        Ready,
		frame:        frame,
		stackBase:    stackBase,
		stackTop:     stackTop,
		isUser:       req.isUser,
		ownsUserCode: req.ownsUserCode,
		cr3:          req.cr3,
	}
	state.runQueue = append(state.runQueue, slot)

	return slot, nil
}

// YieldNow forces an immediate reschedule by raising the timer vector as a
// software interrupt; this enters the same code path as a real timer IRQ.
func YieldNow() {
	triggerYield()
}

// triggerYield issues `int $IRQTimer`. Declared as an indirection so tests
// can observe yield requests without executing a real software interrupt.
var triggerYield = realTriggerYield

func realTriggerYield() {
	softInterruptTimer()
}

// softInterruptTimer raises the timer vector via a software interrupt.
func softInterruptTimer()

// BlockTask transitions task id to the Blocked state. Blocked tasks are
// skipped by round-robin selection until UnblockTask is called.
func BlockTask(id int32) {
	lock.Acquire()
	defer lock.Release()
	i := int(id)
	if i >= 0 && i < len(state.tasks) && state.tasks[i].state != Free && state.tasks[i].state != Blocked {
		state.tasks[i].state = Blocked
	}
}

// UnblockTask transitions a Blocked task back to Ready.
func UnblockTask(id int32) {
	lock.Acquire()
	defer lock.Release()
	i := int(id)
	if i >= 0 && i < len(state.tasks) && state.tasks[i].state == Blocked {
		state.tasks[i].state = Ready
	}
}

// MarkCurrentAsZombie marks the currently running task as a zombie. The
// slot remains reserved until the next tick reaps it. Panics if called
// outside a scheduled task context.
func MarkCurrentAsZombie() {
	lock.Acquire()
	defer lock.Release()
	if state.runningSlot == noRunningSlot {
		kfmt.Panic("sched: MarkCurrentAsZombie called outside scheduled task")
	}
	state.tasks[state.runningSlot].state = Zombie
}

// ExitCurrentTask marks the caller as a zombie and forces an immediate
// reschedule. It never returns: the reschedule triggered by YieldNow moves
// execution off this stack, and the spin loop below is never reached except
// for the vanishingly brief window before the interrupt actually fires.
func ExitCurrentTask() {
	MarkCurrentAsZombie()
	YieldNow()
	for {
		cpu.Halt()
	}
}

// CurrentTaskID returns the slot of the currently running task, or -1 if
// none (i.e. bootstrap/idle context).
func CurrentTaskID() int32 {
	lock.Acquire()
	defer lock.Release()
	return int32(state.runningSlot)
}

// RemoveTask removes id from the run queue and defers its stack for
// deallocation on the next tick. If the task owns a user address space, the
// CR3 is destroyed -- unless it is currently active and no distinct kernel
// CR3 is configured, in which case the CR3 is logged and leaked rather than
// torn down out from under the running CPU.
func RemoveTask(id int32) bool {
	lock.Acquire()
	defer lock.Release()
	return removeTaskLocked(int(id))
}

func removeTaskLocked(id int) bool {
	if id < 0 || id >= len(state.tasks) || state.tasks[id].state == Free {
		return false
	}

	pos := -1
	for i, slot := range state.runQueue {
		if slot == id {
			pos = i
			break
		}
	}
	if pos == -1 {
		return false
	}

	t := state.tasks[id]
	if t.isUser {
		if state.activeCR3 == t.cr3 {
			if state.kernelCR3 != 0 && state.kernelCR3 != t.cr3 {
				archCallbacks.SwitchCR3(state.kernelCR3)
				state.activeCR3 = state.kernelCR3
				destroyAddressSpaceLocked(t)
			} else {
				kfmt.Printf("[SCHED] cannot tear down active CR3 %16x: no distinct kernel CR3 configured; leaking\n", uint64(t.cr3))
			}
		} else {
			destroyAddressSpaceLocked(t)
		}
	}

	if t.stackBase != 0 {
		state.pendingFreeStacks = append(state.pendingFreeStacks, stackRange{base: t.stackBase})
	}

	state.runQueue = append(state.runQueue[:pos], state.runQueue[pos+1:]...)
	if state.runningSlot == id {
		state.runningSlot = noRunningSlot
	}
	state.tasks[id] = task{state: Free}

	switch {
	case len(state.runQueue) == 0:
		state.cursor = 0
	case pos < state.cursor:
		state.cursor--
	case state.cursor >= len(state.runQueue):
		state.cursor = len(state.runQueue) - 1
	}

	return true
}

// destroyAddressSpaceFn tears down a user CR3, optionally releasing its
// USER_CODE physical frames. It is swapped out in tests and wired to
// vmm.DestroyUserAddressSpaceWithOptions via SetAddressSpaceDestroyer during
// kernel startup.
var destroyAddressSpaceFn = func(cr3 uintptr, releaseUserCode bool) {}

// SetAddressSpaceDestroyer registers the function RemoveTask uses to tear
// down a user task's address space once its last reference is gone. Must be
// called once during startup, after the vmm package has a frame releaser
// configured.
func SetAddressSpaceDestroyer(destroyFn func(cr3 uintptr, releaseUserCode bool)) {
	destroyAddressSpaceFn = destroyFn
}

func destroyAddressSpaceLocked(t task) {
	destroyAddressSpaceFn(t.cr3, t.ownsUserCode)
}

func reapZombiesLocked() {
	i := 0
	for i < len(state.runQueue) {
		slot := state.runQueue[i]
		if state.tasks[slot].state == Zombie {
			removeTaskLocked(slot)
			continue
		}
		i++
	}
}

func bootstrapOrCurrentLocked(current *gate.Registers) *gate.Registers {
	if state.bootstrapFrame != nil {
		return state.bootstrapFrame
	}
	return current
}

func resolveFrameLocked(frame *gate.Registers) int {
	addr := uintptr(unsafe.Pointer(frame))
	for _, slot := range state.runQueue {
		if state.tasks[slot].withinStack(addr) {
			return slot
		}
	}
	return -1
}

func frameWithinAnyTaskStackLocked(frame *gate.Registers) bool {
	addr := uintptr(unsafe.Pointer(frame))
	for i := range state.tasks {
		if state.tasks[i].state != Free && state.tasks[i].withinStack(addr) {
			return true
		}
	}
	for _, r := range state.pendingFreeStacks {
		if addr >= r.base && addr < r.base+taskStackSize {
			return true
		}
	}
	return false
}

func applySelectedAddressSpaceLocked(slot int) {
	t := &state.tasks[slot]
	target := state.kernelCR3
	if t.isUser {
		target = t.cr3
	}
	if target == 0 || state.activeCR3 == target {
		return
	}
	archCallbacks.SwitchCR3(target)
	state.activeCR3 = target
}

func selectNextTaskLocked(baseSlot int, current *gate.Registers) *gate.Registers {
	if prev := state.runningSlot; prev != noRunningSlot && prev < len(state.tasks) && state.tasks[prev].state == Running {
		state.tasks[prev].state = Ready
	}

	n := len(state.runQueue)
	basePos := state.cursor
	if baseSlot != -1 {
		for i, slot := range state.runQueue {
			if slot == baseSlot {
				basePos = i
				break
			}
		}
	}
	start := (basePos + 1) % n

	for step := 0; step < n; step++ {
		pos := (start + step) % n
		slot := state.runQueue[pos]
		switch state.tasks[slot].state {
		case Blocked, Zombie:
			continue
		}
		if !state.tasks[slot].withinStack(uintptr(unsafe.Pointer(state.tasks[slot].frame))) {
			continue
		}

		state.tasks[slot].state = Running
		state.cursor = pos
		state.runningSlot = slot

		if state.tasks[slot].isUser {
			archCallbacks.SetKernelRSP0(state.tasks[slot].stackTop)
		}
		applySelectedAddressSpaceLocked(slot)

		return state.tasks[slot].frame
	}

	state.runningSlot = noRunningSlot
	return bootstrapOrCurrentLocked(current)
}

// OnTimerTick is the scheduler core, executed on every timer IRQ (and on
// every syscall dispatch for Yield/Exit). It is handed the frame the CPU
// was interrupted at and returns the frame execution should resume from.
func OnTimerTick(current *gate.Registers) *gate.Registers {
	lock.Acquire()

	if !state.started {
		lock.Release()
		return current
	}

	reapZombiesLocked()

	if len(state.runQueue) == 0 {
		state.runningSlot = noRunningSlot
		toFree := state.pendingFreeStacks
		state.pendingFreeStacks = nil
		frame := bootstrapOrCurrentLocked(current)
		lock.Release()
		for _, r := range toFree {
			freeStackFn(r.base)
		}
		return frame
	}

	detected := resolveFrameLocked(current)
	if detected == -1 && !frameWithinAnyTaskStackLocked(current) {
		state.bootstrapFrame = current
	}

	toFree := state.pendingFreeStacks
	state.pendingFreeStacks = nil

	if detected != -1 {
		state.tasks[detected].frame = current
	} else if state.runningSlot != noRunningSlot {
		frame := state.tasks[state.runningSlot].frame
		lock.Release()
		for _, r := range toFree {
			freeStackFn(r.base)
		}
		return frame
	}

	result := selectNextTaskLocked(detected, current)
	lock.Release()

	for _, r := range toFree {
		freeStackFn(r.base)
	}
	return result
}

// TaskState returns the lifecycle state of id, and whether the slot is
// currently in use.
func TaskState(id int32) (State, bool) {
	lock.Acquire()
	defer lock.Release()
	i := int(id)
	if i < 0 || i >= len(state.tasks) || state.tasks[i].state == Free {
		return 0, false
	}
	return state.tasks[i].state, true
}
