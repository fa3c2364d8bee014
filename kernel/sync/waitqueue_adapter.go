package sync

// SleepOutcome describes the result of a conditional blocking attempt.
type SleepOutcome uint8

const (
	// ConditionFalse means the predicate already reported success; the
	// caller never blocked and should not yield.
	ConditionFalse SleepOutcome = iota

	// Blocked means the calling task was registered on the queue and
	// transitioned to the Blocked state; the caller should yield.
	Blocked

	// QueueFull means the queue had no room to register another waiter;
	// the caller should back off and retry later rather than proceeding
	// under a false assumption.
	QueueFull
)

// BlockTaskFn transitions a task to the Blocked state.
type BlockTaskFn func(taskID int32)

// UnblockTaskFn transitions a task back to Ready.
type UnblockTaskFn func(taskID int32)

// Adapter couples a wait queue to the scheduler via injected callbacks,
// mirroring the scheduler's own dependency-injected SchedulerArchCallbacks
// idiom so kernel/sync and the scheduler package can each be unit tested in
// isolation.
type Adapter struct {
	lock    IRQLock
	block   BlockTaskFn
	unblock UnblockTaskFn
}

// NewAdapter wires an Adapter to the scheduler's block/unblock operations.
func NewAdapter(block BlockTaskFn, unblock UnblockTaskFn) *Adapter {
	return &Adapter{block: block, unblock: unblock}
}

// SleepIfMulti atomically evaluates ready under disabled interrupts and, if
// it reports false, registers taskID on q and blocks it. Disabling
// interrupts around the check-register-block sequence prevents a wakeup
// that occurs between the check and the registration from being lost.
func (a *Adapter) SleepIfMulti(q *MultiWaitQueue, taskID int32, ready func() bool) SleepOutcome {
	a.lock.Acquire()
	defer a.lock.Release()

	if ready() {
		q.Forget(taskID)
		return ConditionFalse
	}

	if !q.Register(taskID) {
		return QueueFull
	}

	a.block(taskID)
	return Blocked
}

// SleepIfSingle is the SingleWaitQueue counterpart of SleepIfMulti.
func (a *Adapter) SleepIfSingle(q *SingleWaitQueue, taskID int32, ready func() bool) SleepOutcome {
	a.lock.Acquire()
	defer a.lock.Release()

	if ready() {
		q.Forget(taskID)
		return ConditionFalse
	}

	if !q.Register(taskID) {
		return QueueFull
	}

	a.block(taskID)
	return Blocked
}

// WakeAllMulti drains every registered waiter on q and unblocks each one.
func (a *Adapter) WakeAllMulti(q *MultiWaitQueue) {
	a.lock.Acquire()
	woken := q.DrainAll()
	a.lock.Release()

	for _, id := range woken {
		a.unblock(id)
	}
}

// WakeAllSingle wakes the sole waiter on q, if any.
func (a *Adapter) WakeAllSingle(q *SingleWaitQueue) {
	a.lock.Acquire()
	id, ok := q.Drain()
	a.lock.Release()

	if ok {
		a.unblock(id)
	}
}
