package sync

import "testing"

func newTestAdapter() (*Adapter, *[]int32, *[]int32) {
	var blocked, unblocked []int32
	a := NewAdapter(
		func(id int32) { blocked = append(blocked, id) },
		func(id int32) { unblocked = append(unblocked, id) },
	)
	return a, &blocked, &unblocked
}

func TestSleepIfMultiConditionAlreadyTrue(t *testing.T) {
	a, blocked, _ := newTestAdapter()
	q := NewMultiWaitQueue()

	outcome := a.SleepIfMulti(q, 1, func() bool { return true })
	if outcome != ConditionFalse {
		t.Fatalf("expected ConditionFalse; got %v", outcome)
	}
	if len(*blocked) != 0 {
		t.Fatal("expected no block call when the condition is already satisfied")
	}
}

func TestSleepIfMultiBlocksAndWakes(t *testing.T) {
	a, blocked, unblocked := newTestAdapter()
	q := NewMultiWaitQueue()

	outcome := a.SleepIfMulti(q, 42, func() bool { return false })
	if outcome != Blocked {
		t.Fatalf("expected Blocked; got %v", outcome)
	}
	if len(*blocked) != 1 || (*blocked)[0] != 42 {
		t.Fatalf("expected task 42 to be blocked; got %v", *blocked)
	}

	a.WakeAllMulti(q)
	if len(*unblocked) != 1 || (*unblocked)[0] != 42 {
		t.Fatalf("expected task 42 to be unblocked; got %v", *unblocked)
	}
}

func TestSleepIfMultiQueueFull(t *testing.T) {
	a, _, _ := newTestAdapter()
	q := NewMultiWaitQueue()
	for i := int32(0); i < maxMultiWaiters; i++ {
		q.Register(i)
	}

	outcome := a.SleepIfMulti(q, 999, func() bool { return false })
	if outcome != QueueFull {
		t.Fatalf("expected QueueFull; got %v", outcome)
	}
}

func TestSleepIfSingleBlocksAndWakes(t *testing.T) {
	a, blocked, unblocked := newTestAdapter()
	q := NewSingleWaitQueue()

	outcome := a.SleepIfSingle(q, 7, func() bool { return false })
	if outcome != Blocked {
		t.Fatalf("expected Blocked; got %v", outcome)
	}
	if len(*blocked) != 1 || (*blocked)[0] != 7 {
		t.Fatalf("expected task 7 to be blocked; got %v", *blocked)
	}

	a.WakeAllSingle(q)
	if len(*unblocked) != 1 || (*unblocked)[0] != 7 {
		t.Fatalf("expected task 7 to be unblocked; got %v", *unblocked)
	}
}
