package sync

import "testing"

func TestMultiWaitQueueRegisterDrain(t *testing.T) {
	q := NewMultiWaitQueue()

	if !q.Register(1) || !q.Register(2) {
		t.Fatal("expected registration to succeed while slots remain")
	}

	woken := q.DrainAll()
	if len(woken) != 2 {
		t.Fatalf("expected 2 woken tasks; got %d", len(woken))
	}

	if len(q.DrainAll()) != 0 {
		t.Fatal("expected queue to be empty after DrainAll")
	}
}

func TestMultiWaitQueueFullRejectsRegistration(t *testing.T) {
	q := NewMultiWaitQueue()
	for i := int32(0); i < maxMultiWaiters; i++ {
		if !q.Register(i) {
			t.Fatalf("expected slot %d to be available", i)
		}
	}
	if q.Register(999) {
		t.Fatal("expected registration to fail once every slot is taken")
	}
}

func TestSingleWaitQueue(t *testing.T) {
	q := NewSingleWaitQueue()

	if !q.Register(7) {
		t.Fatal("expected first registration to succeed")
	}
	if q.Register(8) {
		t.Fatal("expected second registration to fail while a waiter is already registered")
	}

	id, ok := q.Drain()
	if !ok || id != 7 {
		t.Fatalf("expected to drain task 7; got %d (ok=%v)", id, ok)
	}

	if _, ok := q.Drain(); ok {
		t.Fatal("expected Drain on an empty queue to report false")
	}
}
