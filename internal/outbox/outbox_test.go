package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestEnqueueClaimAckLifecycle(t *testing.T) {
	o := New(time.Minute, nil)
	o.Enqueue("s1", Task{TaskID: "t1", Mode: ModeMessage, Payload: "hello"})

	task, raw, err := o.Claim(context.Background(), "s1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.Payload != "hello" {
		t.Fatalf("claim returned %+v", task)
	}
	if o.PendingLen("s1") != 0 || o.ProcessingLen("s1") != 1 {
		t.Fatal("claimed task must move from pending to processing")
	}

	if !o.Ack("s1", raw) {
		t.Fatal("ack of a live claim must return true")
	}
	if o.PendingLen("s1") != 0 || o.ProcessingLen("s1") != 0 {
		t.Fatal("acked task must leave both lists")
	}
	// Duplicate ack is a benign no-op.
	if o.Ack("s1", raw) {
		t.Fatal("second ack must return false")
	}
}

func TestNackRequeuesAtHead(t *testing.T) {
	o := New(time.Minute, nil)
	o.Enqueue("s1", Task{TaskID: "t1", Payload: "first"})
	o.Enqueue("s1", Task{TaskID: "t2", Payload: "second"})

	task, raw, _ := o.Claim(context.Background(), "s1", time.Second)
	if task.Payload != "first" {
		t.Fatalf("FIFO violated: got %q", task.Payload)
	}
	o.Nack("s1", raw)

	if o.ProcessingLen("s1") != 0 {
		t.Fatal("nacked task must leave processing")
	}

	// The failed task retries before the fresh one, with attempts bumped.
	again, raw2, _ := o.Claim(context.Background(), "s1", time.Second)
	if again.Payload != "first" || again.Attempts != 1 {
		t.Fatalf("expected head requeue with attempts=1, got %+v", again)
	}
	if raw2 == raw {
		t.Fatal("re-serialized raw must differ after attempts increment")
	}
	if !o.Ack("s1", raw2) {
		t.Fatal("ack with new raw")
	}
}

func TestClaimBlocksUntilTimeout(t *testing.T) {
	o := New(time.Minute, nil)
	start := time.Now()
	task, _, err := o.Claim(context.Background(), "s1", 300*time.Millisecond)
	if err != nil || task != nil {
		t.Fatalf("expected nil task on timeout, got %+v err=%v", task, err)
	}
	elapsed := time.Since(start)
	if elapsed < 250*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout not honored: %v", elapsed)
	}
}

func TestClaimWakesOnEnqueue(t *testing.T) {
	o := New(time.Minute, nil)
	done := make(chan *Task, 1)
	go func() {
		task, _, _ := o.Claim(context.Background(), "s1", 5*time.Second)
		done <- task
	}()

	time.Sleep(50 * time.Millisecond)
	o.Enqueue("s1", Task{TaskID: "t1", Payload: "wake"})

	select {
	case task := <-done:
		if task == nil || task.Payload != "wake" {
			t.Fatalf("got %+v", task)
		}
	case <-time.After(time.Second):
		t.Fatal("claim did not wake on enqueue")
	}
}

func TestClaimCancellation(t *testing.T) {
	o := New(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	task, _, err := o.Claim(ctx, "s1", 5*time.Second)
	if task != nil || err == nil {
		t.Fatalf("expected context error, got task=%+v err=%v", task, err)
	}
	// Nothing was claimed, nothing changed.
	if o.PendingLen("s1") != 0 || o.ProcessingLen("s1") != 0 {
		t.Fatal("cancelled claim must not disturb queue state")
	}
}

func TestSweepRecoversStaleClaims(t *testing.T) {
	o := New(100*time.Millisecond, nil)
	o.Enqueue("s1", Task{TaskID: "t1", Payload: "work"})
	_, _, err := o.Claim(context.Background(), "s1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Worker crashed: no ack, no nack. The sweep requeues exactly once.
	if n := o.Sweep(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("sweep recovered %d, want 1", n)
	}
	task, _, _ := o.Claim(context.Background(), "s1", time.Second)
	if task == nil || task.Attempts != 1 {
		t.Fatalf("recovered task = %+v, want attempts=1", task)
	}

	// A fresh claim is not stale yet.
	if n := o.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh claim swept: %d", n)
	}
}

func TestNoCrossSessionInterference(t *testing.T) {
	o := New(time.Minute, nil)

	// A blocked claim on s1 must not delay s2.
	go o.Claim(context.Background(), "s1", 5*time.Second)
	time.Sleep(20 * time.Millisecond)

	o.Enqueue("s2", Task{TaskID: "t2", Payload: "other"})
	start := time.Now()
	task, _, _ := o.Claim(context.Background(), "s2", time.Second)
	if task == nil || time.Since(start) > 200*time.Millisecond {
		t.Fatal("claim on one session blocked by another session's long-poll")
	}
}

func TestJournalRestore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "outbox.db")

	j, err := OpenJournal(dbPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	o := New(time.Minute, j)
	o.Enqueue("s1", Task{TaskID: "t1", Payload: "one"})
	o.Enqueue("s1", Task{TaskID: "t2", Payload: "two"})
	// t1 claimed but never acked before the crash.
	if _, _, err := o.Claim(context.Background(), "s1", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	j.Close()

	// Restart.
	j2, err := OpenJournal(dbPath)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j2.Close()
	o2 := New(time.Minute, j2)

	if o2.PendingLen("s1") != 2 {
		t.Fatalf("restored pending = %d, want 2", o2.PendingLen("s1"))
	}
	// The interrupted claim comes back first, as an implicit nack.
	task, raw, _ := o2.Claim(context.Background(), "s1", time.Second)
	if task.TaskID != "t1" || task.Attempts != 1 {
		t.Fatalf("restored head = %+v, want t1 attempts=1", task)
	}
	if !o2.Ack("s1", raw) {
		t.Fatal("ack restored task")
	}
	task, _, _ = o2.Claim(context.Background(), "s1", time.Second)
	if task.TaskID != "t2" || task.Attempts != 0 {
		t.Fatalf("second restored task = %+v", task)
	}
}

func TestJournalKeepsConcurrentEnqueueOrder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "outbox.db")

	j, err := OpenJournal(dbPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	o := New(time.Minute, j)

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				o.Enqueue("s1", Task{TaskID: fmt.Sprintf("g%d-t%d", g, i), Payload: "x"})
			}
		}(g)
	}
	wg.Wait()

	// The claim order is the in-memory FIFO order.
	var memOrder []string
	for {
		task, _, err := o.Claim(context.Background(), "s1", 20*time.Millisecond)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if task == nil {
			break
		}
		memOrder = append(memOrder, task.TaskID)
	}
	if len(memOrder) != 100 {
		t.Fatalf("claimed %d tasks, want 100", len(memOrder))
	}
	j.Close()

	// Restart. Claimed-but-unacked tasks come back as implicit nacks in
	// the same order they were enqueued.
	j2, err := OpenJournal(dbPath)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j2.Close()
	o2 := New(time.Minute, j2)

	for i, want := range memOrder {
		task, raw, err := o2.Claim(context.Background(), "s1", time.Second)
		if err != nil || task == nil {
			t.Fatalf("restored claim %d: task=%v err=%v", i, task, err)
		}
		if task.TaskID != want {
			t.Fatalf("restored order at %d = %s, want %s", i, task.TaskID, want)
		}
		o2.Ack("s1", raw)
	}
}

func TestEnqueueDropsExactDuplicate(t *testing.T) {
	o := New(time.Minute, nil)
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	task := Task{TaskID: "t1", Mode: ModeMessage, Payload: "hello", CreatedAt: created}

	o.Enqueue("s1", task)
	o.Enqueue("s1", task)
	if n := o.PendingLen("s1"); n != 1 {
		t.Fatalf("pending after duplicate enqueue = %d, want 1", n)
	}

	// Still a duplicate while the first copy is claimed.
	got, raw, err := o.Claim(context.Background(), "s1", time.Second)
	if err != nil || got == nil {
		t.Fatalf("claim: task=%v err=%v", got, err)
	}
	o.Enqueue("s1", task)
	if n := o.PendingLen("s1"); n != 0 {
		t.Fatalf("pending while claimed = %d, want 0", n)
	}
	if !o.Ack("s1", raw) {
		t.Fatal("ack claimed task")
	}

	// A different task id is not a duplicate.
	o.Enqueue("s1", Task{TaskID: "t2", Mode: ModeMessage, Payload: "hello", CreatedAt: created})
	if n := o.PendingLen("s1"); n != 1 {
		t.Fatalf("pending after distinct enqueue = %d, want 1", n)
	}
}
