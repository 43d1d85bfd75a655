package governor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkarpov/go-sales-bridge/internal/config"
	"github.com/dkarpov/go-sales-bridge/internal/domain"
	"github.com/dkarpov/go-sales-bridge/internal/messenger"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:    2 * time.Second,
		ItemDelay:       0,
		SendDelay:       0, // no pacing in tests
		RetryGrace:      30 * time.Second,
		FailureCooldown: 5 * time.Minute,
		CooldownMargin:  5 * time.Second,
	}
}

func newTestGovernor(t *testing.T) *Governor {
	t.Helper()
	q := OpenQueue(filepath.Join(t.TempDir(), "pending.json"))
	return New(testSchedulerConfig(), q)
}

func TestAttempt_Success(t *testing.T) {
	g := newTestGovernor(t)

	called := false
	err := g.Attempt(context.Background(), OpMessageSend, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("Attempt: err=%v called=%v", err, called)
	}
}

func TestAttempt_BackpressureOpensWindow(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()

	bp := &messenger.BackpressureError{RetryAfter: 750 * time.Millisecond}
	err := g.Attempt(ctx, OpMessageSend, func(context.Context) error { return bp })
	if !messenger.IsBackpressure(err) {
		t.Fatalf("expected backpressure to propagate, got %v", err)
	}
	if !g.Throttled(OpMessageSend) {
		t.Fatal("window should be open after backpressure")
	}
	// Independent windows per operation class.
	if g.Throttled(OpThreadCreate) {
		t.Fatal("thread window must be unaffected")
	}

	err = g.Attempt(ctx, OpMessageSend, func(context.Context) error {
		t.Fatal("fn must not run while throttled")
		return nil
	})
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestAttempt_OrdinaryErrorDoesNotThrottle(t *testing.T) {
	g := newTestGovernor(t)

	boom := errors.New("boom")
	err := g.Attempt(context.Background(), OpThreadCreate, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if g.Throttled(OpThreadCreate) {
		t.Fatal("ordinary errors must not open the window")
	}
}

func TestFailureCooldown(t *testing.T) {
	g := newTestGovernor(t)

	if g.InFailureCooldown(1) {
		t.Fatal("fresh invoice should not be cooling down")
	}
	g.RecordFailure(1)
	if !g.InFailureCooldown(1) {
		t.Fatal("failure cooldown not engaged")
	}
	g.ClearFailure(1)
	if g.InFailureCooldown(1) {
		t.Fatal("ClearFailure did not clear")
	}
}

func TestMature(t *testing.T) {
	g := newTestGovernor(t)
	if g.Mature(time.Now()) {
		t.Fatal("fresh item should not be mature")
	}
	if !g.Mature(time.Now().Add(-time.Minute)) {
		t.Fatal("old item should be mature")
	}
}

func TestQueue_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	q := OpenQueue(path)

	q.EnqueueThread(domain.Purchase{InvoiceID: 500, Name: "x"}, true)
	q.EnqueueThread(domain.Purchase{InvoiceID: 500}, false) // duplicate invoice dropped
	q.EnqueueSend(SendItem{Text: "hello", ThreadID: 9, ChannelID: 500, MessageID: "m1"})

	threads, sends := q.Depth()
	if threads != 1 || sends != 1 {
		t.Fatalf("depth = %d/%d", threads, sends)
	}

	q2 := OpenQueue(path)
	items := q2.TakeThreads()
	if len(items) != 1 || items[0].Purchase.InvoiceID != 500 || !items[0].SkipGreeting {
		t.Fatalf("thread item mismatch: %+v", items)
	}
	if items[0].ID == "" || items[0].QueuedAt.IsZero() {
		t.Fatalf("item metadata missing: %+v", items[0])
	}

	sendItems := q2.TakeSends()
	if len(sendItems) != 1 || sendItems[0].Text != "hello" || sendItems[0].MessageID != "m1" {
		t.Fatalf("send item mismatch: %+v", sendItems)
	}

	// Both queues drained and the drain is durable.
	q3 := OpenQueue(path)
	threads, sends = q3.Depth()
	if threads != 0 || sends != 0 {
		t.Fatalf("drained queue not persisted: %d/%d", threads, sends)
	}
}

func TestQueue_RequeueSkipsDuplicates(t *testing.T) {
	q := OpenQueue(filepath.Join(t.TempDir(), "pending.json"))

	q.EnqueueThread(domain.Purchase{InvoiceID: 1}, false)
	taken := q.TakeThreads()
	q.EnqueueThread(domain.Purchase{InvoiceID: 1}, false) // re-queued meanwhile
	q.RequeueThreads(taken)

	threads, _ := q.Depth()
	if threads != 1 {
		t.Fatalf("duplicate invoice requeued: depth=%d", threads)
	}
}

func TestOpenQueue_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	if err := os.WriteFile(path, []byte("{this is not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	q := OpenQueue(path)
	threads, sends := q.Depth()
	if threads != 0 || sends != 0 {
		t.Fatalf("malformed file should start empty, got %d/%d", threads, sends)
	}
	// A new enqueue must repair the file.
	q.EnqueueSend(SendItem{Text: "x", ThreadID: 1})
	q2 := OpenQueue(path)
	if _, sends := q2.Depth(); sends != 1 {
		t.Fatalf("repair failed, sends=%d", sends)
	}
}
