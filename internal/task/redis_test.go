package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisJournalLifecycle(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedisClient(t)
	journal := newRedisJournal(client, "")

	if err := journal.Begin(ctx, JournalEntry{AttemptID: "late", TaskID: 2, Timestamp: 20, CreatedAt: 9, Stage: StageInvoked}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := journal.Begin(ctx, JournalEntry{AttemptID: "early", TaskID: 1, Timestamp: 10, CreatedAt: 3}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !mr.Exists("sorotask:journal") {
		t.Fatal("expected default journal key")
	}

	entries, err := journal.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].AttemptID != "early" || entries[1].Stage != StagePending {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if err := journal.MarkInvoked(ctx, "late"); err != nil {
		t.Fatalf("mark invoked: %v", err)
	}
	if err := journal.MarkInvoked(ctx, "unknown"); err != nil {
		t.Fatalf("unknown attempt should be ignored: %v", err)
	}
	entries, _ = journal.Entries(ctx)
	if entries[1].Stage != StageInvoked || entries[1].Timestamp != 20 {
		t.Fatalf("expected invoked marker, got %+v", entries[1])
	}

	if err := journal.Complete(ctx, "early"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	entries, _ = journal.Entries(ctx)
	if len(entries) != 1 || entries[0].AttemptID != "late" {
		t.Fatalf("expected one remaining marker, got %+v", entries)
	}
}

func TestRedisJournalRejectsCorruptEntries(t *testing.T) {
	mr, client := newTestRedisClient(t)
	journal := newRedisJournal(client, "journal")
	mr.HSet("journal", "broken", "{not json")

	if _, err := journal.Entries(context.Background()); err == nil {
		t.Fatal("expected corrupt marker to surface as an error")
	}
	if err := journal.MarkInvoked(context.Background(), "broken"); err == nil {
		t.Fatal("expected corrupt marker to fail MarkInvoked")
	}
}

func TestRedisJournalBacksRecovery(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedisClient(t)
	journal := newRedisJournal(client, "journal")
	store := NewMemoryStore()
	host := newFakeHost()
	engine := NewEngine(store, host, WithJournal(journal))

	_ = store.Put(ctx, 1, &Task{Target: "T", Function: "f", LastRun: 1})
	_ = journal.Begin(ctx, JournalEntry{AttemptID: "a", TaskID: 1, Timestamp: 40})
	_ = journal.MarkInvoked(ctx, "a")

	report, err := engine.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Committed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	stored, _ := store.Get(ctx, 1)
	if stored.LastRun != 40 || host.invokeCount() != 0 {
		t.Fatalf("expected committed last_run without invocation, got %d / %d", stored.LastRun, host.invokeCount())
	}
	entries, _ := journal.Entries(ctx)
	if len(entries) != 0 {
		t.Fatalf("journal should be empty, got %+v", entries)
	}
}

func TestRedisQueueBoundsRedelivery(t *testing.T) {
	mr, client := newTestRedisClient(t)
	queue := newRedisQueue(client, RedisQueueConfig{Queue: "triggers", BlockWait: 50 * time.Millisecond, MaxRedeliveries: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		mu         sync.Mutex
		deliveries []int
	)
	handler := func(_ context.Context, trigger Trigger) error {
		mu.Lock()
		deliveries = append(deliveries, trigger.Deliveries)
		mu.Unlock()
		return errors.New("storage unavailable")
	}
	done := make(chan error, 1)
	go func() { done <- queue.Consume(ctx, 1, handler) }()

	if err := queue.Publish(ctx, NewTrigger(5)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries)
	}
	deadline := time.After(5 * time.Second)
	for count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected three deliveries, got %d", count())
		case <-time.After(20 * time.Millisecond):
		}
	}
	// 超过上限后不再重投。
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 3 || deliveries[0] != 0 || deliveries[1] != 1 || deliveries[2] != 2 {
		t.Fatalf("unexpected delivery sequence: %v", deliveries)
	}
	if mr.Exists("triggers") {
		list, _ := mr.List("triggers")
		if len(list) != 0 {
			t.Fatalf("trigger should be dropped after the limit, queue holds %v", list)
		}
	}
}

func TestRedisQueueAckedTriggersAreNotRedelivered(t *testing.T) {
	_, client := newTestRedisClient(t)
	queue := newRedisQueue(client, RedisQueueConfig{BlockWait: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handled := make(chan Trigger, 4)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(_ context.Context, trigger Trigger) error {
			handled <- trigger
			return nil
		})
	}()

	if err := queue.Publish(ctx, NewTrigger(9)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case trigger := <-handled:
		if trigger.TaskID != 9 || trigger.Deliveries != 0 {
			t.Fatalf("unexpected trigger: %+v", trigger)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trigger not consumed")
	}
	select {
	case trigger := <-handled:
		t.Fatalf("acked trigger was delivered again: %+v", trigger)
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("consume: %v", err)
	}
}
