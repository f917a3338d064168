package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "SoroTask/internal/errors"
)

type stubExecutor struct {
	calls atomic.Int32
	err   error
}

func (s *stubExecutor) Execute(context.Context, uint64) (Outcome, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return OutcomeExecuted, nil
}

func TestProcessorHandlesConcurrentTriggers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	host := newFakeHost()
	engine := NewEngine(store, host)
	queue := NewMemoryQueue(1024)
	processor := NewProcessor(engine, queue, queue, WithWorkerCount(8))

	total := 50
	for i := 0; i < total; i++ {
		if err := engine.Register(ctx, uint64(i), &Task{Target: "T", Function: "f"}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	for i := 0; i < total; i++ {
		if err := processor.Trigger(ctx, uint64(i)); err != nil {
			t.Fatalf("trigger: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for host.invokeCount() < total {
		select {
		case <-deadline:
			t.Fatalf("triggers not processed in time, done %d", host.invokeCount())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}
}

func TestProcessorAcksDomainFailures(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "executed"},
		{name: "not found", err: ErrTaskNotFound},
		{name: "invocation", err: xerrors.Wrap(CodeInvocationFailure, errors.New("reverted"), "call failed")},
		{name: "storage", err: xerrors.New(xerrors.CodeStorageFailure, "db down"), wantErr: true},
		{name: "validation", err: xerrors.New(CodeTaskValidation, "bad record")},
		{name: "commit after invoke", err: xerrors.New(xerrors.CodeStorageFailure, "commit lost", xerrors.WithRetryable(false))},
		{name: "journal", err: xerrors.New(CodeJournalFailure, "redis down"), wantErr: true},
		{name: "unclassified", err: errors.New("boom"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			executor := &stubExecutor{err: tc.err}
			processor := NewProcessor(executor, nil, nil)
			err := processor.handle(ctx, Trigger{TaskID: 1})
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if executor.calls.Load() != 1 {
				t.Fatalf("executor not called")
			}
		})
	}
}

func TestProcessorTriggerWithoutProducer(t *testing.T) {
	processor := NewProcessor(&stubExecutor{}, nil, nil)
	if err := processor.Trigger(context.Background(), 1); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if err := processor.Start(context.Background()); err == nil {
		t.Fatal("expected error without consumer")
	}
}

func TestProcessorTriggerOnClosedQueue(t *testing.T) {
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	processor := NewProcessor(&stubExecutor{}, queue, queue)
	if err := processor.Trigger(context.Background(), 1); xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
}

func TestDecodeTrigger(t *testing.T) {
	trigger, err := decodeTrigger([]byte(" 42 "))
	if err != nil || trigger.TaskID != 42 {
		t.Fatalf("plain id: %+v %v", trigger, err)
	}
	payload, _ := encodeTrigger(Trigger{TaskID: 7, Deliveries: 2})
	trigger, err = decodeTrigger(payload)
	if err != nil || trigger.TaskID != 7 || trigger.Deliveries != 2 {
		t.Fatalf("json trigger: %+v %v", trigger, err)
	}
	if _, err := decodeTrigger([]byte("")); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := decodeTrigger([]byte("{bad")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
