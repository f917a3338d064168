package task

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	original := &Task{Target: "T", Function: "f", Args: []Value{Int(1)}, GasBalance: big.NewInt(9)}
	if err := store.Put(ctx, 1, original); err != nil {
		t.Fatalf("put: %v", err)
	}
	original.Target = "changed"
	original.GasBalance.SetInt64(0)

	loaded, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Target != "T" || loaded.GasBalance.Int64() != 9 {
		t.Fatalf("store leaked caller mutation: %+v", loaded)
	}
	loaded.Function = "mutated"
	again, _ := store.Get(ctx, 1)
	if again.Function != "f" {
		t.Fatalf("store leaked reader mutation")
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), 1)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreAtomicDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Put(ctx, 1, &Task{Target: "T", Function: "f"})

	boom := errors.New("boom")
	err := store.Atomic(ctx, 1, func(ctx context.Context, tx Tx) error {
		current, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		current.LastRun = 99
		if err := tx.Put(ctx, current); err != nil {
			return err
		}
		staged, _ := tx.Get(ctx)
		if staged.LastRun != 99 {
			t.Errorf("tx should observe its own staged write")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	stored, _ := store.Get(ctx, 1)
	if stored.LastRun != 0 {
		t.Fatalf("staged write leaked after failure: %d", stored.LastRun)
	}

	if err := store.Atomic(ctx, 1, func(ctx context.Context, tx Tx) error {
		current, _ := tx.Get(ctx)
		current.LastRun = 7
		return tx.Put(ctx, current)
	}); err != nil {
		t.Fatalf("atomic: %v", err)
	}
	stored, _ = store.Get(ctx, 1)
	if stored.LastRun != 7 {
		t.Fatalf("expected committed write, got %d", stored.LastRun)
	}
	if len(store.locks) != 0 {
		t.Fatalf("attempt locks should be released, got %d", len(store.locks))
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Put(ctx, 3, &Task{Target: "A", Function: "f", Resolver: "R"})
	_ = store.Put(ctx, 1, &Task{Target: "A", Function: "f"})
	_ = store.Put(ctx, 2, &Task{Target: "B", Function: "f"})

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != 1 || all[2].ID != 3 {
		t.Fatalf("unexpected order: %+v", all)
	}

	byTarget, _ := store.List(ctx, BuildListOptions(WithTarget("A"), WithSortOrder(SortByIDDesc)))
	if len(byTarget) != 2 || byTarget[0].ID != 3 {
		t.Fatalf("unexpected target filter: %+v", byTarget)
	}

	conditional, _ := store.List(ctx, BuildListOptions(WithResolverPresence(true)))
	if len(conditional) != 1 || conditional[0].ID != 3 {
		t.Fatalf("unexpected resolver filter: %+v", conditional)
	}

	paged, _ := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if len(paged) != 1 || paged[0].ID != 2 {
		t.Fatalf("unexpected page: %+v", paged)
	}
}
