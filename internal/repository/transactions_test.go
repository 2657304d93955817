package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/lapsed/lapsed/internal/types"
)

func TestWithTransaction_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	prev := insertActivity(t, store, types.Activity{StartTime: 0, EndTime: 100, AppName: "A"})
	closing := insertActivity(t, store, types.Activity{StartTime: 102, EndTime: 110, AppName: "A"})

	// A merge is the canonical batch: extend one row, delete the other
	err := store.WithTransaction(ctx, func(tx Store) error {
		if err := tx.UpdateActivityEnd(ctx, prev.ID, closing.EndTime); err != nil {
			return err
		}
		return tx.DeleteActivity(ctx, closing.ID)
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	got, err := store.GetActivityByID(ctx, prev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndTime != 110 {
		t.Errorf("expected extended end 110, got %d", got.EndTime)
	}
	if _, err := store.GetActivityByID(ctx, closing.ID); err == nil {
		t.Error("merged-away activity should be gone")
	}
}

func TestWithTransaction_RollbackIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	prev := insertActivity(t, store, types.Activity{StartTime: 0, EndTime: 100, AppName: "A"})
	closing := insertActivity(t, store, types.Activity{StartTime: 102, EndTime: 110, AppName: "A"})

	boom := errors.New("boom")
	err := store.WithTransaction(ctx, func(tx Store) error {
		if err := tx.UpdateActivityEnd(ctx, prev.ID, closing.EndTime); err != nil {
			return err
		}
		if err := tx.DeleteActivity(ctx, closing.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to surface, got %v", err)
	}

	// Neither half of the batch may have landed
	gotPrev, err := store.GetActivityByID(ctx, prev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotPrev.EndTime != 100 {
		t.Errorf("rolled-back update leaked: end=%d", gotPrev.EndTime)
	}
	if _, err := store.GetActivityByID(ctx, closing.ID); err != nil {
		t.Errorf("rolled-back delete leaked: %v", err)
	}
}

func TestWithTransaction_NestedCollapses(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTransaction(ctx, func(outer Store) error {
		return outer.WithTransaction(ctx, func(inner Store) error {
			return inner.InsertActivity(ctx, &types.Activity{StartTime: 1, EndTime: 1, AppName: "A"})
		})
	})
	if err != nil {
		t.Fatalf("nested WithTransaction failed: %v", err)
	}

	got, err := store.FetchOverlapping(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 activity, got %d", len(got))
	}
}

func TestWithTransaction_NotifiesOnceAfterCommit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	notified := 0
	store.OnChange(func() { notified++ })

	err := store.WithTransaction(ctx, func(tx Store) error {
		for i := int64(0); i < 3; i++ {
			if err := tx.InsertActivity(ctx, &types.Activity{StartTime: i, EndTime: i, AppName: "A"}); err != nil {
				return err
			}
		}
		if notified != 0 {
			t.Error("notification fired before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if notified != 1 {
		t.Errorf("expected a single post-commit notification, got %d", notified)
	}
}

func TestWithTransaction_NoNotifyOnRollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	notified := 0
	store.OnChange(func() { notified++ })

	boom := errors.New("boom")
	_ = store.WithTransaction(ctx, func(tx Store) error {
		_ = tx.InsertActivity(ctx, &types.Activity{StartTime: 1, EndTime: 1, AppName: "A"})
		return boom
	})
	if notified != 0 {
		t.Errorf("rollback must not notify, got %d notifications", notified)
	}
}
