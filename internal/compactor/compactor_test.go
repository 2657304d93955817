package compactor

import (
	"context"
	"testing"
	"time"

	"github.com/lapsed/lapsed/internal/database"
	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/repository"
	"github.com/lapsed/lapsed/internal/testutils"
	"github.com/lapsed/lapsed/internal/types"
)

func setupTest(t *testing.T, cfg Config) (*Compactor, repository.Store) {
	t.Helper()

	service := database.NewSQLiteService(testutils.NewTestLogger())
	if err := service.Connect(context.Background(), database.TestConfig()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := service.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { service.Close() })

	store := repository.NewSQLiteStore(service, testutils.NewTestLogger())
	return NewCompactor(store, cfg, nil, testutils.NewTestLogger()), store
}

func defaultConfig() Config {
	return Config{
		AggregationEnabled: true,
		SweepEnabled:       true,
		MinSessionDuration: 5 * time.Second,
		MergeGap:           3 * time.Second,
		LookbackDays:       3,
	}
}

func insert(t *testing.T, store repository.Store, a types.Activity) *types.Activity {
	t.Helper()
	if err := store.InsertActivity(context.Background(), &a); err != nil {
		t.Fatalf("InsertActivity failed: %v", err)
	}
	return &a
}

func fetchAll(t *testing.T, store repository.Store) []types.Activity {
	t.Helper()
	all, err := store.FetchOverlapping(context.Background(), 0, 1<<40)
	if err != nil {
		t.Fatal(err)
	}
	return all
}

func TestCompactClosed_LongSessionUntouched(t *testing.T) {
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	long := insert(t, store, types.Activity{StartTime: 0, EndTime: 60, AppName: "Editor"})
	if err := c.CompactClosed(ctx, long); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetActivityByID(ctx, long.ID); err != nil {
		t.Errorf("long session should survive untouched: %v", err)
	}
}

func TestCompactClosed_MergesIntoPrevious(t *testing.T) {
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	prev := insert(t, store, types.Activity{StartTime: 0, EndTime: 100, AppName: "Editor", BundleID: "com.editor"})
	short := insert(t, store, types.Activity{StartTime: 102, EndTime: 104, AppName: "Editor", BundleID: "com.editor"})

	if err := c.CompactClosed(ctx, short); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetActivityByID(ctx, prev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndTime != 104 {
		t.Errorf("previous end should extend to 104, got %d", got.EndTime)
	}
	if _, err := store.GetActivityByID(ctx, short.ID); !storeerrors.IsNotFound(err) {
		t.Errorf("short session should be deleted, got %v", err)
	}
}

func TestCompactClosed_MergesIntoNext(t *testing.T) {
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	short := insert(t, store, types.Activity{StartTime: 100, EndTime: 102, AppName: "Editor"})
	next := insert(t, store, types.Activity{StartTime: 104, EndTime: 200, AppName: "Editor"})

	if err := c.CompactClosed(ctx, short); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetActivityByID(ctx, next.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartTime != 100 {
		t.Errorf("next start should pull back to 100, got %d", got.StartTime)
	}
	if _, err := store.GetActivityByID(ctx, short.ID); !storeerrors.IsNotFound(err) {
		t.Errorf("short session should be deleted, got %v", err)
	}
}

func TestCompactClosed_ThreeWayMerge(t *testing.T) {
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	prev := insert(t, store, types.Activity{StartTime: 0, EndTime: 100, AppName: "Editor"})
	short := insert(t, store, types.Activity{StartTime: 101, EndTime: 103, AppName: "Editor"})
	next := insert(t, store, types.Activity{StartTime: 105, EndTime: 300, AppName: "Editor"})

	if err := c.CompactClosed(ctx, short); err != nil {
		t.Fatal(err)
	}

	all := fetchAll(t, store)
	if len(all) != 1 {
		t.Fatalf("expected a single merged row, got %d", len(all))
	}
	if all[0].ID != prev.ID || all[0].StartTime != 0 || all[0].EndTime != 300 {
		t.Errorf("expected prev to span [0,300], got %+v", all[0])
	}
	_ = next
}

func TestCompactClosed_DropsNoiseOnIdentityMismatch(t *testing.T) {
	// Scenario: Editor open t=0..3 (under the 5s minimum), Browser ended at
	// t=-1 (gap 1s <= 3) but different identity: dropped, not merged.
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	browser := insert(t, store, types.Activity{StartTime: -10, EndTime: -1, AppName: "Browser"})
	short := insert(t, store, types.Activity{StartTime: 0, EndTime: 3, AppName: "Editor"})

	if err := c.CompactClosed(ctx, short); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetActivityByID(ctx, short.ID); !storeerrors.IsNotFound(err) {
		t.Errorf("short session should be dropped, got %v", err)
	}
	got, err := store.GetActivityByID(ctx, browser.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndTime != -1 {
		t.Errorf("browser session must be untouched, got end %d", got.EndTime)
	}
}

func TestCompactClosed_GapTooWideDrops(t *testing.T) {
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	insert(t, store, types.Activity{StartTime: 0, EndTime: 100, AppName: "Editor"})
	short := insert(t, store, types.Activity{StartTime: 110, EndTime: 112, AppName: "Editor"})

	if err := c.CompactClosed(ctx, short); err != nil {
		t.Fatal(err)
	}

	all := fetchAll(t, store)
	if len(all) != 1 || all[0].EndTime != 100 {
		t.Errorf("gap 10s > 3s must not merge, got %+v", all)
	}
}

func TestCompactClosed_TagMismatchBlocksMerge(t *testing.T) {
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	tag := &types.Tag{Name: "work"}
	if err := store.CreateTag(ctx, tag); err != nil {
		t.Fatal(err)
	}

	insert(t, store, types.Activity{StartTime: 0, EndTime: 100, AppName: "Editor", TagID: &tag.ID})
	short := insert(t, store, types.Activity{StartTime: 101, EndTime: 103, AppName: "Editor"})

	if err := c.CompactClosed(ctx, short); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetActivityByID(ctx, short.ID); !storeerrors.IsNotFound(err) {
		t.Errorf("tag mismatch should drop, not merge: %v", err)
	}
}

func TestCompactClosed_IdleMergesWithIdleOnly(t *testing.T) {
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	insert(t, store, types.Activity{StartTime: 0, EndTime: 100, AppName: "Editor"})
	shortIdle := insert(t, store, types.Activity{StartTime: 101, EndTime: 103, IsIdle: true})

	if err := c.CompactClosed(ctx, shortIdle); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetActivityByID(ctx, shortIdle.ID); !storeerrors.IsNotFound(err) {
		t.Errorf("idle fragment next to an active session should be dropped, got %v", err)
	}
}

func TestCompactClosed_DisabledIsNoOp(t *testing.T) {
	cfg := defaultConfig()
	cfg.AggregationEnabled = false
	c, store := setupTest(t, cfg)
	ctx := context.Background()

	short := insert(t, store, types.Activity{StartTime: 0, EndTime: 1, AppName: "Editor"})
	if err := c.CompactClosed(ctx, short); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetActivityByID(ctx, short.ID); err != nil {
		t.Errorf("disabled aggregation must leave the row alone: %v", err)
	}
}

func TestCompactClosed_ProtectsOpenSession(t *testing.T) {
	c, store := setupTest(t, defaultConfig())
	ctx := context.Background()

	short := insert(t, store, types.Activity{StartTime: 100, EndTime: 102, AppName: "Editor"})
	open := insert(t, store, types.Activity{StartTime: 104, EndTime: 104, AppName: "Editor"})

	c.excludeID = func() int64 { return open.ID }

	if err := c.CompactClosed(ctx, short); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetActivityByID(ctx, open.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartTime != 104 {
		t.Errorf("open session boundary must not move, got %d", got.StartTime)
	}
}
