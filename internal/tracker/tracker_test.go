package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lapsed/lapsed/internal/compactor"
	"github.com/lapsed/lapsed/internal/platform"
	"github.com/lapsed/lapsed/internal/repository"
	"github.com/lapsed/lapsed/internal/testutils"
	"github.com/lapsed/lapsed/internal/types"
)

type fakeWindowAPI struct {
	info *platform.AppInfo
	err  error
}

func (f *fakeWindowAPI) FrontmostApp() (*platform.AppInfo, error) {
	return f.info, f.err
}

func testTrackerConfig() Config {
	return Config{
		SwitchDebounce:     0,
		IdleThreshold:      300 * time.Second,
		RapidSwitchWindow:  12 * time.Second,
		RapidSwitchMinHops: 4,
	}
}

func setupTestTracker(t *testing.T, cfg Config) (*Tracker, repository.Store, *fakeWindowAPI) {
	t.Helper()

	store := setupTestStore(t)
	resolver := NewResolver(store, func() int64 { return 0 }, testutils.NewTestLogger())
	comp := compactor.NewCompactor(store, compactor.Config{
		AggregationEnabled: true,
		SweepEnabled:       true,
		MinSessionDuration: 5 * time.Second,
		MergeGap:           3 * time.Second,
		LookbackDays:       3,
	}, nil, testutils.NewTestLogger())

	api := &fakeWindowAPI{}
	tr := NewTracker(store, resolver, comp, api, cfg, nil, testutils.NewTestLogger())
	tr.Start()
	t.Cleanup(tr.Stop)
	return tr, store, api
}

// flush waits for everything already in the mailbox to run.
func flush(tr *Tracker) {
	done := make(chan struct{})
	tr.post(func() { close(done) })
	<-done
}

func activate(tr *Tracker, app string, at int64) {
	tr.HandleActivation(Activation{AppName: app, BundleID: "com." + app, At: at})
}

func fetchAll(t *testing.T, store repository.Store) []types.Activity {
	t.Helper()
	all, err := store.FetchOverlapping(context.Background(), -(1 << 40), 1<<40)
	if err != nil {
		t.Fatal(err)
	}
	return all
}

func TestSameAppActivationIsNoOp(t *testing.T) {
	tr, store, _ := setupTestTracker(t, testTrackerConfig())

	activate(tr, "Editor", 0)
	flush(tr)
	firstID := tr.CurrentActivityID()
	if firstID == 0 {
		t.Fatal("expected an open session")
	}

	activate(tr, "Editor", 2)
	flush(tr)

	if tr.CurrentActivityID() != firstID {
		t.Error("same-app activation must not replace the session")
	}
	all := fetchAll(t, store)
	if len(all) != 1 {
		t.Fatalf("expected 1 row, got %d", len(all))
	}
	if all[0].EndTime != all[0].StartTime {
		t.Errorf("open session end must not churn, got [%d,%d]", all[0].StartTime, all[0].EndTime)
	}
}

func TestSwitchClosesThenOpens(t *testing.T) {
	tr, store, _ := setupTestTracker(t, testTrackerConfig())

	activate(tr, "Editor", 0)
	flush(tr)
	activate(tr, "Browser", 10)
	flush(tr)

	all := fetchAll(t, store)
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}
	if all[0].AppName != "Editor" || all[0].EndTime != 10 {
		t.Errorf("editor session should close at 10: %+v", all[0])
	}
	if all[1].AppName != "Browser" || all[1].StartTime != 10 || all[1].EndTime != 10 {
		t.Errorf("browser session should open at 10: %+v", all[1])
	}
	if tr.CurrentActivityID() != all[1].ID {
		t.Error("current id should point at the browser session")
	}
}

func TestDebounce_OnlyLatestActivationOpens(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.SwitchDebounce = 40 * time.Millisecond
	tr, store, _ := setupTestTracker(t, cfg)

	activate(tr, "A", 100)
	activate(tr, "B", 100)
	flush(tr)

	time.Sleep(150 * time.Millisecond)
	flush(tr)

	all := fetchAll(t, store)
	if len(all) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(all))
	}
	if all[0].AppName != "B" {
		t.Errorf("only the latest pending activation opens, got %q", all[0].AppName)
	}
}

func TestIgnoredAppClosesWithoutOpening(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.IgnoredApps = []string{"Screensaver"}
	tr, store, _ := setupTestTracker(t, cfg)

	activate(tr, "Editor", 0)
	flush(tr)
	activate(tr, "Screensaver", 30)
	flush(tr)

	if tr.CurrentActivityID() != 0 {
		t.Error("ignored activation must leave no open session")
	}
	all := fetchAll(t, store)
	if len(all) != 1 || all[0].AppName != "Editor" || all[0].EndTime != 30 {
		t.Errorf("editor should be closed at 30 and nothing else recorded: %+v", all)
	}
}

func TestIdleEntry_RetroactiveStart(t *testing.T) {
	// Idle detected at t=400 with idleSeconds=310, threshold=300:
	// idle start = 400 - 310 + 300 = 390
	tr, store, _ := setupTestTracker(t, testTrackerConfig())

	activate(tr, "Editor", 0)
	flush(tr)
	tr.HandleIdleChange(true, 400, 310)
	flush(tr)

	all := fetchAll(t, store)
	if len(all) != 2 {
		t.Fatalf("expected editor + idle rows, got %d", len(all))
	}
	if all[0].AppName != "Editor" || all[0].EndTime != 390 {
		t.Errorf("editor should close at the computed idle start 390: %+v", all[0])
	}
	idle := all[1]
	if !idle.IsIdle || idle.StartTime != 390 {
		t.Errorf("idle session should open at 390: %+v", idle)
	}
	if tr.CurrentActivityID() != idle.ID {
		t.Error("idle session should be current")
	}
}

func TestIdleEntry_ClampsToSessionStart(t *testing.T) {
	tr, store, _ := setupTestTracker(t, testTrackerConfig())

	activate(tr, "Editor", 380)
	flush(tr)
	// Computed start 400-350+300 = 350, before the session start 380
	tr.HandleIdleChange(true, 400, 350)
	flush(tr)

	// The editor session closes at its own start (zero length) and eager
	// compaction drops it as noise; only the idle row survives
	all := fetchAll(t, store)
	if len(all) != 1 {
		t.Fatalf("expected 1 row, got %d", len(all))
	}
	if !all[0].IsIdle || all[0].StartTime != 380 {
		t.Errorf("idle start should clamp to the session start, got %+v", all[0])
	}
}

func TestIdleEntry_AbortsOnNonPositiveSpan(t *testing.T) {
	tr, store, _ := setupTestTracker(t, testTrackerConfig())

	activate(tr, "Editor", 0)
	flush(tr)
	editorID := tr.CurrentActivityID()

	// idleSeconds == threshold puts the computed start at T itself
	tr.HandleIdleChange(true, 400, 300)
	flush(tr)

	if tr.CurrentActivityID() != editorID {
		t.Error("aborted idle entry must leave the session open")
	}
	all := fetchAll(t, store)
	if len(all) != 1 {
		t.Errorf("no idle row should exist, got %d rows", len(all))
	}
}

func TestIdleEntry_CancelsPendingActivation(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.SwitchDebounce = 60 * time.Millisecond
	tr, store, _ := setupTestTracker(t, cfg)

	activate(tr, "Editor", 0)
	flush(tr)
	tr.HandleIdleChange(true, 400, 310)
	flush(tr)

	time.Sleep(150 * time.Millisecond)
	flush(tr)

	// The first activation was still pending when idle entry cleared it
	all := fetchAll(t, store)
	for _, a := range all {
		if a.AppName == "Editor" {
			t.Errorf("pending activation must not open after idle entry: %+v", a)
		}
	}
	if len(all) != 1 || !all[0].IsIdle {
		t.Errorf("expected only the idle row, got %+v", all)
	}
}

func TestActivationDuringIdleIsIgnored(t *testing.T) {
	tr, store, _ := setupTestTracker(t, testTrackerConfig())

	tr.HandleIdleChange(true, 400, 310)
	flush(tr)
	idleID := tr.CurrentActivityID()

	activate(tr, "Editor", 410)
	flush(tr)

	if tr.CurrentActivityID() != idleID {
		t.Error("activations must not be processed while idle")
	}
	if got := fetchAll(t, store); len(got) != 1 {
		t.Errorf("expected only the idle row, got %d", len(got))
	}
}

func TestIdleExit_SynthesizesActivationFromFrontmost(t *testing.T) {
	tr, store, api := setupTestTracker(t, testTrackerConfig())

	activate(tr, "Editor", 0)
	flush(tr)
	tr.HandleIdleChange(true, 400, 310)
	flush(tr)

	api.info = &platform.AppInfo{Name: "Browser", BundleID: "com.Browser"}
	tr.HandleIdleChange(false, 500, 0)
	flush(tr)

	all := fetchAll(t, store)
	if len(all) != 3 {
		t.Fatalf("expected editor + idle + browser, got %d", len(all))
	}
	idle := all[1]
	if !idle.IsIdle || idle.EndTime != 500 {
		t.Errorf("idle session should close at exit time: %+v", idle)
	}
	browser := all[2]
	if browser.AppName != "Browser" || browser.StartTime != 500 {
		t.Errorf("resumed session should open at 500: %+v", browser)
	}
	if tr.CurrentActivityID() != browser.ID {
		t.Error("browser session should be current")
	}
}

func TestIdleExit_IgnoredFrontmostOpensNothing(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.IgnoredApps = []string{"Screensaver"}
	tr, store, api := setupTestTracker(t, cfg)

	tr.HandleIdleChange(true, 400, 310)
	flush(tr)

	api.info = &platform.AppInfo{Name: "Screensaver"}
	tr.HandleIdleChange(false, 500, 0)
	flush(tr)

	if tr.CurrentActivityID() != 0 {
		t.Error("ignored frontmost app must not open a session")
	}
	all := fetchAll(t, store)
	if len(all) != 1 || !all[0].IsIdle {
		t.Errorf("expected only the closed idle row, got %+v", all)
	}
}

func TestShortSessionCompactedOnSwitch(t *testing.T) {
	tr, store, _ := setupTestTracker(t, testTrackerConfig())

	activate(tr, "Editor", 0)
	flush(tr)
	// Browser for 2 seconds (under the 5s minimum), then Editor again
	activate(tr, "Browser", 100)
	flush(tr)
	activate(tr, "Editor", 102)
	flush(tr)

	all := fetchAll(t, store)
	// The 2s browser session has no matching neighbor: dropped as noise
	for _, a := range all {
		if a.AppName == "Browser" {
			t.Errorf("short browser session should be compacted away: %+v", a)
		}
	}
	if len(all) != 2 {
		t.Errorf("expected the two editor rows, got %d", len(all))
	}
}

func TestResolvedTagPatchedIn(t *testing.T) {
	tr, store, _ := setupTestTracker(t, testTrackerConfig())
	ctx := context.Background()

	tag := createTag(t, store, "Work")
	createRule(t, store, types.Rule{Name: "editor", MatchAppName: "editor", TagID: &tag.ID})

	activate(tr, "Editor", 0)
	flush(tr)
	id := tr.CurrentActivityID()

	// Resolution runs off the loop; poll briefly for the patch
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.GetActivityByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.TagID != nil {
			if *got.TagID != tag.ID {
				t.Errorf("expected tag %d, got %d", tag.ID, *got.TagID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tag was never patched in")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdleFlapping(t *testing.T) {
	// Rapid enter/exit cycles right at the threshold boundary must never
	// produce a zero-length or inverted idle row, and must leave exactly
	// one session open at the end.
	tr, store, api := setupTestTracker(t, testTrackerConfig())
	api.info = &platform.AppInfo{Name: "Editor", BundleID: "com.Editor"}

	activate(tr, "Editor", 0)
	flush(tr)

	at := int64(400)
	for i := 0; i < 5; i++ {
		// idleSeconds hovers around the 300s threshold
		tr.HandleIdleChange(true, at, 300+float64(i))
		flush(tr)
		at += 4
		tr.HandleIdleChange(false, at, 0)
		flush(tr)
		at += 4
	}

	open := tr.CurrentActivityID()
	if open == 0 {
		t.Fatal("a session should be open after the last exit")
	}
	all := fetchAll(t, store)
	openCount := 0
	for _, a := range all {
		if a.EndTime < a.StartTime {
			t.Errorf("inverted interval: %+v", a)
		}
		if a.ID == open {
			openCount++
			continue
		}
		if a.IsIdle && a.EndTime == a.StartTime {
			t.Errorf("zero-length idle row persisted: %+v", a)
		}
	}
	if openCount != 1 {
		t.Errorf("expected exactly one open session, found %d", openCount)
	}
}

func TestStopClosesOpenSession(t *testing.T) {
	store := setupTestStore(t)
	resolver := NewResolver(store, nil, testutils.NewTestLogger())
	tr := NewTracker(store, resolver, nil, nil, testTrackerConfig(), nil, testutils.NewTestLogger())
	tr.SetClock(func() time.Time { return time.Unix(900, 0) })
	tr.Start()

	activate(tr, "Editor", 100)
	flush(tr)

	tr.Stop()

	all := fetchAll(t, store)
	if len(all) != 1 || all[0].EndTime != 900 {
		t.Errorf("stop should close the open session at the clock time, got %+v", all)
	}
}

// endFailStore makes UpdateActivityEnd fail on demand while everything else
// hits the real store.
type endFailStore struct {
	repository.Store
	fail atomic.Bool
}

func (s *endFailStore) UpdateActivityEnd(ctx context.Context, id, endTime int64) error {
	if s.fail.Load() {
		return errors.New("disk I/O error")
	}
	return s.Store.UpdateActivityEnd(ctx, id, endTime)
}

func TestFailedCloseKeepsPipelineMoving(t *testing.T) {
	store := &endFailStore{Store: setupTestStore(t)}
	resolver := NewResolver(store, func() int64 { return 0 }, testutils.NewTestLogger())
	comp := compactor.NewCompactor(store, compactor.Config{
		AggregationEnabled: true,
		SweepEnabled:       true,
		MinSessionDuration: 5 * time.Second,
		MergeGap:           3 * time.Second,
		LookbackDays:       3,
	}, nil, testutils.NewTestLogger())
	tr := NewTracker(store, resolver, comp, &fakeWindowAPI{}, testTrackerConfig(), nil, testutils.NewTestLogger())
	tr.Start()
	t.Cleanup(tr.Stop)

	activate(tr, "Editor", 100)
	flush(tr)

	store.fail.Store(true)
	activate(tr, "Browser", 200)
	flush(tr)
	store.fail.Store(false)

	// The switch must go through even though the old end boundary was lost.
	if tr.CurrentActivityID() == 0 {
		t.Fatal("expected a live session after the failed close")
	}
	activate(tr, "Terminal", 300)
	flush(tr)

	tr.Stop()

	rows, err := store.UnterminatedActivities(context.Background())
	if err != nil {
		t.Fatalf("UnterminatedActivities failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly the failed row to stay open, got %d", len(rows))
	}
	if rows[0].AppName != "Editor" || rows[0].StartTime != 100 || rows[0].EndTime != 100 {
		t.Errorf("unexpected leftover row: %+v", rows[0])
	}
}
