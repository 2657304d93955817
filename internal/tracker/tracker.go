// Package tracker owns the session state machine: it consumes foreground
// activation events and idle transitions, and keeps at most one open
// activity in the store at any instant.
package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"

	"github.com/lapsed/lapsed/internal/compactor"
	"github.com/lapsed/lapsed/internal/infrastructure/logging"
	"github.com/lapsed/lapsed/internal/platform"
	"github.com/lapsed/lapsed/internal/repository"
	"github.com/lapsed/lapsed/internal/types"
)

func nowUnix() int64 { return time.Now().Unix() }

// Activation is one raw foreground-app event entering the tracker.
type Activation struct {
	AppName     string
	BundleID    string
	WindowTitle string
	At          int64
}

func (a *Activation) signature() string {
	if a.BundleID != "" {
		return a.BundleID
	}
	return a.AppName
}

// Config holds the tracker knobs, all runtime-mutable via Configure.
type Config struct {
	// IgnoredApps are excluded from tracking entirely; an activation for
	// one closes the current session and opens nothing. Matched against
	// bundle id and app name.
	IgnoredApps []string
	// SwitchDebounce delays activation processing so only the latest
	// event in a burst opens a session. Zero processes immediately.
	SwitchDebounce time.Duration
	// IdleThreshold mirrors the detector's threshold; used to back-date
	// the idle session start.
	IdleThreshold time.Duration
	// Rapid-switch burst detection.
	RapidSwitchWindow  time.Duration
	RapidSwitchMinHops int
}

// session mirrors the single currently-open Activity. Owned exclusively by
// the tracker goroutine; replaced, never mutated across a close/open.
type session struct {
	id          int64
	appName     string
	bundleID    string
	windowTitle string
	isIdle      bool
	startTime   int64
	tagID       *int64
}

func (s *session) activity(endTime int64) *types.Activity {
	return &types.Activity{
		ID:          s.id,
		StartTime:   s.startTime,
		EndTime:     endTime,
		AppName:     s.appName,
		BundleID:    s.bundleID,
		WindowTitle: s.windowTitle,
		IsIdle:      s.isIdle,
		TagID:       s.tagID,
	}
}

// Tracker is the session state machine. All state below mu/mailbox is
// owned by the run goroutine; external callers only post messages.
type Tracker struct {
	store     repository.Store
	resolver  *Resolver
	compactor *compactor.Compactor
	windowAPI platform.WindowAPI
	logger    logging.Logger
	clock     func() time.Time

	mailbox chan func()
	stopped chan struct{}
	done    chan struct{}
	startMu sync.Mutex
	running bool

	// currentID mirrors the open session's store id for readers outside
	// the loop (the compaction sweep's exclusion hook).
	currentID atomic.Int64

	// loop-owned state
	cfg       Config
	current   *session
	pending   *Activation
	debounced func(func())
	rapid     *rapidSwitchWindow

	overlays func([]OverlayRange)
}

// NewTracker wires the state machine. windowAPI is consulted on idle exit
// to synthesize the resumed activation; overlays may be nil.
func NewTracker(store repository.Store, resolver *Resolver, comp *compactor.Compactor,
	windowAPI platform.WindowAPI, cfg Config, overlays func([]OverlayRange), logger logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	t := &Tracker{
		store:     store,
		resolver:  resolver,
		compactor: comp,
		windowAPI: windowAPI,
		logger:    logger,
		clock:     time.Now,
		mailbox:   make(chan func(), 128),
		cfg:       cfg,
		overlays:  overlays,
	}
	t.rapid = newRapidSwitchWindow(cfg.RapidSwitchWindow, cfg.RapidSwitchMinHops, t.publishOverlays)
	t.rebuildDebounce()
	return t
}

// SetClock overrides the wall clock. Test hook.
func (t *Tracker) SetClock(clock func() time.Time) {
	t.clock = clock
}

// CurrentActivityID returns the store id of the open session, 0 when none.
// Safe from any goroutine.
func (t *Tracker) CurrentActivityID() int64 {
	return t.currentID.Load()
}

func (t *Tracker) publishOverlays(ranges []OverlayRange) {
	if t.overlays != nil {
		t.overlays(ranges)
	}
}

func (t *Tracker) rebuildDebounce() {
	if t.cfg.SwitchDebounce > 0 {
		t.debounced = debounce.New(t.cfg.SwitchDebounce)
	} else {
		t.debounced = nil
	}
}

// Start launches the mailbox loop. Idempotent.
func (t *Tracker) Start() {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopped = make(chan struct{})
	t.done = make(chan struct{})
	go t.run()
}

// Stop closes any open session at the current time and halts the loop.
// Idempotent.
func (t *Tracker) Stop() {
	t.startMu.Lock()
	if !t.running {
		t.startMu.Unlock()
		return
	}
	t.running = false
	stopped, done := t.stopped, t.done
	t.startMu.Unlock()

	t.post(func() {
		if t.current != nil {
			t.closeCurrent(t.clock().Unix())
		}
	})
	close(stopped)
	<-done
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case <-t.stopped:
			// Drain what was posted before the stop signal
			for {
				select {
				case fn := <-t.mailbox:
					fn()
				default:
					return
				}
			}
		case fn := <-t.mailbox:
			fn()
		}
	}
}

// post enqueues fn on the tracker loop; drops it when the tracker is not
// accepting work (stopped and drained).
func (t *Tracker) post(fn func()) {
	select {
	case t.mailbox <- fn:
	default:
		t.logger.Warn("Tracker mailbox full, dropping event")
	}
}

// HandleActivation feeds one foreground-app event in. Safe from any
// goroutine.
func (t *Tracker) HandleActivation(a Activation) {
	t.post(func() { t.onActivation(a) })
}

// HandleIdleChange feeds an idle-detector transition in. Safe from any
// goroutine.
func (t *Tracker) HandleIdleChange(toIdle bool, at int64, idleSeconds float64) {
	t.post(func() {
		if toIdle {
			t.onIdleEnter(at, idleSeconds)
		} else {
			t.onIdleExit(at)
		}
	})
}

// Configure swaps the tracker knobs on the loop.
func (t *Tracker) Configure(cfg Config) {
	t.post(func() {
		t.cfg = cfg
		t.rapid.configure(cfg.RapidSwitchWindow, cfg.RapidSwitchMinHops)
		t.rebuildDebounce()
	})
}

func (t *Tracker) ignored(appName, bundleID string) bool {
	for _, ig := range t.cfg.IgnoredApps {
		if ig == appName || (bundleID != "" && ig == bundleID) {
			return true
		}
	}
	return false
}

// onActivation buffers the event and schedules processing. Only the latest
// pending activation within the debounce window is processed.
func (t *Tracker) onActivation(a Activation) {
	if t.ignored(a.AppName, a.BundleID) {
		// Deactivation with no new app: close, open nothing
		t.pending = nil
		if t.current != nil && !t.current.isIdle {
			closed := t.closeCurrent(a.At)
			t.compactClosed(closed)
		}
		return
	}
	if t.current != nil && t.current.isIdle {
		// Idle exit is the only way out of an idle session
		return
	}

	t.pending = &a
	if t.debounced == nil {
		t.processPending()
		return
	}
	t.debounced(func() {
		t.post(t.processPending)
	})
}

// processPending opens a session for the buffered activation, closing and
// compacting the one it replaces.
func (t *Tracker) processPending() {
	a := t.pending
	t.pending = nil
	if a == nil {
		return
	}
	if t.current != nil && t.current.isIdle {
		return
	}
	// Same app: focus jitter, no session churn
	if t.current != nil && t.current.appName == a.AppName &&
		(t.current.bundleID == a.BundleID || a.BundleID == "") {
		return
	}

	var closed *types.Activity
	if t.current != nil {
		closed = t.closeCurrent(a.At)
	}

	t.openSession(a)
	t.rapid.record(a.signature(), a.At)

	if closed != nil {
		t.compactClosed(closed)
	}
}

// openSession inserts the new open activity and kicks off async tag
// resolution. A store failure leaves the tracker in NoSession; the next
// event retries naturally.
func (t *Tracker) openSession(a *Activation) {
	activity := &types.Activity{
		StartTime:   a.At,
		EndTime:     a.At,
		AppName:     a.AppName,
		BundleID:    a.BundleID,
		WindowTitle: a.WindowTitle,
	}
	ctx := context.Background()
	if err := t.store.InsertActivity(ctx, activity); err != nil {
		t.logger.Error("Opening session failed", "app", a.AppName, "error", err)
		return
	}

	t.current = &session{
		id:          activity.ID,
		appName:     a.AppName,
		bundleID:    a.BundleID,
		windowTitle: a.WindowTitle,
		startTime:   a.At,
	}
	t.currentID.Store(activity.ID)
	t.logger.Debug("Session opened", "id", activity.ID, "app", a.AppName)

	t.resolveTag(activity.ID, a.BundleID, a.AppName, a.WindowTitle)
}

// resolveTag runs rule resolution off the loop and posts the patch back in.
// Failure leaves the session untagged.
func (t *Tracker) resolveTag(id int64, bundleID, appName, windowTitle string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		res, err := t.resolver.Resolve(ctx, bundleID, appName, windowTitle)
		if err != nil {
			t.logger.Warn("Tag resolution failed, leaving session untagged",
				"id", id, "app", appName, "error", err)
			return
		}
		if res.TagID == nil {
			return
		}
		if err := t.store.UpdateActivityTag(ctx, id, res.TagID); err != nil {
			t.logger.Warn("Applying resolved tag failed", "id", id, "error", err)
			return
		}
		t.post(func() {
			if t.current != nil && t.current.id == id {
				t.current.tagID = res.TagID
			}
		})
	}()
}

// closeCurrent persists the end boundary and returns the closed activity.
// The in-memory session is cleared even when the write fails; the row stays
// recoverable via the unterminated-rows diagnostic.
func (t *Tracker) closeCurrent(at int64) *types.Activity {
	s := t.current
	t.current = nil
	t.currentID.Store(0)
	if s == nil {
		return nil
	}
	if at < s.startTime {
		at = s.startTime
	}

	ctx := context.Background()
	if err := t.store.UpdateActivityEnd(ctx, s.id, at); err != nil {
		t.logger.Error("Closing session failed", "id", s.id, "error", err)
		return nil
	}
	t.logger.Debug("Session closed", "id", s.id, "app", s.appName, "duration", at-s.startTime)
	return s.activity(at)
}

func (t *Tracker) compactClosed(closed *types.Activity) {
	if closed == nil || t.compactor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Failure already logged; the next natural trigger re-evaluates
	_ = t.compactor.CompactClosed(ctx, closed)
}

// onIdleEnter back-dates the idle start to when the threshold was first
// crossed, closes the current session there, and opens the idle activity.
func (t *Tracker) onIdleEnter(at int64, idleSeconds float64) {
	idleStart := at - int64(idleSeconds) + int64(t.cfg.IdleThreshold.Seconds())
	if t.current != nil && idleStart < t.current.startTime {
		idleStart = t.current.startTime
	}
	if idleStart >= at {
		// A zero or negative idle span is detector noise
		t.logger.Debug("Idle entry aborted", "at", at, "computed_start", idleStart)
		return
	}

	t.pending = nil

	if t.current != nil {
		closed := t.closeCurrent(idleStart)
		t.compactClosed(closed)
	}

	activity := &types.Activity{StartTime: idleStart, EndTime: idleStart, IsIdle: true}
	ctx := context.Background()
	if err := t.store.InsertActivity(ctx, activity); err != nil {
		t.logger.Error("Opening idle session failed", "error", err)
		return
	}
	t.current = &session{id: activity.ID, isIdle: true, startTime: idleStart}
	t.currentID.Store(activity.ID)
	t.logger.Info("Idle session opened", "id", activity.ID, "start", idleStart)
}

// onIdleExit closes the idle session and synthesizes an activation for
// whatever is frontmost now.
func (t *Tracker) onIdleExit(at int64) {
	if t.current != nil && t.current.isIdle {
		closed := t.closeCurrent(at)
		t.compactClosed(closed)
	}

	if t.windowAPI == nil {
		return
	}
	info, err := t.windowAPI.FrontmostApp()
	if err != nil {
		t.logger.Warn("Frontmost query on idle exit failed", "error", err)
		return
	}
	if info == nil || info.Name == "" || t.ignored(info.Name, info.BundleID) {
		return
	}

	// Resume bypasses the debounce: the user is demonstrably here
	t.pending = &Activation{
		AppName:     info.Name,
		BundleID:    info.BundleID,
		WindowTitle: info.WindowTitle,
		At:          at,
	}
	t.processPending()
}
