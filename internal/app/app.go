// Package app is the composition root: it constructs and wires the logger,
// settings, database, repository, compactor, tracker, idle detector, and
// the platform watchers, and owns their lifecycle.
package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"

	"github.com/lapsed/lapsed/internal/compactor"
	"github.com/lapsed/lapsed/internal/database"
	"github.com/lapsed/lapsed/internal/idle"
	"github.com/lapsed/lapsed/internal/infrastructure/logging"
	"github.com/lapsed/lapsed/internal/platform"
	"github.com/lapsed/lapsed/internal/repository"
	"github.com/lapsed/lapsed/internal/settings"
	"github.com/lapsed/lapsed/internal/tracker"
)

// Options are the daemon's startup knobs, normally filled from flags.
type Options struct {
	// DBPath overrides the environment default database location.
	DBPath string
	// SettingsPath names the optional JSON settings file.
	SettingsPath string
	// Environment selects the database profile (development, test,
	// production).
	Environment string
	// LogFile enables the rotating file sink; empty logs to stderr.
	LogFile string
}

// dbRetryInterval paces re-initialization attempts when the store is not
// reachable at startup.
const dbRetryInterval = 30 * time.Second

// App owns every component and their start/stop ordering.
type App struct {
	opts     Options
	logger   logging.Logger
	settings *settings.Store
	clock    func() time.Time

	dbService       *database.SQLiteService
	dbConfig        *database.Config
	store           *repository.SQLiteStore
	compactor       *compactor.Compactor
	tracker         *tracker.Tracker
	actWatcher      *platform.ActivationWatcher
	settingsWatcher *settings.Watcher
	windowAPI       platform.WindowAPI
	inputAPI        platform.InputAPI

	// detector is swapped by rebuildDetector on the settings goroutine
	// while shutdown reads it from the main one.
	detectorMu sync.Mutex
	detector   *idle.Detector

	// graceUntil is the epoch second the resume-grace window closes at;
	// written from the detector's transition callback, read by suppression
	// on the poll goroutine.
	graceUntil atomic.Int64
}

// New builds the app shell: logger and settings only. Everything touching
// the store is deferred to Run so a missing database never prevents the
// process from coming up.
func New(opts Options) *App {
	var logger logging.Logger
	if opts.LogFile != "" {
		logger = logging.NewFileLogger(opts.LogFile, 20, 5)
	} else {
		logger = logging.NewDefaultLogger()
	}

	return &App{
		opts:      opts,
		logger:    logger,
		settings:  settings.NewStore(opts.SettingsPath, logger),
		clock:     time.Now,
		windowAPI: platform.NewWindowAPI(),
		inputAPI:  platform.NewInputAPI(),
	}
}

// Run initializes the store (retrying while it is unreachable), starts the
// tracking pipeline, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting lapsed",
		"environment", a.opts.Environment,
		"settings_file", a.opts.SettingsPath)

	for {
		if err := a.initDatabase(ctx); err == nil {
			break
		} else {
			a.logger.Error("Database initialization failed, retrying",
				"retry_in", dbRetryInterval.String(), "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dbRetryInterval):
		}
	}

	a.startPipeline(ctx)
	<-ctx.Done()
	a.shutdown()
	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	cfg := database.ConfigForEnvironment(a.opts.Environment)
	if err := cfg.LoadFromEnvironment(); err != nil {
		return err
	}
	if a.opts.DBPath != "" {
		cfg.Path = a.opts.DBPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	service := database.NewSQLiteService(a.logger)
	if err := service.Connect(ctx, cfg); err != nil {
		return err
	}
	if cfg.AutoMigrate {
		if err := service.Migrate(ctx); err != nil {
			service.Close()
			return err
		}
	}

	a.dbService = service
	a.dbConfig = cfg
	a.store = repository.NewSQLiteStore(service, a.logger)
	return nil
}

func (a *App) startPipeline(ctx context.Context) {
	snap := a.settings.Current()

	a.reportUnterminated(ctx)
	a.cleanupRetention(ctx, snap)

	a.compactor = compactor.NewCompactor(a.store, compactorConfig(snap), func() int64 {
		if a.tracker == nil {
			return 0
		}
		return a.tracker.CurrentActivityID()
	}, a.logger)

	resolver := tracker.NewResolver(a.store, nil, a.logger)
	a.tracker = tracker.NewTracker(a.store, resolver, a.compactor, a.windowAPI,
		trackerConfig(snap), a.publishOverlays, a.logger)
	a.tracker.Start()

	a.detectorMu.Lock()
	a.detector = a.buildDetector(snap)
	a.detector.Start()
	a.detectorMu.Unlock()

	a.actWatcher = platform.NewActivationWatcher(a.windowAPI, time.Second, func(act platform.Activation) {
		a.tracker.HandleActivation(tracker.Activation{
			AppName:     act.App.Name,
			BundleID:    act.App.BundleID,
			WindowTitle: act.App.WindowTitle,
			At:          act.At,
		})
	}, a.logger)
	a.actWatcher.Start()

	a.subscribeSettings(ctx)
	a.watchSettingsFile(ctx)
	go a.sweepLoop(ctx)
	if a.dbConfig.VacuumInterval > 0 {
		go a.maintenanceLoop(ctx)
	}

	a.logger.Info("Tracking pipeline started")
}

// reportUnterminated logs rows a previous crash left open. The sweep will
// fold the zero-length leftovers away.
func (a *App) reportUnterminated(ctx context.Context) {
	rows, err := a.store.UnterminatedActivities(ctx)
	if err != nil {
		a.logger.Warn("Unterminated-session scan failed", "error", err)
		return
	}
	if len(rows) > 0 {
		a.logger.Warn("Found unterminated sessions from a previous run", "count", len(rows))
	}
}

func (a *App) cleanupRetention(ctx context.Context, snap settings.Settings) {
	days := a.retentionDays(snap)
	if days <= 0 {
		return
	}
	cutoff := a.clock().AddDate(0, 0, -days).Unix()
	removed, err := a.store.DeleteActivitiesBefore(ctx, cutoff)
	if err != nil {
		a.logger.Warn("Retention cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		a.logger.Info("Retention cleanup removed old activities",
			"removed", removed, "retention_days", days)
	}
}

// retentionDays resolves the pruning horizon: the user setting wins, the
// database config's cleanup policy is the fallback.
func (a *App) retentionDays(snap settings.Settings) int {
	if snap.RetentionDays > 0 {
		return snap.RetentionDays
	}
	if a.dbConfig != nil && a.dbConfig.EnableCleanup {
		return a.dbConfig.RetentionDays
	}
	return 0
}

// maintenanceLoop prunes old rows and compacts the database file on the
// config's vacuum cadence.
func (a *App) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(a.dbConfig.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		a.cleanupRetention(ctx, a.settings.Current())
		if err := a.dbService.Optimize(ctx); err != nil {
			a.logger.Warn("Scheduled database optimization failed", "error", err)
		}
	}
}

func (a *App) buildDetector(snap settings.Settings) *idle.Detector {
	cfg := idle.Config{
		Threshold:    snap.IdleThreshold,
		PollInterval: snap.IdlePollInterval,
		Hysteresis:   snap.IdleHysteresis,
	}
	return idle.NewDetector(cfg, a.inputAPI.IdleSeconds, a.suppression,
		func(t idle.Transition) {
			if t.To == idle.StateActive {
				a.observeIdleExit(t.At)
			}
			a.tracker.HandleIdleChange(t.To == idle.StateIdle, t.At, t.IdleSeconds)
		}, nil, a.logger)
}

// observeIdleExit opens the resume-grace window. Right after the user comes
// back, a stale idle sample must not flip the detector straight back.
func (a *App) observeIdleExit(at int64) {
	grace := a.settings.Current().ResumeGracePeriod
	if grace > 0 {
		a.graceUntil.Store(at + int64(grace.Seconds()))
	}
}

// suppression holds the detector active during the resume-grace window and
// while the frontmost app is allowlisted (video players, presentation mode).
func (a *App) suppression() (bool, string) {
	snap := a.settings.Current()
	if until := a.graceUntil.Load(); until > 0 && a.clock().Unix() < until {
		return true, "resume_grace"
	}
	if !snap.MediaSuppression || len(snap.SuppressionAllowlist) == 0 {
		return false, ""
	}
	info, err := a.windowAPI.FrontmostApp()
	if err != nil || info == nil {
		return false, ""
	}
	for _, allowed := range snap.SuppressionAllowlist {
		if allowed == info.Name || allowed == info.BundleID {
			return true, "app_allowlisted"
		}
	}
	return false, ""
}

func (a *App) publishOverlays(ranges []tracker.OverlayRange) {
	if len(ranges) > 0 {
		a.logger.Debug("Rapid switching detected", "apps", len(ranges))
	}
}

// subscribeSettings reconfigures the pipeline on settings changes. The
// detector rebuild is debounced so a burst of file events restarts it only
// once; the sweep nudge waits a beat longer for the new knobs to settle.
func (a *App) subscribeSettings(ctx context.Context) {
	rebuild := debounce.New(250 * time.Millisecond)
	nudgeSweep := debounce.New(time.Second)

	a.settings.Subscribe(func(snap settings.Settings) {
		a.tracker.Configure(trackerConfig(snap))
		a.compactor.Configure(compactorConfig(snap))

		rebuild(func() { a.rebuildDetector(snap) })
		nudgeSweep(func() {
			if _, err := a.compactor.SweepIfDue(ctx, time.Now(), true); err != nil {
				a.logger.Warn("Post-reconfiguration sweep failed", "error", err)
			}
		})
	})
}

func (a *App) rebuildDetector(snap settings.Settings) {
	next := a.buildDetector(snap)
	a.detectorMu.Lock()
	old := a.detector
	a.detector = next
	a.detectorMu.Unlock()
	if old != nil {
		old.Stop()
	}
	next.Start()
	a.logger.Info("Idle detector rebuilt",
		"threshold", snap.IdleThreshold.String(),
		"poll_interval", snap.IdlePollInterval.String(),
		"hysteresis", snap.IdleHysteresis)
}

func (a *App) watchSettingsFile(ctx context.Context) {
	if a.opts.SettingsPath == "" {
		return
	}
	watcher, err := settings.NewWatcher(a.settings, a.logger)
	if err != nil {
		a.logger.Warn("Settings watching unavailable, edits require a restart", "error", err)
		return
	}
	a.settingsWatcher = watcher
	go watcher.Run(ctx)
}

// sweepLoop runs the once-per-day compaction sweep. The due check is
// cheap, so the loop polls hourly and lets SweepIfDue decide.
func (a *App) sweepLoop(ctx context.Context) {
	// Give startup a moment before the first pass
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Minute):
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if _, err := a.compactor.SweepIfDue(ctx, time.Now(), false); err != nil {
			a.logger.Warn("Scheduled sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// shutdown stops components in reverse dependency order: inputs first so
// no new events race the closing store.
func (a *App) shutdown() {
	a.logger.Info("Shutting down")

	if a.actWatcher != nil {
		a.actWatcher.Stop()
	}
	a.detectorMu.Lock()
	detector := a.detector
	a.detector = nil
	a.detectorMu.Unlock()
	if detector != nil {
		detector.Stop()
	}
	if a.tracker != nil {
		a.tracker.Stop()
	}
	if a.settingsWatcher != nil {
		a.settingsWatcher.Close()
	}
	if a.dbService != nil {
		if err := a.dbService.Close(); err != nil {
			a.logger.Warn("Closing database failed", "error", err)
		}
	}

	a.logger.Info("Shutdown complete")
}

func trackerConfig(s settings.Settings) tracker.Config {
	return tracker.Config{
		IgnoredApps:        s.IgnoredApps,
		SwitchDebounce:     s.SwitchDebounce,
		IdleThreshold:      s.IdleThreshold,
		RapidSwitchWindow:  s.RapidSwitchWindow,
		RapidSwitchMinHops: s.RapidSwitchMinHops,
	}
}

func compactorConfig(s settings.Settings) compactor.Config {
	return compactor.Config{
		AggregationEnabled: s.AggregationEnabled,
		SweepEnabled:       s.CompactionEnabled,
		MinSessionDuration: s.MinSessionDuration,
		MergeGap:           s.MergeGap,
		LookbackDays:       s.LookbackDays,
	}
}
