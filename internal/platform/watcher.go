package platform

import (
	"sync"
	"time"

	"github.com/lapsed/lapsed/internal/infrastructure/logging"
)

// Activation is a foreground-app change observed by the watcher.
type Activation struct {
	App AppInfo
	// At is the observation time, Unix seconds.
	At int64
}

// ActivationWatcher polls the frontmost application and emits an activation
// event whenever it changes. Polling stands in for an OS change
// notification; one second is fine-grained enough for whole-second records.
type ActivationWatcher struct {
	api      WindowAPI
	interval time.Duration
	clock    func() time.Time
	logger   logging.Logger
	onChange func(Activation)

	mu   sync.Mutex
	last string
	stop chan struct{}
	done chan struct{}
}

// NewActivationWatcher builds a stopped watcher. interval <= 0 defaults to
// one second.
func NewActivationWatcher(api WindowAPI, interval time.Duration, onChange func(Activation), logger logging.Logger) *ActivationWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &ActivationWatcher{
		api:      api,
		interval: interval,
		clock:    time.Now,
		logger:   logger,
		onChange: onChange,
	}
}

// SetClock overrides the wall clock. Test hook.
func (w *ActivationWatcher) SetClock(clock func() time.Time) {
	w.clock = clock
}

// Start launches the poll loop. Idempotent.
func (w *ActivationWatcher) Start() {
	w.mu.Lock()
	if w.stop != nil {
		w.mu.Unlock()
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stop, w.done
	w.mu.Unlock()

	go w.run(stop, done)
}

// Stop halts the poll loop. Idempotent.
func (w *ActivationWatcher) Stop() {
	w.mu.Lock()
	if w.stop == nil {
		w.mu.Unlock()
		return
	}
	stop, done := w.stop, w.done
	w.stop = nil
	w.done = nil
	w.mu.Unlock()

	close(stop)
	<-done
}

func (w *ActivationWatcher) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll performs one observation. Exposed so idle-exit handling can force an
// immediate re-read of the frontmost app.
func (w *ActivationWatcher) Poll() {
	info, err := w.api.FrontmostApp()
	if err != nil {
		w.logger.Debug("Frontmost app query failed", "error", err)
		return
	}
	if info == nil || info.Name == "" {
		return
	}

	key := info.BundleID
	if key == "" {
		key = info.Name
	}

	w.mu.Lock()
	changed := key != w.last
	if changed {
		w.last = key
	}
	w.mu.Unlock()

	if changed && w.onChange != nil {
		w.onChange(Activation{App: *info, At: w.clock().Unix()})
	}
}
