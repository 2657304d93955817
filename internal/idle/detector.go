// Package idle samples system input-idle time and turns it into debounced
// Active/Idle transitions. Hysteresis absorbs single noisy samples, such as
// a stray input event in the middle of genuine idleness.
package idle

import (
	"sync"
	"time"

	"github.com/lapsed/lapsed/internal/infrastructure/logging"
)

// State is the detector's debounced view of the user.
type State int

const (
	StateActive State = iota
	StateIdle
)

func (s State) String() string {
	if s == StateIdle {
		return "idle"
	}
	return "active"
}

// Transition is emitted when the debounced state flips.
type Transition struct {
	To State
	// At is the poll time of the flipping sample, Unix seconds.
	At int64
	// IdleSeconds is the raw sample at the flipping tick. On an idle entry
	// the consumer uses it to back-date the idle start; on exit it is
	// reported as-is (the caller owns any grace-period correction).
	IdleSeconds float64
	// SuppressReason is set when the flip to Active was forced by
	// suppression rather than input.
	SuppressReason string
}

// Sample is the raw per-tick reading, emitted regardless of transitions.
type Sample struct {
	At          int64
	IdleSeconds float64
	Suppressed  bool
	State       State
}

// Config bounds. Out-of-range values are clamped on construction so a bad
// settings snapshot degrades instead of breaking detection.
const (
	MinThreshold    = 30 * time.Second
	MaxThreshold    = 3600 * time.Second
	MinPollInterval = 1 * time.Second
	MaxPollInterval = 10 * time.Second
	MinHysteresis   = 1
	MaxHysteresis   = 6
)

// Config holds the detector knobs.
type Config struct {
	Threshold    time.Duration
	PollInterval time.Duration
	Hysteresis   int
}

func (c Config) clamped() Config {
	if c.Threshold < MinThreshold {
		c.Threshold = MinThreshold
	} else if c.Threshold > MaxThreshold {
		c.Threshold = MaxThreshold
	}
	if c.PollInterval < MinPollInterval {
		c.PollInterval = MinPollInterval
	} else if c.PollInterval > MaxPollInterval {
		c.PollInterval = MaxPollInterval
	}
	if c.Hysteresis < MinHysteresis {
		c.Hysteresis = MinHysteresis
	} else if c.Hysteresis > MaxHysteresis {
		c.Hysteresis = MaxHysteresis
	}
	return c
}

// SamplerFunc returns seconds since the last user input event.
type SamplerFunc func() (float64, error)

// SuppressFunc reports whether idle transitions are currently suppressed
// (allowlisted frontmost app, media playing, resume-grace window) and why.
type SuppressFunc func() (bool, string)

// Detector is the hysteresis state machine plus its poll loop. The step
// logic lives in Tick so tests can drive it without timers.
type Detector struct {
	cfg      Config
	sampler  SamplerFunc
	suppress SuppressFunc
	clock    func() time.Time
	logger   logging.Logger

	onTransition func(Transition)
	onSample     func(Sample)

	mu          sync.Mutex
	state       State
	idleCount   int
	activeCount int
	stop        chan struct{}
	done        chan struct{}
}

// NewDetector builds a stopped detector. onSample may be nil.
func NewDetector(cfg Config, sampler SamplerFunc, suppress SuppressFunc,
	onTransition func(Transition), onSample func(Sample), logger logging.Logger) *Detector {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if suppress == nil {
		suppress = func() (bool, string) { return false, "" }
	}
	return &Detector{
		cfg:          cfg.clamped(),
		sampler:      sampler,
		suppress:     suppress,
		clock:        time.Now,
		logger:       logger,
		onTransition: onTransition,
		onSample:     onSample,
		state:        StateActive,
	}
}

// SetClock overrides the wall clock. Test hook.
func (d *Detector) SetClock(clock func() time.Time) {
	d.clock = clock
}

// Config returns the clamped configuration in effect.
func (d *Detector) Config() Config {
	return d.cfg
}

// State returns the current debounced state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Tick evaluates one poll sample and returns the transition it caused, if
// any. Exactly the per-tick rule: suppressed samples count as active;
// samples at or past the threshold count toward idleness; a flip requires
// hysteresis consecutive agreeing samples.
func (d *Detector) Tick(at int64, idleSeconds float64, suppressed bool, reason string) *Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	var t *Transition
	switch {
	case suppressed:
		d.idleCount = 0
		d.activeCount++
		if d.state == StateIdle && d.activeCount >= d.cfg.Hysteresis {
			d.state = StateActive
			t = &Transition{To: StateActive, At: at, IdleSeconds: idleSeconds, SuppressReason: reason}
		}
	case idleSeconds >= d.cfg.Threshold.Seconds():
		d.activeCount = 0
		d.idleCount++
		if d.state == StateActive && d.idleCount >= d.cfg.Hysteresis {
			d.state = StateIdle
			t = &Transition{To: StateIdle, At: at, IdleSeconds: idleSeconds}
		}
	default:
		d.idleCount = 0
		d.activeCount++
		if d.state == StateIdle && d.activeCount >= d.cfg.Hysteresis {
			d.state = StateActive
			t = &Transition{To: StateActive, At: at, IdleSeconds: idleSeconds}
		}
	}
	if t != nil {
		d.idleCount = 0
		d.activeCount = 0
	}
	return t
}

// Start launches the poll loop. Idempotent: starting a running detector is
// a no-op.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.stop != nil {
		d.mu.Unlock()
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.mu.Unlock()

	d.logger.Info("Idle detector started",
		"threshold", d.cfg.Threshold.String(),
		"poll_interval", d.cfg.PollInterval.String(),
		"hysteresis", d.cfg.Hysteresis)

	go d.run(stop, done)
}

// Stop halts the poll loop, resets the counters, and forces the state back
// to Active without emitting a transition. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.stop == nil {
		d.mu.Unlock()
		return
	}
	stop, done := d.stop, d.done
	d.stop = nil
	d.done = nil
	d.mu.Unlock()

	close(stop)
	<-done

	d.mu.Lock()
	d.state = StateActive
	d.idleCount = 0
	d.activeCount = 0
	d.mu.Unlock()

	d.logger.Info("Idle detector stopped")
}

func (d *Detector) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.poll()
		}
	}
}

func (d *Detector) poll() {
	idleSeconds, err := d.sampler()
	if err != nil {
		d.logger.Warn("Idle sample failed", "error", err)
		return
	}
	suppressed, reason := d.suppress()
	at := d.clock().Unix()

	t := d.Tick(at, idleSeconds, suppressed, reason)

	if d.onSample != nil {
		d.onSample(Sample{At: at, IdleSeconds: idleSeconds, Suppressed: suppressed, State: d.State()})
	}
	if t != nil {
		d.logger.Info("Idle state changed",
			"state", t.To.String(),
			"idle_seconds", t.IdleSeconds,
			"suppress_reason", t.SuppressReason)
		if d.onTransition != nil {
			d.onTransition(*t)
		}
	}
}
