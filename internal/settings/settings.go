package settings

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/lapsed/lapsed/internal/infrastructure/logging"
)

// Defaults and clamp bounds. Values outside a bound are clamped, not
// rejected: a hand-edited settings file should never take the tracker down.
const (
	DefaultIdleThreshold = 300 * time.Second
	MinIdleThreshold     = 30 * time.Second
	MaxIdleThreshold     = 3600 * time.Second

	DefaultIdlePollInterval = 2 * time.Second
	MinIdlePollInterval     = 1 * time.Second
	MaxIdlePollInterval     = 10 * time.Second

	DefaultIdleHysteresis = 2
	MinIdleHysteresis     = 1
	MaxIdleHysteresis     = 6

	DefaultResumeGracePeriod  = 2 * time.Second
	DefaultMinSessionDuration = 5 * time.Second
	DefaultMergeGap           = 3 * time.Second
	DefaultSwitchDebounce     = 700 * time.Millisecond

	DefaultRapidSwitchWindow  = 12 * time.Second
	DefaultRapidSwitchMinHops = 4

	DefaultLookbackDays = 3
)

// Settings is an immutable snapshot of tracker configuration. Consumers
// hold a copy; a change produces a fresh snapshot through the Store.
type Settings struct {
	// Idle detection
	IdleThreshold     time.Duration
	IdlePollInterval  time.Duration
	IdleHysteresis    int
	ResumeGracePeriod time.Duration
	MediaSuppression  bool
	// Apps whose foreground presence suppresses idle transitions even
	// without input (video players, presentation mode).
	SuppressionAllowlist []string

	// Session aggregation
	AggregationEnabled bool
	MinSessionDuration time.Duration
	MergeGap           time.Duration
	SwitchDebounce     time.Duration
	RapidSwitchWindow  time.Duration
	RapidSwitchMinHops int

	// Compaction sweep
	CompactionEnabled bool
	LookbackDays      int

	// Apps excluded from tracking entirely (matched by bundle id or name)
	IgnoredApps []string

	// Retention; zero disables cleanup
	RetentionDays int
}

// Default returns the baseline settings snapshot.
func Default() Settings {
	return Settings{
		IdleThreshold:      DefaultIdleThreshold,
		IdlePollInterval:   DefaultIdlePollInterval,
		IdleHysteresis:     DefaultIdleHysteresis,
		ResumeGracePeriod:  DefaultResumeGracePeriod,
		MediaSuppression:   true,
		AggregationEnabled: true,
		MinSessionDuration: DefaultMinSessionDuration,
		MergeGap:           DefaultMergeGap,
		SwitchDebounce:     DefaultSwitchDebounce,
		RapidSwitchWindow:  DefaultRapidSwitchWindow,
		RapidSwitchMinHops: DefaultRapidSwitchMinHops,
		CompactionEnabled:  true,
		LookbackDays:       DefaultLookbackDays,
	}
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// normalize clamps every bounded field into its valid range and repairs
// values that would stall the pipeline.
func (s Settings) normalize() Settings {
	s.IdleThreshold = clampDuration(s.IdleThreshold, MinIdleThreshold, MaxIdleThreshold)
	s.IdlePollInterval = clampDuration(s.IdlePollInterval, MinIdlePollInterval, MaxIdlePollInterval)
	s.IdleHysteresis = clampInt(s.IdleHysteresis, MinIdleHysteresis, MaxIdleHysteresis)
	if s.ResumeGracePeriod < 0 {
		s.ResumeGracePeriod = 0
	}
	if s.MinSessionDuration < 0 {
		s.MinSessionDuration = 0
	}
	if s.MergeGap < 0 {
		s.MergeGap = 0
	}
	if s.SwitchDebounce < 0 {
		s.SwitchDebounce = 0
	}
	if s.RapidSwitchWindow <= 0 {
		s.RapidSwitchWindow = DefaultRapidSwitchWindow
	}
	if s.RapidSwitchMinHops < 2 {
		s.RapidSwitchMinHops = 2
	}
	if s.LookbackDays < 1 {
		s.LookbackDays = 1
	}
	if s.RetentionDays < 0 {
		s.RetentionDays = 0
	}
	return s
}

// fileSettings is the on-disk JSON shape. Durations are whole numbers in
// the unit named by the key; pointers distinguish absent from zero.
type fileSettings struct {
	IdleThresholdSeconds    *int     `json:"idle_threshold_seconds"`
	IdlePollIntervalSeconds *int     `json:"idle_poll_interval_seconds"`
	IdleHysteresis          *int     `json:"idle_hysteresis"`
	ResumeGraceSeconds      *int     `json:"resume_grace_seconds"`
	MediaSuppression        *bool    `json:"media_suppression"`
	SuppressionAllowlist    []string `json:"suppression_allowlist"`
	AggregationEnabled      *bool    `json:"aggregation_enabled"`
	MinSessionSeconds       *int     `json:"min_session_seconds"`
	MergeGapSeconds         *int     `json:"merge_gap_seconds"`
	SwitchDebounceMillis    *int     `json:"switch_debounce_ms"`
	RapidSwitchWindowSecs   *int     `json:"rapid_switch_window_seconds"`
	RapidSwitchMinHops      *int     `json:"rapid_switch_min_hops"`
	CompactionEnabled       *bool    `json:"compaction_enabled"`
	LookbackDays            *int     `json:"lookback_days"`
	IgnoredApps             []string `json:"ignored_apps"`
	RetentionDays           *int     `json:"retention_days"`
}

func (f *fileSettings) apply(s Settings) Settings {
	if f.IdleThresholdSeconds != nil {
		s.IdleThreshold = time.Duration(*f.IdleThresholdSeconds) * time.Second
	}
	if f.IdlePollIntervalSeconds != nil {
		s.IdlePollInterval = time.Duration(*f.IdlePollIntervalSeconds) * time.Second
	}
	if f.IdleHysteresis != nil {
		s.IdleHysteresis = *f.IdleHysteresis
	}
	if f.ResumeGraceSeconds != nil {
		s.ResumeGracePeriod = time.Duration(*f.ResumeGraceSeconds) * time.Second
	}
	if f.MediaSuppression != nil {
		s.MediaSuppression = *f.MediaSuppression
	}
	if f.SuppressionAllowlist != nil {
		s.SuppressionAllowlist = f.SuppressionAllowlist
	}
	if f.AggregationEnabled != nil {
		s.AggregationEnabled = *f.AggregationEnabled
	}
	if f.MinSessionSeconds != nil {
		s.MinSessionDuration = time.Duration(*f.MinSessionSeconds) * time.Second
	}
	if f.MergeGapSeconds != nil {
		s.MergeGap = time.Duration(*f.MergeGapSeconds) * time.Second
	}
	if f.SwitchDebounceMillis != nil {
		s.SwitchDebounce = time.Duration(*f.SwitchDebounceMillis) * time.Millisecond
	}
	if f.RapidSwitchWindowSecs != nil {
		s.RapidSwitchWindow = time.Duration(*f.RapidSwitchWindowSecs) * time.Second
	}
	if f.RapidSwitchMinHops != nil {
		s.RapidSwitchMinHops = *f.RapidSwitchMinHops
	}
	if f.CompactionEnabled != nil {
		s.CompactionEnabled = *f.CompactionEnabled
	}
	if f.LookbackDays != nil {
		s.LookbackDays = *f.LookbackDays
	}
	if f.IgnoredApps != nil {
		s.IgnoredApps = f.IgnoredApps
	}
	if f.RetentionDays != nil {
		s.RetentionDays = *f.RetentionDays
	}
	return s
}

// loadFile layers the JSON settings file over s. A missing file is not an
// error; a malformed one is.
func loadFile(path string, s Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, pkgerrors.Wrapf(err, "reading settings file %s", path)
	}

	var f fileSettings
	if err := json.Unmarshal(data, &f); err != nil {
		return s, pkgerrors.Wrapf(err, "parsing settings file %s", path)
	}
	return f.apply(s), nil
}

// loadEnv layers LAPSED_* environment overrides over s. A malformed value
// is skipped with a warning rather than failing startup.
func loadEnv(s Settings, logger logging.Logger) Settings {
	secs := func(key string, dst *time.Duration) {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = time.Duration(v) * time.Second
			} else {
				logger.Warn("Ignoring malformed settings override", "key", key, "value", raw)
			}
		}
	}
	ints := func(key string, dst *int) {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			} else {
				logger.Warn("Ignoring malformed settings override", "key", key, "value", raw)
			}
		}
	}
	bools := func(key string, dst *bool) {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.ParseBool(raw); err == nil {
				*dst = v
			} else {
				logger.Warn("Ignoring malformed settings override", "key", key, "value", raw)
			}
		}
	}

	secs("LAPSED_IDLE_THRESHOLD", &s.IdleThreshold)
	secs("LAPSED_IDLE_POLL_INTERVAL", &s.IdlePollInterval)
	ints("LAPSED_IDLE_HYSTERESIS", &s.IdleHysteresis)
	secs("LAPSED_RESUME_GRACE", &s.ResumeGracePeriod)
	bools("LAPSED_MEDIA_SUPPRESSION", &s.MediaSuppression)
	bools("LAPSED_AGGREGATION_ENABLED", &s.AggregationEnabled)
	secs("LAPSED_MIN_SESSION", &s.MinSessionDuration)
	secs("LAPSED_MERGE_GAP", &s.MergeGap)
	secs("LAPSED_RAPID_SWITCH_WINDOW", &s.RapidSwitchWindow)
	ints("LAPSED_RAPID_SWITCH_MIN_HOPS", &s.RapidSwitchMinHops)
	bools("LAPSED_COMPACTION_ENABLED", &s.CompactionEnabled)
	ints("LAPSED_LOOKBACK_DAYS", &s.LookbackDays)
	ints("LAPSED_RETENTION_DAYS", &s.RetentionDays)

	if raw := os.Getenv("LAPSED_SWITCH_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			s.SwitchDebounce = time.Duration(v) * time.Millisecond
		} else {
			logger.Warn("Ignoring malformed settings override", "key", "LAPSED_SWITCH_DEBOUNCE_MS", "value", raw)
		}
	}
	if raw := os.Getenv("LAPSED_IGNORED_APPS"); raw != "" {
		s.IgnoredApps = splitList(raw)
	}
	if raw := os.Getenv("LAPSED_SUPPRESSION_ALLOWLIST"); raw != "" {
		s.SuppressionAllowlist = splitList(raw)
	}

	return s
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Store holds the current settings snapshot and fans changes out to
// subscribers. Precedence on load: defaults, then file, then environment.
type Store struct {
	mu          sync.RWMutex
	current     Settings
	path        string
	logger      logging.Logger
	subscribers []func(Settings)
}

// NewStore loads the initial snapshot from path (optional) and the
// environment. A broken file falls back to defaults-plus-env so the
// tracker still comes up.
func NewStore(path string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	s := Default()
	if path != "" {
		loaded, err := loadFile(path, s)
		if err != nil {
			logger.Warn("Settings file unusable, continuing with defaults", "path", path, "error", err)
		} else {
			s = loaded
		}
	}
	s = loadEnv(s, logger).normalize()

	return &Store{current: s, path: path, logger: logger}
}

// Current returns the active snapshot.
func (st *Store) Current() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Subscribe registers fn to run (synchronously, on the reloading
// goroutine) whenever the snapshot changes.
func (st *Store) Subscribe(fn func(Settings)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.subscribers = append(st.subscribers, fn)
}

// Reload re-reads the settings file and environment. Subscribers fire only
// when the snapshot actually changed.
func (st *Store) Reload() {
	s := Default()
	if st.path != "" {
		loaded, err := loadFile(st.path, s)
		if err != nil {
			st.logger.Warn("Settings reload failed, keeping current snapshot", "path", st.path, "error", err)
			return
		}
		s = loaded
	}
	s = loadEnv(s, st.logger).normalize()

	st.mu.Lock()
	changed := !equal(st.current, s)
	if changed {
		st.current = s
	}
	subs := st.subscribers
	st.mu.Unlock()

	if !changed {
		return
	}
	st.logger.Info("Settings reloaded",
		"idle_threshold", s.IdleThreshold.String(),
		"aggregation_enabled", s.AggregationEnabled,
		"compaction_enabled", s.CompactionEnabled)
	for _, fn := range subs {
		fn(s)
	}
}

func equal(a, b Settings) bool {
	if a.IdleThreshold != b.IdleThreshold ||
		a.IdlePollInterval != b.IdlePollInterval ||
		a.IdleHysteresis != b.IdleHysteresis ||
		a.ResumeGracePeriod != b.ResumeGracePeriod ||
		a.MediaSuppression != b.MediaSuppression ||
		a.AggregationEnabled != b.AggregationEnabled ||
		a.MinSessionDuration != b.MinSessionDuration ||
		a.MergeGap != b.MergeGap ||
		a.SwitchDebounce != b.SwitchDebounce ||
		a.RapidSwitchWindow != b.RapidSwitchWindow ||
		a.RapidSwitchMinHops != b.RapidSwitchMinHops ||
		a.CompactionEnabled != b.CompactionEnabled ||
		a.LookbackDays != b.LookbackDays ||
		a.RetentionDays != b.RetentionDays {
		return false
	}
	return equalList(a.IgnoredApps, b.IgnoredApps) &&
		equalList(a.SuppressionAllowlist, b.SuppressionAllowlist)
}

func equalList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
