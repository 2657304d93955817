package types

// MatchMode controls how a rule pattern is compared against an observed value.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchEquals   MatchMode = "equals"
)

// Activity is a persisted time interval of foreground focus or idleness.
// Start and End are whole-second Unix epoch values; while the interval is
// still open the tracker keeps End equal to Start as a placeholder and
// advances it on close.
type Activity struct {
	ID          int64  `json:"id"`
	StartTime   int64  `json:"startTime"`
	EndTime     int64  `json:"endTime"`
	AppName     string `json:"appName"`
	BundleID    string `json:"bundleId,omitempty"`
	WindowTitle string `json:"windowTitle,omitempty"`
	IsIdle      bool   `json:"isIdle"`
	TagID       *int64 `json:"tagId,omitempty"`
}

// Duration returns the interval length in seconds.
func (a *Activity) Duration() int64 {
	return a.EndTime - a.StartTime
}

// Signature returns the identity key used when deciding whether two
// activities represent the same thing: the bundle id when present, the
// display name otherwise.
func (a *Activity) Signature() string {
	if a.BundleID != "" {
		return a.BundleID
	}
	return a.AppName
}

// SameIdentity reports whether two activities belong to the same
// application. Bundle ids are compared when both sides carry one; when
// either side lacks a bundle id the display names decide.
func (a *Activity) SameIdentity(b *Activity) bool {
	if a.BundleID != "" && b.BundleID != "" {
		return a.BundleID == b.BundleID
	}
	return a.AppName == b.AppName
}

// SameTag reports whether both activities carry the same tag (including
// both being untagged).
func (a *Activity) SameTag(b *Activity) bool {
	if a.TagID == nil || b.TagID == nil {
		return a.TagID == nil && b.TagID == nil
	}
	return *a.TagID == *b.TagID
}

// Mergeable reports whether b could be folded into a: same idle flag, same
// application identity and same tag. The gap check is the caller's job.
func (a *Activity) Mergeable(b *Activity) bool {
	return a.IsIdle == b.IsIdle && a.SameIdentity(b) && a.SameTag(b)
}

// Tag is a user-managed label. Names are unique case-insensitively.
type Tag struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Rule assigns (or explicitly withholds) a tag based on the observed app
// name and window title. Higher priority wins; insertion order breaks ties.
// A rule with a nil TagID still matches and forces the untagged result.
type Rule struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Enabled          bool      `json:"enabled"`
	MatchAppName     string    `json:"matchAppName,omitempty"`
	MatchWindowTitle string    `json:"matchWindowTitle,omitempty"`
	MatchMode        MatchMode `json:"matchMode"`
	TagID            *int64    `json:"tagId,omitempty"`
	Priority         int64     `json:"priority"`
}

// AppMapping is the per-bundle-id default tag assignment, consulted when no
// rule matched. AppName caches the last observed display name.
type AppMapping struct {
	ID        int64  `json:"id"`
	BundleID  string `json:"bundleId"`
	AppName   string `json:"appName"`
	TagID     *int64 `json:"tagId,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Marker is a user-placed point annotation on the timeline.
type Marker struct {
	ID    int64  `json:"id"`
	Time  int64  `json:"time"`
	Label string `json:"label"`
}

// SweepStats summarizes what a periodic compaction sweep changed.
type SweepStats struct {
	Merged            int `json:"merged"`
	Dropped           int `json:"dropped"`
	BoundariesUpdated int `json:"boundariesUpdated"`
}

// Empty reports whether the sweep performed no writes at all.
func (s SweepStats) Empty() bool {
	return s.Merged == 0 && s.Dropped == 0 && s.BoundariesUpdated == 0
}
