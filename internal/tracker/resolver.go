package tracker

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/infrastructure/logging"
	"github.com/lapsed/lapsed/internal/repository"
	"github.com/lapsed/lapsed/internal/types"
)

// defaultMappingTags seeds the tag of a freshly created app mapping. Keys
// are matched against the bundle id and the lowercased app name; values are
// tag names resolved at creation time (the tag must already exist).
var defaultMappingTags = map[string]string{
	"com.apple.dt.Xcode":        "Development",
	"com.microsoft.VSCode":      "Development",
	"com.googlecode.iterm2":     "Development",
	"com.apple.Terminal":        "Development",
	"com.google.Chrome":         "Browsing",
	"com.apple.Safari":          "Browsing",
	"org.mozilla.firefox":       "Browsing",
	"com.tinyspeck.slackmacgap": "Communication",
	"com.apple.mail":            "Communication",
	"us.zoom.xos":               "Communication",
}

// fold lowercases and strips diacritics so "Café" matches "cafe".
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		// Fall back to plain case folding on malformed input
		return strings.ToLower(s)
	}
	return strings.ToLower(out)
}

// Resolution is the outcome of tag resolution for one session.
type Resolution struct {
	// TagID is nil when the session is untagged.
	TagID *int64
	// RuleID is set when a rule decided the outcome.
	RuleID *int64
	// FromMapping is true when the tag came from the app-mapping fallback.
	FromMapping bool
}

// Resolver decides which tag applies to an application, by priority-ordered
// rule matching with an app-mapping fallback.
type Resolver struct {
	store  repository.Store
	logger logging.Logger
	clock  func() int64
}

// NewResolver builds a resolver over the store. clock supplies Unix seconds
// for mapping update times; nil uses the wall clock.
func NewResolver(store repository.Store, clock func() int64, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Resolver{store: store, logger: logger, clock: clock}
}

func patternMatches(pattern, value string, mode types.MatchMode) bool {
	p, v := fold(pattern), fold(value)
	if mode == types.MatchEquals {
		return p == v
	}
	return strings.Contains(v, p)
}

// ruleMatches applies one rule. An absent pattern is no constraint; a rule
// with neither pattern matches everything at its priority.
func ruleMatches(rule types.Rule, appName, windowTitle string) bool {
	if rule.MatchAppName != "" && !patternMatches(rule.MatchAppName, appName, rule.MatchMode) {
		return false
	}
	if rule.MatchWindowTitle != "" && !patternMatches(rule.MatchWindowTitle, windowTitle, rule.MatchMode) {
		return false
	}
	return true
}

// Resolve returns the tag for (bundleID?, appName, windowTitle?). Idle
// sessions never reach this path; the tracker keeps them untagged.
func (r *Resolver) Resolve(ctx context.Context, bundleID, appName, windowTitle string) (Resolution, error) {
	rules, err := r.store.EnabledRulesOrdered(ctx)
	if err != nil {
		return Resolution{}, err
	}

	for i := range rules {
		if !ruleMatches(rules[i], appName, windowTitle) {
			continue
		}
		// First match wins. A tagless rule still wins: it forces
		// untagged and shadows any mapping default.
		return Resolution{TagID: rules[i].TagID, RuleID: &rules[i].ID}, nil
	}

	if bundleID == "" {
		return Resolution{}, nil
	}
	tagID, err := r.mappingTag(ctx, bundleID, appName)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{TagID: tagID, FromMapping: tagID != nil}, nil
}

// mappingTag looks up the per-app default, creating the mapping on first
// sight and refreshing its cached display name when it drifts.
func (r *Resolver) mappingTag(ctx context.Context, bundleID, appName string) (*int64, error) {
	mapping, err := r.store.GetAppMapping(ctx, bundleID)
	if err != nil {
		if !storeerrors.IsNotFound(err) {
			return nil, err
		}
		return r.createMapping(ctx, bundleID, appName)
	}

	if mapping.AppName != appName && appName != "" {
		mapping.AppName = appName
		mapping.UpdatedAt = r.now()
		if err := r.store.UpsertAppMapping(ctx, mapping); err != nil {
			r.logger.Warn("Refreshing app mapping name failed",
				"bundle_id", bundleID, "error", err)
		}
	}
	return mapping.TagID, nil
}

func (r *Resolver) createMapping(ctx context.Context, bundleID, appName string) (*int64, error) {
	mapping := &types.AppMapping{
		BundleID:  bundleID,
		AppName:   appName,
		TagID:     r.seedTag(ctx, bundleID, appName),
		UpdatedAt: r.now(),
	}
	if err := r.store.UpsertAppMapping(ctx, mapping); err != nil {
		return nil, err
	}
	r.logger.Debug("Created app mapping",
		"bundle_id", bundleID, "app_name", appName, "seeded", mapping.TagID != nil)
	return mapping.TagID, nil
}

// seedTag consults the static default table. The named tag must already
// exist; a missing tag just leaves the mapping untagged.
func (r *Resolver) seedTag(ctx context.Context, bundleID, appName string) *int64 {
	tagName, ok := defaultMappingTags[bundleID]
	if !ok {
		tagName, ok = defaultMappingTags[strings.ToLower(appName)]
	}
	if !ok || tagName == "" {
		return nil
	}

	tag, err := r.store.GetTagByName(ctx, tagName)
	if err != nil {
		return nil
	}
	return &tag.ID
}

func (r *Resolver) now() int64 {
	if r.clock != nil {
		return r.clock()
	}
	return nowUnix()
}
