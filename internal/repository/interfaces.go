package repository

import (
	"context"

	"github.com/lapsed/lapsed/internal/types"
)

// Store is the persistence contract consumed by the tracker and the
// compaction engine. All timestamps are whole-second Unix epoch values.
type Store interface {
	// Activity lifecycle
	InsertActivity(ctx context.Context, activity *types.Activity) error
	UpdateActivityEnd(ctx context.Context, id, endTime int64) error
	UpdateActivityStart(ctx context.Context, id, startTime int64) error
	UpdateActivityTag(ctx context.Context, id int64, tagID *int64) error
	DeleteActivity(ctx context.Context, id int64) error
	GetActivityByID(ctx context.Context, id int64) (*types.Activity, error)

	// Range and adjacency queries
	FetchOverlapping(ctx context.Context, startTime, endTime int64) ([]types.Activity, error)
	FetchPrevious(ctx context.Context, before int64, excludeID int64) (*types.Activity, error)
	FetchNext(ctx context.Context, after int64, excludeID int64) (*types.Activity, error)
	UnterminatedActivities(ctx context.Context) ([]types.Activity, error)
	DeleteActivitiesBefore(ctx context.Context, cutoff int64) (int64, error)

	// Tag management
	CreateTag(ctx context.Context, tag *types.Tag) error
	GetTagByID(ctx context.Context, id int64) (*types.Tag, error)
	GetTagByName(ctx context.Context, name string) (*types.Tag, error)
	ListTags(ctx context.Context) ([]types.Tag, error)
	UpdateTag(ctx context.Context, tag *types.Tag) error
	DeleteTag(ctx context.Context, id int64) error

	// Rule management
	CreateRule(ctx context.Context, rule *types.Rule) error
	ListRules(ctx context.Context) ([]types.Rule, error)
	EnabledRulesOrdered(ctx context.Context) ([]types.Rule, error)
	UpdateRule(ctx context.Context, rule *types.Rule) error
	DeleteRule(ctx context.Context, id int64) error

	// Per-application default tag mappings
	GetAppMapping(ctx context.Context, bundleID string) (*types.AppMapping, error)
	UpsertAppMapping(ctx context.Context, mapping *types.AppMapping) error
	ListAppMappings(ctx context.Context) ([]types.AppMapping, error)

	// Timeline markers
	CreateMarker(ctx context.Context, marker *types.Marker) error
	ListMarkers(ctx context.Context, startTime, endTime int64) ([]types.Marker, error)
	DeleteMarker(ctx context.Context, id int64) error

	// Bookkeeping values (last sweep date and the like)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// WithTransaction runs fn against a store view bound to a single
	// transaction; any error rolls the whole batch back.
	WithTransaction(ctx context.Context, fn func(store Store) error) error
}
