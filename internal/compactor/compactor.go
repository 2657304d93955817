// Package compactor turns the raw session stream into a minimally
// fragmented timeline: an eager merge runs right after each session close,
// and a periodic sweep re-walks a trailing window of history.
package compactor

import (
	"context"
	"sync"
	"time"

	"github.com/lapsed/lapsed/internal/infrastructure/logging"
	"github.com/lapsed/lapsed/internal/repository"
	"github.com/lapsed/lapsed/internal/types"
)

// Config holds the compaction knobs, all runtime-mutable.
type Config struct {
	// AggregationEnabled gates the eager per-close merge.
	AggregationEnabled bool
	// SweepEnabled gates the periodic sweep.
	SweepEnabled bool
	// MinSessionDuration is the threshold under which a closed session is
	// merged into a matching neighbor or dropped as noise.
	MinSessionDuration time.Duration
	// MergeGap is the maximum gap between two segments that still merge.
	MergeGap time.Duration
	// LookbackDays bounds how far back the sweep rewrites history.
	LookbackDays int
}

// Compactor owns both compaction entry points. Safe for concurrent use;
// configuration swaps atomically under the mutex.
type Compactor struct {
	store  repository.Store
	logger logging.Logger

	mu  sync.RWMutex
	cfg Config
	// excludeID reports the store id of the currently open session (0 when
	// none); the sweep must never rewrite the row the tracker still owns.
	excludeID func() int64
}

// NewCompactor builds a compactor. excludeID may be nil.
func NewCompactor(store repository.Store, cfg Config, excludeID func() int64, logger logging.Logger) *Compactor {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Compactor{store: store, logger: logger, cfg: cfg, excludeID: excludeID}
}

// Configure swaps the knobs; takes effect on the next evaluation.
func (c *Compactor) Configure(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Compactor) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Compactor) openSessionID() int64 {
	if c.excludeID == nil {
		return 0
	}
	return c.excludeID()
}

// gapWithin reports whether two boundaries are close enough to merge.
func gapWithin(earlierEnd, laterStart int64, mergeGap time.Duration) bool {
	return laterStart-earlierEnd <= int64(mergeGap.Seconds())
}

// CompactClosed evaluates one just-closed session. Short sessions are
// merged into a matching neighbor (previous, next, or both) or deleted as
// noise; everything runs in a single transaction, and on failure the short
// session is left untouched for the next natural trigger to re-evaluate.
func (c *Compactor) CompactClosed(ctx context.Context, closed *types.Activity) error {
	cfg := c.config()
	if !cfg.AggregationEnabled || closed == nil || closed.ID == 0 {
		return nil
	}
	if closed.Duration() >= int64(cfg.MinSessionDuration.Seconds()) {
		return nil
	}

	err := c.store.WithTransaction(ctx, func(tx repository.Store) error {
		prev, err := tx.FetchPrevious(ctx, closed.StartTime, closed.ID)
		if err != nil {
			return err
		}
		next, err := tx.FetchNext(ctx, closed.EndTime, closed.ID)
		if err != nil {
			return err
		}

		// The open session is off limits as a merge target
		if openID := c.openSessionID(); openID != 0 {
			if next != nil && next.ID == openID {
				next = nil
			}
			if prev != nil && prev.ID == openID {
				prev = nil
			}
		}

		prevMatches := prev != nil && closed.Mergeable(prev) &&
			gapWithin(prev.EndTime, closed.StartTime, cfg.MergeGap)
		nextMatches := next != nil && closed.Mergeable(next) &&
			gapWithin(closed.EndTime, next.StartTime, cfg.MergeGap)

		switch {
		case prevMatches && nextMatches:
			end := next.EndTime
			if closed.EndTime > end {
				end = closed.EndTime
			}
			if err := tx.UpdateActivityEnd(ctx, prev.ID, end); err != nil {
				return err
			}
			if err := tx.DeleteActivity(ctx, closed.ID); err != nil {
				return err
			}
			if err := tx.DeleteActivity(ctx, next.ID); err != nil {
				return err
			}
			c.logger.Debug("Short session merged three-way",
				"id", closed.ID, "into", prev.ID, "absorbed", next.ID)

		case prevMatches:
			if err := tx.UpdateActivityEnd(ctx, prev.ID, closed.EndTime); err != nil {
				return err
			}
			if err := tx.DeleteActivity(ctx, closed.ID); err != nil {
				return err
			}
			c.logger.Debug("Short session merged into previous",
				"id", closed.ID, "into", prev.ID)

		case nextMatches:
			if err := tx.UpdateActivityStart(ctx, next.ID, closed.StartTime); err != nil {
				return err
			}
			if err := tx.DeleteActivity(ctx, closed.ID); err != nil {
				return err
			}
			c.logger.Debug("Short session merged into next",
				"id", closed.ID, "into", next.ID)

		default:
			if err := tx.DeleteActivity(ctx, closed.ID); err != nil {
				return err
			}
			c.logger.Debug("Short session dropped as noise",
				"id", closed.ID, "app", closed.AppName, "duration", closed.Duration())
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Eager compaction failed, leaving session as recorded",
			"id", closed.ID, "error", err)
	}
	return err
}
