package compactor

import (
	"context"
	"time"

	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/repository"
	"github.com/lapsed/lapsed/internal/types"
)

// metaLastSweepDate persists the sweep's once-per-day bookkeeping across
// restarts, as a YYYY-MM-DD string.
const metaLastSweepDate = "last_sweep_date"

// segment accumulates one or more stored rows that the sweep decided belong
// together. lead is the surviving row; the rest are deleted.
type segment struct {
	lead  types.Activity
	extra []int64
	start int64
	end   int64
}

func newSegment(a types.Activity) segment {
	return segment{lead: a, start: a.StartTime, end: a.EndTime}
}

func (s *segment) absorb(a types.Activity) {
	if a.EndTime > s.end {
		s.end = a.EndTime
	}
	if a.StartTime < s.start {
		s.start = a.StartTime
	}
	s.extra = append(s.extra, a.ID)
}

// absorbSegment folds another whole segment in.
func (s *segment) absorbSegment(o segment) {
	if o.end > s.end {
		s.end = o.end
	}
	if o.start < s.start {
		s.start = o.start
	}
	s.extra = append(s.extra, o.lead.ID)
	s.extra = append(s.extra, o.extra...)
}

func (s *segment) duration() int64 { return s.end - s.start }

// matches ignores the gap: pass 1 already merged everything within the
// merge gap, so folding a leftover fragment only needs identity agreement.
func (s *segment) matches(o *segment) bool {
	return s.lead.Mergeable(&o.lead)
}

// Sweep re-walks every activity intersecting [now - LookbackDays, now] and
// rewrites the range into its minimal form: adjacent same-identity segments
// merged, sub-threshold fragments folded or dropped. All writes land in one
// transaction. Idempotent: a second pass over unchanged data writes nothing.
func (c *Compactor) Sweep(ctx context.Context, now int64) (types.SweepStats, error) {
	cfg := c.config()
	var stats types.SweepStats
	if !cfg.SweepEnabled {
		return stats, nil
	}

	windowStart := now - int64(cfg.LookbackDays)*86400
	activities, err := c.store.FetchOverlapping(ctx, windowStart, now)
	if err != nil {
		return stats, err
	}

	openID := c.openSessionID()
	var input []types.Activity
	for _, a := range activities {
		if a.ID == openID {
			continue
		}
		input = append(input, a)
	}
	if len(input) == 0 {
		return stats, nil
	}

	kept, dropped := plan(input, cfg)

	// Count the writes the plan implies before touching the store
	for _, seg := range kept {
		stats.Merged += len(seg.extra)
		if seg.start != seg.lead.StartTime || seg.end != seg.lead.EndTime {
			stats.BoundariesUpdated++
		}
	}
	stats.Dropped = len(dropped)
	if stats.Empty() {
		return stats, nil
	}

	err = c.store.WithTransaction(ctx, func(tx repository.Store) error {
		for _, seg := range kept {
			start, end := seg.start, seg.end
			if start > end {
				start, end = end, start
			}
			if start != seg.lead.StartTime {
				if err := tx.UpdateActivityStart(ctx, seg.lead.ID, start); err != nil {
					return err
				}
			}
			if end != seg.lead.EndTime {
				if err := tx.UpdateActivityEnd(ctx, seg.lead.ID, end); err != nil {
					return err
				}
			}
			for _, id := range seg.extra {
				if err := tx.DeleteActivity(ctx, id); err != nil {
					return err
				}
			}
		}
		for _, id := range dropped {
			if err := tx.DeleteActivity(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.SweepStats{}, err
	}

	c.logger.Info("Compaction sweep finished",
		"merged", stats.Merged,
		"dropped", stats.Dropped,
		"boundaries_updated", stats.BoundariesUpdated,
		"scanned", len(input))
	return stats, nil
}

// plan runs the two in-memory passes and returns the surviving segments
// plus the ids to drop outright.
func plan(input []types.Activity, cfg Config) ([]segment, []int64) {
	// Pass 1: greedy left-to-right merge of matching adjacent rows
	var segs []segment
	for _, a := range input {
		if n := len(segs); n > 0 {
			last := &segs[n-1]
			if last.lead.Mergeable(&a) && gapWithin(last.end, a.StartTime, cfg.MergeGap) {
				last.absorb(a)
				continue
			}
		}
		segs = append(segs, newSegment(a))
	}

	// Pass 2: fold or drop segments still under the minimum duration,
	// preferring the following segment, then the previously kept one
	minDuration := int64(cfg.MinSessionDuration.Seconds())
	var kept []segment
	var dropped []int64
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		if seg.duration() >= minDuration {
			kept = append(kept, seg)
			continue
		}

		if i+1 < len(segs) && seg.matches(&segs[i+1]) {
			// The follower inherits the fragment's span and rows
			segs[i+1].absorbSegment(seg)
			continue
		}
		if n := len(kept); n > 0 && kept[n-1].matches(&seg) {
			kept[n-1].absorbSegment(seg)
			continue
		}

		dropped = append(dropped, seg.lead.ID)
		dropped = append(dropped, seg.extra...)
	}
	return kept, dropped
}

// SweepIfDue runs the sweep at most once per calendar day, keyed on a
// persisted marker so the contract survives restarts. force bypasses the
// date check (used after configuration changes).
func (c *Compactor) SweepIfDue(ctx context.Context, now time.Time, force bool) (types.SweepStats, error) {
	today := now.Format("2006-01-02")

	if !force {
		last, err := c.store.GetMeta(ctx, metaLastSweepDate)
		if err != nil && !storeerrors.IsNotFound(err) {
			return types.SweepStats{}, err
		}
		if last == today {
			return types.SweepStats{}, nil
		}
	}

	stats, err := c.Sweep(ctx, now.Unix())
	if err != nil {
		return stats, err
	}
	if err := c.store.SetMeta(ctx, metaLastSweepDate, today); err != nil {
		c.logger.Warn("Recording sweep date failed", "error", err)
	}
	return stats, nil
}
