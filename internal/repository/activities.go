package repository

import (
	"context"
	"database/sql"
	"errors"

	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/types"
)

const activityColumns = "id, start_time, end_time, app_name, bundle_id, window_title, is_idle, tag_id"

func scanActivity(row interface{ Scan(...interface{}) error }) (*types.Activity, error) {
	var (
		a           types.Activity
		bundleID    sql.NullString
		windowTitle sql.NullString
		tagID       sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.StartTime, &a.EndTime, &a.AppName, &bundleID, &windowTitle, &a.IsIdle, &tagID); err != nil {
		return nil, err
	}
	a.BundleID = stringOrEmpty(bundleID)
	a.WindowTitle = stringOrEmpty(windowTitle)
	a.TagID = idOrNil(tagID)
	return &a, nil
}

// InsertActivity persists a new activity and assigns its store id.
func (s *SQLiteStore) InsertActivity(ctx context.Context, activity *types.Activity) error {
	s.checkTimestamp("InsertActivity", "start_time", activity.StartTime)
	s.checkTimestamp("InsertActivity", "end_time", activity.EndTime)

	if activity.EndTime < activity.StartTime {
		return storeerrors.HandleValidationError("InsertActivity", "end_time",
			"", "end_time precedes start_time")
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO activities (start_time, end_time, app_name, bundle_id, window_title, is_idle, tag_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		activity.StartTime, activity.EndTime, activity.AppName,
		nullString(activity.BundleID), nullString(activity.WindowTitle),
		activity.IsIdle, nullID(activity.TagID))
	if err != nil {
		return storeerrors.NewStoreError("InsertActivity", err, s.classifyError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return storeerrors.NewStoreError("InsertActivity.LastInsertId", err, s.classifyError(err))
	}
	activity.ID = id

	s.notifyMutation()
	return nil
}

// UpdateActivityEnd advances (or shrinks) the end boundary of an activity.
func (s *SQLiteStore) UpdateActivityEnd(ctx context.Context, id, endTime int64) error {
	s.checkTimestamp("UpdateActivityEnd", "end_time", endTime)

	result, err := s.q.ExecContext(ctx,
		"UPDATE activities SET end_time = ? WHERE id = ?", endTime, id)
	if err != nil {
		return storeerrors.NewStoreError("UpdateActivityEnd", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("UpdateActivityEnd", id)
		return nil
	}

	s.notifyMutation()
	return nil
}

// UpdateActivityStart pulls the start boundary of an activity.
func (s *SQLiteStore) UpdateActivityStart(ctx context.Context, id, startTime int64) error {
	s.checkTimestamp("UpdateActivityStart", "start_time", startTime)

	result, err := s.q.ExecContext(ctx,
		"UPDATE activities SET start_time = ? WHERE id = ?", startTime, id)
	if err != nil {
		return storeerrors.NewStoreError("UpdateActivityStart", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("UpdateActivityStart", id)
		return nil
	}

	s.notifyMutation()
	return nil
}

// UpdateActivityTag patches the tag of an activity after resolution.
func (s *SQLiteStore) UpdateActivityTag(ctx context.Context, id int64, tagID *int64) error {
	result, err := s.q.ExecContext(ctx,
		"UPDATE activities SET tag_id = ? WHERE id = ?", nullID(tagID), id)
	if err != nil {
		return storeerrors.NewStoreError("UpdateActivityTag", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("UpdateActivityTag", id)
		return nil
	}

	s.notifyMutation()
	return nil
}

// DeleteActivity removes an activity (merged away or dropped as noise).
func (s *SQLiteStore) DeleteActivity(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM activities WHERE id = ?", id)
	if err != nil {
		return storeerrors.NewStoreError("DeleteActivity", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("DeleteActivity", id)
		return nil
	}

	s.notifyMutation()
	return nil
}

// GetActivityByID fetches a single activity.
func (s *SQLiteStore) GetActivityByID(ctx context.Context, id int64) (*types.Activity, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+activityColumns+" FROM activities WHERE id = ?", id)

	activity, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storeerrors.HandleNotFound("GetActivityByID", "activity", itoa(id))
		}
		return nil, storeerrors.NewStoreError("GetActivityByID", err, s.classifyError(err))
	}
	return activity, nil
}

// FetchOverlapping returns activities whose interval intersects
// [startTime, endTime], ordered by start time then id.
func (s *SQLiteStore) FetchOverlapping(ctx context.Context, startTime, endTime int64) ([]types.Activity, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE end_time >= ? AND start_time <= ?
		 ORDER BY start_time ASC, id ASC`,
		startTime, endTime)
	if err != nil {
		return nil, storeerrors.NewStoreError("FetchOverlapping", err, s.classifyError(err))
	}
	defer rows.Close()

	var activities []types.Activity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, storeerrors.NewStoreError("FetchOverlapping.Scan", err, s.classifyError(err))
		}
		activities = append(activities, *activity)
	}
	if err := rows.Err(); err != nil {
		return nil, storeerrors.NewStoreError("FetchOverlapping.Rows", err, s.classifyError(err))
	}
	return activities, nil
}

// FetchPrevious returns the closest activity ending at or before the given
// time, excluding the given id. Returns (nil, nil) when none exists.
func (s *SQLiteStore) FetchPrevious(ctx context.Context, before int64, excludeID int64) (*types.Activity, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE end_time <= ? AND id != ?
		 ORDER BY end_time DESC, id DESC LIMIT 1`,
		before, excludeID)

	activity, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeerrors.NewStoreError("FetchPrevious", err, s.classifyError(err))
	}
	return activity, nil
}

// FetchNext returns the closest activity starting at or after the given
// time, excluding the given id. Returns (nil, nil) when none exists.
func (s *SQLiteStore) FetchNext(ctx context.Context, after int64, excludeID int64) (*types.Activity, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE start_time >= ? AND id != ?
		 ORDER BY start_time ASC, id ASC LIMIT 1`,
		after, excludeID)

	activity, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeerrors.NewStoreError("FetchNext", err, s.classifyError(err))
	}
	return activity, nil
}

// UnterminatedActivities returns zero-length rows, the footprint a crash
// leaves behind (an open session's end time equals its start until it is
// closed). Used for startup diagnostics.
func (s *SQLiteStore) UnterminatedActivities(ctx context.Context) ([]types.Activity, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE end_time = start_time
		 ORDER BY start_time ASC`)
	if err != nil {
		return nil, storeerrors.NewStoreError("UnterminatedActivities", err, s.classifyError(err))
	}
	defer rows.Close()

	var activities []types.Activity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, storeerrors.NewStoreError("UnterminatedActivities.Scan", err, s.classifyError(err))
		}
		activities = append(activities, *activity)
	}
	if err := rows.Err(); err != nil {
		return nil, storeerrors.NewStoreError("UnterminatedActivities.Rows", err, s.classifyError(err))
	}
	return activities, nil
}

// DeleteActivitiesBefore removes activities that ended before the cutoff.
// Used by retention cleanup; returns the number of rows removed.
func (s *SQLiteStore) DeleteActivitiesBefore(ctx context.Context, cutoff int64) (int64, error) {
	result, err := s.q.ExecContext(ctx,
		"DELETE FROM activities WHERE end_time < ?", cutoff)
	if err != nil {
		return 0, storeerrors.NewStoreError("DeleteActivitiesBefore", err, s.classifyError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeerrors.NewStoreError("DeleteActivitiesBefore.RowsAffected", err, s.classifyError(err))
	}
	if rows > 0 {
		s.notifyMutation()
	}
	return rows, nil
}
