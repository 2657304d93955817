package repository

import (
	"context"
	"database/sql"
	"errors"

	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/types"
)

// CreateMarker inserts a timeline marker.
func (s *SQLiteStore) CreateMarker(ctx context.Context, marker *types.Marker) error {
	s.checkTimestamp("CreateMarker", "time", marker.Time)

	result, err := s.q.ExecContext(ctx,
		"INSERT INTO markers (time, label) VALUES (?, ?)", marker.Time, marker.Label)
	if err != nil {
		return storeerrors.NewStoreError("CreateMarker", err, s.classifyError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return storeerrors.NewStoreError("CreateMarker.LastInsertId", err, s.classifyError(err))
	}
	marker.ID = id

	s.notifyMutation()
	return nil
}

// ListMarkers returns markers within [startTime, endTime] ordered by time.
func (s *SQLiteStore) ListMarkers(ctx context.Context, startTime, endTime int64) ([]types.Marker, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, time, label FROM markers WHERE time >= ? AND time <= ? ORDER BY time ASC",
		startTime, endTime)
	if err != nil {
		return nil, storeerrors.NewStoreError("ListMarkers", err, s.classifyError(err))
	}
	defer rows.Close()

	var markers []types.Marker
	for rows.Next() {
		var marker types.Marker
		if err := rows.Scan(&marker.ID, &marker.Time, &marker.Label); err != nil {
			return nil, storeerrors.NewStoreError("ListMarkers.Scan", err, s.classifyError(err))
		}
		markers = append(markers, marker)
	}
	if err := rows.Err(); err != nil {
		return nil, storeerrors.NewStoreError("ListMarkers.Rows", err, s.classifyError(err))
	}
	return markers, nil
}

// DeleteMarker removes a marker.
func (s *SQLiteStore) DeleteMarker(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM markers WHERE id = ?", id)
	if err != nil {
		return storeerrors.NewStoreError("DeleteMarker", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("DeleteMarker", id)
		return nil
	}

	s.notifyMutation()
	return nil
}

// GetMeta returns a bookkeeping value. A missing key is a not-found error.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storeerrors.HandleNotFound("GetMeta", "meta", key)
		}
		return "", storeerrors.NewStoreError("GetMeta", err, s.classifyError(err))
	}
	return value, nil
}

// SetMeta writes a bookkeeping value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return storeerrors.NewStoreError("SetMeta", err, s.classifyError(err))
	}
	return nil
}
