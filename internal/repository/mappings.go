package repository

import (
	"context"
	"database/sql"
	"errors"

	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/types"
)

const mappingColumns = "id, bundle_id, app_name, tag_id, updated_at"

func scanMapping(row interface{ Scan(...interface{}) error }) (*types.AppMapping, error) {
	var (
		mapping types.AppMapping
		tagID   sql.NullInt64
	)
	if err := row.Scan(&mapping.ID, &mapping.BundleID, &mapping.AppName, &tagID, &mapping.UpdatedAt); err != nil {
		return nil, err
	}
	mapping.TagID = idOrNil(tagID)
	return &mapping, nil
}

// GetAppMapping fetches the default tag mapping for a bundle id.
func (s *SQLiteStore) GetAppMapping(ctx context.Context, bundleID string) (*types.AppMapping, error) {
	if bundleID == "" {
		return nil, storeerrors.HandleValidationError("GetAppMapping", "bundle_id", "", "bundle id cannot be empty")
	}

	row := s.q.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM app_mappings WHERE bundle_id = ?", bundleID)

	mapping, err := scanMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storeerrors.HandleNotFound("GetAppMapping", "app_mapping", bundleID)
		}
		return nil, storeerrors.NewStoreError("GetAppMapping", err, s.classifyError(err))
	}
	return mapping, nil
}

// UpsertAppMapping inserts the mapping for a bundle id or refreshes its
// cached display name, tag, and update time.
func (s *SQLiteStore) UpsertAppMapping(ctx context.Context, mapping *types.AppMapping) error {
	if mapping.BundleID == "" {
		return storeerrors.HandleValidationError("UpsertAppMapping", "bundle_id", "", "bundle id cannot be empty")
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO app_mappings (bundle_id, app_name, tag_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(bundle_id) DO UPDATE SET
		     app_name = excluded.app_name,
		     tag_id = excluded.tag_id,
		     updated_at = excluded.updated_at`,
		mapping.BundleID, mapping.AppName, nullID(mapping.TagID), mapping.UpdatedAt)
	if err != nil {
		return storeerrors.NewStoreError("UpsertAppMapping", err, s.classifyError(err))
	}

	if mapping.ID == 0 {
		if id, err := result.LastInsertId(); err == nil && id > 0 {
			mapping.ID = id
		}
	}

	s.notifyMutation()
	return nil
}

// ListAppMappings returns all mappings ordered by bundle id.
func (s *SQLiteStore) ListAppMappings(ctx context.Context) ([]types.AppMapping, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+mappingColumns+" FROM app_mappings ORDER BY bundle_id ASC")
	if err != nil {
		return nil, storeerrors.NewStoreError("ListAppMappings", err, s.classifyError(err))
	}
	defer rows.Close()

	var mappings []types.AppMapping
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, storeerrors.NewStoreError("ListAppMappings.Scan", err, s.classifyError(err))
		}
		mappings = append(mappings, *mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, storeerrors.NewStoreError("ListAppMappings.Rows", err, s.classifyError(err))
	}
	return mappings, nil
}
