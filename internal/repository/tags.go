package repository

import (
	"context"
	"database/sql"
	"errors"

	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/types"
)

func scanTag(row interface{ Scan(...interface{}) error }) (*types.Tag, error) {
	var (
		tag   types.Tag
		color sql.NullString
	)
	if err := row.Scan(&tag.ID, &tag.Name, &color); err != nil {
		return nil, err
	}
	tag.Color = stringOrEmpty(color)
	return &tag, nil
}

// CreateTag inserts a new tag. Names collide case-insensitively.
func (s *SQLiteStore) CreateTag(ctx context.Context, tag *types.Tag) error {
	if tag.Name == "" {
		return storeerrors.HandleValidationError("CreateTag", "name", "", "tag name cannot be empty")
	}

	result, err := s.q.ExecContext(ctx,
		"INSERT INTO tags (name, color) VALUES (?, ?)",
		tag.Name, nullString(tag.Color))
	if err != nil {
		return storeerrors.NewStoreError("CreateTag", err, s.classifyError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return storeerrors.NewStoreError("CreateTag.LastInsertId", err, s.classifyError(err))
	}
	tag.ID = id

	s.notifyMutation()
	return nil
}

// GetTagByID fetches a tag by id.
func (s *SQLiteStore) GetTagByID(ctx context.Context, id int64) (*types.Tag, error) {
	row := s.q.QueryRowContext(ctx, "SELECT id, name, color FROM tags WHERE id = ?", id)

	tag, err := scanTag(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storeerrors.HandleNotFound("GetTagByID", "tag", itoa(id))
		}
		return nil, storeerrors.NewStoreError("GetTagByID", err, s.classifyError(err))
	}
	return tag, nil
}

// GetTagByName fetches a tag by name, case-insensitively.
func (s *SQLiteStore) GetTagByName(ctx context.Context, name string) (*types.Tag, error) {
	row := s.q.QueryRowContext(ctx, "SELECT id, name, color FROM tags WHERE name = ? COLLATE NOCASE", name)

	tag, err := scanTag(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storeerrors.HandleNotFound("GetTagByName", "tag", name)
		}
		return nil, storeerrors.NewStoreError("GetTagByName", err, s.classifyError(err))
	}
	return tag, nil
}

// ListTags returns all tags ordered by name.
func (s *SQLiteStore) ListTags(ctx context.Context) ([]types.Tag, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT id, name, color FROM tags ORDER BY name COLLATE NOCASE ASC")
	if err != nil {
		return nil, storeerrors.NewStoreError("ListTags", err, s.classifyError(err))
	}
	defer rows.Close()

	var tags []types.Tag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, storeerrors.NewStoreError("ListTags.Scan", err, s.classifyError(err))
		}
		tags = append(tags, *tag)
	}
	if err := rows.Err(); err != nil {
		return nil, storeerrors.NewStoreError("ListTags.Rows", err, s.classifyError(err))
	}
	return tags, nil
}

// UpdateTag updates a tag's name and color.
func (s *SQLiteStore) UpdateTag(ctx context.Context, tag *types.Tag) error {
	result, err := s.q.ExecContext(ctx,
		"UPDATE tags SET name = ?, color = ? WHERE id = ?",
		tag.Name, nullString(tag.Color), tag.ID)
	if err != nil {
		return storeerrors.NewStoreError("UpdateTag", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("UpdateTag", tag.ID)
		return nil
	}

	s.notifyMutation()
	return nil
}

// DeleteTag removes a tag. Referencing activities, rules, and mappings keep
// their rows with the tag reference nulled (ON DELETE SET NULL); the tag is
// never cascaded into recorded history.
func (s *SQLiteStore) DeleteTag(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM tags WHERE id = ?", id)
	if err != nil {
		return storeerrors.NewStoreError("DeleteTag", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("DeleteTag", id)
		return nil
	}

	s.notifyMutation()
	return nil
}
