package repository

import (
	"context"
	"database/sql"

	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/types"
)

const ruleColumns = "id, name, enabled, match_app_name, match_window_title, match_mode, tag_id, priority"

func scanRule(row interface{ Scan(...interface{}) error }) (*types.Rule, error) {
	var (
		rule        types.Rule
		matchApp    sql.NullString
		matchTitle  sql.NullString
		matchMode   string
		tagID       sql.NullInt64
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Enabled, &matchApp, &matchTitle, &matchMode, &tagID, &rule.Priority); err != nil {
		return nil, err
	}
	rule.MatchAppName = stringOrEmpty(matchApp)
	rule.MatchWindowTitle = stringOrEmpty(matchTitle)
	rule.MatchMode = types.MatchMode(matchMode)
	rule.TagID = idOrNil(tagID)
	return &rule, nil
}

func validateRule(op string, rule *types.Rule) error {
	if rule.Name == "" {
		return storeerrors.HandleValidationError(op, "name", "", "rule name cannot be empty")
	}
	switch rule.MatchMode {
	case types.MatchContains, types.MatchEquals:
	default:
		return storeerrors.HandleValidationError(op, "match_mode", string(rule.MatchMode), "must be contains or equals")
	}
	return nil
}

// CreateRule inserts a new matching rule.
func (s *SQLiteStore) CreateRule(ctx context.Context, rule *types.Rule) error {
	if err := validateRule("CreateRule", rule); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO rules (name, enabled, match_app_name, match_window_title, match_mode, tag_id, priority)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rule.Name, rule.Enabled, nullString(rule.MatchAppName), nullString(rule.MatchWindowTitle),
		string(rule.MatchMode), nullID(rule.TagID), rule.Priority)
	if err != nil {
		return storeerrors.NewStoreError("CreateRule", err, s.classifyError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return storeerrors.NewStoreError("CreateRule.LastInsertId", err, s.classifyError(err))
	}
	rule.ID = id

	s.notifyMutation()
	return nil
}

// ListRules returns all rules in evaluation order.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]types.Rule, error) {
	return s.queryRules(ctx, "ListRules",
		"SELECT "+ruleColumns+" FROM rules ORDER BY priority DESC, id ASC")
}

// EnabledRulesOrdered returns enabled rules ordered by priority descending,
// insertion order ascending as the stable tie-break.
func (s *SQLiteStore) EnabledRulesOrdered(ctx context.Context) ([]types.Rule, error) {
	return s.queryRules(ctx, "EnabledRulesOrdered",
		"SELECT "+ruleColumns+" FROM rules WHERE enabled = 1 ORDER BY priority DESC, id ASC")
}

func (s *SQLiteStore) queryRules(ctx context.Context, op, query string) ([]types.Rule, error) {
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, storeerrors.NewStoreError(op, err, s.classifyError(err))
	}
	defer rows.Close()

	var rules []types.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, storeerrors.NewStoreError(op+".Scan", err, s.classifyError(err))
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storeerrors.NewStoreError(op+".Rows", err, s.classifyError(err))
	}
	return rules, nil
}

// UpdateRule replaces a rule's definition.
func (s *SQLiteStore) UpdateRule(ctx context.Context, rule *types.Rule) error {
	if err := validateRule("UpdateRule", rule); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE rules SET name = ?, enabled = ?, match_app_name = ?, match_window_title = ?,
		        match_mode = ?, tag_id = ?, priority = ?
		 WHERE id = ?`,
		rule.Name, rule.Enabled, nullString(rule.MatchAppName), nullString(rule.MatchWindowTitle),
		string(rule.MatchMode), nullID(rule.TagID), rule.Priority, rule.ID)
	if err != nil {
		return storeerrors.NewStoreError("UpdateRule", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("UpdateRule", rule.ID)
		return nil
	}

	s.notifyMutation()
	return nil
}

// DeleteRule removes a rule.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return storeerrors.NewStoreError("DeleteRule", err, s.classifyError(err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.warnZeroRows("DeleteRule", id)
		return nil
	}

	s.notifyMutation()
	return nil
}
