package repository

import (
	"database/sql"
	"strconv"
)

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

// millisecondSuspect is the smallest timestamp that cannot plausibly be a
// second-granularity epoch value (year ~33658); anything at or above it was
// almost certainly produced in milliseconds.
const millisecondSuspect = int64(1e12)

// checkTimestamp flags implausibly large timestamps. The value is stored as
// given; this is a diagnostic, not a rejection.
func (s *SQLiteStore) checkTimestamp(op string, field string, ts int64) {
	if ts >= millisecondSuspect {
		s.logger.Warn("Timestamp looks like milliseconds, expected seconds",
			"operation", op, "field", field, "value", ts)
	}
}

// warnZeroRows logs a data invariant violation: an update or delete that
// touched no rows. Non-fatal; a later event re-evaluates naturally.
func (s *SQLiteStore) warnZeroRows(op string, id int64) {
	s.logger.Warn("Store update affected zero rows",
		"operation", op, "id", id)
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func stringOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func nullID(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func idOrNil(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
