package store

import (
	"database/sql"
	"time"
)

type scanner interface {
	Scan(...any) error
}

// dbTime normalizes timestamps before they are written. Everything is stored
// as UTC at second precision so SQLite's text comparisons order correctly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
