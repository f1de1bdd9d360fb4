// Package models defines the persisted entities of the attendance service and the
// scanner/valuer wrappers that let them round-trip through both PostgreSQL and SQLite.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// SQLiteTime is a time.Time wrapper that can scan both PostgreSQL timestamps and the
// string-formatted datetimes SQLite stores.
type SQLiteTime struct {
	time.Time
}

// Scan implements sql.Scanner for SQLiteTime.
func (st *SQLiteTime) Scan(value interface{}) error {
	if value == nil {
		st.Time = time.Time{}
		return nil
	}

	switch v := value.(type) {
	case time.Time:
		st.Time = v
		return nil
	case string:
		layouts := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05Z",
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05.999999-07:00",
			"2006-01-02 15:04:05-07:00",
			"2006-01-02 15:04:05",
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, v); err == nil {
				st.Time = t
				return nil
			}
		}
		return errors.New("unable to parse time: " + v)
	default:
		return errors.New("unsupported type for SQLiteTime")
	}
}

// Value implements driver.Valuer for SQLiteTime. Always stored in UTC with a Z suffix
// so string comparisons in SQLite and timestamp comparisons in PostgreSQL agree.
func (st SQLiteTime) Value() (driver.Value, error) {
	return st.Time.UTC().Format("2006-01-02T15:04:05.999999999Z"), nil
}

// Now returns the current time as SQLiteTime (in UTC).
func Now() SQLiteTime {
	return SQLiteTime{Time: time.Now().UTC()}
}

// NewSQLiteTime creates a SQLiteTime from a time.Time (converted to UTC).
func NewSQLiteTime(t time.Time) SQLiteTime {
	return SQLiteTime{Time: t.UTC()}
}

// CivilDate is a calendar day with no time-of-day or time zone component, stored as
// an ISO-8601 date string so both drivers agree on comparisons and ordering.
type CivilDate struct {
	time.Time
}

// Scan implements sql.Scanner for CivilDate.
func (d *CivilDate) Scan(value interface{}) error {
	if value == nil {
		d.Time = time.Time{}
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		d.Time = v.UTC().Truncate(24 * time.Hour)
		return nil
	case string:
		n := len(v)
		if n > 10 {
			n = 10
		}
		t, err := time.Parse("2006-01-02", v[:n])
		if err != nil {
			return errors.New("unable to parse date: " + v)
		}
		d.Time = t
		return nil
	default:
		return errors.New("unsupported type for CivilDate")
	}
}

// Value implements driver.Valuer for CivilDate.
func (d CivilDate) Value() (driver.Value, error) {
	return d.Time.Format("2006-01-02"), nil
}

// String returns the ISO-8601 representation of the date.
func (d CivilDate) String() string {
	return d.Time.Format("2006-01-02")
}

// MarshalJSON renders the date as a bare YYYY-MM-DD string.
func (d CivilDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a YYYY-MM-DD string.
func (d *CivilDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCivilDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Equal reports whether two CivilDates refer to the same calendar day.
func (d CivilDate) Equal(other CivilDate) bool {
	return d.Time.Equal(other.Time)
}

// NewCivilDate truncates t (interpreted in loc) down to a calendar day.
func NewCivilDate(t time.Time, loc *time.Location) CivilDate {
	t = t.In(loc)
	y, m, day := t.Date()
	return CivilDate{Time: time.Date(y, m, day, 0, 0, 0, 0, time.UTC)}
}

// ParseCivilDate parses a YYYY-MM-DD string.
func ParseCivilDate(s string) (CivilDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return CivilDate{}, err
	}
	return CivilDate{Time: t}, nil
}

// TodayIn returns the current calendar day in the given location.
func TodayIn(loc *time.Location) CivilDate {
	return NewCivilDate(time.Now(), loc)
}

// Run is a single scheduled attendance-taking session on a specific calendar day.
type Run struct {
	ID          string     `json:"id" db:"id"`
	Date        CivilDate  `json:"date" db:"date"`
	SessionCode string     `json:"session_code" db:"session_code"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	CreatedAt   SQLiteTime `json:"created_at" db:"created_at"`
}

// Attendance is a single successful check-in by one runner for one Run.
type Attendance struct {
	ID           string     `json:"id" db:"id"`
	RunID        string     `json:"run_id" db:"run_id"`
	RunnerID     string     `json:"runner_id" db:"runner_id"`
	RegisteredAt SQLiteTime `json:"registered_at" db:"registered_at"`
}

// CalendarDay records whether a given date has been marked as a run day.
type CalendarDay struct {
	Date      CivilDate  `json:"date" db:"date"`
	HasRun    bool       `json:"has_run" db:"has_run"`
	UpdatedAt SQLiteTime `json:"updated_at" db:"updated_at"`
}

// HistoryRow is a denormalised attendance record joined with its run, as returned by
// History and StreamHistory.
type HistoryRow struct {
	AttendanceID string
	RunDate      CivilDate
	RunnerID     string
	RegisteredAt SQLiteTime
	SessionCode  string
}
