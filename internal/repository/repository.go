// Package repository persists runs, attendances, and calendar configuration and
// exposes the at-most-once registration guarantee required by the service.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runclub/attendance/internal/models"
)

// q rewrites PostgreSQL-style placeholders ($1, $2, ...) to SQLite-style (?) when the
// store is backed by SQLite.
func q(driver, query string) string {
	if driver == "sqlite" {
		re := regexp.MustCompile(`\$\d+`)
		return re.ReplaceAllString(query, "?")
	}
	return query
}

// Store is the single persistence boundary for the attendance service. It wraps a
// *sql.DB shared across runs, attendances, and calendar configuration, plus an
// in-process session-code lookup cache to keep the hot registration path off the
// database for the common case of repeated scans against the same code.
type Store struct {
	db     *sql.DB
	driver string

	codeCache sync.Map // session code -> *models.Run
}

// New wraps db for the given driver ("postgres" or "sqlite").
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// RegisterStatus is the outcome of an at-most-once attendance write.
type RegisterStatus int

const (
	RegisterOk RegisterStatus = iota
	RegisterDuplicate
	RegisterNoSuchRun
	RegisterInactive
)

// RegisterResult reports the outcome of Register along with the run's fresh tally.
type RegisterResult struct {
	Status RegisterStatus
	Count  int
}

// UpsertCalendarDay marks date as a run day (or not) and, when hasRun is true and no
// Run yet exists for that date, creates one with a freshly minted session code.
// codeFn mints the session code; it is only invoked when a new Run is created.
func (s *Store) UpsertCalendarDay(ctx context.Context, date models.CivilDate, hasRun bool, codeFn func() (string, error)) (*models.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := models.Now()

	var upsertDay string
	if s.driver == "sqlite" {
		upsertDay = q(s.driver, `
			INSERT INTO calendar_config (date, has_run, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (date) DO UPDATE SET has_run = excluded.has_run, updated_at = excluded.updated_at
		`)
	} else {
		upsertDay = `
			INSERT INTO calendar_config (date, has_run, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (date) DO UPDATE SET has_run = $2, updated_at = $3
		`
	}
	if _, err := tx.ExecContext(ctx, upsertDay, date, hasRun, now); err != nil {
		return nil, fmt.Errorf("upsert calendar day: %w", err)
	}

	if !hasRun {
		existing, err := s.getRunByDateTx(ctx, tx, date)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.IsActive {
			deactivate := q(s.driver, `UPDATE runs SET is_active = $1 WHERE id = $2`)
			if _, err := tx.ExecContext(ctx, deactivate, false, existing.ID); err != nil {
				return nil, fmt.Errorf("deactivate run: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		if existing != nil {
			s.InvalidateCode(existing.SessionCode)
		}
		return nil, nil
	}

	run, err := s.getRunByDateTx(ctx, tx, date)
	if err != nil {
		return nil, err
	}
	if run != nil {
		if !run.IsActive {
			reactivate := q(s.driver, `UPDATE runs SET is_active = $1 WHERE id = $2`)
			if _, err := tx.ExecContext(ctx, reactivate, true, run.ID); err != nil {
				return nil, fmt.Errorf("reactivate run: %w", err)
			}
			run.IsActive = true
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		s.codeCache.Store(run.SessionCode, run)
		return run, nil
	}

	code, err := s.mintUniqueCode(ctx, tx, codeFn)
	if err != nil {
		return nil, err
	}

	run = &models.Run{
		ID:          uuid.NewString(),
		Date:        date,
		SessionCode: code,
		IsActive:    true,
		CreatedAt:   now,
	}
	insertRun := q(s.driver, `
		INSERT INTO runs (id, date, session_code, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if _, err := tx.ExecContext(ctx, insertRun, run.ID, run.Date, run.SessionCode, run.IsActive, run.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.codeCache.Store(run.SessionCode, run)
	return run, nil
}

// mintUniqueCode draws codes from codeFn until one not already bound to a run is
// found. Codes are unique across all history, not just active runs, so a code read
// off an old photo can never admit anyone to the wrong session.
func (s *Store) mintUniqueCode(ctx context.Context, tx *sql.Tx, codeFn func() (string, error)) (string, error) {
	const maxAttempts = 10
	check := q(s.driver, `SELECT COUNT(*) FROM runs WHERE session_code = $1`)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := codeFn()
		if err != nil {
			return "", fmt.Errorf("mint session code: %w", err)
		}
		var n int
		if err := tx.QueryRowContext(ctx, check, code).Scan(&n); err != nil {
			return "", fmt.Errorf("check session code uniqueness: %w", err)
		}
		if n == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not mint a unique session code after %d attempts", maxAttempts)
}

func (s *Store) getRunByDateTx(ctx context.Context, tx *sql.Tx, date models.CivilDate) (*models.Run, error) {
	query := q(s.driver, `
		SELECT id, date, session_code, is_active, created_at
		FROM runs WHERE date = $1
	`)
	var run models.Run
	err := tx.QueryRowContext(ctx, query, date).Scan(&run.ID, &run.Date, &run.SessionCode, &run.IsActive, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run by date: %w", err)
	}
	return &run, nil
}

// GetRunByDate returns the Run scheduled for date, or nil if none exists.
func (s *Store) GetRunByDate(ctx context.Context, date models.CivilDate) (*models.Run, error) {
	query := q(s.driver, `
		SELECT id, date, session_code, is_active, created_at
		FROM runs WHERE date = $1
	`)
	var run models.Run
	err := s.db.QueryRowContext(ctx, query, date).Scan(&run.ID, &run.Date, &run.SessionCode, &run.IsActive, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run by date: %w", err)
	}
	return &run, nil
}

// GetRunByCode returns the Run bound to sessionCode, preferring the in-process cache
// and falling back to the database on a cache miss.
func (s *Store) GetRunByCode(ctx context.Context, sessionCode string) (*models.Run, error) {
	if cached, ok := s.codeCache.Load(sessionCode); ok {
		return cached.(*models.Run), nil
	}

	query := q(s.driver, `
		SELECT id, date, session_code, is_active, created_at
		FROM runs WHERE session_code = $1
	`)
	var run models.Run
	err := s.db.QueryRowContext(ctx, query, sessionCode).Scan(&run.ID, &run.Date, &run.SessionCode, &run.IsActive, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run by code: %w", err)
	}

	s.codeCache.Store(run.SessionCode, &run)
	return &run, nil
}

// InvalidateCode drops sessionCode from the lookup cache, used when a run is closed.
func (s *Store) InvalidateCode(sessionCode string) {
	s.codeCache.Delete(sessionCode)
}

// Register records runnerID's attendance for runID at ts, relying on the
// (run_id, runner_id) unique constraint for the at-most-once guarantee rather than a
// read-then-write check, so concurrent duplicate scans never double count.
func (s *Store) Register(ctx context.Context, runID, runnerID string, ts time.Time) (RegisterResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	runQuery := q(s.driver, `SELECT is_active FROM runs WHERE id = $1`)
	var isActive bool
	err = tx.QueryRowContext(ctx, runQuery, runID).Scan(&isActive)
	if err == sql.ErrNoRows {
		return RegisterResult{Status: RegisterNoSuchRun}, nil
	}
	if err != nil {
		return RegisterResult{}, fmt.Errorf("lookup run: %w", err)
	}
	if !isActive {
		return RegisterResult{Status: RegisterInactive}, nil
	}

	var insertAttendance string
	if s.driver == "sqlite" {
		insertAttendance = q(s.driver, `
			INSERT OR IGNORE INTO attendances (id, run_id, runner_id, registered_at)
			VALUES ($1, $2, $3, $4)
		`)
	} else {
		insertAttendance = `
			INSERT INTO attendances (id, run_id, runner_id, registered_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (run_id, runner_id) DO NOTHING
		`
	}

	res, err := tx.ExecContext(ctx, insertAttendance, uuid.NewString(), runID, runnerID, models.NewSQLiteTime(ts))
	if err != nil {
		return RegisterResult{}, fmt.Errorf("insert attendance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("rows affected: %w", err)
	}

	countQuery := q(s.driver, `SELECT COUNT(*) FROM attendances WHERE run_id = $1`)
	var count int
	if err := tx.QueryRowContext(ctx, countQuery, runID).Scan(&count); err != nil {
		return RegisterResult{}, fmt.Errorf("count attendances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RegisterResult{}, fmt.Errorf("commit: %w", err)
	}

	if affected == 0 {
		return RegisterResult{Status: RegisterDuplicate, Count: count}, nil
	}
	return RegisterResult{Status: RegisterOk, Count: count}, nil
}

// CountForRun returns the number of distinct runners registered for runID.
func (s *Store) CountForRun(ctx context.Context, runID string) (int, error) {
	query := q(s.driver, `SELECT COUNT(*) FROM attendances WHERE run_id = $1`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count attendances: %w", err)
	}
	return count, nil
}

// ListAttendances returns every Attendance recorded for runID, ordered by arrival.
func (s *Store) ListAttendances(ctx context.Context, runID string) ([]models.Attendance, error) {
	query := q(s.driver, `
		SELECT id, run_id, runner_id, registered_at
		FROM attendances WHERE run_id = $1
		ORDER BY registered_at ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list attendances: %w", err)
	}
	defer rows.Close()

	var out []models.Attendance
	for rows.Next() {
		var a models.Attendance
		if err := rows.Scan(&a.ID, &a.RunID, &a.RunnerID, &a.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListCalendarDays returns every configured CalendarDay between start and end
// (inclusive), ordered by date.
func (s *Store) ListCalendarDays(ctx context.Context, start, end models.CivilDate) ([]models.CalendarDay, error) {
	query := q(s.driver, `
		SELECT date, has_run, updated_at
		FROM calendar_config WHERE date >= $1 AND date <= $2
		ORDER BY date ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("list calendar days: %w", err)
	}
	defer rows.Close()

	var out []models.CalendarDay
	for rows.Next() {
		var d models.CalendarDay
		if err := rows.Scan(&d.Date, &d.HasRun, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan calendar day: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// History returns a page of attendance history between start and end (inclusive),
// most recent run day first, arrival order within each day.
func (s *Store) History(ctx context.Context, start, end models.CivilDate, limit, offset int) ([]models.HistoryRow, error) {
	query := q(s.driver, `
		SELECT a.id, r.date, a.runner_id, a.registered_at, r.session_code
		FROM attendances a
		JOIN runs r ON r.id = a.run_id
		WHERE r.date >= $1 AND r.date <= $2
		ORDER BY r.date DESC, a.registered_at ASC
		LIMIT $3 OFFSET $4
	`)
	rows, err := s.db.QueryContext(ctx, query, start, end, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	return scanHistoryRows(rows)
}

// HistoryCount returns the total number of attendance rows between start and end
// (inclusive), used to page through History results.
func (s *Store) HistoryCount(ctx context.Context, start, end models.CivilDate) (int, error) {
	query := q(s.driver, `
		SELECT COUNT(*)
		FROM attendances a
		JOIN runs r ON r.id = a.run_id
		WHERE r.date >= $1 AND r.date <= $2
	`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, start, end).Scan(&count); err != nil {
		return 0, fmt.Errorf("history count: %w", err)
	}
	return count, nil
}

// StreamHistory calls sink once per HistoryRow between start and end (inclusive),
// most recent run day first and arrival order within each day, without materialising
// the full result set in memory. Used by the CSV export path so arbitrarily large
// date ranges stream at constant memory.
func (s *Store) StreamHistory(ctx context.Context, start, end models.CivilDate, sink func(models.HistoryRow) error) error {
	query := q(s.driver, `
		SELECT a.id, r.date, a.runner_id, a.registered_at, r.session_code
		FROM attendances a
		JOIN runs r ON r.id = a.run_id
		WHERE r.date >= $1 AND r.date <= $2
		ORDER BY r.date DESC, a.registered_at ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return fmt.Errorf("stream history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row models.HistoryRow
		if err := rows.Scan(&row.AttendanceID, &row.RunDate, &row.RunnerID, &row.RegisteredAt, &row.SessionCode); err != nil {
			return fmt.Errorf("scan history row: %w", err)
		}
		if err := sink(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CloseRun marks runID inactive and evicts it from the session-code cache.
func (s *Store) CloseRun(ctx context.Context, runID string) error {
	query := q(s.driver, `UPDATE runs SET is_active = $1 WHERE id = $2`)
	res, err := s.db.ExecContext(ctx, query, false, runID)
	if err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	run, err := s.GetRunByID(ctx, runID)
	if err == nil && run != nil {
		s.InvalidateCode(run.SessionCode)
	}
	return nil
}

// GetRunByID returns the Run with the given id, or nil if none exists.
func (s *Store) GetRunByID(ctx context.Context, runID string) (*models.Run, error) {
	query := q(s.driver, `
		SELECT id, date, session_code, is_active, created_at
		FROM runs WHERE id = $1
	`)
	var run models.Run
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&run.ID, &run.Date, &run.SessionCode, &run.IsActive, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func scanHistoryRows(rows *sql.Rows) ([]models.HistoryRow, error) {
	var out []models.HistoryRow
	for rows.Next() {
		var row models.HistoryRow
		if err := rows.Scan(&row.AttendanceID, &row.RunDate, &row.RunnerID, &row.RegisteredAt, &row.SessionCode); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
