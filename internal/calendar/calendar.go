// Package calendar manages which calendar days are designated run days and opens or
// looks up the Run scheduled for each one.
package calendar

import (
	"context"
	"time"

	_ "time/tzdata" // embed the IANA database so TIME_ZONE resolves without host tz data

	"github.com/runclub/attendance/internal/codeissuer"
	"github.com/runclub/attendance/internal/eventbus"
	"github.com/runclub/attendance/internal/models"
	"github.com/runclub/attendance/internal/repository"
)

// InvalidationTopic carries Invalidation events whenever a run stops admitting
// registrations, so per-process caches and dashboards can react.
const InvalidationTopic = "invalidation"

// Invalidation is the payload published on InvalidationTopic.
type Invalidation struct {
	RunID       string `json:"run_id"`
	SessionCode string `json:"session_code"`
}

// Manager configures run days and answers calendar queries in a single fixed
// location, loaded once at startup from the service's TIME_ZONE setting.
type Manager struct {
	store  *repository.Store
	issuer *codeissuer.Issuer
	bus    *eventbus.Bus
	loc    *time.Location
}

// New builds a Manager that interprets all dates in loc.
func New(store *repository.Store, issuer *codeissuer.Issuer, bus *eventbus.Bus, loc *time.Location) *Manager {
	return &Manager{store: store, issuer: issuer, bus: bus, loc: loc}
}

// Location returns the manager's configured time zone.
func (m *Manager) Location() *time.Location {
	return m.loc
}

// Configure marks date as a run day (or not). When hasRun is true and no Run yet
// exists for that date, a new Run is created with a freshly minted session code.
// When hasRun is false and the date had an open run, that run is closed and an
// Invalidation event is published.
func (m *Manager) Configure(ctx context.Context, date models.CivilDate, hasRun bool) (*models.Run, error) {
	var closing *models.Run
	if !hasRun {
		existing, err := m.store.GetRunByDate(ctx, date)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.IsActive {
			closing = existing
		}
	}

	run, err := m.store.UpsertCalendarDay(ctx, date, hasRun, m.issuer.NewSessionCode)
	if err != nil {
		return nil, err
	}

	if closing != nil {
		m.publishInvalidation(closing)
	}
	return run, nil
}

// Today returns today's calendar day in the manager's time zone.
func (m *Manager) Today() models.CivilDate {
	return models.TodayIn(m.loc)
}

// TodayRun returns the Run scheduled for today, or nil if today is not a run day.
func (m *Manager) TodayRun(ctx context.Context) (*models.Run, error) {
	return m.store.GetRunByDate(ctx, m.Today())
}

// Day is a single calendar day annotated with whether it is scheduled as a run day
// and, where a run exists, its session code, active/closed state, and headcount.
type Day struct {
	Date            models.CivilDate `json:"date"`
	HasRun          bool             `json:"has_run"`
	IsActive        bool             `json:"is_active"`
	SessionCode     string           `json:"session_code,omitempty"`
	AttendanceCount int              `json:"attendance_count"`
}

// Month returns every configured day between start and end (inclusive), each joined
// with its run's session code, active state, and attendance count where one exists.
func (m *Manager) Month(ctx context.Context, start, end models.CivilDate) ([]Day, error) {
	configured, err := m.store.ListCalendarDays(ctx, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]Day, 0, len(configured))
	for _, c := range configured {
		day := Day{Date: c.Date, HasRun: c.HasRun}
		if c.HasRun {
			run, err := m.store.GetRunByDate(ctx, c.Date)
			if err != nil {
				return nil, err
			}
			if run != nil {
				day.IsActive = run.IsActive
				day.SessionCode = run.SessionCode
				count, err := m.store.CountForRun(ctx, run.ID)
				if err != nil {
					return nil, err
				}
				day.AttendanceCount = count
			}
		}
		out = append(out, day)
	}
	return out, nil
}

// CloseRun closes the given run, making further registrations against it rejected.
func (m *Manager) CloseRun(ctx context.Context, runID string) error {
	run, err := m.store.GetRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if err := m.store.CloseRun(ctx, runID); err != nil {
		return err
	}
	if run != nil && run.IsActive {
		m.publishInvalidation(run)
	}
	return nil
}

func (m *Manager) publishInvalidation(run *models.Run) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(InvalidationTopic, Invalidation{RunID: run.ID, SessionCode: run.SessionCode})
}
