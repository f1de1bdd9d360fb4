package calendar

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runclub/attendance/internal/codeissuer"
	"github.com/runclub/attendance/internal/database"
	"github.com/runclub/attendance/internal/eventbus"
	"github.com/runclub/attendance/internal/models"
	"github.com/runclub/attendance/internal/repository"
)

func setupTestManager(t *testing.T) (*Manager, *repository.Store, *eventbus.Bus) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(db, "../../migrations"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	store := repository.New(db, "sqlite")
	issuer := codeissuer.New("signing-key", "23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 5, "")
	bus := eventbus.New(4)
	return New(store, issuer, bus, time.UTC), store, bus
}

func TestManager_Configure_CreatesAndReusesRun(t *testing.T) {
	mgr, _, _ := setupTestManager(t)
	date := mgr.Today()

	run, err := mgr.Configure(context.Background(), date, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if run == nil {
		t.Fatal("expected a run to be created")
	}
	if run.SessionCode == "" {
		t.Fatal("expected a session code to be minted")
	}

	again, err := mgr.Configure(context.Background(), date, true)
	if err != nil {
		t.Fatalf("Configure (second call): %v", err)
	}
	if again.ID != run.ID {
		t.Fatalf("expected the same run to be reused, got %+v vs %+v", run, again)
	}
}

func TestManager_Configure_UnscheduledDayHasNoRun(t *testing.T) {
	mgr, _, _ := setupTestManager(t)
	date := models.NewCivilDate(time.Now().AddDate(0, 0, 3), time.UTC)

	run, err := mgr.Configure(context.Background(), date, false)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if run != nil {
		t.Fatalf("expected no run for an unscheduled day, got %+v", run)
	}
}

func TestManager_Month_JoinsRunStateAndCount(t *testing.T) {
	mgr, store, _ := setupTestManager(t)
	today := mgr.Today()
	tomorrow := models.NewCivilDate(today.Time.AddDate(0, 0, 1), time.UTC)

	run, err := mgr.Configure(context.Background(), today, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := mgr.Configure(context.Background(), tomorrow, false); err != nil {
		t.Fatalf("Configure (tomorrow): %v", err)
	}

	for _, runner := range []string{"runner-1", "runner-2"} {
		if _, err := store.Register(context.Background(), run.ID, runner, time.Now()); err != nil {
			t.Fatalf("Register %s: %v", runner, err)
		}
	}

	days, err := mgr.Month(context.Background(), today, tomorrow)
	if err != nil {
		t.Fatalf("Month: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("expected 2 configured days, got %d", len(days))
	}
	if !days[0].HasRun || !days[0].IsActive {
		t.Fatalf("expected today to be an active run day, got %+v", days[0])
	}
	if days[0].SessionCode != run.SessionCode {
		t.Fatalf("expected today's day to carry session code %q, got %+v", run.SessionCode, days[0])
	}
	if days[0].AttendanceCount != 2 {
		t.Fatalf("expected an attendance count of 2, got %+v", days[0])
	}
	if days[1].HasRun || days[1].SessionCode != "" || days[1].AttendanceCount != 0 {
		t.Fatalf("expected tomorrow to have no run, got %+v", days[1])
	}

	if err := mgr.CloseRun(context.Background(), run.ID); err != nil {
		t.Fatalf("CloseRun: %v", err)
	}
	days, err = mgr.Month(context.Background(), today, today)
	if err != nil {
		t.Fatalf("Month after close: %v", err)
	}
	if days[0].IsActive {
		t.Fatalf("expected today's run to be inactive after closing, got %+v", days[0])
	}
}

func TestManager_Configure_PublishesInvalidationOnClose(t *testing.T) {
	mgr, _, bus := setupTestManager(t)
	sub := bus.Subscribe(InvalidationTopic, eventbus.CloseOnLag)
	defer bus.Unsubscribe(sub)

	today := mgr.Today()
	run, err := mgr.Configure(context.Background(), today, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if _, err := mgr.Configure(context.Background(), today, false); err != nil {
		t.Fatalf("Configure (close): %v", err)
	}

	select {
	case evt := <-sub.Events():
		inv := evt.Payload.(Invalidation)
		if inv.RunID != run.ID || inv.SessionCode != run.SessionCode {
			t.Fatalf("unexpected invalidation payload %+v for run %+v", inv, run)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an Invalidation event when the run day was unscheduled")
	}
}
