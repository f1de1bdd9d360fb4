package export

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runclub/attendance/internal/codeissuer"
	"github.com/runclub/attendance/internal/database"
	"github.com/runclub/attendance/internal/models"
	"github.com/runclub/attendance/internal/repository"
)

func TestService_Export_WritesHeaderAndRows(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db, "../../migrations"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	store := repository.New(db, "sqlite")
	issuer := codeissuer.New("signing-key", "23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 5, "")
	date := models.TodayIn(time.UTC)

	run, err := store.UpsertCalendarDay(context.Background(), date, true, issuer.NewSessionCode)
	if err != nil {
		t.Fatalf("UpsertCalendarDay: %v", err)
	}
	if _, err := store.Register(context.Background(), run.ID, "alice", time.Now()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := store.Register(context.Background(), run.ID, "bob", time.Now()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc := New(store)
	var buf bytes.Buffer
	if err := svc.Export(context.Background(), &buf, date, date); err != nil {
		t.Fatalf("Export: %v", err)
	}

	reader := csv.NewReader(strings.NewReader(buf.String()))
	records, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("parse exported CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d records", len(records))
	}
	for i, want := range Header {
		if records[0][i] != want {
			t.Fatalf("header mismatch at column %d: got %q want %q", i, records[0][i], want)
		}
	}
	if !strings.Contains(buf.String(), "\r\n") {
		t.Fatal("expected CRLF line endings")
	}
}

func TestService_Export_EmptyRangeWritesOnlyHeader(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db, "../../migrations"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	store := repository.New(db, "sqlite")
	svc := New(store)

	date := models.TodayIn(time.UTC)
	var buf bytes.Buffer
	if err := svc.Export(context.Background(), &buf, date, date); err != nil {
		t.Fatalf("Export: %v", err)
	}

	reader := csv.NewReader(strings.NewReader(buf.String()))
	records, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("parse exported CSV: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected only the header row, got %d records", len(records))
	}
}
