// Package export streams attendance history as CSV without materialising the full
// result set in memory, so an arbitrarily large date range costs constant memory.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/runclub/attendance/internal/models"
	"github.com/runclub/attendance/internal/repository"
)

// Header is the fixed CSV header row every export begins with.
var Header = []string{"id", "run_date", "runner_id", "registered_at", "session_code"}

// Service streams attendance history as CSV.
type Service struct {
	store *repository.Store
}

// New builds a Service backed by store.
func New(store *repository.Store) *Service {
	return &Service{store: store}
}

// flushInterval is how many rows are written between flushes of the underlying
// writer, so a browser downloading a long export sees steady progress rather than
// one burst at the end.
const flushInterval = 100

// flusher is satisfied by http.ResponseWriter; kept as a narrow interface so Export
// works against any io.Writer in tests.
type flusher interface {
	Flush()
}

// Export writes the CSV header followed by every HistoryRow between start and end
// (inclusive) to w, flushing w periodically if it implements flusher (as
// http.ResponseWriter does).
func (s *Service) Export(ctx context.Context, w io.Writer, start, end models.CivilDate) error {
	writer := csv.NewWriter(w)
	writer.UseCRLF = true

	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	f, canFlush := w.(flusher)
	rowCount := 0

	err := s.store.StreamHistory(ctx, start, end, func(row models.HistoryRow) error {
		record := []string{
			row.AttendanceID,
			row.RunDate.String(),
			row.RunnerID,
			row.RegisteredAt.Time.Format("2006-01-02T15:04:05Z07:00"),
			row.SessionCode,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}

		rowCount++
		if rowCount%flushInterval == 0 {
			writer.Flush()
			if err := writer.Error(); err != nil {
				return err
			}
			if canFlush {
				f.Flush()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	writer.Flush()
	if canFlush {
		f.Flush()
	}
	return writer.Error()
}
