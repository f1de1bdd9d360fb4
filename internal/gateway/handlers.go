package gateway

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/runclub/attendance/internal/calendar"
	"github.com/runclub/attendance/internal/codeissuer"
	"github.com/runclub/attendance/internal/export"
	"github.com/runclub/attendance/internal/models"
	"github.com/runclub/attendance/internal/registration"
	"github.com/runclub/attendance/internal/repository"
)

// handlers holds every dependency the HTTP surface needs; it has no state of its
// own beyond these references, matching the Store's ownership of all durable state.
type handlers struct {
	calendar     *calendar.Manager
	registration *registration.Engine
	store        *repository.Store
	issuer       *codeissuer.Issuer
	export       *export.Service
	qrTTL        time.Duration
	hub          *hub
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

type configureRequest struct {
	Date   string `json:"date"`
	HasRun bool   `json:"has_run"`
}

func (h *handlers) configureCalendar(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed", "invalid request body", nil)
		return
	}

	date, err := models.ParseCivilDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed", "date must be YYYY-MM-DD", nil)
		return
	}

	run, err := h.calendar.Configure(r.Context(), date, req.HasRun)
	if err != nil {
		writeInternal(w, r, "configure calendar day", err)
		return
	}

	resp := map[string]any{"success": true}
	if run != nil {
		resp["session_code"] = run.SessionCode
	}
	writeOK(w, resp)
}

func (h *handlers) monthOverview(w http.ResponseWriter, r *http.Request) {
	monthParam := r.URL.Query().Get("month")
	if monthParam == "" {
		monthParam = h.calendar.Today().Time.Format("2006-01")
	}
	anchor, err := time.Parse("2006-01", monthParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed", "month must be YYYY-MM", nil)
		return
	}

	loc := h.calendar.Location()
	start := models.NewCivilDate(anchor, loc)
	end := models.NewCivilDate(anchor.AddDate(0, 1, -1), loc)

	days, err := h.calendar.Month(r.Context(), start, end)
	if err != nil {
		writeInternal(w, r, "load calendar", err)
		return
	}

	writeOK(w, map[string]any{"data": days})
}

func (h *handlers) todayCalendar(w http.ResponseWriter, r *http.Request) {
	run, err := h.calendar.TodayRun(r.Context())
	if err != nil {
		writeInternal(w, r, "load today's run", err)
		return
	}

	if run == nil {
		writeOK(w, map[string]any{"has_run": false, "attendance_count": 0})
		return
	}

	count, err := h.store.CountForRun(r.Context(), run.ID)
	if err != nil {
		writeInternal(w, r, "count attendance", err)
		return
	}

	writeOK(w, map[string]any{
		"has_run":          true,
		"session_code":     run.SessionCode,
		"attendance_count": count,
	})
}

func (h *handlers) todayAttendance(w http.ResponseWriter, r *http.Request) {
	run, err := h.calendar.TodayRun(r.Context())
	if err != nil {
		writeInternal(w, r, "load today's run", err)
		return
	}
	if run == nil {
		writeOK(w, map[string]any{"count": 0, "has_run_today": false})
		return
	}

	count, err := h.store.CountForRun(r.Context(), run.ID)
	if err != nil {
		writeInternal(w, r, "count attendance", err)
		return
	}

	writeOK(w, map[string]any{
		"count":         count,
		"has_run_today": true,
		"session_id":    run.SessionCode,
	})
}

type registerRequest struct {
	SessionID  string `json:"session_id"`
	RunnerName string `json:"runner_name"`
	Timestamp  string `json:"timestamp"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "Malformed", "invalid request body", nil)
		return
	}

	clientTS := time.Now()
	if req.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			clientTS = parsed
		}
	}

	outcome, err := h.registration.Register(r.Context(), req.SessionID, req.RunnerName, clientTS)
	if err != nil {
		writeInternal(w, r, "register attendance", err)
		return
	}

	switch outcome.Kind {
	case registration.Ok:
		writeOK(w, map[string]any{
			"success":       true,
			"current_count": outcome.Count,
			"runner_name":   strings.TrimSpace(req.RunnerName),
		})
	case registration.AlreadyRegistered:
		count := outcome.Count
		writeError(w, http.StatusConflict, "AlreadyRegistered", "already registered for today", &count)
	case registration.BadSession:
		writeError(w, http.StatusNotFound, "BadSession", "no such session", nil)
	case registration.SessionClosed:
		writeError(w, http.StatusGone, "SessionClosed", "this session is no longer open", nil)
	case registration.Invalid:
		writeError(w, http.StatusBadRequest, "Invalid", "runner_name is required and must be reasonably short", nil)
	default:
		writeError(w, http.StatusServiceUnavailable, "Retryable", "please try again", nil)
	}
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, ok := parseDateRange(w, q)
	if !ok {
		return
	}

	page := atoiDefault(q.Get("page"), 1)
	pageSize := atoiDefault(q.Get("page_size"), 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	rows, err := h.store.History(r.Context(), start, end, pageSize, (page-1)*pageSize)
	if err != nil {
		writeInternal(w, r, "load history", err)
		return
	}
	total, err := h.store.HistoryCount(r.Context(), start, end)
	if err != nil {
		writeInternal(w, r, "count history", err)
		return
	}

	type historyView struct {
		ID           string `json:"id"`
		RunDate      string `json:"run_date"`
		RunnerID     string `json:"runner_id"`
		RegisteredAt string `json:"registered_at"`
		SessionCode  string `json:"session_code"`
	}
	data := make([]historyView, 0, len(rows))
	for _, row := range rows {
		data = append(data, historyView{
			ID:           row.AttendanceID,
			RunDate:      row.RunDate.String(),
			RunnerID:     row.RunnerID,
			RegisteredAt: row.RegisteredAt.Time.Format(time.RFC3339),
			SessionCode:  row.SessionCode,
		})
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	writeOK(w, map[string]any{
		"data":        data,
		"total_count": total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}

func (h *handlers) exportCSV(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseDateRange(w, r.URL.Query())
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=attendance-export.csv")
	if err := h.export.Export(r.Context(), w, start, end); err != nil {
		// Headers are already committed once Export starts writing; log and stop.
		log.Printf("[GATEWAY] export aborted: %v", err)
		return
	}
}

func (h *handlers) qrImage(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("session_code")
	run, err := h.store.GetRunByCode(r.Context(), code)
	if err != nil {
		writeInternal(w, r, "look up session", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "BadSession", "no such session code", nil)
		return
	}

	png, err := h.issuer.QRImage(code, h.qrTTL, 256)
	if err != nil {
		writeInternal(w, r, "render qr code", err)
		return
	}

	writeOK(w, map[string]any{
		"qr_code":    base64.StdEncoding.EncodeToString(png),
		"session_id": run.SessionCode,
	})
}

func (h *handlers) qrImagePNG(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("session_code")
	run, err := h.store.GetRunByCode(r.Context(), code)
	if err != nil || run == nil {
		http.NotFound(w, r)
		return
	}

	png, err := h.issuer.QRImage(code, h.qrTTL, 256)
	if err != nil {
		http.Error(w, "failed to render qr code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (h *handlers) qrValidate(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	code, err := h.issuer.VerifyQRToken(token)
	if err != nil {
		writeOK(w, map[string]any{"valid": false})
		return
	}

	run, err := h.store.GetRunByCode(r.Context(), code)
	if err != nil || run == nil || !run.IsActive {
		writeOK(w, map[string]any{"valid": false})
		return
	}

	writeOK(w, map[string]any{"valid": true, "session_id": run.SessionCode})
}

func parseDateRange(w http.ResponseWriter, q map[string][]string) (models.CivilDate, models.CivilDate, bool) {
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}

	startStr, endStr := get("start_date"), get("end_date")
	if startStr == "" || endStr == "" {
		writeError(w, http.StatusBadRequest, "Malformed", "start_date and end_date are required", nil)
		return models.CivilDate{}, models.CivilDate{}, false
	}

	start, err := models.ParseCivilDate(startStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed", "start_date must be YYYY-MM-DD", nil)
		return models.CivilDate{}, models.CivilDate{}, false
	}
	end, err := models.ParseCivilDate(endStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed", "end_date must be YYYY-MM-DD", nil)
		return models.CivilDate{}, models.CivilDate{}, false
	}

	return start, end, true
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
