// Package gateway is the HTTP entry point: request framing, rate limiting, CORS, the
// admin auth gate, and the subscriber transport, wired over the domain packages
// beneath it.
package gateway

import (
	"net/http"
	"time"

	"github.com/runclub/attendance/internal/calendar"
	"github.com/runclub/attendance/internal/codeissuer"
	"github.com/runclub/attendance/internal/config"
	"github.com/runclub/attendance/internal/eventbus"
	"github.com/runclub/attendance/internal/export"
	"github.com/runclub/attendance/internal/registration"
	"github.com/runclub/attendance/internal/repository"
)

// Dependencies bundles the components the Gateway routes requests to.
type Dependencies struct {
	Calendar     *calendar.Manager
	Registration *registration.Engine
	Store        *repository.Store
	Issuer       *codeissuer.Issuer
	Export       *export.Service
	Bus          *eventbus.Bus
}

// New builds the complete HTTP handler: middleware chain, routes, and the
// subscriber transport.
func New(cfg *config.Config, deps Dependencies) http.Handler {
	qrTTL := cfg.Security.QRTokenTTL
	if qrTTL <= 0 {
		qrTTL = 24 * time.Hour
	}

	h := &handlers{
		calendar:     deps.Calendar,
		registration: deps.Registration,
		store:        deps.Store,
		issuer:       deps.Issuer,
		export:       deps.Export,
		qrTTL:        qrTTL,
		hub:          newHub(deps.Bus, deps.Store, deps.Calendar, cfg.Security.AllowedOrigins),
	}

	limiters := newRateLimiters(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	admin := RequireAdmin(cfg.Security.AdminSecret)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.Handle("POST /api/calendar/configure", admin(http.HandlerFunc(h.configureCalendar)))
	mux.HandleFunc("GET /api/calendar", h.monthOverview)
	mux.HandleFunc("GET /api/calendar/today", h.todayCalendar)

	mux.Handle("POST /api/register", limiters.RateLimit(http.HandlerFunc(h.register)))

	mux.HandleFunc("GET /api/attendance/today", h.todayAttendance)
	mux.HandleFunc("GET /api/attendance/history", h.history)
	mux.Handle("GET /api/attendance/export", admin(http.HandlerFunc(h.exportCSV)))

	mux.HandleFunc("GET /api/qr/{session_code}", h.qrImage)
	// The image route takes a wildcard last segment: a literal "image.png" there would
	// overlap "validate/{token}" with neither pattern more specific, which ServeMux
	// rejects at registration.
	mux.HandleFunc("GET /api/qr/{session_code}/{file}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("file") != "image.png" {
			http.NotFound(w, r)
			return
		}
		h.qrImagePNG(w, r)
	})
	mux.HandleFunc("GET /api/qr/validate/{token}", h.qrValidate)

	mux.HandleFunc("GET /events", h.hub.serveWS)

	return Chain(
		mux,
		Logger,
		RequestID,
		Recover,
		CORS(cfg.Security.AllowedOrigins),
	)
}
