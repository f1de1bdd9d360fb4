package gateway

import (
	"context"
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Chain applies middlewares to h in the order given, outermost first.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Logger logs each request's method, path, remote address, status, and duration.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("%s %s %s %d %s", r.Method, r.URL.Path, r.RemoteAddr, wrapped.statusCode, time.Since(start))
	})
}

// Recover turns a panicking handler into a 500 instead of crashing the process. It
// must sit inside RequestID in the chain so the panic log and response carry the
// request's correlation id.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				id := GetRequestID(r.Context())
				log.Printf("panic: %v (request_id=%s)\n%s", err, id, debug.Stack())
				writeJSON(w, http.StatusInternalServerError, envelope{
					Success:   false,
					Error:     "Internal",
					Message:   "internal error",
					RequestID: id,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestID stamps each request with a unique id, echoed in the X-Request-ID header
// and attached to the request context for correlation in logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request id stamped by RequestID, or "" if absent.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// CORS enforces an origin allowlist on cross-origin requests. An empty allowlist
// permits any origin, useful for local development.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				_, ok := allowed[origin]
				if len(allowed) == 0 || ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin gates a handler behind a shared secret compared in constant time,
// supplied either as an "X-Admin-Secret" header or as an "Authorization: Bearer"
// token; the header takes precedence when both are present.
func RequireAdmin(secret string) func(http.Handler) http.Handler {
	secretBytes := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(r.Header.Get("X-Admin-Secret"))
			if len(provided) == 0 {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					provided = []byte(strings.TrimPrefix(auth, "Bearer "))
				}
			}
			if len(provided) != len(secretBytes) || subtle.ConstantTimeCompare(provided, secretBytes) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "admin credential required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiters hands out a per-remote-address token bucket, evicting buckets that
// have gone quiet so long-running processes don't accumulate one entry per client
// forever.
type rateLimiters struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	rps     rate.Limit
	burst   int
	maxIdle time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiters(requestsPerMinute float64, burst int) *rateLimiters {
	return &rateLimiters{
		buckets: make(map[string]*limiterEntry),
		rps:     rate.Limit(requestsPerMinute / 60),
		burst:   burst,
		maxIdle: 10 * time.Minute,
	}
}

func (rl *rateLimiters) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.buckets[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = entry
	}
	entry.lastSeen = now

	if len(rl.buckets) > 10000 {
		for k, e := range rl.buckets {
			if now.Sub(e.lastSeen) > rl.maxIdle {
				delete(rl.buckets, k)
			}
		}
	}

	return entry.limiter.Allow()
}

// RateLimit applies a per-remote-address token bucket to next. Requests exceeding
// their bucket receive RateLimited without reaching next.
func (rl *rateLimiters) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "RateLimited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
