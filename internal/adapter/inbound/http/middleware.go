// Package http provides the HTTP boundary of PolicyShield: handlers,
// middleware, metrics, and health probes for the JSON API in front of the
// policy engine.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mishabar410/policyshield/internal/ctxkey"
	"github.com/mishabar410/policyshield/internal/domain/auth"
)

// RequestIDMiddleware extracts or generates a request ID and enriches the
// logger. The request ID is stored in context using ctxkey.RequestIDKey; an
// enriched logger with a request_id field is stored using ctxkey.LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			// Echo for correlation.
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context. Returns
// slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SecurityHeadersMiddleware sets response headers that keep the API out of
// browser attack surface.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware validates the Origin header against an allowlist and
// answers preflight requests. Requests without an Origin header pass
// (same-origin or non-browser). If the allowlist is empty, any request
// carrying an Origin header is rejected; this doubles as DNS-rebinding
// protection for local deployments.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			_, ok := allowed[origin]
			if !ok && !wildcard {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}

			if wildcard {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Authorization, Content-Type, X-Request-ID, X-Idempotency-Key")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authFailureTracker applies an exponential per-IP lockout after repeated
// admin auth failures. Bounded: entries expire with the lockout and the map
// is capped, evicting the entry closest to expiry.
type authFailureTracker struct {
	mu      sync.Mutex
	entries map[string]*authFailureEntry
	cap     int
	now     func() time.Time
}

type authFailureEntry struct {
	failures    int
	lockedUntil time.Time
}

const (
	authFailureCap      = 10_000
	authLockoutBase     = time.Second
	authLockoutMax      = 15 * time.Minute
	authLockoutAfterTry = 3
)

func newAuthFailureTracker() *authFailureTracker {
	return &authFailureTracker{
		entries: make(map[string]*authFailureEntry),
		cap:     authFailureCap,
		now:     time.Now,
	}
}

// locked reports whether the IP is currently locked out and for how much
// longer.
func (t *authFailureTracker) locked(ip string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[ip]
	if !ok {
		return false, 0
	}
	now := t.now()
	if now.Before(e.lockedUntil) {
		return true, e.lockedUntil.Sub(now)
	}
	return false, 0
}

// fail records one auth failure for the IP. Lockout kicks in after
// authLockoutAfterTry failures and doubles per additional failure up to
// authLockoutMax.
func (t *authFailureTracker) fail(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[ip]
	if !ok {
		if len(t.entries) >= t.cap {
			t.evictOldestLocked()
		}
		e = &authFailureEntry{}
		t.entries[ip] = e
	}
	e.failures++
	if e.failures >= authLockoutAfterTry {
		backoff := authLockoutBase << (e.failures - authLockoutAfterTry)
		if backoff > authLockoutMax || backoff <= 0 {
			backoff = authLockoutMax
		}
		e.lockedUntil = now.Add(backoff)
	}
}

// reset clears the failure history for the IP after a successful auth.
func (t *authFailureTracker) reset(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ip)
}

// evictOldestLocked removes the entry whose lockout expires soonest.
// Caller holds t.mu.
func (t *authFailureTracker) evictOldestLocked() {
	var victim string
	var oldest time.Time
	first := true
	for ip, e := range t.entries {
		if first || e.lockedUntil.Before(oldest) {
			victim, oldest, first = ip, e.lockedUntil, false
		}
	}
	if victim != "" {
		delete(t.entries, victim)
	}
}

// requireToken enforces bearer auth against the configured secret. An
// empty secret disables auth for the wrapped handler. Admin endpoints pass
// admin=true, which arms the per-IP exponential lockout.
func requireToken(secret string, admin bool, tracker *authFailureTracker, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		ip := realIP(r)
		if admin {
			if locked, remaining := tracker.locked(ip); locked {
				w.Header().Set("Retry-After", retryAfterSeconds(remaining))
				writeError(w, http.StatusForbidden,
					"locked_out", "too many failed authentication attempts", "")
				return
			}
		}

		token := bearerToken(r)
		ok := false
		if token != "" {
			var err error
			ok, err = auth.VerifyToken(token, secret)
			if err != nil {
				LoggerFromContext(r.Context()).Warn("token verification failed", "error", err)
				ok = false
			}
		}
		if !ok {
			if admin {
				tracker.fail(ip)
			}
			status := http.StatusUnauthorized
			if token != "" {
				status = http.StatusForbidden
			}
			writeError(w, status, "unauthorized", "missing or invalid bearer token", "")
			return
		}
		if admin {
			tracker.reset(ip)
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds renders a duration as a whole-second Retry-After value,
// at least 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// bearerToken extracts the Bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// realIP extracts the client IP for lockout tracking. X-Forwarded-For is
// deliberately not trusted here; lockout keys must not be spoofable.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// maxBodyMiddleware caps request bodies. Requests declaring a larger
// Content-Length are rejected with 413 up front; bodies without a declared
// length are capped while reading via MaxBytesReader.
func maxBodyMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 {
				if r.ContentLength > limit {
					writeError(w, http.StatusRequestEntityTooLarge,
						"payload_too_large", "request body exceeds limit", "")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireJSON rejects mutating requests whose Content-Type is not JSON.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if i := strings.IndexByte(ct, ';'); i >= 0 {
				ct = ct[:i]
			}
			ct = strings.TrimSpace(ct)
			if ct != "application/json" && !(ct == "" && r.ContentLength == 0) {
				writeError(w, http.StatusUnsupportedMediaType,
					"unsupported_media_type", "Content-Type must be application/json", "")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
