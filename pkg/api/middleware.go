package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/openibank/openibank-sub001/pkg/identity"
	"github.com/openibank/openibank-sub001/pkg/observability"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	requestIDKey contextKey = "request_id"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    identity.Role
}

// Operator reports whether the caller holds the operator role.
func (p Principal) Operator() bool { return p.Role == identity.RoleOperator }

// CanAct reports whether the caller may act on behalf of agent id.
func (p Principal) CanAct(id string) bool { return p.Operator() || p.Subject == id }

// PrincipalFrom returns the authenticated caller from the context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// RequestID returns the request id assigned by RequestIDMiddleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestIDMiddleware injects a unique X-Request-ID into every request context
// and response header. A client-supplied X-Request-ID is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RecoverMiddleware turns a handler panic into a 500 problem.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				WriteInternal(w, r, fmt.Errorf("panic: %v", v))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// AuthMiddleware requires a valid bearer token on every non-public path and
// attaches the resulting Principal to the request context.
func AuthMiddleware(tokens *identity.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if tokens == nil {
				WriteUnauthorized(w, r, "Authentication is not configured")
				return
			}
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				WriteUnauthorized(w, r, "Missing bearer token")
				return
			}
			claims, err := tokens.Validate(strings.TrimSpace(raw))
			if err != nil {
				WriteUnauthorized(w, r, "Invalid token")
				return
			}
			p := Principal{Subject: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

// RequireOperator rejects callers without the operator role.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.Operator() {
			WriteForbidden(w, r, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Track wraps a route with a span, RED metrics and an access log line.
// Responses of 500 and above count as errors.
func Track(obs *observability.Provider, logger *slog.Logger, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		var done func(error)
		if obs != nil {
			ctx, done = obs.TrackOperation(ctx, route, attribute.String("http.route", route))
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		var err error
		if rec.status >= http.StatusInternalServerError {
			err = fmt.Errorf("%s answered %d", route, rec.status)
		}
		if done != nil {
			done(err)
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "request",
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", RequestID(ctx)),
		)
	})
}

// GlobalRateLimiter manages per-IP token buckets.
type GlobalRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastPrune time.Time
	clock     func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter allows rps requests per second per client IP with
// the given burst.
func NewGlobalRateLimiter(rps float64, burst int) *GlobalRateLimiter {
	return &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		clock:    time.Now,
	}
}

// getVisitor returns the limiter for ip, creating it on first sight.
// Idle visitors are pruned at most once a minute.
func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	if now.Sub(rl.lastPrune) > time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, k)
			}
		}
		rl.lastPrune = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware returns a Handler that enforces rate limits.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		limiter := rl.getVisitor(ip)
		if !limiter.Allow() {
			retry := 1
			if rl.limit > 0 && rl.limit < 1 {
				retry = int(1/float64(rl.limit)) + 1
			}
			WriteTooManyRequests(w, r, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}
