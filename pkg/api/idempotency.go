package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is a previously served response kept for replay.
type CachedResponse struct {
	StatusCode  int       `json:"status"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	CachedAt    time.Time `json:"cached_at"`
}

// IdempotencyStorer is an idempotency backend.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, resp *CachedResponse)
}

// MemoryIdempotencyStore keeps cached responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]*CachedResponse), ttl: ttl, clock: time.Now}
}

// WithClock overrides the expiry time source.
func (s *MemoryIdempotencyStore) WithClock(clock func() time.Time) *MemoryIdempotencyStore {
	s.clock = clock
	return s
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.clock().Sub(cached.CachedAt) >= s.ttl {
		delete(s.entries, key)
		return nil, false
	}
	return cached, true
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
	resp.CachedAt = now
	s.entries[key] = resp
}

// RedisIdempotencyStore shares cached responses across nodes. Redis
// failures degrade to a cache miss; intent ids still dedupe payments.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedisIdempotencyStore(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *RedisIdempotencyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "openibank:idem:", logger: logger}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) {
	resp.CachedAt = time.Now().UTC()
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "idempotency store failed", "error", err)
	}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first successful response for a
// repeated POST carrying the same Idempotency-Key. Keys are scoped to the
// caller and route; reusing a key with a different body is a conflict.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				WriteBadRequest(w, r, "Idempotency-Key is longer than 255 characters")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				WriteBadRequest(w, r, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])

			subject := ""
			if p, ok := PrincipalFrom(r.Context()); ok {
				subject = p.Subject
			}
			scoped := subject + " " + r.URL.Path + " " + key

			if cached, ok := store.Check(r.Context(), scoped); ok {
				if cached.Fingerprint != fingerprint {
					WriteConflict(w, r, "Idempotency-Key was already used with a different request body")
					return
				}
				w.Header().Set("Content-Type", cached.ContentType)
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), scoped, &CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
					Fingerprint: fingerprint,
				})
			}
		})
	}
}
