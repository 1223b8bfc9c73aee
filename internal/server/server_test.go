package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/auth"
	"github.com/torii-ai/sekisho/internal/ratelimit"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRequestIDMiddlewareAssignsAndEchoes(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	requestIDMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	// A caller-provided ID is preserved.
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = httptest.NewRecorder()
	requestIDMiddleware(inner).ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
}

func TestRequireOperator(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	var operator string
	protected := requireOperator(jwtMgr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = ClaimsFromContext(r.Context()).Operator
	}))

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/actions/x/approve", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing header")

	req := httptest.NewRequest("POST", "/v1/actions/x/approve", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong scheme")

	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "invalid token")

	token, _, err := jwtMgr.IssueToken(uuid.New(), "day-shift")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "day-shift", operator)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	defer limiter.Close()

	handler := rateLimitMiddleware(limiter, ratelimit.IPKey, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {},
	))

	req := httptest.NewRequest("POST", "/v1/auth/token", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different client is unaffected.
	other := httptest.NewRequest("POST", "/v1/auth/token", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := rateLimitMiddleware(nil, ratelimit.IPKey, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {},
	))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(discard(), http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { panic("boom") },
	))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal")
}

func TestBodyLimitMiddleware(t *testing.T) {
	handler := bodyLimitMiddleware(16, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			X string `json:"x"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", "body too large or invalid")
			return
		}
		writeJSON(w, r, http.StatusOK, req)
	}))

	rec := httptest.NewRecorder()
	small := httptest.NewRequest("POST", "/", strings.NewReader(`{"x":"y"}`))
	handler.ServeHTTP(rec, small)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	big := httptest.NewRequest("POST", "/", strings.NewReader(`{"x":"`+strings.Repeat("a", 64)+`"}`))
	handler.ServeHTTP(rec, big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTokenValidation(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)
	h := &Handlers{jwtMgr: jwtMgr, logger: discard()}

	rec := httptest.NewRecorder()
	h.HandleToken(rec, httptest.NewRequest("POST", "/v1/auth/token", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleToken(rec, httptest.NewRequest("POST", "/v1/auth/token", strings.NewReader(`{"operator":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing api_key")
}

func TestHandleSearchValidation(t *testing.T) {
	h := &Handlers{logger: discard()}

	rec := httptest.NewRecorder()
	h.HandleSearch(rec, httptest.NewRequest("POST", "/v1/search", strings.NewReader(`{"query":"x"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no retriever configured")
}

func TestHandleStreamCaseValidation(t *testing.T) {
	h := &Handlers{logger: discard()}

	req := httptest.NewRequest("POST", "/v1/cases/not-a-uuid/stream", nil)
	req.SetPathValue("id", "not-a-uuid")
	rec := httptest.NewRecorder()
	h.HandleStreamCase(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusWriterFlushPassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	// The logging wrapper must not hide http.Flusher from streaming handlers.
	var w http.ResponseWriter = sw
	f, ok := w.(http.Flusher)
	require.True(t, ok)
	f.Flush()
	assert.True(t, rec.Flushed)
}

func TestQueryLimit(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/cases?limit=25", nil)
	assert.Equal(t, 25, queryLimit(r, 50))

	r = httptest.NewRequest("GET", "/v1/cases", nil)
	assert.Equal(t, 50, queryLimit(r, 50))

	r = httptest.NewRequest("GET", "/v1/cases?limit=99999", nil)
	assert.Equal(t, 50, queryLimit(r, 50), "out-of-range limit falls back")

	r = httptest.NewRequest("GET", "/v1/cases?limit=bogus", nil)
	assert.Equal(t, 50, queryLimit(r, 50))
}
