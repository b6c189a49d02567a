package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tubechat/tubechat-backend/internal/apierrors"
	"github.com/tubechat/tubechat-backend/internal/config"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/ratelimit"
)

func testLogger() *logger.Logger {
	level := slog.LevelError
	if testing.Verbose() {
		level = slog.LevelDebug
	}
	return logger.New(logger.Config{Level: level})
}

type rateEvent struct {
	identifier string
	action     string
	at         time.Time
}

// memRateStore backs the limiter for middleware tests.
type memRateStore struct {
	mu     sync.Mutex
	events []rateEvent
}

func (s *memRateStore) InsertRateEvent(ctx context.Context, identifier, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, rateEvent{identifier: identifier, action: action, at: time.Now()})
	return nil
}

func (s *memRateStore) GetRateWindow(ctx context.Context, identifier, action string, since time.Time) (int64, sql.NullTime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	var oldest sql.NullTime
	for _, e := range s.events {
		if e.identifier != identifier || e.action != action || e.at.Before(since) {
			continue
		}
		count++
		if !oldest.Valid || e.at.Before(oldest.Time) {
			oldest = sql.NullTime{Time: e.at, Valid: true}
		}
	}
	return count, oldest, nil
}

func (s *memRateStore) DeleteRateEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func newTestServer() *Server {
	gin.SetMode(gin.TestMode)
	return &Server{
		cfg:     &config.Config{BackendAPIKey: "secret-key", AppEnv: "development", GinMode: gin.TestMode},
		limiter: ratelimit.NewLimiter(&memRateStore{}, testLogger()),
		logger:  testLogger(),
	}
}

func authRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.GET("/protected", s.requireAPIKey(), s.identity(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"userId":  c.GetString(ctxUserID),
			"premium": c.GetBool(ctxPremium),
		})
	})
	return router
}

func TestRequireAPIKey(t *testing.T) {
	router := authRouter(newTestServer())

	cases := []struct {
		name    string
		key     string
		status  int
		message string
	}{
		{"missing key", "", http.StatusUnauthorized, "X-API-KEY header is required"},
		{"wrong key", "not-the-key", http.StatusForbidden, "invalid API key"},
		{"valid key", "secret-key", http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.key != "" {
				req.Header.Set("X-API-KEY", tc.key)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.message != "" {
				if body := rec.Body.String(); !strings.Contains(body, tc.message) || !strings.Contains(body, `"kind":"auth"`) {
					t.Errorf("body = %s", body)
				}
			}
		})
	}
}

func TestIdentityHeaders(t *testing.T) {
	router := authRouter(newTestServer())

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-API-KEY", "secret-key")
	req.Header.Set("X-User-Id", "u42")
	req.Header.Set("X-User-Tier", "premium")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"userId":"u42"`) {
		t.Errorf("body = %s", body)
	}
	if !strings.Contains(body, `"premium":true`) {
		t.Errorf("body = %s", body)
	}
}

func limitedRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.POST("/chat", s.identity(), s.rateLimit(ratelimit.ActionChat), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestRateLimitHeadersAndBlock(t *testing.T) {
	s := newTestServer()
	router := limitedRouter(s)

	doRequest := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.Header.Set("X-User-Id", "u1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// The standard user chat budget is 5 per hour.
	for i := 0; i < 5; i++ {
		rec := doRequest()
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
			t.Errorf("X-RateLimit-Limit = %q, want 5", got)
		}
		if rec.Header().Get("X-RateLimit-Remaining") == "" {
			t.Error("X-RateLimit-Remaining missing")
		}
		if rec.Header().Get("X-RateLimit-Reset") == "" {
			t.Error("X-RateLimit-Reset missing")
		}
	}

	rec := doRequest()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth request status = %d, want 429", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "rate_limit_exceeded") {
		t.Errorf("429 body = %s", body)
	}
	if !strings.Contains(body, `"window":"hour"`) {
		t.Errorf("429 body = %s", body)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}

func TestRateLimitAnonymousByIP(t *testing.T) {
	s := newTestServer()
	router := limitedRouter(s)

	doRequest := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// Exhaust one IP's anonymous budget; a different IP is unaffected.
	for i := 0; i < 5; i++ {
		if rec := doRequest("1.2.3.4"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	if rec := doRequest("1.2.3.4"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("exhausted IP status = %d, want 429", rec.Code)
	}
	if rec := doRequest("5.6.7.8"); rec.Code != http.StatusOK {
		t.Errorf("fresh IP status = %d, want 200", rec.Code)
	}
}

// Channel ingestion is reserved for authenticated callers; anonymous
// requests are denied before any usage accrues.
func TestRateLimitAnonymousChannelProcessDenied(t *testing.T) {
	s := newTestServer()
	router := gin.New()
	router.POST("/channels/process", s.identity(), s.rateLimit(ratelimit.ActionChannelProcess), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/channels/process", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("anonymous channel process status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rate_limit_exceeded") {
		t.Errorf("body = %s", rec.Body.String())
	}

	// The same request with a user identity is admitted.
	req = httptest.NewRequest(http.MethodPost, "/channels/process", nil)
	req.Header.Set("X-User-Id", "u1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated channel process status = %d, want 200", rec.Code)
	}
}

func TestRespondErrorHidesStackInProduction(t *testing.T) {
	s := newTestServer()

	doRespond := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		s.respondError(c, apierrors.BadRequest("bad input").WithCause(errors.New("field x is not a number")))
		return rec
	}

	rec := doRespond()
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"error":"bad input"`) || !strings.Contains(body, "field x is not a number") {
		t.Errorf("development body = %s", body)
	}

	s.cfg.AppEnv = "production"
	if body := doRespond().Body.String(); strings.Contains(body, "field x is not a number") {
		t.Errorf("production body leaks the cause: %s", body)
	}
}
