package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter_AllowPerKey(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.001, Burst: 3})
	defer limiter.Close()

	for i := 0; i < 3; i++ {
		if !limiter.Allow("session-a") {
			t.Errorf("request %d should be allowed", i)
		}
	}
	if limiter.Allow("session-a") {
		t.Error("4th request should be denied")
	}
	if !limiter.Allow("session-b") {
		t.Error("different key should have its own bucket")
	}
	if !limiter.Allow("") {
		t.Error("blank key should pass")
	}
	if got := limiter.RetryAfter("session-a"); got <= 0 {
		t.Errorf("RetryAfter = %v, want positive", got)
	}

	limiter.Reset("session-a")
	if !limiter.Allow("session-a") {
		t.Error("reset key should be allowed again")
	}
	if got := limiter.Stats().ActiveBuckets; got != 2 {
		t.Errorf("active buckets = %d, want 2", got)
	}
}

func TestLimiter_Refill(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 50, Burst: 1})
	defer limiter.Close()

	if !limiter.Allow("k") {
		t.Fatal("first request should pass")
	}
	if limiter.Allow("k") {
		t.Fatal("second request should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if !limiter.Allow("k") {
		t.Fatal("bucket should have refilled")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(Config{})
	defer limiter.Close()
	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatal("disabled limiter rejected")
		}
	}
	if limiter.Enabled() {
		t.Fatal("expected disabled limiter")
	}
}

func TestMemoryStore_CleanupEvictsIdle(t *testing.T) {
	s := NewMemoryStore(time.Minute, 0)
	defer s.Close()
	now := time.Now()
	s.now = func() time.Time { return now }
	s.bucket("old", 1, 1)
	now = now.Add(2 * time.Minute)
	s.bucket("fresh", 1, 1)
	s.cleanup()
	if got := s.Stats().ActiveBuckets; got != 1 {
		t.Fatalf("active buckets = %d, want 1", got)
	}
	_ = s.Close()
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.001, Burst: 1})
	defer limiter.Close()
	var limitedKeys []string
	mw := NewMiddleware(limiter, nil, nil, func(key string) { limitedKeys = append(limitedKeys, key) })
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/personas", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("limit header = %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if len(limitedKeys) != 1 || limitedKeys[0] != "10.0.0.1" {
		t.Fatalf("limited keys = %v", limitedKeys)
	}
}
