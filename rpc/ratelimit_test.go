package rpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/subst/upsert", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := clientID(req); got != "10.0.0.7" {
		t.Fatalf("unexpected remote id %q", got)
	}
	req.Header.Set("X-Forwarded-For", "192.168.1.4, 10.0.0.1")
	if got := clientID(req); got != "192.168.1.4" {
		t.Fatalf("unexpected forwarded id %q", got)
	}
	req.Header.Set("X-Real-IP", "172.16.0.9")
	if got := clientID(req); got != "172.16.0.9" {
		t.Fatalf("unexpected real ip %q", got)
	}
}

func TestRateLimiterSeparatesClientsAndSweeps(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("subst")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/subst/remove", nil)
		req.RemoteAddr = ip + ":1234"
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}
	if send("10.0.0.1") != http.StatusOK || send("10.0.0.2") != http.StatusOK {
		t.Fatalf("first request per client should pass")
	}
	if send("10.0.0.1") != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be limited")
	}

	now = now.Add(2 * visitorTTL)
	send("10.0.0.3")
	limiter.mu.Lock()
	_, stale := limiter.visitors["10.0.0.1"]
	limiter.mu.Unlock()
	if stale {
		t.Fatalf("idle visitor not swept")
	}
}
