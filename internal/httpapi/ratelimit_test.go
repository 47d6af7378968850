package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maatini/unistore/internal/tenant"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	tb := newTokenBucket(3, 0.001) // effectively no refill during the test

	for i := 0; i < 3; i++ {
		allowed, _, _, _ := tb.allow()
		if !allowed {
			t.Fatalf("request %d: expected allow within burst", i+1)
		}
	}
	allowed, remaining, _, _ := tb.allow()
	if allowed {
		t.Fatal("expected deny after burst exhausted")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestRateLimitMiddleware_429PerTenant(t *testing.T) {
	srv := &Server{
		RateLimitConfig: RateLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   10,
			Burst:         2,
		},
	}
	handler := srv.rateLimitMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(tenantID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/v1/kv/buckets", nil)
		req = req.WithContext(tenant.WithTenant(req.Context(), tenantID))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Burst is 2: the third request from the same tenant is limited.
	for i := 1; i <= 2; i++ {
		if rec := do("acme"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}
	rec := do("acme")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on 429")
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("X-RateLimit-Limit header missing")
	}

	// A different tenant has its own bucket.
	if rec := do("globex"); rec.Code != http.StatusOK {
		t.Errorf("other tenant: status = %d, want 200", rec.Code)
	}
}
