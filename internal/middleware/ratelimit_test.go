package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func requestWithProfile(profileID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	return req.WithContext(ContextWithProfileID(req.Context(), profileID))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_GeneralLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    3,
		ProxyRate:       1,
		ProxyBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestWithProfile("p1"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestWithProfile("p1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want RATE_LIMIT_EXCEEDED", body.Code)
	}

	// 別プロファイルは独立
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestWithProfile("p2"))
	if w.Code != http.StatusOK {
		t.Errorf("other profile status = %d, want 200", w.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_ProxyIndependentOfGeneral(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		ProxyRate:       1,
		ProxyBurst:      5,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	proxy := rl.ProxyMiddleware()(okHandler())

	general.ServeHTTP(httptest.NewRecorder(), requestWithProfile("p1"))
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		proxy.ServeHTTP(w, requestWithProfile("p1"))
		if w.Code != http.StatusOK {
			t.Fatalf("proxy request %d: status = %d, want 200", i, w.Code)
		}
	}
	if rl.ProxyLimiterCount() != 1 {
		t.Errorf("ProxyLimiterCount() = %d, want 1", rl.ProxyLimiterCount())
	}
}

func TestRateLimiter_MissingProfile(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRateLimiter_CleanupEvictsStaleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		ProxyRate:       1,
		ProxyBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestWithProfile("p1"))
	rl.cleanup(time.Now())
	if rl.GeneralLimiterCount() != 1 {
		t.Fatalf("fresh entry should remain")
	}
	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("stale entry should be evicted, count = %d", rl.GeneralLimiterCount())
	}
	rl.Stop()
}

func TestPerMinuteConfig(t *testing.T) {
	cfg := PerMinuteConfig(120, 300)
	if cfg.GeneralRate != 2 || cfg.GeneralBurst != 120 {
		t.Errorf("general = %v/%d, want 2/120", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.ProxyRate != 5 || cfg.ProxyBurst != 300 {
		t.Errorf("proxy = %v/%d, want 5/300", cfg.ProxyRate, cfg.ProxyBurst)
	}
}
