package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimiter(600)) // 10 rps, burst 150
	router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimiter(60)) // 1 rps, burst 15
	router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })

	limited := false
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("Expected a burst past the budget to be limited")
	}
}

func TestTTLLimiterCacheSweeps(t *testing.T) {
	cache := newTTLLimiterCache(time.Millisecond)
	mk := func() *rate.Limiter { return rate.NewLimiter(1, 1) }

	cache.get("stale", mk)
	time.Sleep(5 * time.Millisecond)

	// force the sweep window open and insert a fresh key
	cache.mu.Lock()
	cache.lastSweep = time.Now().Add(-3 * time.Minute)
	cache.mu.Unlock()
	cache.get("fresh", mk)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if _, ok := cache.items["stale"]; ok {
		t.Error("Expected stale entry to be swept")
	}
	if _, ok := cache.items["fresh"]; !ok {
		t.Error("Expected fresh entry to remain")
	}
}

func TestTTLLimiterCacheReusesEntry(t *testing.T) {
	cache := newTTLLimiterCache(time.Minute)
	mk := func() *rate.Limiter { return rate.NewLimiter(1, 1) }

	first := cache.get("key", mk)
	second := cache.get("key", mk)
	if first != second {
		t.Error("Expected the same limiter instance for one key")
	}
}
