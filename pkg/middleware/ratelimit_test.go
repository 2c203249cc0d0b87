package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-socket-server/pkg/config"
)

func TestRateLimiter_Allow(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		requests    int
		wantAllowed int
	}{
		{"allows up to burst", 10, 5, 5},
		{"blocks after burst exceeded", 6, 5, 3},
		{"single request allowed", 1, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter(config.RateLimitConfig{
				Enabled:        true,
				MaxAttempts:    tt.maxAttempts,
				WindowSeconds:  3600,
				LockoutSeconds: 60,
			}, zap.NewNop())

			allowed := 0
			for i := 0; i < tt.requests; i++ {
				if rl.Allow("test-key") {
					allowed++
				}
			}

			if allowed != tt.wantAllowed {
				t.Errorf("Allow() allowed %d requests, want %d", allowed, tt.wantAllowed)
			}
		})
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false, MaxAttempts: 1}, zap.NewNop())

	for i := 0; i < 100; i++ {
		if !rl.Allow("test-key") {
			t.Fatal("Allow() should always return true when disabled")
		}
	}
	rl.RecordFailure("test-key")
	if !rl.Allow("test-key") {
		t.Error("RecordFailure should be a no-op when disabled")
	}
}

func TestRateLimiter_Lockout(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:        true,
		MaxAttempts:    2,
		WindowSeconds:  3600,
		LockoutSeconds: 60,
	}, zap.NewNop())

	if !rl.Allow("a") {
		t.Fatal("First request should be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("Second request should be blocked")
	}

	// Locked out clients stay blocked even once tokens would be available.
	rl.mu.Lock()
	rl.limiters["a"].limiter.SetBurst(100)
	rl.mu.Unlock()
	if rl.Allow("a") {
		t.Error("Expected lockout to persist")
	}

	if !rl.Allow("b") {
		t.Error("Other identifiers must not be affected")
	}
}

func TestRateLimiter_SetDefaults(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true}, zap.NewNop())

	if rl.config.MaxAttempts != 10 || rl.config.WindowSeconds != 60 || rl.config.LockoutSeconds != 300 {
		t.Errorf("Unexpected defaults: %+v", rl.config)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, MaxAttempts: 1000, WindowSeconds: 1}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rl.Allow("shared")
				rl.RecordFailure("shared")
			}
		}()
	}
	wg.Wait()
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:        true,
		MaxAttempts:    2,
		WindowSeconds:  3600,
		LockoutSeconds: 60,
	}, zap.NewNop())

	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK {
		t.Errorf("Expected first request to pass, got %d", codes[0])
	}
	if codes[1] != http.StatusTooManyRequests {
		t.Errorf("Expected second request to be limited, got %d", codes[1])
	}
}
