package middleware

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-socket-server/pkg/config"
)

// RateLimiter throttles admin API clients per identifier, applying a
// lockout once the limit is exceeded.
type RateLimiter struct {
	config config.RateLimitConfig
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
	lockedOut  bool
	lockoutEnd time.Time
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	cfg.SetDefaults()
	return &RateLimiter{
		config:          cfg,
		logger:          logger.Named("admin-ratelimit"),
		limiters:        make(map[string]*clientLimiter),
		cleanupInterval: 10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// getLimiter returns the limiter for identifier, creating it if needed.
// Callers hold r.mu.
func (r *RateLimiter) getLimiter(identifier string) *clientLimiter {
	if time.Since(r.lastCleanup) > r.cleanupInterval {
		r.cleanup()
	}

	limiter, exists := r.limiters[identifier]
	if exists {
		limiter.lastSeen = time.Now()
		return limiter
	}

	// MaxAttempts per WindowSeconds
	rateLimit := rate.Limit(float64(r.config.MaxAttempts) / float64(r.config.WindowSeconds))
	burst := int(math.Ceil(float64(r.config.MaxAttempts) / 2.0))
	if burst < 1 {
		burst = 1
	}

	limiter = &clientLimiter{
		limiter:  rate.NewLimiter(rateLimit, burst),
		lastSeen: time.Now(),
	}
	r.limiters[identifier] = limiter
	return limiter
}

func (r *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-30 * time.Minute)
	for key, limiter := range r.limiters {
		if limiter.lastSeen.Before(cutoff) && !limiter.lockedOut {
			delete(r.limiters, key)
		}
	}
	r.lastCleanup = time.Now()
}

// Allow reports whether a request from identifier may proceed.
func (r *RateLimiter) Allow(identifier string) bool {
	if !r.config.Enabled {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	limiter := r.getLimiter(identifier)
	if limiter.lockedOut {
		if time.Now().Before(limiter.lockoutEnd) {
			return false
		}
		limiter.lockedOut = false
	}

	if !limiter.limiter.Allow() {
		lockout := time.Duration(r.config.LockoutSeconds) * time.Second
		limiter.lockedOut = true
		limiter.lockoutEnd = time.Now().Add(lockout)

		r.logger.Warn("Admin rate limit exceeded, applying lockout",
			zap.String("identifier", identifier),
			zap.Duration("lockout_duration", lockout),
		)
		return false
	}

	return true
}

// RecordFailure charges a failed authentication to identifier. Failures
// cost two tokens.
func (r *RateLimiter) RecordFailure(identifier string) {
	if !r.config.Enabled {
		return
	}

	r.mu.Lock()
	limiter := r.getLimiter(identifier)
	r.mu.Unlock()

	limiter.limiter.AllowN(time.Now(), 2)
}

// RateLimitMiddleware rejects clients that exceeded their allowance,
// keyed by client IP.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
