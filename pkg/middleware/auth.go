// Package middleware provides HTTP middleware for the admin API.
package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GenerateAdminToken generates a secure random token for admin API authentication
func GenerateAdminToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// AdminAuthMiddleware validates bearer tokens for the admin API. Failed
// attempts are charged to the client address when rl is non-nil.
func AdminAuthMiddleware(token string, rl *RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reject := func(msg string) {
			if rl != nil {
				rl.RecordFailure(c.ClientIP())
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
			c.Abort()
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			reject("Authorization header required")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			reject("Invalid authorization header format")
			return
		}

		providedToken := strings.TrimSpace(parts[1])
		if providedToken == "" {
			reject("Token required")
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedToken), []byte(token)) != 1 {
			logger.Warn("Invalid admin token attempt", zap.String("client_ip", c.ClientIP()))
			reject("Invalid token")
			return
		}

		c.Next()
	}
}

// Logger returns a gin middleware for logging
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
