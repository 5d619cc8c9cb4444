package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alexander-akhmetov/ccgateway/internal/openai"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware honors an inbound X-Request-ID or generates one, and
// echoes it on the response so clients can correlate logs.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// loggingMiddleware logs method, path, status and duration for every request.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).Round(time.Millisecond).String(),
			"request_id": c.GetString("request_id"),
		}).Info("request")
	}
}

// authMiddleware enforces a Bearer token when an API key is configured. The
// comparison is constant-time.
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, openai.ErrorResponse{
				Error: openai.ErrorDetail{
					Message: "invalid API key",
					Type:    "authentication_error",
				},
			})
			return
		}
		c.Next()
	}
}

// recoveryMiddleware turns panics into the OpenAI error envelope instead of
// gin's default plain-text 500.
func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"panic":      r,
					"request_id": c.GetString("request_id"),
				}).Error("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, openai.ErrorResponse{
					Error: openai.ErrorDetail{
						Message: "internal server error",
						Type:    "internal_error",
					},
				})
			}
		}()
		c.Next()
	}
}

// corsMiddleware permits browser clients; the gateway is OpenAI-client
// facing, so the policy is permissive.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
