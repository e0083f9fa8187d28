// Package middleware contains Gin middleware for the status server.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/api"
	"github.com/debatehub/session-chat/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID. It is the
// same header the REST client forwards to the backend.
const HeaderXCorrelationID = api.HeaderXCorrelationID

// CorrelationID tags every request with a correlation id, taken from the
// request header or generated, and echoes it back.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), correlationID))

		c.Next()
	}
}

// RequestLogger logs one line per request through the shared zap logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			logging.Warn(c.Request.Context(), "Status request failed", fields...)
			return
		}
		logging.Debug(c.Request.Context(), "Status request", fields...)
	}
}
