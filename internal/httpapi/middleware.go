package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vipul43/marketsync/internal/logger"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID reuses the caller's request id or assigns one, and puts it on
// the request context for logging
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// AccessLog writes one line per request
func AccessLog(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			log.Errorf(ctx, "%s %s %d %v", c.Request.Method, c.FullPath(), status, time.Since(start))
		case status >= http.StatusBadRequest:
			log.Warnf(ctx, "%s %s %d %v", c.Request.Method, c.FullPath(), status, time.Since(start))
		default:
			log.Debugf(ctx, "%s %s %d %v", c.Request.Method, c.FullPath(), status, time.Since(start))
		}
	}
}

// Recovery turns a handler panic into a 500 envelope
func Recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Errorf(c.Request.Context(), "Panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		fail(c, http.StatusInternalServerError, "internal error")
	})
}
