package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// requestEntry builds a log entry carrying the request id and routing fields.
// Extras take precedence on key conflicts.
func requestEntry(c *gin.Context, extras log.Fields) *log.Entry {
	if c == nil {
		return log.WithFields(extras)
	}
	path := c.FullPath()
	if path == "" && c.Request != nil && c.Request.URL != nil {
		path = c.Request.URL.Path
	}
	rid, _ := c.Get("request_id")
	fields := log.Fields{
		"request_id": rid,
		"method":     c.Request.Method,
		"path":       path,
		"ip":         c.ClientIP(),
	}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// requestKind labels a served response for log filtering. The labels mirror
// the error types the admin handlers emit: 429 covers both pool exhaustion
// and rate limiting, 503 is the storage backend refusing a write.
func requestKind(status int, hasErr bool) string {
	switch {
	case status == http.StatusUnauthorized:
		return "auth_error"
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusServiceUnavailable:
		return "storage_error"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	}
	if hasErr {
		return "error"
	}
	return "ok"
}

// RequestLogger logs HTTP requests
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		extras := log.Fields{
			"status":     status,
			"kind":       requestKind(status, len(c.Errors) > 0),
			"latency_ms": latency.Milliseconds(),
			"user_agent": c.Request.UserAgent(),
			"method":     method,
			"path":       path,
		}
		requestEntry(c, extras).Info("http_request")
	}
}
