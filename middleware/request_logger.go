package middleware

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/gin-gonic/gin"
)

// Query parameters never written to the access log
var redactedParams = []string{"token"}

// RequestLogger writes one access line per request. Identity attributes come
// from the request context after the handler chain ran, so the line carries
// the request id, tenant and user resolved further down.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"status", status,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"latency_ms", time.Since(start).Milliseconds(),
			"bytes", c.Writer.Size(),
			"client_ip", c.ClientIP(),
		}
		if route := c.FullPath(); route != "" && route != c.Request.URL.Path {
			attrs = append(attrs, "route", route)
		}
		if query := redactQuery(c.Request.URL.Query()); query != "" {
			attrs = append(attrs, "query", query)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		ctx := c.Request.Context()
		logger.WithContext(ctx).Log(ctx, levelForStatus(status), "request completed", attrs...)
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	for _, name := range redactedParams {
		if q.Has(name) {
			q.Set(name, "redacted")
		}
	}
	return q.Encode()
}
