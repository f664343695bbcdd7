package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Logger attaches a request-scoped logger to the request context, so that
// zerolog.Ctx in handlers and services carries the request ID, and writes one
// access line per request. Websocket upgrades are logged when the stream ends.
func Logger(l zerolog.Logger) gin.HandlerFunc {
	l = l.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := l.With().Str("request_id", c.GetString(RequestIDHeader)).Logger()
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ev := reqLog.Info()
		switch {
		case status >= 500:
			ev = reqLog.Error()
		case status >= 400:
			ev = reqLog.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
