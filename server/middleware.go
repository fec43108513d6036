package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xhad/docsqa/pkg/logger"
)

// LoggerMiddleware logs one line per request once the handler returns.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		keyvals := []any{
			"method", c.Request.Method,
			"path", path,
			"status_code", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"body_size", c.Writer.Size(),
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			keyvals = append(keyvals, "error", msg)
		}
		if status >= 500 {
			log.Error("request completed", keyvals...)
			return
		}
		log.Info("request completed", keyvals...)
	}
}
