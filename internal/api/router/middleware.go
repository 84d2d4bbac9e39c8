package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowMethods = "GET, OPTIONS"
	corsAllowHeaders = "Accept, Authorization, Cache-Control, Content-Type, X-Requested-With"
	corsMaxAge       = "600"
)

// LoggerMiddleware logs every inspection request with the matched route and
// the pipeline object it addressed
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := []any{
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.String("query", c.Request.URL.RawQuery),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		}
		if queue := c.Param("queue"); queue != "" {
			attrs = append(attrs, slog.String("queue", queue))
		}
		if id := c.Param("request_id"); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("Inspection request failed", attrs...)
		default:
			logger.Debug("Inspection request", attrs...)
		}

		for _, e := range c.Errors {
			logger.Error("Request error",
				slog.String("route", route),
				slog.String("error", e.Error()),
			)
		}
	}
}

// CORSMiddleware allows browsers on any origin to read the inspection API.
// The API is read-only and sends no cookies.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)

		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", corsMaxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
