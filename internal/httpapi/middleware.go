package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"PenaltyScanner/internal/metrics"
)

// requestLogger logs completed requests; failures at warn level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(started),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		if status >= 400 {
			s.logger.Warn("request completed", attrs...)
			return
		}
		s.logger.Debug("request completed", attrs...)
	}
}

// requestMetrics counts requests by route template.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		endpoint := c.FullPath()
		switch endpoint {
		case "/healthz", "/metrics":
			return
		case "":
			endpoint = "unmatched"
		}
		metrics.RequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
