package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tgsender/internal/metrics"
	logx "tgsender/pkg/logx"
)

const headerRequestID = "X-Request-ID"

// Observability tags each request with an ID, records metrics and writes
// an access log line.
func Observability(log logx.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.Request.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)
		c.Set("request_id", rid)
		c.Next()

		d := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.APIRequest(c.Request.Method, path, strconv.Itoa(status), d)

		fields := []logx.Field{
			logx.String("rid", rid),
			logx.String("method", c.Request.Method),
			logx.String("path", path),
			logx.Int("status", status),
			logx.Duration("dur", d),
			logx.String("client_ip", c.ClientIP()),
		}
		if status >= 500 {
			log.Warn("http_access", fields...)
		} else {
			log.Debug("http_access", fields...)
		}
	}
}
