package api

import (
	"strconv"
	"time"

	"booking-orchestrator/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const correlationHeader = "X-Correlation-ID"

// correlationMiddleware propagates or assigns a request correlation id
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}

		c.Request = c.Request.WithContext(util.WithCorrelationID(c.Request.Context(), id))
		c.Header(correlationHeader, id)
		c.Next()
	}
}

// loggerMiddleware writes one access log line per request
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		l := util.LoggerFromContext(c.Request.Context(), logger)
		if c.Writer.Status() >= 500 {
			l.Error("HTTP request", fields...)
			return
		}
		l.Info("HTTP request", fields...)
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
