package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/chaos-io/bgstudio/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// requestID 沿用请求中的 X-Request-Id 或生成新的, 并写入 context 供日志使用
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logger.SetRequestID(c.Request.Context(), id))
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func requestLogger(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		ctx := c.Request.Context()
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", c.ClientIP()),
			slog.String("request_id", logger.RequestID(ctx)),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("error", c.Errors.String()))
		}
		l.LogAttrs(ctx, level, "HTTP request", attrs...)
	}
}

func recovery(l *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		logger.WithContext(c.Request.Context(), l).Error("panic recovered", "error", err, "path", c.Request.URL.Path)
		fail(c, http.StatusInternalServerError, "internal server error")
	})
}
