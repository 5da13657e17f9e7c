package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/pushhub/pkg/logx"
)

// RequestLogger はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
// skipPathsに含まれるパスはログを出力しない。
func RequestLogger(log logx.Logger, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if _, ok := skip[path]; ok {
			return
		}

		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("latency", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		if userID := GetUserID(c); userID != "" {
			fields = append(fields, logx.String("user_id", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("リクエストを処理しました", fields...)
		case status >= 400:
			log.Warn("リクエストを処理しました", fields...)
		default:
			log.Info("リクエストを処理しました", fields...)
		}
	}
}
