package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery はハンドラのパニックを500に変えるGinミドルウェアを返す。
// パニックはリクエストIDとスタックトレース付きでerrorログに出し、レスポンスにもリクエストIDを返す。
// http.ErrAbortHandler は接続を切るための合図なのでそのまま投げ直す。
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}

			requestID := c.GetString("request_id")
			logger.Error("ハンドラでパニックが発生しました",
				zap.String("request_id", requestID),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if c.Writer.Written() {
				// ヘッダー送信後は書き換えられない
				c.Abort()
				return
			}
			body := gin.H{"error": "内部サーバーエラーが発生しました"}
			if requestID != "" {
				body["request_id"] = requestID
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, body)
		}()
		c.Next()
	}
}
