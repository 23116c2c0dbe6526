package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsAllowedHeaders はブラウザから送ってよいリクエストヘッダー。
// 通知APIはBearerトークンで認証し、リクエストIDを引き継げる。
var corsAllowedHeaders = strings.Join([]string{"Authorization", "Content-Type", HeaderRequestID}, ", ")

// CORS はブラウザの通知画面から通知APIとWebSocketへ接続するためのGinミドルウェアを返す。
// allowedOrigins に無いオリジンからのプリフライトは403で拒否する。
// 許可リストが空ならCORSヘッダーは付けない。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""

		if origin == "" || len(allowed) == 0 {
			if preflight {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
			return
		}

		// レスポンスがオリジンごとに変わるのでキャッシュに知らせる
		c.Writer.Header().Add("Vary", "Origin")
		if !allowed[origin] {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		// 画面側でログと突き合わせられるようにリクエストIDを読めるようにする
		c.Header("Access-Control-Expose-Headers", HeaderRequestID)
		if preflight {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", corsAllowedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
