package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// RoleService は内部APIを呼び出せるサービス間トークンのロール。
const RoleService = "service"

// issuer はこのサービスが発行するトークンの発行者。
const issuer = "notifyhub"

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// 通知の受信者を識別するために使用する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済み受信者の一意識別子。
	UserID string `json:"user_id"`
	// RecipientType は受信者の種別（CUSTOMER、RESTAURANT_USER など）。
	RecipientType string `json:"recipient_type,omitempty"`
	// Role が RoleService の場合は内部APIを呼び出せる。
	Role string `json:"role,omitempty"`
}

const (
	// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
	headerKeyUserID = "X-User-ID"
	// queryKeyToken はAuthorizationヘッダーを付けられないWebSocketクライアント用のクエリパラメータ。
	queryKeyToken = "access_token"
)

// GenerateJWT は受信者のJWTトークンを生成する。
func GenerateJWT(secret, userID, recipientType string) (string, error) {
	return sign(secret, JWTClaims{UserID: userID, RecipientType: recipientType}, 24*time.Hour)
}

// GenerateServiceJWT は内部API用のサービス間トークンを生成する。
func GenerateServiceJWT(secret, service string) (string, error) {
	return sign(secret, JWTClaims{UserID: service, Role: RoleService}, time.Hour)
}

func sign(secret string, claims JWTClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    issuer,
		Subject:   claims.UserID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id"、"recipient_type"、"role" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("recipient_type", claims.RecipientType)
		c.Set("role", claims.Role)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// bearerToken はAuthorizationヘッダー、無ければ access_token クエリからトークンを取り出す。
// 取り出せない場合は401を返して中断する。
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query(queryKeyToken); q != "" {
			return q, true
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Authorizationヘッダーが必要です",
		})
		return "", false
	}

	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Bearer トークン形式が不正です",
		})
		return "", false
	}
	return tokenString, true
}

// RequireRole は指定ロールを持たないトークンを403で拒否する。JWTAuthの後に適用する。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetRecipientType はGinコンテキストから受信者種別を取得する。
func GetRecipientType(c *gin.Context) string {
	return c.GetString("recipient_type")
}
