// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証とロール確認、zapによるアクセスログ、パニックリカバリ、
// CORS設定を含む。
package middleware
