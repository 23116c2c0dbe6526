package block

import "strings"

// MatchPattern はイベント種別パターンを照合する。
//
//   - 空文字は全イベント種別に一致する
//   - 末尾が "*" の場合は前方一致
//   - それ以外は完全一致
func MatchPattern(pattern, eventType string) bool {
	if pattern == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}
