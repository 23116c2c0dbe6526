package block

import (
	"fmt"
	"slices"
	"time"

	"github.com/nao1215/notifyhub/pkg/event"
)

// Level はスコープ付きブロックの階層。
type Level string

const (
	// LevelOrganization はレストランや代理店単位のブロック。
	LevelOrganization Level = "ORGANIZATION"
	// LevelHub は複数組織にまたがる個人アカウント単位のブロック。
	LevelHub Level = "HUB"
	// LevelUser は受信者個人のブロック。
	LevelUser Level = "USER"
)

// GlobalBlock は管理者によるキルスイッチ。必須チャネルも含めて全て止める。
type GlobalBlock struct {
	ID               string
	EventTypePattern string
	Active           bool
	WindowStart      *time.Time
	WindowEnd        *time.Time
	Reason           string
}

// inWindow は now が有効期間内かどうかを返す。期間未設定の端は無制限として扱う。
func (g GlobalBlock) inWindow(now time.Time) bool {
	if g.WindowStart != nil && now.Before(*g.WindowStart) {
		return false
	}
	if g.WindowEnd != nil && now.After(*g.WindowEnd) {
		return false
	}
	return true
}

// EventTypeRule はイベント種別ごとの既定ポリシー。
// EventType にもワイルドカードパターンを指定できる。
type EventTypeRule struct {
	ID                string
	EventType         string
	MandatoryChannels []event.Channel
	UserCanDisable    bool
}

// TimeOfDay は0時からの経過分。
type TimeOfDay int

// ParseTimeOfDay は "HH:MM" 形式を解析する。
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("時刻の形式が不正です: %q", s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

// String は "HH:MM" 形式で返す。
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// QuietHours はお休み時間帯。Start >= End の場合は日付をまたぐ。
type QuietHours struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains は now の時刻がお休み時間帯に含まれるかを返す。
func (q QuietHours) Contains(now TimeOfDay) bool {
	if q.Start < q.End {
		return q.Start <= now && now < q.End
	}
	return now >= q.Start || now < q.End
}

// ScopedBlock は組織・ハブ・ユーザー階層のブロックルール。
// BlockedChannels が空の場合は全チャネルをブロックする。
type ScopedBlock struct {
	ID               string
	Level            Level
	ScopeType        string
	ScopeID          string
	EventTypePattern string
	BlockedChannels  []event.Channel
	QuietHours       *QuietHours
	Active           bool
}

// blocks は now と channel に対してこのルールがブロックするかを返す。
func (b ScopedBlock) blocks(ch event.Channel, now TimeOfDay) bool {
	if b.QuietHours != nil && b.QuietHours.Contains(now) {
		return true
	}
	return len(b.BlockedChannels) == 0 || slices.Contains(b.BlockedChannels, ch)
}

// Context はブロック判定に使う組織・ハブの情報。
type Context struct {
	OrgType       string
	OrgID         string
	HubType       string
	HubID         string
	RecipientType event.RecipientType
}

// HasOrganization は組織情報を持つかどうかを返す。
func (c Context) HasOrganization() bool {
	return c.OrgType != "" && c.OrgID != ""
}

// HasHub はハブ情報を持つかどうかを返す。
func (c Context) HasHub() bool {
	return c.HubType != "" && c.HubID != ""
}

// Snapshot はある時点のルール一式。判定中は変更されない。
type Snapshot struct {
	Globals        []GlobalBlock
	EventTypeRules []EventTypeRule
	Scoped         []ScopedBlock
	LoadedAt       time.Time
}
