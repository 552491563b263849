// Package events 定义比赛事件的形状、字段归一化与比分计算，全部为纯函数。
package events

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"match-radar/internal/model"
)

// MaxDescriptionLen 描述最大长度（按字符计）。
const MaxDescriptionLen = 100

// Window 分析半场对应的比赛分钟区间，闭区间。
type Window struct {
	StartMinute int `json:"gameStartMinute"`
	EndMinute   int `json:"gameEndMinute"`
}

// DefaultWindow 返回半场默认的分钟区间。
func DefaultWindow(half model.MatchHalf) Window {
	if half == model.HalfSecond {
		return Window{StartMinute: 45, EndMinute: 90}
	}
	return Window{StartMinute: 0, EndMinute: 45}
}

// Validate 校验区间。
func (w Window) Validate() error {
	if w.StartMinute < 0 {
		return fmt.Errorf("game start minute must be >= 0, got %d", w.StartMinute)
	}
	if w.EndMinute < w.StartMinute {
		return fmt.Errorf("game end minute %d before start minute %d", w.EndMinute, w.StartMinute)
	}
	return nil
}

// Clamp 将分钟限制在区间内。
func (w Window) Clamp(minute int) int {
	if minute < w.StartMinute {
		return w.StartMinute
	}
	if minute > w.EndMinute {
		return w.EndMinute
	}
	return minute
}

// Context 描述一次半场分析的上下文。
type Context struct {
	MatchID  string
	JobID    string
	HomeTeam string
	AwayTeam string
	Half     model.MatchHalf
	Window   Window
}

// TeamName 返回某一方的队名。
func (c Context) TeamName(side model.Side) string {
	if side == model.SideAway {
		return c.AwayTeam
	}
	return c.HomeTeam
}

// RawEvent 是模型或多模态关联输出的未归一化事件。
type RawEvent struct {
	EventType   string
	Minute      int
	Second      int
	Description string
	Team        string
	IsOwnGoal   bool
	Source      string
	Confidence  float64
}

// Normalize 把原始事件整理为可入库的 MatchEvent：
// 分钟夹紧到半场区间，秒数缺省为 0，描述截断到 100 字符，并计算 videoSecond。
func Normalize(raw RawEvent, c Context) model.MatchEvent {
	minute := c.Window.Clamp(raw.Minute)
	second := raw.Second
	if second < 0 {
		second = 0
	}
	if second > 59 {
		second = 59
	}

	eventType, ok := ParseEventType(raw.EventType)
	if !ok {
		eventType = model.EventChance
	}
	side := ParseSide(raw.Team)
	source := raw.Source
	if source == "" {
		source = model.SourceText
	}

	ev := model.MatchEvent{
		MatchID:        c.MatchID,
		JobID:          c.JobID,
		EventType:      eventType,
		Minute:         minute,
		Second:         second,
		Description:    Truncate(strings.TrimSpace(raw.Description), MaxDescriptionLen),
		MatchHalf:      c.Half,
		ApprovalStatus: model.ApprovalPending,
		IsHighlight:    IsHighlight(eventType),
	}
	return ev.WithMeta(model.EventMetadata{
		Team:        side,
		IsOwnGoal:   raw.IsOwnGoal && eventType == model.EventGoal,
		TeamName:    c.TeamName(side),
		Source:      source,
		VideoSecond: (minute-c.Window.StartMinute)*60 + second,
		Half:        c.Half,
		Confidence:  raw.Confidence,
	})
}

// IsHighlight 进球、红牌、点球视为集锦事件。
func IsHighlight(t model.EventType) bool {
	switch t {
	case model.EventGoal, model.EventRedCard, model.EventPenalty:
		return true
	}
	return false
}

var eventAliases = map[string]model.EventType{
	"own_goal":        model.EventGoal,
	"yellow":          model.EventYellowCard,
	"red":             model.EventRedCard,
	"sub":             model.EventSubstitution,
	"corner_kick":     model.EventCorner,
	"penalty_kick":    model.EventPenalty,
	"var":             model.EventVARReview,
	"shot_on_goal":    model.EventShot,
	"goalkeeper_save": model.EventSave,
}

// ParseEventType 将文本映射到封闭词表。
func ParseEventType(s string) (model.EventType, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if key == "" {
		return "", false
	}
	for _, t := range model.EventTypes() {
		if string(t) == key {
			return t, true
		}
	}
	if t, ok := eventAliases[key]; ok {
		return t, true
	}
	return "", false
}

// ParseSide 解析主客队标记，除 away 外均视为 home。
func ParseSide(s string) model.Side {
	if strings.EqualFold(strings.TrimSpace(s), string(model.SideAway)) {
		return model.SideAway
	}
	return model.SideHome
}

// ValidSide 判断是否为合法的主客队标记。
func ValidSide(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == string(model.SideHome) || v == string(model.SideAway)
}

// Truncate 按字符截断字符串。
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
