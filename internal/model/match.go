package model

import "time"

// Score 比分。
type Score struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

// Add 返回两个比分之和。
func (s Score) Add(o Score) Score {
	return Score{Home: s.Home + o.Home, Away: s.Away + o.Away}
}

// Match status values.
const (
	MatchStatusScheduled = "scheduled"
	MatchStatusAnalyzing = "analyzing"
	MatchStatusCompleted = "completed"
)

// Match 比赛聚合。分析期间流水线是 HomeScore/AwayScore 的唯一写入方。
type Match struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	HomeTeamName string    `json:"homeTeamName"`
	AwayTeamName string    `json:"awayTeamName"`
	HomeScore    int       `json:"homeScore"`
	AwayScore    int       `json:"awayScore"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Score 返回当前累计比分。
func (m Match) Score() Score {
	return Score{Home: m.HomeScore, Away: m.AwayScore}
}

// HalfScore 单个半场的对账后比分，按半场独立存储，比赛总分为各半场之和。
type HalfScore struct {
	MatchID   string    `gorm:"primaryKey" json:"matchId"`
	Half      MatchHalf `gorm:"primaryKey" json:"half"`
	Home      int       `json:"home"`
	Away      int       `json:"away"`
	JobID     string    `json:"jobId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Watcher 比赛分析结束时需要通知的订阅者。
type Watcher struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MatchID   string    `gorm:"uniqueIndex:idx_watcher_match_email" json:"matchId"`
	Email     string    `gorm:"uniqueIndex:idx_watcher_match_email" json:"email"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"createdAt"`
}
