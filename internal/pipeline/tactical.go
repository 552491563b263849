package pipeline

import (
	"math"

	"match-radar/internal/events"
	"match-radar/internal/model"
)

// TeamStats 单队事件统计。
type TeamStats struct {
	Events      int `json:"events"`
	Goals       int `json:"goals"`
	Shots       int `json:"shots"`
	Chances     int `json:"chances"`
	Saves       int `json:"saves"`
	Corners     int `json:"corners"`
	Fouls       int `json:"fouls"`
	Offsides    int `json:"offsides"`
	YellowCards int `json:"yellowCards"`
	RedCards    int `json:"redCards"`
}

// TacticalSummary 半场战术汇总。AttackShare 为主队在射门、机会、角球中的占比（百分比）。
type TacticalSummary struct {
	Home        TeamStats `json:"home"`
	Away        TeamStats `json:"away"`
	AttackShare float64   `json:"homeAttackShare"`
}

// Summarize 按队统计事件，进球数与比分计算规则一致。
func Summarize(evs []model.MatchEvent, homeTeam, awayTeam string) TacticalSummary {
	var s TacticalSummary
	for _, ev := range evs {
		stats := &s.Home
		if ev.Meta().Team == model.SideAway {
			stats = &s.Away
		}
		stats.Events++
		switch ev.EventType {
		case model.EventShot:
			stats.Shots++
		case model.EventChance:
			stats.Chances++
		case model.EventSave:
			stats.Saves++
		case model.EventCorner:
			stats.Corners++
		case model.EventFoul:
			stats.Fouls++
		case model.EventOffside:
			stats.Offsides++
		case model.EventYellowCard:
			stats.YellowCards++
		case model.EventRedCard:
			stats.RedCards++
		}
	}
	score := events.ComputeScore(evs, homeTeam, awayTeam)
	s.Home.Goals, s.Away.Goals = score.Home, score.Away

	home := s.Home.Shots + s.Home.Chances + s.Home.Corners
	total := home + s.Away.Shots + s.Away.Chances + s.Away.Corners
	if total > 0 {
		s.AttackShare = math.Round(float64(home)/float64(total)*1000) / 10
	}
	return s
}
