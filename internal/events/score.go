package events

import (
	"fmt"
	"strings"

	"match-radar/internal/model"
)

// ComputeScore 由进球事件计算比分，是比分的唯一可信来源。
// 乌龙球记给对方：home = 主队直接进球 + 客队乌龙，away 同理。
func ComputeScore(evs []model.MatchEvent, homeTeamName, awayTeamName string) model.Score {
	var score model.Score
	for _, ev := range evs {
		if ev.EventType != model.EventGoal {
			continue
		}
		meta := ev.Meta()
		side, ok := resolveSide(meta, homeTeamName, awayTeamName)
		if !ok {
			continue
		}
		credited := side
		if meta.IsOwnGoal {
			credited = side.Opponent()
		}
		if credited == model.SideHome {
			score.Home++
		} else {
			score.Away++
		}
	}
	return score
}

func resolveSide(meta model.EventMetadata, homeTeamName, awayTeamName string) (model.Side, bool) {
	switch meta.Team {
	case model.SideHome, model.SideAway:
		return meta.Team, true
	}
	name := strings.TrimSpace(meta.TeamName)
	switch {
	case name == "":
		return "", false
	case strings.EqualFold(name, strings.TrimSpace(homeTeamName)):
		return model.SideHome, true
	case strings.EqualFold(name, strings.TrimSpace(awayTeamName)):
		return model.SideAway, true
	}
	return "", false
}

// CountGoals 统计进球事件数量。
func CountGoals(evs []model.MatchEvent) int {
	n := 0
	for _, ev := range evs {
		if ev.EventType == model.EventGoal {
			n++
		}
	}
	return n
}

// Reconciliation 对账结果。
type Reconciliation struct {
	Score      model.Score `json:"score"`
	Reported   model.Score `json:"reported"`
	Consistent bool        `json:"consistent"`
	Note       string      `json:"note,omitempty"`
}

// Reconcile 以事件重新计算比分，模型自报比分仅作参考；不一致时以重算结果为准并给出说明。
func Reconcile(evs []model.MatchEvent, reported model.Score, homeTeamName, awayTeamName string) Reconciliation {
	computed := ComputeScore(evs, homeTeamName, awayTeamName)
	rec := Reconciliation{Score: computed, Reported: reported, Consistent: computed == reported}
	if !rec.Consistent {
		rec.Note = fmt.Sprintf("model reported %d-%d but goal events compute to %d-%d; using computed score",
			reported.Home, reported.Away, computed.Home, computed.Away)
	}
	return rec
}
