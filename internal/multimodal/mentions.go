package multimodal

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"match-radar/internal/model"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MentionMergeWindow 相隔不超过该秒数的连续进球提及视为同一个进球。
const MentionMergeWindow = 20.0

// GoalMention 解说中的一次进球提及。
type GoalMention struct {
	Second    float64    `json:"second"`
	Text      string     `json:"text"`
	Team      model.Side `json:"team,omitempty"`
	TeamKnown bool       `json:"teamKnown"`
	OwnGoal   bool       `json:"ownGoal"`
}

var (
	goalPattern    = regexp.MustCompile(`\b(go+l+|golaco|goal|golazo)\b`)
	ownGoalPattern = regexp.MustCompile(`\b(gol contra|contra o proprio|own goal|autogol)\b`)
)

// fold 去掉重音并做大小写折叠，"GOLAÇO" -> "golaco"。
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

// ScanGoalMentions 扫描转写片段中的进球提及，并尽量识别所属球队。
func ScanGoalMentions(segments []Segment, homeTeam, awayTeam string) []GoalMention {
	home, away := fold(strings.TrimSpace(homeTeam)), fold(strings.TrimSpace(awayTeam))

	ordered := append([]Segment(nil), segments...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	var mentions []GoalMention
	for _, seg := range ordered {
		text := fold(seg.Text)
		hits := goalPattern.FindAllStringIndex(text, -1)
		if len(hits) == 0 {
			continue
		}
		// 片段以第一次进球呼喊为准，其余命中多为回顾
		hit := hits[0]
		m := GoalMention{
			Second:  seg.Start,
			Text:    strings.TrimSpace(seg.Text),
			OwnGoal: ownGoalAt(text, hit),
		}
		if side, ok := nearestTeam(text, hit[0], home, away); ok {
			m.Team, m.TeamKnown = side, true
		}
		mentions = append(mentions, m)
	}
	return collapseMentions(mentions)
}

// ownGoalAt 乌龙标记必须与该次进球命中重叠或位于同一分句。
func ownGoalAt(text string, hit []int) bool {
	start, end := clauseBounds(text, hit[0])
	for _, og := range ownGoalPattern.FindAllStringIndex(text, -1) {
		if og[0] < hit[1] && hit[0] < og[1] {
			return true
		}
		if og[0] >= start && og[1] <= end {
			return true
		}
	}
	return false
}

// clauseBounds 返回 pos 所在分句的 [start, end)，以 . ! ? ; 分隔。
func clauseBounds(text string, pos int) (int, int) {
	const seps = ".!?;"
	start := strings.LastIndexAny(text[:pos], seps) + 1
	end := len(text)
	if i := strings.IndexAny(text[pos:], seps); i >= 0 {
		end = pos + i
	}
	return start, end
}

// nearestTeam 优先在命中所在分句内找球队名，找不到再看整个片段。
func nearestTeam(text string, pos int, home, away string) (model.Side, bool) {
	start, end := clauseBounds(text, pos)
	if side, ok := closestName(text[start:end], pos-start, home, away); ok {
		return side, true
	}
	return closestName(text, pos, home, away)
}

func closestName(text string, pos int, home, away string) (model.Side, bool) {
	hi, ai := -1, -1
	if home != "" {
		hi = strings.Index(text, home)
	}
	if away != "" {
		ai = strings.Index(text, away)
	}
	switch {
	case hi < 0 && ai < 0:
		return "", false
	case ai < 0:
		return model.SideHome, true
	case hi < 0:
		return model.SideAway, true
	}
	if abs(hi-pos) <= abs(ai-pos) {
		return model.SideHome, true
	}
	return model.SideAway, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// collapseMentions 合并时间上相邻的提及，保留最早时间，球队未知时由后续提及补全。
func collapseMentions(in []GoalMention) []GoalMention {
	var out []GoalMention
	for _, m := range in {
		if n := len(out); n > 0 {
			last := &out[n-1]
			conflict := last.TeamKnown && m.TeamKnown && last.Team != m.Team
			if m.Second-last.Second <= MentionMergeWindow && !conflict {
				// 乌龙标记跟随确定球队的那次提及，后续回顾不改变已识别的进球
				if !last.TeamKnown {
					last.OwnGoal = last.OwnGoal || m.OwnGoal
					if m.TeamKnown {
						last.Team, last.TeamKnown = m.Team, true
					}
				}
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
