package notifier

import (
	"context"
	"fmt"
	"strings"

	"match-radar/internal/model"
)

// Report 描述一次结束的分析任务。
type Report struct {
	JobID          string
	MatchID        string
	Kind           model.JobKind
	Status         model.JobStatus
	HomeTeam       string
	AwayTeam       string
	Half           model.MatchHalf
	MatchScore     model.Score
	HalfScore      model.Score
	EventsDetected int
	GoalsDetected  int
	Highlights     []model.MatchEvent
	Warnings       []string
	Error          string
}

// Notifier 在任务结束后发送通知。
type Notifier interface {
	Notify(ctx context.Context, r Report) error
}

// Subject 邮件标题。
func (r Report) Subject() string {
	if r.Status.IsSuccess() {
		return fmt.Sprintf("%s %d-%d %s: analysis complete", r.HomeTeam, r.MatchScore.Home, r.MatchScore.Away, r.AwayTeam)
	}
	return fmt.Sprintf("%s vs %s: analysis failed", r.HomeTeam, r.AwayTeam)
}

// Body 纯文本正文。
func (r Report) Body() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Match %s: %s vs %s\n", r.MatchID, r.HomeTeam, r.AwayTeam))
	b.WriteString(fmt.Sprintf("Job %s (%s, %s half): %s\n", r.JobID, r.Kind, r.Half, r.Status))
	if !r.Status.IsSuccess() {
		b.WriteString(fmt.Sprintf("Error: %s\n", r.Error))
		return b.String()
	}
	b.WriteString(fmt.Sprintf("Half score: %d-%d\n", r.HalfScore.Home, r.HalfScore.Away))
	b.WriteString(fmt.Sprintf("Match score: %d-%d\n", r.MatchScore.Home, r.MatchScore.Away))
	b.WriteString(fmt.Sprintf("Events: %d (goals: %d)\n", r.EventsDetected, r.GoalsDetected))
	if len(r.Highlights) > 0 {
		b.WriteString("Highlights:\n")
		for _, ev := range r.Highlights {
			b.WriteString(fmt.Sprintf("- %d:%02d %s %s (%s)\n", ev.Minute, ev.Second, ev.EventType, ev.Description, ev.Meta().TeamName))
		}
	}
	for _, w := range r.Warnings {
		b.WriteString(fmt.Sprintf("Warning: %s\n", w))
	}
	return b.String()
}
