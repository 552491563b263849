package pipeline

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"match-radar/internal/events"
	"match-radar/internal/metrics"
	"match-radar/internal/model"
	"match-radar/internal/notifier"
	"match-radar/internal/processor"

	"github.com/sirupsen/logrus"
)

// MinTranscriptLen 文本分析要求的最少字符数。
const MinTranscriptLen = 50

// Store 流水线需要的持久化能力。
type Store interface {
	JobStore
	EnsureMatch(ctx context.Context, match model.Match) (model.Match, error)
	SetMatchStatus(ctx context.Context, id, status string) error
	ReplaceHalfEvents(ctx context.Context, matchID string, half model.MatchHalf, evs []model.MatchEvent) error
	ApplyHalfScore(ctx context.Context, matchID string, half model.MatchHalf, score model.Score, jobID string) (model.Match, error)
}

// Extractor 把解说文本转为事件。
type Extractor interface {
	Extract(ctx context.Context, transcript string, c events.Context) (processor.Extraction, error)
}

// Job 一次可调度的分析：调度器创建任务记录后调用 Run。
type Job interface {
	MatchID() string
	Kind() model.JobKind
	AnalysisType() model.AnalysisType
	Input() any
	Run(ctx context.Context, tr *Tracker) error
}

// Diagnostics 结果中的诊断信息。
type Diagnostics struct {
	ExtractionAttempts int         `json:"extractionAttempts"`
	DroppedEvents      int         `json:"droppedEvents"`
	ReportedScore      model.Score `json:"reportedScore"`
	ScoreConsistent    bool        `json:"scoreConsistent"`
	Inconsistency      string      `json:"inconsistency,omitempty"`
	PersistenceErrors  []string    `json:"persistenceErrors,omitempty"`
	RealTranscription  *bool       `json:"realTranscription,omitempty"`
	VisionAvailable    *bool       `json:"visionAvailable,omitempty"`

	// UnattributedGoals 无法判断球队的进球提及，留给人工补录
	UnattributedGoals []UnattributedGoal `json:"unattributedGoals,omitempty"`
}

// UnattributedGoal 一次未计入比分的进球提及。
type UnattributedGoal struct {
	Minute      int    `json:"minute"`
	Second      int    `json:"second"`
	VideoSecond int    `json:"videoSecond"`
	Text        string `json:"text"`
}

// Input 两条流水线共享的比赛上下文。
type Input struct {
	MatchID  string          `json:"matchId"`
	HomeTeam string          `json:"homeTeamName"`
	AwayTeam string          `json:"awayTeamName"`
	Half     model.MatchHalf `json:"matchHalf"`
	Window   *events.Window  `json:"window,omitempty"`
}

// window 未指定时取半场默认区间，显式给出的区间（包括 0..0）原样使用。
func (in Input) window() events.Window {
	if in.Window != nil {
		return *in.Window
	}
	return events.DefaultWindow(in.Half)
}

func (in Input) validate() error {
	if in.MatchID == "" {
		return errors.New("matchId required")
	}
	if in.HomeTeam == "" || in.AwayTeam == "" {
		return errors.New("homeTeamName and awayTeamName required")
	}
	if !in.Half.Valid() {
		return fmt.Errorf("matchHalf must be first or second, got %q", in.Half)
	}
	return in.window().Validate()
}

func (in Input) context(jobID string) events.Context {
	return events.Context{
		MatchID:  in.MatchID,
		JobID:    jobID,
		HomeTeam: in.HomeTeam,
		AwayTeam: in.AwayTeam,
		Half:     in.Half,
		Window:   in.window(),
	}
}

// ValidTranscript 判断文本长度是否足够。
func ValidTranscript(s string) bool {
	return utf8.RuneCountInString(s) >= MinTranscriptLen
}

// settlement 对账与落库结果。
type settlement struct {
	match       model.Match
	half        model.Score
	accumulated bool
}

// reconcile 用事件重新计算比分，模型自报比分只作参考。
func reconcile(evs []model.MatchEvent, reported model.Score, c events.Context, diag *Diagnostics, logger logrus.FieldLogger) events.Reconciliation {
	recon := events.Reconcile(evs, reported, c.HomeTeam, c.AwayTeam)
	diag.ReportedScore = recon.Reported
	diag.ScoreConsistent = recon.Consistent
	if !recon.Consistent {
		diag.Inconsistency = recon.Note
		metrics.RecordScoreInconsistency()
		logger.WithFields(logrus.Fields{"reported": recon.Reported, "computed": recon.Score}).Warn(recon.Note)
	}
	return recon
}

// settle 替换半场事件并累计比分。事件写入失败只记入诊断，比分写入失败返回错误。
func settle(ctx context.Context, store Store, c events.Context, evs []model.MatchEvent, recon events.Reconciliation, diag *Diagnostics, logger logrus.FieldLogger) (settlement, error) {
	if err := store.ReplaceHalfEvents(ctx, c.MatchID, c.Half, evs); err != nil {
		diag.PersistenceErrors = append(diag.PersistenceErrors, err.Error())
		logger.WithError(err).WithField("events", len(evs)).Error("persist events failed")
	} else {
		countBySource(evs)
	}

	match, err := store.ApplyHalfScore(ctx, c.MatchID, c.Half, recon.Score, c.JobID)
	if err != nil {
		diag.PersistenceErrors = append(diag.PersistenceErrors, err.Error())
		logger.WithError(err).WithField("score", recon.Score).Error("persist score failed")
		return settlement{}, fmt.Errorf("persist score: %w", err)
	}
	if err := store.SetMatchStatus(ctx, c.MatchID, model.MatchStatusCompleted); err != nil {
		diag.PersistenceErrors = append(diag.PersistenceErrors, err.Error())
		logger.WithError(err).Error("mark match completed failed")
	}
	match.Status = model.MatchStatusCompleted

	return settlement{
		match:       match,
		half:        recon.Score,
		accumulated: c.Half == model.HalfSecond,
	}, nil
}

func countBySource(evs []model.MatchEvent) {
	counts := map[string]int{}
	for _, ev := range evs {
		counts[ev.Meta().Source]++
	}
	for source, n := range counts {
		metrics.RecordEventsPersisted(source, n)
	}
}

func prepareMatch(ctx context.Context, store Store, in Input) error {
	if _, err := store.EnsureMatch(ctx, model.Match{ID: in.MatchID, HomeTeamName: in.HomeTeam, AwayTeamName: in.AwayTeam}); err != nil {
		return err
	}
	return store.SetMatchStatus(ctx, in.MatchID, model.MatchStatusAnalyzing)
}

func highlights(evs []model.MatchEvent) []model.MatchEvent {
	var out []model.MatchEvent
	for _, ev := range evs {
		if ev.IsHighlight {
			out = append(out, ev)
		}
	}
	return out
}

func notify(ctx context.Context, n notifier.Notifier, r notifier.Report, logger logrus.FieldLogger) {
	if n == nil {
		return
	}
	if err := n.Notify(context.WithoutCancel(ctx), r); err != nil {
		logger.WithError(err).Warn("notify failed")
	}
}

// finish 根据 Run 的错误把任务落到终态。
func finish(ctx context.Context, tr *Tracker, runErr error, success, failure any) error {
	if runErr == nil {
		return tr.Complete(ctx, success)
	}
	if ctx.Err() != nil && !errors.Is(runErr, ErrCancelled) {
		runErr = fmt.Errorf("%w: %v", ErrCancelled, runErr)
	}
	if err := tr.Fail(ctx, runErr, failure); err != nil && !errors.Is(err, ErrTerminal) {
		return errors.Join(runErr, err)
	}
	return runErr
}
