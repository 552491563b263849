package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"match-radar/internal/events"
	"match-radar/internal/model"
	"match-radar/internal/notifier"

	"github.com/sirupsen/logrus"
)

// Text pipeline steps.
const (
	StepValidating  = "validating"
	StepExtracting  = "extracting"
	StepReconciling = "reconciling"
	StepPersisting  = "persisting"
)

// TextInput 文本分析输入。
type TextInput struct {
	Input
	Transcript string `json:"transcript"`
}

// TextResult 文本分析结果，失败时只有 success=false 与 error。
type TextResult struct {
	Success        bool               `json:"success"`
	EventsDetected int                `json:"eventsDetected"`
	GoalsDetected  int                `json:"goalsDetected"`
	HomeScore      int                `json:"homeScore"`
	AwayScore      int                `json:"awayScore"`
	HalfHomeScore  int                `json:"halfHomeScore"`
	HalfAwayScore  int                `json:"halfAwayScore"`
	Half           model.MatchHalf    `json:"half"`
	Events         []model.MatchEvent `json:"events"`
	Accumulated    bool               `json:"accumulated"`
	Warnings       []string           `json:"warnings,omitempty"`
	Diagnostics    *Diagnostics       `json:"diagnostics,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// TextPipeline 纯文本解说分析：validating -> extracting -> reconciling -> persisting。
type TextPipeline struct {
	store     Store
	extractor Extractor
	notifier  notifier.Notifier
	logger    logrus.FieldLogger
}

// NewTextPipeline 创建文本流水线，notifier 可为 nil。
func NewTextPipeline(store Store, extractor Extractor, n notifier.Notifier, logger logrus.FieldLogger) *TextPipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TextPipeline{store: store, extractor: extractor, notifier: n, logger: logger.WithField("component", "text-pipeline")}
}

// Job 包装成可调度任务。
func (p *TextPipeline) Job(in TextInput) Job {
	return textJob{p: p, in: in}
}

type textJob struct {
	p  *TextPipeline
	in TextInput
}

func (j textJob) MatchID() string     { return j.in.MatchID }
func (j textJob) Kind() model.JobKind { return model.JobKindText }
func (j textJob) Input() any          { return j.in }
func (j textJob) AnalysisType() model.AnalysisType {
	return model.AnalysisText
}
func (j textJob) Run(ctx context.Context, tr *Tracker) error {
	_, err := j.p.Run(ctx, tr, j.in)
	return err
}

// Run 执行全部步骤并把任务落到终态。
func (p *TextPipeline) Run(ctx context.Context, tr *Tracker, in TextInput) (TextResult, error) {
	job := tr.Job()
	log := p.logger.WithFields(logrus.Fields{"job_id": job.ID, "match_id": in.MatchID, "half": in.Half})
	diag := &Diagnostics{}

	res, runErr := p.run(ctx, tr, in, diag, log)
	if runErr != nil {
		res = TextResult{Success: false, Half: in.Half, Error: runErr.Error(), Diagnostics: diag}
	}
	err := finish(ctx, tr, runErr, res, res)

	report := notifier.Report{
		JobID:          job.ID,
		MatchID:        in.MatchID,
		Kind:           model.JobKindText,
		Status:         tr.Job().Status,
		HomeTeam:       in.HomeTeam,
		AwayTeam:       in.AwayTeam,
		Half:           in.Half,
		MatchScore:     model.Score{Home: res.HomeScore, Away: res.AwayScore},
		HalfScore:      model.Score{Home: res.HalfHomeScore, Away: res.HalfAwayScore},
		EventsDetected: res.EventsDetected,
		GoalsDetected:  res.GoalsDetected,
		Highlights:     highlights(res.Events),
		Warnings:       res.Warnings,
		Error:          res.Error,
	}
	notify(ctx, p.notifier, report, log)
	return res, err
}

func (p *TextPipeline) run(ctx context.Context, tr *Tracker, in TextInput, diag *Diagnostics, log logrus.FieldLogger) (TextResult, error) {
	if err := tr.Begin(ctx); err != nil {
		return TextResult{}, err
	}
	if err := in.validate(); err != nil {
		return TextResult{}, fmt.Errorf("invalid input: %w", err)
	}
	transcript := strings.TrimSpace(in.Transcript)
	if !ValidTranscript(transcript) {
		return TextResult{}, fmt.Errorf("invalid input: transcript must be at least %d characters", MinTranscriptLen)
	}
	if err := prepareMatch(ctx, p.store, in.Input); err != nil {
		return TextResult{}, fmt.Errorf("prepare match: %w", err)
	}

	if err := tr.Advance(ctx, StepExtracting); err != nil {
		return TextResult{}, err
	}
	c := in.context(tr.Job().ID)
	extraction, err := p.extractor.Extract(ctx, transcript, c)
	if err != nil {
		if ctx.Err() != nil {
			return TextResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return TextResult{}, err
	}
	diag.ExtractionAttempts = extraction.Attempts
	diag.DroppedEvents = extraction.Dropped

	var warnings []string
	if len(extraction.Events) == 0 {
		warnings = append(warnings, "no events detected in transcript; events can be added manually")
	}
	if extraction.Dropped > 0 {
		warnings = append(warnings, fmt.Sprintf("%d invalid events dropped from model output", extraction.Dropped))
	}

	if err := tr.Advance(ctx, StepReconciling); err != nil {
		return TextResult{}, err
	}
	recon := reconcile(extraction.Events, extraction.Reported, c, diag, log)

	if err := tr.Advance(ctx, StepPersisting); err != nil {
		return TextResult{}, err
	}
	s, err := settle(ctx, p.store, c, extraction.Events, recon, diag, log)
	if err != nil {
		return TextResult{}, err
	}
	if len(diag.PersistenceErrors) > 0 {
		warnings = append(warnings, "some records failed to persist; see diagnostics")
	}

	evs := extraction.Events
	if evs == nil {
		evs = []model.MatchEvent{}
	}
	log.WithFields(logrus.Fields{
		"events": len(evs),
		"half":   fmt.Sprintf("%d-%d", s.half.Home, s.half.Away),
		"match":  fmt.Sprintf("%d-%d", s.match.HomeScore, s.match.AwayScore),
	}).Info("text analysis settled")

	return TextResult{
		Success:        true,
		EventsDetected: len(evs),
		GoalsDetected:  events.CountGoals(evs),
		HomeScore:      s.match.HomeScore,
		AwayScore:      s.match.AwayScore,
		HalfHomeScore:  s.half.Home,
		HalfAwayScore:  s.half.Away,
		Half:           in.Half,
		Events:         evs,
		Accumulated:    s.accumulated,
		Warnings:       warnings,
		Diagnostics:    diag,
	}, nil
}

// IsCancelled 判断错误是否由取消导致。
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
