package pipeline

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"match-radar/internal/events"
	"match-radar/internal/fetcher"
	"match-radar/internal/metrics"
	"match-radar/internal/model"
	"match-radar/internal/multimodal"
	"match-radar/internal/notifier"

	"github.com/sirupsen/logrus"
)

// DuplicateGoalWindow 文本抽取的进球与多模态进球同队且相差不超过该秒数时视为同一个。
const DuplicateGoalWindow = 90

// MediaFetcher 下载媒体。
type MediaFetcher interface {
	Download(ctx context.Context, url string) (fetcher.Media, error)
}

// MultimodalInput 多模态分析输入，Transcript 在转写不可用时作为估算数据。
type MultimodalInput struct {
	Input
	VideoURL        string  `json:"videoUrl"`
	AudioURL        string  `json:"audioUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	Transcript      string  `json:"transcript,omitempty"`
}

func (in MultimodalInput) mediaURL() string {
	if in.AudioURL != "" {
		return in.AudioURL
	}
	return in.VideoURL
}

// MultimodalResult 多模态分析结果。
type MultimodalResult struct {
	Success           bool               `json:"success"`
	AnalysisType      model.AnalysisType `json:"analysisType"`
	EventsDetected    int                `json:"eventsDetected"`
	GoalsDetected     int                `json:"goalsDetected"`
	HomeScore         int                `json:"homeScore"`
	AwayScore         int                `json:"awayScore"`
	HalfHomeScore     int                `json:"halfHomeScore"`
	HalfAwayScore     int                `json:"halfAwayScore"`
	Half              model.MatchHalf    `json:"half"`
	Events            []model.MatchEvent `json:"events"`
	Accumulated       bool               `json:"accumulated"`
	GoalMentions      int                `json:"goalMentions"`
	CorroboratedGoals int                `json:"corroboratedGoals"`
	Tactical          *TacticalSummary   `json:"tactical,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
	Diagnostics       *Diagnostics       `json:"diagnostics,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// MultimodalDeps 多模态流水线依赖，除 Store 外均可为 nil。
type MultimodalDeps struct {
	Store       Store
	Fetcher     MediaFetcher
	Transcriber multimodal.Transcriber
	Correlator  *multimodal.Correlator
	Extractor   Extractor
	Notifier    notifier.Notifier
	Logger      logrus.FieldLogger
}

// MultimodalPipeline 音视频分析，各协作服务失败时逐级降级而不是失败。
type MultimodalPipeline struct {
	deps   MultimodalDeps
	logger logrus.FieldLogger
}

// NewMultimodalPipeline 创建多模态流水线。
func NewMultimodalPipeline(deps MultimodalDeps) *MultimodalPipeline {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Correlator == nil {
		deps.Correlator = multimodal.NewCorrelator(nil, multimodal.WithCorrelatorLogger(deps.Logger))
	}
	return &MultimodalPipeline{deps: deps, logger: deps.Logger.WithField("component", "multimodal-pipeline")}
}

// PlannedAnalysisType 启动时预估的分析类型：能下载并转写媒体时为 real_multimodal。
func (p *MultimodalPipeline) PlannedAnalysisType(in MultimodalInput) model.AnalysisType {
	if p.deps.Fetcher != nil && p.deps.Transcriber != nil && in.mediaURL() != "" {
		return model.AnalysisRealMultimodal
	}
	return model.AnalysisEstimated
}

// Job 包装成可调度任务。
func (p *MultimodalPipeline) Job(in MultimodalInput) Job {
	return multimodalJob{p: p, in: in}
}

type multimodalJob struct {
	p  *MultimodalPipeline
	in MultimodalInput
}

func (j multimodalJob) MatchID() string     { return j.in.MatchID }
func (j multimodalJob) Kind() model.JobKind { return model.JobKindMultimodal }
func (j multimodalJob) Input() any          { return j.in }
func (j multimodalJob) AnalysisType() model.AnalysisType {
	return j.p.PlannedAnalysisType(j.in)
}
func (j multimodalJob) Run(ctx context.Context, tr *Tracker) error {
	_, err := j.p.Run(ctx, tr, j.in)
	return err
}

// Run 执行全部步骤并把任务落到终态。
func (p *MultimodalPipeline) Run(ctx context.Context, tr *Tracker, in MultimodalInput) (MultimodalResult, error) {
	job := tr.Job()
	log := p.logger.WithFields(logrus.Fields{"job_id": job.ID, "match_id": in.MatchID, "half": in.Half})
	diag := &Diagnostics{}

	res, runErr := p.run(ctx, tr, in, diag, log)
	if runErr != nil {
		res = MultimodalResult{Success: false, AnalysisType: tr.Job().AnalysisType, Half: in.Half, Error: runErr.Error(), Diagnostics: diag}
	}
	err := finish(ctx, tr, runErr, res, res)

	notify(ctx, p.deps.Notifier, notifier.Report{
		JobID:          job.ID,
		MatchID:        in.MatchID,
		Kind:           model.JobKindMultimodal,
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
	}, log)
	return res, err
}

func (p *MultimodalPipeline) run(ctx context.Context, tr *Tracker, in MultimodalInput, diag *Diagnostics, log logrus.FieldLogger) (MultimodalResult, error) {
	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		warnings = append(warnings, msg)
		log.Warn(msg)
	}

	// preparing
	if err := tr.Begin(ctx); err != nil {
		return MultimodalResult{}, err
	}
	if err := in.validate(); err != nil {
		return MultimodalResult{}, fmt.Errorf("invalid input: %w", err)
	}
	if in.mediaURL() == "" && strings.TrimSpace(in.Transcript) == "" {
		return MultimodalResult{}, fmt.Errorf("invalid input: videoUrl, audioUrl or transcript required")
	}
	if in.DurationSeconds < 0 {
		return MultimodalResult{}, fmt.Errorf("invalid input: durationSeconds must be >= 0")
	}
	if err := prepareMatch(ctx, p.deps.Store, in.Input); err != nil {
		return MultimodalResult{}, fmt.Errorf("prepare match: %w", err)
	}
	c := in.context(tr.Job().ID)

	// downloading
	if err := tr.Advance(ctx, string(model.JobStatusDownloading)); err != nil {
		return MultimodalResult{}, err
	}
	var media *fetcher.Media
	if p.PlannedAnalysisType(in) == model.AnalysisRealMultimodal {
		m, err := p.deps.Fetcher.Download(ctx, in.mediaURL())
		if err != nil {
			if ctx.Err() != nil {
				return MultimodalResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			metrics.RecordCollaboratorError("media")
			warn("media download failed: %v", err)
		} else {
			media = &m
		}
	}

	// transcribing
	if err := tr.Advance(ctx, string(model.JobStatusTranscribing)); err != nil {
		return MultimodalResult{}, err
	}
	var transcript multimodal.Transcript
	realAudio := false
	if media != nil {
		t, err := p.deps.Transcriber.Transcribe(ctx, media.Data, media.ContentType)
		switch {
		case err != nil && ctx.Err() != nil:
			return MultimodalResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		case err != nil:
			metrics.RecordCollaboratorError("speech")
			warn("speech-to-text failed: %v", err)
		case strings.TrimSpace(t.Text) == "":
			warn("speech-to-text returned no text")
		default:
			transcript, realAudio = t, true
		}
	}
	if realAudio {
		tr.SetAnalysisType(model.AnalysisRealMultimodal)
	} else {
		tr.SetAnalysisType(model.AnalysisEstimated)
		transcript = multimodal.Transcript{Text: strings.TrimSpace(in.Transcript), Segments: EstimateSegments(in.Transcript, in.window())}
		if transcript.Text == "" {
			warn("no transcript available; zero events detected, events can be added manually")
		} else {
			warn("real transcription unavailable; using provided transcript as estimated data")
		}
	}
	diag.RealTranscription = &realAudio
	duration := in.DurationSeconds
	if duration == 0 {
		duration = transcript.Duration
	}

	// detecting
	if err := tr.Advance(ctx, string(model.JobStatusDetecting)); err != nil {
		return MultimodalResult{}, err
	}
	mentions := multimodal.ScanGoalMentions(transcript.Segments, in.HomeTeam, in.AwayTeam)
	if mentions == nil {
		mentions = []multimodal.GoalMention{}
	}
	log.WithField("mentions", len(mentions)).Info("goal mentions detected")

	// vision-analysis
	if err := tr.Advance(ctx, string(model.JobStatusVisionAnalysis)); err != nil {
		return MultimodalResult{}, err
	}
	corr, err := p.deps.Correlator.Correlate(ctx, multimodal.CorrelationInput{
		Segments:        transcript.Segments,
		DurationSeconds: duration,
		VideoURL:        in.VideoURL,
		HomeTeam:        in.HomeTeam,
		AwayTeam:        in.AwayTeam,
		Mentions:        mentions,
	})
	if err != nil {
		return MultimodalResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	vision := corr.VisionAvailable
	diag.VisionAvailable = &vision
	if !vision && in.VideoURL != "" && p.deps.Correlator.VisionConfigured() && len(corr.Goals) > 0 {
		metrics.RecordCollaboratorError("vision")
		warn("object detection unavailable; goals kept with audio-only confidence")
	}

	// correlating
	if err := tr.Advance(ctx, string(model.JobStatusCorrelating)); err != nil {
		return MultimodalResult{}, err
	}
	mmEvents := make([]model.MatchEvent, 0, len(corr.Goals))
	corroborated := 0
	for _, g := range corr.Goals {
		mmEvents = append(mmEvents, events.Normalize(g.RawEvent(in.window()), c))
		if g.Corroborated {
			corroborated++
		}
	}
	for _, m := range corr.Unattributed {
		diag.UnattributedGoals = append(diag.UnattributedGoals, unattributedGoal(m, in.window()))
	}
	if n := len(corr.Unattributed); n > 0 {
		warn("%d goal mentions without an identifiable team were not scored; see diagnostics", n)
	}

	// extracting-events
	if err := tr.Advance(ctx, string(model.JobStatusExtractingEvents)); err != nil {
		return MultimodalResult{}, err
	}
	all := mmEvents
	reported := events.ComputeScore(mmEvents, in.HomeTeam, in.AwayTeam)
	if p.deps.Extractor != nil && ValidTranscript(transcript.Text) {
		extraction, err := p.deps.Extractor.Extract(ctx, transcript.Text, c)
		switch {
		case err != nil && ctx.Err() != nil:
			return MultimodalResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		case err != nil:
			warn("text extraction failed, using goal mentions only: %v", err)
		default:
			diag.ExtractionAttempts = extraction.Attempts
			diag.DroppedEvents = extraction.Dropped
			all = MergeEvents(mmEvents, extraction.Events)
			reported = extraction.Reported
		}
	}
	sortEvents(all)

	// tactical-analysis
	if err := tr.Advance(ctx, string(model.JobStatusTacticalAnalysis)); err != nil {
		return MultimodalResult{}, err
	}
	tactical := Summarize(all, in.HomeTeam, in.AwayTeam)

	// finalizing
	if err := tr.Advance(ctx, string(model.JobStatusFinalizing)); err != nil {
		return MultimodalResult{}, err
	}
	recon := reconcile(all, reported, c, diag, log)
	s, err := settle(ctx, p.deps.Store, c, all, recon, diag, log)
	if err != nil {
		return MultimodalResult{}, err
	}
	if len(diag.PersistenceErrors) > 0 {
		warn("some records failed to persist; see diagnostics")
	}

	return MultimodalResult{
		Success:           true,
		AnalysisType:      tr.Job().AnalysisType,
		EventsDetected:    len(all),
		GoalsDetected:     events.CountGoals(all),
		HomeScore:         s.match.HomeScore,
		AwayScore:         s.match.AwayScore,
		HalfHomeScore:     s.half.Home,
		HalfAwayScore:     s.half.Away,
		Half:              in.Half,
		Events:            all,
		Accumulated:       s.accumulated,
		GoalMentions:      len(mentions),
		CorroboratedGoals: corroborated,
		Tactical:          &tactical,
		Warnings:          warnings,
		Diagnostics:       diag,
	}, nil
}

func unattributedGoal(m multimodal.GoalMention, w events.Window) UnattributedGoal {
	sec := int(math.Max(0, m.Second))
	return UnattributedGoal{
		Minute:      w.Clamp(w.StartMinute + sec/60),
		Second:      sec % 60,
		VideoSecond: sec,
		Text:        m.Text,
	}
}

// MergeEvents 合并多模态事件与文本抽取事件；与多模态进球同队且相距不超过 90 秒的文本进球被丢弃。
func MergeEvents(mm, text []model.MatchEvent) []model.MatchEvent {
	out := append([]model.MatchEvent(nil), mm...)
	for _, ev := range text {
		if ev.EventType == model.EventGoal && duplicatesGoal(ev, mm) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func duplicatesGoal(ev model.MatchEvent, mm []model.MatchEvent) bool {
	meta := ev.Meta()
	for _, g := range mm {
		if g.EventType != model.EventGoal || g.Meta().Team != meta.Team {
			continue
		}
		if math.Abs(float64(g.Meta().VideoSecond-meta.VideoSecond)) <= DuplicateGoalWindow {
			return true
		}
	}
	return false
}

func sortEvents(evs []model.MatchEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Minute != evs[j].Minute {
			return evs[i].Minute < evs[j].Minute
		}
		return evs[i].Second < evs[j].Second
	})
}

var minuteMarker = regexp.MustCompile(`^\s*(\d{1,3})(?:\s*\+\s*(\d{1,2}))?\s*['’′]`)

// EstimateSegments 在没有真实转写时从文本构造时间片段：
// 以 "12'" 开头的行按比赛分钟定位，其余行沿用上一行时间；全文都没有分钟标记时按行均匀分布在半场内。
func EstimateSegments(text string, w events.Window) []multimodal.Segment {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil
	}

	segs := make([]multimodal.Segment, 0, len(lines))
	marked := false
	last := 0.0
	for _, line := range lines {
		start := last
		if m := minuteMarker.FindStringSubmatch(line); m != nil {
			minute, _ := strconv.Atoi(m[1])
			if m[2] != "" {
				extra, _ := strconv.Atoi(m[2])
				minute += extra
			}
			start = math.Max(0, float64(w.Clamp(minute)-w.StartMinute)*60)
			marked = true
		}
		segs = append(segs, multimodal.Segment{Start: start, End: start, Text: line})
		last = start
	}
	if !marked {
		span := float64(w.EndMinute-w.StartMinute) * 60
		step := span / float64(len(segs))
		for i := range segs {
			segs[i].Start = math.Round(float64(i) * step)
			segs[i].End = segs[i].Start
		}
	}
	return segs
}
