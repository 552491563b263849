package multimodal

import (
	"context"
	"math"
	"sync"

	"match-radar/internal/events"
	"match-radar/internal/model"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Confidence 等级。
const (
	ConfidenceCorroborated = 0.9
	ConfidenceAudioOnly    = 0.7
	ConfidenceContradicted = 0.5
)

// 球门线判定参数。
const (
	goalLineLeft       = 0.06
	goalLineRight      = 0.94
	minBallConfidence  = 0.3
	defaultFrameWindow = 3.0
	defaultFrameStep   = 1.0
)

// CorrelationInput 关联输入。
type CorrelationInput struct {
	Segments        []Segment
	DurationSeconds float64
	VideoURL        string
	HomeTeam        string
	AwayTeam        string
	// Mentions 为空时由 Segments 扫描得到
	Mentions        []GoalMention
}

// CorrelatedGoal 一个经过画面验证（或无法验证）的进球。
type CorrelatedGoal struct {
	Mention      GoalMention `json:"mention"`
	Corroborated bool        `json:"corroborated"`
	Confidence   float64     `json:"confidence"`
	BallFrames   int         `json:"ballFrames"`
}

// RawEvent 转为原始事件，videoSecond 相对半场开始。
func (g CorrelatedGoal) RawEvent(w events.Window) events.RawEvent {
	sec := int(math.Max(0, g.Mention.Second))
	return events.RawEvent{
		EventType:   string(model.EventGoal),
		Minute:      w.StartMinute + sec/60,
		Second:      sec % 60,
		Description: g.Mention.Text,
		Team:        string(g.Mention.Team),
		IsOwnGoal:   g.Mention.OwnGoal,
		Source:      model.SourceMultimodal,
		Confidence:  g.Confidence,
	}
}

// CorrelationResult 关联输出。
type CorrelationResult struct {
	Goals           []CorrelatedGoal `json:"goals"`
	Unattributed    []GoalMention    `json:"unattributed"`
	VisionAvailable bool             `json:"visionAvailable"`
	FramesAnalyzed  int              `json:"framesAnalyzed"`
}

// Correlator 对每次进球提及在 [t-3s, t+3s] 内逐秒取帧检测，判断球是否在球门线附近。
type Correlator struct {
	detector    Detector
	window      float64
	step        float64
	concurrency int
	logger      logrus.FieldLogger
}

// CorrelatorOption 定制 Correlator。
type CorrelatorOption func(*Correlator)

// WithConcurrency 单次提及的并发检测数。
func WithConcurrency(n int) CorrelatorOption {
	return func(c *Correlator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithCorrelatorLogger 指定日志。
func WithCorrelatorLogger(l logrus.FieldLogger) CorrelatorOption {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCorrelator 创建 Correlator，detector 为 nil 时只做音频分析。
func NewCorrelator(detector Detector, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		detector:    detector,
		window:      defaultFrameWindow,
		step:        defaultFrameStep,
		concurrency: 4,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "correlator")
	return c
}

// VisionConfigured 是否配置了检测服务。
func (c *Correlator) VisionConfigured() bool {
	return c.detector != nil
}

// Correlate 扫描提及并做画面验证。检测服务不可用时退化为纯音频结果，不返回错误。
func (c *Correlator) Correlate(ctx context.Context, in CorrelationInput) (CorrelationResult, error) {
	res := CorrelationResult{VisionAvailable: c.detector != nil && in.VideoURL != ""}

	mentions := in.Mentions
	if mentions == nil {
		mentions = ScanGoalMentions(in.Segments, in.HomeTeam, in.AwayTeam)
	}
	for _, m := range mentions {
		if !m.TeamKnown {
			res.Unattributed = append(res.Unattributed, m)
			continue
		}
		goal := CorrelatedGoal{Mention: m, Confidence: ConfidenceAudioOnly}
		if res.VisionAvailable {
			frames, ballFrames, err := c.inspect(ctx, in, m.Second)
			if ctx.Err() != nil {
				return CorrelationResult{}, ctx.Err()
			}
			if err != nil {
				c.logger.WithError(err).WithField("second", m.Second).Warn("vision unavailable, continuing audio-only")
				res.VisionAvailable = false
			} else {
				res.FramesAnalyzed += frames
				goal.BallFrames = ballFrames
				goal.Corroborated = ballFrames > 0
				goal.Confidence = ConfidenceContradicted
				if goal.Corroborated {
					goal.Confidence = ConfidenceCorroborated
				}
			}
		}
		res.Goals = append(res.Goals, goal)
	}

	if !res.VisionAvailable {
		for i := range res.Goals {
			res.Goals[i].Corroborated = false
			res.Goals[i].BallFrames = 0
			res.Goals[i].Confidence = ConfidenceAudioOnly
		}
	}
	return res, nil
}

// FrameSeconds 返回 t 附近需要检测的时间点，限制在 [0, duration]。
func (c *Correlator) FrameSeconds(t, duration float64) []float64 {
	var out []float64
	for s := t - c.window; s <= t+c.window+1e-9; s += c.step {
		if s < 0 || (duration > 0 && s > duration) {
			continue
		}
		out = append(out, math.Round(s*1000)/1000)
	}
	return out
}

// inspect 并发检测一组帧，返回检测帧数与球在门线附近的帧数。所有帧都失败才视为错误。
func (c *Correlator) inspect(ctx context.Context, in CorrelationInput, t float64) (int, int, error) {
	seconds := c.FrameSeconds(t, in.DurationSeconds)
	if len(seconds) == 0 {
		return 0, 0, nil
	}

	var (
		mu       sync.Mutex
		ok       int
		hits     int
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, s := range seconds {
		g.Go(func() error {
			dets, err := c.detector.Detect(gctx, FrameRef{VideoURL: in.VideoURL, Second: s})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				if IsFatal(err) {
					return err
				}
				return nil
			}
			ok++
			if ballOnGoalLine(dets) {
				hits++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	if ok == 0 && firstErr != nil {
		return 0, 0, firstErr
	}
	return ok, hits, nil
}

func ballOnGoalLine(dets []Detection) bool {
	for _, d := range dets {
		if d.Label != "ball" && d.Label != "sports ball" {
			continue
		}
		if d.Confidence < minBallConfidence {
			continue
		}
		x := d.Box.CenterX()
		if x <= goalLineLeft || x >= goalLineRight {
			return true
		}
	}
	return false
}
