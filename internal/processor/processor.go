package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"match-radar/internal/events"
	"match-radar/internal/metrics"
	"match-radar/internal/model"

	"github.com/sirupsen/logrus"
)

// Config 描述抽取提示词配置。
type Config struct {
	PromptTemplate string `yaml:"prompt_template" json:"prompt_template"`
	Language       string `yaml:"language" json:"language"`
}

// Extraction 一次抽取的结果，事件已归一化但尚未入库。
type Extraction struct {
	Events   []model.MatchEvent
	Reported model.Score
	Attempts int
	Dropped  int
	Raw      string
}

// Extractor 调用补全服务把解说文本转为结构化事件，负责重试与输出校验，不写任何存储。
type Extractor struct {
	cfg    Config
	llm    LLMClient
	policy RetryPolicy
	sleep  func(context.Context, time.Duration) error
	logger logrus.FieldLogger
}

// Option 定制 Extractor。
type Option func(*Extractor)

// WithRetryPolicy 覆盖默认重试策略。
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Extractor) { e.policy = p }
}

// WithSleeper 替换退避等待实现，测试中用于跳过真实等待。
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(e *Extractor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithLogger 指定日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New 创建 Extractor。
func New(cfg Config, llm LLMClient, opts ...Option) *Extractor {
	e := &Extractor{
		cfg:    cfg,
		llm:    llm,
		policy: DefaultRetryPolicy(),
		sleep:  sleepContext,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("component", "extractor")
	return e
}

// Extract 执行抽取。402/凭证错误立即失败；其余错误按策略重试，耗尽后返回 ExtractionExhaustedError。
func (e *Extractor) Extract(ctx context.Context, transcript string, c events.Context) (Extraction, error) {
	if strings.TrimSpace(transcript) == "" {
		return Extraction{}, errors.New("transcript empty")
	}
	req := ChatRequest{
		System: systemPrompt(),
		User:   e.buildPrompt(transcript, c),
		Schema: &JSONSchema{Name: "match_events", Schema: extractionSchema()},
	}

	attempts := e.policy.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		log := e.logger.WithFields(logrus.Fields{"match_id": c.MatchID, "half": c.Half, "attempt": attempt})

		res, err := e.attempt(ctx, req, c)
		if err == nil {
			res.Attempts = attempt
			metrics.RecordExtractionAttempt("success")
			if res.Dropped > 0 {
				log.WithField("dropped", res.Dropped).Warn("dropped invalid events from model output")
			}
			return res, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Extraction{}, fmt.Errorf("extraction aborted: %w", ctxErr)
		}
		kind, retryable := KindOf(err)
		if !retryable {
			metrics.RecordExtractionAttempt("fatal")
			log.WithError(err).Error("extraction aborted by fatal service error")
			return Extraction{}, err
		}
		metrics.RecordExtractionAttempt(string(kind))
		log.WithError(err).WithField("kind", kind).Warn("extraction attempt failed")
		lastErr = err

		if attempt == attempts {
			break
		}
		wait := e.policy.BackoffFor(kind)
		var status *StatusError
		if errors.As(err, &status) && status.RetryAfter > wait {
			wait = status.RetryAfter
		}
		if err := e.sleep(ctx, wait); err != nil {
			return Extraction{}, fmt.Errorf("extraction aborted: %w", err)
		}
	}
	return Extraction{}, &ExtractionExhaustedError{Attempts: attempts, Last: lastErr}
}

func (e *Extractor) attempt(ctx context.Context, req ChatRequest, c events.Context) (Extraction, error) {
	text, err := e.llm.Complete(ctx, req)
	if err != nil {
		return Extraction{}, classifyCallError(err)
	}
	if strings.TrimSpace(text) == "" {
		return Extraction{}, &TransientServiceError{Kind: KindEmptyResponse, Err: ErrEmptyResponse}
	}

	var payload llmExtraction
	if err := DecodeJSON(text, &payload); err != nil {
		return Extraction{}, &MalformedResponseError{Kind: KindMalformed, Reason: err.Error(), Snippet: snippet(text)}
	}
	if payload.Events == nil {
		return Extraction{}, &MalformedResponseError{Kind: KindMissingEvents, Reason: "response missing events array", Snippet: snippet(text)}
	}

	res := Extraction{
		Reported: model.Score{Home: payload.HomeScore.Value, Away: payload.AwayScore.Value},
		Raw:      text,
	}
	for _, item := range *payload.Events {
		raw, ok := item.toRaw()
		if !ok {
			res.Dropped++
			continue
		}
		res.Events = append(res.Events, events.Normalize(raw, c))
	}
	return res, nil
}

func (e *Extractor) buildPrompt(transcript string, c events.Context) string {
	template := strings.TrimSpace(e.cfg.PromptTemplate)
	if template == "" {
		template = defaultPrompt
	}
	language := e.cfg.Language
	if language == "" {
		language = "Portuguese"
	}
	types := make([]string, 0, len(model.EventTypes()))
	for _, t := range model.EventTypes() {
		types = append(types, string(t))
	}
	r := strings.NewReplacer(
		"{{TRANSCRIPT}}", transcript,
		"{{HOME}}", c.HomeTeam,
		"{{AWAY}}", c.AwayTeam,
		"{{HALF}}", string(c.Half),
		"{{START}}", strconv.Itoa(c.Window.StartMinute),
		"{{END}}", strconv.Itoa(c.Window.EndMinute),
		"{{EVENT_TYPES}}", strings.Join(types, ", "),
		"{{LANGUAGE}}", language,
	)
	return r.Replace(template)
}

func systemPrompt() string {
	return "You are a football match analyst. You read live narration and output only JSON describing discrete match events."
}

const defaultPrompt = `Narration language: {{LANGUAGE}}.
Match: {{HOME}} (home) vs {{AWAY}} (away). Half: {{HALF}}. Minutes covered: {{START}} to {{END}}.
Allowed event_type values: {{EVENT_TYPES}}.
Rules: minute must be within {{START}}-{{END}}; team is "home" or "away" for the team that performed the action;
for an own goal use event_type "goal", team = the team whose player scored into their own net, isOwnGoal = true;
description at most 100 characters; homeScore/awayScore are the score of this half only.
Return JSON: {"events":[{"minute":int,"second":int,"event_type":string,"description":string,"team":"home"|"away","isOwnGoal":bool}],"homeScore":int,"awayScore":int}

Narration:
{{TRANSCRIPT}}`

func extractionSchema() map[string]any {
	types := make([]string, 0, len(model.EventTypes()))
	for _, t := range model.EventTypes() {
		types = append(types, string(t))
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"events": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"minute":      map[string]any{"type": "integer"},
						"second":      map[string]any{"type": "integer"},
						"event_type":  map[string]any{"type": "string", "enum": types},
						"description": map[string]any{"type": "string"},
						"team":        map[string]any{"type": "string", "enum": []string{"home", "away"}},
						"isOwnGoal":   map[string]any{"type": "boolean"},
					},
					"required":             []string{"minute", "second", "event_type", "description", "team", "isOwnGoal"},
					"additionalProperties": false,
				},
			},
			"homeScore": map[string]any{"type": "integer"},
			"awayScore": map[string]any{"type": "integer"},
		},
		"required":             []string{"events", "homeScore", "awayScore"},
		"additionalProperties": false,
	}
}

// llmExtraction 对应模型 JSON 响应。
type llmExtraction struct {
	Events    *[]llmEvent `json:"events"`
	HomeScore flexInt     `json:"homeScore"`
	AwayScore flexInt     `json:"awayScore"`
}

type llmEvent struct {
	Minute      flexInt `json:"minute"`
	Second      flexInt `json:"second"`
	EventType   string  `json:"event_type"`
	Description string  `json:"description"`
	Team        string  `json:"team"`
	IsOwnGoal   bool    `json:"isOwnGoal"`
}

func (ev llmEvent) toRaw() (events.RawEvent, bool) {
	if !ev.Minute.Set || strings.TrimSpace(ev.Description) == "" || !events.ValidSide(ev.Team) {
		return events.RawEvent{}, false
	}
	eventType, ok := events.ParseEventType(ev.EventType)
	if !ok {
		return events.RawEvent{}, false
	}
	ownGoal := ev.IsOwnGoal
	if strings.Contains(strings.ToLower(ev.EventType), "own") {
		ownGoal = true
	}
	return events.RawEvent{
		EventType:   string(eventType),
		Minute:      ev.Minute.Value,
		Second:      ev.Second.Value,
		Description: ev.Description,
		Team:        ev.Team,
		IsOwnGoal:   ownGoal,
		Source:      model.SourceText,
	}, true
}

// flexInt 兼容数字、浮点与 "45+2" / "23'" 之类的字符串。
type flexInt struct {
	Value int
	Set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" || text == "" {
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		f.Value, f.Set = int(num), true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected number, got %s", text)
	}
	total := 0
	for _, part := range strings.Split(strings.Trim(strings.TrimSpace(s), "'′"), "+") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		total += n
	}
	f.Value, f.Set = total, true
	return nil
}
