// Package api 提供分析任务的 HTTP JSON 接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"match-radar/internal/events"
	"match-radar/internal/metrics"
	"match-radar/internal/model"
	"match-radar/internal/pipeline"
	"match-radar/internal/scheduler"
	"match-radar/internal/storage"
	"match-radar/internal/subscription"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Store 只读查询接口。
type Store interface {
	GetJob(ctx context.Context, id string) (model.AnalysisJob, error)
	ListJobs(ctx context.Context, matchID string) ([]model.AnalysisJob, error)
	GetMatch(ctx context.Context, id string) (model.Match, error)
	ListHalfScores(ctx context.Context, matchID string) ([]model.HalfScore, error)
	ListEvents(ctx context.Context, matchID string, half model.MatchHalf) ([]model.MatchEvent, error)
}

// Scheduler 任务调度接口。
type Scheduler interface {
	Submit(ctx context.Context, task pipeline.Job) (model.AnalysisJob, error)
	Cancel(ctx context.Context, jobID string) error
	Wait(ctx context.Context, jobID string) (model.AnalysisJob, error)
}

// TextJobs 构造文本分析任务。
type TextJobs interface {
	Job(in pipeline.TextInput) pipeline.Job
}

// MultimodalJobs 构造多模态分析任务。
type MultimodalJobs interface {
	Job(in pipeline.MultimodalInput) pipeline.Job
	PlannedAnalysisType(in pipeline.MultimodalInput) model.AnalysisType
}

// SubscriptionService 登记比赛订阅者。
type SubscriptionService interface {
	Register(ctx context.Context, matchID string, req subscription.Request) (model.Watcher, error)
}

// Deps HTTP 层依赖，Subscriptions 可为 nil。
type Deps struct {
	Store         Store
	Scheduler     Scheduler
	Text          TextJobs
	Multimodal    MultimodalJobs
	Subscriptions SubscriptionService
	Logger        logrus.FieldLogger
}

// TextRequest 文本分析请求。
type TextRequest struct {
	MatchID         string          `json:"matchId" validate:"required"`
	Transcript      string          `json:"transcript" validate:"required,min=50"`
	HomeTeamName    string          `json:"homeTeamName" validate:"required"`
	AwayTeamName    string          `json:"awayTeamName" validate:"required"`
	GameStartMinute *int            `json:"gameStartMinute,omitempty" validate:"omitempty,min=0"`
	GameEndMinute   *int            `json:"gameEndMinute,omitempty" validate:"omitempty,min=0"`
	MatchHalf       model.MatchHalf `json:"matchHalf" validate:"required,oneof=first second"`
}

// MultimodalRequest 多模态分析请求，videoUrl/audioUrl/transcript 至少提供一个。
type MultimodalRequest struct {
	MatchID         string          `json:"matchId" validate:"required"`
	HomeTeamName    string          `json:"homeTeamName" validate:"required"`
	AwayTeamName    string          `json:"awayTeamName" validate:"required"`
	MatchHalf       model.MatchHalf `json:"matchHalf" validate:"required,oneof=first second"`
	GameStartMinute *int            `json:"gameStartMinute,omitempty" validate:"omitempty,min=0"`
	GameEndMinute   *int            `json:"gameEndMinute,omitempty" validate:"omitempty,min=0"`
	VideoURL        string          `json:"videoUrl" validate:"omitempty,url"`
	AudioURL        string          `json:"audioUrl,omitempty" validate:"omitempty,url"`
	DurationSeconds float64         `json:"durationSeconds" validate:"gte=0"`
	Transcript      string          `json:"transcript,omitempty"`
}

// JobView 任务状态视图。
type JobView struct {
	JobID          string             `json:"jobId"`
	MatchID        string             `json:"matchId"`
	Kind           model.JobKind      `json:"kind"`
	AnalysisType   model.AnalysisType `json:"analysisType,omitempty"`
	Status         model.JobStatus    `json:"status"`
	Progress       int                `json:"progress"`
	CurrentStep    string             `json:"currentStep"`
	Steps          []model.JobStep    `json:"steps"`
	StartedAt      time.Time          `json:"startedAt"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	Error          string             `json:"error,omitempty"`
	EventsDetected *int               `json:"eventsDetected,omitempty"`
	Result         json.RawMessage    `json:"result,omitempty"`
}

// NewJobView 由任务记录构造视图，终态任务附带结果。
func NewJobView(job model.AnalysisJob) JobView {
	v := JobView{
		JobID:        job.ID,
		MatchID:      job.MatchID,
		Kind:         job.Kind,
		AnalysisType: job.AnalysisType,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentStep:  job.CurrentStep,
		Steps:        []model.JobStep(job.Steps),
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Error:        job.ErrorMessage,
	}
	if len(job.Result) > 0 {
		v.Result = json.RawMessage(job.Result)
		var counts struct {
			EventsDetected *int `json:"eventsDetected"`
		}
		if err := json.Unmarshal(job.Result, &counts); err == nil {
			v.EventsDetected = counts.EventsDetected
		}
	}
	return v
}

// MatchView 比赛比分视图。
type MatchView struct {
	model.Match
	HalfScores []model.HalfScore `json:"halfScores"`
}

type server struct {
	deps     Deps
	validate *validator.Validate
	logger   logrus.FieldLogger
}

// NewHandler 构造 HTTP 多路复用器。
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	s := &server{deps: deps, validate: newValidator(), logger: deps.Logger.WithField("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/analysis/text", s.startText)
	mux.HandleFunc("POST /api/analysis/multimodal", s.startMultimodal)
	mux.HandleFunc("GET /api/jobs/{id}", s.getJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.cancelJob)
	mux.HandleFunc("GET /api/matches/{id}", s.getMatch)
	mux.HandleFunc("GET /api/matches/{id}/events", s.listEvents)
	mux.HandleFunc("GET /api/matches/{id}/jobs", s.listJobs)
	mux.HandleFunc("POST /api/matches/{id}/watchers", s.addWatcher)

	return s.instrument(mux)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// instrument 记录请求指标与访问日志。
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(route, r.Method, fmt.Sprint(rec.status), elapsed)
		s.logger.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  rec.status,
			"elapsed": elapsed.String(),
		}).Debug("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) startText(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !s.decode(w, r, &req) {
		return
	}
	window, err := requestWindow(req.MatchHalf, req.GameStartMinute, req.GameEndMinute)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in := pipeline.TextInput{
		Input:      pipeline.Input{MatchID: req.MatchID, HomeTeam: req.HomeTeamName, AwayTeam: req.AwayTeamName, Half: req.MatchHalf, Window: &window},
		Transcript: req.Transcript,
	}

	job, err := s.deps.Scheduler.Submit(r.Context(), s.deps.Text.Job(in))
	if err != nil {
		s.submitError(w, job, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status})
		return
	}
	final, err := s.deps.Scheduler.Wait(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, fmt.Errorf("wait for job %s: %w", job.ID, err))
		return
	}
	if len(final.Result) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": final.ErrorMessage})
		return
	}
	w.Header().Set("X-Job-Id", final.ID)
	writeJSON(w, http.StatusOK, json.RawMessage(final.Result))
}

func (s *server) startMultimodal(w http.ResponseWriter, r *http.Request) {
	var req MultimodalRequest
	if !s.decode(w, r, &req) {
		return
	}
	window, err := requestWindow(req.MatchHalf, req.GameStartMinute, req.GameEndMinute)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.VideoURL == "" && req.AudioURL == "" && strings.TrimSpace(req.Transcript) == "" {
		writeError(w, http.StatusBadRequest, errors.New("videoUrl, audioUrl or transcript is required"))
		return
	}
	in := pipeline.MultimodalInput{
		Input:           pipeline.Input{MatchID: req.MatchID, HomeTeam: req.HomeTeamName, AwayTeam: req.AwayTeamName, Half: req.MatchHalf, Window: &window},
		VideoURL:        req.VideoURL,
		AudioURL:        req.AudioURL,
		DurationSeconds: req.DurationSeconds,
		Transcript:      req.Transcript,
	}

	job, err := s.deps.Scheduler.Submit(r.Context(), s.deps.Multimodal.Job(in))
	if err != nil {
		s.submitError(w, job, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":        job.ID,
		"status":       "started",
		"analysisType": s.deps.Multimodal.PlannedAnalysisType(in),
	})
}

func (s *server) submitError(w http.ResponseWriter, job model.AnalysisJob, err error) {
	if errors.Is(err, scheduler.ErrQueueFull) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"jobId": job.ID, "error": err.Error()})
		return
	}
	s.logger.WithError(err).Error("submit job failed")
	writeError(w, http.StatusInternalServerError, err)
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.lookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewJobView(job))
}

func (s *server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Scheduler.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrTerminal):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		s.logger.WithError(err).WithField("job_id", id).Error("cancel job failed")
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id, "status": "cancelling"})
	}
}

func (s *server) getMatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	match, err := s.deps.Store.GetMatch(r.Context(), id)
	if err != nil {
		s.lookupError(w, err)
		return
	}
	halves, err := s.deps.Store.ListHalfScores(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, MatchView{Match: match, HalfScores: halves})
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	half := model.MatchHalf(r.URL.Query().Get("half"))
	if half != "" && !half.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("half must be first or second"))
		return
	}
	evs, err := s.deps.Store.ListEvents(r.Context(), r.PathValue("id"), half)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []model.MatchEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListJobs(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, NewJobView(job))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) addWatcher(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "subscription disabled"})
		return
	}
	var req subscription.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	watcher, err := s.deps.Subscriptions.Register(r.Context(), r.PathValue("id"), req)
	switch {
	case errors.Is(err, subscription.ErrUnknownMatch):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, subscription.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusCreated, watcher)
	}
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// requestWindow 缺省取半场默认区间，只给出一端时另一端沿用默认值。
func requestWindow(half model.MatchHalf, start, end *int) (events.Window, error) {
	w := events.DefaultWindow(half)
	if start != nil {
		w.StartMinute = *start
	}
	if end != nil {
		w.EndMinute = *end
	}
	return w, w.Validate()
}

func (s *server) lookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
