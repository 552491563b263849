package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"match-radar/internal/fetcher"
	"match-radar/internal/model"
	"match-radar/internal/multimodal"
	"match-radar/internal/pipeline"
	"match-radar/internal/scheduler"
	"match-radar/internal/storage"
	"match-radar/internal/subscription"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const transcript = "12' GOOOL do Time Casa! Chute forte no canto, sem chance para o goleiro."

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&stubStore{}, &stubScheduler{}, nil)
	w := do(h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "match_radar_http_requests_total") {
		t.Fatalf("expected http metrics in exposition")
	}
}

func TestStartTextAccepted(t *testing.T) {
	t.Parallel()

	sch := &stubScheduler{}
	h := newTestHandler(&stubStore{}, sch, nil)
	body := fmt.Sprintf(`{"matchId":"m1","transcript":%q,"homeTeamName":"Time Casa","awayTeamName":"Time Visitante","matchHalf":"second"}`, transcript)
	w := do(h, http.MethodPost, "/api/analysis/text", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["jobId"] != "job-1" || resp["status"] != string(model.JobStatusQueued) {
		t.Fatalf("unexpected response %v", resp)
	}
	in := sch.submitted[0].Input().(pipeline.TextInput)
	if in.Window.StartMinute != 45 || in.Window.EndMinute != 90 {
		t.Fatalf("expected default second-half window, got %+v", in.Window)
	}
}

func TestStartTextExplicitZeroWindow(t *testing.T) {
	t.Parallel()

	sch := &stubScheduler{}
	h := newTestHandler(&stubStore{}, sch, nil)
	body := fmt.Sprintf(`{"matchId":"m1","transcript":%q,"homeTeamName":"A","awayTeamName":"B","matchHalf":"first","gameStartMinute":0,"gameEndMinute":0}`, transcript)
	if w := do(h, http.MethodPost, "/api/analysis/text", body); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	in := sch.submitted[0].Input().(pipeline.TextInput)
	if in.Window == nil || in.Window.StartMinute != 0 || in.Window.EndMinute != 0 {
		t.Fatalf("explicit 0..0 window must be kept, got %+v", in.Window)
	}
}

func TestStartTextValidation(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&stubStore{}, &stubScheduler{}, nil)
	cases := []struct {
		name, body, want string
	}{
		{"short transcript", `{"matchId":"m1","transcript":"gol","homeTeamName":"A","awayTeamName":"B","matchHalf":"first"}`, "transcript must be at least 50"},
		{"bad half", fmt.Sprintf(`{"matchId":"m1","transcript":%q,"homeTeamName":"A","awayTeamName":"B","matchHalf":"third"}`, transcript), "matchHalf must be one of"},
		{"missing team", fmt.Sprintf(`{"matchId":"m1","transcript":%q,"awayTeamName":"B","matchHalf":"first"}`, transcript), "homeTeamName is required"},
		{"window order", fmt.Sprintf(`{"matchId":"m1","transcript":%q,"homeTeamName":"A","awayTeamName":"B","matchHalf":"first","gameStartMinute":40,"gameEndMinute":10}`, transcript), "before start minute"},
		{"not json", `{`, "invalid payload"},
	}
	for _, tc := range cases {
		w := do(h, http.MethodPost, "/api/analysis/text", tc.body)
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), tc.want) {
			t.Fatalf("%s: expected 400 with %q, got %d %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestStartTextWait(t *testing.T) {
	t.Parallel()

	sch := &stubScheduler{final: model.AnalysisJob{
		ID:     "job-1",
		Status: model.JobStatusCompleted,
		Result: datatypes.JSON(`{"success":true,"eventsDetected":2,"homeScore":2,"awayScore":0}`),
	}}
	h := newTestHandler(&stubStore{}, sch, nil)
	body := fmt.Sprintf(`{"matchId":"m1","transcript":%q,"homeTeamName":"A","awayTeamName":"B","matchHalf":"first"}`, transcript)
	w := do(h, http.MethodPost, "/api/analysis/text?wait=true", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res pipeline.TextResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.HomeScore != 2 || res.EventsDetected != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStartTextQueueFull(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&stubStore{}, &stubScheduler{submitErr: scheduler.ErrQueueFull}, nil)
	body := fmt.Sprintf(`{"matchId":"m1","transcript":%q,"homeTeamName":"A","awayTeamName":"B","matchHalf":"first"}`, transcript)
	if w := do(h, http.MethodPost, "/api/analysis/text", body); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestStartMultimodal(t *testing.T) {
	t.Parallel()

	sch := &stubScheduler{}
	h := newTestHandler(&stubStore{}, sch, nil)
	w := do(h, http.MethodPost, "/api/analysis/multimodal", `{"matchId":"m1","homeTeamName":"A","awayTeamName":"B","matchHalf":"first","videoUrl":"https://cdn.example/m1.mp4","durationSeconds":2700}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "started" || resp["analysisType"] != string(model.AnalysisRealMultimodal) {
		t.Fatalf("unexpected response %v", resp)
	}

	w = do(h, http.MethodPost, "/api/analysis/multimodal", `{"matchId":"m1","homeTeamName":"A","awayTeamName":"B","matchHalf":"first"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without any source, got %d", w.Code)
	}
	w = do(h, http.MethodPost, "/api/analysis/multimodal", `{"matchId":"m1","homeTeamName":"A","awayTeamName":"B","matchHalf":"first","videoUrl":"not a url"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad url, got %d", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	job := model.NewAnalysisJob("job-1", "m1", model.JobKindText, now)
	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.CompletedAt = &now
	job.Result = datatypes.JSON(`{"success":true,"eventsDetected":3}`)
	h := newTestHandler(&stubStore{jobs: map[string]model.AnalysisJob{"job-1": job}}, &stubScheduler{}, nil)

	w := do(h, http.MethodGet, "/api/jobs/job-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view JobView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.JobID != "job-1" || view.Progress != 100 || len(view.Steps) != 4 || view.CompletedAt == nil {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.EventsDetected == nil || *view.EventsDetected != 3 {
		t.Fatalf("expected eventsDetected from result")
	}

	if w := do(h, http.MethodGet, "/api/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	sch := &stubScheduler{cancelErrs: map[string]error{
		"missing": scheduler.ErrUnknownJob,
		"done":    pipeline.ErrTerminal,
	}}
	h := newTestHandler(&stubStore{}, sch, nil)

	if w := do(h, http.MethodPost, "/api/jobs/job-1/cancel", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/jobs/missing/cancel", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/jobs/done/cancel", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/api/jobs/job-1/cancel", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestMatchAndEvents(t *testing.T) {
	t.Parallel()

	st := &stubStore{
		matches: map[string]model.Match{"m1": {ID: "m1", HomeTeamName: "A", AwayTeamName: "B", HomeScore: 2, AwayScore: 1}},
		halves:  []model.HalfScore{{MatchID: "m1", Half: model.HalfFirst, Home: 2, Away: 1}},
		events:  []model.MatchEvent{{ID: "e1", MatchID: "m1", EventType: model.EventGoal, MatchHalf: model.HalfFirst}},
	}
	h := newTestHandler(st, &stubScheduler{}, nil)

	w := do(h, http.MethodGet, "/api/matches/m1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view MatchView
	_ = json.Unmarshal(w.Body.Bytes(), &view)
	if view.HomeScore != 2 || len(view.HalfScores) != 1 {
		t.Fatalf("unexpected match view %+v", view)
	}

	w = do(h, http.MethodGet, "/api/matches/m1/events?half=first", "")
	if w.Code != http.StatusOK || st.lastHalf != model.HalfFirst {
		t.Fatalf("expected events for first half, got %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/api/matches/m1/events?half=extra", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/api/matches/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAddWatcher(t *testing.T) {
	t.Parallel()

	st := &stubStore{matches: map[string]model.Match{"m1": {ID: "m1"}}}
	subs := subscription.NewService(st, subscription.Config{})
	h := newTestHandler(st, &stubScheduler{}, subs)

	if w := do(h, http.MethodPost, "/api/matches/m1/watchers", `{"email":"Fan@Example.com"}`); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(h, http.MethodPost, "/api/matches/m1/watchers", `{"email":"nope"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/matches/zz/watchers", `{"email":"fan@example.com"}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	disabled := newTestHandler(st, &stubScheduler{}, nil)
	if w := do(disabled, http.MethodPost, "/api/matches/m1/watchers", `{"email":"fan@example.com"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

// --- helpers & stubs ---

func newTestHandler(st *stubStore, sch *stubScheduler, subs SubscriptionService) http.Handler {
	l := logrus.New()
	l.SetOutput(io.Discard)
	deps := Deps{
		Store:      st,
		Scheduler:  sch,
		Text:       pipeline.NewTextPipeline(nil, nil, nil, l),
		Multimodal: pipeline.NewMultimodalPipeline(pipeline.MultimodalDeps{Fetcher: stubMedia{}, Transcriber: stubSpeech{}, Logger: l}),
		Logger:     l,
	}
	if subs != nil {
		deps.Subscriptions = subs
	}
	return NewHandler(deps)
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type stubStore struct {
	mu       sync.Mutex
	jobs     map[string]model.AnalysisJob
	matches  map[string]model.Match
	halves   []model.HalfScore
	events   []model.MatchEvent
	watchers []model.Watcher
	lastHalf model.MatchHalf
}

func (s *stubStore) GetJob(_ context.Context, id string) (model.AnalysisJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return model.AnalysisJob{}, storage.ErrNotFound
	}
	return job, nil
}

func (s *stubStore) ListJobs(context.Context, string) ([]model.AnalysisJob, error) {
	var out []model.AnalysisJob
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (s *stubStore) GetMatch(_ context.Context, id string) (model.Match, error) {
	m, ok := s.matches[id]
	if !ok {
		return model.Match{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *stubStore) ListHalfScores(context.Context, string) ([]model.HalfScore, error) {
	return s.halves, nil
}

func (s *stubStore) ListEvents(_ context.Context, _ string, half model.MatchHalf) ([]model.MatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHalf = half
	return s.events, nil
}

func (s *stubStore) AddWatcher(_ context.Context, w *model.Watcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, *w)
	return nil
}

type stubScheduler struct {
	mu         sync.Mutex
	submitted  []pipeline.Job
	submitErr  error
	cancelErrs map[string]error
	final      model.AnalysisJob
}

func (s *stubScheduler) Submit(_ context.Context, task pipeline.Job) (model.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, task)
	job := model.NewAnalysisJob("job-1", task.MatchID(), task.Kind(), time.Now())
	return job, s.submitErr
}

func (s *stubScheduler) Cancel(_ context.Context, id string) error {
	return s.cancelErrs[id]
}

func (s *stubScheduler) Wait(context.Context, string) (model.AnalysisJob, error) {
	return s.final, nil
}

type stubMedia struct{}

func (stubMedia) Download(context.Context, string) (fetcher.Media, error) {
	return fetcher.Media{}, nil
}

type stubSpeech struct{}

func (stubSpeech) Transcribe(context.Context, []byte, string) (multimodal.Transcript, error) {
	return multimodal.Transcript{}, nil
}
