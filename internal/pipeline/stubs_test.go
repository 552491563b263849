package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"match-radar/internal/events"
	"match-radar/internal/model"
	"match-radar/internal/notifier"
	"match-radar/internal/processor"

	"github.com/sirupsen/logrus"
)

type memStore struct {
	mu         sync.Mutex
	saved      []model.AnalysisJob
	matches    map[string]model.Match
	halves     map[string]map[model.MatchHalf]model.Score
	events     map[model.MatchHalf][]model.MatchEvent
	replaceErr error
	scoreErr   error
}

func newMemStore() *memStore {
	return &memStore{
		matches: map[string]model.Match{},
		halves:  map[string]map[model.MatchHalf]model.Score{},
		events:  map[model.MatchHalf][]model.MatchEvent{},
	}
}

func (s *memStore) SaveJob(_ context.Context, job model.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, job)
	return nil
}

func (s *memStore) last() model.AnalysisJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[len(s.saved)-1]
}

func (s *memStore) EnsureMatch(_ context.Context, m model.Match) (model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.matches[m.ID]; ok {
		return cur, nil
	}
	m.Status = model.MatchStatusScheduled
	s.matches[m.ID] = m
	return m, nil
}

func (s *memStore) SetMatchStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return errors.New("no match")
	}
	m.Status = status
	s.matches[id] = m
	return nil
}

func (s *memStore) ReplaceHalfEvents(_ context.Context, _ string, half model.MatchHalf, evs []model.MatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.events[half] = evs
	return nil
}

func (s *memStore) ApplyHalfScore(_ context.Context, matchID string, half model.MatchHalf, score model.Score, _ string) (model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scoreErr != nil {
		return model.Match{}, s.scoreErr
	}
	if s.halves[matchID] == nil {
		s.halves[matchID] = map[model.MatchHalf]model.Score{}
	}
	s.halves[matchID][half] = score
	var total model.Score
	for _, sc := range s.halves[matchID] {
		total = total.Add(sc)
	}
	m := s.matches[matchID]
	m.HomeScore, m.AwayScore = total.Home, total.Away
	s.matches[matchID] = m
	return m, nil
}

func (s *memStore) persistedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, evs := range s.events {
		n += len(evs)
	}
	return n
}

type stubExtractor struct {
	mu     sync.Mutex
	calls  int
	raws   []events.RawEvent
	score  model.Score
	err    error
	block  chan struct{}
	gotTxt string
}

func (e *stubExtractor) Extract(ctx context.Context, transcript string, c events.Context) (processor.Extraction, error) {
	e.mu.Lock()
	e.calls++
	e.gotTxt = transcript
	e.mu.Unlock()
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return processor.Extraction{}, ctx.Err()
		}
	}
	if e.err != nil {
		return processor.Extraction{}, e.err
	}
	out := processor.Extraction{Reported: e.score, Attempts: 1}
	for _, raw := range e.raws {
		out.Events = append(out.Events, events.Normalize(raw, c))
	}
	return out, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	reports []notifier.Report
}

func (n *recordingNotifier) Notify(_ context.Context, r notifier.Report) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, r)
	return nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTracker(kind model.JobKind, store JobStore) *Tracker {
	job := model.NewAnalysisJob("job-1", "m1", kind, time.Now())
	return NewTracker(job, store, quietLogger())
}

func baseInput(half model.MatchHalf) Input {
	return Input{MatchID: "m1", HomeTeam: "Time Casa", AwayTeam: "Time Visitante", Half: half}
}

const longTranscript = "12' GOOOL do Time Casa! Chute forte no canto.\n30' Cartao amarelo para o Time Visitante.\n40' gol contra do Time Visitante, desvio infeliz."
