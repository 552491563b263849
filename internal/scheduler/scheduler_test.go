package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"match-radar/internal/model"
	"match-radar/internal/pipeline"
	"match-radar/internal/storage"

	"github.com/sirupsen/logrus"
)

func TestSchedulerRunsSubmittedJob(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	sched := newTestScheduler(store, Config{Workers: 1, QueueSize: 4})
	ctx, stop := startScheduler(t, sched)
	defer stop()

	task := &stubTask{matchID: "m1"}
	job, err := sched.Submit(ctx, task)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if job.Status != model.JobStatusQueued || job.ID == "" {
		t.Fatalf("unexpected submitted job %+v", job)
	}
	if string(job.Input) == "" {
		t.Fatalf("expected input to be recorded")
	}

	final := waitJob(t, sched, job.ID)
	if final.Status != model.JobStatusCompleted || final.Progress != 100 {
		t.Fatalf("expected completed job, got %s/%d", final.Status, final.Progress)
	}
	if task.runs.Load() != 1 {
		t.Fatalf("expected task run once, got %d", task.runs.Load())
	}
}

func TestSchedulerQueueFull(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	sched := newTestScheduler(store, Config{Workers: 1, QueueSize: 1})

	if _, err := sched.Submit(context.Background(), &stubTask{matchID: "m1"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	job, err := sched.Submit(context.Background(), &stubTask{matchID: "m2"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	stored, _ := store.GetJob(context.Background(), job.ID)
	if stored.Status != model.JobStatusFailed || !strings.Contains(stored.ErrorMessage, "queue is full") {
		t.Fatalf("rejected job should be failed, got %s %q", stored.Status, stored.ErrorMessage)
	}
}

func TestSchedulerSerializesSameMatch(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	sched := newTestScheduler(store, Config{Workers: 3, QueueSize: 8})
	ctx, stop := startScheduler(t, sched)
	defer stop()

	var active, peak atomic.Int32
	var ids []string
	for i := 0; i < 3; i++ {
		task := &stubTask{matchID: "same", active: &active, peak: &peak, hold: 20 * time.Millisecond}
		job, err := sched.Submit(ctx, task)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		if job := waitJob(t, sched, id); job.Status != model.JobStatusCompleted {
			t.Fatalf("job %s ended %s", id, job.Status)
		}
	}
	if peak.Load() != 1 {
		t.Fatalf("jobs for one match ran concurrently: peak %d", peak.Load())
	}
}

func TestSchedulerCancelRunningJob(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	sched := newTestScheduler(store, Config{Workers: 1, QueueSize: 2})
	ctx, stop := startScheduler(t, sched)
	defer stop()

	task := &stubTask{matchID: "m1", started: make(chan struct{}), block: make(chan struct{})}
	job, err := sched.Submit(ctx, task)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-task.started
	if err := sched.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final := waitJob(t, sched, job.ID)
	if final.Status != model.JobStatusFailed || !strings.Contains(final.ErrorMessage, "cancelled") {
		t.Fatalf("expected cancelled failure, got %s %q", final.Status, final.ErrorMessage)
	}
	if err := sched.Cancel(ctx, job.ID); !errors.Is(err, pipeline.ErrTerminal) {
		t.Fatalf("cancelling finished job: %v", err)
	}
}

func TestSchedulerCancelQueuedJob(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	sched := newTestScheduler(store, Config{Workers: 1, QueueSize: 2})

	task := &stubTask{matchID: "m1"}
	job, err := sched.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := sched.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, stop := startScheduler(t, sched)
	defer stop()

	final := waitJob(t, sched, job.ID)
	if final.Status != model.JobStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if task.runs.Load() != 0 {
		t.Fatalf("cancelled job must not run")
	}
	if err := sched.Cancel(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestSchedulerJobTimeout(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	sched := newTestScheduler(store, Config{Workers: 1, QueueSize: 2, JobTimeout: "30ms"})
	ctx, stop := startScheduler(t, sched)
	defer stop()

	job, err := sched.Submit(ctx, &stubTask{matchID: "m1", block: make(chan struct{})})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final := waitJob(t, sched, job.ID); final.Status != model.JobStatusFailed {
		t.Fatalf("expected timeout failure, got %s", final.Status)
	}
}

func TestSchedulerRecoversPanics(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	sched := newTestScheduler(store, Config{Workers: 1, QueueSize: 2})
	ctx, stop := startScheduler(t, sched)
	defer stop()

	job, err := sched.Submit(ctx, &stubTask{matchID: "m1", panicMsg: "boom"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitJob(t, sched, job.ID)
	if final.Status != model.JobStatusFailed || !strings.Contains(final.ErrorMessage, "panic") {
		t.Fatalf("expected panic failure, got %s %q", final.Status, final.ErrorMessage)
	}
}

func TestSchedulerRecoverInterruptedJobs(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	orphan := model.NewAnalysisJob("orphan", "m1", model.JobKindMultimodal, time.Now())
	orphan.Status = model.JobStatusTranscribing
	store.put(orphan, time.Now())
	done := model.NewAnalysisJob("done", "m1", model.JobKindText, time.Now())
	done.Status = model.JobStatusCompleted
	store.put(done, time.Now())

	sched := newTestScheduler(store, Config{})
	n, err := sched.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 recovered job, got %d (%v)", n, err)
	}
	got, _ := store.GetJob(context.Background(), "orphan")
	if got.Status != model.JobStatusError || got.ErrorMessage != ErrInterrupted.Error() {
		t.Fatalf("unexpected orphan state %s %q", got.Status, got.ErrorMessage)
	}
}

func TestSchedulerSweepStaleJobs(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	old := model.NewAnalysisJob("old", "m1", model.JobKindText, time.Now())
	old.Status = model.JobStatusProcessing
	store.put(old, time.Now().Add(-2*time.Hour))
	fresh := model.NewAnalysisJob("fresh", "m2", model.JobKindText, time.Now())
	fresh.Status = model.JobStatusProcessing
	store.put(fresh, time.Now())

	sched := newTestScheduler(store, Config{StaleAfter: "1h"})
	n, err := sched.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept job, got %d (%v)", n, err)
	}
	if got, _ := store.GetJob(context.Background(), "old"); got.Status != model.JobStatusFailed {
		t.Fatalf("stale job should fail, got %s", got.Status)
	}
	if got, _ := store.GetJob(context.Background(), "fresh"); got.Status != model.JobStatusProcessing {
		t.Fatalf("fresh job untouched, got %s", got.Status)
	}
}

func TestSweeperRunsOnTick(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	sched := newTestScheduler(store, Config{SweepInterval: "100ms"})
	tickCh := make(chan time.Time, 2)
	sched.newTicker = func(time.Duration) ticker { return &stubTicker{ch: tickCh} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.startSweeper(ctx)
	}()

	tickCh <- time.Now()
	deadline := time.After(time.Second)
	for store.listCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

// --- helpers & stubs ---

func newTestScheduler(store Store, cfg Config) *Scheduler {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return NewScheduler(store, l, cfg)
}

func startScheduler(t *testing.T, sched *Scheduler) (context.Context, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Start(ctx); err != nil {
			t.Errorf("Start error: %v", err)
		}
	}()
	return ctx, func() {
		cancel()
		<-done
	}
}

func waitJob(t *testing.T, sched *Scheduler, id string) model.AnalysisJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := sched.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return job
}

type stubTask struct {
	matchID  string
	runs     atomic.Int32
	started  chan struct{}
	block    chan struct{}
	hold     time.Duration
	active   *atomic.Int32
	peak     *atomic.Int32
	panicMsg string
}

func (s *stubTask) MatchID() string                  { return s.matchID }
func (s *stubTask) Kind() model.JobKind              { return model.JobKindText }
func (s *stubTask) AnalysisType() model.AnalysisType { return model.AnalysisText }
func (s *stubTask) Input() any                       { return map[string]string{"matchId": s.matchID} }
func (s *stubTask) Run(ctx context.Context, tr *pipeline.Tracker) error {
	s.runs.Add(1)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if err := tr.Begin(ctx); err != nil {
		return err
	}
	if s.active != nil {
		n := s.active.Add(1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer s.active.Add(-1)
	}
	if s.started != nil {
		close(s.started)
	}
	if s.hold > 0 {
		time.Sleep(s.hold)
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			err := fmt.Errorf("%w: %v", pipeline.ErrCancelled, context.Cause(ctx))
			_ = tr.Fail(ctx, err, nil)
			return err
		}
	}
	return tr.Complete(ctx, map[string]bool{"success": true})
}

type stubStore struct {
	mu        sync.Mutex
	jobs      map[string]model.AnalysisJob
	listCalls atomic.Int32
}

func newStubStore() *stubStore {
	return &stubStore{jobs: map[string]model.AnalysisJob{}}
}

func (s *stubStore) put(job model.AnalysisJob, updated time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = updated
	s.jobs[job.ID] = job
}

func (s *stubStore) CreateJob(_ context.Context, job *model.AnalysisJob) error {
	s.put(*job, time.Now())
	return nil
}

func (s *stubStore) SaveJob(_ context.Context, job model.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Status.IsTerminal() {
		return storage.ErrJobTerminal
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = job
	return nil
}

func (s *stubStore) GetJob(_ context.Context, id string) (model.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.AnalysisJob{}, storage.ErrNotFound
	}
	return job, nil
}

func (s *stubStore) ListActiveJobs(_ context.Context, updatedBefore time.Time) ([]model.AnalysisJob, error) {
	s.listCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AnalysisJob
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if !updatedBefore.IsZero() && !job.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

type stubTicker struct {
	ch chan time.Time
}

func (s *stubTicker) C() <-chan time.Time { return s.ch }
func (s *stubTicker) Stop()               {}
