// Package scheduler 用有界队列和固定数量的 worker 执行分析任务，并负责取消、超时、清理僵尸任务与重启恢复。
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"match-radar/internal/metrics"
	"match-radar/internal/model"
	"match-radar/internal/pipeline"
	"match-radar/internal/storage"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull 队列已满，任务已被标记为失败。
	ErrQueueFull = errors.New("analysis queue is full")
	// ErrUnknownJob 任务不存在。
	ErrUnknownJob = errors.New("unknown job")
	// ErrInterrupted 上一个进程退出时任务仍未结束。
	ErrInterrupted = errors.New("interrupted by restart")
	// ErrStale 任务长时间没有进展。
	ErrStale = errors.New("job stalled")
)

// Config 调度配置。
type Config struct {
	Workers       int    `yaml:"workers" json:"workers"`
	QueueSize     int    `yaml:"queue_size" json:"queue_size"`
	JobTimeout    string `yaml:"job_timeout" json:"job_timeout"`
	SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"`
	StaleAfter    string `yaml:"stale_after" json:"stale_after"`
}

// Store 调度器需要的任务存储。
type Store interface {
	pipeline.JobStore
	CreateJob(ctx context.Context, job *model.AnalysisJob) error
	GetJob(ctx context.Context, id string) (model.AnalysisJob, error)
	ListActiveJobs(ctx context.Context, updatedBefore time.Time) ([]model.AnalysisJob, error)
}

type queued struct {
	job  model.AnalysisJob
	task pipeline.Job
}

type matchSlot struct {
	ch   chan struct{}
	refs int
}

// Scheduler 任务队列。同一场比赛的任务串行执行。
type Scheduler struct {
	store      Store
	logger     logrus.FieldLogger
	queue      chan queued
	workers    int
	jobTimeout time.Duration
	staleAfter time.Duration
	interval   time.Duration
	cronSpec   string
	cron       *cronSchedule

	mu        sync.Mutex
	pending   map[string]chan struct{}
	running   map[string]context.CancelCauseFunc
	cancelled map[string]bool
	slots     map[string]*matchSlot

	sweeping  atomic.Bool
	newTicker func(time.Duration) ticker
	now       func() time.Time
}

// NewScheduler 创建 Scheduler，解析 worker 数、队列长度、超时与清理周期。
func NewScheduler(store Store, logger logrus.FieldLogger, cfg Config) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 32
	}
	interval, cronCfg := parseSchedule(cfg.SweepInterval)

	return &Scheduler{
		store:      store,
		logger:     logger.WithField("component", "scheduler"),
		queue:      make(chan queued, size),
		workers:    workers,
		jobTimeout: parseDuration(cfg.JobTimeout, 0),
		staleAfter: parseDuration(cfg.StaleAfter, 30*time.Minute),
		interval:   interval,
		cronSpec:   cronCfg.spec,
		cron:       cronCfg.schedule,
		pending:    map[string]chan struct{}{},
		running:    map[string]context.CancelCauseFunc{},
		cancelled:  map[string]bool{},
		slots:      map[string]*matchSlot{},
		newTicker:  defaultTicker,
		now:        time.Now,
	}
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return fallback
}

// Submit 创建任务记录并入队，立即返回。队列满时任务直接失败并返回 ErrQueueFull。
func (s *Scheduler) Submit(ctx context.Context, task pipeline.Job) (model.AnalysisJob, error) {
	job := model.NewAnalysisJob(uuid.NewString(), task.MatchID(), task.Kind(), s.now())
	job.AnalysisType = task.AnalysisType()
	if in, err := json.Marshal(task.Input()); err == nil {
		job.Input = in
	}

	// 先登记再落库，避免与启动时的恢复扫描竞争
	s.mu.Lock()
	s.pending[job.ID] = make(chan struct{})
	s.mu.Unlock()
	if err := s.store.CreateJob(ctx, &job); err != nil {
		s.release(job.ID)
		return model.AnalysisJob{}, fmt.Errorf("create job: %w", err)
	}
	metrics.RecordJobStarted(string(job.Kind))

	select {
	case s.queue <- queued{job: job, task: task}:
		metrics.SetQueueDepth(len(s.queue))
		s.logger.WithFields(logrus.Fields{"job_id": job.ID, "match_id": job.MatchID, "kind": job.Kind}).Info("job queued")
		return job, nil
	default:
	}

	tr := pipeline.NewTracker(job, s.store, s.logger)
	if err := tr.Fail(ctx, ErrQueueFull, failure(ErrQueueFull)); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("fail rejected job")
	}
	s.release(job.ID)
	return tr.Job(), ErrQueueFull
}

// Start 恢复上次未结束的任务，然后运行 worker 与清理循环，直到 ctx 取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("scheduler missing store")
	}
	if n, err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	} else if n > 0 {
		s.logger.WithField("jobs", n).Warn("failed jobs interrupted by restart")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.startSweeper(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.queue:
			metrics.SetQueueDepth(len(s.queue))
			s.execute(ctx, item)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, item queued) {
	id := item.job.ID
	log := s.logger.WithFields(logrus.Fields{"job_id": id, "match_id": item.job.MatchID, "kind": item.job.Kind})
	defer s.release(id)

	tr := pipeline.NewTracker(item.job, s.store, s.logger)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if s.jobTimeout > 0 {
		var stop context.CancelFunc
		jobCtx, stop = context.WithTimeoutCause(jobCtx, s.jobTimeout, fmt.Errorf("job exceeded %s", s.jobTimeout))
		defer stop()
	}

	s.mu.Lock()
	if s.cancelled[id] {
		s.mu.Unlock()
		log.Info("job cancelled before start")
		s.fail(ctx, tr, pipeline.ErrCancelled)
		return
	}
	s.running[id] = cancel
	s.mu.Unlock()

	unlock, err := s.lockMatch(jobCtx, item.job.MatchID)
	if err != nil {
		s.fail(ctx, tr, causeOf(jobCtx, err))
		return
	}
	defer unlock()

	metrics.WorkerBusy(true)
	defer metrics.WorkerBusy(false)

	err = s.run(jobCtx, item.task, tr)
	if !tr.Job().Status.IsTerminal() {
		if err == nil {
			err = errors.New("pipeline returned without finishing the job")
		}
		s.fail(ctx, tr, err)
	}
	if err != nil {
		log.WithError(causeOf(jobCtx, err)).Warn("job finished with error")
	}
}

func (s *Scheduler) run(ctx context.Context, task pipeline.Job, tr *pipeline.Tracker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return task.Run(ctx, tr)
}

func causeOf(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		return fmt.Errorf("%w: %v", err, cause)
	}
	return err
}

func (s *Scheduler) fail(ctx context.Context, tr *pipeline.Tracker, cause error) {
	if err := tr.Fail(ctx, cause, failure(cause)); err != nil && !errors.Is(err, pipeline.ErrTerminal) {
		s.logger.WithError(err).WithField("job_id", tr.Job().ID).Error("fail job")
	}
}

func failure(err error) map[string]any {
	return map[string]any{"success": false, "error": err.Error()}
}

// lockMatch 获取比赛的执行权，ctx 取消时放弃等待。
func (s *Scheduler) lockMatch(ctx context.Context, matchID string) (func(), error) {
	s.mu.Lock()
	slot, ok := s.slots[matchID]
	if !ok {
		slot = &matchSlot{ch: make(chan struct{}, 1)}
		s.slots[matchID] = slot
	}
	slot.refs++
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if slot.refs--; slot.refs == 0 {
			delete(s.slots, matchID)
		}
	}

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, fmt.Errorf("%w: %v", pipeline.ErrCancelled, ctx.Err())
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done, ok := s.pending[id]; ok {
		close(done)
		delete(s.pending, id)
	}
	delete(s.running, id)
	delete(s.cancelled, id)
}

// Cancel 协作式取消：运行中的任务取消其 ctx，排队中的任务出队时直接失败。
// 不属于本进程的未结束任务直接标记失败。
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if cancel, ok := s.running[jobID]; ok {
		s.mu.Unlock()
		cancel(pipeline.ErrCancelled)
		s.logger.WithField("job_id", jobID).Info("cancel requested for running job")
		return nil
	}
	if _, ok := s.pending[jobID]; ok {
		s.cancelled[jobID] = true
		s.mu.Unlock()
		s.logger.WithField("job_id", jobID).Info("cancel requested for queued job")
		return nil
	}
	s.mu.Unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownJob
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.IsTerminal() {
		return pipeline.ErrTerminal
	}
	tr := pipeline.NewTracker(job, s.store, s.logger)
	return tr.Fail(ctx, pipeline.ErrCancelled, failure(pipeline.ErrCancelled))
}

// Wait 阻塞直到任务结束或 ctx 取消，返回最新任务记录。
func (s *Scheduler) Wait(ctx context.Context, jobID string) (model.AnalysisJob, error) {
	s.mu.Lock()
	done, ok := s.pending[jobID]
	s.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return model.AnalysisJob{}, ctx.Err()
		}
	}
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.AnalysisJob{}, ErrUnknownJob
	}
	return job, err
}

// Recover 把上一个进程遗留的未结束任务标记为失败，返回处理数量。
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListActiveJobs(ctx, time.Time{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if s.known(job.ID) {
			continue
		}
		s.fail(ctx, pipeline.NewTracker(job, s.store, s.logger), ErrInterrupted)
		n++
	}
	return n, nil
}

func (s *Scheduler) known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Sweep 处理超过 stale_after 未更新的任务：本进程中的任务被取消，其余直接失败。
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if s.sweeping.Swap(true) {
		return 0, nil
	}
	defer s.sweeping.Store(false)

	jobs, err := s.store.ListActiveJobs(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		s.mu.Lock()
		cancel, running := s.running[job.ID]
		_, queuedHere := s.pending[job.ID]
		if !running && queuedHere {
			s.cancelled[job.ID] = true
		}
		s.mu.Unlock()

		switch {
		case running:
			cancel(ErrStale)
		case queuedHere:
		default:
			s.fail(ctx, pipeline.NewTracker(job, s.store, s.logger), ErrStale)
		}
		n++
	}
	if n > 0 {
		s.logger.WithField("jobs", n).Warn("stale jobs swept")
	}
	return n, nil
}
