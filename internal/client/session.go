package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"match-radar/internal/api"
)

// DefaultPollInterval 轮询间隔。
const DefaultPollInterval = 2 * time.Second

// ErrSessionCancelled 会话被本地取消。
var ErrSessionCancelled = errors.New("session cancelled")

// JobAPI 会话需要的接口，*Client 实现了它。
type JobAPI interface {
	Poll(ctx context.Context, jobID string) (api.JobView, error)
	Cancel(ctx context.Context, jobID string) error
}

// Snapshot 一次轮询后的本地视图。
type Snapshot struct {
	Job       api.JobView
	Elapsed   time.Duration
	ETA       time.Duration
	HasETA    bool
	Cancelled bool
}

// Terminal 任务是否已结束（包括本地取消）。
func (s Snapshot) Terminal() bool {
	return s.Cancelled || s.Job.Status.IsTerminal()
}

// Session 跟踪单个任务的进度。
type Session struct {
	api         JobAPI
	interval    time.Duration
	maxFailures int
	now         func() time.Time

	mu        sync.Mutex
	jobID     string
	started   time.Time
	last      Snapshot
	cancelled bool
	stop      chan struct{}
}

// SessionOption 配置会话。
type SessionOption func(*Session)

// WithInterval 修改轮询间隔。
func WithInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewSession 创建会话。
func NewSession(a JobAPI, opts ...SessionOption) *Session {
	s := &Session{api: a, interval: DefaultPollInterval, maxFailures: 3, now: time.Now, stop: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 调用 start 提交任务并开始计时。
func (s *Session) Start(ctx context.Context, start func(context.Context) (string, error)) (string, error) {
	id, err := start(ctx)
	if err != nil {
		return "", err
	}
	s.Attach(id)
	return id, nil
}

// Attach 跟踪一个已存在的任务。
func (s *Session) Attach(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobID = jobID
	s.started = s.now()
	s.last = Snapshot{}
	s.cancelled = false
	s.stop = make(chan struct{})
}

// JobID 当前跟踪的任务。
func (s *Session) JobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// Last 返回最近一次快照。
func (s *Session) Last() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Watch 按间隔轮询直到任务结束、会话取消或 ctx 取消，每次轮询后回调 onUpdate。
// 连续轮询失败达到上限时返回最后一次错误。
func (s *Session) Watch(ctx context.Context, onUpdate func(Snapshot)) (Snapshot, error) {
	s.mu.Lock()
	id, stop := s.jobID, s.stop
	s.mu.Unlock()
	if id == "" {
		return Snapshot{}, errors.New("no job to watch")
	}

	failures := 0
	for {
		job, err := s.api.Poll(ctx, id)
		switch {
		case err != nil && ctx.Err() != nil:
			return s.Last(), ctx.Err()
		case err != nil:
			failures++
			if failures >= s.maxFailures {
				return s.Last(), fmt.Errorf("poll job %s: %w", id, err)
			}
		default:
			failures = 0
			snap, ok := s.record(id, job)
			if !ok {
				return snap, ErrSessionCancelled
			}
			if onUpdate != nil {
				onUpdate(snap)
			}
			if snap.Terminal() {
				return snap, nil
			}
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.Last(), ctx.Err()
		case <-stop:
			timer.Stop()
			return s.Last(), ErrSessionCancelled
		case <-timer.C:
		}
	}
}

// record 更新本地视图；会话已取消或已切换任务时返回 false。
func (s *Session) record(id string, job api.JobView) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.jobID != id {
		return s.last, false
	}
	elapsed := s.now().Sub(s.started)
	snap := Snapshot{Job: job, Elapsed: elapsed}
	if eta, ok := EstimateRemaining(elapsed, job.Progress); ok && !job.Status.IsTerminal() {
		snap.ETA, snap.HasETA = eta, true
	}
	s.last = snap
	return snap, true
}

// EstimateRemaining 剩余时间 = elapsed / progress * (100 - progress)，progress 为 0 时无法估计。
func EstimateRemaining(elapsed time.Duration, progress int) (time.Duration, bool) {
	if progress <= 0 {
		return 0, false
	}
	if progress >= 100 {
		return 0, true
	}
	return time.Duration(float64(elapsed) / float64(progress) * float64(100-progress)), true
}

// Cancel 停止轮询并把本地视图标记为已取消，同时尽力请求服务端取消，服务端错误被忽略。
func (s *Session) Cancel(ctx context.Context) {
	s.mu.Lock()
	if s.cancelled || s.jobID == "" {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.last.Cancelled = true
	id := s.jobID
	close(s.stop)
	s.mu.Unlock()

	_ = s.api.Cancel(ctx, id)
}

// Reset 清空会话状态。
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled && s.jobID != "" {
		close(s.stop)
	}
	s.jobID = ""
	s.started = time.Time{}
	s.last = Snapshot{}
	s.cancelled = false
	s.stop = make(chan struct{})
}
