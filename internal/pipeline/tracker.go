// Package pipeline 驱动分析任务按步骤执行，并负责对账、累计比分与结果落库。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"match-radar/internal/metrics"
	"match-radar/internal/model"

	"github.com/sirupsen/logrus"
)

var (
	// ErrCancelled 任务被取消。
	ErrCancelled = errors.New("job cancelled")
	// ErrTerminal 任务已结束，不能再推进。
	ErrTerminal = errors.New("job already finished")
)

// JobStore 持久化任务记录。
type JobStore interface {
	SaveJob(ctx context.Context, job model.AnalysisJob) error
}

// Tracker 是任务记录唯一的修改入口：步骤只向前推进，进度单调不减，终态后拒绝修改。
type Tracker struct {
	mu          sync.Mutex
	job         model.AnalysisJob
	store       JobStore
	logger      logrus.FieldLogger
	now         func() time.Time
	stepStarted time.Time
}

// NewTracker 接管一个已创建的任务记录。
func NewTracker(job model.AnalysisJob, store JobStore, logger logrus.FieldLogger) *Tracker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		job:         job,
		store:       store,
		logger:      logger.WithFields(logrus.Fields{"job_id": job.ID, "match_id": job.MatchID, "kind": job.Kind}),
		now:         time.Now,
		stepStarted: time.Now(),
	}
}

// Job 返回当前任务记录的副本。
func (t *Tracker) Job() model.AnalysisJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() model.AnalysisJob {
	job := t.job
	job.Steps = append([]model.JobStep(nil), t.job.Steps...)
	return job
}

// Begin 把任务切换到第一个步骤的运行状态。
func (t *Tracker) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() {
		return ErrTerminal
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	t.job.Status = t.job.Kind.RunningStatus(t.job.CurrentStep)
	t.stepStarted = t.now()
	t.logger.WithField("step", t.job.CurrentStep).Info("job started")
	return t.persist(ctx)
}

// SetAnalysisType 记录多模态任务实际使用的数据来源。
func (t *Tracker) SetAnalysisType(at model.AnalysisType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.AnalysisType = at
}

// Advance 完成当前步骤并开始 step。step 必须位于当前步骤之后，跳过的步骤记为完成。
func (t *Tracker) Advance(ctx context.Context, step string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() {
		return ErrTerminal
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	cur, next := t.indexOf(t.job.CurrentStep), t.indexOf(step)
	if next < 0 {
		return fmt.Errorf("unknown step %q", step)
	}
	if next <= cur {
		return fmt.Errorf("step %q cannot follow %q", step, t.job.CurrentStep)
	}
	t.finishStep(cur)
	for i := cur + 1; i < next; i++ {
		t.job.Steps[i].Status = model.StepCompleted
		t.job.Steps[i].Progress = 100
	}
	t.job.Steps[next].Status = model.StepProcessing
	t.job.CurrentStep = step
	t.job.Status = t.job.Kind.RunningStatus(step)
	t.job.Progress = t.progress()
	t.logger.WithFields(logrus.Fields{"step": step, "progress": t.job.Progress}).Debug("step started")
	return t.persist(ctx)
}

// Complete 完成所有步骤并写入结果。
func (t *Tracker) Complete(ctx context.Context, result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() {
		return ErrTerminal
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	t.finishStep(t.indexOf(t.job.CurrentStep))
	for i := range t.job.Steps {
		if t.job.Steps[i].Status != model.StepCompleted {
			t.job.Steps[i].Status = model.StepCompleted
			t.job.Steps[i].Progress = 100
		}
	}
	now := t.now()
	t.job.Status = t.job.Kind.SuccessStatus()
	t.job.Progress = 100
	t.job.CompletedAt = &now
	t.job.Result = payload
	metrics.RecordJobFinished(string(t.job.Kind), string(t.job.Status))
	t.logger.WithField("elapsed", now.Sub(t.job.StartedAt).String()).Info("job completed")
	return t.persist(context.WithoutCancel(ctx))
}

// Fail 把当前步骤与任务标记为失败，result 可为 nil。
func (t *Tracker) Fail(ctx context.Context, cause error, result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() {
		return ErrTerminal
	}
	if result != nil {
		payload, err := json.Marshal(result)
		if err == nil {
			t.job.Result = payload
		}
	}
	if idx := t.indexOf(t.job.CurrentStep); idx >= 0 {
		t.job.Steps[idx].Status = model.StepFailed
	}
	now := t.now()
	t.job.Status = t.job.Kind.FailureStatus()
	t.job.CompletedAt = &now
	if cause != nil {
		t.job.ErrorMessage = cause.Error()
	}
	metrics.RecordJobFinished(string(t.job.Kind), string(t.job.Status))
	t.logger.WithError(cause).WithField("step", t.job.CurrentStep).Error("job failed")
	// 取消后仍需落库终态
	return t.persist(context.WithoutCancel(ctx))
}

func (t *Tracker) finishStep(idx int) {
	if idx < 0 {
		return
	}
	t.job.Steps[idx].Status = model.StepCompleted
	t.job.Steps[idx].Progress = 100
	now := t.now()
	metrics.ObserveStep(string(t.job.Kind), t.job.Steps[idx].Name, now.Sub(t.stepStarted))
	t.stepStarted = now
}

// progress = round(已完成步骤数 / 总步骤数 * 100)
func (t *Tracker) progress() int {
	total := len(t.job.Steps)
	if total == 0 {
		return 0
	}
	done := 0
	for _, s := range t.job.Steps {
		if s.Status == model.StepCompleted {
			done++
		}
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	if p < t.job.Progress {
		return t.job.Progress
	}
	return p
}

func (t *Tracker) indexOf(step string) int {
	for i, s := range t.job.Steps {
		if s.Name == step {
			return i
		}
	}
	return -1
}

func (t *Tracker) persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveJob(ctx, t.snapshot()); err != nil {
		t.logger.WithError(err).Error("persist job failed")
		return fmt.Errorf("persist job %s: %w", t.job.ID, err)
	}
	return nil
}
