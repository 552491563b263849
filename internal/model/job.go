package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobKind 区分两条流水线：纯文本解说与多模态（音视频）分析。
type JobKind string

const (
	JobKindText       JobKind = "text"
	JobKindMultimodal JobKind = "multimodal"
)

// JobStatus 任务状态。不同流水线使用各自的状态集合，但共享终态判断。
type JobStatus string

const (
	// 文本流水线
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"

	// 多模态流水线，运行中的状态即当前步骤名
	JobStatusPreparing        JobStatus = "preparing"
	JobStatusDownloading      JobStatus = "downloading"
	JobStatusTranscribing     JobStatus = "transcribing"
	JobStatusDetecting        JobStatus = "detecting"
	JobStatusVisionAnalysis   JobStatus = "vision-analysis"
	JobStatusCorrelating      JobStatus = "correlating"
	JobStatusExtractingEvents JobStatus = "extracting-events"
	JobStatusTacticalAnalysis JobStatus = "tactical-analysis"
	JobStatusFinalizing       JobStatus = "finalizing"
	JobStatusComplete         JobStatus = "complete"
	JobStatusError            JobStatus = "error"
)

// IsTerminal 判断是否为终态，终态之后任务记录不可再修改。
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusComplete, JobStatusError:
		return true
	}
	return false
}

// IsSuccess 判断是否成功结束。
func (s JobStatus) IsSuccess() bool {
	return s == JobStatusCompleted || s == JobStatusComplete
}

// TerminalStatuses 列出所有终态，供存储层做不可变保护。
func TerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusComplete, JobStatusError}
}

var (
	textSteps       = []string{"validating", "extracting", "reconciling", "persisting"}
	multimodalSteps = []string{
		string(JobStatusPreparing),
		string(JobStatusDownloading),
		string(JobStatusTranscribing),
		string(JobStatusDetecting),
		string(JobStatusVisionAnalysis),
		string(JobStatusCorrelating),
		string(JobStatusExtractingEvents),
		string(JobStatusTacticalAnalysis),
		string(JobStatusFinalizing),
	}
)

// StepNames 返回该流水线按顺序执行的步骤名。
func (k JobKind) StepNames() []string {
	if k == JobKindMultimodal {
		return append([]string(nil), multimodalSteps...)
	}
	return append([]string(nil), textSteps...)
}

// InitialStatus 返回任务创建时的状态。
func (k JobKind) InitialStatus() JobStatus {
	if k == JobKindMultimodal {
		return JobStatusPreparing
	}
	return JobStatusQueued
}

// RunningStatus 返回执行某个步骤时任务应处于的状态。
func (k JobKind) RunningStatus(step string) JobStatus {
	if k == JobKindMultimodal {
		return JobStatus(step)
	}
	return JobStatusProcessing
}

func (k JobKind) SuccessStatus() JobStatus {
	if k == JobKindMultimodal {
		return JobStatusComplete
	}
	return JobStatusCompleted
}

func (k JobKind) FailureStatus() JobStatus {
	if k == JobKindMultimodal {
		return JobStatusError
	}
	return JobStatusFailed
}

// StepStatus 单个步骤的状态，只能向前推进：pending -> processing -> completed|failed。
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// JobStep 表示任务中的一个步骤。
type JobStep struct {
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Progress int        `json:"progress"`
}

// AnalysisType 标记多模态任务是否拿到了真实转写数据。
type AnalysisType string

const (
	AnalysisText           AnalysisType = "text"
	AnalysisRealMultimodal AnalysisType = "real_multimodal"
	AnalysisEstimated      AnalysisType = "estimated"
)

// AnalysisJob 描述一次异步抽取任务
// - Steps: 有序步骤，JSON 存储
// - Result: 终态后写入的结果载荷
// - Input: 启动请求原文，便于排查
type AnalysisJob struct {
	ID           string                       `gorm:"primaryKey" json:"jobId"`
	MatchID      string                       `gorm:"index" json:"matchId"`
	Kind         JobKind                      `json:"kind"`
	AnalysisType AnalysisType                 `json:"analysisType"`
	Status       JobStatus                    `gorm:"index" json:"status"`
	Progress     int                          `json:"progress"`
	CurrentStep  string                       `json:"currentStep"`
	Steps        datatypes.JSONSlice[JobStep] `json:"steps"`
	StartedAt    time.Time                    `json:"startedAt"`
	CompletedAt  *time.Time                   `json:"completedAt,omitempty"`
	Result       datatypes.JSON               `json:"result,omitempty"`
	ErrorMessage string                       `json:"error,omitempty"`
	Input        datatypes.JSON               `json:"-"`
	CreatedAt    time.Time                    `json:"-"`
	UpdatedAt    time.Time                    `json:"-"`
}

// NewAnalysisJob 按流水线类型初始化任务：第一个步骤 processing，其余 pending。
func NewAnalysisJob(id, matchID string, kind JobKind, startedAt time.Time) AnalysisJob {
	names := kind.StepNames()
	steps := make([]JobStep, len(names))
	for i, name := range names {
		steps[i] = JobStep{Name: name, Status: StepPending}
	}
	current := ""
	if len(steps) > 0 {
		steps[0].Status = StepProcessing
		current = steps[0].Name
	}
	return AnalysisJob{
		ID:          id,
		MatchID:     matchID,
		Kind:        kind,
		Status:      kind.InitialStatus(),
		CurrentStep: current,
		Steps:       steps,
		StartedAt:   startedAt,
	}
}
