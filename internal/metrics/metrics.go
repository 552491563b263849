// Package metrics 暴露分析任务相关的 Prometheus 指标，使用独立 registry。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "match_radar"

// Manager 持有全部指标。
type Manager struct {
	registry *prometheus.Registry

	jobsStarted         *prometheus.CounterVec
	jobsFinished        *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	extractionAttempts  *prometheus.CounterVec
	scoreInconsistent   prometheus.Counter
	eventsPersisted     *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	activeWorkers       prometheus.Gauge
	collaboratorErrors  *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var globalManager = NewManager(prometheus.NewRegistry()) //nolint:gochecknoglobals // process-wide metrics

// NewManager 在给定 registry 上注册全部指标。
func NewManager(registry *prometheus.Registry) *Manager {
	auto := promauto.With(registry)
	registry.MustRegister(collectors.NewGoCollector())

	return &Manager{
		registry: registry,
		jobsStarted: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Analysis jobs accepted, by kind.",
		}, []string{"kind"}),
		jobsFinished: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Analysis jobs reaching a terminal status, by kind and status.",
		}, []string{"kind", "status"}),
		stepDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"kind", "step"}),
		extractionAttempts: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_attempts_total",
			Help:      "Completion service extraction attempts, by outcome.",
		}, []string{"outcome"}),
		scoreInconsistent: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_inconsistencies_total",
			Help:      "Model-reported scores that disagreed with goal events.",
		}),
		eventsPersisted: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_persisted_total",
			Help:      "Match events written to the store, by source.",
		}, []string{"source"}),
		queueDepth: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
		activeWorkers: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently running a job.",
		}),
		collaboratorErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Failures of speech, vision, and media collaborators.",
		}, []string{"collaborator"}),
		httpRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests.",
		}, []string{"route", "method", "code"}),
		httpRequestDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Registry 返回指标所在的 registry。
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Default 返回进程级 Manager。
func Default() *Manager { return globalManager }

// Handler 以 Prometheus 文本格式输出全局指标。
func Handler() http.Handler {
	return promhttp.HandlerFor(globalManager.registry, promhttp.HandlerOpts{})
}

// RecordJobStarted 记录任务开始。
func RecordJobStarted(kind string) {
	globalManager.jobsStarted.WithLabelValues(kind).Inc()
}

// RecordJobFinished 记录任务结束状态。
func RecordJobFinished(kind, status string) {
	globalManager.jobsFinished.WithLabelValues(kind, status).Inc()
}

// ObserveStep 记录步骤耗时。
func ObserveStep(kind, step string, d time.Duration) {
	globalManager.stepDuration.WithLabelValues(kind, step).Observe(d.Seconds())
}

// RecordExtractionAttempt 按结果记录一次抽取尝试。
func RecordExtractionAttempt(outcome string) {
	globalManager.extractionAttempts.WithLabelValues(outcome).Inc()
}

// RecordScoreInconsistency 记录比分不一致。
func RecordScoreInconsistency() {
	globalManager.scoreInconsistent.Inc()
}

// RecordEventsPersisted 记录写入的事件数。
func RecordEventsPersisted(source string, n int) {
	globalManager.eventsPersisted.WithLabelValues(source).Add(float64(n))
}

// SetQueueDepth 更新队列长度。
func SetQueueDepth(n int) {
	globalManager.queueDepth.Set(float64(n))
}

// WorkerBusy 在 worker 开始/结束任务时调用。
func WorkerBusy(busy bool) {
	if busy {
		globalManager.activeWorkers.Inc()
		return
	}
	globalManager.activeWorkers.Dec()
}

// RecordCollaboratorError 记录外部协作服务失败。
func RecordCollaboratorError(name string) {
	globalManager.collaboratorErrors.WithLabelValues(name).Inc()
}

// RecordHTTPRequest 记录一次 API 请求。
func RecordHTTPRequest(route, method, code string, d time.Duration) {
	globalManager.httpRequests.WithLabelValues(route, method, code).Inc()
	globalManager.httpRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
