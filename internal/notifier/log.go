package notifier

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier 只写日志，适合开发阶段或没有订阅者时使用。
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier 创建日志通知器。
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger.WithField("component", "notifier")}
}

// Notify 输出一条汇总日志。
func (n LogNotifier) Notify(_ context.Context, r Report) error {
	entry := n.logger.WithFields(logrus.Fields{
		"job_id":   r.JobID,
		"match_id": r.MatchID,
		"status":   r.Status,
		"half":     r.Half,
		"score":    r.MatchScore,
		"events":   r.EventsDetected,
		"goals":    r.GoalsDetected,
	})
	if !r.Status.IsSuccess() {
		entry.WithField("error", r.Error).Warn("analysis finished with failure")
		return nil
	}
	entry.Info("analysis finished")
	return nil
}
