package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"match-radar/internal/api"
	"match-radar/internal/fetcher"
	"match-radar/internal/model"
	"match-radar/internal/multimodal"
	"match-radar/internal/notifier"
	"match-radar/internal/pipeline"
	"match-radar/internal/processor"
	"match-radar/internal/scheduler"
	"match-radar/internal/storage"
	"match-radar/internal/subscription"
)

type backgroundScheduler interface {
	Start(ctx context.Context) error
}

type jobRecorder interface {
	pipeline.JobStore
	CreateJob(ctx context.Context, job *model.AnalysisJob) error
}

type textRunner interface {
	Run(ctx context.Context, tr *pipeline.Tracker, in pipeline.TextInput) (pipeline.TextResult, error)
}

type narrationSource interface {
	FetchNarration(ctx context.Context, rawURL string) (string, error)
}

// appDeps 组装好的运行时组件。
type appDeps struct {
	sched     backgroundScheduler
	handler   http.Handler
	jobs      jobRecorder
	text      textRunner
	narration narrationSource
	logger    logrus.FieldLogger
}

type appBuilder func(AppConfig) (appDeps, func(), error)

// buildApp 打开存储并按配置连接全部协作方，返回的 cleanup 关闭存储。
func buildApp(cfg AppConfig, logger logrus.FieldLogger) (appDeps, func(), error) {
	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		return appDeps{}, func() {}, fmt.Errorf("init store: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("close store")
		}
	}

	llm := processor.NewChatClient(cfg.LLM, nil, logger)
	policy := processor.DefaultRetryPolicy()
	if cfg.LLM.MaxRetries > 0 {
		policy.MaxAttempts = cfg.LLM.MaxRetries
	}
	extractor := processor.New(cfg.Extraction, llm, processor.WithRetryPolicy(policy), processor.WithLogger(logger))

	media := fetcher.New(cfg.Media, nil, logger)
	notif := buildNotifier(cfg.Email, store, logger)

	text := pipeline.NewTextPipeline(store, extractor, notif, logger)
	mmDeps := pipeline.MultimodalDeps{
		Store:     store,
		Fetcher:   media,
		Extractor: extractor,
		Notifier:  notif,
		Logger:    logger,
	}
	if cfg.Speech.Enabled() {
		mmDeps.Transcriber = multimodal.NewSpeechClient(cfg.Speech, nil)
	} else {
		logger.Info("speech service not configured; multimodal jobs run in estimated mode")
	}
	var detector multimodal.Detector
	if cfg.Vision.Enabled() {
		detector = multimodal.NewDetectionClient(cfg.Vision, nil)
	}
	mmDeps.Correlator = multimodal.NewCorrelator(detector, multimodal.WithCorrelatorLogger(logger))
	mm := pipeline.NewMultimodalPipeline(mmDeps)

	sched := scheduler.NewScheduler(store, logger, cfg.Scheduler)
	handler := api.NewHandler(api.Deps{
		Store:         store,
		Scheduler:     sched,
		Text:          text,
		Multimodal:    mm,
		Subscriptions: subscription.NewService(store, cfg.Subscription),
		Logger:        logger,
	})

	return appDeps{
		sched:     sched,
		handler:   handler,
		jobs:      store,
		text:      text,
		narration: media,
		logger:    logger,
	}, cleanup, nil
}

// buildNotifier 按订阅渠道分发报告，未配置邮件时只写日志。
func buildNotifier(cfg notifier.EmailConfig, store notifier.WatcherStore, logger logrus.FieldLogger) notifier.Notifier {
	fallback := notifier.Notifier(notifier.NewLogNotifier(logger))
	var sender notifier.EmailSender
	if cfg.Enabled() {
		sender = notifier.NewSMTPClient(cfg)
		if len(cfg.To) > 0 {
			fallback = notifier.NewEmailNotifier(cfg, sender)
		}
	} else {
		logger.Info("email notifier disabled: missing host/port/from")
	}
	return notifier.NewWatcherNotifier(store, cfg, sender, fallback)
}
