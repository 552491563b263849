package notifier

import (
	"context"
	"fmt"
	"strings"

	"match-radar/internal/model"
)

// WatcherStore 读取比赛订阅者。
type WatcherStore interface {
	ListWatchers(ctx context.Context, matchID string) ([]model.Watcher, error)
}

// WatcherNotifier 把报告发送给该比赛的订阅者，log 渠道与无人订阅时交给 fallback。
type WatcherNotifier struct {
	store    WatcherStore
	emailCfg EmailConfig
	sender   EmailSender
	fallback Notifier
}

// NewWatcherNotifier 创建实例，sender 为 nil 时不发送邮件。
func NewWatcherNotifier(store WatcherStore, cfg EmailConfig, sender EmailSender, fallback Notifier) *WatcherNotifier {
	return &WatcherNotifier{store: store, emailCfg: cfg, sender: sender, fallback: fallback}
}

// Notify 按订阅渠道分发。
func (n *WatcherNotifier) Notify(ctx context.Context, r Report) error {
	var watchers []model.Watcher
	if n.store != nil {
		var err error
		watchers, err = n.store.ListWatchers(ctx, r.MatchID)
		if err != nil {
			return fmt.Errorf("list watchers: %w", err)
		}
	}

	var emails []string
	logged := false
	for _, w := range watchers {
		switch strings.ToLower(strings.TrimSpace(w.Channel)) {
		case "email", "":
			emails = append(emails, w.Email)
		case "log":
			logged = true
		}
	}

	if len(emails) > 0 && n.sender != nil {
		cfg := n.emailCfg
		cfg.To = emails
		if err := NewEmailNotifier(cfg, n.sender).Notify(ctx, r); err != nil {
			return fmt.Errorf("email watchers: %w", err)
		}
	}
	if (logged || len(watchers) == 0) && n.fallback != nil {
		return n.fallback.Notify(ctx, r)
	}
	return nil
}
