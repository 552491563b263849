package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"match-radar/internal/model"
	"match-radar/internal/storage"
)

var (
	// ErrInvalid 请求校验失败。
	ErrInvalid = errors.New("invalid watcher request")
	// ErrUnknownMatch 比赛不存在。
	ErrUnknownMatch = errors.New("unknown match")
)

// Store 定义持久化接口。
type Store interface {
	GetMatch(ctx context.Context, id string) (model.Match, error)
	AddWatcher(ctx context.Context, w *model.Watcher) error
}

// Config 控制可用渠道。
type Config struct {
	AllowedChannels []string `yaml:"allowed_channels" json:"allowed_channels"`
}

// Request 订阅请求。
type Request struct {
	Email   string `json:"email"`
	Channel string `json:"channel"`
}

// Service 负责校验并登记比赛订阅者。
type Service struct {
	store    Store
	channels map[string]struct{}
}

// NewService 创建订阅服务，默认只允许 email。
func NewService(store Store, cfg Config) *Service {
	channelMap := make(map[string]struct{})
	for _, ch := range cfg.AllowedChannels {
		if trimmed := strings.ToLower(strings.TrimSpace(ch)); trimmed != "" {
			channelMap[trimmed] = struct{}{}
		}
	}
	if len(channelMap) == 0 {
		channelMap["email"] = struct{}{}
	}
	return &Service{store: store, channels: channelMap}
}

// Register 校验请求并写入订阅者，同一比赛重复订阅不会产生新记录。
func (s *Service) Register(ctx context.Context, matchID string, req Request) (model.Watcher, error) {
	matchID = strings.TrimSpace(matchID)
	if matchID == "" {
		return model.Watcher{}, fmt.Errorf("%w: match id required", ErrInvalid)
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return model.Watcher{}, fmt.Errorf("%w: email required", ErrInvalid)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return model.Watcher{}, fmt.Errorf("%w: invalid email: %v", ErrInvalid, err)
	}

	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	if channel == "" {
		channel = "email"
	}
	if _, ok := s.channels[channel]; !ok {
		return model.Watcher{}, fmt.Errorf("%w: unsupported channel %s", ErrInvalid, channel)
	}

	if _, err := s.store.GetMatch(ctx, matchID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Watcher{}, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
		}
		return model.Watcher{}, err
	}

	w := model.Watcher{MatchID: matchID, Email: strings.ToLower(addr.Address), Channel: channel}
	if err := s.store.AddWatcher(ctx, &w); err != nil {
		return model.Watcher{}, err
	}
	return w, nil
}
