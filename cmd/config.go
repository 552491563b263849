package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"match-radar/internal/fetcher"
	"match-radar/internal/logging"
	"match-radar/internal/multimodal"
	"match-radar/internal/notifier"
	"match-radar/internal/processor"
	"match-radar/internal/scheduler"
	"match-radar/internal/subscription"
)

// envPrefix 环境变量覆盖前缀，MATCHRADAR_LLM__API_KEY 对应 llm.api_key。
const envPrefix = "MATCHRADAR_"

// AppConfig 应用配置。
type AppConfig struct {
	Server       ServerConfig             `yaml:"server"`
	Database     DatabaseConfig           `yaml:"database"`
	LLM          processor.LLMConfig      `yaml:"llm"`
	Extraction   processor.Config         `yaml:"extraction"`
	Speech       multimodal.ServiceConfig `yaml:"speech"`
	Vision       multimodal.ServiceConfig `yaml:"vision"`
	Media        fetcher.Config           `yaml:"media"`
	Scheduler    scheduler.Config         `yaml:"scheduler"`
	Email        notifier.EmailConfig     `yaml:"email"`
	Subscription subscription.Config      `yaml:"subscription"`
	Log          logging.Config           `yaml:"log"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// loadConfig 依次读取 .env、YAML 文件（可选）与 MATCHRADAR_ 环境变量，后者优先。
// path 为空时使用 CONFIG_FILE，再退回 config.yaml；显式指定的文件必须存在。
func loadConfig(path string) (AppConfig, error) {
	_ = godotenv.Load()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
		explicit = path != ""
	}
	if path == "" {
		path = "config.yaml"
	}

	var cfg AppConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := overlayEnv(&cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func overlayEnv(cfg *AppConfig) error {
	k := koanf.New(".")
	provider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("apply env: %w", err)
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.Database.Path == "" {
		c.Database.Path = "match-radar.db"
	}
}
