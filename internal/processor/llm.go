package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// LLMConfig 定义补全服务（OpenAI 兼容 chat/completions 协议）配置。
type LLMConfig struct {
	APIBase           string `yaml:"api_base" json:"api_base"`
	APIKey            string `yaml:"api_key" json:"api_key"`
	Model             string `yaml:"model" json:"model"`
	TimeoutSeconds    int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries        int    `yaml:"max_retries" json:"max_retries"`
	DisableStructured bool   `yaml:"disable_structured" json:"disable_structured"`
}

// ChatRequest 一次补全请求。Schema 非空时请求结构化输出。
type ChatRequest struct {
	System string
	User   string
	Schema *JSONSchema
}

// JSONSchema 结构化输出约束。
type JSONSchema struct {
	Name   string
	Schema map[string]any
}

// LLMClient 抽象大模型调用，便于测试注入。
type LLMClient interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// ChatClient 实现 LLMClient。服务不支持结构化输出时自动退回自由 JSON 模式，并记住该结论。
type ChatClient struct {
	cfg          LLMConfig
	client       *http.Client
	unstructured atomic.Bool
	logger       logrus.FieldLogger
}

// NewChatClient 创建客户端。
func NewChatClient(cfg LLMConfig, httpClient *http.Client, logger logrus.FieldLogger) *ChatClient {
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = "https://api.deepseek.com/v1"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "deepseek-chat"
	}
	if httpClient == nil {
		timeout := 60 * time.Second
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg.APIBase = base
	cfg.Model = model
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	c := &ChatClient{cfg: cfg, client: httpClient, logger: logger.WithField("component", "llm")}
	c.unstructured.Store(cfg.DisableStructured)
	return c
}

// Complete 发送请求并返回模型文本。
func (c *ChatClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrMissingCredentials
	}

	structured := req.Schema != nil && !c.unstructured.Load()
	content, err := c.send(ctx, c.buildPayload(req, structured))
	if err != nil && structured && structuredUnsupported(err) {
		c.unstructured.Store(true)
		c.logger.WithError(err).Warn("structured output unsupported, falling back to free-form json")
		content, err = c.send(ctx, c.buildPayload(req, false))
	}
	return content, err
}

func (c *ChatClient) buildPayload(req ChatRequest, structured bool) chatRequest {
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: 0,
	}
	switch {
	case structured:
		payload.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.Schema.Name,
				"strict": true,
				"schema": req.Schema.Schema,
			},
		}
	case req.Schema != nil:
		payload.ResponseFormat = map[string]any{"type": "json_object"}
	}
	return payload
}

func (c *ChatClient) send(ctx context.Context, payload chatRequest) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.APIBase, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", &StatusError{
			Code:       resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", ErrEmptyResponse
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return "", fmt.Errorf("llm api error: %s", parsed.Error.Message)
	}
	for _, choice := range parsed.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyResponse
}

func structuredUnsupported(err error) bool {
	status, ok := err.(*StatusError)
	if !ok {
		return false
	}
	if status.Code != http.StatusBadRequest && status.Code != http.StatusUnprocessableEntity {
		return false
	}
	body := strings.ToLower(status.Body)
	return strings.Contains(body, "response_format") || strings.Contains(body, "json_schema")
}

func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}
