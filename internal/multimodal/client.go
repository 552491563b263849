// Package multimodal 对接语音转写与目标检测服务，并把解说中的进球提及与画面证据关联。
package multimodal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServiceConfig 协作服务配置。
type ServiceConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	APIKey         string `yaml:"api_key" json:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Enabled 是否配置了服务地址。
func (c ServiceConfig) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

// ServiceError 协作服务返回非 2xx。402/401/403 视为不可重试。
type ServiceError struct {
	Service string
	Code    int
	Body    string
}

func (e *ServiceError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s http %d: %s", e.Service, e.Code, body)
}

// Fatal 额度或凭证问题，重试无意义。
func (e *ServiceError) Fatal() bool {
	return e.Code == http.StatusPaymentRequired || e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// IsFatal 判断错误链中是否有不可重试的服务错误。
func IsFatal(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Fatal()
}

type httpService struct {
	name   string
	cfg    ServiceConfig
	client *http.Client
}

func newHTTPService(name string, cfg ServiceConfig, client *http.Client, defaultTimeout time.Duration) httpService {
	if client == nil {
		timeout := defaultTimeout
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return httpService{name: name, cfg: cfg, client: client}
}

func (s httpService) post(ctx context.Context, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new %s request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", contentType)
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", s.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", s.name, err)
	}
	if resp.StatusCode >= 300 {
		return &ServiceError{Service: s.name, Code: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", s.name, err)
	}
	return nil
}

// Segment 带时间戳的转写片段，单位秒。
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript 转写结果。
type Transcript struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Transcriber 语音转写。
type Transcriber interface {
	Transcribe(ctx context.Context, media []byte, contentType string) (Transcript, error)
}

// SpeechClient 通过 HTTP 调用转写服务：POST {base}/transcribe，请求体为原始音视频。
type SpeechClient struct {
	svc httpService
}

// NewSpeechClient 创建转写客户端。
func NewSpeechClient(cfg ServiceConfig, client *http.Client) *SpeechClient {
	return &SpeechClient{svc: newHTTPService("speech", cfg, client, 10*time.Minute)}
}

// Transcribe 上传媒体并返回转写。
func (c *SpeechClient) Transcribe(ctx context.Context, media []byte, contentType string) (Transcript, error) {
	if len(media) == 0 {
		return Transcript{}, errors.New("transcribe: empty media")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var out Transcript
	if err := c.svc.post(ctx, "/transcribe", contentType, media, &out); err != nil {
		return Transcript{}, err
	}
	if strings.TrimSpace(out.Text) == "" && len(out.Segments) > 0 {
		parts := make([]string, 0, len(out.Segments))
		for _, seg := range out.Segments {
			parts = append(parts, strings.TrimSpace(seg.Text))
		}
		out.Text = strings.Join(parts, " ")
	}
	return out, nil
}

// FrameRef 指向视频中的一帧。
type FrameRef struct {
	VideoURL string  `json:"video_url"`
	Second   float64 `json:"timestamp"`
}

// Box 归一化坐标（0..1）的检测框。
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CenterX 检测框中心横坐标。
func (b Box) CenterX() float64 { return b.X + b.W/2 }

// Detection 单个检测结果。
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Detector 目标检测。
type Detector interface {
	Detect(ctx context.Context, frame FrameRef) ([]Detection, error)
}

// DetectionClient 通过 HTTP 调用检测服务：POST {base}/detect。
type DetectionClient struct {
	svc httpService
}

// NewDetectionClient 创建检测客户端。
func NewDetectionClient(cfg ServiceConfig, client *http.Client) *DetectionClient {
	return &DetectionClient{svc: newHTTPService("vision", cfg, client, 30*time.Second)}
}

// Detect 请求某一帧的检测结果。
func (c *DetectionClient) Detect(ctx context.Context, frame FrameRef) ([]Detection, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	var out struct {
		Detections []Detection `json:"detections"`
	}
	if err := c.svc.post(ctx, "/detect", "application/json", body, &out); err != nil {
		return nil, err
	}
	return out.Detections, nil
}
