// Package client 是分析接口的 HTTP 客户端，以及按固定间隔轮询任务进度的会话。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"match-radar/internal/api"
	"match-radar/internal/model"
)

// HTTPError 服务端返回的非 2xx 响应。
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("match-radar api http %d", e.Code)
	}
	return fmt.Sprintf("match-radar api http %d: %s", e.Code, e.Message)
}

// StartResponse 启动任务的响应。
type StartResponse struct {
	JobID        string             `json:"jobId"`
	Status       string             `json:"status"`
	AnalysisType model.AnalysisType `json:"analysisType,omitempty"`
}

// Client 调用 match-radar HTTP 接口。
type Client struct {
	baseURL string
	http    *http.Client
}

// New 创建客户端，hc 为 nil 时使用 15 秒超时的默认客户端。
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// StartText 提交文本分析，返回任务 ID。
func (c *Client) StartText(ctx context.Context, req api.TextRequest) (StartResponse, error) {
	var out StartResponse
	err := c.do(ctx, http.MethodPost, "/api/analysis/text", req, &out)
	return out, err
}

// StartMultimodal 提交多模态分析。
func (c *Client) StartMultimodal(ctx context.Context, req api.MultimodalRequest) (StartResponse, error) {
	var out StartResponse
	err := c.do(ctx, http.MethodPost, "/api/analysis/multimodal", req, &out)
	return out, err
}

// Poll 读取任务状态。
func (c *Client) Poll(ctx context.Context, jobID string) (api.JobView, error) {
	var out api.JobView
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

// Cancel 请求服务端取消任务。
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &HTTPError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
