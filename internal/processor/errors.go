package processor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind 对可重试错误分类，用于决定退避时长。
type ErrorKind string

const (
	KindRateLimited   ErrorKind = "rate_limited"
	KindEmptyResponse ErrorKind = "empty_response"
	KindMalformed     ErrorKind = "malformed"
	KindMissingEvents ErrorKind = "missing_events"
	KindTransient     ErrorKind = "transient"
)

var (
	// ErrMissingCredentials 未配置 API key。
	ErrMissingCredentials = errors.New("completion service credentials missing")
	// ErrEmptyResponse 服务返回了空内容。
	ErrEmptyResponse = errors.New("completion service returned empty content")
)

// StatusError 表示补全服务返回了非 2xx 状态码。
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("llm http %d", e.Code)
	}
	return fmt.Sprintf("llm http %d: %s", e.Code, body)
}

// TransientServiceError 可重试的临时故障（限流、空响应、网络错误等）。
type TransientServiceError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransientServiceError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("rate limited by completion service: %v", e.Err)
	case KindEmptyResponse:
		return fmt.Sprintf("empty response from completion service: %v", e.Err)
	}
	return fmt.Sprintf("transient completion service failure: %v", e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// FatalServiceError 不可重试：额度耗尽或凭证缺失，直接中止抽取。
type FatalServiceError struct {
	Reason string
	Err    error
}

func (e *FatalServiceError) Error() string {
	if e.Err == nil {
		return "fatal completion service error: " + e.Reason
	}
	return fmt.Sprintf("fatal completion service error: %s: %v", e.Reason, e.Err)
}

func (e *FatalServiceError) Unwrap() error { return e.Err }

// MalformedResponseError 模型输出不是合法 JSON，或缺少 events 数组。按临时错误重试。
type MalformedResponseError struct {
	Kind    ErrorKind
	Reason  string
	Snippet string
}

func (e *MalformedResponseError) Error() string {
	if e.Snippet == "" {
		return "malformed model response: " + e.Reason
	}
	return fmt.Sprintf("malformed model response: %s (snippet: %s)", e.Reason, e.Snippet)
}

// ExtractionExhaustedError 所有尝试均失败，携带最后一次错误。
type ExtractionExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExtractionExhaustedError) Error() string {
	return fmt.Sprintf("extraction failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExtractionExhaustedError) Unwrap() error { return e.Last }

// KindOf 返回错误对应的重试分类，不可重试时第二个返回值为 false。
func KindOf(err error) (ErrorKind, bool) {
	var fatal *FatalServiceError
	if errors.As(err, &fatal) {
		return "", false
	}
	var transient *TransientServiceError
	if errors.As(err, &transient) {
		return transient.Kind, true
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return malformed.Kind, true
	}
	return KindTransient, true
}

// classifyCallError 把补全调用的原始错误映射到错误分类。
func classifyCallError(err error) error {
	if errors.Is(err, ErrMissingCredentials) {
		return &FatalServiceError{Reason: "missing credentials", Err: err}
	}
	if errors.Is(err, ErrEmptyResponse) {
		return &TransientServiceError{Kind: KindEmptyResponse, Err: err}
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case 402:
			return &FatalServiceError{Reason: "quota exhausted", Err: err}
		case 401, 403:
			return &FatalServiceError{Reason: "credentials rejected", Err: err}
		case 429:
			return &TransientServiceError{Kind: KindRateLimited, Err: err}
		}
	}
	return &TransientServiceError{Kind: KindTransient, Err: err}
}
