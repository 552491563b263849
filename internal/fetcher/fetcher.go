// Package fetcher 下载多模态分析所需的媒体文件，并把解说直播页面转为纯文本。
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

// ErrTooLarge 媒体超过配置的大小上限。
var ErrTooLarge = errors.New("media exceeds size limit")

// Config 定义下载配置。
type Config struct {
	MaxMediaMB     int    `yaml:"max_media_mb" json:"max_media_mb"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	UserAgent      string `yaml:"user_agent" json:"user_agent"`
}

// Media 下载得到的媒体内容。
type Media struct {
	URL         string
	ContentType string
	Data        []byte
}

// Fetcher 负责 HTTP 下载。
type Fetcher struct {
	client   *http.Client
	cfg      Config
	maxBytes int64
	logger   logrus.FieldLogger
}

// New 创建 Fetcher，client 为空时按配置超时创建。
func New(cfg Config, client *http.Client, logger logrus.FieldLogger) *Fetcher {
	if cfg.MaxMediaMB <= 0 {
		cfg.MaxMediaMB = 512
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "match-radar/1.0"
	}
	if client == nil {
		timeout := 5 * time.Minute
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		client:   client,
		cfg:      cfg,
		maxBytes: int64(cfg.MaxMediaMB) << 20,
		logger:   logger.WithField("component", "fetcher"),
	}
}

// Download 下载媒体文件，超过大小上限返回 ErrTooLarge。
func (f *Fetcher) Download(ctx context.Context, rawURL string) (Media, error) {
	body, contentType, err := f.get(ctx, rawURL)
	if err != nil {
		return Media{}, err
	}
	f.logger.WithFields(logrus.Fields{"url": rawURL, "bytes": len(body), "content_type": contentType}).Info("media downloaded")
	return Media{URL: rawURL, ContentType: contentType, Data: body}, nil
}

// FetchNarration 获取解说文本：text/plain 直接返回，HTML 页面提取正文。
func (f *Fetcher) FetchNarration(ctx context.Context, rawURL string) (string, error) {
	body, contentType, err := f.get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "text/plain" {
		return strings.TrimSpace(string(body)), nil
	}
	text, err := ExtractNarration(string(body))
	if err != nil {
		return "", fmt.Errorf("extract narration from %s: %w", rawURL, err)
	}
	return text, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// ExtractNarration 从直播页面提取解说文本。
// 优先读取 __NEXT_DATA__ 中的解说列表，其次是标记为 narration/commentary 的元素，最后退回正文段落。
func ExtractNarration(htmlText string) (string, error) {
	node, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	if data := findNextData(node); data != "" {
		if lines := narrationFromNextData(data); len(lines) > 0 {
			return strings.Join(lines, "\n"), nil
		}
	}

	var marked, paragraphs []string
	var walk func(n *html.Node, inMarked bool)
	walk = func(n *html.Node, inMarked bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "nav", "header", "footer", "noscript":
				return
			}
			if !inMarked && isNarrationNode(n) {
				inMarked = true
			}
			if n.Data == "p" || n.Data == "li" {
				if text := collapse(textContent(n)); text != "" {
					if inMarked {
						marked = append(marked, text)
					} else {
						paragraphs = append(paragraphs, text)
					}
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inMarked)
		}
	}
	walk(node, false)

	switch {
	case len(marked) > 0:
		return strings.Join(marked, "\n"), nil
	case len(paragraphs) > 0:
		return strings.Join(paragraphs, "\n"), nil
	}
	return "", errors.New("no narration text found")
}

func isNarrationNode(n *html.Node) bool {
	for _, attr := range n.Attr {
		switch attr.Key {
		case "data-narration", "data-commentary":
			return true
		case "class", "id":
			v := strings.ToLower(attr.Val)
			if strings.Contains(v, "narration") || strings.Contains(v, "commentary") || strings.Contains(v, "lance") {
				return true
			}
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func findNextData(node *html.Node) string {
	var scriptText string
	var search func(*html.Node)
	search = func(n *html.Node) {
		if scriptText != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "script" {
			for _, attr := range n.Attr {
				if attr.Key == "id" && attr.Val == "__NEXT_DATA__" {
					if n.FirstChild != nil {
						scriptText = n.FirstChild.Data
					}
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			search(c)
		}
	}
	search(node)
	return scriptText
}

var (
	narrationListKeys = map[string]bool{"commentary": true, "commentaries": true, "narration": true, "narrations": true, "lances": true, "timeline": true}
	narrationTextKeys = []string{"text", "description", "body", "message"}
	narrationTimeKeys = []string{"minute", "time", "clock"}
)

// narrationFromNextData 在 __NEXT_DATA__ JSON 中查找解说列表，每条输出为 "分钟' 文本"。
func narrationFromNextData(jsonText string) []string {
	var root any
	if err := json.Unmarshal([]byte(jsonText), &root); err != nil {
		return nil
	}
	var lines []string
	var visit func(v any)
	visit = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(node))
			for k := range node {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if items, ok := node[k].([]any); ok && narrationListKeys[strings.ToLower(k)] {
					for _, item := range items {
						if line := narrationLine(item); line != "" {
							lines = append(lines, line)
						}
					}
					continue
				}
				visit(node[k])
			}
		case []any:
			for _, item := range node {
				visit(item)
			}
		}
	}
	visit(root)
	return lines
}

func narrationLine(item any) string {
	switch v := item.(type) {
	case string:
		return collapse(v)
	case map[string]any:
		var text string
		for _, k := range narrationTextKeys {
			if s, ok := v[k].(string); ok && strings.TrimSpace(s) != "" {
				text = collapse(s)
				break
			}
		}
		if text == "" {
			return ""
		}
		for _, k := range narrationTimeKeys {
			switch t := v[k].(type) {
			case float64:
				return fmt.Sprintf("%d' %s", int(t), text)
			case string:
				if strings.TrimSpace(t) != "" {
					return fmt.Sprintf("%s' %s", strings.TrimRight(strings.TrimSpace(t), "'"), text)
				}
			}
		}
		return text
	}
	return ""
}
