// Package apiclient previewctl 使用的 previewd API 客户端
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type Config struct {
	Addr    string
	Token   string
	UserID  string
	Timeout time.Duration
}

type Client struct {
	http   *retryablehttp.Client
	addr   string
	token  string
	userID string
}

// Error 服务端返回的失败响应
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("previewd: %d %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = logger
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		http:   rc,
		addr:   strings.TrimRight(cfg.Addr, "/"),
		token:  cfg.Token,
		userID: cfg.UserID,
	}
}

// Do 发送请求，out 非 nil 时把 data 解码到 out，成功时返回 message
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) (string, error) {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("marshal request: %w", err)
		}
		raw = b
	}

	u := c.addr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if resp.StatusCode >= 300 || !env.Success {
		return "", &Error{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
	}
	return env.Message, nil
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	_, err := c.Do(ctx, http.MethodGet, "/api/monitoring/health", nil, nil, &out)
	return out, err
}

func (c *Client) Jobs(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	_, err := c.Do(ctx, http.MethodGet, "/api/monitoring/jobs", nil, nil, &out)
	return out, err
}

func (c *Client) RunJob(ctx context.Context, name string) error {
	_, err := c.Do(ctx, http.MethodPost, "/api/monitoring/jobs/"+url.PathEscape(name)+"/run", nil, nil, nil)
	return err
}

func (c *Client) Alerts(ctx context.Context, activeOnly bool) ([]map[string]any, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active", "true")
	}
	var out []map[string]any
	_, err := c.Do(ctx, http.MethodGet, "/api/monitoring/alerts", q, nil, &out)
	return out, err
}

func (c *Client) ResolveAlert(ctx context.Context, id, resolution string) (map[string]any, error) {
	var out map[string]any
	_, err := c.Do(ctx, http.MethodPost, "/api/monitoring/alerts/"+url.PathEscape(id)+"/resolve", nil,
		map[string]string{"resolution": resolution}, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	_, err := c.Do(ctx, http.MethodGet, "/api/sessions", nil, nil, &out)
	return out, err
}

func (c *Client) StopSession(ctx context.Context, id string) error {
	_, err := c.Do(ctx, http.MethodPost, "/api/sessions/stop", nil, map[string]string{"sessionId": id}, nil)
	return err
}

// Cleanup 结束过期会话并返回服务端的汇总信息
func (c *Client) Cleanup(ctx context.Context) (string, error) {
	return c.Do(ctx, http.MethodPost, "/api/sessions/cleanup", nil, nil, nil)
}
