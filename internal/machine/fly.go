package machine

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

var _ API = (*FlyClient)(nil)

const DefaultFlyBaseURL = "https://api.machines.dev/v1"

type FlyConfig struct {
	BaseURL  string
	Token    string
	App      string
	Timeout  time.Duration
	RetryMax int
}

// FlyClient 调用 Fly Machines REST API
type FlyClient struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
	app     string
	logger  *slog.Logger
}

type noRetryKey struct{}

func NewFlyClient(cfg FlyConfig, logger *slog.Logger) *FlyClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFlyBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}

	l := logger.With("component", "fly-client", "app", cfg.App)

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = l
	rc.CheckRetry = checkRetry
	// 重试耗尽时仍返回最后一次响应，由 do 统一转换为 APIError
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &FlyClient{
		http:    rc,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		app:     cfg.App,
		logger:  l,
	}
}

// checkRetry keeps the default policy except for requests marked non-idempotent,
// which are only retried on 429.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ctx.Value(noRetryKey{}) != nil {
		return resp != nil && resp.StatusCode == http.StatusTooManyRequests, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *FlyClient) machinesPath(parts ...string) string {
	p := "/apps/" + url.PathEscape(c.app) + "/machines"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *FlyClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		raw = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *FlyClient) CreateMachine(ctx context.Context, req CreateRequest) (*Machine, error) {
	// 创建不是幂等操作，5xx 重试可能产生重复机器
	ctx = context.WithValue(ctx, noRetryKey{}, true)

	var m Machine
	if err := c.do(ctx, "create", http.MethodPost, c.machinesPath(), req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *FlyClient) GetMachine(ctx context.Context, id string) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, "get", http.MethodGet, c.machinesPath(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *FlyClient) ListMachines(ctx context.Context) ([]*Machine, error) {
	var ms []*Machine
	if err := c.do(ctx, "list", http.MethodGet, c.machinesPath(), nil, &ms); err != nil {
		return nil, err
	}
	return ms, nil
}

func (c *FlyClient) StartMachine(ctx context.Context, id string) error {
	return c.do(ctx, "start", http.MethodPost, c.machinesPath(id, "start"), nil, nil)
}

func (c *FlyClient) StopMachine(ctx context.Context, id string) error {
	return c.do(ctx, "stop", http.MethodPost, c.machinesPath(id, "stop"), nil, nil)
}

func (c *FlyClient) DestroyMachine(ctx context.Context, id string, force bool) error {
	path := c.machinesPath(id)
	if force {
		path += "?force=true"
	}
	return c.do(ctx, "destroy", http.MethodDelete, path, nil, nil)
}
