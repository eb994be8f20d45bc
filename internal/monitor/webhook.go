package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Webhook 把 critical 告警推送到外部 URL，发送失败不重试
type Webhook struct {
	url    string
	client *retryablehttp.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

type webhookPayload struct {
	Service string `json:"service"`
	Alert   Alert  `json:"alert"`
}

func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	l := logger.With("component", "alert-webhook")

	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = l

	return &Webhook{url: url, client: c, logger: l}
}

func (w *Webhook) Send(a Alert) {
	w.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := w.deliver(ctx, a); err != nil {
			w.logger.Error("Alert webhook failed", "alert_id", a.ID, "error", err)
		}
	})
}

func (w *Webhook) deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(webhookPayload{Service: "previewd", Alert: a})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait 等待进行中的推送完成或 ctx 结束
func (w *Webhook) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
