package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler 在 /metrics 暴露进程指标，在 /metrics/service 暴露服务记录的指标，
// /healthz 在存在 critical 告警时返回失败
func MetricsHandler(svc *Service) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /metrics/service", func(w http.ResponseWriter, r *http.Request) {
		text, err := svc.ExportPrometheus()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(text))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		h := svc.HealthSummary()
		if h.Status == StatusCritical {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(h.Status))
	})
	return mux
}

// StartMetricsServer 启动 metrics 服务器，ctx 取消时关闭
func StartMetricsServer(ctx context.Context, addr string, svc *Service, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           MetricsHandler(svc),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	})
	defer stop()

	logger.Info("Starting metrics server", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
