package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"previewd/internal/api"
	"previewd/internal/config"
	"previewd/internal/machine"
	"previewd/internal/monitor"
	"previewd/internal/scheduler"
	"previewd/internal/session"
	"previewd/internal/session/repo"
)

type Server struct {
	cfg        *config.Config
	deps       *Dependency
	httpServer *http.Server
	manager    *session.Manager
	monitor    *monitor.Service
	jobs       *scheduler.Scheduler
	dist       *scheduler.Distributed
	tracing    func(context.Context) error
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger

	shutdownTracing, err := initTracing(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	var webhook *monitor.Webhook
	if cfg.Monitoring.WebhookURL != "" {
		webhook = monitor.NewWebhook(cfg.Monitoring.WebhookURL, cfg.Monitoring.WebhookTimeout, logger)
	}
	mon := monitor.NewService(monitor.Options{
		MetricRetention: cfg.Monitoring.MetricRetention,
		EventRetention:  cfg.Monitoring.EventRetention,
		AlertRetention:  cfg.Monitoring.AlertRetention,
		Audit:           deps.Audit,
		Webhook:         webhook,
	}, logger)

	prov := machine.NewProvisioner(deps.MachineAPI, machine.ProvisionerConfig{
		App:              cfg.Provider.App,
		Image:            cfg.Provider.Image,
		PreferredRegions: cfg.Provider.PreferredRegions,
		FallbackRegion:   cfg.Provider.FallbackRegion,
		ReadyTimeout:     cfg.Provider.ReadyTimeout,
		PollInterval:     cfg.Provider.PollInterval,
		StopGrace:        cfg.Provider.StopGrace,
		URLTemplate:      cfg.Provider.URLTemplate,
	}, logger)

	sessions := repo.NewRepository(deps.PG, deps.Redis, logger)

	mgr := session.NewManager(sessions, prov, deps.Notifier, mon, session.Config{
		OrphanMaxAge:       cfg.Session.OrphanMaxAge,
		CreatingTimeout:    cfg.Session.CreatingTimeout,
		MonitorConcurrency: cfg.Session.MonitorConcurrency,
		FleetCPUs:          cfg.Session.FleetCPUs,
		FleetMemoryMB:      cfg.Session.FleetMemoryMB,
	}, logger)

	jobs := scheduler.New(scheduler.DefaultJobs(mgr, mon, scheduler.Intervals{
		ContainerCleanup: cfg.Scheduler.ContainerCleanup,
		SystemMonitoring: cfg.Scheduler.SystemMonitoring,
		OrphanCleanup:    cfg.Scheduler.OrphanCleanup,
		SessionTimeout:   cfg.Scheduler.SessionTimeout,
		MetricsSnapshot:  cfg.Scheduler.MetricsSnapshot,
	}), mon, logger)

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		manager: mgr,
		monitor: mon,
		jobs:    jobs,
		tracing: shutdownTracing,
		logger:  logger,
	}
	if cfg.Scheduler.Mode == "asynq" {
		s.dist = scheduler.NewDistributed(jobs, deps.AsynqRedis, cfg.Scheduler.Concurrency, logger)
	}

	router := api.NewRouter(api.Deps{
		Sessions:   mgr,
		Machines:   prov,
		Monitoring: mon,
		Jobs:       jobs,
		Events:     deps.Bus,
	}, api.RouterConfig{
		APIToken: cfg.Auth.APIToken,
		Logger:   logger,
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 3)

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.monitor, s.logger); err != nil {
			errCh <- err
		}
	}()

	switch s.cfg.Scheduler.Mode {
	case "asynq":
		if err := s.dist.Start(); err != nil {
			return err
		}
	case "local":
		if err := s.jobs.Start(ctx); err != nil {
			return err
		}
	default:
		s.logger.Warn("Background jobs disabled", "mode", s.cfg.Scheduler.Mode)
	}

	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		s.logger.Error("Server component failed", "error", err)
		s.Shutdown()
		return err
	}

	s.Shutdown()
	return nil
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}

	// 先停调度，避免清理期间还有任务在跑
	if s.dist != nil {
		s.dist.Shutdown()
	}
	s.jobs.Stop()
	s.manager.Wait()

	if s.cfg.Server.CleanupOnShutdown {
		session.CleanupAllActive(ctx, s.manager, s.logger)
	}

	if err := s.monitor.Flush(ctx); err != nil {
		s.logger.Error("Monitoring flush incomplete", "error", err)
	}
	if err := s.tracing(ctx); err != nil {
		s.logger.Error("Tracer shutdown error", "error", err)
	}
	s.logger.Info("Server exited")
}
