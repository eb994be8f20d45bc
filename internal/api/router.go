package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type RouterConfig struct {
	APIToken string
	Logger   *slog.Logger
}

func NewRouter(deps Deps, cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	sessionHandler := NewSessionHandler(deps.Sessions)
	machineHandler := NewMachineHandler(deps.Machines, deps.Sessions)
	monitoringHandler := NewMonitoringHandler(deps.Monitoring, deps.Jobs)
	eventHandler := NewEventHandler(deps.Sessions, deps.Events)

	// 无需鉴权
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})
	r.GET("/metrics", monitoringHandler.Prometheus)

	api := r.Group("/api", AuthMiddleware(cfg.APIToken))
	{
		sessions := api.Group("/sessions")
		{
			sessions.GET("", sessionHandler.ListSessions)
			sessions.POST("/start", sessionHandler.StartSession)
			sessions.POST("/stop", sessionHandler.StopSession)
			sessions.POST("/cleanup", sessionHandler.Cleanup)
			sessions.GET("/:id/status", sessionHandler.GetStatus)
			sessions.GET("/:id/metrics", sessionHandler.GetMetrics)
			sessions.POST("/:id/enforce-limits", sessionHandler.EnforceLimits)
			sessions.GET("/:id/events", eventHandler.StreamEvents)
		}

		machines := api.Group("/machines")
		{
			machines.GET("", machineHandler.ListMachines)
			machines.GET("/:id/status", machineHandler.GetMachineStatus)
		}

		monitoring := api.Group("/monitoring")
		{
			monitoring.GET("/health", monitoringHandler.Health)
			monitoring.GET("/metrics", monitoringHandler.Metrics)
			monitoring.GET("/events", monitoringHandler.Events)
			monitoring.GET("/alerts", monitoringHandler.Alerts)
			monitoring.POST("/alerts/:id/resolve", monitoringHandler.ResolveAlert)
			monitoring.GET("/dashboard", monitoringHandler.Dashboard)
			monitoring.GET("/jobs", monitoringHandler.Jobs)
			monitoring.POST("/jobs/:name/run", monitoringHandler.RunJob)
		}
	}

	return r
}
