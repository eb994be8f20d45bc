package api

import (
	"net/http"
	"strconv"

	"previewd/internal/monitor"

	"github.com/gin-gonic/gin"
)

type MonitoringHandler struct {
	monitoring Monitoring
	jobs       Jobs
}

func NewMonitoringHandler(monitoring Monitoring, jobs Jobs) *MonitoringHandler {
	return &MonitoringHandler{monitoring: monitoring, jobs: jobs}
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}

// Health GET /api/monitoring/health
func (h *MonitoringHandler) Health(c *gin.Context) {
	respondOK(c, http.StatusOK, h.monitoring.HealthSummary(), "")
}

// Metrics GET /api/monitoring/metrics?name=&limit=
func (h *MonitoringHandler) Metrics(c *gin.Context) {
	respondOK(c, http.StatusOK, h.monitoring.Metrics(c.Query("name"), queryLimit(c, 100)), "")
}

// Events GET /api/monitoring/events?severity=&limit=
func (h *MonitoringHandler) Events(c *gin.Context) {
	sev := monitor.Severity(c.Query("severity"))
	respondOK(c, http.StatusOK, h.monitoring.Events(queryLimit(c, 100), sev), "")
}

// Alerts GET /api/monitoring/alerts?active=true
func (h *MonitoringHandler) Alerts(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	respondOK(c, http.StatusOK, h.monitoring.Alerts(activeOnly), "")
}

// ResolveAlert POST /api/monitoring/alerts/:id/resolve
func (h *MonitoringHandler) ResolveAlert(c *gin.Context) {
	var req ResolveAlertRequest
	// body 可省略
	_ = c.ShouldBindJSON(&req)
	if req.Resolution == "" {
		req.Resolution = "resolved by " + userID(c)
	}

	a, err := h.monitoring.ResolveAlert(c.Param("id"), req.Resolution)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, a, "alert resolved")
}

// Dashboard GET /api/monitoring/dashboard
func (h *MonitoringHandler) Dashboard(c *gin.Context) {
	respondOK(c, http.StatusOK, h.monitoring.Dashboard(), "")
}

// Jobs GET /api/monitoring/jobs
func (h *MonitoringHandler) Jobs(c *gin.Context) {
	respondOK(c, http.StatusOK, h.jobs.Jobs(), "")
}

// RunJob POST /api/monitoring/jobs/:name/run
func (h *MonitoringHandler) RunJob(c *gin.Context) {
	name := c.Param("name")
	if err := h.jobs.RunJobNow(c.Request.Context(), name); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"job": name}, "job completed")
}

// Prometheus GET /metrics
func (h *MonitoringHandler) Prometheus(c *gin.Context) {
	text, err := h.monitoring.ExportPrometheus()
	if err != nil {
		_ = c.Error(err)
		c.String(http.StatusInternalServerError, "failed to export metrics")
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(text))
}
