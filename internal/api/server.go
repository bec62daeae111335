// Package api exposes a read-only HTTP view of the metric cache and the
// current run's event timeline.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/upstra/upstra/internal/eventlog"
	"github.com/upstra/upstra/internal/metrics"
)

// MetricSource is the slice of the metric cache the API reads.
type MetricSource interface {
	List() ([]metrics.CachedMetric, error)
	Get(elementType, moid string) (*metrics.CachedMetric, error)
}

// EventSource is the slice of the event log the API reads.
type EventSource interface {
	PeekRun() (string, error)
	ReadForward(runID string) ([]eventlog.Event, error)
	LatestStatus() (*eventlog.StatusMarker, error)
}

// Handler handles the status API requests.
type Handler struct {
	metrics MetricSource
	events  EventSource
}

// NewHandler creates a new API handler
func NewHandler(metricSource MetricSource, eventSource EventSource) *Handler {
	return &Handler{metrics: metricSource, events: eventSource}
}

// NewRouter builds the gin router with all routes registered.
func NewRouter(metricSource MetricSource, eventSource EventSource) *gin.Engine {
	handler := NewHandler(metricSource, eventSource)

	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handler.GetHealth)
		v1.GET("/metrics", handler.ListMetrics)
		v1.GET("/metrics/:type/:moid", handler.GetMetric)
		v1.GET("/events", handler.ListEvents)
		v1.GET("/status", handler.GetStatus)
	}

	return router
}

// GetHealth handles GET /api/v1/health
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// ListMetrics handles GET /api/v1/metrics
func (h *Handler) ListMetrics(c *gin.Context) {
	cached, err := h.metrics.List()
	if err != nil {
		log.WithError(err).Error("Failed to list metric cache")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": cached, "count": len(cached)})
}

// GetMetric handles GET /api/v1/metrics/:type/:moid
func (h *Handler) GetMetric(c *gin.Context) {
	elementType := c.Param("type")
	if elementType != metrics.ElementVM && elementType != metrics.ElementHost {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be vm or host"})
		return
	}

	cached, err := h.metrics.Get(elementType, c.Param("moid"))
	if errors.Is(err, metrics.ErrNotCached) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cached)
}

// ListEvents handles GET /api/v1/events: the current run's forward timeline
// with credentials redacted.
func (h *Handler) ListEvents(c *gin.Context) {
	runID, err := h.events.PeekRun()
	if errors.Is(err, eventlog.ErrNoRun) {
		c.JSON(http.StatusOK, gin.H{"run_id": nil, "events": []gin.H{}})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	timeline, err := h.events.ReadForward(runID)
	if err != nil {
		log.WithError(err).Error("Failed to read run events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(timeline))
	for _, event := range timeline {
		out = append(out, gin.H{
			"action": event.Action(),
			"data":   redact(event),
		})
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "events": out})
}

// GetStatus handles GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	marker, err := h.events.LatestStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	runActive := true
	if _, err := h.events.PeekRun(); errors.Is(err, eventlog.ErrNoRun) {
		runActive = false
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	response := gin.H{"run_active": runActive}
	if marker != nil {
		response["status"] = marker.Status
		response["at"] = marker.At
	}
	c.JSON(http.StatusOK, response)
}

// redact strips credential fields before an event leaves the process.
func redact(event eventlog.Event) eventlog.Event {
	if stopped, ok := event.(*eventlog.ServerStopped); ok {
		clean := *stopped
		clean.IloPassword = ""
		return &clean
	}
	return event
}
