// Package ops exposes the pipeline's operational surface: health, metrics,
// runtime stats, dead-letter inspection, and the snapshot ingestion endpoint
// odds connectors call. The product REST API lives elsewhere.
package ops

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oddspulse/alertd/internal/detector"
	"github.com/oddspulse/alertd/internal/dispatch"
	"github.com/oddspulse/alertd/internal/model"
	"github.com/oddspulse/alertd/internal/queue"
	"github.com/oddspulse/alertd/internal/router"
	apperrors "github.com/oddspulse/alertd/pkg/errors"
)

type Handler struct {
	detector   *detector.Detector
	queue      *queue.Queue
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	registry   *prometheus.Registry
}

func NewHandler(det *detector.Detector, q *queue.Queue, r *router.Router, d *dispatch.Dispatcher, reg *prometheus.Registry) *Handler {
	return &Handler{
		detector:   det,
		queue:      q,
		router:     r,
		dispatcher: d,
		registry:   reg,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
	r.GET("/stats", h.Stats)
	r.GET("/queue", h.QueuedEvents)
	r.GET("/deadletters", h.DeadLetters)
	r.GET("/movements/:fightId", h.RecentMovements)
	r.POST("/snapshots", h.IngestSnapshot)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) Stats(c *gin.Context) {
	queueStats, err := h.queue.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queue":    queueStats,
		"router":   h.router.Stats(),
		"delivery": h.dispatcher.GetDeliveryStats(),
	})
}

func (h *Handler) QueuedEvents(c *gin.Context) {
	count, err := strconv.ParseInt(c.DefaultQuery("count", "20"), 10, 64)
	if err != nil || count <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a positive integer"})
		return
	}
	events, err := h.queue.Peek(c.Request.Context(), count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) DeadLetters(c *gin.Context) {
	count, err := strconv.ParseInt(c.DefaultQuery("count", "20"), 10, 64)
	if err != nil || count <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a positive integer"})
		return
	}
	letters, err := h.queue.DeadLetters(c.Request.Context(), count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}

func (h *Handler) RecentMovements(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
		return
	}
	movements := h.detector.GetRecentMovements(c.Param("fightId"), time.Duration(hours)*time.Hour)
	c.JSON(http.StatusOK, gin.H{"movements": movements})
}

func (h *Handler) IngestSnapshot(c *gin.Context) {
	var snap model.OddsSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	if err := h.detector.AddSnapshot(c.Request.Context(), &snap); err != nil {
		if verrs, ok := err.(apperrors.ValidationErrors); ok {
			c.JSON(http.StatusBadRequest, gin.H{"validation_errors": verrs})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
