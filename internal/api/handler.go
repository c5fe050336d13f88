// Package api exposes on-demand sync and the run log over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"catalog_syncer/internal/domain"
	"catalog_syncer/internal/scheduler"
)

const (
	defaultStoreRunsLimit  = 20
	defaultRecentRunsLimit = 10
	maxRunsLimit           = 100
)

type SyncTrigger interface {
	Trigger(ctx context.Context, storeID uuid.UUID) (*domain.SyncRun, error)
}

type RunLister interface {
	ListByStore(ctx context.Context, storeID uuid.UUID, limit int) ([]domain.SyncRun, error)
	ListRecent(ctx context.Context, limit int) ([]domain.SyncRun, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type RequestRecorder interface {
	RecordRequest(method, endpoint string, statusCode int, duration time.Duration)
	Handler() http.Handler
}

type Handler struct {
	trigger SyncTrigger
	runs    RunLister
	db      Pinger
	metrics RequestRecorder
	logger  *slog.Logger
}

// NewHandler builds the API handler. db and metrics may be nil.
func NewHandler(trigger SyncTrigger, runs RunLister, db Pinger, metrics RequestRecorder, logger *slog.Logger) *Handler {
	return &Handler{
		trigger: trigger,
		runs:    runs,
		db:      db,
		metrics: metrics,
		logger:  logger,
	}
}

func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if h.metrics != nil {
		r.Use(h.recordMetrics)
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	r.GET("/healthz", h.health)

	v1 := r.Group("/api/v1")
	v1.POST("/stores/:storeID/sync", h.triggerSync)
	v1.GET("/stores/:storeID/sync-runs", h.listStoreRuns)
	v1.GET("/sync-runs", h.listRecentRuns)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

type triggerResponse struct {
	Message string          `json:"message"`
	Run     *domain.SyncRun `json:"run"`
}

type runsResponse struct {
	Runs []domain.SyncRun `json:"runs"`
}

func (h *Handler) triggerSync(c *gin.Context) {
	storeID, ok := parseStoreID(c)
	if !ok {
		return
	}

	run, err := h.trigger.Trigger(c.Request.Context(), storeID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrStoreNotFound):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrStoreNotActive):
			status = http.StatusBadRequest
		case errors.Is(err, domain.ErrRunInProgress):
			status = http.StatusConflict
		case errors.Is(err, scheduler.ErrStopped):
			status = http.StatusServiceUnavailable
		default:
			h.logger.Error("failed to trigger sync", "store_id", storeID, "error", err)
		}
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, triggerResponse{Message: "Sync started", Run: run})
}

func (h *Handler) listStoreRuns(c *gin.Context) {
	storeID, ok := parseStoreID(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, defaultStoreRunsLimit)
	if !ok {
		return
	}

	runs, err := h.runs.ListByStore(c.Request.Context(), storeID, limit)
	if err != nil {
		h.logger.Error("failed to list sync runs", "store_id", storeID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list sync runs"})
		return
	}
	c.JSON(http.StatusOK, newRunsResponse(runs))
}

func (h *Handler) listRecentRuns(c *gin.Context) {
	limit, ok := parseLimit(c, defaultRecentRunsLimit)
	if !ok {
		return
	}

	runs, err := h.runs.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list recent sync runs", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list sync runs"})
		return
	}
	c.JSON(http.StatusOK, newRunsResponse(runs))
}

func newRunsResponse(runs []domain.SyncRun) runsResponse {
	if runs == nil {
		runs = []domain.SyncRun{}
	}
	return runsResponse{Runs: runs}
}

func (h *Handler) health(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) recordMetrics(c *gin.Context) {
	start := time.Now()
	c.Next()

	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = "unmatched"
	}
	h.metrics.RecordRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
}

func parseStoreID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("storeID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid store id"})
		return uuid.Nil, false
	}
	return id, true
}

// parseLimit reads ?limit, clamping it to maxRunsLimit.
func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		return 0, false
	}
	return min(limit, maxRunsLimit), true
}
