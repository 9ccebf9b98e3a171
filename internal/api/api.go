// Package api is the HTTP control surface of opsd.
//
//	POST   /api/operations/:kind  start an operation, 202 or 409 when busy
//	GET    /api/operations        active and recently finished operations
//	GET    /api/operations/:id    status of one operation
//	DELETE /api/operations/:id    request cancellation
//	GET    /ws                    notification stream
//	GET    /metrics               prometheus metrics
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lancachemanager/opsd/internal/notify"
	"github.com/lancachemanager/opsd/internal/ops"
	"github.com/lancachemanager/opsd/internal/reset"
	"github.com/lancachemanager/opsd/internal/service"
)

const (
	defaultRecent = 20
	maxRecent     = 500
)

// Operations is the part of service.Service the API drives.
type Operations interface {
	Start(ctx context.Context, req service.Request) (ops.ID, bool, error)
	Cancel(ctx context.Context, id ops.ID) bool
	Status(ctx context.Context, id ops.ID) (ops.Snapshot, bool)
	Active() []ops.Snapshot
	Recent(ctx context.Context, limit int) ([]ops.Snapshot, error)
}

type handlers struct {
	ops Operations
	bus *notify.Bus
}

// NewRouter returns the gin engine serving all routes. A nil metrics
// handler leaves /metrics out.
func NewRouter(operations Operations, bus *notify.Bus, metrics http.Handler) *gin.Engine {
	h := &handlers{ops: operations, bus: bus}
	r := gin.New()
	r.Use(gin.Recovery(), logRequests)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := r.Group("/api/operations")
	api.GET("", h.list)
	api.POST("/:kind", h.start)
	api.GET("/:id", h.status)
	api.DELETE("/:id", h.cancel)
	r.GET("/ws", h.stream)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}

type startResponse struct {
	ID   ops.ID `json:"id,omitempty"`
	Busy bool   `json:"busy"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) start(c *gin.Context) {
	ctx := c.Request.Context()
	typ, err := ops.ParseType(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	var req service.Request
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}
	req.Type = typ

	id, ok, err := h.ops.Start(ctx, req)
	switch {
	case err != nil:
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			slog.ErrorContext(ctx, "starting operation", "type", typ, "error", err)
		}
		c.JSON(status, errorResponse{Error: err.Error()})
	case !ok:
		c.JSON(http.StatusConflict, startResponse{Busy: true})
	default:
		c.JSON(http.StatusAccepted, startResponse{ID: id})
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, reset.ErrNoValidTables),
		errors.Is(err, ops.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) cancel(c *gin.Context) {
	id := ops.ID(c.Param("id"))
	if h.ops.Cancel(c.Request.Context(), id) {
		c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": false})
}

func (h *handlers) status(c *gin.Context) {
	snap, ok := h.ops.Status(c.Request.Context(), ops.ID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "operation not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type listResponse struct {
	Active []ops.Snapshot `json:"active"`
	Recent []ops.Snapshot `json:"recent"`
}

func (h *handlers) list(c *gin.Context) {
	ctx := c.Request.Context()
	limit := defaultRecent
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > maxRecent {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be between 0 and " + strconv.Itoa(maxRecent)})
			return
		}
		limit = n
	}
	recent, err := h.ops.Recent(ctx, limit)
	if err != nil {
		slog.ErrorContext(ctx, "loading recent operations", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, listResponse{Active: h.ops.Active(), Recent: recent})
}

func logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	slog.DebugContext(c.Request.Context(), "http request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"took", time.Since(start).String())
}
