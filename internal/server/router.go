// Package server exposes the agent to the local UI: cached collections, queued writes,
// synchronization and live status.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/cache"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/executor"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/status"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/synchronizer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingExecutor     = errors.New("mutation executor dependency required")
	errMissingCache        = errors.New("cache dependency required")
	errMissingQueue        = errors.New("queue dependency required")
	errMissingSynchronizer = errors.New("synchronizer dependency required")
	errMissingStatus       = errors.New("status dependency required")
	errMissingEntities     = errors.New("at least one entity is required")
)

// MutationExecutor applies a mutation optimistically and queues it.
type MutationExecutor interface {
	Execute(ctx context.Context, mutation executor.Mutation) (*executor.Task, error)
}

// CacheReader serves the locally cached collections.
type CacheReader interface {
	Get(entity string) []cache.Record
}

// QueueManager lists and resets the pending-operation queue.
type QueueManager interface {
	List(ctx context.Context) ([]queue.PendingOperation, error)
	Clear(ctx context.Context) error
}

// SyncRunner runs one synchronization pass on demand.
type SyncRunner interface {
	Sync(ctx context.Context) (synchronizer.Result, error)
}

// StatusSource reports the current agent status.
type StatusSource interface {
	Current() status.Status
}

// Dependencies lists the components the HTTP surface is built from. Stream is optional.
type Dependencies struct {
	Executor     MutationExecutor
	Cache        CacheReader
	Queue        QueueManager
	Synchronizer SyncRunner
	Status       StatusSource
	Stream       *status.Dispatcher
	Entities     []string
	// AllowOrigins defaults to every origin; the agent listens on loopback.
	AllowOrigins []string
	Logger       *zap.Logger
}

// NewHTTPHandler validates the dependencies and builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Executor == nil {
		return nil, errMissingExecutor
	}
	if deps.Cache == nil {
		return nil, errMissingCache
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Synchronizer == nil {
		return nil, errMissingSynchronizer
	}
	if deps.Status == nil {
		return nil, errMissingStatus
	}
	if len(deps.Entities) == 0 {
		return nil, errMissingEntities
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowOrigins))

	entities := make(map[string]struct{}, len(deps.Entities))
	for _, entity := range deps.Entities {
		entities[entity] = struct{}{}
	}

	handler := &httpHandler{
		executor:     deps.Executor,
		cache:        deps.Cache,
		queue:        deps.Queue,
		synchronizer: deps.Synchronizer,
		status:       deps.Status,
		stream:       deps.Stream,
		entities:     entities,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/status", handler.handleStatus)
	if deps.Stream != nil {
		router.GET("/status/stream", handler.handleStatusStream)
		router.GET("/status/ws", handler.handleStatusSocket)
	}

	router.GET("/queue", handler.handleListQueue)
	router.DELETE("/queue", handler.handleClearQueue)
	router.POST("/sync", handler.handleSync)

	collection := router.Group("/entities/:entity")
	collection.Use(handler.requireKnownEntity)
	collection.GET("", handler.handleListEntity)
	collection.POST("", handler.handleCreate)
	collection.PUT("", handler.handleUpdate)
	collection.DELETE("", handler.handleDelete)

	return router, nil
}

func corsMiddleware(allowOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	executor     MutationExecutor
	cache        CacheReader
	queue        QueueManager
	synchronizer SyncRunner
	status       StatusSource
	stream       *status.Dispatcher
	entities     map[string]struct{}
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Current())
}

type queueResponsePayload struct {
	Operations []queue.PendingOperation `json:"operations"`
	Count      int                      `json:"count"`
}

func (h *httpHandler) handleListQueue(c *gin.Context) {
	operations, err := h.queue.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list queue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_unavailable"})
		return
	}
	if operations == nil {
		operations = []queue.PendingOperation{}
	}
	c.JSON(http.StatusOK, queueResponsePayload{Operations: operations, Count: len(operations)})
}

func (h *httpHandler) handleClearQueue(c *gin.Context) {
	if err := h.queue.Clear(c.Request.Context()); err != nil {
		h.logger.Error("failed to clear queue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_unavailable"})
		return
	}
	h.logger.Warn("pending queue cleared by operator")
	c.Status(http.StatusNoContent)
}

type syncResponsePayload struct {
	SyncedCount int  `json:"syncedCount"`
	FailedCount int  `json:"failedCount"`
	Skipped     bool `json:"skipped"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result, err := h.synchronizer.Sync(c.Request.Context())
	if err != nil {
		h.logger.Error("manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	code := http.StatusOK
	if result.Skipped {
		code = http.StatusAccepted
	}
	c.JSON(code, syncResponsePayload{
		SyncedCount: result.SyncedCount,
		FailedCount: result.FailedCount,
		Skipped:     result.Skipped,
	})
}
