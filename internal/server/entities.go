package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/cache"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/executor"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/remote"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const entityParam = "entity"

var errMissingRowKey = errors.New("rowIndex is required")

type mutationResponsePayload struct {
	OperationID  string `json:"operationId"`
	Entity       string `json:"entity"`
	Type         string `json:"type"`
	TemporaryKey string `json:"temporaryKey,omitempty"`
}

type entityResponsePayload struct {
	Entity  string         `json:"entity"`
	Records []cache.Record `json:"records"`
}

func (h *httpHandler) requireKnownEntity(c *gin.Context) {
	if _, ok := h.entities[c.Param(entityParam)]; !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown_entity"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleListEntity(c *gin.Context) {
	entity := c.Param(entityParam)
	records := h.cache.Get(entity)
	if records == nil {
		records = []cache.Record{}
	}
	c.JSON(http.StatusOK, entityResponsePayload{Entity: entity, Records: records})
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	fields, ok := h.bindFields(c)
	if !ok {
		return
	}
	delete(fields, remote.RowKeyField)
	h.execute(c, executor.Mutation{Type: queue.OperationCreate, Entity: c.Param(entityParam), Payload: fields})
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	fields, ok := h.bindFields(c)
	if !ok {
		return
	}
	rowKey, err := keyString(fields[remote.RowKeyField])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_row_index"})
		return
	}
	delete(fields, remote.RowKeyField)
	h.execute(c, executor.Mutation{Type: queue.OperationUpdate, Entity: c.Param(entityParam), Payload: fields, TargetKey: rowKey})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	rowKey := strings.TrimSpace(c.Query(remote.RowKeyField))
	if rowKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_row_index"})
		return
	}
	h.execute(c, executor.Mutation{Type: queue.OperationDelete, Entity: c.Param(entityParam), TargetKey: rowKey})
}

func (h *httpHandler) bindFields(c *gin.Context) (map[string]any, bool) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil || fields == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	return fields, true
}

func (h *httpHandler) execute(c *gin.Context, mutation executor.Mutation) {
	task, err := h.executor.Execute(c.Request.Context(), mutation)
	if err != nil {
		if errors.Is(err, executor.ErrInvalidMutation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mutation"})
			return
		}
		h.logger.Error("failed to execute mutation",
			zap.String("entity", mutation.Entity),
			zap.String("type", string(mutation.Type)),
			zap.Error(err))
		code := "mutation_failed"
		var storeErr *queue.StoreError
		if errors.As(err, &storeErr) {
			code = storeErr.Code()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mutation_failed", "code": code})
		return
	}

	op := task.Operation()
	c.JSON(http.StatusAccepted, mutationResponsePayload{
		OperationID:  op.ID,
		Entity:       op.Entity,
		Type:         string(op.Type),
		TemporaryKey: task.TemporaryKey(),
	})
}

// keyString accepts row keys sent as JSON numbers or strings.
func keyString(value any) (string, error) {
	switch typed := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(typed); trimmed != "" {
			return trimmed, nil
		}
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	}
	return "", errMissingRowKey
}
