package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/pkg/logger"
)

const maxLimit = 1000

type MessageReader interface {
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	UnprocessedMessages(ctx context.Context, limit int, exclude ...string) ([]*model.Message, error)
}

type Reevaluator interface {
	Reevaluate(ctx context.Context, messageID string) (*model.RuleMatchEvent, error)
}

type MessageHandler struct {
	messages MessageReader
	triage   Reevaluator
	logger   *zap.Logger
}

func NewMessageHandler(messages MessageReader, triage Reevaluator, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, triage: triage, logger: logger}
}

// ListUnprocessed handles GET /messages/unprocessed?limit=
func (h *MessageHandler) ListUnprocessed(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	msgs, err := h.messages.UnprocessedMessages(c.Request.Context(), limit)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list unprocessed messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// GetMessage handles GET /messages/:id
func (h *MessageHandler) GetMessage(c *gin.Context) {
	id := c.Param("id")
	msg, err := h.messages.GetMessage(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to load message",
			zap.String("message_id", id),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Triage handles POST /messages/:id/triage. The response carries the match
// event, or null when no rule matched. Parked messages are retried too.
func (h *MessageHandler) Triage(c *gin.Context) {
	id := c.Param("id")
	ev, err := h.triage.Reevaluate(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Triage failed",
			zap.String("message_id", id),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "triage failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": id, "matched": ev != nil, "match": ev})
}

// queryLimit reads ?limit=, writing a 400 and returning false when it is
// not a positive integer.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return repository.DefaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
