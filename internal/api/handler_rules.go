package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/pkg/logger"
)

type RuleReader interface {
	ListRules(ctx context.Context) ([]*model.Rule, error)
	ListMatchEvents(ctx context.Context, since time.Time, limit int) ([]*model.RuleMatchEvent, error)
}

type RuleHandler struct {
	rules  RuleReader
	logger *zap.Logger
}

func NewRuleHandler(rules RuleReader, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logger}
}

// ListRules handles GET /rules, in evaluation order.
func (h *RuleHandler) ListRules(c *gin.Context) {
	rules, err := h.rules.ListRules(c.Request.Context())
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list rules", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rules"})
		return
	}
	if rules == nil {
		rules = []*model.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// ListMatches handles GET /rule-matches?since=<RFC3339>&limit=. Consumers
// poll with the matched_at of the last event they saw.
func (h *RuleHandler) ListMatches(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	events, err := h.rules.ListMatchEvents(c.Request.Context(), since, limit)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list rule matches", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rule matches"})
		return
	}
	if events == nil {
		events = []*model.RuleMatchEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": events, "count": len(events)})
}
