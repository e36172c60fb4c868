package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/api"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers groups the API handlers. Sync and Outbox are optional.
type Handlers struct {
	Messages *api.MessageHandler
	Rules    *api.RuleHandler
	Sync     *api.SyncHandler
	Outbox   *api.OutboxHandler
}

func NewRouter(h Handlers, store Pinger, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogger(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	messages := r.Group("/messages")
	{
		messages.GET("/unprocessed", h.Messages.ListUnprocessed)
		messages.GET("/:id", h.Messages.GetMessage)
		messages.POST("/:id/triage", h.Messages.Triage)
	}

	r.GET("/rules", h.Rules.ListRules)
	r.GET("/rule-matches", h.Rules.ListMatches)

	if h.Sync != nil {
		r.GET("/sync/status", h.Sync.Status)
		r.POST("/sync", h.Sync.SyncNow)
	}
	if h.Outbox != nil {
		outbox := r.Group("/outbox")
		{
			outbox.GET("/failed", h.Outbox.ListFailed)
			outbox.POST("/:id/replay", h.Outbox.Replay)
		}
	}

	return r
}
