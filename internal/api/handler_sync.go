package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/srvo/dewey/internal/service/scheduler"
)

type CycleRunner interface {
	RunCycle(ctx context.Context) *scheduler.CycleReport
	Running() bool
	LastRun() time.Time
}

type SyncHandler struct {
	cycles CycleRunner
}

func NewSyncHandler(cycles CycleRunner) *SyncHandler {
	return &SyncHandler{cycles: cycles}
}

// Status handles GET /sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	resp := gin.H{"running": h.cycles.Running()}
	if last := h.cycles.LastRun(); !last.IsZero() {
		resp["last_run"] = last
	}
	c.JSON(http.StatusOK, resp)
}

// SyncNow handles POST /sync. It waits for any cycle already in flight and
// then runs one immediately.
func (h *SyncHandler) SyncNow(c *gin.Context) {
	c.JSON(http.StatusOK, h.cycles.RunCycle(c.Request.Context()))
}
