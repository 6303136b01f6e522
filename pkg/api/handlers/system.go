package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/zigbridge/pkg/gateway"
)

// SystemHandler serves health, stats and event endpoints.
type SystemHandler struct {
	gw *gateway.Gateway
}

// NewSystemHandler creates the handler.
func NewSystemHandler(gw *gateway.Gateway) *SystemHandler {
	return &SystemHandler{gw: gw}
}

// Health handles GET /health.
func (h *SystemHandler) Health(c *gin.Context) {
	sup := h.gw.Supervisor()
	coordinator := "unknown"
	healthy := false
	if sup != nil {
		coordinator = string(sup.State())
		healthy = sup.IsConnected()
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success":     healthy,
		"coordinator": coordinator,
		"timestamp":   time.Now(),
	})
}

// Stats handles GET /api/v1/stats.
func (h *SystemHandler) Stats(c *gin.Context) {
	var supervisor any
	if sup := h.gw.Supervisor(); sup != nil {
		supervisor = sup.GetStats()
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"supervisor": supervisor,
		"queue":      h.gw.QueueStats(),
		"packets":    h.gw.Packets().All(),
	})
}

// Events handles GET /api/v1/events as a server-sent event stream.
func (h *SystemHandler) Events(c *gin.Context) {
	ch := h.gw.Events().Subscribe()
	defer h.gw.Events().Unsubscribe(ch)

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Type, evt.Data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// PermitJoin handles POST /api/v1/permit_join.
func (h *SystemHandler) PermitJoin(c *gin.Context) {
	var req struct {
		Duration uint8 `json:"duration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.Duration == 0 {
		req.Duration = 254
	}
	if err := h.gw.PermitJoin(c.Request.Context(), req.Duration); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "duration": req.Duration})
}

// JoinHistory handles GET /api/v1/join_history.
func (h *SystemHandler) JoinHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	history, err := h.gw.Store().JoinHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "history": history})
}

// SecurityEvents handles GET /api/v1/security_events.
func (h *SystemHandler) SecurityEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.gw.Store().SecurityEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
}
