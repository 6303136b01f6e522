package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/zigbridge/pkg/gateway"
	"github.com/urmzd/zigbridge/pkg/zones"
)

// ZonesHandler serves the presence zone endpoints.
type ZonesHandler struct {
	gw *gateway.Gateway
}

// NewZonesHandler creates the handler.
func NewZonesHandler(gw *gateway.Gateway) *ZonesHandler {
	return &ZonesHandler{gw: gw}
}

// List handles GET /api/v1/zones.
func (h *ZonesHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "zones": h.gw.Zones().List()})
}

// Create handles POST /api/v1/zones.
func (h *ZonesHandler) Create(c *gin.Context) {
	var cfg zones.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	zone, err := h.gw.Zones().CreateZone(cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	// Member routers get the aggressive reporting set so link samples keep
	// flowing.
	for _, ieee := range zone.DeviceIEEEs() {
		h.gw.ConfigureZoneReporting(c.Request.Context(), ieee)
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "zone": zone.Snapshot()})
}

// Delete handles DELETE /api/v1/zones/:name.
func (h *ZonesHandler) Delete(c *gin.Context) {
	if !h.gw.Zones().RemoveZone(c.Param("name")) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "zone not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Recalibrate handles POST /api/v1/zones/:name/recalibrate.
func (h *ZonesHandler) Recalibrate(c *gin.Context) {
	zone, ok := h.gw.Zones().Zone(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "zone not found"})
		return
	}
	zone.Recalibrate()
	c.JSON(http.StatusOK, gin.H{"success": true})
}
