package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/zigbridge/pkg/device"
	"github.com/urmzd/zigbridge/pkg/gateway"
)

// DevicesHandler serves the device endpoints.
type DevicesHandler struct {
	gw *gateway.Gateway
}

// NewDevicesHandler creates the handler.
func NewDevicesHandler(gw *gateway.Gateway) *DevicesHandler {
	return &DevicesHandler{gw: gw}
}

func (h *DevicesHandler) snapshot(d *device.Device) gin.H {
	var caps []string
	if c := d.Capabilities(); c != nil {
		caps = c.List()
	}
	return gin.H{
		"ieee":          d.IEEE(),
		"nwk":           d.NWK(),
		"friendly_name": h.gw.FriendlyName(d.IEEE()),
		"manufacturer":  d.Manufacturer(),
		"model":         d.Model(),
		"role":          d.Role(),
		"power_source":  d.PowerSource(),
		"available":     d.Available(),
		"last_seen":     d.LastSeen(),
		"lqi":           d.LQI(),
		"capabilities":  caps,
		"endpoints":     d.Endpoints(),
		"commands":      d.Commands(),
		"packets":       h.gw.Packets().Get(d.IEEE()),
	}
}

// List handles GET /api/v1/devices.
func (h *DevicesHandler) List(c *gin.Context) {
	devices := h.gw.Devices()
	out := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		out = append(out, h.snapshot(d))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "devices": out})
}

func (h *DevicesHandler) resolve(c *gin.Context) (*device.Device, bool) {
	d, ok := h.gw.Device(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": device.ErrNotFound.Error()})
		return nil, false
	}
	return d, true
}

// Get handles GET /api/v1/devices/:id.
func (h *DevicesHandler) Get(c *gin.Context) {
	d, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "device": h.snapshot(d)})
}

// Rename handles PATCH /api/v1/devices/:id.
func (h *DevicesHandler) Rename(c *gin.Context) {
	d, ok := h.resolve(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := h.gw.RenameDevice(d.IEEE(), req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "name": req.Name})
}

// Remove handles DELETE /api/v1/devices/:id.
func (h *DevicesHandler) Remove(c *gin.Context) {
	if err := h.gw.RemoveDevice(c.Request.Context(), c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if err == device.ErrNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetState handles GET /api/v1/devices/:id/state.
func (h *DevicesHandler) GetState(c *gin.Context) {
	d, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": d.State()})
}

// Command handles POST /api/v1/devices/:id/command.
func (h *DevicesHandler) Command(c *gin.Context) {
	d, ok := h.resolve(c)
	if !ok {
		return
	}
	var req struct {
		Command  string `json:"command" binding:"required"`
		Value    any    `json:"value"`
		Endpoint uint8  `json:"endpoint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	err := h.gw.DispatchCommand(c.Request.Context(), d.IEEE(), req.Command, req.Value, req.Endpoint)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": d.State()})
}

// Poll handles POST /api/v1/devices/:id/poll.
func (h *DevicesHandler) Poll(c *gin.Context) {
	d, ok := h.resolve(c)
	if !ok {
		return
	}
	results := d.Poll(c.Request.Context())
	success, _ := results["__poll_success"].(bool)
	delete(results, "__poll_success")
	c.JSON(http.StatusOK, gin.H{"success": success, "results": results})
}

// SetPolling handles PUT /api/v1/devices/:id/polling.
func (h *DevicesHandler) SetPolling(c *gin.Context) {
	var req struct {
		IntervalSeconds int `json:"interval_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := h.gw.SetPollingInterval(c.Param("id"), req.IntervalSeconds); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "interval_seconds": req.IntervalSeconds})
}

// Ban handles POST /api/v1/devices/:id/ban. The id may name a device that is
// no longer joined, so it falls back to the raw parameter.
func (h *DevicesHandler) Ban(c *gin.Context) {
	ieee := c.Param("id")
	if d, ok := h.gw.Device(ieee); ok {
		ieee = d.IEEE()
	}
	banned := h.gw.BanList().Ban(ieee)
	if banned {
		if d, ok := h.gw.Device(ieee); ok {
			_ = h.gw.RemoveDevice(c.Request.Context(), d.IEEE())
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "newly_banned": banned})
}

// Unban handles DELETE /api/v1/devices/:id/ban.
func (h *DevicesHandler) Unban(c *gin.Context) {
	removed := h.gw.BanList().Unban(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": removed})
}
