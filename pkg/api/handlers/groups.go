package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/zigbridge/pkg/gateway"
)

// GroupsHandler serves the group endpoints.
type GroupsHandler struct {
	gw *gateway.Gateway
}

// NewGroupsHandler creates the handler.
func NewGroupsHandler(gw *gateway.Gateway) *GroupsHandler {
	return &GroupsHandler{gw: gw}
}

// List handles GET /api/v1/groups.
func (h *GroupsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "groups": h.gw.Groups().List()})
}

// Create handles POST /api/v1/groups.
func (h *GroupsHandler) Create(c *gin.Context) {
	var req struct {
		Name    string   `json:"name" binding:"required"`
		Devices []string `json:"devices" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	info, err := h.gw.Groups().Create(c.Request.Context(), req.Name, req.Devices)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "group": info})
}

func groupID(c *gin.Context) (uint16, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid group id"})
		return 0, false
	}
	return uint16(id), true
}

// Delete handles DELETE /api/v1/groups/:id.
func (h *GroupsHandler) Delete(c *gin.Context) {
	id, ok := groupID(c)
	if !ok {
		return
	}
	if err := h.gw.Groups().Remove(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Control handles POST /api/v1/groups/:id/control.
func (h *GroupsHandler) Control(c *gin.Context) {
	id, ok := groupID(c)
	if !ok {
		return
	}
	var command map[string]any
	if err := c.ShouldBindJSON(&command); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	results, err := h.gw.Groups().Control(c.Request.Context(), id, command)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "results": results})
}
