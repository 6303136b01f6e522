package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/zigbridge/pkg/automation"
	"github.com/urmzd/zigbridge/pkg/gateway"
)

// AutomationsHandler serves the automation rule endpoints.
type AutomationsHandler struct {
	gw *gateway.Gateway
}

// NewAutomationsHandler creates the handler.
func NewAutomationsHandler(gw *gateway.Gateway) *AutomationsHandler {
	return &AutomationsHandler{gw: gw}
}

// List handles GET /api/v1/automations.
func (h *AutomationsHandler) List(c *gin.Context) {
	rules := h.gw.Automation().Rules(c.Query("source"))
	c.JSON(http.StatusOK, gin.H{"success": true, "rules": rules})
}

// Create handles POST /api/v1/automations.
func (h *AutomationsHandler) Create(c *gin.Context) {
	var rule automation.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := h.gw.Automation().AddRule(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "rule": rule})
}

// Update handles PUT /api/v1/automations/:id.
func (h *AutomationsHandler) Update(c *gin.Context) {
	var rule automation.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	rule.ID = c.Param("id")
	if err := h.gw.Automation().UpdateRule(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "rule": rule})
}

// Delete handles DELETE /api/v1/automations/:id.
func (h *AutomationsHandler) Delete(c *gin.Context) {
	if err := h.gw.Automation().DeleteRule(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Trace handles GET /api/v1/automations/trace.
func (h *AutomationsHandler) Trace(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "trace": h.gw.Automation().Trace()})
}
