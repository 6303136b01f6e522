package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urmzd/zigbridge/pkg/api/handlers"
	"github.com/urmzd/zigbridge/pkg/gateway"
)

// Router holds the Gin engine and the gateway it fronts.
type Router struct {
	engine *gin.Engine
	gw     *gateway.Gateway
}

// NewRouter creates the control-plane router.
func NewRouter(gw *gateway.Gateway) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	SetupMiddleware(engine)

	router := &Router{engine: engine, gw: gw}
	router.setupRoutes()
	return router
}

func (r *Router) setupRoutes() {
	system := handlers.NewSystemHandler(r.gw)
	r.engine.GET("/health", system.Health)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/health", system.Health)
		v1.GET("/stats", system.Stats)
		v1.GET("/events", system.Events)
		v1.POST("/permit_join", system.PermitJoin)
		v1.GET("/join_history", system.JoinHistory)
		v1.GET("/security_events", system.SecurityEvents)

		devices := handlers.NewDevicesHandler(r.gw)
		dv := v1.Group("/devices")
		{
			dv.GET("", devices.List)
			dv.GET("/:id", devices.Get)
			dv.PATCH("/:id", devices.Rename)
			dv.DELETE("/:id", devices.Remove)
			dv.GET("/:id/state", devices.GetState)
			dv.POST("/:id/command", devices.Command)
			dv.POST("/:id/poll", devices.Poll)
			dv.PUT("/:id/polling", devices.SetPolling)
			dv.POST("/:id/ban", devices.Ban)
			dv.DELETE("/:id/ban", devices.Unban)
		}

		automations := handlers.NewAutomationsHandler(r.gw)
		au := v1.Group("/automations")
		{
			au.GET("", automations.List)
			au.POST("", automations.Create)
			au.PUT("/:id", automations.Update)
			au.DELETE("/:id", automations.Delete)
			au.GET("/trace", automations.Trace)
		}

		zonesH := handlers.NewZonesHandler(r.gw)
		zn := v1.Group("/zones")
		{
			zn.GET("", zonesH.List)
			zn.POST("", zonesH.Create)
			zn.DELETE("/:name", zonesH.Delete)
			zn.POST("/:name/recalibrate", zonesH.Recalibrate)
		}

		groupsH := handlers.NewGroupsHandler(r.gw)
		gr := v1.Group("/groups")
		{
			gr.GET("", groupsH.List)
			gr.POST("", groupsH.Create)
			gr.DELETE("/:id", groupsH.Delete)
			gr.POST("/:id/control", groupsH.Control)
		}
	}
}

// Run starts the HTTP server.
func (r *Router) Run(addr string) error {
	return r.engine.Run(addr)
}
