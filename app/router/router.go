package router

import (
	"iccagent/app/handler"
	"iccagent/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	agentHandler *handler.AgentHandler
}

// NewRouter creates a new Router
func NewRouter(agentHandler *handler.AgentHandler) *Router {
	return &Router{agentHandler: agentHandler}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	engine.GET("/healthz", r.agentHandler.Healthz)
	engine.GET("/status", r.agentHandler.Status)
	engine.GET("/metrics", r.agentHandler.Metrics)
}
