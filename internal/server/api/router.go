package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all the routes for the task streaming service.
func RegisterRoutes(router *gin.Engine, api *API) {
	router.GET("/.well-known/agent.json", api.AgentCardHandler)
	router.GET("/health", api.HealthHandler)

	tasks := router.Group("/tasks")
	{
		tasks.POST("/send", api.SendHandler)
		tasks.POST("/sendSubscribe", api.SendSubscribeHandler)
		tasks.POST("/resubscribe", api.ResubscribeHandler)
		tasks.POST("/get", api.GetHandler)
		tasks.POST("/cancel", api.CancelHandler)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/subscribe", api.SubscribeWSHandler)
	}
}
