package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all the routes for the dispatch service.
// guards 只作用于提交接口，限流与熔断保护下游的存储和队列。
func RegisterRoutes(router *gin.Engine, api *API, guards ...gin.HandlerFunc) {
	tasks := router.Group("/tasks")
	{
		submit := append(append([]gin.HandlerFunc{}, guards...), api.SubmitTaskHandler)
		tasks.POST("/submit", submit...)
		tasks.GET("/list/json", api.ListTasksHandler)
		tasks.GET("/search/json", api.SearchTasksHandler)
		tasks.GET("/stats/json", api.StatsHandler)
		tasks.GET("/:id/json", api.GetTaskHandler)
		tasks.GET("/:id/logs/json", api.TaskLogsHandler)
		tasks.POST("/:id/cancel", api.CancelTaskHandler)
		tasks.POST("/:id/retry", api.RetryTaskHandler)
		tasks.DELETE("/:id", api.DeleteTaskHandler)
	}

	router.POST("/api/agent/broadcast", api.BroadcastHandler)
	router.GET("/ws/agent", api.WebSocketHandler)
	router.GET("/healthz", api.HealthHandler)
}
