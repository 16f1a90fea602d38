package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mirrolink/models"
)

func SetupRoutes(router *gin.Engine, h *Handlers, wsHub *WebSocketHub) {
	// Enable CORS
	router.Use(CORSMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
			"status":  "ok",
			"message": "mirrolink is running",
		}))
	})

	// API routes
	api := router.Group("/api")
	{
		// Device routes
		devices := api.Group("/devices")
		{
			devices.GET("", h.GetDevices)
			devices.GET("/current", h.GetCurrentDevice)
			devices.GET("/history", h.GetDeviceHistory)
			devices.POST("/:serial/connect", h.ConnectDevice)
			devices.POST("/disconnect", h.DisconnectDevice)
		}

		// Mirroring session routes
		session := api.Group("/session")
		{
			session.POST("/start", h.StartSession)
			session.POST("/stop", h.StopSession)
			session.PUT("/config", h.UpdateSessionConfig)
			session.GET("/status", h.GetSessionStatus)
			session.POST("/record/start", h.StartRecording)
			session.POST("/record/stop", h.StopRecording)
		}

		api.POST("/input", h.SendInput)
		api.GET("/input", h.GetRecentInput)
	}

	// WebSocket route
	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(wsHub, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
