package routes

import (
	"time"

	"tably/handlers"
	"tably/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter() *gin.Engine {
	router := gin.Default()

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"message": "Tably API is running",
			"time":    time.Now().Unix(),
			"ws":      "WebSocket available at /ws",
		})
	})

	// CORS with WebSocket support
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:8080", "http://127.0.0.1:8080", "http://localhost:5500", "http://127.0.0.1:5500", "http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Public routes (no auth required). Signup and login are rate limited
	// per IP.
	router.POST("/api/signup", middleware.RateLimitMiddleware(), handlers.Signup)
	router.POST("/api/login", middleware.RateLimitMiddleware(), handlers.Login)
	router.GET("/api/vapid-public-key", handlers.GetVapidPublicKey)

	// Protected routes group
	protected := router.Group("/api")
	protected.Use(middleware.JWTAuthMiddleware())

	// Profile
	protected.GET("/me", handlers.GetMe)

	// Conversations
	protected.GET("/conversations", handlers.GetConversationList)
	protected.POST("/conversations", handlers.OpenConversation)
	protected.GET("/conversations/:id", handlers.GetConversation)

	// Messages
	protected.GET("/messages/:conversationId", handlers.GetMessages)
	protected.POST("/message", handlers.SendMessage)
	protected.POST("/react", handlers.ReactToMessage)
	protected.POST("/conversations/:conversationId/read", handlers.MarkConversationRead)
	protected.POST("/typing", handlers.SendTypingIndicator)

	// Attachment uploads
	protected.POST("/upload-photo", handlers.UploadPhoto)
	protected.POST("/upload-voice", handlers.UploadVoice)
	protected.POST("/upload-clip", handlers.UploadClip)

	// Notifications
	protected.GET("/notifications", handlers.GetNotifications)
	protected.POST("/notifications/read", handlers.MarkNotificationsRead)
	protected.POST("/notifications/read-all", handlers.MarkAllNotificationsRead)
	protected.DELETE("/notifications", handlers.DeleteAllNotifications)

	// Push subscriptions
	protected.POST("/subscribe", handlers.SubscribePush)

	// Catch-all for undefined API routes
	router.NoRoute(func(c *gin.Context) {
		if len(c.Request.URL.Path) >= 4 && c.Request.URL.Path[:4] == "/api" {
			c.JSON(404, gin.H{
				"error": "Endpoint not found",
				"path":  c.Request.URL.Path,
			})
			return
		}
		c.Next()
	})

	return router
}
