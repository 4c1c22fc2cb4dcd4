package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/middleware"
)

// NewRouter wires the public, authenticated and websocket routes
func NewRouter(calls *CallHandler, jwtSecret string, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(jwtSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(jwtSecret))

		callGroup := apiGroup.Group("/calls", auth)
		callGroup.POST("", calls.Originate)
		callGroup.GET("/:callId", calls.Get)
		callGroup.POST("/:callId/accept", calls.Accept)
		callGroup.DELETE("/:callId", calls.HangUp)
	}

	// Per-user call feed; browsers pass the token as a query parameter
	router.GET("/ws/calls", auth, calls.Feed)

	return router
}
