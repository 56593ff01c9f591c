package api

import (
	"fmt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/dispatch"
	"github.com/mbc-dms/notification-service/internal/registry"
	"github.com/mbc-dms/notification-service/internal/token"
	"github.com/mbc-dms/notification-service/internal/util"
	"github.com/mbc-dms/notification-service/internal/worker"
	"github.com/rs/zerolog/log"
)

type Server struct {
	router        *gin.Engine
	dbStore       db.Store
	tokenMaker    token.Maker
	config        *util.Config
	dispatcher    *dispatch.Dispatcher
	resolver      dispatch.RecipientResolver
	registry      *registry.Registry
	taskInspector worker.TaskInspector
	clock         clockwork.Clock
}

// NewServer creates a new HTTP server and sets up routing.
func NewServer(store db.Store, config *util.Config, dispatcher *dispatch.Dispatcher, resolver dispatch.RecipientResolver, reg *registry.Registry, taskInspector worker.TaskInspector, clock clockwork.Clock) (*Server, error) {
	// Create a new JWT token maker
	tokenMaker, err := token.NewJWTMaker(config.TokenSecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create token maker: %w", err)
	}
	log.Info().Msg("token maker created successfully ✅")

	server := &Server{
		dbStore:       store,
		tokenMaker:    tokenMaker,
		config:        config,
		dispatcher:    dispatcher,
		resolver:      resolver,
		registry:      reg,
		taskInspector: taskInspector,
		clock:         clock,
	}

	server.setupRouter()
	return server, nil
}

// setupRouter configures the HTTP server routes.
func (server *Server) setupRouter() *gin.Engine {
	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	router.GET("/health", server.healthCheck)

	v1 := router.Group("/api/v1")

	// Caller-facing: the authenticated recipient's own feed.
	notificationGroup := v1.Group("/notifications", authMiddleware(server.tokenMaker))
	{
		notificationGroup.GET("", server.listNotifications)
		notificationGroup.GET("/unread-count", server.getUnreadCount)
		notificationGroup.GET("/stream", server.streamNotifications)
		notificationGroup.PATCH("/read-all", server.markAllNotificationsRead)
		notificationGroup.PATCH("/:id/read", server.markNotificationRead)
		notificationGroup.PATCH("/:id/dismiss", server.dismissNotification)

		// Event-source-facing: the record CRUD backend dispatches here with
		// a service or admin token.
		notificationGroup.POST("", requiredDispatchRole(), server.createNotification)
	}

	preferenceGroup := v1.Group("/users/me/notification-preferences", authMiddleware(server.tokenMaker))
	{
		preferenceGroup.GET("", server.getMyPreferences)
		preferenceGroup.PUT("", server.updateMyPreferences)
	}

	// Admin tooling.
	adminGroup := v1.Group("/admin", authMiddleware(server.tokenMaker), requiredAdminRole())
	{
		templateGroup := adminGroup.Group("/templates")
		{
			templateGroup.POST("", server.createTemplate)
			templateGroup.GET("", server.listTemplates)
			templateGroup.GET(":key", server.getTemplate)
			templateGroup.PUT(":key", server.updateTemplate)
		}

		taskGroup := adminGroup.Group("/scheduled-tasks")
		{
			taskGroup.POST("", server.createScheduledTask)
			taskGroup.GET("", server.listScheduledTasks)
			taskGroup.GET(":id", server.getScheduledTask)
			taskGroup.DELETE(":id", server.retireScheduledTask)
		}

		adminGroup.GET("/deliveries/:id/:recipientID/email-task", server.getEmailTaskInfo)
	}

	server.router = router
	return router
}

// Start runs the HTTP server on a specific address.
func (server *Server) Start(address string) error {
	return server.router.Run(address)
}
