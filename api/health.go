package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const serviceVersion = "1.0.0"

func (server *Server) healthCheck(ctx *gin.Context) {
	status := "healthy"
	code := http.StatusOK

	if err := server.dbStore.Ping(ctx.Request.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	ctx.JSON(code, gin.H{
		"status":    status,
		"service":   "notification-service",
		"timestamp": server.clock.Now().UTC(),
		"version":   serviceVersion,
	})
}
