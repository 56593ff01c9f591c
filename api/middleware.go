package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbc-dms/notification-service/internal/token"
)

const (
	authorizationHeaderKey  = "Authorization"
	authorizationTypeBearer = "Bearer"
	authorizationPayloadKey = "authPayload"
)

// authMiddleware authenticates the caller and stashes the verified payload.
func authMiddleware(tokenMaker token.Maker) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authorizationHeader := ctx.GetHeader(authorizationHeaderKey)
		if authorizationHeader == "" {
			err := errors.New("authorization header is not provided")
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(err))
			return
		}

		fields := strings.Fields(authorizationHeader)
		if len(fields) != 2 {
			err := errors.New("invalid authorization header format")
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(err))
			return
		}

		authorizationHeaderType := fields[0]
		if authorizationHeaderType != authorizationTypeBearer {
			err := errors.New("unsupported authorization header type")
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(err))
			return
		}

		accessToken := fields[1]
		payload, err := tokenMaker.VerifyToken(accessToken)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(err))
			return
		}

		ctx.Set(authorizationPayloadKey, payload)
		ctx.Next()
	}
}

// authPayload returns the payload stored by authMiddleware.
func authPayload(ctx *gin.Context) *token.Payload {
	return ctx.MustGet(authorizationPayloadKey).(*token.Payload)
}

// requiredAdminRole guards the admin surfaces.
func requiredAdminRole() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if authPayload(ctx).Role != token.RoleAdmin {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(ErrAdminRoleRequired))
			return
		}
		ctx.Next()
	}
}

// requiredDispatchRole guards notification creation: only the record CRUD
// backend (service token) or an administrator may originate notifications.
func requiredDispatchRole() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		role := authPayload(ctx).Role
		if role != token.RoleAdmin && role != token.RoleService {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(ErrDispatchRoleRequired))
			return
		}
		ctx.Next()
	}
}
