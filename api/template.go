package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/template"
	"github.com/rs/zerolog/log"
)

type templateRequest struct {
	Key             string `json:"key"`
	TitlePattern    string `json:"title_pattern" binding:"required"`
	BodyPattern     string `json:"body_pattern" binding:"required"`
	DefaultType     string `json:"default_type" binding:"required"`
	DefaultPriority string `json:"default_priority"`
}

func validateTemplateRequest(req *templateRequest, needKey bool) (violations []*FieldViolation) {
	if needKey && req.Key == "" {
		violations = append(violations, fieldViolation("key", errors.New("key is required")))
	}
	if !db.NotificationType(req.DefaultType).Valid() {
		violations = append(violations, fieldViolation("default_type",
			fmt.Errorf("invalid notification type %q", req.DefaultType)))
	}
	if req.DefaultPriority != "" && !db.NotificationPriority(req.DefaultPriority).Valid() {
		violations = append(violations, fieldViolation("default_priority",
			fmt.Errorf("invalid priority %q", req.DefaultPriority)))
	}

	// Render against a fully-bound variable map to reject malformed
	// placeholder syntax at save time.
	for _, field := range []struct{ name, pattern string }{
		{"title_pattern", req.TitlePattern},
		{"body_pattern", req.BodyPattern},
	} {
		vars := map[string]string{}
		for _, name := range template.Placeholders(field.pattern) {
			vars[name] = ""
		}
		if _, err := template.RenderPattern(field.pattern, vars); err != nil {
			violations = append(violations, fieldViolation(field.name, err))
		}
	}

	return violations
}

// templateResponse augments the stored template with the placeholder names
// callers must supply at dispatch time.
type templateResponse struct {
	db.NotificationTemplate
	Placeholders []string `json:"placeholders"`
}

func newTemplateResponse(tmpl db.NotificationTemplate) templateResponse {
	seen := map[string]bool{}
	names := []string{}
	for _, name := range append(template.Placeholders(tmpl.TitlePattern), template.Placeholders(tmpl.BodyPattern)...) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return templateResponse{NotificationTemplate: tmpl, Placeholders: names}
}

func (server *Server) createTemplate(ctx *gin.Context) {
	req := new(templateRequest)
	if err := ctx.ShouldBindJSON(req); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(err))
		return
	}

	violations := validateTemplateRequest(req, true)
	if violations != nil {
		ctx.JSON(http.StatusUnprocessableEntity, failedValidationError(violations))
		return
	}

	priority := db.NotificationPriority(req.DefaultPriority)
	if req.DefaultPriority == "" {
		priority = db.NotificationPriorityNormal
	}

	tmpl, err := server.dbStore.CreateNotificationTemplate(ctx.Request.Context(), db.CreateNotificationTemplateParams{
		Key:             req.Key,
		TitlePattern:    req.TitlePattern,
		BodyPattern:     req.BodyPattern,
		DefaultType:     db.NotificationType(req.DefaultType),
		DefaultPriority: priority,
		CreatedAt:       server.clock.Now(),
	})
	if err != nil {
		errCode, constraintName := db.ErrorDescription(err)
		if errCode == db.UniqueViolationCode && constraintName == db.UniqueTemplateKeyConstraint {
			ctx.JSON(http.StatusConflict, errorResponse(fmt.Errorf("template %q already exists", req.Key)))
			return
		}

		log.Err(err).Msg("failed to create template")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusCreated, newTemplateResponse(tmpl))
}

func (server *Server) updateTemplate(ctx *gin.Context) {
	req := new(templateRequest)
	if err := ctx.ShouldBindJSON(req); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(err))
		return
	}

	violations := validateTemplateRequest(req, false)
	if violations != nil {
		ctx.JSON(http.StatusUnprocessableEntity, failedValidationError(violations))
		return
	}

	priority := db.NotificationPriority(req.DefaultPriority)
	if req.DefaultPriority == "" {
		priority = db.NotificationPriorityNormal
	}

	tmpl, err := server.dbStore.UpdateNotificationTemplate(ctx.Request.Context(), db.UpdateNotificationTemplateParams{
		Key:             ctx.Param("key"),
		TitlePattern:    req.TitlePattern,
		BodyPattern:     req.BodyPattern,
		DefaultType:     db.NotificationType(req.DefaultType),
		DefaultPriority: priority,
		UpdatedAt:       server.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("template %q not found", ctx.Param("key"))))
			return
		}
		log.Err(err).Msg("failed to update template")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, newTemplateResponse(tmpl))
}

func (server *Server) getTemplate(ctx *gin.Context) {
	tmpl, err := server.dbStore.GetNotificationTemplate(ctx.Request.Context(), ctx.Param("key"))
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("template %q not found", ctx.Param("key"))))
			return
		}
		log.Err(err).Msg("failed to get template")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, newTemplateResponse(tmpl))
}

func (server *Server) listTemplates(ctx *gin.Context) {
	templates, err := server.dbStore.ListNotificationTemplates(ctx.Request.Context())
	if err != nil {
		log.Err(err).Msg("failed to list templates")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	items := make([]templateResponse, len(templates))
	for i, tmpl := range templates {
		items[i] = newTemplateResponse(tmpl)
	}
	ctx.JSON(http.StatusOK, items)
}
