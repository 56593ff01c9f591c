package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/dispatch"
	"github.com/mbc-dms/notification-service/internal/template"
	"github.com/rs/zerolog/log"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type listNotificationsRequest struct {
	UnreadOnly bool   `form:"unread_only"`
	Type       string `form:"type"`
	Page       int32  `form:"page,default=1"`
	PageSize   int32  `form:"page_size,default=20"`
}

func (server *Server) listNotifications(ctx *gin.Context) {
	req := new(listNotificationsRequest)
	if err := ctx.ShouldBindQuery(req); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(err))
		return
	}

	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	typ := db.NotificationType(req.Type)
	if req.Type != "" && !typ.Valid() {
		ctx.JSON(http.StatusBadRequest, errorResponse(fmt.Errorf("invalid notification type %q", req.Type)))
		return
	}

	items, err := server.dbStore.ListNotificationsByRecipient(ctx.Request.Context(), db.ListNotificationsByRecipientParams{
		RecipientID: authPayload(ctx).RecipientID(),
		UnreadOnly:  req.UnreadOnly,
		Type:        typ,
		Limit:       req.PageSize,
		Offset:      (req.Page - 1) * req.PageSize,
	})
	if err != nil {
		log.Err(err).Msg("failed to list notifications")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"items":     items,
		"page":      req.Page,
		"page_size": req.PageSize,
	})
}

func (server *Server) getUnreadCount(ctx *gin.Context) {
	count, err := server.dbStore.CountUnreadNotifications(ctx.Request.Context(), authPayload(ctx).RecipientID())
	if err != nil {
		log.Err(err).Msg("failed to count unread notifications")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (server *Server) markNotificationRead(ctx *gin.Context) {
	notificationID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(fmt.Errorf("invalid notification ID format")))
		return
	}

	state, err := server.dispatcher.MarkRead(ctx.Request.Context(), notificationID, authPayload(ctx).RecipientID())
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("notification %s not found", notificationID)))
			return
		}
		log.Err(err).Msg("failed to mark notification read")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, state)
}

func (server *Server) markAllNotificationsRead(ctx *gin.Context) {
	updated, err := server.dispatcher.MarkAllRead(ctx.Request.Context(), authPayload(ctx).RecipientID())
	if err != nil {
		log.Err(err).Msg("failed to mark all notifications read")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (server *Server) dismissNotification(ctx *gin.Context) {
	notificationID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(fmt.Errorf("invalid notification ID format")))
		return
	}

	state, err := server.dispatcher.Dismiss(ctx.Request.Context(), notificationID, authPayload(ctx).RecipientID())
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("notification %s not found", notificationID)))
			return
		}
		log.Err(err).Msg("failed to dismiss notification")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, state)
}

type audienceRequest struct {
	Kind string   `json:"kind" binding:"required"`
	IDs  []string `json:"ids"`
	Role string   `json:"role"`
}

type createNotificationRequest struct {
	// Freeform content.
	Type     string `json:"type"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"`

	// Templated content.
	TemplateKey string            `json:"template_key"`
	Variables   map[string]string `json:"variables"`

	Audience  audienceRequest   `json:"audience" binding:"required"`
	Metadata  map[string]string `json:"metadata"`
	ExpiresAt *time.Time        `json:"expires_at"`

	// RemindAt defers the notification: instead of dispatching now, a
	// one-shot scheduled task fires the template at the given time. The
	// assignment-due reminder flow uses this.
	RemindAt *time.Time `json:"remind_at"`
}

func validateCreateNotificationRequest(req *createNotificationRequest) (violations []*FieldViolation) {
	if req.TemplateKey == "" {
		if req.Title == "" || req.Body == "" {
			violations = append(violations, fieldViolation("title",
				errors.New("title and body are required without a template_key")))
		}
		if !db.NotificationType(req.Type).Valid() {
			violations = append(violations, fieldViolation("type",
				fmt.Errorf("invalid notification type %q", req.Type)))
		}
	}
	if req.Priority != "" && !db.NotificationPriority(req.Priority).Valid() {
		violations = append(violations, fieldViolation("priority",
			fmt.Errorf("invalid priority %q", req.Priority)))
	}
	if req.RemindAt != nil && req.TemplateKey == "" {
		violations = append(violations, fieldViolation("remind_at",
			errors.New("remind_at requires a template_key")))
	}

	switch db.AudienceKind(req.Audience.Kind) {
	case db.AudienceKindIDs:
		if len(req.Audience.IDs) == 0 {
			violations = append(violations, fieldViolation("audience.ids",
				errors.New("at least one recipient id is required")))
		}
	case db.AudienceKindRole:
		if req.Audience.Role == "" {
			violations = append(violations, fieldViolation("audience.role",
				errors.New("role is required")))
		}
	default:
		violations = append(violations, fieldViolation("audience.kind",
			fmt.Errorf("unknown audience kind %q", req.Audience.Kind)))
	}

	return violations
}

func (server *Server) createNotification(ctx *gin.Context) {
	req := new(createNotificationRequest)
	if err := ctx.ShouldBindJSON(req); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(err))
		return
	}

	violations := validateCreateNotificationRequest(req)
	if violations != nil {
		ctx.JSON(http.StatusUnprocessableEntity, failedValidationError(violations))
		return
	}

	if req.RemindAt != nil {
		server.createReminderTask(ctx, req)
		return
	}

	audience := db.Audience{
		Kind: db.AudienceKind(req.Audience.Kind),
		IDs:  req.Audience.IDs,
		Role: req.Audience.Role,
	}
	recipients, err := server.resolver.Resolve(ctx.Request.Context(), audience)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(err))
		return
	}

	notification, err := server.dispatcher.Dispatch(ctx.Request.Context(), dispatch.Request{
		Type:             db.NotificationType(req.Type),
		Title:            req.Title,
		Body:             req.Body,
		Priority:         db.NotificationPriority(req.Priority),
		TemplateKey:      req.TemplateKey,
		Variables:        req.Variables,
		PriorityOverride: db.NotificationPriority(req.Priority),
		Recipients:       recipients,
		Metadata:         req.Metadata,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		var renderErr *template.RenderError
		switch {
		case errors.As(err, &renderErr):
			ctx.JSON(http.StatusUnprocessableEntity, errorResponse(renderErr))
		case errors.Is(err, db.ErrRecordNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse(err))
		case errors.Is(err, dispatch.ErrNoRecipients),
			errors.Is(err, dispatch.ErrMissingContent),
			errors.Is(err, dispatch.ErrInvalidType),
			errors.Is(err, dispatch.ErrInvalidPriority):
			ctx.JSON(http.StatusBadRequest, errorResponse(err))
		default:
			log.Err(err).Msg("failed to dispatch notification")
			ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		}
		return
	}

	ctx.JSON(http.StatusCreated, notification)
}

// createReminderTask registers a one-shot scheduled task instead of
// dispatching immediately. The scheduler materializes it at remind_at.
func (server *Server) createReminderTask(ctx *gin.Context, req *createNotificationRequest) {
	now := server.clock.Now()
	if !req.RemindAt.After(now) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errors.New("remind_at must be in the future")))
		return
	}

	// The template must exist and every placeholder must be bound now, so a
	// bad reminder fails at creation instead of silently at fire time.
	tmpl, err := server.dbStore.GetNotificationTemplate(ctx.Request.Context(), req.TemplateKey)
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("template %q not found", req.TemplateKey)))
			return
		}
		log.Err(err).Msg("failed to load template")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}
	if _, _, err = template.Render(tmpl.TitlePattern, tmpl.BodyPattern, req.Variables); err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(err))
		return
	}

	task, err := server.dbStore.CreateScheduledTask(ctx.Request.Context(), db.CreateScheduledTaskParams{
		ID:          uuid.New(),
		Name:        fmt.Sprintf("reminder:%s", req.TemplateKey),
		TemplateKey: req.TemplateKey,
		Variables:   req.Variables,
		Audience: db.Audience{
			Kind: db.AudienceKind(req.Audience.Kind),
			IDs:  req.Audience.IDs,
			Role: req.Audience.Role,
		},
		Schedule:   db.Schedule{Kind: db.ScheduleKindOnce, FireAt: req.RemindAt},
		NextFireAt: *req.RemindAt,
		CreatedAt:  now,
	})
	if err != nil {
		log.Err(err).Msg("failed to create reminder task")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusCreated, task)
}
