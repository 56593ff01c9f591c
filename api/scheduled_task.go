package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/rs/zerolog/log"
)

type createScheduledTaskRequest struct {
	Name        string            `json:"name" binding:"required"`
	TemplateKey string            `json:"template_key" binding:"required"`
	Variables   map[string]string `json:"variables"`
	Audience    audienceRequest   `json:"audience" binding:"required"`
	Schedule    db.Schedule       `json:"schedule" binding:"required"`
}

func (server *Server) createScheduledTask(ctx *gin.Context) {
	req := new(createScheduledTaskRequest)
	if err := ctx.ShouldBindJSON(req); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(err))
		return
	}

	if err := req.Schedule.Validate(); err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(err))
		return
	}

	// The template must exist before a task can reference it.
	if _, err := server.dbStore.GetNotificationTemplate(ctx.Request.Context(), req.TemplateKey); err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("template %q not found", req.TemplateKey)))
			return
		}
		log.Err(err).Msg("failed to load template")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	now := server.clock.Now()
	firstFire, err := req.Schedule.FirstFire(now)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(err))
		return
	}

	task, err := server.dbStore.CreateScheduledTask(ctx.Request.Context(), db.CreateScheduledTaskParams{
		ID:          uuid.New(),
		Name:        req.Name,
		TemplateKey: req.TemplateKey,
		Variables:   req.Variables,
		Audience: db.Audience{
			Kind: db.AudienceKind(req.Audience.Kind),
			IDs:  req.Audience.IDs,
			Role: req.Audience.Role,
		},
		Schedule:   req.Schedule,
		NextFireAt: firstFire,
		CreatedAt:  now,
	})
	if err != nil {
		log.Err(err).Msg("failed to create scheduled task")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusCreated, task)
}

func (server *Server) listScheduledTasks(ctx *gin.Context) {
	includeRetired := ctx.Query("include_retired") == "true"

	tasks, err := server.dbStore.ListScheduledTasks(ctx.Request.Context(), includeRetired)
	if err != nil {
		log.Err(err).Msg("failed to list scheduled tasks")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, tasks)
}

func (server *Server) getScheduledTask(ctx *gin.Context) {
	taskID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(fmt.Errorf("invalid task ID format")))
		return
	}

	task, err := server.dbStore.GetScheduledTask(ctx.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("scheduled task %s not found", taskID)))
			return
		}
		log.Err(err).Msg("failed to get scheduled task")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, task)
}

// retireScheduledTask takes a task out of rotation. The retirement commits
// before the response, so the next scheduler tick no longer sees the task.
func (server *Server) retireScheduledTask(ctx *gin.Context) {
	taskID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(fmt.Errorf("invalid task ID format")))
		return
	}

	retired, err := server.dbStore.RetireScheduledTask(ctx.Request.Context(), taskID)
	if err != nil {
		log.Err(err).Msg("failed to retire scheduled task")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}
	if !retired {
		// Unknown id or already retired; either way there is nothing left
		// to take out of rotation.
		ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("scheduled task %s not found or already retired", taskID)))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"retired": true})
}

// getEmailTaskInfo reports the queue state of one email delivery: pending,
// retrying, or gone.
func (server *Server) getEmailTaskInfo(ctx *gin.Context) {
	notificationID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(fmt.Errorf("invalid notification ID format")))
		return
	}
	recipientID := ctx.Param("recipientID")

	info, err := server.taskInspector.GetEmailTaskInfo(ctx.Request.Context(), notificationID, recipientID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(fmt.Errorf("no queued email delivery for this notification and recipient")))
			return
		}
		log.Err(err).Msg("failed to inspect email task")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"state":           info.State.String(),
		"queue":           info.Queue,
		"retried":         info.Retried,
		"max_retry":       info.MaxRetry,
		"last_err":        info.LastErr,
		"next_process_at": info.NextProcessAt,
	})
}
