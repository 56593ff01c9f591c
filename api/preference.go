package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/rs/zerolog/log"
)

func (server *Server) getMyPreferences(ctx *gin.Context) {
	recipientID := authPayload(ctx).RecipientID()

	pref, err := server.dbStore.GetNotificationPreference(ctx.Request.Context(), recipientID)
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			// First access: the safe defaults, not an error.
			ctx.JSON(http.StatusOK, db.DefaultNotificationPreference(recipientID))
			return
		}
		log.Err(err).Msg("failed to get notification preferences")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, pref)
}

type updatePreferencesRequest struct {
	EnabledTypes    []string `json:"enabled_types" binding:"required"`
	EnabledMethods  []string `json:"enabled_methods" binding:"required"`
	DisabledMethods []string `json:"disabled_methods"`
	QuietStart      *string  `json:"quiet_start"`
	QuietEnd        *string  `json:"quiet_end"`
	Timezone        string   `json:"timezone"`
	Frequency       string   `json:"frequency"`
}

func validateUpdatePreferencesRequest(req *updatePreferencesRequest) (violations []*FieldViolation) {
	for _, t := range req.EnabledTypes {
		if !db.NotificationType(t).Valid() {
			violations = append(violations, fieldViolation("enabled_types",
				fmt.Errorf("invalid notification type %q", t)))
		}
	}
	for _, m := range append(append([]string{}, req.EnabledMethods...), req.DisabledMethods...) {
		if !db.DeliveryMethod(m).Valid() {
			violations = append(violations, fieldViolation("enabled_methods",
				fmt.Errorf("invalid delivery method %q", m)))
		}
	}

	if (req.QuietStart == nil) != (req.QuietEnd == nil) {
		violations = append(violations, fieldViolation("quiet_start",
			errors.New("quiet_start and quiet_end must be set together")))
	}
	for _, v := range []*string{req.QuietStart, req.QuietEnd} {
		if v == nil {
			continue
		}
		if _, err := time.Parse("15:04", *v); err != nil {
			violations = append(violations, fieldViolation("quiet_hours",
				fmt.Errorf("invalid clock time %q, want HH:MM", *v)))
		}
	}

	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			violations = append(violations, fieldViolation("timezone",
				fmt.Errorf("invalid timezone %q", req.Timezone)))
		}
	}
	if req.Frequency != "" && !db.NotificationFrequency(req.Frequency).Valid() {
		violations = append(violations, fieldViolation("frequency",
			fmt.Errorf("invalid frequency %q", req.Frequency)))
	}

	return violations
}

func (server *Server) updateMyPreferences(ctx *gin.Context) {
	req := new(updatePreferencesRequest)
	if err := ctx.ShouldBindJSON(req); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(err))
		return
	}

	violations := validateUpdatePreferencesRequest(req)
	if violations != nil {
		ctx.JSON(http.StatusUnprocessableEntity, failedValidationError(violations))
		return
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	frequency := db.NotificationFrequency(req.Frequency)
	if req.Frequency == "" {
		frequency = db.NotificationFrequencyImmediate
	}

	enabledTypes := make([]db.NotificationType, len(req.EnabledTypes))
	for i, t := range req.EnabledTypes {
		enabledTypes[i] = db.NotificationType(t)
	}
	enabledMethods := make([]db.DeliveryMethod, len(req.EnabledMethods))
	for i, m := range req.EnabledMethods {
		enabledMethods[i] = db.DeliveryMethod(m)
	}
	disabledMethods := make([]db.DeliveryMethod, len(req.DisabledMethods))
	for i, m := range req.DisabledMethods {
		disabledMethods[i] = db.DeliveryMethod(m)
	}

	pref, err := server.dbStore.UpsertNotificationPreference(ctx.Request.Context(), db.UpsertNotificationPreferenceParams{
		RecipientID:     authPayload(ctx).RecipientID(),
		EnabledTypes:    enabledTypes,
		EnabledMethods:  enabledMethods,
		DisabledMethods: disabledMethods,
		QuietStart:      req.QuietStart,
		QuietEnd:        req.QuietEnd,
		Timezone:        timezone,
		Frequency:       frequency,
		UpdatedAt:       server.clock.Now(),
	})
	if err != nil {
		log.Err(err).Msg("failed to update notification preferences")
		ctx.JSON(http.StatusInternalServerError, errorResponse(ErrInternalServer))
		return
	}

	ctx.JSON(http.StatusOK, pref)
}
