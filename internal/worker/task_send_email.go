package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/rs/zerolog/log"
)

// PayloadSendEmail contains all data of the email delivery task that we want to store in Redis.
type PayloadSendEmail struct {
	NotificationID uuid.UUID `json:"notification_id"`
	RecipientID    string    `json:"recipient_id"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
}

// EmailTaskID builds the unique task id for one (notification, recipient)
// email delivery. asynq deduplicates on it, so re-enqueueing the same
// delivery is a no-op instead of a duplicate email.
func EmailTaskID(notificationID uuid.UUID, recipientID string) string {
	return fmt.Sprintf("notification:send_email:%s:%s", notificationID, recipientID)
}

func (distributor *RedisTaskDistributor) DistributeTaskSendEmail(
	ctx context.Context,
	payload *PayloadSendEmail,
	opts ...asynq.Option,
) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	taskID := EmailTaskID(payload.NotificationID, payload.RecipientID)
	task := asynq.NewTask(TaskSendEmail, jsonPayload, append(opts, asynq.TaskID(taskID))...)
	info, err := distributor.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Info().Str("task_id", taskID).Msg("email task already enqueued, skipping")
			return nil
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	log.Info().
		Str("type", task.Type()).
		Str("task_id", taskID).
		Str("notification_id", payload.NotificationID.String()).
		Str("recipient_id", payload.RecipientID).
		Str("queue", info.Queue).
		Int("max_retry", info.MaxRetry).
		Msg("email task enqueued")

	return nil
}

func (processor *RedisTaskProcessor) ProcessTaskSendEmail(
	ctx context.Context,
	task *asynq.Task,
) error {
	var payload PayloadSendEmail
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", asynq.SkipRetry)
	}

	recipient, err := processor.store.GetRecipientByID(ctx, payload.RecipientID)
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			log.Warn().
				Str("recipient_id", payload.RecipientID).
				Msg("recipient no longer in directory, dropping email delivery")
			return nil
		}
		return fmt.Errorf("failed to look up recipient: %w", err)
	}

	if err = processor.mailer.Send(ctx, recipient.Email, payload.Subject, payload.Body); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", recipient.Email, err)
	}

	err = processor.store.MarkNotificationDelivered(ctx, db.MarkNotificationDeliveredParams{
		NotificationID: payload.NotificationID,
		RecipientID:    payload.RecipientID,
		Method:         db.DeliveryMethodEmail,
		DeliveredAt:    time.Now(),
	})
	if err != nil {
		// The email went out; a failed bookkeeping write must not trigger
		// a retry that would send it again.
		log.Error().Err(err).
			Str("notification_id", payload.NotificationID.String()).
			Str("recipient_id", payload.RecipientID).
			Msg("email sent but delivery record update failed")
		return nil
	}

	log.Info().
		Str("type", task.Type()).
		Str("notification_id", payload.NotificationID.String()).
		Str("recipient_id", payload.RecipientID).
		Msg("email delivered")

	return nil
}

// recordEmailFailureIfExhausted marks the email channel permanently failed
// on the state row once asynq has burned through every retry.
func recordEmailFailureIfExhausted(ctx context.Context, store db.Store, task *asynq.Task, taskErr error) {
	if task.Type() != TaskSendEmail {
		return
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry {
		return
	}

	var payload PayloadSendEmail
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return
	}

	err := store.RecordDeliveryFailure(ctx, db.RecordDeliveryFailureParams{
		NotificationID: payload.NotificationID,
		RecipientID:    payload.RecipientID,
		Method:         db.DeliveryMethodEmail,
		Reason:         taskErr.Error(),
	})
	if err != nil {
		log.Error().Err(err).
			Str("notification_id", payload.NotificationID.String()).
			Str("recipient_id", payload.RecipientID).
			Msg("failed to record permanent email delivery failure")
		return
	}

	log.Warn().
		Str("notification_id", payload.NotificationID.String()).
		Str("recipient_id", payload.RecipientID).
		Int("retries", retried).
		Msg("email delivery permanently failed")
}
