package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/preference"
	"github.com/mbc-dms/notification-service/internal/registry"
	"github.com/mbc-dms/notification-service/internal/template"
	"github.com/mbc-dms/notification-service/internal/worker"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoRecipients    = errors.New("notification requires at least one recipient")
	ErrMissingContent  = errors.New("notification requires a title and body, or a template key")
	ErrInvalidType     = errors.New("invalid notification type")
	ErrInvalidPriority = errors.New("invalid notification priority")
)

// Request describes one notification to create: freeform content or a
// template reference, never both. Recipients arrive already resolved to
// concrete ids; role fan-out happens in the RecipientResolver seam before
// the dispatcher is called.
type Request struct {
	// Freeform content. Ignored when TemplateKey is set.
	Type     db.NotificationType
	Title    string
	Body     string
	Priority db.NotificationPriority

	// Templated content.
	TemplateKey string
	Variables   map[string]string
	// PriorityOverride replaces the template's default priority when set.
	PriorityOverride db.NotificationPriority

	Recipients []string
	Metadata   map[string]string
	ExpiresAt  *time.Time
}

// Dispatcher orchestrates notification creation: render, persist, filter,
// fan out. Persistence is the durability guarantee; every delivery after it
// is best-effort.
type Dispatcher struct {
	store           db.Store
	filter          *preference.Filter
	registry        *registry.Registry
	taskDistributor worker.TaskDistributor
	clock           clockwork.Clock
	deliveryTimeout time.Duration
}

func NewDispatcher(store db.Store, filter *preference.Filter, reg *registry.Registry, taskDistributor worker.TaskDistributor, clock clockwork.Clock, deliveryTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:           store,
		filter:          filter,
		registry:        reg,
		taskDistributor: taskDistributor,
		clock:           clock,
		deliveryTimeout: deliveryTimeout,
	}
}

// Dispatch creates and delivers one notification. A render or persistence
// failure fails the whole call with nothing written; once the transaction
// commits, the call succeeds even if zero live deliveries happen.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (db.Notification, error) {
	now := d.clock.Now()

	typ, title, body, priority, err := d.resolveContent(ctx, req)
	if err != nil {
		return db.Notification{}, err
	}

	recipients := dedupe(req.Recipients)
	if len(recipients) == 0 {
		return db.Notification{}, ErrNoRecipients
	}

	notification, err := d.store.CreateNotificationTx(ctx, db.CreateNotificationTxParams{
		ID:         uuid.New(),
		Type:       typ,
		Title:      title,
		Body:       body,
		Priority:   priority,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		ExpiresAt:  req.ExpiresAt,
		Recipients: recipients,
	})
	if err != nil {
		return db.Notification{}, fmt.Errorf("failed to persist notification: %w", err)
	}

	for _, recipientID := range recipients {
		d.deliver(ctx, notification, recipientID, now)
	}

	log.Info().
		Str("notification_id", notification.ID.String()).
		Str("type", string(notification.Type)).
		Str("priority", string(notification.Priority)).
		Int("recipients", len(recipients)).
		Msg("notification dispatched")

	return notification, nil
}

// resolveContent renders templated requests and validates freeform ones.
// Runs before persistence so a bad template or request writes nothing.
func (d *Dispatcher) resolveContent(ctx context.Context, req Request) (db.NotificationType, string, string, db.NotificationPriority, error) {
	if req.TemplateKey == "" {
		if req.Title == "" || req.Body == "" {
			return "", "", "", "", ErrMissingContent
		}
		if !req.Type.Valid() {
			return "", "", "", "", fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
		}
		priority := req.Priority
		if priority == "" {
			priority = db.NotificationPriorityNormal
		}
		if !priority.Valid() {
			return "", "", "", "", fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
		}
		return req.Type, req.Title, req.Body, priority, nil
	}

	tmpl, err := d.store.GetNotificationTemplate(ctx, req.TemplateKey)
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			return "", "", "", "", fmt.Errorf("template %q not found: %w", req.TemplateKey, err)
		}
		return "", "", "", "", fmt.Errorf("failed to load template %q: %w", req.TemplateKey, err)
	}

	title, body, err := template.Render(tmpl.TitlePattern, tmpl.BodyPattern, req.Variables)
	if err != nil {
		return "", "", "", "", err
	}

	priority := tmpl.DefaultPriority
	if req.PriorityOverride != "" {
		if !req.PriorityOverride.Valid() {
			return "", "", "", "", fmt.Errorf("%w: %q", ErrInvalidPriority, req.PriorityOverride)
		}
		priority = req.PriorityOverride
	}

	return tmpl.DefaultType, title, body, priority, nil
}

// deliver attempts every eligible channel for one recipient. Failures here
// are recorded, logged, and swallowed: persistence already succeeded.
func (d *Dispatcher) deliver(ctx context.Context, notification db.Notification, recipientID string, now time.Time) {
	switch d.filter.Decide(ctx, recipientID, notification.Type, db.DeliveryMethodRealtime, notification.Priority, now) {
	case preference.Deliver:
		d.deliverRealtime(ctx, notification, recipientID, now)
	case preference.Hold:
		log.Debug().Str("recipient_id", recipientID).
			Str("notification_id", notification.ID.String()).
			Msg("realtime delivery held by preferences")
	}

	switch d.filter.Decide(ctx, recipientID, notification.Type, db.DeliveryMethodEmail, notification.Priority, now) {
	case preference.Deliver:
		d.deliverEmail(ctx, notification, recipientID)
	case preference.Hold:
		log.Debug().Str("recipient_id", recipientID).
			Str("notification_id", notification.ID.String()).
			Msg("email delivery held by preferences")
	}
}

func (d *Dispatcher) deliverRealtime(ctx context.Context, notification db.Notification, recipientID string, now time.Time) {
	reached := d.registry.Send(recipientID, registry.Payload{
		NotificationID: notification.ID,
		Type:           notification.Type,
		Title:          notification.Title,
		Body:           notification.Body,
		Priority:       notification.Priority,
		Metadata:       notification.Metadata,
		CreatedAt:      notification.CreatedAt,
	})
	if reached == 0 {
		// Nobody listening. The persisted record is the offline path.
		return
	}

	err := d.store.MarkNotificationDelivered(ctx, db.MarkNotificationDeliveredParams{
		NotificationID: notification.ID,
		RecipientID:    recipientID,
		Method:         db.DeliveryMethodRealtime,
		DeliveredAt:    now,
	})
	if err != nil {
		log.Error().Err(err).
			Str("notification_id", notification.ID.String()).
			Str("recipient_id", recipientID).
			Msg("failed to record realtime delivery")
	}
}

// deliverEmail hands the delivery to the asynq queue, which owns retries
// with exponential backoff. Enqueueing gets a short bounded wait so a slow
// Redis never stalls the dispatch call.
func (d *Dispatcher) deliverEmail(ctx context.Context, notification db.Notification, recipientID string) {
	enqueueCtx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	queue := worker.QueueDefault
	if notification.Priority == db.NotificationPriorityUrgent {
		queue = worker.QueueCritical
	}

	err := d.taskDistributor.DistributeTaskSendEmail(enqueueCtx, &worker.PayloadSendEmail{
		NotificationID: notification.ID,
		RecipientID:    recipientID,
		Subject:        notification.Title,
		Body:           notification.Body,
	}, asynq.Queue(queue), asynq.MaxRetry(worker.EmailMaxRetry))
	if err != nil {
		log.Error().Err(err).
			Str("notification_id", notification.ID.String()).
			Str("recipient_id", recipientID).
			Msg("failed to enqueue email delivery")

		failErr := d.store.RecordDeliveryFailure(ctx, db.RecordDeliveryFailureParams{
			NotificationID: notification.ID,
			RecipientID:    recipientID,
			Method:         db.DeliveryMethodEmail,
			Reason:         err.Error(),
		})
		if failErr != nil {
			log.Error().Err(failErr).
				Str("notification_id", notification.ID.String()).
				Str("recipient_id", recipientID).
				Msg("failed to record email delivery failure")
		}
	}
}

// MarkRead acknowledges one notification for one recipient. Idempotent:
// read_at sticks at the first call.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID uuid.UUID, recipientID string) (db.NotificationState, error) {
	return d.store.MarkNotificationRead(ctx, db.MarkNotificationReadParams{
		NotificationID: notificationID,
		RecipientID:    recipientID,
		ReadAt:         d.clock.Now(),
	})
}

// MarkAllRead acknowledges every unread notification for the recipient and
// returns how many were affected.
func (d *Dispatcher) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	return d.store.MarkAllNotificationsRead(ctx, db.MarkAllNotificationsReadParams{
		RecipientID: recipientID,
		ReadAt:      d.clock.Now(),
	})
}

// Dismiss removes one notification from the recipient's feed. Idempotent.
func (d *Dispatcher) Dismiss(ctx context.Context, notificationID uuid.UUID, recipientID string) (db.NotificationState, error) {
	return d.store.DismissNotification(ctx, db.DismissNotificationParams{
		NotificationID: notificationID,
		RecipientID:    recipientID,
		DismissedAt:    d.clock.Now(),
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
