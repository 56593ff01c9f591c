package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides all functions to execute db queries and transactions.
type Store interface {
	// Notifications and per-recipient state.
	CreateNotificationTx(ctx context.Context, arg CreateNotificationTxParams) (Notification, error)
	GetNotificationByID(ctx context.Context, id uuid.UUID) (Notification, error)
	GetNotificationState(ctx context.Context, arg GetNotificationStateParams) (NotificationState, error)
	ListNotificationsByRecipient(ctx context.Context, arg ListNotificationsByRecipientParams) ([]NotificationWithState, error)
	CountUnreadNotifications(ctx context.Context, recipientID string) (int64, error)
	MarkNotificationRead(ctx context.Context, arg MarkNotificationReadParams) (NotificationState, error)
	MarkAllNotificationsRead(ctx context.Context, arg MarkAllNotificationsReadParams) (int64, error)
	DismissNotification(ctx context.Context, arg DismissNotificationParams) (NotificationState, error)
	MarkNotificationDelivered(ctx context.Context, arg MarkNotificationDeliveredParams) error
	RecordDeliveryFailure(ctx context.Context, arg RecordDeliveryFailureParams) error
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error)

	// Recipient preferences.
	GetNotificationPreference(ctx context.Context, recipientID string) (NotificationPreference, error)
	UpsertNotificationPreference(ctx context.Context, arg UpsertNotificationPreferenceParams) (NotificationPreference, error)

	// Templates.
	CreateNotificationTemplate(ctx context.Context, arg CreateNotificationTemplateParams) (NotificationTemplate, error)
	UpdateNotificationTemplate(ctx context.Context, arg UpdateNotificationTemplateParams) (NotificationTemplate, error)
	GetNotificationTemplate(ctx context.Context, key string) (NotificationTemplate, error)
	ListNotificationTemplates(ctx context.Context) ([]NotificationTemplate, error)

	// Scheduled tasks.
	CreateScheduledTask(ctx context.Context, arg CreateScheduledTaskParams) (ScheduledTask, error)
	GetScheduledTask(ctx context.Context, id uuid.UUID) (ScheduledTask, error)
	ListScheduledTasks(ctx context.Context, includeRetired bool) ([]ScheduledTask, error)
	ListDueScheduledTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	CompleteTaskOccurrence(ctx context.Context, arg CompleteTaskOccurrenceParams) (bool, error)
	RetireScheduledTask(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteRetiredScheduledTasks(ctx context.Context, before time.Time) (int64, error)

	// Read-only directory mirror owned by the record/credential layers.
	GetRecipientByID(ctx context.Context, id string) (Recipient, error)
	ListRecipientIDsByRole(ctx context.Context, role string) ([]string, error)

	Ping(ctx context.Context) error
	InitSchema(ctx context.Context) error
}

type SQLStore struct {
	connPool *pgxpool.Pool
}

// NewStore creates a new Store.
func NewStore(connPool *pgxpool.Pool) Store {
	return &SQLStore{
		connPool: connPool,
	}
}

// Ping checks if the database connection is alive.
func (store *SQLStore) Ping(ctx context.Context) error {
	return store.connPool.Ping(ctx)
}

// ExecTx executes fn inside a single database transaction.
func (store *SQLStore) ExecTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := store.connPool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit(ctx)
}
