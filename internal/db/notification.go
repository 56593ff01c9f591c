package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const notificationColumns = `id, type, title, body, priority, metadata, created_at, expires_at`

const stateColumns = `notification_id, recipient_id, delivered_methods, delivered_at,
	failed_methods, last_delivery_error, is_read, read_at, is_dismissed, dismissed_at`

type CreateNotificationTxParams struct {
	ID         uuid.UUID            `json:"id"`
	Type       NotificationType     `json:"type"`
	Title      string               `json:"title"`
	Body       string               `json:"body"`
	Priority   NotificationPriority `json:"priority"`
	Metadata   map[string]string    `json:"metadata"`
	CreatedAt  time.Time            `json:"created_at"`
	ExpiresAt  *time.Time           `json:"expires_at"`
	Recipients []string             `json:"recipients"`
}

// CreateNotificationTx inserts the notification row and one state row per
// recipient in a single transaction. Either every row exists afterwards or
// none do.
func (store *SQLStore) CreateNotificationTx(ctx context.Context, arg CreateNotificationTxParams) (Notification, error) {
	var notification Notification

	metadata, err := marshalStringMap(arg.Metadata)
	if err != nil {
		return notification, fmt.Errorf("failed to encode metadata: %w", err)
	}

	err = store.ExecTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO notifications (id, type, title, body, priority, metadata, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+notificationColumns,
			arg.ID, string(arg.Type), arg.Title, arg.Body, string(arg.Priority), metadata, arg.CreatedAt, arg.ExpiresAt,
		)

		var txErr error
		notification, txErr = scanNotification(row)
		if txErr != nil {
			return txErr
		}

		_, txErr = tx.Exec(ctx, `
			INSERT INTO notification_states (notification_id, recipient_id)
			SELECT $1, unnest($2::text[])`,
			arg.ID, arg.Recipients,
		)
		return txErr
	})
	if err != nil {
		return Notification{}, err
	}

	return notification, nil
}

func (store *SQLStore) GetNotificationByID(ctx context.Context, id uuid.UUID) (Notification, error) {
	row := store.connPool.QueryRow(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	return scanNotification(row)
}

type GetNotificationStateParams struct {
	NotificationID uuid.UUID `json:"notification_id"`
	RecipientID    string    `json:"recipient_id"`
}

func (store *SQLStore) GetNotificationState(ctx context.Context, arg GetNotificationStateParams) (NotificationState, error) {
	row := store.connPool.QueryRow(ctx, `
		SELECT `+stateColumns+` FROM notification_states
		WHERE notification_id = $1 AND recipient_id = $2`,
		arg.NotificationID, arg.RecipientID)
	return scanState(row)
}

type ListNotificationsByRecipientParams struct {
	RecipientID string           `json:"recipient_id"`
	UnreadOnly  bool             `json:"unread_only"`
	Type        NotificationType `json:"type"` // empty means all types
	Limit       int32            `json:"limit"`
	Offset      int32            `json:"offset"`
}

// ListNotificationsByRecipient returns the recipient's feed, newest first.
// Dismissed notifications never show up again.
func (store *SQLStore) ListNotificationsByRecipient(ctx context.Context, arg ListNotificationsByRecipientParams) ([]NotificationWithState, error) {
	rows, err := store.connPool.Query(ctx, `
		SELECT n.id, n.type, n.title, n.body, n.priority, n.metadata, n.created_at, n.expires_at,
		       s.delivered_methods, s.delivered_at, s.is_read, s.read_at, s.is_dismissed
		FROM notifications n
		JOIN notification_states s ON s.notification_id = n.id
		WHERE s.recipient_id = $1
		  AND NOT s.is_dismissed
		  AND (NOT $2::bool OR NOT s.is_read)
		  AND ($3::text = '' OR n.type = $3)
		ORDER BY n.created_at DESC
		LIMIT $4 OFFSET $5`,
		arg.RecipientID, arg.UnreadOnly, string(arg.Type), arg.Limit, arg.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []NotificationWithState{}
	for rows.Next() {
		var item NotificationWithState
		var metadata []byte
		var delivered []string

		err = rows.Scan(
			&item.ID, &item.Type, &item.Title, &item.Body, &item.Priority,
			&metadata, &item.CreatedAt, &item.ExpiresAt,
			&delivered, &item.DeliveredAt, &item.IsRead, &item.ReadAt, &item.IsDismissed,
		)
		if err != nil {
			return nil, err
		}

		if item.Metadata, err = unmarshalStringMap(metadata); err != nil {
			return nil, err
		}
		item.DeliveredMethods = toMethods(delivered)
		items = append(items, item)
	}

	return items, rows.Err()
}

func (store *SQLStore) CountUnreadNotifications(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := store.connPool.QueryRow(ctx, `
		SELECT count(*) FROM notification_states
		WHERE recipient_id = $1 AND NOT is_read AND NOT is_dismissed`,
		recipientID).Scan(&count)
	return count, err
}

type MarkNotificationReadParams struct {
	NotificationID uuid.UUID `json:"notification_id"`
	RecipientID    string    `json:"recipient_id"`
	ReadAt         time.Time `json:"read_at"`
}

// MarkNotificationRead sets is_read idempotently: read_at sticks at the
// first acknowledgement. A read with no recorded delivery counts as a
// simultaneous realtime delivery (the recipient was looking at the feed).
func (store *SQLStore) MarkNotificationRead(ctx context.Context, arg MarkNotificationReadParams) (NotificationState, error) {
	row := store.connPool.QueryRow(ctx, `
		UPDATE notification_states
		SET is_read = true,
		    read_at = COALESCE(read_at, $3),
		    delivered_methods = CASE WHEN cardinality(delivered_methods) = 0
		        THEN ARRAY['realtime'] ELSE delivered_methods END,
		    delivered_at = COALESCE(delivered_at, $3)
		WHERE notification_id = $1 AND recipient_id = $2
		RETURNING `+stateColumns,
		arg.NotificationID, arg.RecipientID, arg.ReadAt)
	return scanState(row)
}

type MarkAllNotificationsReadParams struct {
	RecipientID string    `json:"recipient_id"`
	ReadAt      time.Time `json:"read_at"`
}

func (store *SQLStore) MarkAllNotificationsRead(ctx context.Context, arg MarkAllNotificationsReadParams) (int64, error) {
	tag, err := store.connPool.Exec(ctx, `
		UPDATE notification_states
		SET is_read = true,
		    read_at = COALESCE(read_at, $2),
		    delivered_methods = CASE WHEN cardinality(delivered_methods) = 0
		        THEN ARRAY['realtime'] ELSE delivered_methods END,
		    delivered_at = COALESCE(delivered_at, $2)
		WHERE recipient_id = $1 AND NOT is_read`,
		arg.RecipientID, arg.ReadAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type DismissNotificationParams struct {
	NotificationID uuid.UUID `json:"notification_id"`
	RecipientID    string    `json:"recipient_id"`
	DismissedAt    time.Time `json:"dismissed_at"`
}

func (store *SQLStore) DismissNotification(ctx context.Context, arg DismissNotificationParams) (NotificationState, error) {
	row := store.connPool.QueryRow(ctx, `
		UPDATE notification_states
		SET is_dismissed = true,
		    dismissed_at = COALESCE(dismissed_at, $3)
		WHERE notification_id = $1 AND recipient_id = $2
		RETURNING `+stateColumns,
		arg.NotificationID, arg.RecipientID, arg.DismissedAt)
	return scanState(row)
}

type MarkNotificationDeliveredParams struct {
	NotificationID uuid.UUID      `json:"notification_id"`
	RecipientID    string         `json:"recipient_id"`
	Method         DeliveryMethod `json:"method"`
	DeliveredAt    time.Time      `json:"delivered_at"`
}

// MarkNotificationDelivered records one successful delivery attempt. A
// method already present is left alone, so recording is idempotent per
// channel; delivered_at keeps the first success.
func (store *SQLStore) MarkNotificationDelivered(ctx context.Context, arg MarkNotificationDeliveredParams) error {
	_, err := store.connPool.Exec(ctx, `
		UPDATE notification_states
		SET delivered_methods = array_append(delivered_methods, $3),
		    delivered_at = COALESCE(delivered_at, $4)
		WHERE notification_id = $1 AND recipient_id = $2
		  AND NOT ($3 = ANY(delivered_methods))`,
		arg.NotificationID, arg.RecipientID, string(arg.Method), arg.DeliveredAt)
	return err
}

type RecordDeliveryFailureParams struct {
	NotificationID uuid.UUID      `json:"notification_id"`
	RecipientID    string         `json:"recipient_id"`
	Method         DeliveryMethod `json:"method"`
	Reason         string         `json:"reason"`
}

// RecordDeliveryFailure marks a channel permanently failed for this
// recipient after retries are exhausted. Never raised to the dispatch
// caller; the state row is the surfacing mechanism.
func (store *SQLStore) RecordDeliveryFailure(ctx context.Context, arg RecordDeliveryFailureParams) error {
	_, err := store.connPool.Exec(ctx, `
		UPDATE notification_states
		SET failed_methods = CASE WHEN $3 = ANY(failed_methods)
		        THEN failed_methods ELSE array_append(failed_methods, $3) END,
		    last_delivery_error = $4
		WHERE notification_id = $1 AND recipient_id = $2`,
		arg.NotificationID, arg.RecipientID, string(arg.Method), arg.Reason)
	return err
}

// DeleteExpiredNotifications removes notifications whose expiry has passed
// and whose every recipient state is terminal (read or dismissed). State
// rows go with them via ON DELETE CASCADE.
func (store *SQLStore) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error) {
	tag, err := store.connPool.Exec(ctx, `
		DELETE FROM notifications n
		WHERE n.expires_at IS NOT NULL
		  AND n.expires_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM notification_states s
		      WHERE s.notification_id = n.id
		        AND NOT (s.is_read OR s.is_dismissed)
		  )`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	var metadata []byte

	err := row.Scan(&n.ID, &n.Type, &n.Title, &n.Body, &n.Priority, &metadata, &n.CreatedAt, &n.ExpiresAt)
	if err != nil {
		return n, err
	}

	n.Metadata, err = unmarshalStringMap(metadata)
	return n, err
}

func scanState(row pgx.Row) (NotificationState, error) {
	var s NotificationState
	var delivered, failed []string

	err := row.Scan(
		&s.NotificationID, &s.RecipientID, &delivered, &s.DeliveredAt,
		&failed, &s.LastDeliveryError, &s.IsRead, &s.ReadAt, &s.IsDismissed, &s.DismissedAt,
	)
	if err != nil {
		return s, err
	}

	s.DeliveredMethods = toMethods(delivered)
	s.FailedMethods = toMethods(failed)
	return s, nil
}

func marshalStringMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalStringMap(raw []byte) (map[string]string, error) {
	m := map[string]string{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode jsonb map: %w", err)
	}
	return m, nil
}
