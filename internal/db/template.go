package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const templateColumns = `key, title_pattern, body_pattern, default_type, default_priority, created_at, updated_at`

type CreateNotificationTemplateParams struct {
	Key             string               `json:"key"`
	TitlePattern    string               `json:"title_pattern"`
	BodyPattern     string               `json:"body_pattern"`
	DefaultType     NotificationType     `json:"default_type"`
	DefaultPriority NotificationPriority `json:"default_priority"`
	CreatedAt       time.Time            `json:"created_at"`
}

func (store *SQLStore) CreateNotificationTemplate(ctx context.Context, arg CreateNotificationTemplateParams) (NotificationTemplate, error) {
	row := store.connPool.QueryRow(ctx, `
		INSERT INTO notification_templates
			(key, title_pattern, body_pattern, default_type, default_priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+templateColumns,
		arg.Key, arg.TitlePattern, arg.BodyPattern,
		string(arg.DefaultType), string(arg.DefaultPriority), arg.CreatedAt,
	)
	return scanTemplate(row)
}

type UpdateNotificationTemplateParams struct {
	Key             string               `json:"key"`
	TitlePattern    string               `json:"title_pattern"`
	BodyPattern     string               `json:"body_pattern"`
	DefaultType     NotificationType     `json:"default_type"`
	DefaultPriority NotificationPriority `json:"default_priority"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func (store *SQLStore) UpdateNotificationTemplate(ctx context.Context, arg UpdateNotificationTemplateParams) (NotificationTemplate, error) {
	row := store.connPool.QueryRow(ctx, `
		UPDATE notification_templates
		SET title_pattern = $2, body_pattern = $3, default_type = $4,
		    default_priority = $5, updated_at = $6
		WHERE key = $1
		RETURNING `+templateColumns,
		arg.Key, arg.TitlePattern, arg.BodyPattern,
		string(arg.DefaultType), string(arg.DefaultPriority), arg.UpdatedAt,
	)
	return scanTemplate(row)
}

func (store *SQLStore) GetNotificationTemplate(ctx context.Context, key string) (NotificationTemplate, error) {
	row := store.connPool.QueryRow(ctx, `
		SELECT `+templateColumns+` FROM notification_templates WHERE key = $1`, key)
	return scanTemplate(row)
}

func (store *SQLStore) ListNotificationTemplates(ctx context.Context) ([]NotificationTemplate, error) {
	rows, err := store.connPool.Query(ctx, `
		SELECT `+templateColumns+` FROM notification_templates ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := []NotificationTemplate{}
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}

	return templates, rows.Err()
}

func scanTemplate(row pgx.Row) (NotificationTemplate, error) {
	var t NotificationTemplate
	err := row.Scan(
		&t.Key, &t.TitlePattern, &t.BodyPattern,
		&t.DefaultType, &t.DefaultPriority, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
