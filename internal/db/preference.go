package db

import (
	"context"
	"time"
)

const preferenceColumns = `recipient_id, enabled_types, enabled_methods, disabled_methods,
	quiet_start, quiet_end, timezone, frequency, updated_at`

// DefaultNotificationPreference is the safe default used when a recipient has
// no stored preference row: every type enabled, realtime only, no quiet
// hours, immediate delivery. New users must never be silently muted.
func DefaultNotificationPreference(recipientID string) NotificationPreference {
	return NotificationPreference{
		RecipientID:    recipientID,
		EnabledTypes:   AllNotificationTypes(),
		EnabledMethods: []DeliveryMethod{DeliveryMethodRealtime},
		Timezone:       "UTC",
		Frequency:      NotificationFrequencyImmediate,
	}
}

func (store *SQLStore) GetNotificationPreference(ctx context.Context, recipientID string) (NotificationPreference, error) {
	row := store.connPool.QueryRow(ctx, `
		SELECT `+preferenceColumns+` FROM notification_preferences
		WHERE recipient_id = $1`, recipientID)

	var p NotificationPreference
	var types, enabled, disabled []string

	err := row.Scan(
		&p.RecipientID, &types, &enabled, &disabled,
		&p.QuietStart, &p.QuietEnd, &p.Timezone, &p.Frequency, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}

	p.EnabledTypes = toTypes(types)
	p.EnabledMethods = toMethods(enabled)
	p.DisabledMethods = toMethods(disabled)
	return p, nil
}

type UpsertNotificationPreferenceParams struct {
	RecipientID     string                `json:"recipient_id"`
	EnabledTypes    []NotificationType    `json:"enabled_types"`
	EnabledMethods  []DeliveryMethod      `json:"enabled_methods"`
	DisabledMethods []DeliveryMethod      `json:"disabled_methods"`
	QuietStart      *string               `json:"quiet_start"`
	QuietEnd        *string               `json:"quiet_end"`
	Timezone        string                `json:"timezone"`
	Frequency       NotificationFrequency `json:"frequency"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// UpsertNotificationPreference writes the recipient's full preference row,
// creating it on first access.
func (store *SQLStore) UpsertNotificationPreference(ctx context.Context, arg UpsertNotificationPreferenceParams) (NotificationPreference, error) {
	row := store.connPool.QueryRow(ctx, `
		INSERT INTO notification_preferences
			(recipient_id, enabled_types, enabled_methods, disabled_methods,
			 quiet_start, quiet_end, timezone, frequency, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (recipient_id) DO UPDATE SET
			enabled_types    = EXCLUDED.enabled_types,
			enabled_methods  = EXCLUDED.enabled_methods,
			disabled_methods = EXCLUDED.disabled_methods,
			quiet_start      = EXCLUDED.quiet_start,
			quiet_end        = EXCLUDED.quiet_end,
			timezone         = EXCLUDED.timezone,
			frequency        = EXCLUDED.frequency,
			updated_at       = EXCLUDED.updated_at
		RETURNING `+preferenceColumns,
		arg.RecipientID, typeStrings(arg.EnabledTypes), methodStrings(arg.EnabledMethods),
		methodStrings(arg.DisabledMethods), arg.QuietStart, arg.QuietEnd,
		arg.Timezone, string(arg.Frequency), arg.UpdatedAt,
	)

	var p NotificationPreference
	var types, enabled, disabled []string

	err := row.Scan(
		&p.RecipientID, &types, &enabled, &disabled,
		&p.QuietStart, &p.QuietEnd, &p.Timezone, &p.Frequency, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}

	p.EnabledTypes = toTypes(types)
	p.EnabledMethods = toMethods(enabled)
	p.DisabledMethods = toMethods(disabled)
	return p, nil
}
