package db

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationTypeNotice       NotificationType = "notice"
	NotificationTypeGrade        NotificationType = "grade"
	NotificationTypeAttendance   NotificationType = "attendance"
	NotificationTypeAssignment   NotificationType = "assignment"
	NotificationTypeSystem       NotificationType = "system"
	NotificationTypeReminder     NotificationType = "reminder"
	NotificationTypeAnnouncement NotificationType = "announcement"
)

// AllNotificationTypes lists every member of the closed type set.
func AllNotificationTypes() []NotificationType {
	return []NotificationType{
		NotificationTypeNotice,
		NotificationTypeGrade,
		NotificationTypeAttendance,
		NotificationTypeAssignment,
		NotificationTypeSystem,
		NotificationTypeReminder,
		NotificationTypeAnnouncement,
	}
}

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeNotice, NotificationTypeGrade, NotificationTypeAttendance,
		NotificationTypeAssignment, NotificationTypeSystem, NotificationTypeReminder,
		NotificationTypeAnnouncement:
		return true
	}
	return false
}

type NotificationPriority string

const (
	NotificationPriorityLow    NotificationPriority = "low"
	NotificationPriorityNormal NotificationPriority = "normal"
	NotificationPriorityHigh   NotificationPriority = "high"
	NotificationPriorityUrgent NotificationPriority = "urgent"
)

func (p NotificationPriority) Valid() bool {
	switch p {
	case NotificationPriorityLow, NotificationPriorityNormal,
		NotificationPriorityHigh, NotificationPriorityUrgent:
		return true
	}
	return false
}

type DeliveryMethod string

const (
	DeliveryMethodRealtime DeliveryMethod = "realtime"
	DeliveryMethodEmail    DeliveryMethod = "email"
)

func (m DeliveryMethod) Valid() bool {
	return m == DeliveryMethodRealtime || m == DeliveryMethodEmail
}

type NotificationFrequency string

const (
	NotificationFrequencyImmediate NotificationFrequency = "immediate"
	NotificationFrequencyHourly    NotificationFrequency = "hourly"
	NotificationFrequencyDaily     NotificationFrequency = "daily"
	NotificationFrequencyWeekly    NotificationFrequency = "weekly"
)

func (f NotificationFrequency) Valid() bool {
	switch f {
	case NotificationFrequencyImmediate, NotificationFrequencyHourly,
		NotificationFrequencyDaily, NotificationFrequencyWeekly:
		return true
	}
	return false
}

// Notification is one event worth communicating. Rows are immutable after
// insert; the scheduler's expiry sweep is the only thing that removes them.
type Notification struct {
	ID        uuid.UUID            `json:"id"`
	Type      NotificationType     `json:"type"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Priority  NotificationPriority `json:"priority"`
	Metadata  map[string]string    `json:"metadata"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt *time.Time           `json:"expires_at"`
}

// NotificationState tracks delivery and read progress for one
// (notification, recipient) pair.
type NotificationState struct {
	NotificationID    uuid.UUID        `json:"notification_id"`
	RecipientID       string           `json:"recipient_id"`
	DeliveredMethods  []DeliveryMethod `json:"delivered_methods"`
	DeliveredAt       *time.Time       `json:"delivered_at"`
	FailedMethods     []DeliveryMethod `json:"failed_methods"`
	LastDeliveryError *string          `json:"last_delivery_error"`
	IsRead            bool             `json:"is_read"`
	ReadAt            *time.Time       `json:"read_at"`
	IsDismissed       bool             `json:"is_dismissed"`
	DismissedAt       *time.Time       `json:"dismissed_at"`
}

// Delivered reports whether the given method has a successful delivery
// recorded.
func (s NotificationState) Delivered(method DeliveryMethod) bool {
	for _, m := range s.DeliveredMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Terminal reports whether the recipient is done with this notification.
// The expiry sweep only deletes a notification once every state is terminal.
func (s NotificationState) Terminal() bool {
	return s.IsRead || s.IsDismissed
}

// NotificationWithState is the list-view row returned to a recipient.
type NotificationWithState struct {
	Notification
	DeliveredMethods []DeliveryMethod `json:"delivered_methods"`
	DeliveredAt      *time.Time       `json:"delivered_at"`
	IsRead           bool             `json:"is_read"`
	ReadAt           *time.Time       `json:"read_at"`
	IsDismissed      bool             `json:"is_dismissed"`
}

// NotificationTemplate is a named pattern notifications are rendered from.
// Patterns use {variable} placeholders; see the template package.
type NotificationTemplate struct {
	Key             string               `json:"key"`
	TitlePattern    string               `json:"title_pattern"`
	BodyPattern     string               `json:"body_pattern"`
	DefaultType     NotificationType     `json:"default_type"`
	DefaultPriority NotificationPriority `json:"default_priority"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// NotificationPreference is a recipient's delivery configuration.
// DisabledMethods are hard opt-outs that even urgent notifications respect.
type NotificationPreference struct {
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

// ScheduledTask is a recurring or one-shot notification definition the
// scheduler materializes when due.
type ScheduledTask struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	TemplateKey string            `json:"template_key"`
	Variables   map[string]string `json:"variables"`
	Audience    Audience          `json:"audience"`
	Schedule    Schedule          `json:"schedule"`
	NextFireAt  *time.Time        `json:"next_fire_at"`
	LastFiredAt *time.Time        `json:"last_fired_at"`
	Retired     bool              `json:"retired"`
	CreatedAt   time.Time         `json:"created_at"`
}

type AudienceKind string

const (
	AudienceKindIDs  AudienceKind = "ids"
	AudienceKindRole AudienceKind = "role"
)

// Audience selects the recipients of a scheduled task. It is resolved to a
// concrete id set at fire time, never stored as a dynamic query result.
type Audience struct {
	Kind AudienceKind `json:"kind"`
	IDs  []string     `json:"ids,omitempty"`
	Role string       `json:"role,omitempty"`
}

// Recipient is a read-only row mirrored from the directory the credential
// and record layers own. This service never writes it.
type Recipient struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}
