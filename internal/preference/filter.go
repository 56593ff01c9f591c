package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/rs/zerolog/log"
)

// Decision is the filter's verdict for one (recipient, type, method) triple.
type Decision string

const (
	// Deliver means attempt the channel now.
	Deliver Decision = "deliver"
	// Hold means the recipient wants the notification but not right now
	// (quiet hours, or a batched frequency). The persisted record stands;
	// batch materialization is a collaborator concern.
	Hold Decision = "hold"
	// Skip means the recipient opted out of this type or method.
	Skip Decision = "skip"
)

// PreferenceStore is the slice of db.Store the filter needs.
type PreferenceStore interface {
	GetNotificationPreference(ctx context.Context, recipientID string) (db.NotificationPreference, error)
}

// Filter decides per recipient whether a candidate delivery method should be
// used for a notification, consulting stored preferences and quiet hours.
type Filter struct {
	store PreferenceStore
}

func NewFilter(store PreferenceStore) *Filter {
	return &Filter{store: store}
}

// Decide applies the eligibility policy at time now.
//
// Urgent priority bypasses type, quiet-hour, and frequency restrictions, but
// a hard-disabled method still wins: security and legal opt-outs override
// urgency. A missing preference row, or a lookup failure, falls back to safe
// defaults so new users are never silently muted.
func (f *Filter) Decide(ctx context.Context, recipientID string, typ db.NotificationType, method db.DeliveryMethod, priority db.NotificationPriority, now time.Time) Decision {
	pref, err := f.store.GetNotificationPreference(ctx, recipientID)
	if err != nil {
		if !errors.Is(err, db.ErrRecordNotFound) {
			log.Warn().Err(err).Str("recipient_id", recipientID).
				Msg("preference lookup failed, using defaults")
		}
		pref = db.DefaultNotificationPreference(recipientID)
	}

	if containsMethod(pref.DisabledMethods, method) {
		return Skip
	}

	if priority == db.NotificationPriorityUrgent {
		return Deliver
	}

	if !containsType(pref.EnabledTypes, typ) {
		return Skip
	}
	if !containsMethod(pref.EnabledMethods, method) {
		return Skip
	}

	if inQuietHours(pref, now) {
		return Hold
	}

	if pref.Frequency != db.NotificationFrequencyImmediate {
		return Hold
	}

	return Deliver
}

// Eligible reports whether the method should be attempted right now.
func (f *Filter) Eligible(ctx context.Context, recipientID string, typ db.NotificationType, method db.DeliveryMethod, priority db.NotificationPriority, now time.Time) bool {
	return f.Decide(ctx, recipientID, typ, method, priority, now) == Deliver
}

// inQuietHours evaluates the window in the recipient's stored timezone. A
// window whose end precedes its start wraps past midnight (22:00–06:00).
func inQuietHours(pref db.NotificationPreference, now time.Time) bool {
	if pref.QuietStart == nil || pref.QuietEnd == nil {
		return false
	}

	start, err := parseClockMinutes(*pref.QuietStart)
	if err != nil {
		log.Warn().Err(err).Str("recipient_id", pref.RecipientID).Msg("invalid quiet_start, ignoring quiet hours")
		return false
	}
	end, err := parseClockMinutes(*pref.QuietEnd)
	if err != nil {
		log.Warn().Err(err).Str("recipient_id", pref.RecipientID).Msg("invalid quiet_end, ignoring quiet hours")
		return false
	}

	loc := time.UTC
	if pref.Timezone != "" {
		loc, err = time.LoadLocation(pref.Timezone)
		if err != nil {
			log.Warn().Err(err).Str("recipient_id", pref.RecipientID).Msg("invalid timezone, evaluating quiet hours in UTC")
			loc = time.UTC
		}
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Wraps midnight: quiet from start until 24:00 and from 00:00 until end.
	return minute >= start || minute < end
}

func parseClockMinutes(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func containsType(ts []db.NotificationType, t db.NotificationType) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func containsMethod(ms []db.DeliveryMethod, m db.DeliveryMethod) bool {
	for _, v := range ms {
		if v == m {
			return true
		}
	}
	return false
}
