package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/preference"
	"github.com/mbc-dms/notification-service/internal/registry"
	"github.com/mbc-dms/notification-service/internal/template"
	"github.com/mbc-dms/notification-service/internal/worker"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory db.Store covering what the dispatcher touches.
// Unimplemented methods panic via the embedded nil interface.
type fakeStore struct {
	db.Store

	mu            sync.Mutex
	notifications map[uuid.UUID]db.Notification
	states        map[uuid.UUID]map[string]*db.NotificationState
	templates     map[string]db.NotificationTemplate
	prefs         map[string]db.NotificationPreference
	createErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: map[uuid.UUID]db.Notification{},
		states:        map[uuid.UUID]map[string]*db.NotificationState{},
		templates:     map[string]db.NotificationTemplate{},
		prefs:         map[string]db.NotificationPreference{},
	}
}

func (s *fakeStore) CreateNotificationTx(_ context.Context, arg db.CreateNotificationTxParams) (db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return db.Notification{}, s.createErr
	}

	n := db.Notification{
		ID:        arg.ID,
		Type:      arg.Type,
		Title:     arg.Title,
		Body:      arg.Body,
		Priority:  arg.Priority,
		Metadata:  arg.Metadata,
		CreatedAt: arg.CreatedAt,
		ExpiresAt: arg.ExpiresAt,
	}
	s.notifications[arg.ID] = n
	s.states[arg.ID] = map[string]*db.NotificationState{}
	for _, recipientID := range arg.Recipients {
		s.states[arg.ID][recipientID] = &db.NotificationState{
			NotificationID: arg.ID,
			RecipientID:    recipientID,
		}
	}
	return n, nil
}

func (s *fakeStore) GetNotificationTemplate(_ context.Context, key string) (db.NotificationTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpl, ok := s.templates[key]
	if !ok {
		return db.NotificationTemplate{}, db.ErrRecordNotFound
	}
	return tmpl, nil
}

func (s *fakeStore) GetNotificationPreference(_ context.Context, recipientID string) (db.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pref, ok := s.prefs[recipientID]
	if !ok {
		return db.NotificationPreference{}, db.ErrRecordNotFound
	}
	return pref, nil
}

func (s *fakeStore) MarkNotificationDelivered(_ context.Context, arg db.MarkNotificationDeliveredParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[arg.NotificationID][arg.RecipientID]
	if state == nil {
		return db.ErrRecordNotFound
	}
	if !state.Delivered(arg.Method) {
		state.DeliveredMethods = append(state.DeliveredMethods, arg.Method)
		if state.DeliveredAt == nil {
			at := arg.DeliveredAt
			state.DeliveredAt = &at
		}
	}
	return nil
}

func (s *fakeStore) RecordDeliveryFailure(_ context.Context, arg db.RecordDeliveryFailureParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[arg.NotificationID][arg.RecipientID]
	if state == nil {
		return db.ErrRecordNotFound
	}
	state.FailedMethods = append(state.FailedMethods, arg.Method)
	reason := arg.Reason
	state.LastDeliveryError = &reason
	return nil
}

func (s *fakeStore) MarkNotificationRead(_ context.Context, arg db.MarkNotificationReadParams) (db.NotificationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[arg.NotificationID][arg.RecipientID]
	if state == nil {
		return db.NotificationState{}, db.ErrRecordNotFound
	}
	state.IsRead = true
	if state.ReadAt == nil {
		at := arg.ReadAt
		state.ReadAt = &at
	}
	if len(state.DeliveredMethods) == 0 {
		state.DeliveredMethods = []db.DeliveryMethod{db.DeliveryMethodRealtime}
	}
	if state.DeliveredAt == nil {
		at := arg.ReadAt
		state.DeliveredAt = &at
	}
	return *state, nil
}

func (s *fakeStore) state(notificationID uuid.UUID, recipientID string) db.NotificationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.states[notificationID][recipientID]
}

type fakeDistributor struct {
	mu       sync.Mutex
	payloads []worker.PayloadSendEmail
	err      error
}

func (d *fakeDistributor) DistributeTaskSendEmail(_ context.Context, payload *worker.PayloadSendEmail, _ ...asynq.Option) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, *payload)
	return nil
}

func newTestDispatcher(store *fakeStore, distributor worker.TaskDistributor) (*Dispatcher, *registry.Registry, clockwork.Clock) {
	reg := registry.NewRegistry()
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	d := NewDispatcher(store, preference.NewFilter(store), reg, distributor, clock, time.Second)
	return d, reg, clock
}

func TestDispatchToLiveRecipient(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.prefs["stu-1"] = db.NotificationPreference{
		RecipientID:    "stu-1",
		EnabledTypes:   []db.NotificationType{db.NotificationTypeGrade},
		EnabledMethods: []db.DeliveryMethod{db.DeliveryMethodRealtime},
		Timezone:       "UTC",
		Frequency:      db.NotificationFrequencyImmediate,
	}

	dispatcher, reg, _ := newTestDispatcher(store, &fakeDistributor{})
	conn := reg.Attach("stu-1")

	notification, err := dispatcher.Dispatch(context.Background(), Request{
		Type:       db.NotificationTypeGrade,
		Title:      "Grade posted",
		Body:       "Your CS301 grade is available",
		Priority:   db.NotificationPriorityNormal,
		Recipients: []string{"stu-1"},
	})
	require.NoError(t, err)

	// One persisted notification, realtime delivery recorded.
	state := store.state(notification.ID, "stu-1")
	require.True(t, state.Delivered(db.DeliveryMethodRealtime))
	require.NotNil(t, state.DeliveredAt)

	// The live connection received it exactly once.
	select {
	case payload := <-conn.Events():
		require.Equal(t, notification.ID, payload.NotificationID)
	default:
		t.Fatal("expected a live push")
	}
	select {
	case <-conn.Events():
		t.Fatal("expected exactly one live push")
	default:
	}
}

func TestDispatchToOfflineRecipient(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, _, _ := newTestDispatcher(store, &fakeDistributor{})

	notification, err := dispatcher.Dispatch(context.Background(), Request{
		Type:       db.NotificationTypeGrade,
		Title:      "Grade posted",
		Body:       "Your CS301 grade is available",
		Recipients: []string{"stu-1"},
	})
	require.NoError(t, err)

	// Persisted, not delivered, no error: offline delivery is the catch-up.
	state := store.state(notification.ID, "stu-1")
	require.False(t, state.Delivered(db.DeliveryMethodRealtime))
	require.Nil(t, state.DeliveredAt)
	require.False(t, state.IsRead)
}

func TestDispatchTemplated(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.templates["assignment_due"] = db.NotificationTemplate{
		Key:             "assignment_due",
		TitlePattern:    "Assignment due: {assignment}",
		BodyPattern:     "{assignment} for {course} is due in {hours} hours",
		DefaultType:     db.NotificationTypeReminder,
		DefaultPriority: db.NotificationPriorityHigh,
	}

	dispatcher, _, _ := newTestDispatcher(store, &fakeDistributor{})

	notification, err := dispatcher.Dispatch(context.Background(), Request{
		TemplateKey: "assignment_due",
		Variables: map[string]string{
			"assignment": "Lab 4",
			"course":     "CS301",
			"hours":      "24",
		},
		Recipients: []string{"stu-1", "stu-2"},
	})
	require.NoError(t, err)
	require.Equal(t, "Assignment due: Lab 4", notification.Title)
	require.Equal(t, "Lab 4 for CS301 is due in 24 hours", notification.Body)
	require.Equal(t, db.NotificationTypeReminder, notification.Type)
	require.Equal(t, db.NotificationPriorityHigh, notification.Priority)
}

func TestDispatchRenderFailurePersistsNothing(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.templates["assignment_due"] = db.NotificationTemplate{
		Key:          "assignment_due",
		TitlePattern: "Assignment due: {assignment}",
		BodyPattern:  "due in {hours} hours",
		DefaultType:  db.NotificationTypeReminder,
	}

	dispatcher, _, _ := newTestDispatcher(store, &fakeDistributor{})

	_, err := dispatcher.Dispatch(context.Background(), Request{
		TemplateKey: "assignment_due",
		Variables:   map[string]string{"assignment": "Lab 4"}, // hours missing
		Recipients:  []string{"stu-1"},
	})
	require.Error(t, err)

	var renderErr *template.RenderError
	require.True(t, errors.As(err, &renderErr))
	require.Equal(t, "hours", renderErr.Variable)
	require.Empty(t, store.notifications)
}

func TestDispatchPersistenceFailureFailsCall(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.createErr = errors.New("store unavailable")

	dispatcher, _, _ := newTestDispatcher(store, &fakeDistributor{})

	_, err := dispatcher.Dispatch(context.Background(), Request{
		Type:       db.NotificationTypeNotice,
		Title:      "t",
		Body:       "b",
		Recipients: []string{"stu-1"},
	})
	require.Error(t, err)
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()

	dispatcher, _, _ := newTestDispatcher(newFakeStore(), &fakeDistributor{})

	_, err := dispatcher.Dispatch(context.Background(), Request{
		Type: db.NotificationTypeNotice, Title: "t", Body: "b",
	})
	require.ErrorIs(t, err, ErrNoRecipients)

	_, err = dispatcher.Dispatch(context.Background(), Request{
		Type: db.NotificationTypeNotice, Recipients: []string{"stu-1"},
	})
	require.ErrorIs(t, err, ErrMissingContent)

	_, err = dispatcher.Dispatch(context.Background(), Request{
		Type: "bogus", Title: "t", Body: "b", Recipients: []string{"stu-1"},
	})
	require.ErrorIs(t, err, ErrInvalidType)
}

func TestDispatchEnqueuesEmail(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.prefs["stu-1"] = db.NotificationPreference{
		RecipientID:    "stu-1",
		EnabledTypes:   db.AllNotificationTypes(),
		EnabledMethods: []db.DeliveryMethod{db.DeliveryMethodEmail},
		Timezone:       "UTC",
		Frequency:      db.NotificationFrequencyImmediate,
	}

	distributor := &fakeDistributor{}
	dispatcher, _, _ := newTestDispatcher(store, distributor)

	notification, err := dispatcher.Dispatch(context.Background(), Request{
		Type:       db.NotificationTypeAnnouncement,
		Title:      "Maintenance window",
		Body:       "Systems down Saturday night",
		Recipients: []string{"stu-1"},
	})
	require.NoError(t, err)

	require.Len(t, distributor.payloads, 1)
	require.Equal(t, notification.ID, distributor.payloads[0].NotificationID)
	require.Equal(t, "stu-1", distributor.payloads[0].RecipientID)
	require.Equal(t, "Maintenance window", distributor.payloads[0].Subject)
}

func TestDispatchEnqueueFailureIsRecordedNotRaised(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.prefs["stu-1"] = db.NotificationPreference{
		RecipientID:    "stu-1",
		EnabledTypes:   db.AllNotificationTypes(),
		EnabledMethods: []db.DeliveryMethod{db.DeliveryMethodEmail},
		Timezone:       "UTC",
		Frequency:      db.NotificationFrequencyImmediate,
	}

	dispatcher, _, _ := newTestDispatcher(store, &fakeDistributor{err: errors.New("redis down")})

	notification, err := dispatcher.Dispatch(context.Background(), Request{
		Type:       db.NotificationTypeAnnouncement,
		Title:      "t",
		Body:       "b",
		Recipients: []string{"stu-1"},
	})
	require.NoError(t, err) // delivery failure never fails the dispatch

	state := store.state(notification.ID, "stu-1")
	require.Contains(t, state.FailedMethods, db.DeliveryMethodEmail)
	require.NotNil(t, state.LastDeliveryError)
}

func TestDispatchDeduplicatesRecipients(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, _, _ := newTestDispatcher(store, &fakeDistributor{})

	notification, err := dispatcher.Dispatch(context.Background(), Request{
		Type:       db.NotificationTypeNotice,
		Title:      "t",
		Body:       "b",
		Recipients: []string{"stu-1", "stu-1", "", "stu-2"},
	})
	require.NoError(t, err)
	require.Len(t, store.states[notification.ID], 2)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, _, clock := newTestDispatcher(store, &fakeDistributor{})

	notification, err := dispatcher.Dispatch(context.Background(), Request{
		Type:       db.NotificationTypeGrade,
		Title:      "t",
		Body:       "b",
		Recipients: []string{"stu-1"},
	})
	require.NoError(t, err)

	first, err := dispatcher.MarkRead(context.Background(), notification.ID, "stu-1")
	require.NoError(t, err)
	require.True(t, first.IsRead)
	require.NotNil(t, first.ReadAt)

	clock.(*clockwork.FakeClock).Advance(time.Hour)

	second, err := dispatcher.MarkRead(context.Background(), notification.ID, "stu-1")
	require.NoError(t, err)
	require.True(t, second.IsRead)
	require.Equal(t, *first.ReadAt, *second.ReadAt) // read_at sticks at the first call
}

func TestResolveAudience(t *testing.T) {
	t.Parallel()

	resolver := NewStoreResolver(nil)

	ids, err := resolver.Resolve(context.Background(), db.Audience{
		Kind: db.AudienceKindIDs,
		IDs:  []string{"stu-1", "stu-2", "stu-1"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"stu-1", "stu-2"}, ids)

	_, err = resolver.Resolve(context.Background(), db.Audience{Kind: db.AudienceKindIDs})
	require.Error(t, err)

	_, err = resolver.Resolve(context.Background(), db.Audience{Kind: "bogus"})
	require.Error(t, err)
}
