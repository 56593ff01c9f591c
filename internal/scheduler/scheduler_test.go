package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/dispatch"
	"github.com/stretchr/testify/require"
)

type fakeTaskStore struct {
	db.Store

	mu            sync.Mutex
	tasks         map[uuid.UUID]*db.ScheduledTask
	expiredSwept  int
	retiredPruned int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: map[uuid.UUID]*db.ScheduledTask{}}
}

func (s *fakeTaskStore) add(task db.ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task
	s.tasks[task.ID] = &t
}

func (s *fakeTaskStore) get(id uuid.UUID) db.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *fakeTaskStore) ListDueScheduledTasks(_ context.Context, now time.Time) ([]db.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := []db.ScheduledTask{}
	for _, task := range s.tasks {
		if !task.Retired && task.NextFireAt != nil && !task.NextFireAt.After(now) {
			due = append(due, *task)
		}
	}
	return due, nil
}

func (s *fakeTaskStore) CompleteTaskOccurrence(_ context.Context, arg db.CompleteTaskOccurrenceParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[arg.ID]
	if !ok || task.Retired || task.NextFireAt == nil || !task.NextFireAt.Equal(arg.FiredAt) {
		return false, nil
	}

	fired := arg.FiredAt
	task.LastFiredAt = &fired
	task.NextFireAt = arg.NextFireAt
	if arg.NextFireAt == nil {
		task.Retired = true
	}
	return true, nil
}

func (s *fakeTaskStore) DeleteExpiredNotifications(_ context.Context, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredSwept++
	return 2, nil
}

func (s *fakeTaskStore) DeleteRetiredScheduledTasks(_ context.Context, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retiredPruned++
	return 1, nil
}

type countingDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	err      error
}

func (d *countingDispatcher) Dispatch(_ context.Context, req dispatch.Request) (db.Notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return db.Notification{}, d.err
	}
	d.requests = append(d.requests, req)
	return db.Notification{ID: uuid.New()}, nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type staticResolver struct {
	ids []string
	err error
}

func (r *staticResolver) Resolve(_ context.Context, _ db.Audience) ([]string, error) {
	return r.ids, r.err
}

func timePtr(t time.Time) *time.Time { return &t }

func newTestScheduler(t *testing.T, store db.Store, dispatcher NotificationDispatcher, resolver dispatch.RecipientResolver) (*Scheduler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	s, err := NewScheduler(store, dispatcher, resolver, clock, time.Minute, time.Hour)
	require.NoError(t, err)
	return s, clock
}

func TestOneShotTaskFiresOnceThenRetires(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore()
	dispatcher := &countingDispatcher{}
	s, clock := newTestScheduler(t, store, dispatcher, &staticResolver{ids: []string{"stu-1"}})

	fireAt := clock.Now().Add(-time.Minute) // already past due
	taskID := uuid.New()
	store.add(db.ScheduledTask{
		ID:          taskID,
		Name:        "lab 4 reminder",
		TemplateKey: "assignment_due",
		Audience:    db.Audience{Kind: db.AudienceKindIDs, IDs: []string{"stu-1"}},
		Schedule:    db.Schedule{Kind: db.ScheduleKindOnce, FireAt: timePtr(fireAt)},
		NextFireAt:  timePtr(fireAt),
	})

	s.runDueScan(context.Background())
	require.Equal(t, 1, dispatcher.count())

	task := store.get(taskID)
	require.True(t, task.Retired)
	require.Nil(t, task.NextFireAt)
	require.NotNil(t, task.LastFiredAt)
	require.True(t, task.LastFiredAt.Equal(fireAt))

	// A second tick at the same time must not materialize a second notification.
	s.runDueScan(context.Background())
	require.Equal(t, 1, dispatcher.count())
}

func TestRecurringTaskAdvancesAndFiresOncePerOccurrence(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore()
	dispatcher := &countingDispatcher{}
	s, clock := newTestScheduler(t, store, dispatcher, &staticResolver{ids: []string{"stu-1"}})

	due := clock.Now().Add(-time.Second)
	taskID := uuid.New()
	store.add(db.ScheduledTask{
		ID:          taskID,
		Name:        "weekly maintenance notice",
		TemplateKey: "maintenance",
		Audience:    db.Audience{Kind: db.AudienceKindRole, Role: "student"},
		Schedule:    db.Schedule{Kind: db.ScheduleKindInterval, Every: 24 * time.Hour},
		NextFireAt:  timePtr(due),
	})

	// Two ticks at the same due time: exactly one materialization.
	s.runDueScan(context.Background())
	s.runDueScan(context.Background())
	require.Equal(t, 1, dispatcher.count())

	task := store.get(taskID)
	require.False(t, task.Retired)
	require.True(t, task.LastFiredAt.Equal(due))
	require.True(t, task.NextFireAt.Equal(due.Add(24*time.Hour)))

	// Once the next occurrence arrives, it fires again.
	clock.Advance(25 * time.Hour)
	s.runDueScan(context.Background())
	require.Equal(t, 2, dispatcher.count())
}

func TestFailedDispatchDoesNotAdvanceTask(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore()
	dispatcher := &countingDispatcher{err: errors.New("store unavailable")}
	s, clock := newTestScheduler(t, store, dispatcher, &staticResolver{ids: []string{"stu-1"}})

	due := clock.Now().Add(-time.Second)
	taskID := uuid.New()
	store.add(db.ScheduledTask{
		ID:          taskID,
		Name:        "flaky",
		TemplateKey: "assignment_due",
		Schedule:    db.Schedule{Kind: db.ScheduleKindInterval, Every: time.Hour},
		NextFireAt:  timePtr(due),
	})

	s.runDueScan(context.Background())

	// Occurrence not advanced: the same one retries on the next tick.
	task := store.get(taskID)
	require.Nil(t, task.LastFiredAt)
	require.True(t, task.NextFireAt.Equal(due))

	dispatcher.err = nil
	s.runDueScan(context.Background())
	require.Equal(t, 1, dispatcher.count())
	require.NotNil(t, store.get(taskID).LastFiredAt)
}

func TestOneTaskFailureDoesNotStopTheLoop(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore()
	dispatcher := &countingDispatcher{}
	// Resolver fails for every task; the scan must still visit all of them
	// without panicking or aborting.
	s, clock := newTestScheduler(t, store, dispatcher, &staticResolver{err: errors.New("directory down")})

	due := clock.Now().Add(-time.Second)
	for i := 0; i < 3; i++ {
		store.add(db.ScheduledTask{
			ID:         uuid.New(),
			Name:       "task",
			Schedule:   db.Schedule{Kind: db.ScheduleKindInterval, Every: time.Hour},
			NextFireAt: timePtr(due),
		})
	}

	s.runDueScan(context.Background())
	require.Equal(t, 0, dispatcher.count())

	// None advanced; all three retry next tick.
	tasks, err := store.ListDueScheduledTasks(context.Background(), clock.Now())
	require.NoError(t, err)
	require.Len(t, tasks, 3)
}

func TestZeroRecipientsSkipsOccurrence(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore()
	dispatcher := &countingDispatcher{}
	s, clock := newTestScheduler(t, store, dispatcher, &staticResolver{ids: []string{}})

	due := clock.Now().Add(-time.Second)
	taskID := uuid.New()
	store.add(db.ScheduledTask{
		ID:         taskID,
		Name:       "orphaned reminder",
		Schedule:   db.Schedule{Kind: db.ScheduleKindInterval, Every: time.Hour},
		NextFireAt: timePtr(due),
	})

	s.runDueScan(context.Background())

	// No notification, but the occurrence is consumed so the task does not
	// spin on every tick.
	require.Equal(t, 0, dispatcher.count())
	task := store.get(taskID)
	require.True(t, task.NextFireAt.Equal(due.Add(time.Hour)))
}

func TestExpirySweepDelegatesToStore(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore()
	s, _ := newTestScheduler(t, store, &countingDispatcher{}, &staticResolver{})

	s.runExpirySweep(context.Background())
	require.Equal(t, 1, store.expiredSwept)
	require.Equal(t, 1, store.retiredPruned)
}
