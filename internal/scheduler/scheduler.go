package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/dispatch"
	"github.com/rs/zerolog/log"
)

// retiredTaskRetention is how long fired one-shot and retired tasks stay
// visible to operators before the sweep removes them.
const retiredTaskRetention = 7 * 24 * time.Hour

// NotificationDispatcher is the slice of the dispatcher the scheduler needs.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (db.Notification, error)
}

// Scheduler materializes due scheduled tasks into notifications and sweeps
// expired records. One instance runs per process; both jobs are singletons,
// so a tick still running when its next wake-up arrives is skipped, never
// queued behind itself.
type Scheduler struct {
	store         db.Store
	dispatcher    NotificationDispatcher
	resolver      dispatch.RecipientResolver
	clock         clockwork.Clock
	scheduler     gocron.Scheduler
	tickInterval  time.Duration
	sweepInterval time.Duration
}

func NewScheduler(store db.Store, dispatcher NotificationDispatcher, resolver dispatch.RecipientResolver, clock clockwork.Clock, tickInterval, sweepInterval time.Duration) (*Scheduler, error) {
	gocronScheduler, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		store:         store,
		dispatcher:    dispatcher,
		resolver:      resolver,
		clock:         clock,
		scheduler:     gocronScheduler,
		tickInterval:  tickInterval,
		sweepInterval: sweepInterval,
	}, nil
}

// Start registers the due-scan and expiry-sweep jobs and starts ticking.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.tickInterval),
		gocron.NewTask(func() {
			s.runDueScan(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	_, err = s.scheduler.NewJob(
		gocron.DurationJob(s.sweepInterval),
		gocron.NewTask(func() {
			log.Info().
				Str("job", "expiry_sweep").
				Time("start_time", s.clock.Now()).
				Msg("starting expiry sweep")

			s.runExpirySweep(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	s.scheduler.Start()
	return nil
}

// Stop shuts the tick loop down, waiting for a running job to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// runDueScan materializes every task whose next fire time has arrived. One
// task's failure is logged and isolated; the loop always continues. A task
// only advances past an occurrence after its dispatch succeeded, so a failed
// occurrence is retried on the next tick.
func (s *Scheduler) runDueScan(ctx context.Context) {
	now := s.clock.Now()

	tasks, err := s.store.ListDueScheduledTasks(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due scheduled tasks")
		return
	}

	for _, task := range tasks {
		if err := s.fireTask(ctx, task); err != nil {
			log.Error().Err(err).
				Str("task_id", task.ID.String()).
				Str("task_name", task.Name).
				Msg("scheduled task failed, will retry on next tick")
		}
	}
}

// fireTask materializes one due occurrence of one task.
func (s *Scheduler) fireTask(ctx context.Context, task db.ScheduledTask) error {
	occurrence := *task.NextFireAt

	recipients, err := s.resolver.Resolve(ctx, task.Audience)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		// Nobody matches the audience right now (e.g. the parent entity is
		// gone). Advance anyway so the task does not spin on every tick.
		log.Info().
			Str("task_id", task.ID.String()).
			Str("task_name", task.Name).
			Msg("scheduled task resolved to zero recipients, skipping occurrence")
		return s.advanceTask(ctx, task, occurrence)
	}

	_, err = s.dispatcher.Dispatch(ctx, dispatch.Request{
		TemplateKey: task.TemplateKey,
		Variables:   task.Variables,
		Recipients:  recipients,
	})
	if err != nil {
		return err
	}

	return s.advanceTask(ctx, task, occurrence)
}

// advanceTask moves the task past one fired occurrence: recurring tasks get
// their next fire time, one-shot tasks retire. The store update is a
// compare-and-set on the occurrence, so two overlapping scans can never both
// claim it.
func (s *Scheduler) advanceTask(ctx context.Context, task db.ScheduledTask, occurrence time.Time) error {
	var nextFireAt *time.Time
	if task.Schedule.Recurring() {
		next, err := task.Schedule.NextAfter(occurrence)
		if err != nil {
			return err
		}
		nextFireAt = &next
	}

	advanced, err := s.store.CompleteTaskOccurrence(ctx, db.CompleteTaskOccurrenceParams{
		ID:         task.ID,
		FiredAt:    occurrence,
		NextFireAt: nextFireAt,
	})
	if err != nil {
		return err
	}
	if !advanced {
		// Another scan already owned this occurrence, or the task was
		// retired under us. Nothing more to do.
		log.Info().
			Str("task_id", task.ID.String()).
			Time("occurrence", occurrence).
			Msg("task occurrence already completed elsewhere")
		return nil
	}

	logEvent := log.Info().
		Str("task_id", task.ID.String()).
		Str("task_name", task.Name).
		Time("occurrence", occurrence)
	if nextFireAt != nil {
		logEvent = logEvent.Time("next_fire_at", *nextFireAt)
	}
	logEvent.Msg("scheduled task fired")

	return nil
}

// runExpirySweep deletes expired notifications whose every recipient state
// is terminal, and prunes long-retired tasks.
func (s *Scheduler) runExpirySweep(ctx context.Context) {
	now := s.clock.Now()

	deleted, err := s.store.DeleteExpiredNotifications(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to delete expired notifications")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("expired notifications removed")
	}

	pruned, err := s.store.DeleteRetiredScheduledTasks(ctx, now.Add(-retiredTaskRetention))
	if err != nil {
		log.Error().Err(err).Msg("failed to prune retired scheduled tasks")
	} else if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("retired scheduled tasks removed")
	}
}
