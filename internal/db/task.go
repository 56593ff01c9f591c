package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, name, template_key, variables, audience, schedule,
	next_fire_at, last_fired_at, retired, created_at`

type CreateScheduledTaskParams struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	TemplateKey string            `json:"template_key"`
	Variables   map[string]string `json:"variables"`
	Audience    Audience          `json:"audience"`
	Schedule    Schedule          `json:"schedule"`
	NextFireAt  time.Time         `json:"next_fire_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (store *SQLStore) CreateScheduledTask(ctx context.Context, arg CreateScheduledTaskParams) (ScheduledTask, error) {
	variables, err := marshalStringMap(arg.Variables)
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("failed to encode variables: %w", err)
	}
	audience, err := json.Marshal(arg.Audience)
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("failed to encode audience: %w", err)
	}
	schedule, err := json.Marshal(arg.Schedule)
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("failed to encode schedule: %w", err)
	}

	row := store.connPool.QueryRow(ctx, `
		INSERT INTO scheduled_tasks
			(id, name, template_key, variables, audience, schedule, next_fire_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+taskColumns,
		arg.ID, arg.Name, arg.TemplateKey, variables, audience, schedule,
		arg.NextFireAt, arg.CreatedAt,
	)
	return scanTask(row)
}

func (store *SQLStore) GetScheduledTask(ctx context.Context, id uuid.UUID) (ScheduledTask, error) {
	row := store.connPool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (store *SQLStore) ListScheduledTasks(ctx context.Context, includeRetired bool) ([]ScheduledTask, error) {
	rows, err := store.connPool.Query(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE NOT retired OR $1::bool
		ORDER BY created_at DESC`, includeRetired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListDueScheduledTasks returns live tasks whose next fire time has arrived,
// oldest due first so a backlog drains in order.
func (store *SQLStore) ListDueScheduledTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := store.connPool.Query(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE NOT retired AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

type CompleteTaskOccurrenceParams struct {
	ID         uuid.UUID  `json:"id"`
	FiredAt    time.Time  `json:"fired_at"`     // the occurrence just dispatched
	NextFireAt *time.Time `json:"next_fire_at"` // nil retires a one-shot task
}

// CompleteTaskOccurrence advances a task past one fired occurrence. The
// update is a compare-and-set against the occurrence time, so two ticks
// observing the same due task advance it exactly once; the loser gets false
// and must not treat the occurrence as its own.
func (store *SQLStore) CompleteTaskOccurrence(ctx context.Context, arg CompleteTaskOccurrenceParams) (bool, error) {
	tag, err := store.connPool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET last_fired_at = $2,
		    next_fire_at = $3,
		    retired = retired OR $3 IS NULL
		WHERE id = $1 AND NOT retired AND next_fire_at = $2`,
		arg.ID, arg.FiredAt, arg.NextFireAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RetireScheduledTask takes a task out of rotation. Compare-and-clear: the
// next tick's due scan will no longer see it even if the tick is concurrently
// reading the table, because retirement commits before the scan's snapshot.
func (store *SQLStore) RetireScheduledTask(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := store.connPool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET retired = true, next_fire_at = NULL
		WHERE id = $1 AND NOT retired`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteRetiredScheduledTasks removes retired tasks older than the retention
// horizon. Fired one-shot tasks are kept briefly so operators can see them.
func (store *SQLStore) DeleteRetiredScheduledTasks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := store.connPool.Exec(ctx, `
		DELETE FROM scheduled_tasks
		WHERE retired AND COALESCE(last_fired_at, created_at) < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanTask(row pgx.Row) (ScheduledTask, error) {
	var t ScheduledTask
	var variables, audience, schedule []byte

	err := row.Scan(
		&t.ID, &t.Name, &t.TemplateKey, &variables, &audience, &schedule,
		&t.NextFireAt, &t.LastFiredAt, &t.Retired, &t.CreatedAt,
	)
	if err != nil {
		return t, err
	}

	if t.Variables, err = unmarshalStringMap(variables); err != nil {
		return t, err
	}
	if err = json.Unmarshal(audience, &t.Audience); err != nil {
		return t, fmt.Errorf("failed to decode audience: %w", err)
	}
	if err = json.Unmarshal(schedule, &t.Schedule); err != nil {
		return t, fmt.Errorf("failed to decode schedule: %w", err)
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]ScheduledTask, error) {
	tasks := []ScheduledTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
