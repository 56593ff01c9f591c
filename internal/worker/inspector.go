package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskInspector exposes the state of queued email deliveries to the admin
// surface: is a delivery still pending, retrying, or gone.
type TaskInspector interface {
	GetEmailTaskInfo(ctx context.Context, notificationID uuid.UUID, recipientID string) (*asynq.TaskInfo, error)
	DeleteEmailTask(ctx context.Context, notificationID uuid.UUID, recipientID string) error
}

type RedisTaskInspector struct {
	inspector *asynq.Inspector
}

func NewTaskInspector(redisOpt asynq.RedisClientOpt) TaskInspector {
	return &RedisTaskInspector{
		inspector: asynq.NewInspector(redisOpt),
	}
}

// GetEmailTaskInfo looks the delivery up in both queues; urgent deliveries
// ride the critical queue, everything else the default one.
func (i *RedisTaskInspector) GetEmailTaskInfo(ctx context.Context, notificationID uuid.UUID, recipientID string) (*asynq.TaskInfo, error) {
	taskID := EmailTaskID(notificationID, recipientID)

	info, err := i.inspector.GetTaskInfo(QueueDefault, taskID)
	if err == nil {
		return info, nil
	}
	return i.inspector.GetTaskInfo(QueueCritical, taskID)
}

func (i *RedisTaskInspector) DeleteEmailTask(ctx context.Context, notificationID uuid.UUID, recipientID string) error {
	taskID := EmailTaskID(notificationID, recipientID)

	if err := i.inspector.DeleteTask(QueueDefault, taskID); err == nil {
		return nil
	}
	return i.inspector.DeleteTask(QueueCritical, taskID)
}
