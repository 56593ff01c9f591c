package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/mailer"
	"github.com/rs/zerolog/log"
)

/*
This file contains the code that picks tasks up from the Redis queue and processes them.
*/

const (
	QueueCritical = "critical"
	QueueDefault  = "default"

	// EmailMaxRetry caps asynq's exponential backoff for one email delivery.
	// Exhaustion is recorded as a permanent delivery failure on the state
	// row, never re-raised to the dispatch caller.
	EmailMaxRetry = 4
)

type RedisTaskProcessor struct {
	server *asynq.Server
	store  db.Store
	mailer mailer.Sender
}

func NewRedisTaskProcessor(redisOpt asynq.RedisClientOpt, store db.Store, mailSender mailer.Sender) *RedisTaskProcessor {
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Queues: map[string]int{
				QueueCritical: 10,
				QueueDefault:  5,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().Err(err).Str("type", task.Type()).
					Bytes("payload", task.Payload()).Msg("process task failed")

				recordEmailFailureIfExhausted(ctx, store, task, err)
			}),
			Logger: NewLogger(),
		},
	)

	return &RedisTaskProcessor{
		server: server,
		store:  store,
		mailer: mailSender,
	}
}

// Start registers the task handlers for the mux, attaches the mux to the asynq server, and starts the server.
func (processor *RedisTaskProcessor) Start() error {
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskSendEmail, processor.ProcessTaskSendEmail)

	return processor.server.Start(mux)
}

// Shutdown waits for in-flight tasks to finish and stops the server.
func (processor *RedisTaskProcessor) Shutdown() {
	processor.server.Shutdown()
}
