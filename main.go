package main

import (
	"context"
	"os"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/mbc-dms/notification-service/api"
	"github.com/mbc-dms/notification-service/internal/db"
	"github.com/mbc-dms/notification-service/internal/dispatch"
	"github.com/mbc-dms/notification-service/internal/mailer"
	"github.com/mbc-dms/notification-service/internal/preference"
	"github.com/mbc-dms/notification-service/internal/registry"
	"github.com/mbc-dms/notification-service/internal/scheduler"
	"github.com/mbc-dms/notification-service/internal/util"
	"github.com/mbc-dms/notification-service/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configurations
	config, err := util.LoadConfig("./app.env")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config file 😣")
	}

	log.Info().Msg("configurations loaded successfully ✅")

	// Create connection pool
	connPool, err := pgxpool.New(context.Background(), config.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to validate db connection string 😣")
	}

	pingErr := connPool.Ping(context.Background())
	if pingErr != nil {
		log.Fatal().Err(pingErr).Msg("failed to connect to db 😣")
	}
	log.Info().Msg("connected to db ✅")

	store := db.NewStore(connPool)
	if err = store.InitSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to apply db schema 😣")
	}

	redisDb := redis.NewClient(&redis.Options{
		Addr:     config.RedisServerAddress,
		Password: "", // no password set
		DB:       0,  // use default DB
	})
	if err = redisDb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis 😣")
	}
	log.Info().Msg("connected to redis ✅")

	mailService, err := mailer.NewSMTPSender(config.SMTPHost, config.SMTPPort,
		config.SMTPUsername, config.SMTPPassword, config.SMTPFromName, config.SMTPFromAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create mailer service 😣")
	}

	redisOpt := asynq.RedisClientOpt{Addr: config.RedisServerAddress}
	taskDistributor := worker.NewTaskDistributor(redisOpt)
	taskInspector := worker.NewTaskInspector(redisOpt)

	go runTaskProcessor(redisOpt, store, mailService)

	clock := clockwork.NewRealClock()
	liveRegistry := registry.NewRegistry()
	filter := preference.NewFilter(store)
	dispatcher := dispatch.NewDispatcher(store, filter, liveRegistry, taskDistributor, clock, config.DeliveryTimeout)
	resolver := dispatch.NewStoreResolver(store)

	notificationScheduler, err := scheduler.NewScheduler(store, dispatcher, resolver, clock,
		config.SchedulerTickInterval, config.ExpirySweepInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler 😣")
	}
	if err = notificationScheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler 😣")
	}
	defer func() {
		if err := notificationScheduler.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop scheduler")
		}
	}()
	log.Info().Msg("scheduler started successfully ✅")

	runHTTPServer(&config, store, dispatcher, resolver, liveRegistry, taskInspector, clock)
}

func runTaskProcessor(redisOpt asynq.RedisClientOpt, store db.Store, mailService mailer.Sender) {
	taskProcessor := worker.NewRedisTaskProcessor(redisOpt, store, mailService)

	log.Info().Msg("starting task processor ✅")
	if err := taskProcessor.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start task processor 😣")
	}
}

func runHTTPServer(config *util.Config, store db.Store, dispatcher *dispatch.Dispatcher, resolver dispatch.RecipientResolver, liveRegistry *registry.Registry, taskInspector worker.TaskInspector, clock clockwork.Clock) {
	server, err := api.NewServer(store, config, dispatcher, resolver, liveRegistry, taskInspector, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create HTTP server 😣")
	}

	err = server.Start(config.HTTPServerAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start HTTP server 😣")
	}
}
