package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/config"
	"github.com/hackgods/clinic-appointment-core/internal/db"
	"github.com/hackgods/clinic-appointment-core/internal/feed"
	"github.com/hackgods/clinic-appointment-core/internal/notify"
	"github.com/hackgods/clinic-appointment-core/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-appointment-core/internal/redis"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

// feed-relay drains the Postgres outbox into the Redis feed channel. It can
// run next to any number of API servers; the relay lease keeps one drainer
// active at a time.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("service", "feed-relay")
	if cfg.StoreDriver != config.StorePostgres || !cfg.UsesRedis() {
		logger.Error("feed-relay requires STORE_DRIVER=postgres and a Redis address")
		os.Exit(1)
	}
	logger.Info("feed-relay starting up", "env", cfg.Env, "interval", cfg.FeedRelayInterval.String(), "channel", cfg.FeedChannel)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4, Listeners: 1, AppName: "feed-relay"})
	cancelPg()
	if err != nil {
		logger.Error("postgres connection error", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 4,
	})
	if err != nil {
		logger.Error("redis connection error", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", "error", err)
		}
	}()
	logger.Info("connected to Redis")

	// Metrics are kept in-process only; this binary serves no HTTP.
	m := metrics.NewSchedulingMetrics(nil)

	queue := notify.NewQueue(notifyDispatcher(cfg, logger), notify.QueueConfig{
		Workers: cfg.NotifyWorkers,
		Size:    cfg.NotifyQueueSize,
		Timeout: cfg.NotifyTimeout,
	}, logger, m)
	queue.Start()

	sink := feed.Fanout{
		feed.NewRedisPublisher(rdb, cfg.FeedChannel),
		notify.NewStatusNotices(queue, cfg.ClinicName),
	}
	relay := feed.NewRelay(
		appointment.NewPgRepository(pgPool),
		sink,
		redisclient.NewRedisLocker(rdb, cfg.FeedRelayLease, 0),
		feed.RelayConfig{Interval: cfg.FeedRelayInterval, BatchSize: cfg.FeedRelayBatch},
		logger,
		m,
	)

	wake := make(chan struct{}, 1)
	listener := db.NewListener(pgPool, appointment.EventsChannel, logger)
	go func() {
		if err := listener.Run(rootCtx, wake); err != nil {
			logger.Error("outbox listener stopped", "error", err)
		}
	}()

	relay.Run(rootCtx, wake)
	logger.Info("shutdown signal received, stopping feed relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", "error", err)
	}
}

func notifyDispatcher(cfg config.Config, logger *logging.Logger) notify.Dispatcher {
	router := notify.NewChannelRouter(notify.ChannelConfig{
		Webhook: notify.WebhookConfig{
			URL:     cfg.NotifyWebhookURL,
			Source:  cfg.ClinicName,
			Timeout: cfg.NotifyTimeout,
		},
		SendGrid: notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		},
	}, logger)
	if len(router.Channels()) == 0 {
		logger.Warn("no notification channel configured, notices will be dropped")
	}
	return router
}
