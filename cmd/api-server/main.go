package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointment-core/internal/api"
	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/booking"
	"github.com/hackgods/clinic-appointment-core/internal/config"
	"github.com/hackgods/clinic-appointment-core/internal/db"
	"github.com/hackgods/clinic-appointment-core/internal/feed"
	"github.com/hackgods/clinic-appointment-core/internal/notify"
	"github.com/hackgods/clinic-appointment-core/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-appointment-core/internal/redis"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("service", "api-server")
	logger.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "store", cfg.StoreDriver)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewSchedulingMetrics(reg)

	// Connect Redis
	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
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
		logger.Info("connected to Redis", "addr", cfg.RedisAddr)
	}

	var slotLocker, relayLocker redisclient.Locker
	if rdb != nil {
		slotLocker = redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
		relayLocker = redisclient.NewRedisLocker(rdb, cfg.FeedRelayLease, 0)
	} else {
		slotLocker = redisclient.NewLocalLocker(cfg.LockWait)
		relayLocker = redisclient.NewLocalLocker(0)
	}

	// Notifications
	queue := notify.NewQueue(notifyDispatcher(cfg, logger), notify.QueueConfig{
		Workers: cfg.NotifyWorkers,
		Size:    cfg.NotifyQueueSize,
		Timeout: cfg.NotifyTimeout,
	}, logger, m)
	queue.Start()
	notices := notify.NewStatusNotices(queue, cfg.ClinicName)

	hub := feed.NewHub(cfg.FeedBuffer, logger, m)

	var (
		repo    appointment.Repository
		memRepo *appointment.MemoryRepository
		pgPool  *pgxpool.Pool
		wg      sync.WaitGroup
	)
	runCtx, cancelRun := context.WithCancel(rootCtx)
	defer cancelRun()

	switch cfg.StoreDriver {
	case config.StoreMemory:
		// Single process: the store publishes straight to the local hub.
		memRepo = appointment.NewMemoryRepository(feed.Fanout{hub, notices}, logger)
		repo = memRepo
		logger.Warn("using the in-memory store, data is lost on restart")

	case config.StorePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
			MaxConns:  cfg.PostgresMaxConn,
			Listeners: 1,
			AppName:   "api-server",
		})
		cancelPg()
		if err != nil {
			logger.Error("postgres connection error", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()
		logger.Info("connected to Postgres")

		pgRepo := appointment.NewPgRepository(pgPool)
		repo = pgRepo

		// Status notices ride behind the relay so each committed change is
		// announced once, whichever instance holds the relay lease.
		var sink appointment.EventSink = feed.Fanout{hub, notices}
		if rdb != nil {
			sink = feed.Fanout{feed.NewRedisPublisher(rdb, cfg.FeedChannel), notices}
			subscriber := feed.NewRedisSubscriber(rdb, cfg.FeedChannel, hub, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := subscriber.Run(runCtx); err != nil {
					logger.Error("feed subscriber stopped", "error", err)
				}
			}()
		}

		wake := make(chan struct{}, 1)
		listener := db.NewListener(pgPool, appointment.EventsChannel, logger)
		relay := feed.NewRelay(pgRepo, sink, relayLocker, feed.RelayConfig{
			Interval:  cfg.FeedRelayInterval,
			BatchSize: cfg.FeedRelayBatch,
		}, logger, m)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := listener.Run(runCtx, wake); err != nil {
				logger.Error("outbox listener stopped", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			relay.Run(runCtx, wake)
		}()
	}

	svc := appointment.NewService(repo, logger, m)
	coordinator := booking.NewCoordinator(cfg.Clinic, repo, slotLocker, queue, booking.Config{
		ClinicName:      cfg.ClinicName,
		RegistrationURL: cfg.RegistrationURL,
	}, logger, m)

	router := api.NewRouter(api.RouterConfig{
		Service:          svc,
		Coordinator:      coordinator,
		Hub:              hub,
		Logger:           logger,
		Metrics:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		PgPool:           pgPool,
		Redis:            rdb,
		Store:            cfg.StoreDriver,
		Env:              cfg.Env,
		Version:          version,
		RequestTimeout:   cfg.RequestTimeout,
		BookingRateLimit: cfg.BookingRateLimit,
		BookingBurst:     cfg.BookingBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if memRepo != nil {
		memRepo.Close()
	}
	// Feed sockets are hijacked and not tracked by Shutdown.
	hub.Close()

	cancelRun()
	wg.Wait()

	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", "error", err)
	}

	logger.Info("api-server stopped")
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
