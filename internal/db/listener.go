package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

// Listener turns Postgres NOTIFY on one channel into wake-ups. Payloads are
// ignored; the consumer re-reads state after every wake-up, so a lost or
// coalesced notification only delays work until the next one or the
// consumer's own ticker.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	logger  *logging.Logger
	backoff time.Duration
}

func NewListener(pool *pgxpool.Pool, channel string, logger *logging.Logger) *Listener {
	if logger == nil {
		logger = logging.Default()
	}
	return &Listener{
		pool:    pool,
		channel: channel,
		logger:  logger,
		backoff: time.Second,
	}
}

// Run blocks until ctx is done, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context, wake chan<- struct{}) error {
	for {
		err := l.listenOnce(ctx, wake)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("postgres listener interrupted", "channel", l.channel, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, wake chan<- struct{}) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Info("listening for postgres notifications", "channel", l.channel)

	// Anything committed while we were disconnected is picked up by this.
	signal(wake)

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		signal(wake)
	}
}

func signal(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
