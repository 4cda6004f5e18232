package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-appointment-core/internal/redis"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

// RelayLockKey is the lease that keeps one relay draining at a time.
const RelayLockKey = "feed-relay"

// OutboxStore is the part of the Postgres repository the relay drains.
type OutboxStore interface {
	FetchUnrelayed(ctx context.Context, limit int) ([]appointment.Event, error)
	MarkRelayed(ctx context.Context, seqs []int64) error
}

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Relay moves committed events from the outbox to a sink in sequence order.
// An event is marked relayed only after the sink accepted it, so a crash
// between the two redelivers rather than loses it.
type Relay struct {
	store   OutboxStore
	sink    appointment.EventSink
	locker  redisclient.Locker
	cfg     RelayConfig
	logger  *logging.Logger
	metrics *metrics.SchedulingMetrics
}

func NewRelay(store OutboxStore, sink appointment.EventSink, locker redisclient.Locker, cfg RelayConfig, logger *logging.Logger, m *metrics.SchedulingMetrics) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{
		store:   store,
		sink:    sink,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Run drains on every wake-up and on every tick until ctx is done. wake may be
// nil, in which case only the ticker drives the relay.
func (r *Relay) Run(ctx context.Context, wake <-chan struct{}) {
	r.logger.Info("feed relay started", "interval", r.cfg.Interval.String(), "batch_size", r.cfg.BatchSize)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.drainAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("feed relay stopped")
			return
		case <-wake:
			r.drainAndLog(ctx)
		case <-ticker.C:
			r.drainAndLog(ctx)
		}
	}
}

func (r *Relay) drainAndLog(ctx context.Context) {
	n, err := r.Drain(ctx)
	switch {
	case err == nil:
		if n > 0 {
			r.logger.Debug("feed relay drained", "events", n)
		}
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		// Another instance holds the lease.
	case ctx.Err() != nil:
	default:
		r.logger.Error("feed relay drain failed", "error", err)
	}
}

// Drain relays batches until the outbox is empty and returns how many events
// were handed to the sink.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	err := r.locker.WithLock(ctx, RelayLockKey, func(lockCtx context.Context) error {
		for {
			n, err := r.relayBatch(lockCtx)
			total += n
			if err != nil {
				return err
			}
			if n < r.cfg.BatchSize {
				return nil
			}
		}
	})
	return total, err
}

func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveRelayBatch(time.Since(start).Seconds()) }()

	events, err := r.store.FetchUnrelayed(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := make([]int64, 0, len(events))
	var publishErr error
	for _, ev := range events {
		if err := r.sink.Publish(ctx, ev); err != nil {
			// Stop here so later events for the same appointment cannot
			// overtake this one.
			publishErr = fmt.Errorf("publish event %d: %w", ev.Sequence, err)
			break
		}
		delivered = append(delivered, ev.Sequence)
	}

	if err := r.store.MarkRelayed(ctx, delivered); err != nil {
		return len(delivered), err
	}
	if publishErr != nil {
		return len(delivered), publishErr
	}
	return len(delivered), nil
}
