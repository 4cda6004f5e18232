package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hackgods/clinic-appointment-core/internal/observability/metrics"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

var (
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

type QueueConfig struct {
	Workers int
	Size    int
	Timeout time.Duration
}

// Queue decouples callers from notification delivery. Enqueue never blocks;
// a bounded worker pool drains the buffer.
type Queue struct {
	dispatcher Dispatcher
	cfg        QueueConfig
	logger     *logging.Logger
	metrics    *metrics.SchedulingMetrics

	mu     sync.RWMutex
	closed bool
	jobs   chan Notification
	wg     sync.WaitGroup
}

func NewQueue(dispatcher Dispatcher, cfg QueueConfig, logger *logging.Logger, m *metrics.SchedulingMetrics) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		jobs:       make(chan Notification, cfg.Size),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Enqueue accepts n for delivery or reports why it could not.
func (q *Queue) Enqueue(n Notification) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- n:
		return nil
	default:
		q.metrics.ObserveNotification(string(n.Channel), "dropped")
		q.logger.Warn("notification queue full, dropping", "channel", n.Channel, "template", n.Template)
		return ErrQueueFull
	}
}

// Close stops accepting work and waits until queued notifications are
// delivered or ctx expires.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for n := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
		err := q.dispatcher.Dispatch(ctx, n)
		cancel()

		if err != nil {
			q.metrics.ObserveNotification(string(n.Channel), "failed")
			q.logger.Error("notification dispatch failed",
				"worker", id, "channel", n.Channel, "template", n.Template, "error", err)
			continue
		}
		q.metrics.ObserveNotification(string(n.Channel), "sent")
	}
}
