package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

// RedisPublisher forwards relayed events to a Redis pub/sub channel so every
// API instance sees them.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev appointment.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// RedisSubscriber feeds events from the Redis channel into a local hub.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *logging.Logger
	backoff time.Duration
}

func NewRedisSubscriber(client *redis.Client, channel string, hub *Hub, logger *logging.Logger) *RedisSubscriber {
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisSubscriber{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger,
		backoff: 500 * time.Millisecond,
	}
}

// Run blocks until ctx is done. Redis pub/sub does not replay, so after a
// receive error every observer is dropped and must resync.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("feed subscribed to redis", "channel", s.channel)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("feed redis receive failed", "channel", s.channel, "error", err)
			s.hub.DropAll("upstream interrupted")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.backoff):
			}
			continue
		}

		var ev appointment.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.Error("feed redis payload rejected", "error", err)
			continue
		}
		if err := s.hub.Publish(ctx, ev); err != nil {
			return err
		}
	}
}
