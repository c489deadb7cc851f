package stream

import (
	"context"
	"fmt"

	"github.com/estatehub/portal/cmd/api/service"
	"github.com/estatehub/portal/common/logger"
	rediscommon "github.com/estatehub/portal/common/redis"
)

// RedisSubscriber feeds the hub from the Redis change-event channel so every
// API replica sees events committed by the others
type RedisSubscriber struct {
	redis *rediscommon.Client
	hub   *Hub
	log   *logger.Logger
}

// NewRedisSubscriber creates a subscriber for hub
func NewRedisSubscriber(redis *rediscommon.Client, hub *Hub, log *logger.Logger) *RedisSubscriber {
	return &RedisSubscriber{redis: redis, hub: hub, log: log}
}

// Start confirms the subscription and forwards messages in the background
// until ctx is cancelled
func (s *RedisSubscriber) Start(ctx context.Context) error {
	pubsub := s.redis.Subscribe(ctx, service.EventsTopic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", service.EventsTopic, err)
	}
	s.log.Info("stream subscriber listening", "channel", service.EventsTopic)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.hub.Broadcast([]byte(msg.Payload))
			}
		}
	}()
	return nil
}
