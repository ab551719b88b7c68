package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const userEventsFmt = "user:%s:events"

func userEventsChannel(id uuid.UUID) string { return fmt.Sprintf(userEventsFmt, id) }

// PublishUserEvent fans an event out to whichever instance holds the
// user's websocket.
func (r *RedisClient) PublishUserEvent(ctx context.Context, userID uuid.UUID, payload []byte) error {
	if err := r.client.Publish(ctx, userEventsChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish user event: %w", err)
	}
	return nil
}

// SubscribeUserEvents returns a confirmed subscription to the user's events.
func (r *RedisClient) SubscribeUserEvents(ctx context.Context, userID uuid.UUID) (*redis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, userEventsChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe user events %s: %w", userID, err)
	}
	return pubsub, nil
}
