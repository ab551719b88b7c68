package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Snapshot is the persisted engine state used to survive restarts.
type Snapshot struct {
	FreeTimeLeft       int64     `json:"freeTimeLeft"`
	PaidTimeLeft       int64     `json:"paidTimeLeft"`
	TotalActivatedTime int64     `json:"totalActivatedTime"`
	CreditsActivated   bool      `json:"creditsActivated"`
	TimerPaused        bool      `json:"timerPaused"`
	SessionID          string    `json:"sessionId"`
	Unlimited          bool      `json:"unlimited"`
	SavedAt            time.Time `json:"savedAt"`
}

type SnapshotStore interface {
	// Load returns nil, nil when nothing is stored.
	Load(ctx context.Context, userID uuid.UUID) (*Snapshot, error)
	Save(ctx context.Context, userID uuid.UUID, snap Snapshot) error
	Clear(ctx context.Context, userID uuid.UUID) error
}

type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

func snapshotKey(userID uuid.UUID) string {
	return fmt.Sprintf("timer:%s", userID)
}

func (s *RedisSnapshotStore) Load(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load timer snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode timer snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, userID uuid.UUID, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, snapshotKey(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save timer snapshot: %w", err)
	}
	return nil
}

func (s *RedisSnapshotStore) Clear(ctx context.Context, userID uuid.UUID) error {
	return s.client.Del(ctx, snapshotKey(userID)).Err()
}
