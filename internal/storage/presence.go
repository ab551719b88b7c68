package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/roles"
)

const (
	presenceKeyFmt   = "presence:%s"
	presenceIndexKey = "presence:index"
	PresenceChannel  = "presence:changes"
)

var ErrPresenceNotFound = errors.New("presence record not found")

// Presence statuses
const (
	PresenceOnline    = "online"
	PresenceSearching = "searching"
	PresenceInChat    = "in_chat"
	PresenceOffline   = "offline"
)

type PresenceRecord struct {
	UserID         uuid.UUID  `json:"user_id"`
	Username       string     `json:"username"`
	Status         string     `json:"status"`
	Role           roles.Role `json:"role"`
	IsPremium      bool       `json:"is_premium"`
	IsAmbassador   bool       `json:"is_ambassador"`
	LastSeen       time.Time  `json:"last_seen"`
	CurrentChat    *uuid.UUID `json:"current_chat,omitempty"`
	SearchingSince *time.Time `json:"searching_since,omitempty"`
}

func presenceKey(id uuid.UUID) string { return fmt.Sprintf(presenceKeyFmt, id) }

// SavePresence writes the record and indexes it by last-seen. The body
// expires after ttl even if nobody sweeps it.
func (r *RedisClient) SavePresence(ctx context.Context, rec *PresenceRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKey(rec.UserID), data, ttl)
		pipe.ZAdd(ctx, presenceIndexKey, redis.Z{Score: float64(rec.LastSeen.Unix()), Member: rec.UserID.String()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save presence %s: %w", rec.UserID, err)
	}
	return nil
}

func (r *RedisClient) GetPresence(ctx context.Context, id uuid.UUID) (*PresenceRecord, error) {
	data, err := r.client.Get(ctx, presenceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPresenceNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode presence %s: %w", id, err)
	}
	return &rec, nil
}

func (r *RedisClient) DeletePresence(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = presenceKey(id)
		members[i] = id.String()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, presenceIndexKey, members...)
		return nil
	})
	return err
}

// PresenceSince returns the records last seen at or after since. Index
// entries whose body is gone are pruned.
func (r *RedisClient) PresenceSince(ctx context.Context, since time.Time) ([]PresenceRecord, error) {
	ids, err := r.client.ZRangeByScore(ctx, presenceIndexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	records, missing, err := r.loadPresence(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		if err := r.client.ZRem(ctx, presenceIndexKey, missing...).Err(); err != nil {
			log.WithError(err).Warn("[REDIS_PRESENCE] failed to prune index")
		}
	}
	return records, nil
}

func (r *RedisClient) loadPresence(ctx context.Context, ids []string) ([]PresenceRecord, []any, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(presenceKeyFmt, id)
	}
	bodies, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}

	records := make([]PresenceRecord, 0, len(ids))
	var missing []any
	for i, body := range bodies {
		s, ok := body.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		var rec PresenceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			missing = append(missing, ids[i])
			continue
		}
		records = append(records, rec)
	}
	return records, missing, nil
}

// SweepPresence deletes records last seen before cutoff and index entries
// whose body has expired. It returns the removed user ids.
func (r *RedisClient) SweepPresence(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	entries, err := r.client.ZRangeWithScores(ctx, presenceIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var fresh []string
	var removed []uuid.UUID
	for _, z := range entries {
		member, _ := z.Member.(string)
		id, err := uuid.Parse(member)
		if err != nil {
			r.client.ZRem(ctx, presenceIndexKey, member)
			continue
		}
		if int64(z.Score) < cutoff.Unix() {
			removed = append(removed, id)
			continue
		}
		fresh = append(fresh, member)
	}

	_, missing, err := r.loadPresence(ctx, fresh)
	if err != nil {
		return nil, err
	}
	for _, m := range missing {
		if id, err := uuid.Parse(m.(string)); err == nil {
			removed = append(removed, id)
		}
	}

	if err := r.DeletePresence(ctx, removed...); err != nil {
		return nil, fmt.Errorf("sweep presence: %w", err)
	}
	return removed, nil
}

func (r *RedisClient) PublishPresence(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, PresenceChannel, payload).Err()
}

// SubscribePresence returns a confirmed subscription to presence changes.
func (r *RedisClient) SubscribePresence(ctx context.Context) (*redis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, PresenceChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	return pubsub, nil
}
