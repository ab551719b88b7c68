package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	waitingPoolKey  = "match:waiting"
	ticketKeyFmt    = "match:ticket:%s"
	userTicketFmt   = "match:user:%s"
	ticketEventsFmt = "match:ticket:%s:events"
	matchedLogKey   = "match:matched"
)

type RedisClient struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisClient(ctx context.Context, redisURL string, retention time.Duration) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisClientFrom(client, retention), nil
}

// NewRedisClientFrom wraps an existing client. retention is how long a
// resolved ticket stays readable.
func NewRedisClientFrom(client *redis.Client, retention time.Duration) *RedisClient {
	if retention <= 0 {
		retention = 2 * time.Minute
	}
	return &RedisClient{client: client, retention: retention}
}

func (r *RedisClient) Client() *redis.Client {
	return r.client
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func ticketKey(id uuid.UUID) string { return fmt.Sprintf(ticketKeyFmt, id) }

func userTicketKey(id uuid.UUID) string { return fmt.Sprintf(userTicketFmt, id) }

func ticketChannel(id uuid.UUID) string { return fmt.Sprintf(ticketEventsFmt, id) }

// CreateTicket publishes a waiting ticket: its body, its slot in the FIFO
// pool and the per-user index.
func (r *RedisClient) CreateTicket(ctx context.Context, req *MatchRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ttl := time.Until(req.ExpiresAt) + r.retention
	score := float64(req.CreatedAt.UnixNano())

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ticketKey(req.ID), data, ttl)
		pipe.ZAdd(ctx, waitingPoolKey, redis.Z{Score: score, Member: req.ID.String()})
		pipe.Set(ctx, userTicketKey(req.UserID), req.ID.String(), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create ticket %s: %w", req.ID, err)
	}

	log.WithFields(log.Fields{
		"ticket": req.ID,
		"user":   req.UserID,
		"role":   req.Role,
	}).Debug("[REDIS_TICKET] ticket published")
	return nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getTicket(ctx context.Context, c stringGetter, id uuid.UUID) (*MatchRequest, error) {
	data, err := c.Get(ctx, ticketKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	var req MatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", id, err)
	}
	return &req, nil
}

func (r *RedisClient) GetTicket(ctx context.Context, id uuid.UUID) (*MatchRequest, error) {
	return getTicket(ctx, r.client, id)
}

// WaitingTicketID returns the user's current waiting ticket, if any.
func (r *RedisClient) WaitingTicketID(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	s, err := r.client.Get(ctx, userTicketKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt user ticket index: %w", err)
	}
	return id, true, nil
}

// WaitingTickets returns up to limit waiting tickets, oldest first. Pool
// entries whose body has expired are pruned.
func (r *RedisClient) WaitingTickets(ctx context.Context, limit int64) ([]MatchRequest, error) {
	ids, err := r.client.ZRange(ctx, waitingPoolKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(ticketKeyFmt, id)
	}
	bodies, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	requests := make([]MatchRequest, 0, len(ids))
	var stale []any
	for i, body := range bodies {
		s, ok := body.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var req MatchRequest
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			log.WithError(err).WithField("ticket", ids[i]).Warn("[REDIS_TICKET] dropping undecodable ticket")
			stale = append(stale, ids[i])
			continue
		}
		if req.Status != MatchWaiting {
			stale = append(stale, ids[i])
			continue
		}
		requests = append(requests, req)
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, waitingPoolKey, stale...).Err(); err != nil {
			log.WithError(err).Warn("[REDIS_TICKET] failed to prune stale pool entries")
		}
	}
	return requests, nil
}

// CommitMatch atomically pairs two waiting tickets. Both bodies are watched;
// if either changes or is no longer waiting the commit fails with
// ErrMatchConflict and nothing is written.
func (r *RedisClient) CommitMatch(ctx context.Context, aID, bID, matchID uuid.UUID) (*MatchRequest, *MatchRequest, error) {
	var a, b *MatchRequest
	keyA, keyB := ticketKey(aID), ticketKey(bID)

	txf := func(tx *redis.Tx) error {
		var err error
		if a, err = getTicket(ctx, tx, aID); err != nil {
			return conflictIfMissing(err)
		}
		if b, err = getTicket(ctx, tx, bID); err != nil {
			return conflictIfMissing(err)
		}
		if a.Status != MatchWaiting || b.Status != MatchWaiting || a.UserID == b.UserID {
			return ErrMatchConflict
		}

		now := time.Now().UTC()
		a.Status, b.Status = MatchMatched, MatchMatched
		a.MatchedWith, b.MatchedWith = b.UserID, a.UserID
		a.MatchID, b.MatchID = matchID, matchID
		a.MatchedAt, b.MatchedAt = &now, &now

		dataA, err := json.Marshal(a)
		if err != nil {
			return err
		}
		dataB, err := json.Marshal(b)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyA, dataA, r.retention)
			pipe.Set(ctx, keyB, dataB, r.retention)
			pipe.ZRem(ctx, waitingPoolKey, aID.String(), bID.String())
			pipe.Del(ctx, userTicketKey(a.UserID), userTicketKey(b.UserID))
			pipe.ZAdd(ctx, matchedLogKey,
				redis.Z{Score: float64(now.UnixNano()), Member: matchLogMember(a, now)},
				redis.Z{Score: float64(now.UnixNano()), Member: matchLogMember(b, now)})
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, keyA, keyB)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, nil, ErrMatchConflict
	}
	if err != nil {
		return nil, nil, err
	}

	r.publishTicket(ctx, a)
	r.publishTicket(ctx, b)
	return a, b, nil
}

func conflictIfMissing(err error) error {
	if errors.Is(err, ErrTicketNotFound) {
		return ErrMatchConflict
	}
	return err
}

// matchLogMember encodes the wait duration for match statistics.
func matchLogMember(req *MatchRequest, matchedAt time.Time) string {
	return fmt.Sprintf("%s:%d", req.ID, matchedAt.Sub(req.CreatedAt).Milliseconds())
}

// FinalizeTicket moves a waiting ticket to a terminal status. It returns the
// ticket as stored afterwards and whether this call made the transition; a
// ticket that was already terminal is returned unchanged.
func (r *RedisClient) FinalizeTicket(ctx context.Context, id uuid.UUID, status string) (*MatchRequest, bool, error) {
	if status == MatchWaiting || status == MatchMatched {
		return nil, false, fmt.Errorf("finalize ticket: invalid status %q", status)
	}

	var req *MatchRequest
	var changed bool
	key := ticketKey(id)

	txf := func(tx *redis.Tx) error {
		var err error
		changed = false
		if req, err = getTicket(ctx, tx, id); err != nil {
			return err
		}
		if req.Status != MatchWaiting {
			return nil
		}
		req.Status = status
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.retention)
			pipe.ZRem(ctx, waitingPoolKey, id.String())
			pipe.Del(ctx, userTicketKey(req.UserID))
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if changed {
			r.publishTicket(ctx, req)
		}
		return req, changed, nil
	}
	return nil, false, ErrMatchConflict
}

func (r *RedisClient) DeleteTicket(ctx context.Context, id uuid.UUID) error {
	return r.client.Del(ctx, ticketKey(id)).Err()
}

// RemoveFromPool drops a pool entry whose body no longer exists.
func (r *RedisClient) RemoveFromPool(ctx context.Context, id uuid.UUID) error {
	return r.client.ZRem(ctx, waitingPoolKey, id.String()).Err()
}

// PoolEntries lists every ticket id in the waiting pool.
func (r *RedisClient) PoolEntries(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.ZRange(ctx, waitingPoolKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type PoolStats struct {
	Waiting        int64
	Matched        int64
	AverageWaitSec float64
}

// PoolStats reports the waiting count and the matches committed within the
// retention window.
func (r *RedisClient) PoolStats(ctx context.Context) (PoolStats, error) {
	var stats PoolStats

	cutoff := time.Now().Add(-r.retention).UnixNano()
	if err := r.client.ZRemRangeByScore(ctx, matchedLogKey, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
		return stats, err
	}

	waiting, err := r.client.ZCard(ctx, waitingPoolKey).Result()
	if err != nil {
		return stats, err
	}
	stats.Waiting = waiting

	members, err := r.client.ZRange(ctx, matchedLogKey, 0, -1).Result()
	if err != nil {
		return stats, err
	}
	var totalMs int64
	for _, m := range members {
		_, raw, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		totalMs += ms
		stats.Matched++
	}
	if stats.Matched > 0 {
		stats.AverageWaitSec = float64(totalMs) / float64(stats.Matched) / 1000
	}
	return stats, nil
}

// TicketSubscription streams updates of a single ticket.
type TicketSubscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// Updates yields the ticket body after every state change.
func (s *TicketSubscription) Updates() <-chan *redis.Message {
	return s.ch
}

func (s *TicketSubscription) Close() error {
	return s.pubsub.Close()
}

func DecodeTicket(payload string) (*MatchRequest, error) {
	var req MatchRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// SubscribeTicket subscribes to a ticket's event channel and waits for the
// subscription to be confirmed, so no update published afterwards is lost.
func (r *RedisClient) SubscribeTicket(ctx context.Context, id uuid.UUID) (*TicketSubscription, error) {
	pubsub := r.client.Subscribe(ctx, ticketChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe ticket %s: %w", id, err)
	}
	return &TicketSubscription{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

func (r *RedisClient) publishTicket(ctx context.Context, req *MatchRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, ticketChannel(req.ID), data).Err(); err != nil {
		// waiters re-read their ticket on every scan tick
		log.WithError(err).WithField("ticket", req.ID).Warn("[REDIS_TICKET] publish failed")
	}
}
