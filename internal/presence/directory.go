// Package presence tracks which users are online and who is looking for a
// partner.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/config"
	"safetalk-backend/internal/metrics"
	"safetalk-backend/internal/pubsub"
	"safetalk-backend/internal/roles"
	"safetalk-backend/internal/storage"
)

type Status string

const (
	Online    Status = storage.PresenceOnline
	Searching Status = storage.PresenceSearching
	InChat    Status = storage.PresenceInChat
	Offline   Status = storage.PresenceOffline
)

var ErrNotConnected = errors.New("presence: user is not connected")

type Record = storage.PresenceRecord

// Extra carries the optional fields of a status change.
type Extra struct {
	CurrentChat *uuid.UUID
}

type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeRemove ChangeKind = "remove"
)

type Change struct {
	Kind   ChangeKind `json:"kind"`
	UserID uuid.UUID  `json:"user_id"`
	Record *Record    `json:"record,omitempty"`
	Origin string     `json:"origin"`
}

type Stats struct {
	Online    int64 `json:"online"`
	Searching int64 `json:"searching"`
	InChat    int64 `json:"in_chat"`
}

// Directory is the shared presence index. Each connection writes only its
// own record. Changes reach local subscribers directly and other instances
// through Redis.
type Directory struct {
	redis    *storage.RedisClient
	cfg      config.PresenceConfig
	hub      *pubsub.Hub[Change]
	instance string
	now      func() time.Time

	mu    sync.Mutex
	conns map[uuid.UUID]uint64
	gen   uint64
}

func NewDirectory(redis *storage.RedisClient, cfg config.PresenceConfig) *Directory {
	return &Directory{
		redis:    redis,
		cfg:      cfg,
		hub:      pubsub.NewHub[Change](),
		instance: uuid.NewString(),
		now:      time.Now,
		conns:    make(map[uuid.UUID]uint64),
	}
}

func (d *Directory) Subscribe(fn func(Change)) (unsubscribe func()) {
	return d.hub.Subscribe(fn)
}

// Connect writes the user's record as online and returns the hook that
// removes it. The hook is bound to this connection: once the user has
// reconnected elsewhere, calling it leaves the newer record alone.
func (d *Directory) Connect(ctx context.Context, rec Record) (disconnect func(), err error) {
	rec.Status = string(Online)
	rec.LastSeen = d.now().UTC()
	rec.CurrentChat = nil
	rec.SearchingSince = nil

	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.conns[rec.UserID] = gen
	d.mu.Unlock()

	if err := d.save(ctx, &rec); err != nil {
		d.release(rec.UserID, gen)
		return nil, err
	}

	userID := rec.UserID
	var once sync.Once
	return func() {
		once.Do(func() {
			if !d.release(userID, gen) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.Remove(ctx, userID); err != nil {
				log.WithError(err).WithField("user", userID).Warn("[PRESENCE] removal on disconnect failed")
			}
		})
	}, nil
}

// release forgets the connection and reports whether it was still current.
func (d *Directory) release(userID uuid.UUID, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns[userID] != gen {
		return false
	}
	delete(d.conns, userID)
	return true
}

// SetStatus updates the user's own record. Going offline removes it.
func (d *Directory) SetStatus(ctx context.Context, userID uuid.UUID, status Status, extra Extra) error {
	if status == Offline {
		return d.Remove(ctx, userID)
	}

	rec, err := d.redis.GetPresence(ctx, userID)
	if errors.Is(err, storage.ErrPresenceNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}

	now := d.now().UTC()
	if status == Searching {
		if rec.Status != string(Searching) || rec.SearchingSince == nil {
			rec.SearchingSince = &now
		}
	} else {
		rec.SearchingSince = nil
	}
	if status == InChat {
		rec.CurrentChat = extra.CurrentChat
	} else {
		rec.CurrentChat = nil
	}
	rec.Status = string(status)
	rec.LastSeen = now

	return d.save(ctx, rec)
}

// Heartbeat refreshes last-seen without changing the status.
func (d *Directory) Heartbeat(ctx context.Context, userID uuid.UUID) error {
	rec, err := d.redis.GetPresence(ctx, userID)
	if errors.Is(err, storage.ErrPresenceNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}
	rec.LastSeen = d.now().UTC()
	return d.save(ctx, rec)
}

func (d *Directory) Remove(ctx context.Context, userID uuid.UUID) error {
	if err := d.redis.DeletePresence(ctx, userID); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	d.announce(ctx, Change{Kind: ChangeRemove, UserID: userID})
	return nil
}

func (d *Directory) Get(ctx context.Context, userID uuid.UUID) (*Record, error) {
	return d.redis.GetPresence(ctx, userID)
}

// QueryAvailable lists searching users not in exclude whose search started
// within the searching window. With a non-nil seeker only records the
// seeker could be paired with are returned.
func (d *Directory) QueryAvailable(ctx context.Context, exclude []uuid.UUID, seeker *roles.Seeker) ([]Record, error) {
	cutoff := d.now().Add(-d.cfg.SearchingWindow)
	records, err := d.redis.PresenceSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.Status != string(Searching) || rec.SearchingSince == nil || rec.SearchingSince.Before(cutoff) {
			continue
		}
		if slices.Contains(exclude, rec.UserID) {
			continue
		}
		if seeker != nil {
			other := roles.Seeker{UserID: rec.UserID, Role: rec.Role, Preference: roles.PreferAny}
			if rec.UserID == seeker.UserID || !roles.Compatible(*seeker, other) {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Sweep removes records not seen within the hard TTL.
func (d *Directory) Sweep(ctx context.Context) (int, error) {
	removed, err := d.redis.SweepPresence(ctx, d.now().Add(-d.cfg.HardTTL))
	if err != nil {
		return 0, err
	}
	for _, id := range removed {
		d.announce(ctx, Change{Kind: ChangeRemove, UserID: id})
	}
	if len(removed) > 0 {
		metrics.PresenceSwept.Add(float64(len(removed)))
		log.WithField("removed", len(removed)).Info("[PRESENCE] swept stale records")
	}
	return len(removed), nil
}

// Stats counts records seen within the online window, by status.
func (d *Directory) Stats(ctx context.Context) (Stats, error) {
	records, err := d.redis.PresenceSince(ctx, d.now().Add(-d.cfg.OnlineWindow))
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, rec := range records {
		s.Online++
		switch Status(rec.Status) {
		case Searching:
			s.Searching++
		case InChat:
			s.InChat++
		}
	}
	return s, nil
}

// Run relays changes made by other instances to local subscribers until ctx
// is cancelled.
func (d *Directory) Run(ctx context.Context) error {
	sub, err := d.redis.SubscribePresence(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.WithError(err).Warn("[PRESENCE] dropping undecodable change")
				continue
			}
			if c.Origin == d.instance {
				continue
			}
			d.hub.Publish(c)
		}
	}
}

func (d *Directory) Close() {
	d.hub.Close()
}

func (d *Directory) save(ctx context.Context, rec *Record) error {
	if err := d.redis.SavePresence(ctx, rec, d.cfg.HardTTL); err != nil {
		return err
	}
	snapshot := *rec
	d.announce(ctx, Change{Kind: ChangeUpsert, UserID: rec.UserID, Record: &snapshot})
	return nil
}

func (d *Directory) announce(ctx context.Context, c Change) {
	c.Origin = d.instance
	d.hub.Publish(c)

	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := d.redis.PublishPresence(ctx, data); err != nil {
		log.WithError(err).Debug("[PRESENCE] publish failed")
	}
}
