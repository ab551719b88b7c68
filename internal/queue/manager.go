// Package queue turns a user's request for a partner into a wait ticket and
// resolves it to a committed match, an expiry or a cancellation.
package queue

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/config"
	"safetalk-backend/internal/metrics"
	"safetalk-backend/internal/roles"
	"safetalk-backend/internal/storage"
)

var (
	ErrTicketResolved    = errors.New("match ticket already resolved")
	ErrCoordinatorClosed = errors.New("match coordinator closed")
)

type Reason string

const (
	ReasonNoMatch         Reason = "no_match"
	ReasonCancelled       Reason = "cancelled"
	ReasonPartnerNotFound Reason = "partner_not_found"
	ReasonSessionFailed   Reason = "session_failed"
)

type MatchResult struct {
	Success bool                 `json:"success"`
	Reason  Reason               `json:"reason,omitempty"`
	MatchID uuid.UUID            `json:"match_id,omitempty"`
	Session *storage.ChatSession `json:"session,omitempty"`
	Partner *storage.Profile     `json:"partner,omitempty"`
	Err     error                `json:"-"`
}

type Profiles interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*storage.Profile, error)
}

type SessionFactory interface {
	CreateSession(ctx context.Context, ns storage.NewSession) (*storage.ChatSession, error)
}

type Params struct {
	User      *storage.Profile
	Avoid     []uuid.UUID
	Preferred roles.Preference
	// MaxWait is clamped to the configured bounds; zero means the default.
	MaxWait time.Duration
}

// Ticket is a caller's handle on a pending request. Exactly one result is
// delivered on Result.
type Ticket struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ExpiresAt time.Time

	result   chan MatchResult
	resolved atomic.Bool
}

func newTicket(req *storage.MatchRequest) *Ticket {
	return &Ticket{
		ID:        req.ID,
		UserID:    req.UserID,
		ExpiresAt: req.ExpiresAt,
		result:    make(chan MatchResult, 1),
	}
}

func (t *Ticket) Result() <-chan MatchResult {
	return t.result
}

func (t *Ticket) Wait(ctx context.Context) (MatchResult, error) {
	select {
	case res := <-t.result:
		return res, nil
	case <-ctx.Done():
		return MatchResult{}, ctx.Err()
	}
}

func (t *Ticket) resolve(res MatchResult) error {
	if !t.resolved.CompareAndSwap(false, true) {
		log.WithFields(log.Fields{"ticket": t.ID, "reason": res.Reason}).Error("[COORDINATOR] ticket resolved twice")
		return ErrTicketResolved
	}
	t.result <- res
	return nil
}

type Stats struct {
	Waiting        int64   `json:"waiting"`
	Matched        int64   `json:"matched"`
	AverageWaitSec float64 `json:"average_wait_seconds"`
	LocalWaiters   int     `json:"local_waiters"`
}

// Coordinator owns the tickets created on this instance.
type Coordinator struct {
	redis    *storage.RedisClient
	profiles Profiles
	sessions SessionFactory
	matcher  *Matcher
	cfg      config.QueueConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tickets map[uuid.UUID]*Ticket
}

func NewCoordinator(redis *storage.RedisClient, profiles Profiles, sessions SessionFactory, cfg config.QueueConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		redis:    redis,
		profiles: profiles,
		sessions: sessions,
		matcher:  NewMatcher(redis, cfg.ScanLimit),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		tickets:  make(map[uuid.UUID]*Ticket),
	}
}

func (c *Coordinator) clampWait(d time.Duration) time.Duration {
	if d <= 0 {
		d = c.cfg.MaxWait
	}
	if c.cfg.MinWait > 0 && d < c.cfg.MinWait {
		d = c.cfg.MinWait
	}
	if c.cfg.MaxWaitCeiling > 0 && d > c.cfg.MaxWaitCeiling {
		d = c.cfg.MaxWaitCeiling
	}
	return d
}

// RequestMatch publishes a waiting ticket for p.User and starts looking for
// a partner. Any earlier waiting ticket of the same user is cancelled first.
func (c *Coordinator) RequestMatch(ctx context.Context, p Params) (*Ticket, error) {
	if p.User == nil {
		return nil, errors.New("request match: missing user")
	}
	if p.Preferred == "" {
		p.Preferred = roles.PreferAny
	}
	if c.ctx.Err() != nil {
		return nil, ErrCoordinatorClosed
	}

	if err := c.CancelUser(ctx, p.User.ID); err != nil && !errors.Is(err, storage.ErrTicketNotFound) {
		log.WithError(err).WithField("user", p.User.ID).Warn("[COORDINATOR] could not cancel previous ticket")
	}

	avoid := slices.Clone(p.Avoid)
	if !slices.Contains(avoid, p.User.ID) {
		avoid = append(avoid, p.User.ID)
	}

	now := time.Now().UTC()
	wait := c.clampWait(p.MaxWait)
	req := &storage.MatchRequest{
		ID:            uuid.New(),
		UserID:        p.User.ID,
		Username:      p.User.Username,
		Role:          p.User.Role,
		IsPremium:     p.User.IsPremium,
		IsAmbassador:  p.User.IsAmbassador,
		PreferredRole: p.Preferred,
		AvoidUsers:    avoid,
		MaxWait:       wait,
		Status:        storage.MatchWaiting,
		CreatedAt:     now,
		ExpiresAt:     now.Add(wait),
	}

	// Subscribe before the ticket exists so no commit can slip past.
	sub, err := c.redis.SubscribeTicket(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := c.redis.CreateTicket(ctx, req); err != nil {
		sub.Close()
		return nil, err
	}
	metrics.TicketsCreated.Inc()

	t := newTicket(req)
	c.mu.Lock()
	c.tickets[t.ID] = t
	c.mu.Unlock()

	c.wg.Add(1)
	go c.wait(t, req, sub)

	log.WithFields(log.Fields{
		"ticket":    req.ID,
		"user":      req.UserID,
		"role":      req.Role,
		"preferred": req.PreferredRole,
		"max_wait":  wait,
	}).Info("[COORDINATOR] waiting for a partner")
	return t, nil
}

func (c *Coordinator) wait(t *Ticket, req *storage.MatchRequest, sub *storage.TicketSubscription) {
	defer c.wg.Done()
	defer sub.Close()
	defer func() {
		c.mu.Lock()
		delete(c.tickets, t.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithDeadline(c.ctx, req.ExpiresAt)
	defer cancel()

	go func() {
		if _, err := c.matcher.TryMatch(ctx, req); err != nil {
			log.WithError(err).WithField("ticket", req.ID).Warn("[COORDINATOR] immediate match attempt failed")
		}
	}()

	scan := time.NewTicker(c.cfg.MatchingInterval)
	defer scan.Stop()
	updates := sub.Updates()

	for {
		select {
		case msg, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			cur, err := storage.DecodeTicket(msg.Payload)
			if err != nil {
				log.WithError(err).WithField("ticket", req.ID).Warn("[COORDINATOR] undecodable ticket update")
				continue
			}
			if cur.Terminal() {
				c.finish(t, cur)
				return
			}

		case <-scan.C:
			cur, err := c.redis.GetTicket(ctx, req.ID)
			if errors.Is(err, storage.ErrTicketNotFound) {
				c.deliver(t, MatchResult{Reason: ReasonCancelled})
				return
			}
			if err != nil {
				log.WithError(err).WithField("ticket", req.ID).Warn("[COORDINATOR] ticket re-read failed")
				continue
			}
			if cur.Terminal() {
				c.finish(t, cur)
				return
			}
			if _, err := c.matcher.TryMatch(ctx, cur); err != nil {
				log.WithError(err).WithField("ticket", req.ID).Warn("[COORDINATOR] match scan failed")
			}

		case <-ctx.Done():
			status := storage.MatchExpired
			if c.ctx.Err() != nil {
				status = storage.MatchCancelled
			}
			c.expire(t, req.ID, status)
			return
		}
	}
}

// expire finalizes the ticket at its deadline. A commit that won the race
// is honoured.
func (c *Coordinator) expire(t *Ticket, id uuid.UUID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur, _, err := c.redis.FinalizeTicket(ctx, id, status)
	if err != nil {
		log.WithError(err).WithField("ticket", id).Warn("[COORDINATOR] finalize at deadline failed")
		c.deliver(t, MatchResult{Reason: ReasonNoMatch, Err: err})
		return
	}
	c.finish(t, cur)
}

// finish turns a terminal ticket into the caller's result.
func (c *Coordinator) finish(t *Ticket, cur *storage.MatchRequest) {
	switch cur.Status {
	case storage.MatchMatched:
		c.deliver(t, c.resolveMatch(cur))
	case storage.MatchCancelled:
		c.deliver(t, MatchResult{Reason: ReasonCancelled})
	default:
		c.deliver(t, MatchResult{Reason: ReasonNoMatch})
	}
}

func (c *Coordinator) resolveMatch(cur *storage.MatchRequest) MatchResult {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry := log.WithFields(log.Fields{"ticket": cur.ID, "user": cur.UserID, "partner": cur.MatchedWith, "match": cur.MatchID})
	defer func() {
		if err := c.redis.DeleteTicket(ctx, cur.ID); err != nil {
			entry.WithError(err).Warn("[COORDINATOR] failed to delete matched ticket")
		}
	}()

	if cur.MatchedAt != nil {
		metrics.MatchWaitSeconds.Observe(cur.MatchedAt.Sub(cur.CreatedAt).Seconds())
	}

	partner, err := c.profiles.GetProfile(ctx, cur.MatchedWith)
	if errors.Is(err, storage.ErrProfileNotFound) {
		entry.Warn("[COORDINATOR] matched partner has no profile")
		return MatchResult{Reason: ReasonPartnerNotFound, MatchID: cur.MatchID}
	}
	if err != nil {
		entry.WithError(err).Error("[COORDINATOR] partner lookup failed")
		return MatchResult{Reason: ReasonSessionFailed, MatchID: cur.MatchID, Err: err}
	}

	// Both sides create the session with the same match id and the same
	// participant order, so they read back one row.
	a, b := cur.UserID, cur.MatchedWith
	if bytes.Compare(b[:], a[:]) < 0 {
		a, b = b, a
	}
	matchID := cur.MatchID
	session, err := c.sessions.CreateSession(ctx, storage.NewSession{
		MatchID: &matchID,
		UserA:   a,
		UserB:   &b,
		Kind:    storage.SessionHuman,
	})
	if err != nil {
		entry.WithError(err).Error("[COORDINATOR] session creation failed")
		return MatchResult{Reason: ReasonSessionFailed, MatchID: cur.MatchID, Partner: partner, Err: err}
	}

	entry.WithField("session", session.ID).Info("[COORDINATOR] match resolved")
	return MatchResult{Success: true, MatchID: cur.MatchID, Session: session, Partner: partner}
}

func (c *Coordinator) deliver(t *Ticket, res MatchResult) {
	outcome := string(res.Reason)
	if res.Success {
		outcome = "matched"
	}
	if err := t.resolve(res); err == nil {
		metrics.TicketsResolved.WithLabelValues(outcome).Inc()
	}
}

// Cancel withdraws a waiting ticket. The owner's waiter resolves it as
// cancelled.
func (c *Coordinator) Cancel(ctx context.Context, ticketID uuid.UUID) error {
	_, changed, err := c.redis.FinalizeTicket(ctx, ticketID, storage.MatchCancelled)
	if err != nil {
		return err
	}
	if !changed {
		return ErrTicketResolved
	}
	log.WithField("ticket", ticketID).Info("[COORDINATOR] ticket cancelled")
	return nil
}

// CancelUser cancels the user's waiting ticket, if any.
func (c *Coordinator) CancelUser(ctx context.Context, userID uuid.UUID) error {
	id, ok, err := c.redis.WaitingTicketID(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrTicketNotFound
	}
	err = c.Cancel(ctx, id)
	if errors.Is(err, ErrTicketResolved) {
		return nil
	}
	return err
}

func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	ps, err := c.redis.PoolStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	local := len(c.tickets)
	c.mu.Unlock()
	return Stats{
		Waiting:        ps.Waiting,
		Matched:        ps.Matched,
		AverageWaitSec: ps.AverageWaitSec,
		LocalWaiters:   local,
	}, nil
}

// Close cancels every ticket still waiting on this instance and waits for
// their results to be delivered.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
