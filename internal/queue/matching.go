package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/metrics"
	"safetalk-backend/internal/roles"
	"safetalk-backend/internal/storage"
)

var errNoLongerWaiting = errors.New("ticket no longer waiting")

// Matcher pairs one waiting ticket with the oldest compatible ticket in the
// pool.
type Matcher struct {
	redis     *storage.RedisClient
	scanLimit int64
	now       func() time.Time
}

func NewMatcher(redis *storage.RedisClient, scanLimit int64) *Matcher {
	if scanLimit <= 0 {
		scanLimit = 100
	}
	return &Matcher{redis: redis, scanLimit: scanLimit, now: time.Now}
}

// FindCandidate returns the oldest waiting, unexpired ticket compatible with
// req, or nil.
func (m *Matcher) FindCandidate(ctx context.Context, req *storage.MatchRequest) (*storage.MatchRequest, error) {
	pool, err := m.redis.WaitingTickets(ctx, m.scanLimit)
	if err != nil {
		return nil, err
	}

	now := m.now()
	self := req.Seeker()
	for i := range pool {
		cand := &pool[i]
		if cand.ID == req.ID || cand.UserID == req.UserID || now.After(cand.ExpiresAt) {
			continue
		}
		if roles.Compatible(self, cand.Seeker()) {
			return cand, nil
		}
	}
	return nil, nil
}

// TryMatch looks for a partner for req and commits the pairing. Lost commit
// races are retried with backoff until ctx ends or req stops waiting. It
// reports whether this call committed a match.
func (m *Matcher) TryMatch(ctx context.Context, req *storage.MatchRequest) (bool, error) {
	matched := false
	entry := log.WithFields(log.Fields{"ticket": req.ID, "user": req.UserID})

	op := func() error {
		cand, err := m.FindCandidate(ctx, req)
		if err != nil {
			return err
		}
		if cand == nil {
			return nil
		}

		matchID := uuid.New()
		_, _, err = m.redis.CommitMatch(ctx, req.ID, cand.ID, matchID)
		if err == nil {
			matched = true
			entry.WithFields(log.Fields{"partner_ticket": cand.ID, "match": matchID}).Info("[MATCHER] match committed")
			return nil
		}
		if !errors.Is(err, storage.ErrMatchConflict) {
			return err
		}

		metrics.MatchCommitConflicts.Inc()
		entry.WithField("partner_ticket", cand.ID).Debug("[MATCHER] commit lost a race")

		own, err := m.redis.GetTicket(ctx, req.ID)
		if err != nil || own.Terminal() {
			return backoff.Permanent(errNoLongerWaiting)
		}
		return storage.ErrMatchConflict
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return matched, nil
	case errors.Is(err, errNoLongerWaiting), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false, nil
	case errors.Is(err, storage.ErrMatchConflict):
		return false, nil
	default:
		return false, err
	}
}
