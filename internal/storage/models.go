package storage

import (
	"time"

	"github.com/google/uuid"

	"safetalk-backend/internal/roles"
)

type Profile struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	Username          string     `json:"username" db:"username"`
	Role              roles.Role `json:"role" db:"role"`
	IsPremium         bool       `json:"is_premium" db:"is_premium"`
	IsAmbassador      bool       `json:"is_ambassador" db:"is_ambassador"`
	Credits           int64      `json:"credits" db:"credits"`
	GiftableCredits   int64      `json:"giftable_credits" db:"giftable_credits"`
	DailyFreeTimeUsed int64      `json:"daily_free_time_used" db:"daily_free_time_used"`
	PaidTimeAvailable int64      `json:"paid_time_available" db:"paid_time_available"`
	DailyResetDate    string     `json:"daily_reset_date" db:"daily_reset_date"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// MatchRequest is a wait ticket in the matchmaking pool.
type MatchRequest struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	Username      string           `json:"username"`
	Role          roles.Role       `json:"role"`
	IsPremium     bool             `json:"is_premium"`
	IsAmbassador  bool             `json:"is_ambassador"`
	PreferredRole roles.Preference `json:"preferred_role"`
	AvoidUsers    []uuid.UUID      `json:"avoid_users"`
	MaxWait       time.Duration    `json:"max_wait"`
	Status        string           `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	MatchedWith   uuid.UUID        `json:"matched_with,omitempty"`
	MatchID       uuid.UUID        `json:"match_id,omitempty"`
	MatchedAt     *time.Time       `json:"matched_at,omitempty"`
}

func (r *MatchRequest) Seeker() roles.Seeker {
	return roles.Seeker{
		UserID:     r.UserID,
		Role:       r.Role,
		Preference: r.PreferredRole,
		Avoid:      r.AvoidUsers,
	}
}

func (r *MatchRequest) Terminal() bool {
	return r.Status != MatchWaiting
}

type ChatSession struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	MatchID   *uuid.UUID `json:"match_id,omitempty" db:"match_id"`
	UserAID   uuid.UUID  `json:"user_a_id" db:"user_a_id"`
	UserBID   *uuid.UUID `json:"user_b_id,omitempty" db:"user_b_id"`
	Kind      string     `json:"kind" db:"kind"`
	Status    string     `json:"status" db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// NewSession is the input to the session factory. MatchID is set for human
// pairings and makes creation idempotent.
type NewSession struct {
	MatchID *uuid.UUID
	UserA   uuid.UUID
	UserB   *uuid.UUID
	Kind    string
}

// Session kinds
const (
	SessionHuman = "human"
	SessionAI    = "ai"
)

// Session statuses
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Match request statuses
const (
	MatchWaiting   = "waiting"
	MatchMatched   = "matched"
	MatchCancelled = "cancelled"
	MatchExpired   = "expired"
)
