// Package timer meters the chat time of one user's session.
package timer

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/config"
	"safetalk-backend/internal/credits"
	"safetalk-backend/internal/metrics"
	"safetalk-backend/internal/pubsub"
	"safetalk-backend/internal/storage"
)

// Unlimited is the remaining-time sentinel for premium sessions.
const Unlimited = int64(math.MaxInt64)

var (
	ErrNotInitialized   = errors.New("timer: engine not initialized")
	ErrSessionStopped   = errors.New("timer: session already stopped")
	ErrUnlimitedSession = errors.New("timer: session has unlimited time")
	ErrInvalidAmount    = errors.New("timer: amount must be positive")
)

type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusPaused        Status = "paused"
	StatusRunning       Status = "running"
	StatusStopped       Status = "stopped"
)

type State struct {
	FreeTimeLeft       int64  `json:"free_time_left"`
	PaidTimeLeft       int64  `json:"paid_time_left"`
	TotalActivatedTime int64  `json:"total_activated_time"`
	CreditsActivated   bool   `json:"credits_activated"`
	TimerPaused        bool   `json:"timer_paused"`
	SessionID          string `json:"session_id"`
	Unlimited          bool   `json:"unlimited"`
	Status             Status `json:"status"`
}

// Remaining is free plus paid seconds, or Unlimited.
func (s State) Remaining() int64 {
	if s.Unlimited {
		return Unlimited
	}
	return s.FreeTimeLeft + s.PaidTimeLeft
}

type EventKind string

const (
	EventUpdate  EventKind = "update"
	EventLowTime EventKind = "low_time"
	EventEnded   EventKind = "ended"
)

type Event struct {
	Kind  EventKind
	State State
}

// ProfileStore receives the daily quota reset and the usage of sessions
// that ended without being written back.
type ProfileStore interface {
	ResetDailyUsage(ctx context.Context, userID uuid.UUID, date string) error
	SaveTimeUsage(ctx context.Context, userID uuid.UUID, freeUsed, paidAvailable int64) error
}

type Config struct {
	DailyFreeLimit   time.Duration
	LowTimeThreshold time.Duration
	SaveInterval     time.Duration
	TickInterval     time.Duration
	Location         *time.Location
}

func ConfigFrom(c config.TimerConfig) Config {
	return Config{
		DailyFreeLimit:   c.DailyFreeLimit,
		LowTimeThreshold: c.LowTimeThreshold,
		SaveInterval:     c.SaveInterval,
		TickInterval:     c.TickInterval,
		Location:         c.Location(),
	}
}

// Engine owns the countdown of a single session. All state changes happen
// under mu; events are delivered in order by the engine's hub.
type Engine struct {
	cfg       Config
	clock     Clock
	profiles  ProfileStore
	snapshots SnapshotStore
	hub       *pubsub.Hub[Event]

	mu         sync.Mutex
	userID     uuid.UUID
	status     Status
	state      State
	dailyLimit int64
	lowArmed   bool
	lastTick   time.Time
	quit       chan struct{}

	saveMu sync.Mutex
}

func NewEngine(cfg Config, clock Clock, profiles ProfileStore, snapshots SnapshotStore) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		cfg:        cfg,
		clock:      clock,
		profiles:   profiles,
		snapshots:  snapshots,
		hub:        pubsub.NewHub[Event](),
		status:     StatusUninitialized,
		dailyLimit: int64(cfg.DailyFreeLimit / time.Second),
	}
}

func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	return e.hub.Subscribe(fn)
}

// Initialize seeds the engine for sessionID from the user's profile and any
// snapshot persisted for the same session. A snapshot of another session is
// settled into the profile first. The engine ends up paused, or stopped if
// no time is left.
func (e *Engine) Initialize(ctx context.Context, profile *storage.Profile, sessionID string) error {
	now := e.clock.Now()
	today := now.In(e.cfg.Location).Format("2006-01-02")
	entry := log.WithFields(log.Fields{"user": profile.ID, "session": sessionID})

	var snap *Snapshot
	if e.snapshots != nil {
		var err error
		if snap, err = e.snapshots.Load(ctx, profile.ID); err != nil {
			entry.WithError(err).Warn("[TIMER] snapshot load failed, starting fresh")
			snap = nil
		}
	}

	used, paid := profile.DailyFreeTimeUsed, profile.PaidTimeAvailable
	if snap != nil && snap.SessionID != sessionID {
		used, paid = e.settle(ctx, profile, snap, now, entry)
		snap = nil
	}

	if profile.DailyResetDate != today {
		used = 0
		if e.profiles != nil {
			if err := e.profiles.ResetDailyUsage(ctx, profile.ID, today); err != nil {
				entry.WithError(err).Warn("[TIMER] daily reset write-back failed")
			}
		}
		entry.WithField("date", today).Info("[TIMER] daily free quota reset")
	}

	st := State{SessionID: sessionID, TimerPaused: true}
	if profile.IsPremium {
		st.Unlimited = true
		st.FreeTimeLeft = Unlimited
	} else {
		st.FreeTimeLeft = max(0, e.dailyLimit-used)
	}
	st.PaidTimeLeft = max(0, paid)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.haltLocked()
	e.userID = profile.ID
	e.state = st

	if snap != nil && snap.SessionID == sessionID {
		if !st.Unlimited {
			e.state.FreeTimeLeft = max(0, snap.FreeTimeLeft)
		}
		e.state.PaidTimeLeft = max(0, snap.PaidTimeLeft)
		e.state.TotalActivatedTime = snap.TotalActivatedTime
		e.state.CreditsActivated = snap.CreditsActivated
		if e.state.CreditsActivated {
			e.state.FreeTimeLeft = 0
		}

		if !snap.TimerPaused && snap.SessionID != "" && !st.Unlimited {
			elapsed := int64(now.Sub(snap.SavedAt) / time.Second)
			if elapsed > 0 {
				e.deductLocked(elapsed)
			}
			entry.WithField("backfill_seconds", elapsed).Info("[TIMER] restored running snapshot")
		}
	}

	e.status = StatusPaused
	// A session starting inside the low-time band still gets one warning.
	e.lowArmed = e.remainingLocked() > 0

	if !e.state.Unlimited && e.remainingLocked() == 0 {
		e.status = StatusStopped
		e.publishLocked(EventUpdate)
		e.publishLocked(EventEnded)
		metrics.TimersExpired.Inc()
		entry.Info("[TIMER] no time left at initialization")
		return nil
	}

	e.publishLocked(EventUpdate)
	return nil
}

// settle folds the snapshot of an earlier session that never reached its
// write-back into the profile, backfilling the time that ran after the last
// save, and clears it. It returns the free usage and paid balance to start
// the new session from. On a failed write the snapshot is kept for the next
// attempt.
func (e *Engine) settle(ctx context.Context, profile *storage.Profile, snap *Snapshot, now time.Time, entry *log.Entry) (used, paid int64) {
	used, paid = profile.DailyFreeTimeUsed, profile.PaidTimeAvailable
	entry = entry.WithField("abandoned_session", snap.SessionID)

	if !snap.Unlimited {
		st := State{
			FreeTimeLeft:     max(0, snap.FreeTimeLeft),
			PaidTimeLeft:     max(0, snap.PaidTimeLeft),
			CreditsActivated: snap.CreditsActivated,
		}
		if st.CreditsActivated {
			st.FreeTimeLeft = 0
		}
		var elapsed int64
		if !snap.TimerPaused {
			elapsed = max(0, int64(now.Sub(snap.SavedAt)/time.Second))
			consume(&st, elapsed)
		}

		paid = st.PaidTimeLeft
		// Free usage only counts for the day the profile is currently on.
		if snap.SavedAt.In(e.cfg.Location).Format("2006-01-02") == profile.DailyResetDate {
			used = e.dailyLimit - st.FreeTimeLeft
			if st.CreditsActivated {
				used = e.dailyLimit
			}
		}
		if e.profiles != nil {
			if err := e.profiles.SaveTimeUsage(ctx, profile.ID, used, paid); err != nil {
				entry.WithError(err).Warn("[TIMER] settling abandoned session failed")
				return profile.DailyFreeTimeUsed, profile.PaidTimeAvailable
			}
		}
		entry.WithFields(log.Fields{"backfill_seconds": elapsed, "free_used": used, "paid": paid}).
			Info("[TIMER] settled abandoned session")
	}

	if err := e.snapshots.Clear(ctx, profile.ID); err != nil {
		entry.WithError(err).Warn("[TIMER] clearing settled snapshot failed")
	}
	return used, paid
}

func (e *Engine) Start() error {
	e.mu.Lock()
	switch e.status {
	case StatusUninitialized:
		e.mu.Unlock()
		return ErrNotInitialized
	case StatusStopped:
		e.mu.Unlock()
		return ErrSessionStopped
	case StatusRunning:
		e.mu.Unlock()
		return nil
	}

	e.status = StatusRunning
	e.state.TimerPaused = false
	e.lastTick = e.clock.Now()
	e.quit = make(chan struct{})
	go e.loop(e.quit)

	e.publishLocked(EventUpdate)
	e.mu.Unlock()

	e.persist()
	return nil
}

// Resume continues a paused session.
func (e *Engine) Resume() error {
	return e.Start()
}

func (e *Engine) Pause() error {
	e.mu.Lock()
	switch e.status {
	case StatusUninitialized:
		e.mu.Unlock()
		return ErrNotInitialized
	case StatusRunning:
	default:
		e.mu.Unlock()
		return nil
	}

	if e.advanceLocked() {
		e.afterChangeLocked()
	}
	if e.status == StatusStopped {
		e.mu.Unlock()
		return nil
	}
	e.status = StatusPaused
	e.state.TimerPaused = true
	e.haltLocked()
	e.publishLocked(EventUpdate)
	e.mu.Unlock()

	e.persist()
	return nil
}

// Stop ends metering for the session. It is terminal until the next
// Initialize.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusUninitialized:
		return ErrNotInitialized
	case StatusStopped:
		return nil
	case StatusRunning:
		if e.advanceLocked() {
			e.afterChangeLocked()
		}
		if e.status == StatusStopped {
			return nil
		}
	}

	e.status = StatusStopped
	e.state.TimerPaused = true
	e.haltLocked()
	e.publishLocked(EventUpdate)
	return nil
}

// UseCredits converts n credits into paid time. The current remaining time
// is folded into the paid pool and the session switches to paid-only
// accounting.
func (e *Engine) UseCredits(n int64) error {
	if n <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	if err := e.mutableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.state.Unlimited {
		e.mu.Unlock()
		return ErrUnlimitedSession
	}

	total := e.remainingLocked() + credits.ToSeconds(n)
	e.state.CreditsActivated = true
	e.state.PaidTimeLeft = total
	e.state.FreeTimeLeft = 0
	e.state.TotalActivatedTime = total

	e.afterChangeLocked()
	e.mu.Unlock()

	e.persist()
	return nil
}

func (e *Engine) AddPaidTime(minutes int64) error {
	if minutes <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	if err := e.mutableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}

	add := minutes * 60
	e.state.PaidTimeLeft += add
	if e.state.CreditsActivated {
		e.state.TotalActivatedTime += add
	}

	e.afterChangeLocked()
	e.mu.Unlock()

	e.persist()
	return nil
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// ProgressPercentage is the remaining share of the session's time budget,
// clamped to [0, 100].
func (e *Engine) ProgressPercentage() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Unlimited {
		return 100
	}

	rem := float64(e.remainingLocked())
	var denom float64
	if e.state.CreditsActivated {
		denom = float64(e.state.TotalActivatedTime)
	} else {
		denom = float64(e.dailyLimit + e.state.PaidTimeLeft)
	}
	if denom <= 0 {
		return 0
	}
	return math.Max(0, math.Min(100, rem/denom*100))
}

// Close stops background work and event delivery. It returns after any
// snapshot save in flight, so a Clear issued afterwards is final.
func (e *Engine) Close() {
	e.mu.Lock()
	e.haltLocked()
	e.mu.Unlock()
	e.hub.Close()

	e.saveMu.Lock()
	e.saveMu.Unlock()
}

func (e *Engine) loop(quit chan struct{}) {
	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	saver := e.clock.NewTicker(e.cfg.SaveInterval)
	defer saver.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C():
			e.tick()
		case <-saver.C():
			e.persist()
		}
	}
}

// tick deducts the whole seconds elapsed since the previous tick.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusRunning {
		return
	}
	if e.advanceLocked() {
		e.afterChangeLocked()
	}
}

// advanceLocked applies elapsed whole seconds and reports whether any were
// applied. Sub-second remainders carry over to the next tick.
func (e *Engine) advanceLocked() bool {
	now := e.clock.Now()
	secs := int64(now.Sub(e.lastTick) / time.Second)
	if secs < 1 {
		return false
	}
	e.lastTick = e.lastTick.Add(time.Duration(secs) * time.Second)
	if !e.state.Unlimited {
		e.deductLocked(secs)
	}
	return true
}

// deductLocked consumes free time first, then paid. Sessions with credits
// activated consume paid time only.
func (e *Engine) deductLocked(secs int64) {
	consume(&e.state, secs)
}

func consume(st *State, secs int64) {
	if st.CreditsActivated {
		st.PaidTimeLeft = max(0, st.PaidTimeLeft-secs)
		return
	}
	fromFree := min(secs, st.FreeTimeLeft)
	st.FreeTimeLeft -= fromFree
	st.PaidTimeLeft = max(0, st.PaidTimeLeft-(secs-fromFree))
}

func (e *Engine) afterChangeLocked() {
	rem := e.remainingLocked()

	if !e.state.Unlimited && rem == 0 && e.status == StatusRunning {
		e.status = StatusStopped
		e.state.TimerPaused = true
		e.haltLocked()
		e.publishLocked(EventUpdate)
		e.publishLocked(EventEnded)
		metrics.TimersExpired.Inc()
		log.WithFields(log.Fields{"user": e.userID, "session": e.state.SessionID}).Info("[TIMER] session time ran out")
		return
	}

	e.publishLocked(EventUpdate)

	if e.state.Unlimited {
		return
	}
	if rem <= e.thresholdSeconds() {
		if rem > 0 && e.lowArmed {
			e.lowArmed = false
			e.publishLocked(EventLowTime)
		}
	} else {
		e.lowArmed = true
	}
}

func (e *Engine) mutableLocked() error {
	switch e.status {
	case StatusUninitialized:
		return ErrNotInitialized
	case StatusStopped:
		return ErrSessionStopped
	case StatusRunning:
		if e.advanceLocked() {
			e.afterChangeLocked()
		}
		if e.status == StatusStopped {
			return ErrSessionStopped
		}
	}
	return nil
}

func (e *Engine) remainingLocked() int64 {
	return e.state.Remaining()
}

func (e *Engine) thresholdSeconds() int64 {
	return int64(e.cfg.LowTimeThreshold / time.Second)
}

func (e *Engine) stateLocked() State {
	st := e.state
	st.Status = e.status
	return st
}

func (e *Engine) publishLocked(kind EventKind) {
	e.hub.Publish(Event{Kind: kind, State: e.stateLocked()})
}

func (e *Engine) haltLocked() {
	if e.quit != nil {
		close(e.quit)
		e.quit = nil
	}
}

// persist writes the current state. saveMu keeps writes in capture order.
func (e *Engine) persist() {
	if e.snapshots == nil {
		return
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if e.status == StatusUninitialized || e.status == StatusStopped {
		e.mu.Unlock()
		return
	}
	userID := e.userID
	snap := Snapshot{
		FreeTimeLeft:       e.state.FreeTimeLeft,
		PaidTimeLeft:       e.state.PaidTimeLeft,
		TotalActivatedTime: e.state.TotalActivatedTime,
		CreditsActivated:   e.state.CreditsActivated,
		TimerPaused:        e.state.TimerPaused,
		SessionID:          e.state.SessionID,
		Unlimited:          e.state.Unlimited,
		SavedAt:            e.clock.Now(),
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.snapshots.Save(ctx, userID, snap); err != nil {
		log.WithError(err).WithField("user", userID).Warn("[TIMER] snapshot save failed")
	}
}
