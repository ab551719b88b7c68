// Package chat drives a user's chat lifecycle: finding a partner, metering
// the session and spending credits inside it.
package chat

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/config"
	"safetalk-backend/internal/credits"
	"safetalk-backend/internal/metrics"
	"safetalk-backend/internal/presence"
	"safetalk-backend/internal/queue"
	"safetalk-backend/internal/roles"
	"safetalk-backend/internal/storage"
	"safetalk-backend/internal/timer"
)

// Event types pushed to users.
const (
	EventSearching      = "searching"
	EventMatchFound     = "match_found"
	EventMatchFailed    = "match_failed"
	EventMatchCancelled = "match_cancelled"
	EventTimer          = "timer"
	EventLowTime        = "low_time"
	EventTimerEnded     = "timer_ended"
	EventSessionEnded   = "session_ended"
	EventPartnerLeft    = "partner_left"
	EventGiftReceived   = "gift_received"
	EventGiftSuggestion = "gift_suggestion"
)

var (
	ErrNoActiveSession = errors.New("no active chat session")
	ErrSessionActive   = errors.New("chat session already active")
	ErrGiftAlreadySent = errors.New("a gift was already sent in this session")
	ErrAIPartner       = errors.New("the AI partner cannot receive gifts")
)

type Matchmaker interface {
	RequestMatch(ctx context.Context, p queue.Params) (*queue.Ticket, error)
	CancelUser(ctx context.Context, userID uuid.UUID) error
}

type Presence interface {
	SetStatus(ctx context.Context, userID uuid.UUID, status presence.Status, extra presence.Extra) error
}

type Ledger interface {
	Deduct(ctx context.Context, userID uuid.UUID, amount int64, reason string) (bool, error)
	DeductForSession(ctx context.Context, userID, sessionID uuid.UUID, amount int64, reason string) (bool, error)
	Add(ctx context.Context, userID uuid.UUID, amount int64, kind credits.EntryKind, reason string) error
	Purchase(ctx context.Context, userID uuid.UUID, optionID string) (credits.PurchaseResult, error)
	Gift(ctx context.Context, from, to uuid.UUID, amount int64) (credits.GiftResult, error)
	AwardAdBonus(ctx context.Context, userID uuid.UUID) (int64, error)
}

type Profiles interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*storage.Profile, error)
	ResetDailyUsage(ctx context.Context, userID uuid.UUID, date string) error
	SaveTimeUsage(ctx context.Context, userID uuid.UUID, freeUsed, paidAvailable int64) error
	AddPaidTime(ctx context.Context, userID uuid.UUID, seconds int64) error
}

type Sessions interface {
	CreateSession(ctx context.Context, ns storage.NewSession) (*storage.ChatSession, error)
	EndSession(ctx context.Context, sessionID uuid.UUID) error
}

type Notifier interface {
	Notify(userID uuid.UUID, kind string, data any)
}

type Deps struct {
	Matchmaker Matchmaker
	Presence   Presence
	Ledger     Ledger
	Profiles   Profiles
	Sessions   Sessions
	Snapshots  timer.SnapshotStore
	Notifier   Notifier
	Clock      timer.Clock
}

type TimerView struct {
	timer.State
	Remaining int64   `json:"remaining"`
	Progress  float64 `json:"progress"`
	Display   string  `json:"display"`
}

type SessionView struct {
	SessionID uuid.UUID   `json:"session_id"`
	Kind      string      `json:"kind"`
	Partner   PartnerView `json:"partner"`
	Timer     TimerView   `json:"timer"`
	Skips     int         `json:"skips"`
	GiftSent  bool        `json:"gift_sent"`
}

type SkipResult struct {
	NeedsAd bool          `json:"needs_ad"`
	Skips   int           `json:"skips"`
	Ticket  *queue.Ticket `json:"-"`
}

type UseResult struct {
	Credits   int64      `json:"credits"`
	Seconds   int64      `json:"seconds"`
	InSession bool       `json:"in_session"`
	Timer     *TimerView `json:"timer,omitempty"`
}

type BuyResult struct {
	credits.PurchaseResult
	AppliedMinutes int64 `json:"applied_minutes"`
}

type userState struct {
	day     string
	skips   int
	avoid   []uuid.UUID
	ticket  *queue.Ticket
	session *activeSession
}

type activeSession struct {
	session     *storage.ChatSession
	partner     Partner
	engine      *timer.Engine
	unsubscribe func()
	giftSent    bool
	giftOffered bool
}

// Controller keeps one timer engine per active session.
type Controller struct {
	deps     Deps
	cfg      config.ChatConfig
	timerCfg timer.Config
	maxSkips int
	random   func() float64

	mu    sync.Mutex
	users map[uuid.UUID]*userState
}

func NewController(deps Deps, cfg *config.Config) *Controller {
	if deps.Clock == nil {
		deps.Clock = timer.SystemClock()
	}
	return &Controller{
		deps:     deps,
		cfg:      cfg.Chat,
		timerCfg: timer.ConfigFrom(cfg.Timer),
		maxSkips: cfg.Queue.MaxSkips,
		random:   rand.Float64,
		users:    make(map[uuid.UUID]*userState),
	}
}

func (c *Controller) stateLocked(userID uuid.UUID) *userState {
	st, ok := c.users[userID]
	if !ok {
		st = &userState{}
		c.users[userID] = st
	}
	return st
}

// rolloverLocked gives the user a fresh skip allowance on a new day.
func (c *Controller) rolloverLocked(st *userState) {
	today := c.deps.Clock.Now().In(c.timerCfg.Location).Format("2006-01-02")
	if st.day != today {
		st.day = today
		st.skips = 0
		st.avoid = nil
	}
}

func (c *Controller) active(userID uuid.UUID) *activeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.users[userID]; ok {
		return st.session
	}
	return nil
}

func (c *Controller) notify(userID uuid.UUID, kind string, data any) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notify(userID, kind, data)
	}
}

func (c *Controller) setPresence(ctx context.Context, userID uuid.UUID, status presence.Status, extra presence.Extra) {
	err := c.deps.Presence.SetStatus(ctx, userID, status, extra)
	if err != nil && !errors.Is(err, presence.ErrNotConnected) {
		log.WithError(err).WithFields(log.Fields{"user": userID, "status": status}).Warn("[CHAT] presence update failed")
	}
}

// FindPartner starts a search. The outcome is delivered to the user as an
// event once the ticket resolves.
func (c *Controller) FindPartner(ctx context.Context, userID uuid.UUID, avoid []uuid.UUID, preferred roles.Preference) (*queue.Ticket, error) {
	if c.active(userID) != nil {
		return nil, ErrSessionActive
	}

	profile, err := c.deps.Profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	// A replaced ticket must not touch presence once it resolves.
	c.mu.Lock()
	c.stateLocked(userID).ticket = nil
	c.mu.Unlock()

	c.setPresence(ctx, userID, presence.Searching, presence.Extra{})
	ticket, err := c.deps.Matchmaker.RequestMatch(ctx, queue.Params{User: profile, Avoid: avoid, Preferred: preferred})
	if err != nil {
		c.setPresence(ctx, userID, presence.Online, presence.Extra{})
		return nil, err
	}

	c.mu.Lock()
	c.stateLocked(userID).ticket = ticket
	c.mu.Unlock()

	c.notify(userID, EventSearching, map[string]any{"ticket_id": ticket.ID, "expires_at": ticket.ExpiresAt})
	go c.await(userID, ticket)
	return ticket, nil
}

func (c *Controller) await(userID uuid.UUID, ticket *queue.Ticket) {
	res := <-ticket.Result()

	c.mu.Lock()
	st, ok := c.users[userID]
	current := ok && st.ticket == ticket
	if current {
		st.ticket = nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	entry := log.WithFields(log.Fields{"user": userID, "ticket": ticket.ID})

	switch {
	case res.Success && !ok:
		// Logged out while the match was being committed.
		if err := c.deps.Sessions.EndSession(ctx, res.Session.ID); err != nil {
			entry.WithError(err).Warn("[CHAT] closing orphaned session failed")
		}
		c.notify(res.Partner.ID, EventPartnerLeft, map[string]any{"session_id": res.Session.ID})
	case res.Success:
		if err := c.startSession(ctx, userID, res.Session, HumanPartner(res.Partner)); err != nil {
			entry.WithError(err).Error("[CHAT] could not start matched session")
			c.notify(userID, EventMatchFailed, map[string]any{"reason": queue.ReasonSessionFailed})
		}
	case res.Reason == queue.ReasonNoMatch && c.cfg.AIFallback:
		if err := c.startAISession(ctx, userID); err != nil {
			entry.WithError(err).Error("[CHAT] could not start AI session")
			c.setPresence(ctx, userID, presence.Online, presence.Extra{})
			c.notify(userID, EventMatchFailed, map[string]any{"reason": queue.ReasonNoMatch})
		}
	case res.Reason == queue.ReasonCancelled:
		if current {
			c.setPresence(ctx, userID, presence.Online, presence.Extra{})
		}
		c.notify(userID, EventMatchCancelled, map[string]any{"ticket_id": ticket.ID})
	default:
		if current {
			c.setPresence(ctx, userID, presence.Online, presence.Extra{})
		}
		c.notify(userID, EventMatchFailed, map[string]any{"reason": res.Reason})
	}
}

func (c *Controller) startAISession(ctx context.Context, userID uuid.UUID) error {
	s, err := c.deps.Sessions.CreateSession(ctx, storage.NewSession{UserA: userID, Kind: storage.SessionAI})
	if err != nil {
		return err
	}
	return c.startSession(ctx, userID, s, AIPartner(c.cfg.AIUsername))
}

func (c *Controller) startSession(ctx context.Context, userID uuid.UUID, s *storage.ChatSession, partner Partner) error {
	profile, err := c.deps.Profiles.GetProfile(ctx, userID)
	if err != nil {
		return err
	}

	engine := timer.NewEngine(c.timerCfg, c.deps.Clock, c.deps.Profiles, c.deps.Snapshots)
	as := &activeSession{session: s, partner: partner, engine: engine}
	as.unsubscribe = engine.Subscribe(func(ev timer.Event) { c.onTimerEvent(userID, as, ev) })

	if err := engine.Initialize(ctx, profile, s.ID.String()); err != nil {
		engine.Close()
		return err
	}

	c.mu.Lock()
	st := c.stateLocked(userID)
	if st.session != nil {
		c.mu.Unlock()
		engine.Close()
		return ErrSessionActive
	}
	st.session = as
	c.mu.Unlock()
	metrics.ActiveSessions.Inc()

	c.setPresence(ctx, userID, presence.InChat, presence.Extra{CurrentChat: &s.ID})
	c.notify(userID, EventMatchFound, map[string]any{
		"session_id": s.ID,
		"kind":       s.Kind,
		"partner":    partner.View(),
		"timer":      viewOf(engine),
	})

	if err := engine.Start(); errors.Is(err, timer.ErrSessionStopped) {
		go c.endIfCurrent(userID, as, "time_up")
	} else if err != nil {
		return err
	}

	log.WithFields(log.Fields{"user": userID, "session": s.ID, "partner": partner.Kind}).Info("[CHAT] session started")
	return nil
}

func (c *Controller) onTimerEvent(userID uuid.UUID, as *activeSession, ev timer.Event) {
	view := makeView(ev.State, as.engine.ProgressPercentage())
	switch ev.Kind {
	case timer.EventUpdate:
		c.notify(userID, EventTimer, view)
		c.maybeSuggestGift(userID, as, ev.State)
	case timer.EventLowTime:
		c.notify(userID, EventLowTime, view)
	case timer.EventEnded:
		c.notify(userID, EventTimerEnded, view)
		go c.endIfCurrent(userID, as, "time_up")
	}
}

// maybeSuggestGift nudges a premium partner, at most once per session, when
// the user's time runs short.
func (c *Controller) maybeSuggestGift(userID uuid.UUID, as *activeSession, st timer.State) {
	if st.Unlimited || as.partner.IsAI() || as.partner.Profile == nil || !as.partner.Profile.IsPremium {
		return
	}
	if st.Remaining() > int64(c.cfg.GiftOfferThreshold/time.Second) {
		return
	}

	c.mu.Lock()
	if as.giftOffered || as.giftSent {
		c.mu.Unlock()
		return
	}
	as.giftOffered = true
	c.mu.Unlock()

	if c.random() >= c.cfg.GiftOfferProbability {
		return
	}
	c.notify(as.partner.UserID(), EventGiftSuggestion, map[string]any{
		"session_id":        as.session.ID,
		"partner_id":        userID,
		"remaining_seconds": st.Remaining(),
	})
}

func (c *Controller) endIfCurrent(userID uuid.UUID, as *activeSession, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.endSession(ctx, userID, as, reason); err != nil && !errors.Is(err, ErrNoActiveSession) {
		log.WithError(err).WithField("user", userID).Warn("[CHAT] ending session failed")
	}
}

func (c *Controller) EndSession(ctx context.Context, userID uuid.UUID) error {
	return c.endSession(ctx, userID, nil, "ended")
}

// endSession tears down the user's session, or only expect when non-nil,
// and writes the remaining time back to the profile.
func (c *Controller) endSession(ctx context.Context, userID uuid.UUID, expect *activeSession, reason string) error {
	c.mu.Lock()
	st, ok := c.users[userID]
	if !ok || st.session == nil || (expect != nil && st.session != expect) {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	as := st.session
	st.session = nil
	c.mu.Unlock()

	as.unsubscribe()
	_ = as.engine.Stop()
	final := as.engine.State()
	progress := as.engine.ProgressPercentage()
	as.engine.Close()
	metrics.ActiveSessions.Dec()

	entry := log.WithFields(log.Fields{"user": userID, "session": as.session.ID, "reason": reason})
	var errs []error
	if err := c.writeBack(ctx, userID, final); err != nil {
		errs = append(errs, err)
	}
	if err := c.deps.Snapshots.Clear(ctx, userID); err != nil {
		entry.WithError(err).Warn("[CHAT] clearing timer snapshot failed")
	}
	if err := c.deps.Sessions.EndSession(ctx, as.session.ID); err != nil {
		errs = append(errs, err)
	}

	c.setPresence(ctx, userID, presence.Online, presence.Extra{})
	c.notify(userID, EventSessionEnded, map[string]any{
		"session_id": as.session.ID,
		"reason":     reason,
		"timer":      makeView(final, progress),
	})
	if !as.partner.IsAI() {
		c.notify(as.partner.UserID(), EventPartnerLeft, map[string]any{"session_id": as.session.ID})
	}

	entry.WithField("remaining", timer.FormatSeconds(final.Remaining())).Info("[CHAT] session ended")
	return errors.Join(errs...)
}

// writeBack stores the day's free usage and the paid balance carried over.
// Free time folded into paid time counts as used.
func (c *Controller) writeBack(ctx context.Context, userID uuid.UUID, final timer.State) error {
	if final.Unlimited {
		return nil
	}
	daily := int64(c.timerCfg.DailyFreeLimit / time.Second)
	freeUsed := daily - final.FreeTimeLeft
	if final.CreditsActivated {
		freeUsed = daily
	}
	return c.deps.Profiles.SaveTimeUsage(ctx, userID, freeUsed, final.PaidTimeLeft)
}

// SkipPartner ends the current session and searches again, avoiding the
// partners skipped since the last ad. Past the skip cap it only reports that
// an ad is needed.
func (c *Controller) SkipPartner(ctx context.Context, userID uuid.UUID, preferred roles.Preference) (SkipResult, error) {
	c.mu.Lock()
	st := c.stateLocked(userID)
	c.rolloverLocked(st)
	if st.skips >= c.maxSkips {
		skips := st.skips
		c.mu.Unlock()
		return SkipResult{NeedsAd: true, Skips: skips}, nil
	}
	var left uuid.UUID
	if st.session != nil {
		left = st.session.partner.UserID()
	}
	c.mu.Unlock()

	if err := c.endSession(ctx, userID, nil, "skipped"); err != nil && !errors.Is(err, ErrNoActiveSession) {
		return SkipResult{}, err
	}

	c.mu.Lock()
	st.skips++
	if left != uuid.Nil && !slices.Contains(st.avoid, left) {
		st.avoid = append(st.avoid, left)
	}
	avoid := slices.Clone(st.avoid)
	skips := st.skips
	c.mu.Unlock()

	ticket, err := c.FindPartner(ctx, userID, avoid, preferred)
	if err != nil {
		return SkipResult{Skips: skips}, err
	}
	return SkipResult{Skips: skips, Ticket: ticket}, nil
}

// AdWatched resets the skip counter and grants the ad bonus.
func (c *Controller) AdWatched(ctx context.Context, userID uuid.UUID) (int64, error) {
	c.mu.Lock()
	st := c.stateLocked(userID)
	st.skips = 0
	st.avoid = nil
	c.mu.Unlock()
	return c.deps.Ledger.AwardAdBonus(ctx, userID)
}

func (c *Controller) CancelSearch(ctx context.Context, userID uuid.UUID) error {
	return c.deps.Matchmaker.CancelUser(ctx, userID)
}

func (c *Controller) Pause(userID uuid.UUID) (TimerView, error) {
	as := c.active(userID)
	if as == nil {
		return TimerView{}, ErrNoActiveSession
	}
	if err := as.engine.Pause(); err != nil {
		return TimerView{}, err
	}
	return viewOf(as.engine), nil
}

func (c *Controller) Resume(userID uuid.UUID) (TimerView, error) {
	as := c.active(userID)
	if as == nil {
		return TimerView{}, ErrNoActiveSession
	}
	if err := as.engine.Resume(); err != nil {
		return TimerView{}, err
	}
	return viewOf(as.engine), nil
}

func (c *Controller) Session(userID uuid.UUID) (SessionView, error) {
	c.mu.Lock()
	st, ok := c.users[userID]
	if !ok || st.session == nil {
		c.mu.Unlock()
		return SessionView{}, ErrNoActiveSession
	}
	as := st.session
	c.rolloverLocked(st)
	v := SessionView{
		SessionID: as.session.ID,
		Kind:      as.session.Kind,
		Partner:   as.partner.View(),
		Skips:     st.skips,
		GiftSent:  as.giftSent,
	}
	c.mu.Unlock()

	v.Timer = viewOf(as.engine)
	return v, nil
}

// Logout cancels any search, ends the session and forgets the user.
func (c *Controller) Logout(ctx context.Context, userID uuid.UUID) error {
	if err := c.deps.Matchmaker.CancelUser(ctx, userID); err != nil && !errors.Is(err, storage.ErrTicketNotFound) {
		log.WithError(err).WithField("user", userID).Warn("[CHAT] cancelling search on logout failed")
	}
	if err := c.endSession(ctx, userID, nil, "logout"); err != nil && !errors.Is(err, ErrNoActiveSession) {
		return err
	}
	if err := c.deps.Snapshots.Clear(ctx, userID); err != nil {
		return err
	}
	c.setPresence(ctx, userID, presence.Offline, presence.Extra{})

	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()
	return nil
}

// UseCredits spends n credits on chat time: inside a session they activate
// paid time on the live timer, otherwise they are banked on the profile.
func (c *Controller) UseCredits(ctx context.Context, userID uuid.UUID, n int64) (UseResult, error) {
	if n <= 0 {
		return UseResult{}, credits.ErrInvalidAmount
	}
	as := c.active(userID)
	if as != nil && as.engine.State().Unlimited {
		return UseResult{}, timer.ErrUnlimitedSession
	}

	var ok bool
	var err error
	if as != nil {
		ok, err = c.deps.Ledger.DeductForSession(ctx, userID, as.session.ID, n, "converted to chat time")
	} else {
		ok, err = c.deps.Ledger.Deduct(ctx, userID, n, "converted to chat time")
	}
	if err != nil {
		return UseResult{}, err
	}
	if !ok {
		return UseResult{}, credits.ErrInsufficientCredits
	}

	res := UseResult{Credits: n, Seconds: credits.ToSeconds(n)}
	if as != nil {
		if err := as.engine.UseCredits(n); err != nil {
			c.refund(ctx, userID, n, "session rejected credits")
			return UseResult{}, err
		}
		v := viewOf(as.engine)
		res.InSession = true
		res.Timer = &v
		return res, nil
	}

	if err := c.deps.Profiles.AddPaidTime(ctx, userID, res.Seconds); err != nil {
		c.refund(ctx, userID, n, "banking paid time failed")
		return UseResult{}, err
	}
	return res, nil
}

// BuyTime purchases a bundle. With a live session the bundle is converted
// into paid time right away.
func (c *Controller) BuyTime(ctx context.Context, userID uuid.UUID, optionID string) (BuyResult, error) {
	purchase, err := c.deps.Ledger.Purchase(ctx, userID, optionID)
	if err != nil || !purchase.Success {
		return BuyResult{PurchaseResult: purchase}, err
	}

	res := BuyResult{PurchaseResult: purchase}
	minutes, err := c.applyToSession(ctx, userID, purchase.Option.Credits, "bought "+purchase.Option.ID)
	if err != nil {
		log.WithError(err).WithField("user", userID).Warn("[CHAT] purchased credits stay on the balance")
	}
	res.AppliedMinutes = minutes
	return res, nil
}

// GiftPartner sends credits to the human partner of the current session,
// once per session.
func (c *Controller) GiftPartner(ctx context.Context, userID uuid.UUID, amount int64) (credits.GiftResult, error) {
	c.mu.Lock()
	var as *activeSession
	if st, ok := c.users[userID]; ok {
		as = st.session
	}
	switch {
	case as == nil:
		c.mu.Unlock()
		return credits.GiftResult{}, ErrNoActiveSession
	case as.partner.IsAI():
		c.mu.Unlock()
		return credits.GiftResult{}, ErrAIPartner
	case as.giftSent:
		c.mu.Unlock()
		return credits.GiftResult{}, ErrGiftAlreadySent
	}
	as.giftSent = true
	c.mu.Unlock()

	recipient := as.partner.UserID()
	res, err := c.deps.Ledger.Gift(ctx, userID, recipient, amount)
	if err != nil || !res.Success {
		c.mu.Lock()
		as.giftSent = false
		c.mu.Unlock()
		return res, err
	}

	minutes, err := c.applyToSession(ctx, recipient, amount, "gift received")
	if err != nil {
		log.WithError(err).WithField("user", recipient).Warn("[CHAT] gifted credits stay on the balance")
	}
	c.notify(recipient, EventGiftReceived, map[string]any{
		"from":            userID,
		"amount":          amount,
		"applied_minutes": minutes,
	})
	return res, nil
}

// applyToSession converts n credits of the user's balance into paid time on
// their live session, if there is one. It returns the minutes applied.
func (c *Controller) applyToSession(ctx context.Context, userID uuid.UUID, n int64, reason string) (int64, error) {
	as := c.active(userID)
	if as == nil || as.engine.State().Unlimited {
		return 0, nil
	}
	ok, err := c.deps.Ledger.DeductForSession(ctx, userID, as.session.ID, n, reason)
	if err != nil || !ok {
		return 0, err
	}
	minutes := credits.ToMinutes(n)
	if err := as.engine.AddPaidTime(minutes); err != nil {
		c.refund(ctx, userID, n, reason+" not applied")
		return 0, err
	}
	return minutes, nil
}

func (c *Controller) refund(ctx context.Context, userID uuid.UUID, n int64, reason string) {
	if err := c.deps.Ledger.Add(ctx, userID, n, credits.KindRefund, reason); err != nil {
		log.WithError(err).WithFields(log.Fields{"user": userID, "credits": n}).Error("[CHAT] refund failed")
	}
}

// PartnerOf returns the human partner of the user's current session.
func (c *Controller) PartnerOf(userID uuid.UUID) (uuid.UUID, bool) {
	as := c.active(userID)
	if as == nil || as.partner.IsAI() {
		return uuid.Nil, false
	}
	return as.partner.UserID(), true
}

func (c *Controller) TimerState(userID uuid.UUID) (TimerView, error) {
	as := c.active(userID)
	if as == nil {
		return TimerView{}, ErrNoActiveSession
	}
	return viewOf(as.engine), nil
}

// Close ends every session on this instance.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.users))
	for id, st := range c.users {
		if st.session != nil {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.endSession(ctx, id, nil, "shutdown"); err != nil && !errors.Is(err, ErrNoActiveSession) {
			log.WithError(err).WithField("user", id).Warn("[CHAT] ending session on shutdown failed")
		}
	}
}

func viewOf(e *timer.Engine) TimerView {
	return makeView(e.State(), e.ProgressPercentage())
}

func makeView(st timer.State, progress float64) TimerView {
	return TimerView{
		State:     st,
		Remaining: st.Remaining(),
		Progress:  progress,
		Display:   timer.FormatSeconds(st.Remaining()),
	}
}
