package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/config"
	"safetalk-backend/internal/metrics"
	"safetalk-backend/internal/payments"
)

// Repository applies balance mutations together with their history entries.
// Implementations must make each call atomic.
type Repository interface {
	Balance(ctx context.Context, userID uuid.UUID) (Balance, error)
	// Debit applies a negative entry to the general balance, failing with
	// ErrInsufficientCredits instead of going below zero.
	Debit(ctx context.Context, e Entry) error
	// Credit applies positive entries to general balances in one transaction.
	Credit(ctx context.Context, entries ...Entry) error
	// Transfer moves credits from the sender's giftable pool to the
	// recipient's general balance.
	Transfer(ctx context.Context, sent, received Entry) error
	History(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error)
}

const (
	ReasonNotPremium         = "not_premium"
	ReasonInsufficientCredit = "insufficient_giftable_credits"
	ReasonRecipientNotFound  = "recipient_not_found"
	ReasonPaymentDeclined    = "payment_declined"
)

type GiftResult struct {
	Success bool   `json:"success"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason,omitempty"`
}

type PurchaseResult struct {
	Success   bool   `json:"success"`
	Option    Option `json:"option"`
	Credits   int64  `json:"credits"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Ledger struct {
	repo     Repository
	provider payments.Provider
	cfg      config.CreditsConfig
}

func NewLedger(repo Repository, provider payments.Provider, cfg config.CreditsConfig) *Ledger {
	return &Ledger{repo: repo, provider: provider, cfg: cfg}
}

func observe(op string, err error, ok bool) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "rejected"
	}
	metrics.LedgerOperations.WithLabelValues(op, result).Inc()
}

// Deduct removes amount credits from the user's balance. It reports false
// when the balance is too small; nothing is recorded in that case.
func (l *Ledger) Deduct(ctx context.Context, userID uuid.UUID, amount int64, reason string) (bool, error) {
	return l.deduct(ctx, userID, nil, amount, reason)
}

// DeductForSession is Deduct for credits spent inside a chat session; the
// entry references the session.
func (l *Ledger) DeductForSession(ctx context.Context, userID, sessionID uuid.UUID, amount int64, reason string) (bool, error) {
	return l.deduct(ctx, userID, &sessionID, amount, reason)
}

func (l *Ledger) deduct(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, amount int64, reason string) (ok bool, err error) {
	defer func() { observe("deduct", err, ok) }()

	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	err = l.repo.Debit(ctx, Entry{UserID: userID, Kind: KindUsed, Amount: -amount, Description: reason, SessionID: sessionID})
	if errors.Is(err, ErrInsufficientCredits) {
		log.WithFields(log.Fields{"user": userID, "amount": amount}).Info("[CREDITS] deduction rejected, insufficient balance")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deduct credits: %w", err)
	}
	return true, nil
}

func (l *Ledger) Add(ctx context.Context, userID uuid.UUID, amount int64, kind EntryKind, reason string) (err error) {
	defer func() { observe("add", err, true) }()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.repo.Credit(ctx, Entry{UserID: userID, Kind: kind, Amount: amount, Description: reason}); err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// Gift moves amount credits from a premium sender's giftable pool into the
// recipient's general balance.
func (l *Ledger) Gift(ctx context.Context, from, to uuid.UUID, amount int64) (res GiftResult, err error) {
	defer func() { observe("gift", err, res.Success) }()

	if amount <= 0 {
		return GiftResult{}, ErrInvalidAmount
	}
	if from == to {
		return GiftResult{}, ErrSameUser
	}

	sent := Entry{UserID: from, Kind: KindGiftSent, Amount: -amount, CounterpartyID: &to, Description: "gift sent"}
	received := Entry{UserID: to, Kind: KindGiftReceived, Amount: amount, CounterpartyID: &from, Description: "gift received"}

	err = l.repo.Transfer(ctx, sent, received)
	switch {
	case err == nil:
		log.WithFields(log.Fields{"from": from, "to": to, "amount": amount}).Info("[CREDITS] gift delivered")
		return GiftResult{Success: true, Amount: amount}, nil
	case errors.Is(err, ErrNotPremium):
		return GiftResult{Amount: amount, Reason: ReasonNotPremium}, nil
	case errors.Is(err, ErrInsufficientCredits):
		return GiftResult{Amount: amount, Reason: ReasonInsufficientCredit}, nil
	case errors.Is(err, ErrRecipientNotFound):
		return GiftResult{Amount: amount, Reason: ReasonRecipientNotFound}, nil
	default:
		return GiftResult{}, fmt.Errorf("gift credits: %w", err)
	}
}

// Purchase charges the user for optionID and credits the bundle only after
// the provider confirms the charge.
func (l *Ledger) Purchase(ctx context.Context, userID uuid.UUID, optionID string) (res PurchaseResult, err error) {
	defer func() { observe("purchase", err, res.Success) }()

	opt, ok := LookupOption(optionID)
	if !ok {
		return PurchaseResult{}, ErrUnknownOption
	}
	if _, err := l.repo.Balance(ctx, userID); err != nil {
		return PurchaseResult{}, err
	}

	entry := log.WithFields(log.Fields{"user": userID, "option": opt.ID})
	charge, err := l.provider.Charge(ctx, payments.ChargeRequest{
		IdempotencyKey: uuid.New(),
		UserID:         userID,
		OptionID:       opt.ID,
		Amount:         opt.Price,
		Currency:       l.cfg.Currency,
	})
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("charge %s: %w", opt.ID, err)
	}
	if !charge.Success {
		entry.WithField("decline", charge.DeclineReason).Info("[CREDITS] purchase declined")
		return PurchaseResult{Option: opt, Reason: ReasonPaymentDeclined}, nil
	}

	err = l.repo.Credit(ctx, Entry{
		UserID:      userID,
		Kind:        KindPurchase,
		Amount:      opt.Credits,
		Description: "purchase " + opt.ID,
		ReceiptID:   charge.ReceiptID,
	})
	if err != nil {
		entry.WithError(err).WithField("receipt", charge.ReceiptID).Error("[CREDITS] charge succeeded but crediting failed")
		return PurchaseResult{}, fmt.Errorf("credit purchase %s: %w", charge.ReceiptID, err)
	}

	entry.WithField("receipt", charge.ReceiptID).Info("[CREDITS] purchase credited")
	return PurchaseResult{Success: true, Option: opt, Credits: opt.Credits, ReceiptID: charge.ReceiptID}, nil
}

func (l *Ledger) AwardAdBonus(ctx context.Context, userID uuid.UUID) (int64, error) {
	if l.cfg.AdBonus <= 0 {
		return 0, nil
	}
	if err := l.Add(ctx, userID, l.cfg.AdBonus, KindAdReward, "watched an ad"); err != nil {
		return 0, err
	}
	return l.cfg.AdBonus, nil
}

// AwardReferralBonus credits both sides of a referral together.
func (l *Ledger) AwardReferralBonus(ctx context.Context, referrer, referred uuid.UUID) (err error) {
	defer func() { observe("referral", err, true) }()

	if referrer == referred {
		return ErrSameUser
	}
	var entries []Entry
	if l.cfg.ReferrerBonus > 0 {
		entries = append(entries, Entry{UserID: referrer, Kind: KindReferralBonus, Amount: l.cfg.ReferrerBonus,
			CounterpartyID: &referred, Description: "referred a friend"})
	}
	if l.cfg.ReferredBonus > 0 {
		entries = append(entries, Entry{UserID: referred, Kind: KindReferralBonus, Amount: l.cfg.ReferredBonus,
			CounterpartyID: &referrer, Description: "joined through a referral"})
	}
	if len(entries) == 0 {
		return nil
	}
	if err := l.repo.Credit(ctx, entries...); err != nil {
		return fmt.Errorf("referral bonus: %w", err)
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	return l.repo.Balance(ctx, userID)
}

// History returns the newest entries first, capped at the configured page
// size.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 || limit > l.cfg.HistoryPageLimit {
		limit = l.cfg.HistoryPageLimit
	}
	return l.repo.History(ctx, userID, limit)
}

func (l *Ledger) Options() []Option {
	return Options()
}
