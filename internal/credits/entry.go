package credits

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotPremium          = errors.New("gifting requires premium")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrUnknownOption       = errors.New("unknown purchase option")
	ErrUserNotFound        = errors.New("user not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrSameUser            = errors.New("source and target user must differ")
)

type EntryKind string

const (
	KindPurchase      EntryKind = "purchase"
	KindUsed          EntryKind = "used"
	KindGiftSent      EntryKind = "gift_sent"
	KindGiftReceived  EntryKind = "gift_received"
	KindAdReward      EntryKind = "ad_reward"
	KindReferralBonus EntryKind = "referral_bonus"
	KindRefund        EntryKind = "refund"
	KindBonus         EntryKind = "bonus"
)

// Entry is one line of a user's credit history. Amount is signed.
type Entry struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Kind           EntryKind  `json:"kind"`
	Amount         int64      `json:"amount"`
	Description    string     `json:"description"`
	CounterpartyID *uuid.UUID `json:"counterparty_id,omitempty"`
	SessionID      *uuid.UUID `json:"session_id,omitempty"`
	ReceiptID      string     `json:"receipt_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type Balance struct {
	Credits         int64 `json:"credits"`
	GiftableCredits int64 `json:"giftable_credits"`
}
