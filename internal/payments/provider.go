// Package payments charges users for credit purchases.
package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"safetalk-backend/internal/config"
)

// ChargeRequest is one purchase attempt. IdempotencyKey identifies the
// attempt across transport retries and must differ between purchases.
type ChargeRequest struct {
	IdempotencyKey uuid.UUID       `json:"idempotency_key"`
	UserID         uuid.UUID       `json:"user_id"`
	OptionID       string          `json:"option_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

// Charge is the provider's verdict. A decline is not an error.
type Charge struct {
	Success       bool   `json:"success"`
	ReceiptID     string `json:"receipt_id,omitempty"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

func NewProvider(cfg config.PaymentsConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "simulated":
		return NewSimulated(cfg.SimDelay, cfg.SimDecline), nil
	case "http":
		return NewHTTPProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}
