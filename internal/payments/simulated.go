package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Simulated approves every charge after a fixed delay, or declines every
// charge when decline is set.
type Simulated struct {
	delay   time.Duration
	decline bool
}

func NewSimulated(delay time.Duration, decline bool) *Simulated {
	return &Simulated{delay: delay, decline: decline}
}

func (s *Simulated) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	entry := log.WithFields(log.Fields{"user": req.UserID, "option": req.OptionID, "amount": req.Amount.StringFixed(2)})
	if s.decline {
		entry.Info("[PAYMENTS] simulated charge declined")
		return &Charge{Success: false, DeclineReason: "card_declined"}, nil
	}

	receipt := "sim_" + uuid.NewString()
	entry.WithField("receipt", receipt).Info("[PAYMENTS] simulated charge approved")
	return &Charge{Success: true, ReceiptID: receipt}, nil
}
