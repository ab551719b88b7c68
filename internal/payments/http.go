package payments

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/config"
)

// HTTPProvider posts charges to an external payment gateway.
type HTTPProvider struct {
	client *resty.Client
}

type chargeResponse struct {
	Status    string `json:"status"`
	ReceiptID string `json:"receipt_id"`
	Reason    string `json:"reason"`
}

func NewHTTPProvider(cfg config.PaymentsConfig) *HTTPProvider {
	c := resty.New().
		SetBaseURL(cfg.URL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &HTTPProvider{client: c}
}

// Charge treats 402 and a "declined" status as a decline. Other non-2xx
// answers are errors, so nothing is credited on an unknown outcome.
func (p *HTTPProvider) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.IdempotencyKey == uuid.Nil {
		req.IdempotencyKey = uuid.New()
	}

	var out chargeResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey.String()).
		SetBody(&req).
		SetResult(&out).
		SetError(&out).
		Post("/charges")
	if err != nil {
		return nil, fmt.Errorf("payment request: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusPaymentRequired || out.Status == "declined":
		log.WithFields(log.Fields{"user": req.UserID, "reason": out.Reason}).Info("[PAYMENTS] charge declined")
		return &Charge{Success: false, DeclineReason: out.Reason}, nil
	case resp.IsSuccess() && out.Status == "succeeded" && out.ReceiptID != "":
		return &Charge{Success: true, ReceiptID: out.ReceiptID}, nil
	default:
		return nil, fmt.Errorf("payment gateway status %d: %s", resp.StatusCode(), resp.String())
	}
}
