package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/chat"
	"safetalk-backend/internal/credits"
)

type CreditSpending interface {
	UseCredits(ctx context.Context, userID uuid.UUID, n int64) (chat.UseResult, error)
	BuyTime(ctx context.Context, userID uuid.UUID, optionID string) (chat.BuyResult, error)
	GiftPartner(ctx context.Context, userID uuid.UUID, amount int64) (credits.GiftResult, error)
}

type CreditBook interface {
	Options() []credits.Option
	Balance(ctx context.Context, userID uuid.UUID) (credits.Balance, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]credits.Entry, error)
}

type CreditsHandler struct {
	chat   CreditSpending
	ledger CreditBook
}

func NewCreditsHandler(chat CreditSpending, ledger CreditBook) *CreditsHandler {
	return &CreditsHandler{chat: chat, ledger: ledger}
}

type UseCreditsBody struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

type PurchaseBody struct {
	UserID   string `json:"user_id"`
	OptionID string `json:"option_id"`
}

type GiftBody struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type HistoryResponse struct {
	Balance credits.Balance `json:"balance"`
	Entries []credits.Entry `json:"entries"`
}

func (h *CreditsHandler) Options(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"options": h.ledger.Options()})
}

func (h *CreditsHandler) Use(w http.ResponseWriter, r *http.Request) {
	var body UseCreditsBody
	if err := decodeJSON(r, &body); err != nil {
		writeFailure(w, r, "CREDITS_USE", err)
		return
	}
	userID, err := parseUUID("user_id", body.UserID)
	if err != nil {
		writeFailure(w, r, "CREDITS_USE", err)
		return
	}
	res, err := h.chat.UseCredits(r.Context(), userID, body.Credits)
	if err != nil {
		writeFailure(w, r, "CREDITS_USE", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Purchase answers 200 for declined payments too; success is in the body.
func (h *CreditsHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var body PurchaseBody
	if err := decodeJSON(r, &body); err != nil {
		writeFailure(w, r, "CREDITS_PURCHASE", err)
		return
	}
	userID, err := parseUUID("user_id", body.UserID)
	if err != nil {
		writeFailure(w, r, "CREDITS_PURCHASE", err)
		return
	}
	if body.OptionID == "" {
		writeFailure(w, r, "CREDITS_PURCHASE", invalid("option_id", "option_id is required"))
		return
	}

	res, err := h.chat.BuyTime(r.Context(), userID, body.OptionID)
	if err != nil {
		writeFailure(w, r, "CREDITS_PURCHASE", err)
		return
	}
	log.WithFields(log.Fields{"user": userID, "option": body.OptionID, "success": res.Success}).Info("[CREDITS_PURCHASE] completed")
	writeJSON(w, http.StatusOK, res)
}

func (h *CreditsHandler) Gift(w http.ResponseWriter, r *http.Request) {
	var body GiftBody
	if err := decodeJSON(r, &body); err != nil {
		writeFailure(w, r, "CREDITS_GIFT", err)
		return
	}
	userID, err := parseUUID("user_id", body.UserID)
	if err != nil {
		writeFailure(w, r, "CREDITS_GIFT", err)
		return
	}
	res, err := h.chat.GiftPartner(r.Context(), userID, body.Amount)
	if err != nil {
		writeFailure(w, r, "CREDITS_GIFT", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CreditsHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := urlUUID(r, "userID")
	if err != nil {
		writeFailure(w, r, "CREDITS_HISTORY", err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeFailure(w, r, "CREDITS_HISTORY", invalid("limit", "limit must be a non-negative integer"))
			return
		}
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeFailure(w, r, "CREDITS_HISTORY", err)
		return
	}
	entries, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		writeFailure(w, r, "CREDITS_HISTORY", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Balance: balance, Entries: entries})
}
