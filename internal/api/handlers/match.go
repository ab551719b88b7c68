package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/chat"
	"safetalk-backend/internal/queue"
	"safetalk-backend/internal/roles"
)

type Matchmaking interface {
	FindPartner(ctx context.Context, userID uuid.UUID, avoid []uuid.UUID, preferred roles.Preference) (*queue.Ticket, error)
	SkipPartner(ctx context.Context, userID uuid.UUID, preferred roles.Preference) (chat.SkipResult, error)
	AdWatched(ctx context.Context, userID uuid.UUID) (int64, error)
}

type MatchQueue interface {
	Cancel(ctx context.Context, ticketID uuid.UUID) error
	Stats(ctx context.Context) (queue.Stats, error)
}

type MatchHandler struct {
	chat  Matchmaking
	queue MatchQueue
}

func NewMatchHandler(chat Matchmaking, queue MatchQueue) *MatchHandler {
	return &MatchHandler{chat: chat, queue: queue}
}

type MatchRequestBody struct {
	UserID        string   `json:"user_id"`
	AvoidUsers    []string `json:"avoid_users"`
	PreferredRole string   `json:"preferred_role"`
}

type MatchResponse struct {
	TicketID  uuid.UUID `json:"ticket_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

type SkipResponse struct {
	NeedsAd   bool       `json:"needs_ad"`
	Skips     int        `json:"skips"`
	TicketID  *uuid.UUID `json:"ticket_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type UserBody struct {
	UserID        string `json:"user_id"`
	PreferredRole string `json:"preferred_role,omitempty"`
}

func (b MatchRequestBody) validate() (uuid.UUID, []uuid.UUID, roles.Preference, error) {
	userID, err := parseUUID("user_id", b.UserID)
	if err != nil {
		return uuid.Nil, nil, "", err
	}
	avoid := make([]uuid.UUID, 0, len(b.AvoidUsers))
	for _, raw := range b.AvoidUsers {
		id, err := parseUUID("avoid_users", raw)
		if err != nil {
			return uuid.Nil, nil, "", err
		}
		avoid = append(avoid, id)
	}
	pref, err := roles.ParsePreference(b.PreferredRole)
	if err != nil {
		return uuid.Nil, nil, "", invalid("preferred_role", "%v", err)
	}
	return userID, avoid, pref, nil
}

func (h *MatchHandler) RequestMatch(w http.ResponseWriter, r *http.Request) {
	var body MatchRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeFailure(w, r, "MATCH_REQUEST", err)
		return
	}
	userID, avoid, pref, err := body.validate()
	if err != nil {
		writeFailure(w, r, "MATCH_REQUEST", err)
		return
	}

	ticket, err := h.chat.FindPartner(r.Context(), userID, avoid, pref)
	if err != nil {
		writeFailure(w, r, "MATCH_REQUEST", err)
		return
	}

	log.WithFields(log.Fields{"user": userID, "ticket": ticket.ID, "preferred": pref}).Info("[MATCH_REQUEST] searching")
	writeJSON(w, http.StatusAccepted, MatchResponse{
		TicketID:  ticket.ID,
		Status:    "searching",
		ExpiresAt: ticket.ExpiresAt,
		Message:   "Searching for a partner. The result is pushed over the websocket.",
	})
}

func (h *MatchHandler) CancelMatch(w http.ResponseWriter, r *http.Request) {
	ticketID, err := urlUUID(r, "ticketID")
	if err != nil {
		writeFailure(w, r, "MATCH_CANCEL", err)
		return
	}
	if err := h.queue.Cancel(r.Context(), ticketID); err != nil {
		writeFailure(w, r, "MATCH_CANCEL", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket_id": ticketID, "status": "cancelled"})
}

func (h *MatchHandler) Skip(w http.ResponseWriter, r *http.Request) {
	var body UserBody
	if err := decodeJSON(r, &body); err != nil {
		writeFailure(w, r, "MATCH_SKIP", err)
		return
	}
	userID, err := parseUUID("user_id", body.UserID)
	if err != nil {
		writeFailure(w, r, "MATCH_SKIP", err)
		return
	}
	pref, err := roles.ParsePreference(body.PreferredRole)
	if err != nil {
		writeFailure(w, r, "MATCH_SKIP", invalid("preferred_role", "%v", err))
		return
	}

	res, err := h.chat.SkipPartner(r.Context(), userID, pref)
	if err != nil {
		writeFailure(w, r, "MATCH_SKIP", err)
		return
	}
	resp := SkipResponse{NeedsAd: res.NeedsAd, Skips: res.Skips}
	if res.Ticket != nil {
		resp.TicketID = &res.Ticket.ID
		resp.ExpiresAt = &res.Ticket.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *MatchHandler) AdWatched(w http.ResponseWriter, r *http.Request) {
	var body UserBody
	if err := decodeJSON(r, &body); err != nil {
		writeFailure(w, r, "MATCH_AD", err)
		return
	}
	userID, err := parseUUID("user_id", body.UserID)
	if err != nil {
		writeFailure(w, r, "MATCH_AD", err)
		return
	}
	bonus, err := h.chat.AdWatched(r.Context(), userID)
	if err != nil {
		writeFailure(w, r, "MATCH_AD", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skips": 0, "bonus_credits": bonus})
}

func (h *MatchHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeFailure(w, r, "MATCH_STATS", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
