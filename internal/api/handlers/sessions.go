package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/chat"
)

type SessionControl interface {
	Session(userID uuid.UUID) (chat.SessionView, error)
	TimerState(userID uuid.UUID) (chat.TimerView, error)
	Pause(userID uuid.UUID) (chat.TimerView, error)
	Resume(userID uuid.UUID) (chat.TimerView, error)
	EndSession(ctx context.Context, userID uuid.UUID) error
	Logout(ctx context.Context, userID uuid.UUID) error
}

type SessionHandler struct {
	chat SessionControl
}

func NewSessionHandler(chat SessionControl) *SessionHandler {
	return &SessionHandler{chat: chat}
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := urlUUID(r, "userID")
	if err != nil {
		writeFailure(w, r, "SESSION", err)
		return
	}
	view, err := h.chat.Session(userID)
	if err != nil {
		writeFailure(w, r, "SESSION", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *SessionHandler) Timer(w http.ResponseWriter, r *http.Request) {
	h.timerAction(w, r, h.chat.TimerState)
}

func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.timerAction(w, r, h.chat.Pause)
}

func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.timerAction(w, r, h.chat.Resume)
}

func (h *SessionHandler) timerAction(w http.ResponseWriter, r *http.Request, fn func(uuid.UUID) (chat.TimerView, error)) {
	userID, err := urlUUID(r, "userID")
	if err != nil {
		writeFailure(w, r, "TIMER", err)
		return
	}
	view, err := fn(userID)
	if err != nil {
		writeFailure(w, r, "TIMER", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	userID, err := urlUUID(r, "userID")
	if err != nil {
		writeFailure(w, r, "SESSION", err)
		return
	}
	if err := h.chat.EndSession(r.Context(), userID); err != nil {
		writeFailure(w, r, "SESSION", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ended"})
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := urlUUID(r, "userID")
	if err != nil {
		writeFailure(w, r, "LOGOUT", err)
		return
	}
	if err := h.chat.Logout(r.Context(), userID); err != nil {
		writeFailure(w, r, "LOGOUT", err)
		return
	}
	log.WithField("user", userID).Info("[LOGOUT] user logged out")
	w.WriteHeader(http.StatusNoContent)
}
