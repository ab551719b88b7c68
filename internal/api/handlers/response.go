package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/chat"
	"safetalk-backend/internal/credits"
	"safetalk-backend/internal/queue"
	"safetalk-backend/internal/storage"
	"safetalk-backend/internal/timer"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("[HTTP] encoding response failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("body", "invalid request body: %v", err)
	}
	return nil
}

func parseUUID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, invalid(field, "%s is required", field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalid(field, "%s must be a valid UUID", field)
	}
	return id, nil
}

func urlUUID(r *http.Request, name string) (uuid.UUID, error) {
	return parseUUID(name, chi.URLParam(r, name))
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{storage.ErrProfileNotFound, http.StatusNotFound, "user_not_found"},
	{credits.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{credits.ErrRecipientNotFound, http.StatusNotFound, "recipient_not_found"},
	{storage.ErrTicketNotFound, http.StatusNotFound, "ticket_not_found"},
	{chat.ErrNoActiveSession, http.StatusNotFound, "no_active_session"},
	{chat.ErrSessionActive, http.StatusConflict, "session_active"},
	{chat.ErrGiftAlreadySent, http.StatusConflict, "gift_already_sent"},
	{queue.ErrTicketResolved, http.StatusConflict, "ticket_resolved"},
	{timer.ErrSessionStopped, http.StatusConflict, "session_stopped"},
	{credits.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{credits.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{timer.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{credits.ErrUnknownOption, http.StatusBadRequest, "unknown_option"},
	{credits.ErrSameUser, http.StatusBadRequest, "same_user"},
	{credits.ErrNotPremium, http.StatusForbidden, "not_premium"},
	{chat.ErrAIPartner, http.StatusUnprocessableEntity, "ai_partner"},
	{timer.ErrUnlimitedSession, http.StatusUnprocessableEntity, "unlimited_session"},
}

// writeFailure maps domain errors to 4xx responses. Anything unknown is
// logged and reported as a 500 without details.
func writeFailure(w http.ResponseWriter, r *http.Request, tag string, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, "validation_failed", verr.Message)
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	log.WithError(err).WithFields(log.Fields{"method": r.Method, "path": r.URL.Path}).Errorf("[%s] request failed", tag)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}
