package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"safetalk-backend/internal/presence"
	"safetalk-backend/internal/roles"
)

type PresenceDirectory interface {
	QueryAvailable(ctx context.Context, exclude []uuid.UUID, seeker *roles.Seeker) ([]presence.Record, error)
	Stats(ctx context.Context) (presence.Stats, error)
}

type PresenceHandler struct {
	directory PresenceDirectory
}

func NewPresenceHandler(directory PresenceDirectory) *PresenceHandler {
	return &PresenceHandler{directory: directory}
}

type AvailableResponse struct {
	Users []presence.Record `json:"users"`
	Count int               `json:"count"`
}

// Available lists searching users. With user_id and role set, only users
// that seeker could be paired with are returned.
func (h *PresenceHandler) Available(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var exclude []uuid.UUID
	if raw := q.Get("exclude"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := parseUUID("exclude", strings.TrimSpace(part))
			if err != nil {
				writeFailure(w, r, "PRESENCE", err)
				return
			}
			exclude = append(exclude, id)
		}
	}

	var seeker *roles.Seeker
	if raw := q.Get("role"); raw != "" {
		role, err := roles.ParseRole(raw)
		if err != nil {
			writeFailure(w, r, "PRESENCE", invalid("role", "%v", err))
			return
		}
		pref, err := roles.ParsePreference(q.Get("preferred_role"))
		if err != nil {
			writeFailure(w, r, "PRESENCE", invalid("preferred_role", "%v", err))
			return
		}
		userID, err := parseUUID("user_id", q.Get("user_id"))
		if err != nil {
			writeFailure(w, r, "PRESENCE", err)
			return
		}
		seeker = &roles.Seeker{UserID: userID, Role: role, Preference: pref}
	}

	users, err := h.directory.QueryAvailable(r.Context(), exclude, seeker)
	if err != nil {
		writeFailure(w, r, "PRESENCE", err)
		return
	}
	writeJSON(w, http.StatusOK, AvailableResponse{Users: users, Count: len(users)})
}

func (h *PresenceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.directory.Stats(r.Context())
	if err != nil {
		writeFailure(w, r, "PRESENCE", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
