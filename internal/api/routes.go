package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/api/handlers"
	"safetalk-backend/internal/sessions"
)

// HealthCheck reports whether a backing store is reachable.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	MatchHandler    *handlers.MatchHandler
	PresenceHandler *handlers.PresenceHandler
	SessionHandler  *handlers.SessionHandler
	CreditsHandler  *handlers.CreditsHandler
	WSManager       *sessions.WSManager
	Checks          map[string]HealthCheck
	RequestTimeout  time.Duration
}

func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", health(deps.Checks))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		timeout := deps.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		r.Use(middleware.Timeout(timeout))
		r.Use(middleware.Compress(5))

		r.Route("/match", func(r chi.Router) {
			r.Post("/request", deps.MatchHandler.RequestMatch)
			r.Delete("/{ticketID}", deps.MatchHandler.CancelMatch)
			r.Post("/skip", deps.MatchHandler.Skip)
			r.Post("/ad-watched", deps.MatchHandler.AdWatched)
			r.Get("/stats", deps.MatchHandler.Stats)
		})

		r.Get("/presence/available", deps.PresenceHandler.Available)
		r.Get("/presence/stats", deps.PresenceHandler.Stats)

		r.Route("/sessions/{userID}", func(r chi.Router) {
			r.Get("/", deps.SessionHandler.Get)
			r.Get("/timer", deps.SessionHandler.Timer)
			r.Post("/pause", deps.SessionHandler.Pause)
			r.Post("/resume", deps.SessionHandler.Resume)
			r.Post("/end", deps.SessionHandler.End)
		})
		r.Post("/users/{userID}/logout", deps.SessionHandler.Logout)

		r.Route("/credits", func(r chi.Router) {
			r.Get("/options", deps.CreditsHandler.Options)
			r.Post("/use", deps.CreditsHandler.Use)
			r.Post("/purchase", deps.CreditsHandler.Purchase)
			r.Post("/gift", deps.CreditsHandler.Gift)
			r.Get("/{userID}/history", deps.CreditsHandler.History)
		})
	})

	// Websockets stay outside the timeout and compression middleware.
	r.Get("/ws/{userID}", deps.WSManager.HandleWebSocket)

	return r
}

func health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  overall,
			"service": "safetalk-backend",
			"checks":  results,
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("[HTTP] request")
			return
		}
		entry.Debug("[HTTP] request")
	})
}
