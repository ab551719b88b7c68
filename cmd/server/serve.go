package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"safetalk-backend/internal/api"
	"safetalk-backend/internal/api/handlers"
	"safetalk-backend/internal/chat"
	"safetalk-backend/internal/config"
	"safetalk-backend/internal/credits"
	"safetalk-backend/internal/payments"
	"safetalk-backend/internal/presence"
	"safetalk-backend/internal/queue"
	"safetalk-backend/internal/sessions"
	"safetalk-backend/internal/storage"
	"safetalk-backend/internal/timer"
)

func serveCmd() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply database migrations on start")
	return cmd
}

func storageDB(ctx context.Context, cfg *config.Config) (*storage.PostgresDB, error) {
	return storage.NewPostgresDB(ctx, cfg.Database)
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	store, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	if migrate {
		if err := store.DB.Migrate(ctx); err != nil {
			return err
		}
	}

	provider, err := payments.NewProvider(cfg.Payments)
	if err != nil {
		return err
	}
	ledger := credits.NewLedger(credits.NewPostgresRepository(store.DB.Pool()), provider, cfg.Credits)

	directory := presence.NewDirectory(store.Redis, cfg.Presence)
	defer directory.Close()
	go func() {
		if err := directory.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("[PRESENCE] change relay stopped")
		}
	}()

	coordinator := queue.NewCoordinator(store.Redis, store.DB, store.DB, cfg.Queue)

	processor, err := queue.NewProcessor(cfg.Redis.URL, cfg.Queue, cfg.Presence, queue.NewJanitor(store.Redis, directory))
	if err != nil {
		return err
	}
	if err := processor.Start(); err != nil {
		return fmt.Errorf("start background processor: %w", err)
	}
	defer processor.Stop()

	wsManager := sessions.NewWSManager(store.DB, directory, store.Redis, 30*time.Second)
	controller := chat.NewController(chat.Deps{
		Matchmaker: coordinator,
		Presence:   directory,
		Ledger:     ledger,
		Profiles:   store.DB,
		Sessions:   store.DB,
		Snapshots:  timer.NewRedisSnapshotStore(store.Redis.Client(), cfg.Timer.SnapshotTTL),
		Notifier:   wsManager,
	}, cfg)
	wsManager.RelayVia(controller)
	// A dropped connection pauses the user's timer until they come back.
	wsManager.OnDisconnect(func(userID uuid.UUID) {
		if _, err := controller.Pause(userID); err != nil && !errors.Is(err, chat.ErrNoActiveSession) {
			log.WithError(err).WithField("user", userID).Warn("[WS] pausing timer on disconnect failed")
		}
	})

	router := api.NewRouter(&api.Dependencies{
		MatchHandler:    handlers.NewMatchHandler(controller, coordinator),
		PresenceHandler: handlers.NewPresenceHandler(directory),
		SessionHandler:  handlers.NewSessionHandler(controller),
		CreditsHandler:  handlers.NewCreditsHandler(controller, ledger),
		WSManager:       wsManager,
		RequestTimeout:  cfg.Server.RequestTimeout,
		Checks: map[string]api.HealthCheck{
			"postgres": store.DB.Ping,
			"redis": func(ctx context.Context) error {
				return store.Redis.Client().Ping(ctx).Err()
			},
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("[SERVER] listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("[SERVER] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("[SERVER] forced shutdown")
	}
	wsManager.CloseAll()
	coordinator.Close()
	controller.Close(shutdownCtx)

	log.Info("[SERVER] exited")
	return nil
}
