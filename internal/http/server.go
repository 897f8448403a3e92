package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilmatch/go-consent-backend/internal/config"
	"github.com/veilmatch/go-consent-backend/internal/observability"
	"github.com/veilmatch/go-consent-backend/internal/repo"
	"github.com/veilmatch/go-consent-backend/internal/services"
	"github.com/veilmatch/go-consent-backend/internal/signal"
	"github.com/veilmatch/go-consent-backend/internal/sysutil"
)

// Version is stamped at build time (-ldflags "-X ...Version=...").
var Version = "dev"

// Serve assembles the full stack from configuration — database, request
// service, signal hub, router — and runs the HTTP server until ctx is
// canceled, then drains connections gracefully. It is the one-call entry
// point for a binary embedding this subsystem.
func Serve(ctx context.Context, cfg config.Config) error {
	sysutil.SetLogLevel(cfg.LogLevel)
	log := sysutil.NewLogger(cfg.LogPretty)
	zerolog.DefaultContextLogger = &log

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, Version)
	if err != nil {
		return err
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	svc := services.NewRequestService(db, log)
	svc.MeetingURIBase = cfg.MeetingURIBase

	hub := signal.NewHub(log)
	defer hub.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, svc, hub),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shut down")
		return err
	}
	return shutdownOTel(shutdownCtx)
}
