// Command api runs the consent-request and call-signaling HTTP server.
//
// Configuration comes from environment variables (a .env file is honored in
// development); see internal/config for the full list. The process shuts
// down gracefully on SIGINT/SIGTERM, draining in-flight requests before
// exiting.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/veilmatch/go-consent-backend/internal/config"
	httpapi "github.com/veilmatch/go-consent-backend/internal/http"
)

func main() {
	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := httpapi.Serve(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
