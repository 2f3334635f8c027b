package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bgbyebye/internal/config"
	httpapi "bgbyebye/internal/http"
	"bgbyebye/internal/logging"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address, overrides SERVER_ADDR")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ServerAddr = addr
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "api"})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, cleanup, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	scheduler, err := svc.StartScheduler(ctx)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	server := httpapi.NewServer(svc, cfg)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Str("version", version).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("received signal, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}
