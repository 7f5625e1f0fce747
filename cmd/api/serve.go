package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-huddle/backend/internal/config"
	"github.com/zhouzirui/z-huddle/backend/internal/handler"
	"github.com/zhouzirui/z-huddle/backend/internal/logging"
	"github.com/zhouzirui/z-huddle/backend/internal/metrics"
	"github.com/zhouzirui/z-huddle/backend/internal/service/ai"
	"github.com/zhouzirui/z-huddle/backend/internal/service/auth"
	"github.com/zhouzirui/z-huddle/backend/internal/service/ledger"
	"github.com/zhouzirui/z-huddle/backend/internal/service/room"
	"github.com/zhouzirui/z-huddle/backend/internal/service/session"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

// loadConfig preloads .env and reads the environment.
func loadConfig() (*config.Config, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load configuration")
	}
	if err := logging.Setup(cfg.Log); err != nil {
		return nil, err
	}
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file loaded, using process environment only")
	}
	return cfg, nil
}

func openLedger(cfg config.LedgerConfig) (*ledger.Ledger, error) {
	switch cfg.Backend {
	case config.LedgerBadger:
		backend, err := ledger.OpenBadgerBackend(cfg.Path)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "open ledger at %s", cfg.Path)
		}
		return ledger.New(backend), nil
	default:
		return ledger.New(ledger.NewMemoryBackend()), nil
	}
}

func newResponder(ctx context.Context, cfg config.AIConfig) ai.Responder {
	logger := logging.Component("ai")
	if !cfg.Enabled() {
		logger.Warn().Msg("ark credentials not configured, assistant replies will fall back")
		return ai.Unavailable{}
	}
	svc, err := ai.NewService(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize assistant, replies will fall back")
		return ai.Unavailable{}
	}
	logger.Info().Str("model", cfg.Model).Msg("assistant initialized")
	return svc
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.UsesDevSecret() {
		log.Warn().Msg("JWT_SECRET not set, using the development secret")
	}

	ledgerStore, err := openLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ledgerStore.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close ledger")
		}
	}()

	m := metrics.New()
	svc := room.NewService(cfg, room.Deps{
		Store:     session.NewMemoryStore(),
		Ledger:    ledgerStore,
		Tokens:    auth.NewTokenService(cfg.Auth),
		Responder: newResponder(ctx, cfg.AI),
		Metrics:   m,
	})
	defer svc.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(cfg.Server, svc, m),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Info().Str("addr", srv.Addr).Str("ledger", cfg.Ledger.Backend).Msg("Z Huddle backend listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
