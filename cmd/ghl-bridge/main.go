package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/api"
	"github.com/alexjbarnes/ghl-bridge/internal/auth"
	"github.com/alexjbarnes/ghl-bridge/internal/config"
	"github.com/alexjbarnes/ghl-bridge/internal/events"
	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/logging"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/alexjbarnes/ghl-bridge/internal/server"
	"github.com/alexjbarnes/ghl-bridge/internal/state"
	"github.com/alexjbarnes/ghl-bridge/internal/tokens"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// Handle gen-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "gen-key" {
		fmt.Println(auth.GenerateAPIKey())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("ghl-bridge starting",
		slog.String("version", Version),
		slog.String("environment", cfg.Environment),
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("user_type", cfg.UserType),
	)

	keys, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing BRIDGE_API_KEYS: %w", err)
	}

	appState, err := state.Load(cfg.StatePath, cfg.StatePassphrase)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if !appState.Sealed() {
		logger.Warn("STATE_PASSPHRASE not set, tokens are stored unsealed")
	}

	logger.Info("state opened",
		slog.String("path", cfg.StatePath),
		slog.Int("installations", appState.InstallationCount()),
	)

	client := ghl.NewClient(ghl.Options{
		BaseURL:      cfg.APIBaseURL,
		APIVersion:   cfg.APIVersion,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})

	broker := events.NewBroker(logger.With(slog.String("component", "events")))
	defer broker.Close()

	manager := tokens.New(tokens.Options{
		Client:       client,
		Store:        appState,
		Events:       broker,
		Logger:       logger,
		RedirectURI:  cfg.RedirectURI,
		UserType:     models.AuthClass(cfg.UserType),
		LeadFraction: cfg.RefreshLeadFraction,
		MinDelay:     cfg.RefreshMinDelay,
		MaxAttempts:  cfg.RefreshMaxAttempts,
		Concurrency:  cfg.RefreshConcurrency,
	})

	store := auth.NewStore()
	defer store.Stop()

	for _, k := range keys {
		store.RegisterAPIKey(k.UserID, k.Key)
	}

	apiLogger := logger.With(slog.String("component", "api"))

	handler := server.NewMux(server.MuxConfig{
		API: &api.Deps{
			Tokens:        manager,
			Upstream:      client,
			Auth:          store,
			Logger:        apiLogger,
			AuthURL:       cfg.AuthURL,
			ClientID:      cfg.ClientID,
			RedirectURI:   cfg.RedirectURI,
			Scopes:        cfg.ScopeList(),
			UserType:      models.AuthClass(cfg.UserType),
			MediaMaxBytes: cfg.MediaMaxBytes,
		},
		Store:  store,
		Events: broker,
		Logger: apiLogger,
	})

	// Installations are restored before the server accepts requests.
	if err := manager.Start(); err != nil {
		return fmt.Errorf("starting token manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping token manager")
		manager.Stop()

		return nil
	})

	g.Go(func() error {
		return serve(gctx, cfg.ListenAddr, handler, logger, len(keys))
	})

	return g.Wait()
}

// serve runs the HTTP server until ctx is cancelled.
func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger, keys int) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting HTTP server",
		slog.String("listen", addr),
		slog.Int("api_keys", keys),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
