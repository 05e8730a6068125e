package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/cipherdrop/internal/api"
	"github.com/marmos91/cipherdrop/internal/logger"
	"github.com/marmos91/cipherdrop/internal/session"
	"github.com/marmos91/cipherdrop/internal/storage"
	"github.com/marmos91/cipherdrop/internal/upload"
	"github.com/marmos91/cipherdrop/internal/ws"
	"github.com/marmos91/cipherdrop/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay server",
	Long: `Start the relay server in the foreground.

Configuration is read from the file given with --config, overridden by
CIPHERDROP_* environment variables. Without a config file the built-in
defaults apply.

Examples:
  # Start with defaults
  cipherdrop start

  # Start with a config file
  cipherdrop start --config /etc/cipherdrop/config.yaml

  # Override a single setting
  CIPHERDROP_SERVER_PORT=9090 cipherdrop start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(configFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	logger.Info("starting cipherdrop relay", "version", Version, "commit", Commit)

	store, err := storage.New(cfg.Storage.Root, cfg.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	logger.Info("storage initialized",
		"root", store.Root(),
		"session_quota", cfg.Storage.MaxSessionBytes,
		"file_limit", cfg.Storage.MaxFileBytes)

	manager := session.NewManager(store, session.Config{
		MaxActive:       cfg.Sessions.MaxActive,
		MaxSessionBytes: cfg.Storage.MaxSessionBytes,
		UnusedGrace:     cfg.Sessions.UnusedGrace,
		ActiveGrace:     cfg.Sessions.ActiveGrace,
		SweepInterval:   cfg.Sessions.SweepInterval,
	})
	engine := upload.NewEngine(store, cfg.Uploads.TTL, cfg.Uploads.SweepInterval)
	gateway := ws.NewGateway(manager, cfg.Server.AllowedOrigins)

	router := api.NewRouter(api.RouterOptions{
		Manager:        manager,
		Engine:         engine,
		Store:          store,
		Gateway:        gateway,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxFileBytes:   cfg.Storage.MaxFileBytes,
		MetricsEnabled: cfg.Metrics.Enabled,
	})
	server := api.NewServer(api.ServerConfig{
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, router)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(ctx)
		return nil
	})
	g.Go(func() error {
		engine.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		gateway.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("relay stopped")
	return nil
}
