package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/config"
	"github.com/vaultmesh/vaultmesh/internal/merge"
	"github.com/vaultmesh/vaultmesh/internal/peer"
	"github.com/vaultmesh/vaultmesh/internal/session"
	"github.com/vaultmesh/vaultmesh/internal/store"
	"github.com/vaultmesh/vaultmesh/internal/witness"
)

// NewServeCommand creates the serve command: the long-running daemon
// that joins the mesh, answers sync requests, and reconciles on
// triggers.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: "Joins the SWIM cluster, serves the sync API, and runs the trigger\n" +
			"loop with periodic health checks until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigPath == "" {
				return NewExitError(ExitCommandError, "serve requires --config")
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := slog.Default().With("instance", cfg.InstanceID)

	st, err := store.Open(filepath.Join(cfg.DataDir, "vaultmesh.db"), cfg.InstanceID)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer st.Close()

	audit := witness.New(st)
	engine := merge.New(st, merge.WithLogger(logger))
	consent := cfg.ConsentPolicy()

	server := peer.NewServer(st, consent,
		peer.WithServerLogger(logger),
		peer.WithServerWitness(audit))

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.APIPort),
		Handler: server.Handler(),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("sync API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	triggers := peer.NewTriggers(64)
	discovery, err := peer.NewSwimDiscovery(cfg.SwimConfig(), triggers, logger)
	if err != nil {
		httpSrv.Close()
		return WrapExitError(ExitCommandError, "join cluster", err)
	}

	coord := session.NewCoordinator(st, engine,
		peer.NewHTTPTransport(cfg.Timeouts().Cap), audit,
		session.WithConsent(consent),
		session.WithTimeouts(cfg.Timeouts()),
		session.WithLogger(logger))

	loop := session.NewLoop(coord, discovery, triggers, triggers, audit,
		session.WithHealthInterval(cfg.HealthCheckInterval.Std()),
		session.WithLoopLogger(logger))

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	select {
	case err := <-httpErr:
		return WrapExitError(ExitCommandError, "sync API failed", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := discovery.Leave(5 * time.Second); err != nil {
		logger.Warn("cluster leave", "err", err)
	}
	<-loopDone
	return nil
}
