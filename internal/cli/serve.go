package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/bridgesync/internal/api"
	"github.com/kimhsiao/bridgesync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	NoWorker bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, sync worker and maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.NoWorker, "no-worker", false, "serve HTTP without running the sync worker")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)

	hub := api.NewHub(a.cfg.Server.AllowedOrigins)
	defer hub.Close()
	a.engine.SetEventHandler(hub)

	if !opts.NoWorker && a.cfg.Sync.Enabled {
		a.worker.Start(ctx)
		defer a.worker.Stop()
	}
	if a.cfg.Maintenance.Enabled {
		if err := a.maint.Start(); err != nil {
			return WrapExitError(ExitCommandError, "maintenance schedule", err)
		}
		defer a.maint.Stop()
	}

	server := api.NewServer(api.Options{
		Engine:         a.engine,
		Receiver:       a.receiver,
		Store:          a.repo,
		Auth:           a.auth,
		Hub:            hub,
		Worker:         a.worker,
		Maintenance:    a.maint,
		SyncEnabled:    a.cfg.Sync.Enabled,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})

	addr := a.cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{
			"addr":         addr,
			"sync_enabled": a.cfg.Sync.Enabled,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return WrapExitError(ExitFailure, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP shutdown failed", err)
	}
	return nil
}
