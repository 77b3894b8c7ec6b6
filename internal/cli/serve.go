package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dspaving.app/licensing/internal/config"
	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/internal/sweep"
	"github.com/spf13/cobra"
)

func serveCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, version)
			if err != nil {
				return err
			}
			defer app.Close()

			if cfg.SweepSchedule != "" {
				scheduler, err := sweep.New(app.Ledger, cfg.LedgerTimeout).Schedule(cfg.SweepSchedule)
				if err != nil {
					return err
				}
				scheduler.Start()
				defer func() { <-scheduler.Stop().Done() }()
			}

			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           app.Server(version),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("License server starting", logger.Fields{"version": version, "port": cfg.Port, "log_level": logger.Level().String()})
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
