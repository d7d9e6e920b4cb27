package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/auth"
	"github.com/Tompark0927/bus-assigning/pkg/core/scheduler"
	"github.com/Tompark0927/bus-assigning/pkg/httpapi"
)

// ServeCmd runs the HTTP API together with the sweep and streak schedules
func ServeCmd(app *AppContext) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch API server",
		Long: `Serves the driver and admin HTTP API and the WebSocket event stream.

Expired calls are swept every scheduler.sweepInterval and driver streaks are
recomputed on scheduler.streakRRule until the process receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := app.OpenEngine()
			if err != nil {
				return err
			}

			if migrate {
				if err := runMigrations(ctx, app); err != nil {
					return err
				}
			}

			verifier, err := auth.NewVerifier(app.Cfg.JWT.Secret, app.Cfg.JWT.Issuer)
			if err != nil {
				return fmt.Errorf("failed to create token verifier: %w", err)
			}

			tasks, err := buildTasks(app)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if err := t.Start(ctx); err != nil {
					return fmt.Errorf("failed to start %s task: %w", t.Name(), err)
				}
			}
			defer func() {
				for _, t := range tasks {
					if err := t.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
						app.Logger.Warn("Failed to stop task", zap.String("task", t.Name()), zap.Error(err))
					}
				}
			}()

			server := httpapi.NewServer(engine, verifier, app.Logger.Named("http"),
				httpapi.WithHub(app.Hub),
				httpapi.WithGatherer(app.Registry),
				httpapi.WithHealthCheck(app.Database),
			)
			srv := &http.Server{
				Addr:              app.Cfg.Server.Addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				app.Logger.Info("Listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
				app.Logger.Info("Shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Cfg.Server.ShutdownTimeout)
			defer cancel()
			// websocket connections are hijacked, so Shutdown does not wait for them
			app.Hub.Close()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shut down server: %w", err)
			}
			fmt.Println("Server stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")

	return cmd
}

func buildTasks(app *AppContext) ([]*scheduler.Task, error) {
	loc, err := app.Cfg.Location()
	if err != nil {
		return nil, err
	}

	sweepOpts := []scheduler.Option{scheduler.WithMetrics(app.Metrics)}
	if app.Cfg.Scheduler.SweepOnStart {
		sweepOpts = append(sweepOpts, scheduler.WithRunOnStart())
	}
	sweep := scheduler.NewTask("sweep", scheduler.Every(app.Cfg.Scheduler.SweepInterval),
		func(ctx context.Context) error {
			_, err := app.Engine.Sweep(ctx)
			return err
		},
		app.Logger.Named("scheduler"), sweepOpts...)

	rule, err := scheduler.ParseRRule(app.Cfg.Scheduler.StreakRRule, loc)
	if err != nil {
		return nil, err
	}
	streaks := scheduler.NewTask("streaks", rule,
		func(ctx context.Context) error {
			_, err := app.Engine.UpdateStreaks(ctx)
			return err
		},
		app.Logger.Named("scheduler"), scheduler.WithMetrics(app.Metrics))

	return []*scheduler.Task{sweep, streaks}, nil
}
