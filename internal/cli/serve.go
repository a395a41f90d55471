package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudbackup/cloudbackup/internal/api"
	"github.com/cloudbackup/cloudbackup/internal/config"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/schedule"
)

// logWatchDebounce coalesces bursts of writes to a run log.
const logWatchDebounce = 2 * time.Second

type serveOptions struct {
	host    string
	port    int
	timeout time.Duration
	noAgent bool
}

func newServeCmd(e *env) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s", "server"},
		Short:   "Run the scheduler and the local HTTP bridge",
		Long: `Run the scheduler agent and the local HTTP bridge used by the desktop
interface.

On start every stored schedule is reloaded from the agent and the run logs
written by scheduled backups are imported into the operation history.

Example:
  cloudbackup serve --config config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), e, opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Listen port (overrides config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Shutdown timeout (overrides config)")
	cmd.Flags().BoolVar(&opts.noAgent, "no-scheduler", false, "Do not run scheduled backups")
	return cmd
}

func runServe(ctx context.Context, e *env, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(e)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if opts.host != "" {
		cfg.API.Host = opts.host
	}
	if opts.port != 0 {
		cfg.API.Port = opts.port
	}
	if opts.timeout > 0 {
		cfg.API.ShutdownTimeout = opts.timeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.catchUp(ctx)

	if cfg.Scheduler.Enabled && !opts.noAgent {
		a.agent.Start(ctx)
		a.logger.Info("scheduler started", "poll_interval", cfg.Scheduler.PollInterval.String())
	}

	watcher := schedule.NewLogWatcher(a.logSync, cfg.Scheduler.LogsDir, logWatchDebounce, a.logger)
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			a.logger.Warn("run log watcher stopped", "error", err)
		}
	}()

	a.loader.SetOnChange(func(*config.Config) {
		a.logger.Audit(ctx, logging.NewAuditEvent(logging.ConfigChange, "reload configuration", logging.StatusSuccess).
			WithResource(a.loader.Path()).
			WithDetail("note", "restart to apply listener and storage changes"))
	})
	a.loader.SetOnError(func(err error) {
		a.logger.Warn("configuration reload failed", "path", a.loader.Path(), "error", err)
	})
	go func() {
		if err := a.loader.Watch(ctx); err != nil {
			a.logger.Debug("config watch disabled", "error", err)
		}
	}()

	server := api.NewServer(cfg.API, api.Deps{
		Profiles:  a.profiles,
		Schedules: a.schedules,
		Gate:      a.gate,
		Files:     a.tool,
		Metrics:   a.metrics,
		Logger:    a.logger,
		Components: []api.Shutdownable{
			api.ShutdownFunc(func(context.Context) error {
				a.agent.Stop()
				return nil
			}),
			api.ShutdownFunc(func(context.Context) error {
				cancel()
				return nil
			}),
		},
	})

	sigCh := api.SetupSignalHandler()
	go func() {
		select {
		case sig := <-sigCh:
			a.logger.Info("received signal", "signal", sig.String())
		case <-ctx.Done():
		}
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("shutdown failed", "error", err)
		}
	}()

	a.logger.Info("starting HTTP bridge", "addr", server.Addr(), "db", cfg.DBPath())
	if err := server.Run(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	a.logger.Info("graceful shutdown completed")
	return nil
}

// catchUp reconciles stored schedules with the agent and imports run logs
// left behind while the process was not running.
func (a *app) catchUp(ctx context.Context) {
	profiles, err := a.profiles.List()
	if err != nil {
		a.logger.Warn("failed to list profiles", "error", err)
		return
	}
	for _, p := range profiles {
		if _, err := a.schedules.Reload(ctx, p.ID, true); err != nil {
			a.logger.Warn("failed to reload schedule", "profile_id", p.ID, "error", err)
		}
		n, err := a.logSync.Sync(ctx, p.ID)
		if err != nil {
			a.logger.Warn("failed to import run logs", "profile_id", p.ID, "error", err)
			continue
		}
		if n > 0 {
			a.logger.Info("imported scheduled runs", "profile_id", p.ID, "operations", n)
		}
	}
}
