package cli

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/admin"
	"github.com/cloudbackup/cloudbackup/internal/backup"
	"github.com/cloudbackup/cloudbackup/internal/config"
	"github.com/cloudbackup/cloudbackup/internal/credentials"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/metrics"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/notify"
	"github.com/cloudbackup/cloudbackup/internal/profile"
	"github.com/cloudbackup/cloudbackup/internal/rclone"
	"github.com/cloudbackup/cloudbackup/internal/schedule"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// app is the wired process: one store, one gate, one scheduler.
type app struct {
	loader    *config.Loader
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	store     store.Store
	notifier  notify.Notifier
	tool      *rclone.Tool
	gate      *backup.Gate
	registrar *credentials.Registrar
	logSync   *schedule.LogSync
	agent     *schedule.Agent
	schedules *schedule.Manager
	profiles  *profile.Service
	admin     *admin.Provisioner

	closeOnce sync.Once
	closeErr  error
}

// openApp loads the configuration and wires every component against the
// SQLite store in the data directory.
func openApp(e *env) (*app, error) {
	loader := config.NewLoader(e.flags.Config)
	cfg, err := loader.LoadOrDefault()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := logging.ParseLevel(cfg.App.LogLevel)
	if e.flags.Verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(
		logging.WithOutput(os.Stderr),
		logging.WithLevel(level),
		logging.WithService("cloudbackup"),
	)

	st, err := store.NewSQLiteStoreWithHistory(cfg.DBPath(), cfg.Sync.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{
		loader:  loader,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewMetrics("cloudbackup"),
		store:   st,
	}
	if err := a.wire(e.exec, e.adminOpts...); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(exec rclone.ExecFunc, adminOpts ...admin.Option) error {
	cfg := a.cfg

	notifiers := notify.Multi{notify.NewLogNotifier(a.logger)}
	if cfg.Notify.Telegram.Enabled {
		api, err := notify.NewTGBotAPIClient(cfg.Notify.Telegram.BotToken)
		if err != nil {
			return fmt.Errorf("failed to create telegram client: %w", err)
		}
		notifiers = append(notifiers, notify.NewTelegramNotifier(api, cfg.Notify.Telegram.ChatID, 20, 10*time.Minute))
	}
	a.notifier = notifiers

	toolOpts := []rclone.Option{
		rclone.WithLogger(a.logger),
		rclone.WithObserver(a.metrics.ObserveTool),
	}
	if exec != nil {
		toolOpts = append(toolOpts, rclone.WithExec(exec))
	}
	a.tool = rclone.New(toolOpts...)
	a.gate = backup.NewGate(a.tool, a.store,
		backup.WithLogger(a.logger),
		backup.WithMetrics(a.metrics),
		backup.WithNotifier(a.notifier),
	)

	a.registrar = credentials.NewRegistrar(cfg.Storage.Remote, cfg.InteractiveToolConfigPath(), cfg.UnattendedToolConfigPath())
	scripts := schedule.NewScriptWriter(cfg.Scheduler.ScriptsDir, cfg.Scheduler.LogsDir)
	locks := schedule.NewLocks()
	a.logSync = schedule.NewLogSync(a.store, scripts, a.gate, cfg.Location(), a.logger, schedule.WithSyncLocks(locks))
	a.agent = schedule.NewAgent(schedule.AgentConfig{
		Store:        a.store,
		Scripts:      scripts,
		LogSync:      a.logSync,
		Guard:        a.gate,
		ConfigPath:   cfg.UnattendedToolConfigPath(),
		Location:     cfg.Location(),
		PollInterval: cfg.Scheduler.PollInterval,
		Exec:         exec,
		Notifier:     a.notifier,
		Logger:       a.logger,
		Metrics:      a.metrics,
		Locks:        locks,
	})
	a.schedules = schedule.NewManager(a.agent, a.store,
		schedule.WithLogger(a.logger),
		schedule.WithMetrics(a.metrics),
		schedule.WithNotifier(a.notifier),
		schedule.WithLocks(locks),
	)

	a.profiles = profile.NewService(a.store, cfg.Identity.AdminGroup,
		profile.WithLogger(a.logger),
		profile.WithUnscheduler(a.agent),
		profile.WithDefaults(profile.Defaults{
			RcloneBin:      cfg.Sync.RcloneBin,
			Remote:         cfg.Storage.Remote,
			Region:         cfg.Storage.Region,
			Flags:          cfg.Sync.DefaultFlags,
			ToolConfigPath: cfg.InteractiveToolConfigPath(),
		}),
	)
	a.admin = admin.NewProvisioner(a.store, append([]admin.Option{
		admin.WithLogger(a.logger),
		admin.WithRemote(cfg.Storage.Remote),
	}, adminOpts...)...)
	return nil
}

// coordinator builds the credential coordinator. It talks to AWS, so only
// the commands that need it pay for it.
func (a *app) coordinator(ctx context.Context) (*credentials.Coordinator, error) {
	exchanger, err := credentials.NewSTSExchangerFromConfig(ctx, a.cfg.Federation)
	if err != nil {
		return nil, err
	}
	opts := []credentials.Option{
		credentials.WithRegistrar(a.registrar),
		credentials.WithRegion(a.cfg.Storage.Region),
		credentials.WithLogger(a.logger),
		credentials.WithMetrics(a.metrics),
	}
	if a.cfg.Issuance.Configured() {
		opts = append(opts, credentials.WithIssuer(credentials.NewHTTPIssuer(a.cfg.Issuance.URL, a.cfg.Issuance.Timeout)))
	}
	return credentials.NewCoordinator(exchanger, a.store, opts...), nil
}

// resolveProfile returns the profile named by args[0], or the active one.
func (a *app) resolveProfile(args []string) (*models.Profile, error) {
	if len(args) > 0 && args[0] != "" {
		return a.profiles.Get(args[0])
	}
	return a.profiles.Active()
}

func (a *app) Close() error {
	a.closeOnce.Do(func() {
		a.agent.Stop()
		a.closeErr = a.store.Close()
	})
	return a.closeErr
}
