package schedule

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/metrics"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/notify"
	"github.com/cloudbackup/cloudbackup/internal/rclone"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// Guard decides whether an unattended run may proceed.
type Guard interface {
	GuardUnattended(ctx context.Context, p *models.Profile) error
}

// Agent is the in-process Scheduler. It renders runner scripts, polls for
// due schedules and executes them.
type Agent struct {
	store      store.Store
	scripts    *ScriptWriter
	logSync    *LogSync
	guard      Guard
	configPath string
	loc        *time.Location
	poll       time.Duration
	exec       rclone.ExecFunc
	now        func() time.Time
	notifier   notify.Notifier
	logger     *logging.Logger
	metrics    *metrics.Metrics
	locks      *Locks

	runMu   sync.Mutex
	active  map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// AgentConfig carries the collaborators of an Agent.
type AgentConfig struct {
	Store   store.Store
	Scripts *ScriptWriter
	LogSync *LogSync
	Guard   Guard
	// ConfigPath is the unattended rclone config the scripts use.
	ConfigPath   string
	Location     *time.Location
	PollInterval time.Duration
	Exec         rclone.ExecFunc
	Notifier     notify.Notifier
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	// Locks are the per-profile schedule locks shared with the Manager.
	Locks *Locks
}

func NewAgent(cfg AgentConfig) *Agent {
	a := &Agent{
		store:      cfg.Store,
		scripts:    cfg.Scripts,
		logSync:    cfg.LogSync,
		guard:      cfg.Guard,
		configPath: cfg.ConfigPath,
		loc:        cfg.Location,
		poll:       cfg.PollInterval,
		exec:       cfg.Exec,
		now:        time.Now,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		locks:      cfg.Locks,
		active:     make(map[string]bool),
	}
	if a.locks == nil {
		a.locks = NewLocks()
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	if a.poll <= 0 {
		a.poll = time.Minute
	}
	if a.exec == nil {
		a.exec = rclone.SystemExec
	}
	if a.notifier == nil {
		a.notifier = notify.Nop{}
	}
	if a.logger == nil {
		a.logger = logging.Nop()
	}
	return a
}

// Schedule writes the runner script and stores the enabled schedule with
// its next run.
func (a *Agent) Schedule(ctx context.Context, profileID string, s *models.Schedule) error {
	p, err := a.store.GetProfile(profileID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(a.configPath); err != nil {
		return fmt.Errorf("%w: no unattended tool config at %s", errors.ErrUnattendedUnavailable, a.configPath)
	}
	if _, err := a.scripts.Write(p, a.configPath); err != nil {
		return err
	}

	next := NextRun(s, a.now(), a.loc).UTC()
	stored := s.Clone()
	stored.ProfileID = profileID
	stored.Enabled = true
	stored.NextRun = &next
	if prev, err := a.store.GetSchedule(profileID); err == nil && stored.LastRun == nil {
		stored.LastRun = prev.LastRun
	}
	if err := a.store.SaveSchedule(stored); err != nil {
		return err
	}
	a.logger.InfoWithContext(ctx, "profile scheduled", "profile_id", profileID, "next_run", next.Format(time.RFC3339))
	a.refreshGauge()
	return nil
}

// Unschedule removes the runner script and disables the stored schedule.
func (a *Agent) Unschedule(ctx context.Context, profileID string) error {
	if err := a.scripts.Remove(profileID); err != nil {
		return err
	}
	s, err := a.store.GetSchedule(profileID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	s.Enabled = false
	s.NextRun = nil
	if err := a.store.SaveSchedule(s); err != nil {
		return err
	}
	a.logger.InfoWithContext(ctx, "profile unscheduled", "profile_id", profileID)
	a.refreshGauge()
	return nil
}

// Status returns the schedule the agent will run, or nil.
func (a *Agent) Status(_ context.Context, profileID string) (*models.Schedule, error) {
	s, err := a.store.GetSchedule(profileID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !s.Enabled {
		return nil, nil
	}
	if _, err := os.Stat(a.scripts.ScriptPath(profileID)); err != nil {
		return nil, nil
	}
	return s, nil
}

// Start begins polling for due schedules.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running = true
	a.refreshGauge()
	a.wg.Add(1)
	go a.loop()
}

// Stop cancels in-flight runs and waits for the loop to exit.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.running = false
}

func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *Agent) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.tick(a.ctx, a.now())
		}
	}
}

// tick runs every enabled schedule whose next run is due and waits for them.
func (a *Agent) tick(ctx context.Context, now time.Time) {
	schedules, err := a.store.ListSchedules()
	if err != nil {
		a.logger.ErrorWithContext(ctx, "failed to list schedules", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, s := range schedules {
		if !s.Enabled || s.NextRun == nil || s.NextRun.After(now) {
			continue
		}
		if !a.claim(s.ProfileID) {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer a.release(id)
			a.runProfile(ctx, id)
		}(s.ProfileID)
	}
	wg.Wait()
}

func (a *Agent) claim(profileID string) bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.active[profileID] {
		return false
	}
	a.active[profileID] = true
	return true
}

func (a *Agent) release(profileID string) {
	a.runMu.Lock()
	delete(a.active, profileID)
	a.runMu.Unlock()
}

// RunNow executes the profile's scheduled run immediately.
func (a *Agent) RunNow(ctx context.Context, profileID string) error {
	if !a.claim(profileID) {
		return &errors.ErrBusy{Stage: "scheduled run"}
	}
	defer a.release(profileID)
	return a.runProfile(ctx, profileID)
}

func (a *Agent) runProfile(ctx context.Context, profileID string) error {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	p, err := a.store.GetProfile(profileID)
	if err != nil {
		a.logger.ErrorWithContext(ctx, "scheduled profile missing", "profile_id", profileID, "error", err)
		return err
	}

	if err := a.guard.GuardUnattended(ctx, p); err != nil {
		a.logger.WarnWithContext(ctx, "scheduled run skipped", "profile_id", profileID, "error", err)
		if !errors.IsConfirmationRequired(err) {
			a.notifyFailure(ctx, p, err)
		}
		if advErr := a.skip(profileID); advErr != nil {
			a.logger.ErrorWithContext(ctx, "failed to advance schedule", "profile_id", profileID, "error", advErr)
		}
		return err
	}

	script := a.scripts.ScriptPath(profileID)
	a.logger.InfoWithContext(ctx, "starting scheduled run", "profile_id", profileID, "script", script)
	started := time.Now()
	res, execErr := a.exec(ctx, "bash", script)
	a.metrics.ObserveTool("scheduled", time.Since(started))

	var runErr error
	switch {
	case execErr != nil:
		runErr = &errors.ErrToolExecutionFailed{Command: "bash " + script, Err: execErr}
	case !res.Success():
		runErr = &errors.ErrToolExecutionFailed{
			Command: "bash " + script,
			Stderr:  strings.TrimSpace(res.Stderr),
			Err:     fmt.Errorf("exit status %d", res.ExitCode),
		}
	}

	created, err := a.logSync.SyncRun(ctx, profileID, runErr)
	if err != nil {
		a.logger.ErrorWithContext(ctx, "failed to sync run log", "profile_id", profileID, "error", err)
	}
	if created == 0 {
		// Nothing reached the log, so advance here.
		if advErr := a.skip(profileID); advErr != nil {
			a.logger.ErrorWithContext(ctx, "failed to advance schedule", "profile_id", profileID, "error", advErr)
		}
	}

	if runErr != nil {
		a.notifyFailure(ctx, p, runErr)
		return runErr
	}
	a.logger.InfoWithContext(ctx, "scheduled run finished", "profile_id", profileID, "operations", created)
	return nil
}

// skip moves next_run past now without touching last_run. A schedule
// disabled while the run was in progress stays disabled.
func (a *Agent) skip(profileID string) error {
	unlock := a.locks.Lock(profileID)
	defer unlock()

	_, err := a.store.UpdateSchedule(profileID, func(s *models.Schedule) bool {
		if !s.Enabled {
			return false
		}
		now := a.now()
		if s.NextRun != nil && s.NextRun.After(now) {
			return false
		}
		next := NextRun(s, now, a.loc).UTC()
		s.NextRun = &next
		return true
	})
	return err
}

func (a *Agent) notifyFailure(ctx context.Context, p *models.Profile, err error) {
	if nerr := a.notifier.Notify(ctx, notify.Notification{
		Key:       "run:" + p.ID,
		Severity:  notify.SeverityError,
		Title:     "Scheduled backup failed: " + p.Name,
		Body:      err.Error(),
		ProfileID: p.ID,
	}); nerr != nil {
		a.logger.WarnWithContext(ctx, "failed to deliver notification", "error", nerr)
	}
}

func (a *Agent) refreshGauge() {
	schedules, err := a.store.ListSchedules()
	if err != nil {
		return
	}
	n := 0
	for _, s := range schedules {
		if s.Enabled {
			n++
		}
	}
	a.metrics.SetScheduledProfiles(n)
}
