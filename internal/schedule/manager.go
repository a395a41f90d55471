// Package schedule keeps recurring backup schedules in step with the
// scheduler that runs them.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/metrics"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/notify"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// Scheduler runs backups on a recurrence. Status returns nil when the
// profile is not scheduled.
type Scheduler interface {
	Schedule(ctx context.Context, profileID string, s *models.Schedule) error
	Unschedule(ctx context.Context, profileID string) error
	Status(ctx context.Context, profileID string) (*models.Schedule, error)
}

// Manager owns the Disabled/Enabled transitions of schedules. Mutations of
// one profile are serialized and always followed by a reload from the
// scheduler before the result is returned.
type Manager struct {
	scheduler Scheduler
	store     store.Store
	notifier  notify.Notifier
	logger    *logging.Logger
	metrics   *metrics.Metrics
	locks     *Locks
}

type Option func(*Manager)

func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLocks shares the per-profile locks with the Agent and LogSync that
// also write schedules.
func WithLocks(l *Locks) Option {
	return func(m *Manager) { m.locks = l }
}

func NewManager(scheduler Scheduler, st store.Store, opts ...Option) *Manager {
	m := &Manager{
		scheduler: scheduler,
		store:     st,
		notifier:  notify.Nop{},
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locks == nil {
		m.locks = NewLocks()
	}
	return m
}

func (m *Manager) lock(profileID string) func() {
	return m.locks.Lock(profileID)
}

// Get returns the stored schedule, or a disabled Daily 02:00 default.
func (m *Manager) Get(profileID string) (*models.Schedule, error) {
	if _, err := m.store.GetProfile(profileID); err != nil {
		return nil, err
	}
	s, err := m.store.GetSchedule(profileID)
	if errors.IsNotFound(err) {
		return models.DefaultSchedule(profileID), nil
	}
	return s, err
}

// Save applies an edited schedule. Enabled schedules are (re)sent to the
// scheduler; disabled ones are removed from it. silent suppresses the
// operator notification on failure and is set for passive call sites.
func (m *Manager) Save(ctx context.Context, edit *models.Schedule, silent bool) (*models.Schedule, error) {
	unlock := m.lock(edit.ProfileID)
	defer unlock()

	if _, err := m.store.GetProfile(edit.ProfileID); err != nil {
		return nil, err
	}
	s, err := normalize(edit)
	if err != nil {
		return nil, err
	}
	if s.Enabled {
		return m.enable(ctx, s, silent)
	}
	return m.disable(ctx, s, silent)
}

// SetEnabled toggles the stored schedule, keeping its frequency and time.
func (m *Manager) SetEnabled(ctx context.Context, profileID string, enabled, silent bool) (*models.Schedule, error) {
	current, err := m.Get(profileID)
	if err != nil {
		return nil, err
	}
	edit := current.Clone()
	edit.Enabled = enabled
	return m.Save(ctx, edit, silent)
}

// Reload replaces the stored schedule's run state with the scheduler's view.
func (m *Manager) Reload(ctx context.Context, profileID string, silent bool) (*models.Schedule, error) {
	unlock := m.lock(profileID)
	defer unlock()
	return m.reload(ctx, profileID, silent)
}

func (m *Manager) enable(ctx context.Context, s *models.Schedule, silent bool) (*models.Schedule, error) {
	s.UpdatedAt = time.Now().UTC()
	if err := m.scheduler.Schedule(ctx, s.ProfileID, s.Clone()); err != nil {
		// The edit is kept but the schedule stays disabled.
		s.Enabled = false
		s.NextRun = nil
		if saveErr := m.store.SaveSchedule(s); saveErr != nil {
			m.logger.ErrorWithContext(ctx, "failed to save schedule", "profile_id", s.ProfileID, "error", saveErr)
		}
		return nil, m.fail(ctx, "schedule", s.ProfileID, err, silent)
	}
	m.metrics.RecordScheduleSync("schedule", "success")

	saved, err := m.reload(ctx, s.ProfileID, silent)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, saved, "enable schedule")
	return saved, nil
}

func (m *Manager) disable(ctx context.Context, s *models.Schedule, silent bool) (*models.Schedule, error) {
	if err := m.scheduler.Unschedule(ctx, s.ProfileID); err != nil && !errors.IsNotFound(err) {
		return nil, m.fail(ctx, "unschedule", s.ProfileID, err, silent)
	}
	m.metrics.RecordScheduleSync("unschedule", "success")

	s.Enabled = false
	s.NextRun = nil
	s.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSchedule(s); err != nil {
		return nil, err
	}
	m.audit(ctx, s, "disable schedule")
	return s, nil
}

func (m *Manager) reload(ctx context.Context, profileID string, silent bool) (*models.Schedule, error) {
	status, err := m.scheduler.Status(ctx, profileID)
	if err != nil {
		return nil, m.fail(ctx, "reload", profileID, err, silent)
	}

	local, err := m.store.GetSchedule(profileID)
	switch {
	case errors.IsNotFound(err):
		local = models.DefaultSchedule(profileID)
	case err != nil:
		return nil, err
	}

	if status == nil {
		local.Enabled = false
		local.NextRun = nil
	} else {
		local.Enabled = status.Enabled
		local.Frequency = status.Frequency
		local.Time = status.Time
		local.NextRun = status.NextRun
		if status.LastRun != nil && (local.LastRun == nil || status.LastRun.After(*local.LastRun)) {
			local.LastRun = status.LastRun
		}
	}
	if err := m.store.SaveSchedule(local); err != nil {
		return nil, err
	}
	m.metrics.RecordScheduleSync("reload", "success")
	return local, nil
}

func (m *Manager) fail(ctx context.Context, action, profileID string, cause error, silent bool) error {
	m.metrics.RecordScheduleSync(action, "failure")
	err := &errors.ErrScheduleSyncFailed{ProfileID: profileID, Err: cause}
	if silent {
		m.logger.WarnWithContext(ctx, "schedule sync failed", "profile_id", profileID, "action", action, "error", cause)
		return err
	}
	m.logger.ErrorWithContext(ctx, "schedule sync failed", "profile_id", profileID, "action", action, "error", cause)
	if nerr := m.notifier.Notify(ctx, notify.Notification{
		Key:       "schedule:" + profileID,
		Severity:  notify.SeverityError,
		Title:     "Could not update the backup schedule",
		Body:      cause.Error(),
		ProfileID: profileID,
	}); nerr != nil {
		m.logger.WarnWithContext(ctx, "failed to deliver notification", "error", nerr)
	}
	return err
}

func (m *Manager) audit(ctx context.Context, s *models.Schedule, action string) {
	event := logging.NewAuditEvent(logging.ScheduleChange, action, logging.StatusSuccess).
		WithResource(s.ProfileID).
		WithDetail("frequency", s.Frequency.String()).
		WithDetail("time", s.Time)
	if s.NextRun != nil {
		event.WithDetail("next_run", s.NextRun.Format(time.RFC3339))
	}
	m.logger.Audit(ctx, event)
}

func normalize(edit *models.Schedule) (*models.Schedule, error) {
	s := edit.Clone()
	s.Frequency = s.Frequency.Normalize()
	if s.Time == "" {
		s.Time = models.DefaultScheduleTime
	}
	clock, err := models.ClampClock(s.Time)
	if err != nil {
		return nil, &errors.ErrValidation{Field: "time", Reason: fmt.Sprintf("%v", err)}
	}
	s.Time = clock
	return s, nil
}
