package schedule

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/rclone"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// Markers written by the runner script. The timestamp is date(1) output,
// e.g. "Wed Aug 20 00:22:05 CDT 2025".
var (
	startMarkerRe    = regexp.MustCompile(`(\w{3}\s+\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}\s+\S+\s+\d{4}): Starting (?:scheduled )?backup for profile (.+)`)
	completeMarkerRe = regexp.MustCompile(`(\w{3}\s+\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}\s+\S+\s+\d{4}): Backup completed for profile (.+)`)
)

// Runs whose start times are this close are the same run.
const duplicateWindow = time.Minute

// Recorder stores operations parsed from run logs.
type Recorder interface {
	Record(ctx context.Context, op *models.Operation)
}

// LogSync turns scheduled run logs into operation history.
type LogSync struct {
	store    store.Store
	scripts  *ScriptWriter
	recorder Recorder
	loc      *time.Location
	now      func() time.Time
	logger   *logging.Logger
	locks    *Locks
}

type LogSyncOption func(*LogSync)

// WithSyncLocks makes LogSync take the per-profile schedule locks shared
// with the Manager before it advances a schedule.
func WithSyncLocks(l *Locks) LogSyncOption {
	return func(ls *LogSync) { ls.locks = l }
}

func NewLogSync(st store.Store, scripts *ScriptWriter, recorder Recorder, loc *time.Location, logger *logging.Logger, opts ...LogSyncOption) *LogSync {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ls := &LogSync{store: st, scripts: scripts, recorder: recorder, loc: loc, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(ls)
	}
	if ls.locks == nil {
		ls.locks = NewLocks()
	}
	return ls
}

// Sync parses the profile's run log and returns how many new operations it
// recorded.
func (l *LogSync) Sync(ctx context.Context, profileID string) (int, error) {
	return l.SyncRun(ctx, profileID, nil)
}

// SyncRun is Sync after a run that ended with runErr. A run without a
// completion marker at the end of the log is recorded as Failed when runErr
// is set and as Completed otherwise.
func (l *LogSync) SyncRun(ctx context.Context, profileID string, runErr error) (int, error) {
	path := l.scripts.LogPath(profileID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &errors.ErrFileRead{Path: path, Err: err}
	}

	existing, err := l.store.ListOperations(profileID, 0)
	if err != nil {
		return 0, err
	}

	var (
		current   *models.Operation
		stats     rclone.Stats
		created   int
		lastStart time.Time
	)
	finish := func(status models.OperationStatus, message string) {
		current.FilesTransferred = stats.Files
		current.BytesTransferred = stats.Bytes
		current.Finish(status, message)
		if !hasRunNear(existing, current.StartedAt) {
			l.record(ctx, current)
			existing = append(existing, current)
			created++
		}
		if current.StartedAt.After(lastStart) {
			lastStart = current.StartedAt
		}
		current = nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if m := startMarkerRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				finish(models.StatusFailed, "scheduled run ended without a completion marker")
			}
			started, err := parseDateOutput(m[1], l.loc)
			if err != nil {
				l.logger.WarnWithContext(ctx, "skipping run with unreadable timestamp", "profile_id", profileID, "line", line)
				continue
			}
			current = models.NewOperation(profileID, models.OperationBackup)
			current.StartedAt = started.UTC()
			current.LogOutput = "Scheduled backup started for profile: " + strings.TrimSpace(m[2])
			stats = rclone.Stats{}
			continue
		}
		if current == nil {
			continue
		}
		if completeMarkerRe.MatchString(line) {
			finish(models.StatusCompleted, "")
			continue
		}
		current.LogOutput += "\n" + line
		rclone.ParseStatsLine(line, &stats)
	}

	if current != nil {
		if runErr != nil {
			finish(models.StatusFailed, runErr.Error())
		} else {
			finish(models.StatusCompleted, "")
		}
	}

	// Last and next run move forward even when every run was a duplicate.
	if !lastStart.IsZero() {
		if err := l.advance(profileID, lastStart); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (l *LogSync) record(ctx context.Context, op *models.Operation) {
	if l.recorder != nil {
		l.recorder.Record(ctx, op)
		return
	}
	if err := l.store.SaveOperation(op); err != nil {
		l.logger.ErrorWithContext(ctx, "failed to save operation", "operation_id", op.ID, "error", err)
	}
}

// advance sets last_run to started and recomputes next_run of an enabled
// schedule. A schedule disabled concurrently is left alone.
func (l *LogSync) advance(profileID string, started time.Time) error {
	unlock := l.locks.Lock(profileID)
	defer unlock()

	_, err := l.store.UpdateSchedule(profileID, func(s *models.Schedule) bool {
		if !s.Enabled {
			return false
		}
		if s.LastRun == nil || started.After(*s.LastRun) {
			s.LastRun = &started
		}
		now := l.now()
		next := NextRun(s, now, l.loc).UTC()
		s.NextRun = &next
		s.UpdatedAt = now.UTC()
		return true
	})
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

func hasRunNear(ops []*models.Operation, started time.Time) bool {
	for _, op := range ops {
		d := op.StartedAt.Sub(started)
		if d < 0 {
			d = -d
		}
		if d < duplicateWindow {
			return true
		}
	}
	return false
}

// parseDateOutput reads "Wed Aug 20 00:22:05 CDT 2025" as wall time in loc.
// The zone abbreviation is ignored; the runner runs on this machine.
func parseDateOutput(stamp string, loc *time.Location) (time.Time, error) {
	f := strings.Fields(stamp)
	if len(f) < 6 {
		return time.Time{}, fmt.Errorf("unexpected date output %q", stamp)
	}
	return time.ParseInLocation("Jan 2 2006 15:04:05", fmt.Sprintf("%s %s %s %s", f[1], f[2], f[5], f[3]), loc)
}
