package schedule

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRunLog = `Wed Aug 20 00:22:05 UTC 2025: Starting backup for profile Docs
Wed Aug 20 00:22:05 UTC 2025: Backing up /home/jane/docs
2025/08/20 00:22:10 INFO  : report.pdf: Copied (new)
Transferred:   	    1.500 MiB / 1.500 MiB, 100%, 0 B/s, ETA -
Transferred:            3 / 3, 100%
Wed Aug 20 00:22:11 UTC 2025: Backup completed for profile Docs
Thu Aug 21 00:22:05 UTC 2025: Starting backup for profile Docs
Transferred:            1 / 1, 100%
`

type logSyncFixture struct {
	store   *store.MemoryStore
	scripts *ScriptWriter
	sync    *LogSync
	profile *models.Profile
	now     time.Time
}

func newLogSyncFixture(t *testing.T) *logSyncFixture {
	t.Helper()
	dir := t.TempDir()
	st := store.NewMemoryStore()
	p := testProfile()
	require.NoError(t, st.SaveProfile(p))

	scripts := NewScriptWriter(filepath.Join(dir, "scripts"), filepath.Join(dir, "logs"))
	ls := NewLogSync(st, scripts, nil, time.UTC, nil)
	now := time.Date(2025, 8, 21, 9, 0, 0, 0, time.UTC)
	ls.now = func() time.Time { return now }
	return &logSyncFixture{store: st, scripts: scripts, sync: ls, profile: p, now: now}
}

func (f *logSyncFixture) writeLog(t *testing.T, content string) {
	t.Helper()
	path := f.scripts.LogPath(f.profile.ID)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestLogSyncMissingLog(t *testing.T) {
	f := newLogSyncFixture(t)
	n, err := f.sync.Sync(context.Background(), f.profile.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogSyncRecordsRunsOnce(t *testing.T) {
	f := newLogSyncFixture(t)
	require.NoError(t, f.store.SaveSchedule(&models.Schedule{
		ProfileID: f.profile.ID,
		Enabled:   true,
		Frequency: models.Daily(),
		Time:      "02:00",
	}))
	f.writeLog(t, twoRunLog)

	n, err := f.sync.Sync(context.Background(), f.profile.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ops, err := f.store.ListOperations(f.profile.ID, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	latest, first := ops[0], ops[1]
	assert.Equal(t, time.Date(2025, 8, 20, 0, 22, 5, 0, time.UTC), first.StartedAt)
	assert.Equal(t, models.StatusCompleted, first.Status)
	assert.Equal(t, models.OperationBackup, first.Type)
	assert.Equal(t, int64(3), first.FilesTransferred)
	assert.Equal(t, int64(1572864), first.BytesTransferred)
	assert.Contains(t, first.LogOutput, "Scheduled backup started for profile: Docs")
	assert.Contains(t, first.LogOutput, "report.pdf: Copied (new)")

	assert.Equal(t, time.Date(2025, 8, 21, 0, 22, 5, 0, time.UTC), latest.StartedAt)
	assert.Equal(t, models.StatusCompleted, latest.Status)
	assert.Equal(t, int64(1), latest.FilesTransferred)

	s, err := f.store.GetSchedule(f.profile.ID)
	require.NoError(t, err)
	require.NotNil(t, s.LastRun)
	assert.Equal(t, latest.StartedAt, *s.LastRun)
	require.NotNil(t, s.NextRun)
	assert.Equal(t, time.Date(2025, 8, 22, 2, 0, 0, 0, time.UTC), *s.NextRun)

	// A second pass over the same log adds nothing.
	n, err = f.sync.Sync(context.Background(), f.profile.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	ops, err = f.store.ListOperations(f.profile.ID, 0)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestLogSyncAdvancesEvenWhenAllDuplicates(t *testing.T) {
	f := newLogSyncFixture(t)
	f.writeLog(t, twoRunLog)
	_, err := f.sync.Sync(context.Background(), f.profile.ID)
	require.NoError(t, err)

	stale := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.SaveSchedule(&models.Schedule{
		ProfileID: f.profile.ID,
		Enabled:   true,
		Frequency: models.Daily(),
		Time:      "02:00",
		LastRun:   &stale,
		NextRun:   &stale,
	}))

	n, err := f.sync.Sync(context.Background(), f.profile.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	s, err := f.store.GetSchedule(f.profile.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 21, 0, 22, 5, 0, time.UTC), *s.LastRun)
	assert.True(t, s.NextRun.After(f.now))
}

func TestLogSyncLeavesDisabledScheduleAlone(t *testing.T) {
	f := newLogSyncFixture(t)
	require.NoError(t, f.store.SaveSchedule(models.DefaultSchedule(f.profile.ID)))
	f.writeLog(t, twoRunLog)

	_, err := f.sync.Sync(context.Background(), f.profile.ID)
	require.NoError(t, err)

	s, err := f.store.GetSchedule(f.profile.ID)
	require.NoError(t, err)
	assert.Nil(t, s.LastRun)
	assert.Nil(t, s.NextRun)
}

func TestLogSyncFailureStates(t *testing.T) {
	f := newLogSyncFixture(t)
	f.writeLog(t, `Wed Aug 20 00:22:05 UTC 2025: Starting backup for profile Docs
ERROR : Failed to copy: AccessDenied
Wed Aug 20 09:00:00 UTC 2025: Starting backup for profile Docs
`)

	n, err := f.sync.SyncRun(context.Background(), f.profile.ID, stderrors.New("exit status 1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ops, err := f.store.ListOperations(f.profile.ID, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, models.StatusFailed, ops[0].Status)
	assert.Equal(t, "exit status 1", ops[0].ErrorMessage)
	assert.Equal(t, models.StatusFailed, ops[1].Status)
	assert.Contains(t, ops[1].ErrorMessage, "without a completion marker")
	assert.Contains(t, ops[1].LogOutput, "AccessDenied")
}

func TestParseDateOutput(t *testing.T) {
	loc := time.FixedZone("CDT", -5*3600)
	got, err := parseDateOutput("Wed Aug  20 00:22:05 CDT 2025", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 20, 5, 22, 5, 0, time.UTC), got.UTC())

	_, err = parseDateOutput("garbage", loc)
	assert.Error(t, err)
}
