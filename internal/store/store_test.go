package store

import (
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachStore runs fn against both implementations so they stay in step.
func forEachStore(t *testing.T, historyLimit int, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStoreWithHistory(historyLimit))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStoreWithHistory(filepath.Join(t.TempDir(), "nested", "cb.db"), historyLimit)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func newTestProfile(name, subject string, role models.Role) *models.Profile {
	p := models.NewProfile(name, role)
	p.SubjectID = subject
	p.Bucket = "company-backups"
	if role == models.RoleUser {
		p.Prefix = models.UserPrefix(subject)
	}
	return p
}

func TestProfileCRUD(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s Store) {
		p := newTestProfile("jane", "sub-123", models.RoleUser)
		p.Sources = []string{"/home/jane/Documents"}
		require.NoError(t, s.SaveProfile(p))

		got, err := s.GetProfile(p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Name, got.Name)
		assert.Equal(t, "users/sub-123", got.Prefix)
		assert.Equal(t, []string{"/home/jane/Documents"}, got.Sources)

		bySubject, err := s.FindProfileBySubject("sub-123")
		require.NoError(t, err)
		assert.Equal(t, p.ID, bySubject.ID)

		p.Mode = models.ModeSync
		require.NoError(t, s.SaveProfile(p))
		got, err = s.GetProfile(p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ModeSync, got.Mode)

		list, err := s.ListProfiles()
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, s.DeleteProfile(p.ID))
		_, err = s.GetProfile(p.ID)
		assert.True(t, apperrors.IsNotFound(err))
		assert.True(t, apperrors.IsNotFound(s.DeleteProfile(p.ID)))
	})
}

func TestFindProfileBySubjectMissing(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s Store) {
		require.NoError(t, s.SaveProfile(newTestProfile("admin", "", models.RoleAdmin)))
		_, err := s.FindProfileBySubject("nobody")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestScheduleRoundTrip(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s Store) {
		p := newTestProfile("jane", "sub-1", models.RoleUser)
		require.NoError(t, s.SaveProfile(p))

		_, err := s.GetSchedule(p.ID)
		assert.True(t, apperrors.IsNotFound(err))

		next := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
		sched := &models.Schedule{
			ProfileID: p.ID,
			Enabled:   true,
			Frequency: models.Weekly(1),
			Time:      "14:30",
			NextRun:   &next,
		}
		require.NoError(t, s.SaveSchedule(sched))

		got, err := s.GetSchedule(p.ID)
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.Equal(t, models.Weekly(1), got.Frequency)
		require.NotNil(t, got.NextRun)
		assert.True(t, next.Equal(*got.NextRun))

		all, err := s.ListSchedules()
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, s.DeleteSchedule(p.ID))
		_, err = s.GetSchedule(p.ID)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestUpdateScheduleSkipsDisabledRow(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s Store) {
		p := newTestProfile("jane", "sub-1", models.RoleUser)
		require.NoError(t, s.SaveProfile(p))

		_, err := s.UpdateSchedule(p.ID, func(*models.Schedule) bool { return true })
		assert.True(t, apperrors.IsNotFound(err))

		due := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)
		require.NoError(t, s.SaveSchedule(&models.Schedule{
			ProfileID: p.ID,
			Enabled:   true,
			Frequency: models.Daily(),
			Time:      "02:00",
			NextRun:   &due,
		}))

		// Another writer disables the schedule after the first read.
		next := due.Add(24 * time.Hour)
		calls := 0
		wrote, err := s.UpdateSchedule(p.ID, func(sched *models.Schedule) bool {
			calls++
			if calls == 1 {
				disabled := sched.Clone()
				disabled.Enabled = false
				disabled.NextRun = nil
				require.NoError(t, s.SaveSchedule(disabled))
			}
			if !sched.Enabled {
				return false
			}
			sched.NextRun = &next
			return true
		})
		require.NoError(t, err)
		assert.False(t, wrote)
		assert.Equal(t, 2, calls)

		got, err := s.GetSchedule(p.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Nil(t, got.NextRun)
	})
}

func TestUpdateScheduleWritesEnabledRow(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s Store) {
		p := newTestProfile("jane", "sub-1", models.RoleUser)
		require.NoError(t, s.SaveProfile(p))
		require.NoError(t, s.SaveSchedule(&models.Schedule{
			ProfileID: p.ID,
			Enabled:   true,
			Frequency: models.Weekly(1),
			Time:      "14:30",
		}))

		next := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)
		wrote, err := s.UpdateSchedule(p.ID, func(sched *models.Schedule) bool {
			sched.NextRun = &next
			return true
		})
		require.NoError(t, err)
		assert.True(t, wrote)

		got, err := s.GetSchedule(p.ID)
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.Equal(t, models.Weekly(1), got.Frequency)
		require.NotNil(t, got.NextRun)
		assert.True(t, next.Equal(*got.NextRun))
	})
}

func TestOperationHistoryIsCappedNewestFirst(t *testing.T) {
	forEachStore(t, 3, func(t *testing.T, s Store) {
		p := newTestProfile("jane", "sub-1", models.RoleUser)
		require.NoError(t, s.SaveProfile(p))

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		var ids []string
		for i := 0; i < 5; i++ {
			op := models.NewOperation(p.ID, models.OperationBackup)
			op.StartedAt = base.Add(time.Duration(i) * time.Hour)
			require.NoError(t, s.SaveOperation(op))
			ids = append(ids, op.ID)
		}

		ops, err := s.ListOperations(p.ID, 0)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, ids[4], ops[0].ID)
		assert.Equal(t, ids[2], ops[2].ID)

		limited, err := s.ListOperations(p.ID, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, ids[4], limited[0].ID)

		// Updating an operation in place must not duplicate it.
		ops[0].Finish(models.StatusCompleted, "")
		ops[0].FilesTransferred = 7
		require.NoError(t, s.SaveOperation(ops[0]))
		ops, err = s.ListOperations(p.ID, 0)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, models.StatusCompleted, ops[0].Status)
		assert.Equal(t, int64(7), ops[0].FilesTransferred)

		require.NoError(t, s.ClearOperations(p.ID))
		ops, err = s.ListOperations(p.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})
}

func TestServiceCredentialsKeyedBySubject(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s Store) {
		_, err := s.GetServiceCredential("sub-1")
		assert.True(t, apperrors.IsNotFound(err))

		first := &models.ServiceCredential{SubjectID: "sub-1", AccessKeyID: "AKIA1", SecretAccessKey: "s1", Region: "us-east-1", ServiceUsername: "backup-sub-1"}
		other := &models.ServiceCredential{SubjectID: "sub-2", AccessKeyID: "AKIA2", SecretAccessKey: "s2", Region: "us-east-1", ServiceUsername: "backup-sub-2"}
		require.NoError(t, s.SaveServiceCredential(first))
		require.NoError(t, s.SaveServiceCredential(other))

		replacement := *first
		replacement.AccessKeyID = "AKIA1-NEW"
		require.NoError(t, s.SaveServiceCredential(&replacement))

		got, err := s.GetServiceCredential("sub-1")
		require.NoError(t, err)
		assert.Equal(t, "AKIA1-NEW", got.AccessKeyID)

		untouched, err := s.GetServiceCredential("sub-2")
		require.NoError(t, err)
		assert.Equal(t, "AKIA2", untouched.AccessKeyID)

		require.NoError(t, s.DeleteServiceCredential("sub-1"))
		assert.True(t, apperrors.IsNotFound(s.DeleteServiceCredential("sub-1")))
	})
}

func TestEmployeesFollowProfile(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s Store) {
		p := newTestProfile("admin", "sub-admin", models.RoleAdmin)
		require.NoError(t, s.SaveProfile(p))

		e := &models.Employee{ID: "emp-1", ProfileID: p.ID, Name: "Bob", Username: "bob", CreatedAt: time.Now().UTC()}
		require.NoError(t, s.SaveEmployee(e))

		list, err := s.ListEmployees(p.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "bob", list[0].Username)

		got, err := s.GetEmployee("emp-1")
		require.NoError(t, err)
		assert.Equal(t, "Bob", got.Name)

		require.NoError(t, s.DeleteProfile(p.ID))
		_, err = s.GetEmployee("emp-1")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestSettings(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s Store) {
		settings := s.Settings()

		_, ok := settings.Get(SettingActiveProfileID)
		assert.False(t, ok)

		require.NoError(t, settings.Set(SettingActiveProfileID, "p-1"))
		v, ok := settings.Get(SettingActiveProfileID)
		assert.True(t, ok)
		assert.Equal(t, "p-1", v)

		require.NoError(t, settings.Set(SettingActiveProfileID, "p-2"))
		v, _ = settings.Get(SettingActiveProfileID)
		assert.Equal(t, "p-2", v)

		require.NoError(t, settings.Set(SettingLastLoginEmail, "jane@example.com"))
		v, _ = settings.Get(SettingLastLoginEmail)
		assert.Equal(t, "jane@example.com", v)

		require.NoError(t, settings.Delete(SettingActiveProfileID))
		_, ok = settings.Get(SettingActiveProfileID)
		assert.False(t, ok)
	})
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cb.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	p := newTestProfile("jane", "sub-1", models.RoleUser)
	require.NoError(t, s.SaveProfile(p))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetProfile(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane", got.Name)
}
