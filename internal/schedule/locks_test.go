package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocksSerializePerProfile(t *testing.T) {
	l := NewLocks()
	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("p1")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&peak) {
				atomic.StoreInt32(&peak, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)

	// Different profiles do not block each other.
	unlock := l.Lock("p1")
	defer unlock()
	done := make(chan struct{})
	go func() {
		release := l.Lock("p2")
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for p2 blocked on p1")
	}
}

// interleavingStore disables the schedule through a separate Manager after
// the first read of an update, the way another process would.
type interleavingStore struct {
	*store.MemoryStore
	disable func()
	once    sync.Once
}

func (s *interleavingStore) UpdateSchedule(profileID string, fn func(*models.Schedule) bool) (bool, error) {
	return s.MemoryStore.UpdateSchedule(profileID, func(sched *models.Schedule) bool {
		s.once.Do(s.disable)
		return fn(sched)
	})
}

func disableFromElsewhere(t *testing.T, st *store.MemoryStore, profileID string) func() {
	other := NewManager(newFakeScheduler(), st)
	return func() {
		_, err := other.SetEnabled(context.Background(), profileID, false, true)
		require.NoError(t, err)
	}
}

func TestAgentSkipKeepsConcurrentDisable(t *testing.T) {
	f := newAgentFixture(t)
	f.guard.err = &apperrors.ErrConfirmationRequired{ProfileID: f.profile.ID, Deletes: 1}
	f.scheduleDue(t)
	f.agent.store = &interleavingStore{
		MemoryStore: f.store,
		disable:     disableFromElsewhere(t, f.store, f.profile.ID),
	}

	err := f.agent.RunNow(context.Background(), f.profile.ID)
	assert.True(t, apperrors.IsConfirmationRequired(err))

	s, err := f.store.GetSchedule(f.profile.ID)
	require.NoError(t, err)
	assert.False(t, s.Enabled)
	assert.Nil(t, s.NextRun)
}

func TestLogSyncAdvanceKeepsConcurrentDisable(t *testing.T) {
	f := newLogSyncFixture(t)
	next := f.now.Add(-time.Hour)
	require.NoError(t, f.store.SaveSchedule(&models.Schedule{
		ProfileID: f.profile.ID,
		Enabled:   true,
		Frequency: models.Daily(),
		Time:      "00:22",
		NextRun:   &next,
	}))
	f.writeLog(t, twoRunLog)
	f.sync.store = &interleavingStore{
		MemoryStore: f.store,
		disable:     disableFromElsewhere(t, f.store, f.profile.ID),
	}

	n, err := f.sync.Sync(context.Background(), f.profile.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s, err := f.store.GetSchedule(f.profile.ID)
	require.NoError(t, err)
	assert.False(t, s.Enabled)
	assert.Nil(t, s.NextRun)
	assert.Nil(t, s.LastRun)
}
