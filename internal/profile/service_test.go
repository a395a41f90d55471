package profile

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	apperrors "github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUnscheduler struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingUnscheduler) Unschedule(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func newService(st store.Store, opts ...Option) *Service {
	opts = append([]Option{WithDefaults(Defaults{
		RcloneBin:      "/usr/bin/rclone",
		Remote:         "aws",
		Region:         "us-east-1",
		ToolConfigPath: "/tmp/cb/rclone.conf",
	})}, opts...)
	return NewService(st, "admins", opts...)
}

func TestGetOrCreateUserProfile(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newService(st)
	session := &models.Session{SubjectID: "sub-123", Email: "jane@acme.com", Groups: []string{"staff"}}
	require.False(t, svc.IsAdmin(session))

	p, err := svc.GetOrCreateProfile(context.Background(), session, svc.IsAdmin(session), "company-backups", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, p.Role)
	assert.Equal(t, "users/sub-123", p.Prefix)
	assert.Equal(t, "jane@acme.com", p.Name)
	assert.Equal(t, "/usr/bin/rclone", p.RcloneBin)
	assert.Equal(t, "/tmp/cb/rclone.conf", p.RcloneConf)
	assert.Equal(t, "aws:company-backups/users/sub-123", p.Destination())
	assert.Nil(t, p.AWSConfig)

	again, err := svc.GetOrCreateProfile(context.Background(), session, false, "company-backups", &models.FederatedCredential{AccessKeyID: "ASIA"})
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	all, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetOrCreateAdminProfile(t *testing.T) {
	svc := newService(store.NewMemoryStore())
	session := &models.Session{SubjectID: "sub-admin", Email: "boss@acme.com", Groups: []string{"admins"}}
	require.True(t, svc.IsAdmin(session))

	p, err := svc.GetOrCreateProfile(context.Background(), session, true, "company-backups", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, p.Role)
	assert.Empty(t, p.Prefix)
	require.NotNil(t, p.AWSConfig)
	assert.Equal(t, "company-backups", p.AWSConfig.BucketName)
	assert.Equal(t, "aws:company-backups", p.Destination())
}

func TestRepeatLoginRefreshesBucket(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newService(st)
	session := &models.Session{SubjectID: "sub-1", Email: "a@acme.com"}

	p, err := svc.GetOrCreateProfile(context.Background(), session, false, "old-bucket", nil)
	require.NoError(t, err)

	again, err := svc.GetOrCreateProfile(context.Background(), session, false, "new-bucket", nil)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, models.RoleUser, again.Role)
	assert.Equal(t, "users/sub-1", again.Prefix)
	assert.Equal(t, "new-bucket", again.Bucket)

	stored, err := st.GetProfile(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-bucket", stored.Bucket)
}

func TestRepeatLoginFollowsGroupChanges(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newService(st)
	session := &models.Session{SubjectID: "sub-1", Email: "a@acme.com"}

	p, err := svc.GetOrCreateProfile(context.Background(), session, false, "company-backups", nil)
	require.NoError(t, err)

	t.Run("promotion", func(t *testing.T) {
		promoted, err := svc.GetOrCreateProfile(context.Background(), session, true, "company-backups", nil)
		require.NoError(t, err)
		assert.Equal(t, p.ID, promoted.ID)
		assert.Equal(t, models.RoleAdmin, promoted.Role)
		assert.Empty(t, promoted.Prefix)
		require.NotNil(t, promoted.AWSConfig)
		assert.Equal(t, "company-backups", promoted.AWSConfig.BucketName)
		assert.Equal(t, "us-east-1", promoted.AWSConfig.Region)

		stored, err := st.GetProfile(p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RoleAdmin, stored.Role)
		assert.Equal(t, "aws:company-backups", stored.Destination())
	})

	t.Run("demotion", func(t *testing.T) {
		demoted, err := svc.GetOrCreateProfile(context.Background(), session, false, "company-backups", nil)
		require.NoError(t, err)
		assert.Equal(t, p.ID, demoted.ID)
		assert.Equal(t, models.RoleUser, demoted.Role)
		assert.Equal(t, "users/sub-1", demoted.Prefix)
		assert.Nil(t, demoted.AWSConfig)

		stored, err := st.GetProfile(p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RoleUser, stored.Role)
		assert.Nil(t, stored.AWSConfig)
		assert.Equal(t, "aws:company-backups/users/sub-1", stored.Destination())
	})
}

func TestGetOrCreateValidation(t *testing.T) {
	svc := newService(store.NewMemoryStore())
	var validation *apperrors.ErrValidation

	_, err := svc.GetOrCreateProfile(context.Background(), nil, false, "b", nil)
	assert.True(t, stderrors.As(err, &validation))

	_, err = svc.GetOrCreateProfile(context.Background(), &models.Session{SubjectID: "s"}, false, "", nil)
	assert.True(t, stderrors.As(err, &validation))
}

func TestActiveProfileSelection(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newService(st)

	_, err := svc.Active()
	assert.True(t, apperrors.IsNotFound(err))

	p, err := svc.GetOrCreateProfile(context.Background(), &models.Session{SubjectID: "s1"}, false, "b", nil)
	require.NoError(t, err)
	require.NoError(t, svc.SelectActive(p.ID))

	active, err := svc.Active()
	require.NoError(t, err)
	assert.Equal(t, p.ID, active.ID)

	assert.True(t, apperrors.IsNotFound(svc.SelectActive("missing")))
}

func TestDeleteUnschedulesAndClearsActive(t *testing.T) {
	st := store.NewMemoryStore()
	unsched := &recordingUnscheduler{err: &apperrors.ErrNotFound{Kind: "schedule", ID: "x"}}
	svc := newService(st, WithUnscheduler(unsched))

	p, err := svc.GetOrCreateProfile(context.Background(), &models.Session{SubjectID: "s1"}, false, "b", nil)
	require.NoError(t, err)
	require.NoError(t, svc.SelectActive(p.ID))

	require.NoError(t, svc.Delete(context.Background(), p.ID))
	assert.Equal(t, []string{p.ID}, unsched.ids)

	_, err = svc.Get(p.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = svc.Active()
	assert.True(t, apperrors.IsNotFound(err))

	unsched.err = stderrors.New("scheduler unreachable")
	q, err := svc.GetOrCreateProfile(context.Background(), &models.Session{SubjectID: "s2"}, false, "b", nil)
	require.NoError(t, err)
	assert.Error(t, svc.Delete(context.Background(), q.ID))
	_, err = svc.Get(q.ID)
	assert.NoError(t, err)
}

func TestCreateAndUpdate(t *testing.T) {
	svc := newService(store.NewMemoryStore())

	bad := models.NewProfile("manual", models.RoleUser)
	bad.Bucket = "b"
	var validation *apperrors.ErrValidation
	_, err := svc.Create(context.Background(), bad)
	require.True(t, stderrors.As(err, &validation))

	p := models.NewProfile("manual", models.RoleAdmin)
	p.Bucket = "b"
	_, err = svc.Create(context.Background(), p)
	require.NoError(t, err)

	edit := p.Clone()
	edit.Role = models.RoleUser
	edit.Mode = models.ModeSync
	edit.Sources = []string{"/home/jane/docs"}
	updated, err := svc.Update(context.Background(), edit)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, updated.Role)
	assert.Equal(t, models.ModeSync, updated.Mode)

	missing := models.NewProfile("ghost", models.RoleAdmin)
	missing.Bucket = "b"
	_, err = svc.Update(context.Background(), missing)
	assert.True(t, apperrors.IsNotFound(err))
}
